package interpreter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/LifePipe/internal/content"
	"github.com/BTreeMap/LifePipe/internal/models"
)

type fakeGenerator struct {
	out    string
	err    error
	prompt string
}

func (f *fakeGenerator) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.prompt = userPrompt
	return f.out, f.err
}

func newTestInterpreter(opts ...Option) *KeywordInterpreter {
	return NewKeywordInterpreter(content.NewLibrary(nil, models.FlowDefinition{}, nil), opts...)
}

func TestCheckInStartsFlow(t *testing.T) {
	k := newTestInterpreter()
	for _, text := range []string{"checkin", "Check-In please"} {
		a, err := k.Interpret(context.Background(), "u1", text)
		if err != nil {
			t.Fatalf("Interpret(%q) error: %v", text, err)
		}
		if a.Kind != ActionStartFlow || a.Flow == nil || a.Flow.Type != models.FlowTypeCheckIn {
			t.Errorf("Interpret(%q) = %+v, want check-in flow", text, a)
		}
	}
}

func TestTaskCommands(t *testing.T) {
	ctx := context.Background()
	k := newTestInterpreter()

	a, _ := k.Interpret(ctx, "u1", "tasks")
	if a.Reply.Text != "No open tasks." {
		t.Errorf("unexpected empty list reply: %q", a.Reply.Text)
	}

	a, _ = k.Interpret(ctx, "u1", "task add file the taxes !5")
	if !strings.Contains(a.Reply.Text, "file the taxes") || !strings.Contains(a.Reply.Text, "p5") {
		t.Errorf("unexpected add reply: %q", a.Reply.Text)
	}
	_, _ = k.Interpret(ctx, "u1", "task add water plants")

	a, _ = k.Interpret(ctx, "u1", "tasks")
	if !strings.Contains(a.Reply.Text, "1. file the taxes (p5)") || !strings.Contains(a.Reply.Text, "2. water plants (p3)") {
		t.Errorf("unexpected list reply: %q", a.Reply.Text)
	}

	a, _ = k.Interpret(ctx, "u1", "task done 1")
	if a.Reply.Text != "Done: file the taxes" {
		t.Errorf("unexpected done reply: %q", a.Reply.Text)
	}
	a, _ = k.Interpret(ctx, "u1", "task done 7")
	if !strings.Contains(a.Reply.Text, "no open task #7") {
		t.Errorf("unexpected missing-task reply: %q", a.Reply.Text)
	}
	a, _ = k.Interpret(ctx, "u1", "task add chores !9")
	if !strings.Contains(a.Reply.Text, "Priority") {
		t.Errorf("expected priority validation, got %q", a.Reply.Text)
	}
	a, _ = k.Interpret(ctx, "u1", "task")
	if !strings.HasPrefix(a.Reply.Text, "Usage") {
		t.Errorf("expected usage, got %q", a.Reply.Text)
	}
}

func TestHelpAndEmpty(t *testing.T) {
	k := newTestInterpreter()
	if a, _ := k.Interpret(context.Background(), "u1", "HELP"); a.Reply.Text != HelpText {
		t.Errorf("unexpected help reply: %q", a.Reply.Text)
	}
	if a, _ := k.Interpret(context.Background(), "u1", "   "); a.Kind != ActionNone {
		t.Errorf("expected no action for blank text, got %+v", a)
	}
}

func TestFallback(t *testing.T) {
	ctx := context.Background()
	if a, _ := newTestInterpreter().Interpret(ctx, "u1", "how was your day"); a.Reply.Text != AcknowledgeText {
		t.Errorf("expected acknowledgement without a generator, got %q", a.Reply.Text)
	}

	gen := &fakeGenerator{out: "Pretty good!"}
	a, _ := newTestInterpreter(WithFallback(gen)).Interpret(ctx, "u1", "how was your day")
	if a.Reply.Text != "Pretty good!" || gen.prompt != "how was your day" {
		t.Errorf("unexpected generated reply %q for prompt %q", a.Reply.Text, gen.prompt)
	}

	failing := &fakeGenerator{err: errors.New("quota")}
	a, _ = newTestInterpreter(WithFallback(failing)).Interpret(ctx, "u1", "hello")
	if a.Reply.Text != AcknowledgeText {
		t.Errorf("expected acknowledgement on generator failure, got %q", a.Reply.Text)
	}
}
