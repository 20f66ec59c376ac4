// Package interpreter turns free-form user text that is not a flow answer into
// an action: a reply, a flow to start, or nothing.
package interpreter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/LifePipe/internal/content"
	"github.com/BTreeMap/LifePipe/internal/models"
)

// ActionKind says what the orchestrator should do with an interpretation.
type ActionKind string

const (
	ActionNone      ActionKind = "none"
	ActionReply     ActionKind = "reply"
	ActionStartFlow ActionKind = "start_flow"
)

// Action is the result of interpreting one inbound message.
type Action struct {
	Kind  ActionKind
	Reply models.Message
	Flow  *models.FlowDefinition
}

// Interpreter handles inbound text outside a conversation flow.
type Interpreter interface {
	Interpret(ctx context.Context, userID, text string) (Action, error)
}

// Generator produces a free-form reply.
type Generator interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const (
	HelpText = "Commands:\n" +
		"• checkin - start a check-in\n" +
		"• tasks - list open tasks\n" +
		"• task add <title> [!1-5] - add a task\n" +
		"• task done <n> - complete task n\n" +
		"• help - show this message"

	AcknowledgeText = "Got it. Send \"help\" to see what I can do."

	fallbackSystemPrompt = "You are LifePipe, a concise personal life-management assistant. " +
		"Reply in at most three short sentences. If the user seems to want a command, " +
		"mention it from this list: checkin, tasks, task add <title> [!1-5], task done <n>, help."
)

// KeywordInterpreter understands a small command vocabulary and hands
// everything else to an optional generator.
type KeywordInterpreter struct {
	library  *content.Library
	fallback Generator
}

// Option configures a KeywordInterpreter.
type Option func(*KeywordInterpreter)

// WithFallback sets the generator used for unrecognised text.
func WithFallback(g Generator) Option {
	return func(k *KeywordInterpreter) { k.fallback = g }
}

// NewKeywordInterpreter creates an interpreter over the library's check-in
// flow and task list.
func NewKeywordInterpreter(library *content.Library, opts ...Option) *KeywordInterpreter {
	k := &KeywordInterpreter{library: library}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Interpret implements Interpreter.
func (k *KeywordInterpreter) Interpret(ctx context.Context, userID, text string) (Action, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Action{Kind: ActionNone}, nil
	}
	switch strings.ToLower(fields[0]) {
	case "checkin", "check-in":
		def := k.library.CheckIn()
		return Action{Kind: ActionStartFlow, Flow: &def}, nil
	case "help":
		return reply(HelpText), nil
	case "tasks":
		return reply(k.listTasks(userID)), nil
	case "task":
		if len(fields) >= 2 {
			switch strings.ToLower(fields[1]) {
			case "add":
				return k.addTask(userID, fields[2:]), nil
			case "done":
				return k.completeTask(userID, fields[2:]), nil
			}
		}
		return reply("Usage: task add <title> [!1-5] or task done <n>"), nil
	}
	return k.fallbackReply(ctx, userID, text), nil
}

func (k *KeywordInterpreter) listTasks(userID string) string {
	open := k.library.Tasks().Open(userID)
	if len(open) == 0 {
		return "No open tasks."
	}
	var b strings.Builder
	b.WriteString("Open tasks:")
	for i, t := range open {
		fmt.Fprintf(&b, "\n%d. %s (p%d)", i+1, t.Title, t.Priority)
		if t.Due != nil {
			fmt.Fprintf(&b, " due %s", t.Due.Format("Jan 2"))
		}
	}
	return b.String()
}

// addTask parses "<title words> [!N]".
func (k *KeywordInterpreter) addTask(userID string, args []string) Action {
	priority := 0
	if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "!") {
		p, err := strconv.Atoi(strings.TrimPrefix(args[n-1], "!"))
		if err != nil || p < 1 || p > 5 {
			return reply("Priority must be !1 to !5.")
		}
		priority = p
		args = args[:n-1]
	}
	t, err := k.library.Tasks().Add(userID, strings.Join(args, " "), priority, nil)
	if err != nil {
		return reply("Usage: task add <title> [!1-5]")
	}
	slog.Info("KeywordInterpreter.addTask: task added", "userID", userID, "taskID", t.ID, "priority", t.Priority)
	return reply(fmt.Sprintf("Added \"%s\" (p%d).", t.Title, t.Priority))
}

func (k *KeywordInterpreter) completeTask(userID string, args []string) Action {
	if len(args) != 1 {
		return reply("Usage: task done <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return reply("Usage: task done <n>")
	}
	t, err := k.library.Tasks().Complete(userID, n)
	if err != nil {
		return reply(fmt.Sprintf("There is no open task #%d.", n))
	}
	slog.Info("KeywordInterpreter.completeTask: task completed", "userID", userID, "taskID", t.ID)
	return reply(fmt.Sprintf("Done: %s", t.Title))
}

func (k *KeywordInterpreter) fallbackReply(ctx context.Context, userID, text string) Action {
	if k.fallback == nil {
		return reply(AcknowledgeText)
	}
	out, err := k.fallback.GeneratePrompt(ctx, fallbackSystemPrompt, text)
	if err != nil || strings.TrimSpace(out) == "" {
		slog.Warn("KeywordInterpreter.fallbackReply: generator unavailable", "userID", userID, "error", err)
		return reply(AcknowledgeText)
	}
	return reply(out)
}

func reply(text string) Action {
	return Action{Kind: ActionReply, Reply: models.Message{Text: text}}
}
