package content

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
)

func TestTaskListAddClampsPriority(t *testing.T) {
	l := NewTaskList()
	if _, err := l.Add("u1", "   ", 3, nil); !errors.Is(err, ErrEmptyTitle) {
		t.Errorf("expected ErrEmptyTitle, got %v", err)
	}
	a, _ := l.Add("u1", "low", -2, nil)
	b, _ := l.Add("u1", "high", 9, nil)
	c, _ := l.Add("u1", "default", 0, nil)
	if a.Priority != 1 || b.Priority != 5 || c.Priority != 3 {
		t.Errorf("unexpected priorities: %d %d %d", a.Priority, b.Priority, c.Priority)
	}
}

func TestTaskListOpenAndComplete(t *testing.T) {
	l := NewTaskList()
	_, _ = l.Add("u1", "laundry", 2, nil)
	_, _ = l.Add("u1", "taxes", 5, nil)
	_, _ = l.Add("u2", "other user", 4, nil)

	open := l.Open("u1")
	if len(open) != 2 || open[0].Title != "taxes" {
		t.Fatalf("expected taxes first, got %+v", open)
	}

	done, err := l.Complete("u1", 1)
	if err != nil || done.Title != "taxes" || !done.Done {
		t.Fatalf("Complete(1) = %+v, %v", done, err)
	}
	if open := l.Open("u1"); len(open) != 1 || open[0].Title != "laundry" {
		t.Errorf("expected only laundry open, got %+v", open)
	}
	if _, err := l.Complete("u1", 5); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if len(l.Open("u2")) != 1 {
		t.Error("other user's tasks should be untouched")
	}
}

func TestLibraryCandidates(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, time.October, 13, 12, 0, 0, 0, time.UTC)
	tasks := NewTaskList()
	due := now.Add(-time.Hour)
	_, _ = tasks.Add("u1", "overdue", 2, &due)
	_, _ = tasks.Add("u1", "someday", 2, nil)

	lib := NewLibrary(map[string][]models.Message{
		models.CategoryMotivational: {{Text: "Keep going"}, {Text: "You got this"}},
	}, models.FlowDefinition{}, tasks)
	user := models.User{ID: "u1"}

	checkIn, err := lib.Candidates(ctx, user, models.CategoryCheckIn, now)
	if err != nil || len(checkIn) != 1 || checkIn[0].Flow == nil {
		t.Fatalf("expected one check-in flow candidate, got %+v, %v", checkIn, err)
	}
	if checkIn[0].Flow.Type != DefaultCheckIn.Type || len(checkIn[0].Flow.Steps) != len(DefaultCheckIn.Steps) {
		t.Error("empty check-in config should use the default flow")
	}

	motivational, _ := lib.Candidates(ctx, user, models.CategoryMotivational, now)
	if len(motivational) != 2 || motivational[0].Weight != 1 {
		t.Errorf("unexpected pool candidates: %+v", motivational)
	}

	reminders, _ := lib.Candidates(ctx, user, models.CategoryTaskReminders, now)
	if len(reminders) != 2 {
		t.Fatalf("expected two reminders, got %d", len(reminders))
	}
	weights := map[string]float64{}
	for _, c := range reminders {
		weights[c.Message.Text] = c.Weight
	}
	if weights["Reminder: overdue"] != 6 || weights["Reminder: someday"] != 2 {
		t.Errorf("unexpected reminder weights: %v", weights)
	}

	if none, _ := lib.Candidates(ctx, user, "unknown", now); len(none) != 0 {
		t.Errorf("expected no candidates for an unknown category, got %d", len(none))
	}
}
