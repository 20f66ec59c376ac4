// Package content supplies the messages the scheduler chooses between: a
// pool of fixed messages per category, the check-in flow, and reminders for
// a user's open tasks.
package content

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/BTreeMap/LifePipe/internal/scheduler"
)

// DefaultCheckIn is used when no check-in questions are configured.
var DefaultCheckIn = models.FlowDefinition{
	Type: models.FlowTypeCheckIn,
	Steps: []models.FlowStep{
		{ID: "mood", Prompt: "How are you feeling right now, from 1 to 5?"},
		{ID: "focus", Prompt: "What is the one thing you want to get done today?"},
		{ID: "blocker", Prompt: "Is anything in your way?"},
	},
	CompletionText: "Thanks for checking in. Have a good one!",
}

// Library is the scheduler's content source.
type Library struct {
	pools   map[string][]models.Message
	checkIn models.FlowDefinition
	tasks   *TaskList
}

var _ scheduler.ContentSource = (*Library)(nil)

// NewLibrary creates a library. A zero checkIn uses DefaultCheckIn.
func NewLibrary(pools map[string][]models.Message, checkIn models.FlowDefinition, tasks *TaskList) *Library {
	if checkIn.Validate() != nil {
		checkIn = DefaultCheckIn
	}
	if pools == nil {
		pools = make(map[string][]models.Message)
	}
	if tasks == nil {
		tasks = NewTaskList()
	}
	return &Library{pools: pools, checkIn: checkIn, tasks: tasks}
}

// CheckIn returns the configured check-in flow.
func (l *Library) CheckIn() models.FlowDefinition { return l.checkIn }

// Tasks returns the task list backing reminders.
func (l *Library) Tasks() *TaskList { return l.tasks }

// Candidates implements scheduler.ContentSource.
func (l *Library) Candidates(ctx context.Context, user models.User, category string, now time.Time) ([]scheduler.Candidate, error) {
	switch category {
	case models.CategoryCheckIn:
		def := l.checkIn
		return []scheduler.Candidate{{ID: string(def.Type), Weight: 1, Flow: &def}}, nil
	case models.CategoryTaskReminders:
		return l.taskCandidates(user.ID, now), nil
	}
	pool := l.pools[category]
	cands := make([]scheduler.Candidate, 0, len(pool))
	for i, msg := range pool {
		cands = append(cands, scheduler.Candidate{ID: fmt.Sprintf("%s-%d", category, i), Weight: 1, Message: msg})
	}
	return cands, nil
}

func (l *Library) taskCandidates(userID string, now time.Time) []scheduler.Candidate {
	open := l.tasks.Open(userID)
	cands := make([]scheduler.Candidate, 0, len(open))
	for _, t := range open {
		rich := map[string]string{"priority": strconv.Itoa(t.Priority)}
		if t.Due != nil {
			rich["due"] = t.Due.Format(time.DateOnly)
		}
		cands = append(cands, scheduler.Candidate{
			ID:     "task-" + strconv.Itoa(t.ID),
			Weight: scheduler.TaskWeight(t.Priority, t.Due, now),
			Message: models.Message{
				Subject: "Task reminder",
				Text:    "Reminder: " + t.Title,
				Rich:    rich,
			},
		})
	}
	return cands
}
