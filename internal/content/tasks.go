package content

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrEmptyTitle   = errors.New("task title cannot be empty")
	ErrTaskNotFound = errors.New("task not found")
)

// Task is a to-do item owned by one user.
type Task struct {
	ID        int        `json:"id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	Priority  int        `json:"priority"`
	Due       *time.Time `json:"due,omitempty"`
	Done      bool       `json:"done"`
	CreatedAt time.Time  `json:"created_at"`
}

// TaskList is a concurrency-safe in-memory task store.
type TaskList struct {
	mu     sync.RWMutex
	nextID int
	tasks  map[string][]*Task
	now    func() time.Time
}

// NewTaskList creates an empty task list.
func NewTaskList() *TaskList {
	return &TaskList{tasks: make(map[string][]*Task), now: time.Now}
}

// Add creates a task. Priority is clamped to 1..5; zero means 3.
func (l *TaskList) Add(userID, title string, priority int, due *time.Time) (Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Task{}, ErrEmptyTitle
	}
	if priority == 0 {
		priority = 3
	}
	priority = min(max(priority, 1), 5)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	t := &Task{ID: l.nextID, UserID: userID, Title: title, Priority: priority, Due: due, CreatedAt: l.now()}
	l.tasks[userID] = append(l.tasks[userID], t)
	return *t, nil
}

// Open returns the user's unfinished tasks, highest priority first and then
// by creation order. The position in this slice is what users refer to.
func (l *TaskList) Open(userID string) []Task {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var open []Task
	for _, t := range l.tasks[userID] {
		if !t.Done {
			open = append(open, *t)
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].Priority > open[j].Priority })
	return open
}

// Complete marks the n-th (1-based) open task done.
func (l *TaskList) Complete(userID string, n int) (Task, error) {
	open := l.Open(userID)
	if n < 1 || n > len(open) {
		return Task{}, fmt.Errorf("%w: #%d", ErrTaskNotFound, n)
	}
	id := open[n-1].ID

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks[userID] {
		if t.ID == id {
			if t.Done {
				return Task{}, fmt.Errorf("%w: #%d", ErrTaskNotFound, n)
			}
			t.Done = true
			return *t, nil
		}
	}
	return Task{}, fmt.Errorf("%w: #%d", ErrTaskNotFound, n)
}
