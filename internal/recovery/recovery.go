// Package recovery restores in-flight state when LifePipe restarts: retry
// queue contents and flows that went idle while the process was down.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Recoverable is a component with state to restore at startup.
type Recoverable interface {
	Name() string
	Recover(ctx context.Context) (int, error)
}

// Func adapts a function to Recoverable.
type Func struct {
	Label string
	Fn    func(ctx context.Context) (int, error)
}

func (f Func) Name() string { return f.Label }

func (f Func) Recover(ctx context.Context) (int, error) { return f.Fn(ctx) }

// QueueRestorer is satisfied by the retry queue.
type QueueRestorer interface {
	Restore(ctx context.Context) (int, error)
}

// IdleSweeper is satisfied by the flow engine.
type IdleSweeper interface {
	SweepIdle(ctx context.Context) (int, error)
}

// RetryQueue reloads persisted retries.
func RetryQueue(q QueueRestorer) Recoverable {
	return Func{Label: "retry-queue", Fn: q.Restore}
}

// IdleFlows expires flows whose inactivity window passed during downtime.
func IdleFlows(s IdleSweeper) Recoverable {
	return Func{Label: "idle-flows", Fn: s.SweepIdle}
}

// Manager runs registered recoverables in registration order.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates a manager.
func NewManager(rs ...Recoverable) *Manager {
	return &Manager{recoverables: rs}
}

// Register adds a component.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every component. A failing component does not stop the
// others; their errors are joined.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))
	var errs []error
	for _, r := range m.recoverables {
		n, err := r.Recover(ctx)
		if err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			continue
		}
		slog.Info("Manager.RecoverAll: component recovered", "component", r.Name(), "items", n)
	}
	if len(errs) > 0 {
		return fmt.Errorf("recovery finished with %d of %d components failing: %w", len(errs), len(m.recoverables), errors.Join(errs...))
	}
	return nil
}
