// Package flow runs per-user conversation flows: ordered questions that are
// answered over several inbound messages and expire when the user goes quiet
// or the conversation moves on.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LifePipe/internal/metrics"
	"github.com/BTreeMap/LifePipe/internal/models"
)

// DefaultInactivity is how long an active flow may wait for an answer.
const DefaultInactivity = 2 * time.Hour

// ErrEngineClosed is returned by operations after Close.
var ErrEngineClosed = errors.New("flow engine closed")

// Option configures an Engine.
type Option func(*Engine)

// WithInactivity sets the idle expiry window.
func WithInactivity(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.inactivity = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Engine owns all reads and writes of flow state. Every public method is
// executed by a single goroutine in submission order, and every operation
// reloads the record from the store before changing it.
type Engine struct {
	store      Store
	inactivity time.Duration
	now        func() time.Time

	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
}

// NewEngine creates an engine over store and starts its worker.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		inactivity: DefaultInactivity,
		now:        time.Now,
		requests:   make(chan request),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.loop()
	return e
}

// Inactivity returns the configured idle expiry window.
func (e *Engine) Inactivity() time.Duration { return e.inactivity }

// Close stops the worker. Pending callers receive ErrEngineClosed.
func (e *Engine) Close() {
	select {
	case <-e.quit:
	default:
		close(e.quit)
	}
	<-e.stopped
}

func (e *Engine) loop() {
	defer close(e.stopped)
	for {
		select {
		case <-e.quit:
			return
		case req := <-e.requests:
			req.done <- req.fn(req.ctx)
		}
	}
}

func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case e.requests <- req:
	case <-e.quit:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.done
}

// load reads one record, treating corrupt entries as absent.
func (e *Engine) load(ctx context.Context, userID string, flowType models.FlowType) (*models.ConversationFlowState, error) {
	st, err := e.store.LoadFlow(ctx, userID, flowType)
	if err != nil {
		if errors.Is(err, models.ErrCorruptState) {
			slog.Warn("Engine.load: corrupt flow state treated as idle", "userID", userID, "flowType", flowType, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("load flow %s/%s: %w", userID, flowType, err)
	}
	if st != nil && !st.Valid() {
		slog.Warn("Engine.load: invalid flow state treated as idle", "userID", userID, "flowType", flowType)
		return nil, nil
	}
	return st, nil
}

func (e *Engine) save(ctx context.Context, st *models.ConversationFlowState) error {
	if err := e.store.SaveFlow(ctx, st); err != nil {
		return fmt.Errorf("save flow %s/%s: %w", st.UserID, st.FlowType, err)
	}
	return nil
}

func (e *Engine) isIdle(st *models.ConversationFlowState, now time.Time) bool {
	return st.IsActive() && now.Sub(st.LastActivityAt) > e.inactivity
}

func (e *Engine) finish(st *models.ConversationFlowState, status models.FlowStatus, now time.Time) {
	st.Status = status
	ended := now
	st.EndedAt = &ended
	metrics.RecordFlowTransition(string(st.FlowType), string(status))
}

// expireIdleLocked expires st if it is idle, saving the change. Only call
// from the worker.
func (e *Engine) expireIdleLocked(ctx context.Context, st *models.ConversationFlowState, now time.Time) (bool, error) {
	if !e.isIdle(st, now) {
		return false, nil
	}
	e.finish(st, models.FlowStatusExpired, now)
	slog.Info("Engine: flow expired after inactivity", "userID", st.UserID, "flowType", st.FlowType, "lastActivityAt", st.LastActivityAt)
	return true, e.save(ctx, st)
}

// Start begins a flow for userID, superseding any flow of the same type.
func (e *Engine) Start(ctx context.Context, userID string, def models.FlowDefinition) (*models.ConversationFlowState, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	var out *models.ConversationFlowState
	err := e.do(ctx, func(ctx context.Context) error {
		now := e.now()
		prev, err := e.load(ctx, userID, def.Type)
		if err != nil {
			return err
		}
		if prev.IsActive() {
			slog.Info("Engine.Start: superseding active flow", "userID", userID, "flowType", def.Type, "position", prev.Position)
			metrics.RecordFlowTransition(string(def.Type), "superseded")
		}
		st := &models.ConversationFlowState{
			UserID:         userID,
			FlowType:       def.Type,
			Steps:          append([]models.FlowStep(nil), def.Steps...),
			CompletionText: def.CompletionText,
			Status:         models.FlowStatusActive,
			StartedAt:      now,
			LastActivityAt: now,
		}
		if err := e.save(ctx, st); err != nil {
			return err
		}
		metrics.RecordFlowTransition(string(def.Type), string(models.FlowStatusActive))
		slog.Info("Engine.Start: flow started", "userID", userID, "flowType", def.Type, "steps", len(st.Steps))
		out = st.Clone()
		return nil
	})
	return out, err
}

// Get returns the stored record for (userID, flowType), terminal or not, or nil.
func (e *Engine) Get(ctx context.Context, userID string, flowType models.FlowType) (*models.ConversationFlowState, error) {
	var out *models.ConversationFlowState
	err := e.do(ctx, func(ctx context.Context) error {
		st, err := e.load(ctx, userID, flowType)
		out = st.Clone()
		return err
	})
	return out, err
}

// List returns every readable record for userID.
func (e *Engine) List(ctx context.Context, userID string) ([]*models.ConversationFlowState, error) {
	var out []*models.ConversationFlowState
	err := e.do(ctx, func(ctx context.Context) error {
		states, err := e.store.ListFlows(ctx, userID)
		out = states
		return err
	})
	return out, err
}

// Active applies idle expiry to userID's flows and returns the most recently
// active one still running, or nil.
func (e *Engine) Active(ctx context.Context, userID string) (*models.ConversationFlowState, error) {
	var out *models.ConversationFlowState
	err := e.do(ctx, func(ctx context.Context) error {
		states, err := e.store.ListFlows(ctx, userID)
		if err != nil {
			return fmt.Errorf("list flows for %s: %w", userID, err)
		}
		now := e.now()
		for _, st := range states {
			if !st.IsActive() {
				continue
			}
			expired, err := e.expireIdleLocked(ctx, st, now)
			if err != nil {
				return err
			}
			if expired {
				continue
			}
			if out == nil || st.LastActivityAt.After(out.LastActivityAt) {
				out = st
			}
		}
		out = out.Clone()
		return nil
	})
	return out, err
}

// SubmitAnswer records text as the answer to the current step and advances.
// Answering the last step completes the flow.
func (e *Engine) SubmitAnswer(ctx context.Context, userID string, flowType models.FlowType, text string) (*models.ConversationFlowState, error) {
	return e.advance(ctx, userID, flowType, text, false)
}

// Skip advances past the current step without recording an answer.
func (e *Engine) Skip(ctx context.Context, userID string, flowType models.FlowType) (*models.ConversationFlowState, error) {
	return e.advance(ctx, userID, flowType, "", true)
}

func (e *Engine) advance(ctx context.Context, userID string, flowType models.FlowType, text string, skipped bool) (*models.ConversationFlowState, error) {
	var out *models.ConversationFlowState
	err := e.do(ctx, func(ctx context.Context) error {
		now := e.now()
		st, err := e.load(ctx, userID, flowType)
		if err != nil {
			return err
		}
		if !st.IsActive() {
			return models.ErrNoActiveFlow
		}
		if expired, err := e.expireIdleLocked(ctx, st, now); err != nil {
			return err
		} else if expired {
			return models.ErrNoActiveFlow
		}

		step, ok := st.Current()
		if !ok {
			// Active with nothing left to answer; close it out.
			e.finish(st, models.FlowStatusCompleted, now)
			if err := e.save(ctx, st); err != nil {
				return err
			}
			out = st.Clone()
			return nil
		}
		st.Answers = append(st.Answers, models.Answer{StepID: step.ID, Text: text, Skipped: skipped, At: now})
		st.Position++
		st.LastActivityAt = now
		if st.Position >= len(st.Steps) {
			e.finish(st, models.FlowStatusCompleted, now)
			slog.Info("Engine: flow completed", "userID", userID, "flowType", flowType, "answers", len(st.Answers))
		}
		if err := e.save(ctx, st); err != nil {
			return err
		}
		out = st.Clone()
		return nil
	})
	return out, err
}

// Cancel ends an active flow at the user's request.
func (e *Engine) Cancel(ctx context.Context, userID string, flowType models.FlowType) (*models.ConversationFlowState, error) {
	var out *models.ConversationFlowState
	err := e.do(ctx, func(ctx context.Context) error {
		st, err := e.load(ctx, userID, flowType)
		if err != nil {
			return err
		}
		if !st.IsActive() {
			return models.ErrNoActiveFlow
		}
		e.finish(st, models.FlowStatusCancelled, e.now())
		if err := e.save(ctx, st); err != nil {
			return err
		}
		slog.Info("Engine.Cancel: flow cancelled", "userID", userID, "flowType", flowType)
		out = st.Clone()
		return nil
	})
	return out, err
}

// ExpireIfIdle expires the flow when it has been idle longer than the
// inactivity window. Repeated calls return the same expired record.
func (e *Engine) ExpireIfIdle(ctx context.Context, userID string, flowType models.FlowType) (*models.ConversationFlowState, error) {
	var out *models.ConversationFlowState
	err := e.do(ctx, func(ctx context.Context) error {
		st, err := e.load(ctx, userID, flowType)
		if err != nil || st == nil {
			return err
		}
		if _, err := e.expireIdleLocked(ctx, st, e.now()); err != nil {
			return err
		}
		out = st.Clone()
		return nil
	})
	return out, err
}

// ExpireOnOutbound expires every active flow of userID because an unrelated
// message was sent. It returns the flows it expired.
func (e *Engine) ExpireOnOutbound(ctx context.Context, userID string) ([]*models.ConversationFlowState, error) {
	var out []*models.ConversationFlowState
	err := e.do(ctx, func(ctx context.Context) error {
		states, err := e.store.ListFlows(ctx, userID)
		if err != nil {
			return fmt.Errorf("list flows for %s: %w", userID, err)
		}
		now := e.now()
		for _, st := range states {
			if !st.IsActive() {
				continue
			}
			e.finish(st, models.FlowStatusExpired, now)
			if err := e.save(ctx, st); err != nil {
				return err
			}
			slog.Info("Engine.ExpireOnOutbound: flow expired by unrelated outbound message", "userID", userID, "flowType", st.FlowType, "position", st.Position)
			out = append(out, st.Clone())
		}
		return nil
	})
	return out, err
}

// SweepIdle expires idle flows for every user and returns how many expired.
func (e *Engine) SweepIdle(ctx context.Context) (int, error) {
	count := 0
	err := e.do(ctx, func(ctx context.Context) error {
		states, err := e.store.ListFlows(ctx, "")
		if err != nil {
			return fmt.Errorf("list flows: %w", err)
		}
		now := e.now()
		var errs []error
		for _, st := range states {
			expired, err := e.expireIdleLocked(ctx, st, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if expired {
				count++
			}
		}
		return errors.Join(errs...)
	})
	return count, err
}

// Prune deletes terminal flows that ended before cutoff.
func (e *Engine) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	count := 0
	err := e.do(ctx, func(ctx context.Context) error {
		states, err := e.store.ListFlows(ctx, "")
		if err != nil {
			return fmt.Errorf("list flows: %w", err)
		}
		var errs []error
		for _, st := range states {
			if !st.Status.IsTerminal() || st.EndedAt == nil || !st.EndedAt.Before(cutoff) {
				continue
			}
			if err := e.store.DeleteFlow(ctx, st.UserID, st.FlowType); err != nil {
				errs = append(errs, err)
				continue
			}
			count++
		}
		if count > 0 {
			slog.Info("Engine.Prune: removed finished flows", "count", count, "cutoff", cutoff)
		}
		return errors.Join(errs...)
	})
	return count, err
}
