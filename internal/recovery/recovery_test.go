package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type countingRestorer struct {
	n     int
	err   error
	calls int
}

func (c *countingRestorer) Restore(ctx context.Context) (int, error) {
	c.calls++
	return c.n, c.err
}

type countingSweeper struct{ calls int }

func (c *countingSweeper) SweepIdle(ctx context.Context) (int, error) {
	c.calls++
	return 2, nil
}

func TestRecoverAllRunsEveryComponent(t *testing.T) {
	q := &countingRestorer{n: 3}
	s := &countingSweeper{}
	m := NewManager(RetryQueue(q))
	m.Register(IdleFlows(s))

	if err := m.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if q.calls != 1 || s.calls != 1 {
		t.Errorf("expected each component once, got queue=%d sweep=%d", q.calls, s.calls)
	}
}

func TestRecoverAllContinuesPastFailures(t *testing.T) {
	boom := errors.New("disk gone")
	q := &countingRestorer{err: boom}
	s := &countingSweeper{}
	m := NewManager(RetryQueue(q), IdleFlows(s))

	err := m.RecoverAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped component error, got %v", err)
	}
	if !strings.Contains(err.Error(), "retry-queue") {
		t.Errorf("error should name the component: %v", err)
	}
	if s.calls != 1 {
		t.Error("sweep should still run after the queue fails")
	}
}

func TestFuncRecoverable(t *testing.T) {
	called := false
	r := Func{Label: "custom", Fn: func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	}}
	if r.Name() != "custom" {
		t.Errorf("unexpected name %q", r.Name())
	}
	if err := NewManager(r).RecoverAll(context.Background()); err != nil || !called {
		t.Errorf("expected custom recoverable to run, err=%v called=%v", err, called)
	}
}
