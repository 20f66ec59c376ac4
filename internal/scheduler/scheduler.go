// Package scheduler decides when scheduled content goes out.
//
// Once per tick it evaluates every user's schedule, and for each active period
// that has not been served yet it picks one piece of content by weighted
// random selection and hands it to the orchestrator. A (user, category,
// period, day) marker makes each period instance fire at most once.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BTreeMap/LifePipe/internal/metrics"
	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/BTreeMap/LifePipe/internal/schedule"
	"github.com/sourcegraph/conc/panics"
)

// DefaultTickInterval is how often the schedule is evaluated.
const DefaultTickInterval = time.Minute

// Candidate is one piece of content eligible for a period.
type Candidate struct {
	ID      string
	Weight  float64
	Message models.Message
	// Flow, when set, starts this flow instead of sending Message.
	Flow *models.FlowDefinition
}

// ContentSource supplies the candidates for a user and category.
type ContentSource interface {
	Candidates(ctx context.Context, user models.User, category string, now time.Time) ([]Candidate, error)
}

// Deliverer is the orchestrator surface the scheduler drives.
type Deliverer interface {
	Deliver(ctx context.Context, d models.Delivery) (models.DeliveryTicket, error)
	StartFlow(ctx context.Context, userID, category string, def models.FlowDefinition) (models.DeliveryTicket, error)
}

// MarkerStore records which period instances have been served.
type MarkerStore interface {
	HasSent(ctx context.Context, m models.SentMarker) (bool, error)
	MarkSent(ctx context.Context, m models.SentMarker) error
	PruneMarkersBefore(ctx context.Context, day string) (int, error)
}

// Target is a user and the schedule configured for them.
type Target struct {
	User     models.User
	Schedule models.UserSchedule
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWakeTimer sets the wake timer armed after each tick.
func WithWakeTimer(w WakeTimer) Option {
	return func(s *Scheduler) { s.wake = w }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRand injects the selection source.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = r }
}

// Scheduler is the periodic evaluation loop.
type Scheduler struct {
	targets   func() []Target
	content   ContentSource
	deliverer Deliverer
	markers   MarkerStore
	wake      WakeTimer
	interval  time.Duration
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// tickMu keeps a manual Tick from overlapping the loop's.
	tickMu    sync.Mutex
	lastArmed time.Time
}

// New creates a scheduler. targets is called on every tick so configuration
// reloads take effect without a restart.
func New(deliverer Deliverer, content ContentSource, markers MarkerStore, targets func() []Target, opts ...Option) *Scheduler {
	s := &Scheduler{
		targets:   targets,
		content:   content,
		deliverer: deliverer,
		markers:   markers,
		wake:      NopWakeTimer{},
		interval:  DefaultTickInterval,
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5851f42d4c957f2d)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Scheduler.Run: starting", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler.Run: stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every target once and returns the number of deliveries made.
// A failure or panic for one target is logged and does not affect the others.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	started := time.Now()
	now := s.now()
	targets := s.targets()
	delivered := 0

	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		var n int
		var catcher panics.Catcher
		catcher.Try(func() { n = s.tickTarget(ctx, target, now) })
		if r := catcher.Recovered(); r != nil {
			slog.Error("Scheduler.Tick: target panicked", "userID", target.User.ID, "error", r.AsError())
			continue
		}
		delivered += n
	}

	s.armWake(targets, now)
	metrics.ObserveTick(time.Since(started))
	if delivered > 0 {
		slog.Info("Scheduler.Tick: deliveries made", "count", delivered)
	}
	return delivered
}

// pick is a candidate chosen for one unsent period instance.
type pick struct {
	period models.ActivePeriod
	marker models.SentMarker
	choice Candidate
}

// tickTarget serves every unsent active period of one user. Plain messages
// go out before flows are started so an ordinary message in the same tick
// cannot expire a flow whose first prompt was just sent.
func (s *Scheduler) tickTarget(ctx context.Context, target Target, now time.Time) int {
	local := now.In(target.User.Location())
	var messages, flows []pick
	for _, ap := range schedule.ActivePeriods(target.Schedule, local) {
		marker := models.SentMarker{UserID: target.User.ID, Category: ap.Category, Period: ap.Period, Day: ap.Day}
		sent, err := s.markers.HasSent(ctx, marker)
		if err != nil {
			slog.Error("Scheduler.tickTarget: marker lookup failed", "userID", marker.UserID, "category", ap.Category, "period", ap.Period, "error", err)
			continue
		}
		if sent {
			continue
		}
		choice, ok, err := s.choose(ctx, target.User, ap, local)
		if err != nil {
			slog.Error("Scheduler.tickTarget: content unavailable", "userID", marker.UserID, "category", ap.Category, "period", ap.Period, "error", err)
			continue
		}
		if !ok {
			continue
		}
		p := pick{period: ap, marker: marker, choice: choice}
		if choice.Flow != nil {
			flows = append(flows, p)
		} else {
			messages = append(messages, p)
		}
	}

	delivered := 0
	for _, p := range append(messages, flows...) {
		attempted, err := s.deliver(ctx, target.User, p)
		if err != nil {
			slog.Error("Scheduler.tickTarget: delivery failed", "userID", p.marker.UserID, "category", p.period.Category, "period", p.period.Period, "error", err)
		}
		if !attempted {
			continue
		}
		if err := s.markers.MarkSent(ctx, p.marker); err != nil {
			slog.Error("Scheduler.tickTarget: failed to record sent marker", "userID", p.marker.UserID, "category", p.period.Category, "period", p.period.Period, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// choose fetches candidates for one active period and picks one. ok is false
// when the category has nothing to send.
func (s *Scheduler) choose(ctx context.Context, user models.User, ap models.ActivePeriod, now time.Time) (Candidate, bool, error) {
	cands, err := s.content.Candidates(ctx, user, ap.Category, now)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("load candidates: %w", err)
	}
	s.rngMu.Lock()
	choice, ok := SelectWeighted(cands, s.rng)
	s.rngMu.Unlock()
	if !ok {
		slog.Debug("Scheduler.choose: no candidates", "userID", user.ID, "category", ap.Category, "period", ap.Period)
	}
	return choice, ok, nil
}

// deliver sends a chosen candidate. attempted is true once a channel send was
// tried, whatever its outcome.
func (s *Scheduler) deliver(ctx context.Context, user models.User, p pick) (bool, error) {
	var ticket models.DeliveryTicket
	var err error
	if p.choice.Flow != nil {
		ticket, err = s.deliverer.StartFlow(ctx, user.ID, p.period.Category, *p.choice.Flow)
	} else {
		ticket, err = s.deliverer.Deliver(ctx, models.Delivery{UserID: user.ID, Category: p.period.Category, Message: p.choice.Message})
	}
	if err == nil {
		slog.Info("Scheduler.deliver: scheduled content delivered", "userID", user.ID, "category", p.period.Category, "period", p.period.Period, "candidate", p.choice.ID, "status", ticket.Status)
	}
	return ticket.Status != "", err
}

// armWake arms the wake timer for the earliest upcoming period start.
func (s *Scheduler) armWake(targets []Target, now time.Time) {
	var next time.Time
	for _, t := range targets {
		at, ok := schedule.NextStart(t.Schedule, now.In(t.User.Location()))
		if ok && (next.IsZero() || at.Before(next)) {
			next = at
		}
	}
	if next.IsZero() || next.Equal(s.lastArmed) {
		return
	}
	if err := s.wake.Arm(next); err != nil {
		slog.Debug("Scheduler.armWake: wake timer not armed", "at", next, "error", err)
		return
	}
	s.lastArmed = next
	slog.Debug("Scheduler.armWake: wake timer armed", "at", next)
}

// PruneMarkers drops markers for days before keep days ago.
func (s *Scheduler) PruneMarkers(ctx context.Context, keep int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -keep).Format(schedule.DayLayout)
	return s.markers.PruneMarkersBefore(ctx, cutoff)
}
