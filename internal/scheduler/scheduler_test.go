package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/BTreeMap/LifePipe/internal/store"
)

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// fakeDeliverer records deliveries and flow starts.
type fakeDeliverer struct {
	mu         sync.Mutex
	deliveries []models.Delivery
	flows      []models.FlowDefinition
	status     models.DeliveryStatus
	err        error
	panicFor   string
}

func (f *fakeDeliverer) Deliver(ctx context.Context, d models.Delivery) (models.DeliveryTicket, error) {
	if d.UserID == f.panicFor {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	return models.DeliveryTicket{UserID: d.UserID, Category: d.Category, Status: f.ticketStatus()}, f.err
}

func (f *fakeDeliverer) StartFlow(ctx context.Context, userID, category string, def models.FlowDefinition) (models.DeliveryTicket, error) {
	if userID == f.panicFor {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flows = append(f.flows, def)
	return models.DeliveryTicket{UserID: userID, Category: category, Status: f.ticketStatus()}, f.err
}

func (f *fakeDeliverer) ticketStatus() models.DeliveryStatus {
	if f.status == "" {
		return models.DeliveryStatusSent
	}
	return f.status
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries) + len(f.flows)
}

// staticContent returns the same candidates for every category.
type staticContent struct {
	cands []Candidate
	err   error
}

func (c staticContent) Candidates(ctx context.Context, user models.User, category string, now time.Time) ([]Candidate, error) {
	return c.cands, c.err
}

type recordingWake struct {
	armed []time.Time
	err   error
}

func (w *recordingWake) Arm(at time.Time) error {
	if w.err != nil {
		return w.err
	}
	w.armed = append(w.armed, at)
	return nil
}

func checkInTarget(userID string) Target {
	return Target{
		User: models.User{ID: userID, Channel: models.ChannelTwilio, Address: "15551230000"},
		Schedule: models.UserSchedule{UserID: userID, Periods: map[string][]models.SchedulePeriod{
			models.CategoryCheckIn: {{Name: "morning", Category: models.CategoryCheckIn, Start: "07:00", End: "09:00", Days: weekdays, Active: true}},
		}},
	}
}

func checkInFlow() *models.FlowDefinition {
	return &models.FlowDefinition{Type: models.FlowTypeCheckIn, Steps: []models.FlowStep{{ID: "mood", Prompt: "How are you feeling?"}}}
}

// 2026-10-13 is a Tuesday.
func tuesdayAt(hour, minute int) time.Time {
	return time.Date(2026, time.October, 13, hour, minute, 0, 0, time.UTC)
}

func newTestScheduler(d Deliverer, c ContentSource, m MarkerStore, clock *time.Time, targets ...Target) *Scheduler {
	return New(d, c, m, func() []Target { return targets },
		WithClock(func() time.Time { return *clock }),
		WithRand(rand.New(rand.NewPCG(7, 11))),
	)
}

func TestTickSendsOncePerPeriodInstance(t *testing.T) {
	ctx := context.Background()
	now := tuesdayAt(7, 30)
	d := &fakeDeliverer{}
	markers := store.NewInMemoryStore()
	s := newTestScheduler(d, staticContent{cands: []Candidate{{ID: "checkin", Weight: 1, Flow: checkInFlow()}}}, markers, &now, checkInTarget("u1"))

	if n := s.Tick(ctx); n != 1 {
		t.Fatalf("expected 1 delivery at 07:30, got %d", n)
	}
	if len(d.flows) != 1 || d.flows[0].Type != models.FlowTypeCheckIn {
		t.Fatalf("expected the check-in flow to start, got %+v", d.flows)
	}
	sent, _ := markers.HasSent(ctx, models.SentMarker{UserID: "u1", Category: models.CategoryCheckIn, Period: "morning", Day: "2026-10-13"})
	if !sent {
		t.Error("expected a sent marker for the morning period")
	}

	now = tuesdayAt(7, 31)
	if n := s.Tick(ctx); n != 0 {
		t.Errorf("expected no delivery at 07:31, got %d", n)
	}
	if d.count() != 1 {
		t.Errorf("expected exactly one start, got %d", d.count())
	}
}

func TestTickOutsidePeriodSendsNothing(t *testing.T) {
	now := tuesdayAt(9, 0)
	d := &fakeDeliverer{}
	s := newTestScheduler(d, staticContent{cands: []Candidate{{ID: "a", Weight: 1, Message: models.Message{Text: "hi"}}}}, store.NewInMemoryStore(), &now, checkInTarget("u1"))
	if n := s.Tick(context.Background()); n != 0 || d.count() != 0 {
		t.Errorf("expected nothing at period end, got %d", n)
	}
}

func TestTickEvaluatesInUserTimezone(t *testing.T) {
	ctx := context.Background()
	// 11:30 UTC is 07:30 in New York during daylight saving time.
	now := tuesdayAt(11, 30)
	target := checkInTarget("u1")
	target.User.Timezone = "America/New_York"
	d := &fakeDeliverer{}
	s := newTestScheduler(d, staticContent{cands: []Candidate{{ID: "a", Weight: 1, Message: models.Message{Text: "hi"}}}}, store.NewInMemoryStore(), &now, target)
	if n := s.Tick(ctx); n != 1 {
		t.Errorf("expected delivery at local 07:30, got %d", n)
	}
}

func TestNoCandidatesLeavesNoMarker(t *testing.T) {
	ctx := context.Background()
	now := tuesdayAt(7, 30)
	d := &fakeDeliverer{}
	markers := store.NewInMemoryStore()
	content := &staticContent{}
	s := newTestScheduler(d, content, markers, &now, checkInTarget("u1"))

	if n := s.Tick(ctx); n != 0 {
		t.Fatalf("expected no delivery, got %d", n)
	}
	sent, _ := markers.HasSent(ctx, models.SentMarker{UserID: "u1", Category: models.CategoryCheckIn, Period: "morning", Day: "2026-10-13"})
	if sent {
		t.Fatal("marker must not be set when nothing was sent")
	}

	// Content appearing later in the same period is still delivered.
	content.cands = []Candidate{{ID: "a", Weight: 1, Message: models.Message{Text: "hi"}}}
	now = tuesdayAt(8, 0)
	if n := s.Tick(ctx); n != 1 {
		t.Errorf("expected delivery once content exists, got %d", n)
	}
}

func TestContentErrorLeavesNoMarker(t *testing.T) {
	ctx := context.Background()
	now := tuesdayAt(7, 30)
	markers := store.NewInMemoryStore()
	s := newTestScheduler(&fakeDeliverer{}, staticContent{err: errors.New("db down")}, markers, &now, checkInTarget("u1"))
	s.Tick(ctx)
	sent, _ := markers.HasSent(ctx, models.SentMarker{UserID: "u1", Category: models.CategoryCheckIn, Period: "morning", Day: "2026-10-13"})
	if sent {
		t.Error("marker must not be set when candidates could not be loaded")
	}
}

func TestFailedAttemptStillSetsMarker(t *testing.T) {
	ctx := context.Background()
	now := tuesdayAt(7, 30)
	d := &fakeDeliverer{status: models.DeliveryStatusFailed, err: errors.New("recipient rejected")}
	markers := store.NewInMemoryStore()
	s := newTestScheduler(d, staticContent{cands: []Candidate{{ID: "a", Weight: 1, Message: models.Message{Text: "hi"}}}}, markers, &now, checkInTarget("u1"))
	s.Tick(ctx)
	now = tuesdayAt(7, 31)
	s.Tick(ctx)
	if d.count() != 1 {
		t.Errorf("expected one attempt per period, got %d", d.count())
	}
}

func TestTickIsolatesTargets(t *testing.T) {
	ctx := context.Background()
	now := tuesdayAt(7, 30)
	d := &fakeDeliverer{panicFor: "bad"}
	s := newTestScheduler(d, staticContent{cands: []Candidate{{ID: "a", Weight: 1, Message: models.Message{Text: "hi"}}}}, store.NewInMemoryStore(), &now,
		checkInTarget("u1"), checkInTarget("bad"), checkInTarget("u2"))

	if n := s.Tick(ctx); n != 2 {
		t.Fatalf("expected 2 deliveries despite the panic, got %d", n)
	}
	got := map[string]bool{}
	for _, del := range d.deliveries {
		got[del.UserID] = true
	}
	if !got["u1"] || !got["u2"] {
		t.Errorf("expected both healthy users served, got %v", got)
	}
}

func TestWeightedSelectionFavoursHeavierCandidate(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	cands := []Candidate{{ID: "heavy", Weight: 90}, {ID: "light", Weight: 10}}
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		c, ok := SelectWeighted(cands, r)
		if !ok {
			t.Fatal("expected a selection")
		}
		counts[c.ID]++
	}
	if counts["heavy"] <= counts["light"] {
		t.Errorf("expected heavy to win a plurality, got %v", counts)
	}
	if counts["light"] == 0 {
		t.Errorf("expected light to be picked at least once, got %v", counts)
	}
}

func TestSelectWeightedEdgeCases(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	if _, ok := SelectWeighted(nil, r); ok {
		t.Error("expected no selection from an empty set")
	}
	for i := 0; i < 50; i++ {
		c, _ := SelectWeighted([]Candidate{{ID: "zero", Weight: 0}, {ID: "one", Weight: 1}}, r)
		if c.ID != "one" {
			t.Fatalf("zero-weight candidate selected")
		}
	}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		c, ok := SelectWeighted([]Candidate{{ID: "a"}, {ID: "b"}}, r)
		if !ok {
			t.Fatal("all-zero weights should fall back to uniform")
		}
		seen[c.ID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("uniform fallback should reach both candidates, got %v", seen)
	}
}

func TestTaskWeight(t *testing.T) {
	now := tuesdayAt(12, 0)
	ptr := func(d time.Duration) *time.Time { t := now.Add(d); return &t }
	cases := []struct {
		name     string
		priority int
		due      *time.Time
		want     float64
	}{
		{"no due date", 3, nil, 3},
		{"overdue", 2, ptr(-time.Hour), 6},
		{"due today", 2, ptr(3 * time.Hour), 4},
		{"due in two days", 2, ptr(48 * time.Hour), 3},
		{"far off", 2, ptr(240 * time.Hour), 2},
		{"priority clamped low", 0, nil, 1},
		{"priority clamped high", 9, nil, 5},
	}
	for _, tc := range cases {
		if got := TaskWeight(tc.priority, tc.due, now); got != tc.want {
			t.Errorf("%s: TaskWeight = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTickArmsWakeTimerOnce(t *testing.T) {
	now := tuesdayAt(10, 0)
	wake := &recordingWake{}
	s := New(&fakeDeliverer{}, staticContent{}, store.NewInMemoryStore(), func() []Target { return []Target{checkInTarget("u1")} },
		WithClock(func() time.Time { return now }), WithWakeTimer(wake))

	s.Tick(context.Background())
	s.Tick(context.Background())
	if len(wake.armed) != 1 {
		t.Fatalf("expected the wake timer armed once, got %d", len(wake.armed))
	}
	if want := time.Date(2026, time.October, 14, 7, 0, 0, 0, time.UTC); !wake.armed[0].Equal(want) {
		t.Errorf("armed at %v, want %v", wake.armed[0], want)
	}
}

func TestWakeTimerFailureIsNotFatal(t *testing.T) {
	now := tuesdayAt(7, 30)
	wake := &recordingWake{err: errors.New("permission denied")}
	d := &fakeDeliverer{}
	s := New(d, staticContent{cands: []Candidate{{ID: "a", Weight: 1, Message: models.Message{Text: "hi"}}}}, store.NewInMemoryStore(),
		func() []Target { return []Target{checkInTarget("u1")} },
		WithClock(func() time.Time { return now }), WithWakeTimer(wake))
	if n := s.Tick(context.Background()); n != 1 {
		t.Errorf("expected delivery despite wake failure, got %d", n)
	}
}

func TestRTCWakeTimerWritesEpoch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wakealarm")
	at := tuesdayAt(7, 0)
	if err := NewRTCWakeTimer(path).Arm(at); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read alarm: %v", err)
	}
	if string(data) != strconv.FormatInt(at.Unix(), 10) {
		t.Errorf("alarm contents = %q", data)
	}
	if NewRTCWakeTimer("").Path != DefaultRTCWakeAlarm {
		t.Error("expected default RTC path")
	}
}

func TestPruneMarkers(t *testing.T) {
	ctx := context.Background()
	now := tuesdayAt(12, 0)
	markers := store.NewInMemoryStore()
	_ = markers.MarkSent(ctx, models.SentMarker{UserID: "u1", Category: "c", Period: "p", Day: "2026-10-01"})
	_ = markers.MarkSent(ctx, models.SentMarker{UserID: "u1", Category: "c", Period: "p", Day: "2026-10-12"})
	s := newTestScheduler(&fakeDeliverer{}, staticContent{}, markers, &now)
	n, err := s.PruneMarkers(ctx, 7)
	if err != nil || n != 1 {
		t.Errorf("PruneMarkers = %d, %v; want 1, nil", n, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	now := tuesdayAt(7, 30)
	d := &fakeDeliverer{}
	s := New(d, staticContent{cands: []Candidate{{ID: "a", Weight: 1, Message: models.Message{Text: "hi"}}}}, store.NewInMemoryStore(),
		func() []Target { return []Target{checkInTarget("u1")} },
		WithClock(func() time.Time { return now }), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for d.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if d.count() != 1 {
		t.Errorf("expected exactly one delivery across ticks, got %d", d.count())
	}
}

func TestMaintenanceAddJob(t *testing.T) {
	m := NewMaintenance()
	if err := m.AddJob("not a cron expr", "bad", func(context.Context) {}); err == nil {
		t.Error("expected invalid expression to be rejected")
	}
	ran := make(chan struct{}, 1)
	if err := m.AddJob("@every 1s", "ping", func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	m.Start()
	defer m.Stop()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}
