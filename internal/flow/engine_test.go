package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func checkInDefinition() models.FlowDefinition {
	return models.FlowDefinition{
		Type: models.FlowTypeCheckIn,
		Steps: []models.FlowStep{
			{ID: "mood", Prompt: "How are you feeling (1-10)?"},
			{ID: "sleep", Prompt: "How many hours did you sleep?"},
			{ID: "focus", Prompt: "What is your focus today?"},
		},
		CompletionText: "Thanks, check-in saved.",
	}
}

func newTestEngine(t *testing.T) (*Engine, *FileStore, *testClock) {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), DefaultFileName))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 10, 13, 7, 30, 0, 0, time.UTC)}
	e := NewEngine(fs, WithClock(clock.Now), WithInactivity(time.Hour))
	t.Cleanup(e.Close)
	return e, fs, clock
}

func assertPersisted(t *testing.T, fs *FileStore, want *models.ConversationFlowState) {
	t.Helper()
	got, err := fs.LoadFlow(context.Background(), want.UserID, want.FlowType)
	if err != nil {
		t.Fatalf("LoadFlow failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected persisted flow")
	}
	// JSON drops monotonic clock readings; compare in a normalized form.
	if !got.StartedAt.Equal(want.StartedAt) || !got.LastActivityAt.Equal(want.LastActivityAt) {
		t.Errorf("persisted timestamps differ: got %v/%v want %v/%v", got.StartedAt, got.LastActivityAt, want.StartedAt, want.LastActivityAt)
	}
	if got.Status != want.Status || got.Position != want.Position || !reflect.DeepEqual(got.Steps, want.Steps) {
		t.Errorf("persisted state differs:\n got %+v\nwant %+v", got, want)
	}
	if len(got.Answers) != len(want.Answers) {
		t.Fatalf("persisted %d answers, want %d", len(got.Answers), len(want.Answers))
	}
	for i := range got.Answers {
		if got.Answers[i].StepID != want.Answers[i].StepID || got.Answers[i].Text != want.Answers[i].Text || got.Answers[i].Skipped != want.Answers[i].Skipped {
			t.Errorf("answer %d differs: got %+v want %+v", i, got.Answers[i], want.Answers[i])
		}
	}
}

func TestThreeAnswersCompleteFlow(t *testing.T) {
	e, fs, clock := newTestEngine(t)
	ctx := context.Background()

	st, err := e.Start(ctx, "u1", checkInDefinition())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if st.Status != models.FlowStatusActive || len(st.Remaining()) != 3 {
		t.Fatalf("unexpected started state %+v", st)
	}
	assertPersisted(t, fs, st)

	wantStatus := []models.FlowStatus{models.FlowStatusActive, models.FlowStatusActive, models.FlowStatusCompleted}
	for i, answer := range []string{"7", "8", "write the report"} {
		clock.Advance(5 * time.Minute)
		st, err = e.SubmitAnswer(ctx, "u1", models.FlowTypeCheckIn, answer)
		if err != nil {
			t.Fatalf("SubmitAnswer %d failed: %v", i, err)
		}
		if st.Status != wantStatus[i] {
			t.Errorf("after answer %d status = %s, want %s", i, st.Status, wantStatus[i])
		}
		if st.Position != i+1 {
			t.Errorf("after answer %d position = %d", i, st.Position)
		}
		assertPersisted(t, fs, st)
	}
	if st.EndedAt == nil {
		t.Error("completed flow should have an end time")
	}
	if len(st.Answers) != 3 || st.Answers[2].StepID != "focus" || st.Answers[2].Text != "write the report" {
		t.Errorf("unexpected answers %+v", st.Answers)
	}

	if _, err := e.SubmitAnswer(ctx, "u1", models.FlowTypeCheckIn, "extra"); !errors.Is(err, models.ErrNoActiveFlow) {
		t.Errorf("answer after completion should fail with ErrNoActiveFlow, got %v", err)
	}
}

func TestSkipAdvancesWithoutAnswer(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Start(ctx, "u1", checkInDefinition()); err != nil {
		t.Fatal(err)
	}
	st, err := e.Skip(ctx, "u1", models.FlowTypeCheckIn)
	if err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if st.Position != 1 || !st.Answers[0].Skipped || st.Answers[0].Text != "" {
		t.Errorf("unexpected state after skip %+v", st)
	}
	if cur, _ := st.Current(); cur.ID != "sleep" {
		t.Errorf("expected current step sleep, got %q", cur.ID)
	}
}

func TestExpireIfIdleIsIdempotent(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Start(ctx, "u1", checkInDefinition()); err != nil {
		t.Fatal(err)
	}

	st, err := e.ExpireIfIdle(ctx, "u1", models.FlowTypeCheckIn)
	if err != nil || st.Status != models.FlowStatusActive {
		t.Fatalf("fresh flow should stay active: %+v, %v", st, err)
	}

	clock.Advance(time.Hour)
	st, err = e.ExpireIfIdle(ctx, "u1", models.FlowTypeCheckIn)
	if err != nil || st.Status != models.FlowStatusActive {
		t.Fatalf("flow exactly at the window should stay active: %+v, %v", st, err)
	}

	clock.Advance(time.Second)
	first, err := e.ExpireIfIdle(ctx, "u1", models.FlowTypeCheckIn)
	if err != nil {
		t.Fatalf("first expire failed: %v", err)
	}
	second, err := e.ExpireIfIdle(ctx, "u1", models.FlowTypeCheckIn)
	if err != nil {
		t.Fatalf("second expire failed: %v", err)
	}
	if first.Status != models.FlowStatusExpired || second.Status != models.FlowStatusExpired {
		t.Fatalf("expected expired twice, got %s and %s", first.Status, second.Status)
	}
	if !first.EndedAt.Equal(*second.EndedAt) || first.Position != second.Position {
		t.Errorf("second expiry changed state: %+v vs %+v", first, second)
	}

	if st, err := e.ExpireIfIdle(ctx, "nobody", models.FlowTypeCheckIn); err != nil || st != nil {
		t.Errorf("missing flow should be nil without error, got %+v, %v", st, err)
	}
}

func TestAnswerAfterInactivityExpires(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Start(ctx, "u1", checkInDefinition()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := e.SubmitAnswer(ctx, "u1", models.FlowTypeCheckIn, "7"); !errors.Is(err, models.ErrNoActiveFlow) {
		t.Fatalf("expected ErrNoActiveFlow, got %v", err)
	}
	st, err := e.Get(ctx, "u1", models.FlowTypeCheckIn)
	if err != nil || st.Status != models.FlowStatusExpired {
		t.Errorf("flow should be persisted as expired, got %+v, %v", st, err)
	}
}

func TestExpireOnOutbound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Start(ctx, "u1", checkInDefinition()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Start(ctx, "u2", checkInDefinition()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitAnswer(ctx, "u1", models.FlowTypeCheckIn, "7"); err != nil {
		t.Fatal(err)
	}

	expired, err := e.ExpireOnOutbound(ctx, "u1")
	if err != nil {
		t.Fatalf("ExpireOnOutbound failed: %v", err)
	}
	if len(expired) != 1 || expired[0].Status != models.FlowStatusExpired || expired[0].Position != 1 {
		t.Fatalf("unexpected expired flows %+v", expired)
	}

	if active, _ := e.Active(ctx, "u1"); active != nil {
		t.Errorf("u1 should have no active flow, got %+v", active)
	}
	if active, _ := e.Active(ctx, "u2"); active == nil {
		t.Error("u2's flow must not be touched")
	}
	if again, _ := e.ExpireOnOutbound(ctx, "u1"); len(again) != 0 {
		t.Errorf("second outbound should expire nothing, got %d", len(again))
	}
}

func TestStartSupersedesActiveFlow(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Start(ctx, "u1", checkInDefinition()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitAnswer(ctx, "u1", models.FlowTypeCheckIn, "7"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	st, err := e.Start(ctx, "u1", checkInDefinition())
	if err != nil {
		t.Fatal(err)
	}
	if st.Position != 0 || len(st.Answers) != 0 || !st.StartedAt.Equal(clock.Now()) {
		t.Errorf("new flow should start fresh, got %+v", st)
	}
	flows, err := e.List(ctx, "u1")
	if err != nil || len(flows) != 1 {
		t.Errorf("expected one record per user and type, got %d, %v", len(flows), err)
	}
}

func TestCancel(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Cancel(ctx, "u1", models.FlowTypeCheckIn); !errors.Is(err, models.ErrNoActiveFlow) {
		t.Errorf("cancel without flow should fail, got %v", err)
	}
	if _, err := e.Start(ctx, "u1", checkInDefinition()); err != nil {
		t.Fatal(err)
	}
	st, err := e.Cancel(ctx, "u1", models.FlowTypeCheckIn)
	if err != nil || st.Status != models.FlowStatusCancelled {
		t.Fatalf("Cancel = %+v, %v", st, err)
	}
}

func TestCorruptStateIsIdle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	if err := os.WriteFile(path, []byte(`{"u1/check-in": {"user_id": 42}, "u2/check-in": "garbage"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(fs)
	defer e.Close()
	ctx := context.Background()

	if _, err := fs.LoadFlow(ctx, "u1", models.FlowTypeCheckIn); !errors.Is(err, models.ErrCorruptState) {
		t.Errorf("expected ErrCorruptState from store, got %v", err)
	}
	if st, err := e.Active(ctx, "u1"); err != nil || st != nil {
		t.Errorf("corrupt entry should read as no active flow, got %+v, %v", st, err)
	}
	if _, err := e.SubmitAnswer(ctx, "u1", models.FlowTypeCheckIn, "7"); !errors.Is(err, models.ErrNoActiveFlow) {
		t.Errorf("expected ErrNoActiveFlow, got %v", err)
	}
	if _, err := e.Start(ctx, "u1", checkInDefinition()); err != nil {
		t.Errorf("Start should overwrite a corrupt entry: %v", err)
	}

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if st, err := e.Active(ctx, "u1"); err != nil || st != nil {
		t.Errorf("corrupt file should read as no flows, got %+v, %v", st, err)
	}
}

func TestSweepAndPrune(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	for _, u := range []string{"u1", "u2"} {
		if _, err := e.Start(ctx, u, checkInDefinition()); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(90 * time.Minute)
	if _, err := e.SubmitAnswer(ctx, "u2", models.FlowTypeCheckIn, "fine"); !errors.Is(err, models.ErrNoActiveFlow) {
		t.Fatalf("expected u2 to have expired, got %v", err)
	}
	if _, err := e.Start(ctx, "u3", checkInDefinition()); err != nil {
		t.Fatal(err)
	}

	n, err := e.SweepIdle(ctx)
	if err != nil || n != 1 {
		t.Errorf("SweepIdle = %d, %v; want 1 (u1 only)", n, err)
	}

	clock.Advance(24 * time.Hour)
	pruned, err := e.Prune(ctx, clock.Now().Add(-time.Hour))
	if err != nil || pruned != 2 {
		t.Errorf("Prune = %d, %v; want 2", pruned, err)
	}
	flows, _ := e.List(ctx, "")
	if len(flows) != 1 || flows[0].UserID != "u3" {
		t.Errorf("expected only u3 to remain, got %+v", flows)
	}
}

func TestConcurrentCallersAreSerialized(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	def := checkInDefinition()
	def.Steps = make([]models.FlowStep, 50)
	for i := range def.Steps {
		def.Steps[i] = models.FlowStep{ID: string(rune('a' + i%26)), Prompt: "q"}
	}
	if _, err := e.Start(ctx, "u1", def); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.SubmitAnswer(ctx, "u1", models.FlowTypeCheckIn, "x"); err != nil {
				t.Errorf("SubmitAnswer failed: %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := e.Get(ctx, "u1", models.FlowTypeCheckIn)
	if err != nil {
		t.Fatal(err)
	}
	if st.Position != 20 || len(st.Answers) != 20 {
		t.Errorf("lost updates: position %d, answers %d", st.Position, len(st.Answers))
	}
}

func TestClosedEngine(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Close()
	if _, err := e.Start(context.Background(), "u1", checkInDefinition()); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
}

func TestUnreadableStateFileIsNotOverwritten(t *testing.T) {
	e, fs, _ := newTestEngine(t)
	ctx := context.Background()
	for _, u := range []string{"u1", "u2"} {
		if _, err := e.Start(ctx, u, checkInDefinition()); err != nil {
			t.Fatalf("Start %s failed: %v", u, err)
		}
	}
	before, err := os.ReadFile(fs.path)
	if err != nil {
		t.Fatal(err)
	}
	st, err := fs.LoadFlow(ctx, "u1", models.FlowTypeCheckIn)
	if err != nil || st == nil {
		t.Fatalf("LoadFlow failed: %+v, %v", st, err)
	}

	fs.mu.Lock()
	fs.readFile = func(string) ([]byte, error) { return nil, syscall.EIO }
	fs.mu.Unlock()

	other := *st
	other.UserID = "u3"
	if err := fs.SaveFlow(ctx, &other); !errors.Is(err, syscall.EIO) {
		t.Errorf("SaveFlow should return the read error, got %v", err)
	}
	if err := fs.DeleteFlow(ctx, "u1", models.FlowTypeCheckIn); !errors.Is(err, syscall.EIO) {
		t.Errorf("DeleteFlow should return the read error, got %v", err)
	}
	if got, err := fs.LoadFlow(ctx, "u1", models.FlowTypeCheckIn); err != nil || got != nil {
		t.Errorf("unreadable file should load as empty, got %+v, %v", got, err)
	}

	after, err := os.ReadFile(fs.path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(before) {
		t.Errorf("state file changed after failed writes:\n got %s\nwant %s", after, before)
	}

	fs.mu.Lock()
	fs.readFile = os.ReadFile
	fs.mu.Unlock()
	all, err := fs.ListFlows(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("expected both users' flows to survive, got %d", len(all))
	}
}
