// Package retry holds messages whose delivery failed and redelivers them with
// exponential backoff until they succeed or are dead-lettered.
package retry

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BTreeMap/LifePipe/internal/metrics"
	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
)

// SendFunc redelivers a queued message through the orchestrator's channel-send path.
type SendFunc func(ctx context.Context, msg models.QueuedMessage) error

// DeadLetterFunc is notified after a message exhausts its retries.
type DeadLetterFunc func(msg models.QueuedMessage, reason error)

// Checkpoint persists pending messages so they survive restarts.
type Checkpoint interface {
	SaveQueuedMessage(ctx context.Context, msg models.QueuedMessage) error
	DeleteQueuedMessage(ctx context.Context, id string) error
	LoadQueuedMessages(ctx context.Context) ([]models.QueuedMessage, error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithPolicy overrides the default backoff policy.
func WithPolicy(p Policy) Option {
	return func(q *Queue) { q.policy = p.withDefaults() }
}

// WithCheckpoint enables on-disk checkpointing.
func WithCheckpoint(c Checkpoint) Option {
	return func(q *Queue) { q.checkpoint = c }
}

// WithDeadLetter registers a dead-letter hook.
func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(q *Queue) { q.deadLetter = fn }
}

// WithPermanentClassifier sets the function that marks errors as not retryable.
func WithPermanentClassifier(fn func(error) bool) Option {
	return func(q *Queue) { q.isPermanent = fn }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRand injects the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(q *Queue) { q.rng = r }
}

// Queue is the shared retry queue. All access to pending messages is serialized
// by mu; only the Run worker redelivers.
type Queue struct {
	mu          sync.Mutex
	items       messageHeap
	send        SendFunc
	policy      Policy
	checkpoint  Checkpoint
	deadLetter  DeadLetterFunc
	isPermanent func(error) bool
	now         func() time.Time
	rng         *rand.Rand
	wake        chan struct{}
}

// NewQueue creates a retry queue that redelivers through send.
func NewQueue(send SendFunc, opts ...Option) *Queue {
	q := &Queue{
		send:        send,
		policy:      DefaultPolicy(),
		isPermanent: func(error) bool { return false },
		now:         time.Now,
		rng:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a failed send. The first retry is scheduled one base interval out.
func (q *Queue) Enqueue(ctx context.Context, msg models.QueuedMessage) (models.QueuedMessage, error) {
	if msg.UserID == "" {
		return msg, models.ErrEmptyUserID
	}
	if msg.Channel == "" {
		return msg, fmt.Errorf("queued message for %s has no channel", msg.UserID)
	}
	now := q.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	if msg.Attempts < 0 {
		msg.Attempts = 0
	}

	q.mu.Lock()
	msg.NextRetryAt = q.nextRetryLocked(msg, now)
	heap.Push(&q.items, msg)
	depth := q.items.Len()
	q.mu.Unlock()

	metrics.SetRetryQueueDepth(depth)
	q.save(ctx, msg)
	q.signal()

	slog.Info("Queue.Enqueue: message queued for retry", "id", msg.ID, "userID", msg.UserID, "channel", msg.Channel, "nextRetryAt", msg.NextRetryAt)
	return msg, nil
}

// Restore reloads checkpointed messages. Call once at startup before Run.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.checkpoint == nil {
		return 0, nil
	}
	msgs, err := q.checkpoint.LoadQueuedMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("load retry checkpoint: %w", err)
	}
	q.mu.Lock()
	known := make(map[string]bool, len(q.items))
	for _, m := range q.items {
		known[m.ID] = true
	}
	restored := 0
	for _, m := range msgs {
		if known[m.ID] {
			continue
		}
		heap.Push(&q.items, m)
		restored++
	}
	depth := q.items.Len()
	q.mu.Unlock()

	metrics.SetRetryQueueDepth(depth)
	if restored > 0 {
		slog.Info("Queue.Restore: restored queued messages", "count", restored)
		q.signal()
	}
	return restored, nil
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Pending returns a snapshot of pending messages in retry order.
func (q *Queue) Pending() []models.QueuedMessage {
	q.mu.Lock()
	snapshot := append(messageHeap(nil), q.items...)
	q.mu.Unlock()

	out := make([]models.QueuedMessage, 0, len(snapshot))
	for snapshot.Len() > 0 {
		out = append(out, heap.Pop(&snapshot).(models.QueuedMessage))
	}
	return out
}

// Run is the single drain worker. It blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	slog.Info("Queue.Run: starting retry worker", "policy", q.policy.String())
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.ProcessDue(ctx)

		wait := q.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			slog.Info("Queue.Run: stopping", "pending", q.Len())
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// ProcessDue redelivers every message whose retry time has passed, in
// next-retry-at order. It returns the number of messages attempted.
func (q *Queue) ProcessDue(ctx context.Context) int {
	attempted := 0
	for {
		if ctx.Err() != nil {
			return attempted
		}
		msg, ok := q.popDue(q.now())
		if !ok {
			return attempted
		}
		attempted++
		q.attempt(ctx, msg)
	}
}

func (q *Queue) attempt(ctx context.Context, msg models.QueuedMessage) {
	var sendErr error
	var catcher panics.Catcher
	catcher.Try(func() { sendErr = q.send(ctx, msg) })
	if r := catcher.Recovered(); r != nil {
		sendErr = r.AsError()
	}

	if sendErr == nil {
		metrics.RecordRetryAttempt(msg.Channel, "sent")
		q.remove(ctx, msg.ID)
		slog.Info("Queue.attempt: retry delivered", "id", msg.ID, "userID", msg.UserID, "channel", msg.Channel, "attempt", msg.Attempts+1)
		return
	}

	msg.Attempts++
	msg.LastError = sendErr.Error()
	if q.isPermanent(sendErr) {
		metrics.RecordRetryAttempt(msg.Channel, "permanent")
		q.deadLetterMessage(ctx, msg, fmt.Errorf("permanent failure: %w", sendErr))
		return
	}
	if msg.Attempts >= q.policy.MaxAttempts {
		metrics.RecordRetryAttempt(msg.Channel, "exhausted")
		q.deadLetterMessage(ctx, msg, fmt.Errorf("retries exhausted after %d attempts: %w", msg.Attempts, sendErr))
		return
	}

	metrics.RecordRetryAttempt(msg.Channel, "failed")
	q.mu.Lock()
	msg.NextRetryAt = q.nextRetryLocked(msg, q.now())
	heap.Push(&q.items, msg)
	depth := q.items.Len()
	q.mu.Unlock()
	metrics.SetRetryQueueDepth(depth)
	q.save(ctx, msg)

	slog.Warn("Queue.attempt: retry failed, rescheduled", "id", msg.ID, "userID", msg.UserID, "channel", msg.Channel, "attempt", msg.Attempts, "nextRetryAt", msg.NextRetryAt, "error", sendErr)
}

func (q *Queue) deadLetterMessage(ctx context.Context, msg models.QueuedMessage, reason error) {
	q.remove(ctx, msg.ID)
	metrics.RecordDeadLetter(msg.Channel)
	slog.Error("Queue: message dead-lettered",
		"id", msg.ID,
		"userID", msg.UserID,
		"channel", msg.Channel,
		"address", msg.Address,
		"category", msg.Category,
		"attempts", msg.Attempts,
		"enqueuedAt", msg.EnqueuedAt,
		"subject", msg.Message.Subject,
		"text", msg.Message.Text,
		"rich", msg.Message.Rich,
		"reason", reason)
	if q.deadLetter != nil {
		q.deadLetter(msg, reason)
	}
}

// nextRetryLocked computes the next retry time, never earlier than the previous one.
func (q *Queue) nextRetryLocked(msg models.QueuedMessage, now time.Time) time.Time {
	var jitter time.Duration
	if q.policy.Jitter > 0 {
		jitter = time.Duration(q.rng.Int64N(int64(q.policy.Jitter)))
	}
	next := now.Add(q.policy.Backoff(msg.Attempts) + jitter)
	if next.Before(msg.NextRetryAt) {
		next = msg.NextRetryAt
	}
	return next
}

func (q *Queue) popDue(now time.Time) (models.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 || q.items[0].NextRetryAt.After(now) {
		return models.QueuedMessage{}, false
	}
	return heap.Pop(&q.items).(models.QueuedMessage), true
}

func (q *Queue) untilNext() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return time.Hour
	}
	d := q.items[0].NextRetryAt.Sub(q.now())
	if d < 0 {
		return 0
	}
	return d
}

func (q *Queue) remove(ctx context.Context, id string) {
	metrics.SetRetryQueueDepth(q.Len())
	if q.checkpoint == nil {
		return
	}
	if err := q.checkpoint.DeleteQueuedMessage(ctx, id); err != nil {
		slog.Error("Queue: checkpoint delete failed", "id", id, "error", err)
	}
}

func (q *Queue) save(ctx context.Context, msg models.QueuedMessage) {
	if q.checkpoint == nil {
		return
	}
	if err := q.checkpoint.SaveQueuedMessage(ctx, msg); err != nil {
		slog.Error("Queue: checkpoint save failed", "id", msg.ID, "error", err)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// messageHeap orders messages by NextRetryAt, then enqueue time.
type messageHeap []models.QueuedMessage

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	if !h[i].NextRetryAt.Equal(h[j].NextRetryAt) {
		return h[i].NextRetryAt.Before(h[j].NextRetryAt)
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)   { *h = append(*h, x.(models.QueuedMessage)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
