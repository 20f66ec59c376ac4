// Package orchestrator is the single entry point for sending to and hearing
// from users. It picks the user's channel, hands failed sends to the retry
// queue, expires conversation flows that an unrelated message has made stale,
// and routes inbound replies to the flow engine or the command interpreter.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LifePipe/internal/flow"
	"github.com/BTreeMap/LifePipe/internal/interpreter"
	"github.com/BTreeMap/LifePipe/internal/messaging"
	"github.com/BTreeMap/LifePipe/internal/metrics"
	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/BTreeMap/LifePipe/internal/retry"
	"github.com/BTreeMap/LifePipe/internal/store"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// DefaultSendTimeout bounds a single channel send.
const DefaultSendTimeout = 20 * time.Second

// ErrorReporter is told about deliveries that will never succeed: permanent
// failures and dead-lettered retries.
type ErrorReporter func(ctx context.Context, ticket models.DeliveryTicket, err error)

// CompletionHandler receives every flow the user finishes.
type CompletionHandler func(ctx context.Context, st *models.ConversationFlowState)

// ExpirationPolicy decides which outbound categories make an active flow stale.
// The zero value expires flows on every non-continuation message.
type ExpirationPolicy struct {
	Exempt map[string]bool
}

// Expires reports whether a message in category ends the user's active flows.
func (p ExpirationPolicy) Expires(category string) bool {
	return !p.Exempt[category]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSendTimeout bounds each channel send.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}

// WithRetryOptions configures the owned retry queue.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *Orchestrator) { o.retryOpts = append(o.retryOpts, opts...) }
}

// WithInterpreter sets the handler for inbound text outside a flow.
func WithInterpreter(i interpreter.Interpreter) Option {
	return func(o *Orchestrator) { o.interpreter = i }
}

// WithDedup enables inbound de-duplication by channel message id.
func WithDedup(d store.DedupRepo) Option {
	return func(o *Orchestrator) { o.dedup = d }
}

// WithErrorReporter sets the user-facing error channel.
func WithErrorReporter(r ErrorReporter) Option {
	return func(o *Orchestrator) { o.reportError = r }
}

// WithCompletionHandler sets the hook for completed flows.
func WithCompletionHandler(h CompletionHandler) Option {
	return func(o *Orchestrator) { o.onComplete = h }
}

// WithExpirationPolicy sets which categories expire active flows.
func WithExpirationPolicy(p ExpirationPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithClock injects the time source for tickets.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator is the delivery and routing façade.
type Orchestrator struct {
	flows       *flow.Engine
	adapters    map[string]messaging.Adapter
	queue       *retry.Queue
	interpreter interpreter.Interpreter
	dedup       store.DedupRepo
	reportError ErrorReporter
	onComplete  CompletionHandler
	policy      ExpirationPolicy
	sendTimeout time.Duration
	retryOpts   []retry.Option
	now         func() time.Time

	usersMu   sync.RWMutex
	users     map[string]models.User
	addresses map[string]map[string]string // channel -> canonical address -> user id

	lastMu   sync.RWMutex
	lastSent map[string]models.DeliveryTicket
}

// New creates an orchestrator over the given flow engine and adapters.
func New(flows *flow.Engine, adapters []messaging.Adapter, users []models.User, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		flows:       flows,
		adapters:    make(map[string]messaging.Adapter, len(adapters)),
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
		lastSent:    make(map[string]models.DeliveryTicket),
	}
	for _, a := range adapters {
		o.adapters[a.Name()] = a
	}
	for _, opt := range opts {
		opt(o)
	}
	retryOpts := append(o.retryOpts,
		retry.WithPermanentClassifier(messaging.IsPermanent),
		retry.WithDeadLetter(o.handleDeadLetter),
	)
	o.queue = retry.NewQueue(o.redeliver, retryOpts...)
	o.SetUsers(users)
	return o
}

// SetUsers replaces the known users.
func (o *Orchestrator) SetUsers(users []models.User) {
	byID := make(map[string]models.User, len(users))
	addresses := make(map[string]map[string]string)
	for _, u := range users {
		byID[u.ID] = u
		addr := u.Address
		if a, ok := o.adapters[u.Channel]; ok {
			if canonical, err := a.ValidateAndCanonicalizeRecipient(u.Address); err == nil {
				addr = canonical
			} else {
				slog.Warn("Orchestrator.SetUsers: invalid address", "userID", u.ID, "channel", u.Channel, "error", err)
			}
		}
		if addresses[u.Channel] == nil {
			addresses[u.Channel] = make(map[string]string)
		}
		addresses[u.Channel][addr] = u.ID
	}
	o.usersMu.Lock()
	o.users = byID
	o.addresses = addresses
	o.usersMu.Unlock()
}

// User returns the user with id userID.
func (o *Orchestrator) User(userID string) (models.User, bool) {
	o.usersMu.RLock()
	defer o.usersMu.RUnlock()
	u, ok := o.users[userID]
	return u, ok
}

func (o *Orchestrator) userByAddress(channel, address string) (models.User, bool) {
	o.usersMu.RLock()
	defer o.usersMu.RUnlock()
	id, ok := o.addresses[channel][address]
	if !ok {
		return models.User{}, false
	}
	u, ok := o.users[id]
	return u, ok
}

// RetryQueue returns the owned retry queue.
func (o *Orchestrator) RetryQueue() *retry.Queue { return o.queue }

// Run drives the retry worker and one inbound listener per adapter until ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg conc.WaitGroup
	wg.Go(func() { o.queue.Run(ctx) })
	for _, a := range o.adapters {
		wg.Go(func() { o.listen(ctx, a) })
	}
	wg.Wait()
}

// Deliver sends d to the user's configured channel. The returned ticket says
// what was actually sent. A transient failure queues the message for retry
// and is not an error; a permanent failure is reported and returned.
func (o *Orchestrator) Deliver(ctx context.Context, d models.Delivery) (models.DeliveryTicket, error) {
	if d.UserID == "" {
		return models.DeliveryTicket{}, models.ErrEmptyUserID
	}
	if err := d.Message.Validate(); err != nil {
		return models.DeliveryTicket{}, err
	}
	user, ok := o.User(d.UserID)
	if !ok {
		return models.DeliveryTicket{}, fmt.Errorf("%w: %s", models.ErrUnknownUser, d.UserID)
	}
	ticket := models.DeliveryTicket{
		ID:       uuid.NewString(),
		UserID:   user.ID,
		Category: d.Category,
		Channel:  user.Channel,
		Message:  d.Message,
		At:       o.now(),
	}
	adapter, ok := o.adapters[user.Channel]
	if !ok {
		return o.fail(ctx, ticket, fmt.Errorf("%w: %s", models.ErrNoAdapter, user.Channel))
	}
	to, err := adapter.ValidateAndCanonicalizeRecipient(user.Address)
	if err != nil {
		return o.fail(ctx, ticket, messaging.Permanent(fmt.Errorf("invalid recipient: %w", err)))
	}

	outcome, err := o.send(ctx, adapter, to, d.Message)
	if err == nil {
		ticket = o.sent(ctx, ticket, outcome, d.Continuation)
		slog.Info("Orchestrator.Deliver: message sent", "userID", user.ID, "channel", user.Channel, "category", d.Category, "continuation", d.Continuation, "channelMessageID", ticket.ChannelMessageID)
		return ticket, nil
	}
	if messaging.IsPermanent(err) {
		return o.fail(ctx, ticket, err)
	}

	queued, qerr := o.queue.Enqueue(context.WithoutCancel(ctx), models.QueuedMessage{
		UserID:       user.ID,
		Channel:      user.Channel,
		Address:      to,
		Category:     d.Category,
		Message:      d.Message,
		Continuation: d.Continuation,
	})
	if qerr != nil {
		return o.fail(ctx, ticket, fmt.Errorf("send failed (%v) and could not be queued: %w", err, qerr))
	}
	ticket.Status = models.DeliveryStatusQueued
	ticket.Error = err.Error()
	metrics.RecordDelivery(user.Channel, d.Category, string(ticket.Status))
	slog.Warn("Orchestrator.Deliver: send failed, queued for retry", "userID", user.ID, "channel", user.Channel, "category", d.Category, "retryID", queued.ID, "nextRetryAt", queued.NextRetryAt, "error", err)
	return ticket, nil
}

// StartFlow starts (or restarts) a flow and sends its first prompt.
func (o *Orchestrator) StartFlow(ctx context.Context, userID, category string, def models.FlowDefinition) (models.DeliveryTicket, error) {
	if _, ok := o.User(userID); !ok {
		return models.DeliveryTicket{}, fmt.Errorf("%w: %s", models.ErrUnknownUser, userID)
	}
	st, err := o.flows.Start(ctx, userID, def)
	if err != nil {
		return models.DeliveryTicket{}, fmt.Errorf("start %s flow: %w", def.Type, err)
	}
	step, _ := st.Current()
	ticket, err := o.Deliver(ctx, models.Delivery{
		UserID:       userID,
		Category:     category,
		Message:      models.Message{Text: step.Prompt},
		Continuation: true,
	})
	if ticket.Status == models.DeliveryStatusFailed {
		if _, cerr := o.flows.Cancel(ctx, userID, def.Type); cerr != nil && !errors.Is(cerr, models.ErrNoActiveFlow) {
			slog.Error("Orchestrator.StartFlow: failed to cancel undeliverable flow", "userID", userID, "flowType", def.Type, "error", cerr)
		}
	}
	return ticket, err
}

// LastSent returns the last message actually delivered to userID in category.
// An empty category matches any category.
func (o *Orchestrator) LastSent(userID, category string) (models.DeliveryTicket, bool) {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	t, ok := o.lastSent[lastSentKey(userID, category)]
	return t, ok
}

// ListFlows returns every stored flow record for userID.
func (o *Orchestrator) ListFlows(ctx context.Context, userID string) ([]*models.ConversationFlowState, error) {
	return o.flows.List(ctx, userID)
}

func lastSentKey(userID, category string) string {
	return userID + "|" + category
}

type sendResult struct {
	outcome messaging.Outcome
	err     error
}

// send calls the adapter under the send timeout. The deadline holds even for
// adapters that ignore their context: a send still running when it passes is
// abandoned and reported as a transient timeout.
func (o *Orchestrator) send(ctx context.Context, adapter messaging.Adapter, to string, msg models.Message) (messaging.Outcome, error) {
	sendCtx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()

	done := make(chan sendResult, 1)
	go func() {
		var r sendResult
		var catcher panics.Catcher
		catcher.Try(func() { r.outcome, r.err = adapter.Send(sendCtx, to, msg) })
		if rec := catcher.Recovered(); rec != nil {
			r.err = fmt.Errorf("%s adapter panicked: %w", adapter.Name(), rec.AsError())
		}
		done <- r
	}()

	select {
	case r := <-done:
		return r.outcome, r.err
	case <-sendCtx.Done():
		slog.Warn("Orchestrator.send: send did not finish before the deadline", "channel", adapter.Name(), "timeout", o.sendTimeout)
		return messaging.Outcome{}, fmt.Errorf("send via %s: %w", adapter.Name(), sendCtx.Err())
	}
}

// sent finalises a successful ticket: records it as last sent and expires
// flows the message made stale.
func (o *Orchestrator) sent(ctx context.Context, ticket models.DeliveryTicket, outcome messaging.Outcome, continuation bool) models.DeliveryTicket {
	ticket.Status = models.DeliveryStatusSent
	ticket.ChannelMessageID = outcome.ChannelMessageID
	if outcome.Delivered.Text != "" {
		ticket.Message = outcome.Delivered
	}
	metrics.RecordDelivery(ticket.Channel, ticket.Category, string(ticket.Status))

	o.lastMu.Lock()
	o.lastSent[lastSentKey(ticket.UserID, ticket.Category)] = ticket
	o.lastSent[lastSentKey(ticket.UserID, "")] = ticket
	o.lastMu.Unlock()

	if continuation || !o.policy.Expires(ticket.Category) {
		return ticket
	}
	if _, err := o.flows.ExpireOnOutbound(ctx, ticket.UserID); err != nil {
		slog.Error("Orchestrator: failed to expire flows after outbound message", "userID", ticket.UserID, "category", ticket.Category, "error", err)
	}
	return ticket
}

func (o *Orchestrator) fail(ctx context.Context, ticket models.DeliveryTicket, err error) (models.DeliveryTicket, error) {
	ticket.Status = models.DeliveryStatusFailed
	ticket.Error = err.Error()
	metrics.RecordDelivery(ticket.Channel, ticket.Category, string(ticket.Status))
	slog.Error("Orchestrator.Deliver: delivery failed permanently", "userID", ticket.UserID, "channel", ticket.Channel, "category", ticket.Category, "error", err)
	if o.reportError != nil {
		o.reportError(ctx, ticket, err)
	}
	return ticket, err
}

// redeliver is the retry queue's send path. It always uses the channel the
// message was queued for.
func (o *Orchestrator) redeliver(ctx context.Context, msg models.QueuedMessage) error {
	adapter, ok := o.adapters[msg.Channel]
	if !ok {
		return messaging.Permanent(fmt.Errorf("%w: %s", models.ErrNoAdapter, msg.Channel))
	}
	outcome, err := o.send(ctx, adapter, msg.Address, msg.Message)
	if err != nil {
		return err
	}
	o.sent(ctx, models.DeliveryTicket{
		ID:       msg.ID,
		UserID:   msg.UserID,
		Category: msg.Category,
		Channel:  msg.Channel,
		Message:  msg.Message,
		At:       o.now(),
	}, outcome, msg.Continuation)
	return nil
}

func (o *Orchestrator) handleDeadLetter(msg models.QueuedMessage, reason error) {
	if o.reportError == nil {
		return
	}
	o.reportError(context.Background(), models.DeliveryTicket{
		ID:       msg.ID,
		UserID:   msg.UserID,
		Category: msg.Category,
		Channel:  msg.Channel,
		Message:  msg.Message,
		Status:   models.DeliveryStatusFailed,
		Error:    reason.Error(),
		At:       o.now(),
	}, reason)
}
