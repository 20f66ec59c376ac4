package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LifePipe/internal/interpreter"
	"github.com/BTreeMap/LifePipe/internal/messaging"
	"github.com/BTreeMap/LifePipe/internal/metrics"
	"github.com/BTreeMap/LifePipe/internal/models"
)

// Route says where an inbound message went.
type Route string

const (
	RouteFlow        Route = "flow"
	RouteInterpreter Route = "interpreter"
	RouteDuplicate   Route = "duplicate"
	RouteUnknownUser Route = "unknown"
)

const cancelledText = "Okay, I've stopped this check-in."

var (
	skipWords   = map[string]bool{"skip": true, "pass": true}
	cancelWords = map[string]bool{"cancel": true, "stop": true, "quit": true}
)

// RouteInbound hands an inbound message to the user's active flow, or to the
// interpreter when no flow is active.
func (o *Orchestrator) RouteInbound(ctx context.Context, in models.Inbound) (Route, error) {
	if in.UserID == "" {
		return "", models.ErrEmptyUserID
	}
	if _, ok := o.User(in.UserID); !ok {
		metrics.RecordInbound(in.Channel, string(RouteUnknownUser))
		return RouteUnknownUser, fmt.Errorf("%w: %s", models.ErrUnknownUser, in.UserID)
	}
	if in.MessageID != "" && o.dedup != nil {
		fresh, err := o.dedup.RecordInbound(ctx, in.MessageID, in.UserID)
		if err != nil {
			slog.Warn("Orchestrator.RouteInbound: dedup lookup failed, processing anyway", "userID", in.UserID, "messageID", in.MessageID, "error", err)
		} else if !fresh {
			metrics.RecordInbound(in.Channel, string(RouteDuplicate))
			slog.Info("Orchestrator.RouteInbound: duplicate message ignored", "userID", in.UserID, "messageID", in.MessageID)
			return RouteDuplicate, nil
		}
	}

	route, err := o.route(ctx, in)
	metrics.RecordInbound(in.Channel, string(route))
	slog.Info("Orchestrator.RouteInbound: message routed", "userID", in.UserID, "channel", in.Channel, "route", route)

	if in.MessageID != "" && o.dedup != nil {
		if perr := o.dedup.MarkProcessed(ctx, in.MessageID); perr != nil {
			slog.Warn("Orchestrator.RouteInbound: failed to mark message processed", "messageID", in.MessageID, "error", perr)
		}
	}
	return route, err
}

func (o *Orchestrator) route(ctx context.Context, in models.Inbound) (Route, error) {
	st, err := o.flows.Active(ctx, in.UserID)
	if err != nil {
		slog.Error("Orchestrator.route: flow lookup failed, treating as no active flow", "userID", in.UserID, "error", err)
		st = nil
	}
	if st != nil {
		handled, err := o.handleFlowInput(ctx, st, in.Text)
		if handled {
			return RouteFlow, err
		}
	}
	return RouteInterpreter, o.interpret(ctx, in)
}

// handleFlowInput applies text to the active flow. handled is false when the
// flow ended before the input could be applied.
func (o *Orchestrator) handleFlowInput(ctx context.Context, st *models.ConversationFlowState, text string) (bool, error) {
	word := strings.ToLower(strings.TrimSpace(text))
	var next *models.ConversationFlowState
	var err error
	switch {
	case cancelWords[word]:
		if _, err = o.flows.Cancel(ctx, st.UserID, st.FlowType); err == nil {
			return true, o.continueFlow(ctx, st.UserID, cancelledText)
		}
	case skipWords[word]:
		next, err = o.flows.Skip(ctx, st.UserID, st.FlowType)
	default:
		next, err = o.flows.SubmitAnswer(ctx, st.UserID, st.FlowType, text)
	}
	if errors.Is(err, models.ErrNoActiveFlow) {
		return false, nil
	}
	if err != nil {
		return true, fmt.Errorf("apply input to %s flow: %w", st.FlowType, err)
	}
	if next == nil {
		return true, nil
	}

	if next.Status == models.FlowStatusCompleted {
		if o.onComplete != nil {
			o.onComplete(ctx, next)
		}
		if next.CompletionText == "" {
			return true, nil
		}
		return true, o.continueFlow(ctx, next.UserID, next.CompletionText)
	}
	step, ok := next.Current()
	if !ok {
		return true, nil
	}
	return true, o.continueFlow(ctx, next.UserID, step.Prompt)
}

func (o *Orchestrator) continueFlow(ctx context.Context, userID, text string) error {
	_, err := o.Deliver(ctx, models.Delivery{
		UserID:       userID,
		Category:     models.CategoryFlow,
		Message:      models.Message{Text: text},
		Continuation: true,
	})
	return err
}

func (o *Orchestrator) interpret(ctx context.Context, in models.Inbound) error {
	if o.interpreter == nil {
		return nil
	}
	action, err := o.interpreter.Interpret(ctx, in.UserID, in.Text)
	if err != nil {
		return fmt.Errorf("interpret: %w", err)
	}
	switch action.Kind {
	case interpreter.ActionReply:
		_, err = o.Deliver(ctx, models.Delivery{UserID: in.UserID, Category: models.CategoryReply, Message: action.Reply})
	case interpreter.ActionStartFlow:
		if action.Flow == nil {
			return nil
		}
		_, err = o.StartFlow(ctx, in.UserID, string(action.Flow.Type), *action.Flow)
	}
	return err
}

// listen routes an adapter's inbound replies until ctx is done or the adapter stops.
func (o *Orchestrator) listen(ctx context.Context, adapter messaging.Adapter) {
	replies := adapter.Responses()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-replies:
			if !ok {
				slog.Debug("Orchestrator.listen: adapter closed its replies", "channel", adapter.Name())
				return
			}
			o.handleReply(ctx, r)
		}
	}
}

func (o *Orchestrator) handleReply(ctx context.Context, r messaging.Reply) {
	user, ok := o.userByAddress(r.Channel, r.From)
	if !ok {
		metrics.RecordInbound(r.Channel, string(RouteUnknownUser))
		slog.Warn("Orchestrator.handleReply: message from unknown address", "channel", r.Channel, "from", r.From)
		return
	}
	in := models.Inbound{UserID: user.ID, Channel: r.Channel, Text: r.Text, MessageID: r.MessageID, At: r.At}
	if _, err := o.RouteInbound(ctx, in); err != nil {
		slog.Error("Orchestrator.handleReply: routing failed", "userID", user.ID, "channel", r.Channel, "error", err)
	}
}
