package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/BTreeMap/LifePipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is implemented by *whatsapp.Client; mocks usually are not.
type eventSource interface {
	AddEventHandler(handler func(evt any))
}

// WhatsAppService is the Adapter for the whatsmeow-based chat channel.
type WhatsAppService struct {
	client whatsapp.Sender
	events eventSource
	replyStream
}

// NewWhatsAppService wraps a WhatsApp sender. Inbound events are only
// available when the sender is a full client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client, replyStream: newReplyStream()}
	if src, ok := client.(eventSource); ok {
		s.events = src
	} else {
		slog.Debug("WhatsAppService: sender has no event source, inbound disabled")
	}
	return s
}

func (s *WhatsAppService) Name() string { return models.ChannelWhatsApp }

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(recipient)
}

// Start registers the inbound event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events != nil {
		s.events.AddEventHandler(s.handleEvent)
		slog.Debug("WhatsAppService.Start: event handler registered")
	}
	return nil
}

// Stop closes the responses channel.
func (s *WhatsAppService) Stop() error {
	s.close()
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// Send renders msg as chat text and sends it.
func (s *WhatsAppService) Send(ctx context.Context, to string, msg models.Message) (Outcome, error) {
	if s.isStopped() {
		return Outcome{}, ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return Outcome{}, Permanent(err)
	}
	body := RenderChat(msg)
	id, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		slog.Error("WhatsAppService.Send: send failed", "to", canonicalTo, "error", err)
		return Outcome{}, fmt.Errorf("whatsapp send: %w", err)
	}
	return Outcome{ChannelMessageID: id, Delivered: models.Message{Text: body}}, nil
}

func (s *WhatsAppService) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	default:
		slog.Debug("WhatsAppService: ignoring event", "type", fmt.Sprintf("%T", evt))
	}
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		slog.Debug("WhatsAppService: ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	at := evt.Info.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	s.emit(Reply{
		Channel:   models.ChannelWhatsApp,
		From:      evt.Info.Sender.User,
		Text:      text,
		MessageID: string(evt.Info.ID),
		At:        at,
	})
}
