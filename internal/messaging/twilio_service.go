package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/BTreeMap/LifePipe/internal/twiliowhatsapp"
	twilioclient "github.com/twilio/twilio-go/client"
)

// TwilioService is the Adapter for WhatsApp delivered through Twilio. Inbound
// replies arrive through WebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	validator  *twilioclient.RequestValidator
	webhookURL string
	replyStream
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature
// does not match webhookURL signed with authToken.
func WithSignatureValidation(authToken, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		v := twilioclient.NewRequestValidator(authToken)
		s.validator = &v
		s.webhookURL = webhookURL
	}
}

// NewTwilioService creates a TwilioService around a Twilio client or MockClient.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, replyStream: newReplyStream()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TwilioService) Name() string { return models.ChannelTwilio }

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(recipient)
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the responses channel.
func (s *TwilioService) Stop() error {
	s.close()
	return nil
}

// Send renders msg as chat text and sends it through Twilio.
func (s *TwilioService) Send(ctx context.Context, to string, msg models.Message) (Outcome, error) {
	if s.isStopped() {
		return Outcome{}, ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return Outcome{}, Permanent(err)
	}
	body := RenderChat(msg)
	sid, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		slog.Error("TwilioService.Send: send failed", "to", canonicalTo, "error", err)
		if errors.Is(err, twiliowhatsapp.ErrRejected) {
			return Outcome{}, Permanent(err)
		}
		return Outcome{}, err
	}
	return Outcome{ChannelMessageID: sid, Delivered: models.Message{Text: body}}, nil
}

// WebhookHandler handles inbound Twilio webhook requests and emits them on Responses.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from", from, "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	canonical, err := CanonicalPhone(from)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid sender: %v", err), http.StatusBadRequest)
		return
	}

	slog.Info("TwilioService.WebhookHandler: inbound message", "from", canonical)
	if !s.emit(Reply{
		Channel:   models.ChannelTwilio,
		From:      canonical,
		Text:      body,
		MessageID: r.FormValue("MessageSid"),
		At:        time.Now(),
	}) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
