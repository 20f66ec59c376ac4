package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LifePipe/internal/email"
	"github.com/BTreeMap/LifePipe/internal/models"
)

// EmailService is the Adapter for the email channel. Inbound mail is posted
// to WebhookHandler by whatever relay receives it.
type EmailService struct {
	sender email.Sender
	replyStream
}

// NewEmailService wraps an email sender.
func NewEmailService(sender email.Sender) *EmailService {
	return &EmailService{sender: sender, replyStream: newReplyStream()}
}

func (s *EmailService) Name() string { return models.ChannelEmail }

func (s *EmailService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalEmail(recipient)
}

func (s *EmailService) Start(ctx context.Context) error { return nil }

func (s *EmailService) Stop() error {
	s.close()
	return nil
}

// Send renders msg as a plain-text email.
func (s *EmailService) Send(ctx context.Context, to string, msg models.Message) (Outcome, error) {
	if s.isStopped() {
		return Outcome{}, ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return Outcome{}, Permanent(err)
	}
	subject, body := RenderEmail(msg)
	id, err := s.sender.SendEmail(ctx, canonicalTo, subject, body)
	if err != nil {
		slog.Error("EmailService.Send: send failed", "to", canonicalTo, "error", err)
		if errors.Is(err, email.ErrRejected) {
			return Outcome{}, Permanent(err)
		}
		return Outcome{}, err
	}
	return Outcome{ChannelMessageID: id, Delivered: models.Message{Subject: subject, Text: body}}, nil
}

// inboundEmail is the JSON body accepted by WebhookHandler.
type inboundEmail struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

// WebhookHandler accepts a relayed inbound email as JSON.
func (s *EmailService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	var in inboundEmail
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if in.From == "" || in.Text == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	from, err := CanonicalEmail(in.From)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid sender: %v", err), http.StatusBadRequest)
		return
	}
	if !s.emit(Reply{Channel: models.ChannelEmail, From: from, Text: in.Text, MessageID: in.MessageID, At: time.Now()}) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
