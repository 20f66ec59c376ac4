// Package models defines the core data structures for LifePipe.
//
// It includes the message, user, schedule, retry and delivery types shared across
// the scheduler, retry queue, flow engine and orchestrator.
package models

import (
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Channel identifiers understood by the orchestrator.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
	ChannelEmail    = "email"
)

// Well-known message categories.
const (
	CategoryCheckIn       = "check-in"
	CategoryTaskReminders = "task-reminders"
	CategoryMotivational  = "motivational"
	CategoryReply         = "reply"
	CategoryFlow          = "flow"
)

// MaxMessageTextLength bounds outgoing message text.
const MaxMessageTextLength = 4096

// Error variables for better error handling and testability
var (
	ErrEmptyUserID      = errors.New("user id cannot be empty")
	ErrEmptyMessage     = errors.New("message text cannot be empty")
	ErrMessageTooLong   = errors.New("message text exceeds maximum length")
	ErrUnknownUser      = errors.New("unknown user")
	ErrNoAdapter        = errors.New("no channel adapter registered")
	ErrNoActiveFlow     = errors.New("no active flow")
	ErrCorruptState     = errors.New("corrupt persisted flow state")
	ErrInvalidPeriod    = errors.New("invalid schedule period")
	ErrEmptyFlow        = errors.New("flow definition has no steps")
	ErrDuplicateInbound = errors.New("duplicate inbound message")
)

// Message is the payload handed to a channel adapter.
type Message struct {
	Text    string            `json:"text"`
	Subject string            `json:"subject,omitempty"` // used by the email channel
	Rich    map[string]string `json:"rich,omitempty"`    // optional structured content
}

// Validate checks the message payload.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	if len(m.Text) > MaxMessageTextLength {
		return ErrMessageTooLong
	}
	return nil
}

// User is the recipient directory entry consumed by the orchestrator.
type User struct {
	ID       string `json:"id" mapstructure:"id"`
	Channel  string `json:"channel" mapstructure:"channel"`
	Address  string `json:"address" mapstructure:"address"`
	Timezone string `json:"timezone,omitempty" mapstructure:"timezone"`
}

// Location resolves the user's timezone, falling back to UTC.
func (u User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		slog.Warn("User.Location: invalid timezone, using UTC", "userID", u.ID, "timezone", u.Timezone, "error", err)
		return time.UTC
	}
	return loc
}

// Inbound is a free-form reply received from a channel.
type Inbound struct {
	UserID    string    `json:"user_id"`
	Channel   string    `json:"channel"`
	Text      string    `json:"text"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}
