// Package messaging defines the channel adapter abstraction and the WhatsApp,
// Twilio and email adapters behind it.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of each adapter's reply channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an adapter blocks handing off a reply.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by adapters after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Outcome describes what an adapter actually sent.
type Outcome struct {
	ChannelMessageID string
	Delivered        models.Message
}

// Reply is an inbound message as received from a channel, before it is
// attributed to a user.
type Reply struct {
	Channel   string
	From      string // canonical channel address
	Text      string
	MessageID string
	At        time.Time
}

// Adapter is a pluggable outbound channel.
type Adapter interface {
	// Name returns the channel identifier (models.ChannelWhatsApp etc).
	Name() string

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a channel address.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers msg to the given address. Errors wrapped with Permanent
	// must not be retried.
	Send(ctx context.Context, to string, msg models.Message) (Outcome, error)

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and closes Responses.
	Stop() error

	// Responses returns a channel of inbound replies.
	Responses() <-chan Reply
}
