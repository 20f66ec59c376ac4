package models

import "time"

// DeliveryStatus is the result of one logical delivery attempt.
type DeliveryStatus string

const (
	DeliveryStatusSent   DeliveryStatus = "sent"
	DeliveryStatusQueued DeliveryStatus = "queued"
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// Delivery is a request to send content to a user.
type Delivery struct {
	UserID   string  `json:"user_id"`
	Category string  `json:"category"`
	Message  Message `json:"message"`
	// Continuation marks a message that belongs to an in-progress flow; it never
	// expires that flow.
	Continuation bool `json:"continuation,omitempty"`
}

// DeliveryTicket records the outcome of one delivery attempt and the content that
// actually went out. It is never persisted.
type DeliveryTicket struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Category         string         `json:"category"`
	Channel          string         `json:"channel"`
	Message          Message        `json:"message"`
	Status           DeliveryStatus `json:"status"`
	ChannelMessageID string         `json:"channel_message_id,omitempty"`
	Error            string         `json:"error,omitempty"`
	At               time.Time      `json:"at"`
}

// QueuedMessage is a send attempt awaiting retry.
type QueuedMessage struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Channel      string    `json:"channel"`
	Address      string    `json:"address"`
	Category     string    `json:"category"`
	Message      Message   `json:"message"`
	Continuation bool      `json:"continuation,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Attempts     int       `json:"attempts"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	LastError    string    `json:"last_error,omitempty"`
}
