package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
)

// MockAdapter is an in-memory Adapter for tests.
type MockAdapter struct {
	name string

	mu   sync.Mutex
	sent []MockSend
	// errs are returned by successive Send calls before sends start succeeding.
	errs []error
	replyStream
}

// MockSend records one successful Send.
type MockSend struct {
	To      string
	Message models.Message
}

// NewMockAdapter creates a mock adapter registered under name.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{name: name, replyStream: newReplyStream()}
}

func (m *MockAdapter) Name() string { return m.name }

func (m *MockAdapter) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

func (m *MockAdapter) Start(ctx context.Context) error { return nil }

func (m *MockAdapter) Stop() error {
	m.close()
	return nil
}

// FailNext queues errors for the next Send calls, in order.
func (m *MockAdapter) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

func (m *MockAdapter) Send(ctx context.Context, to string, msg models.Message) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return Outcome{}, err
	}
	m.sent = append(m.sent, MockSend{To: to, Message: msg})
	return Outcome{ChannelMessageID: fmt.Sprintf("%s-%d", m.name, len(m.sent)), Delivered: msg}, nil
}

// Sent returns a copy of every successful send.
func (m *MockAdapter) Sent() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockSend(nil), m.sent...)
}

// Texts returns the text of every successful send.
func (m *MockAdapter) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Message.Text
	}
	return out
}

// Reset forgets recorded sends.
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// Receive simulates an inbound reply.
func (m *MockAdapter) Receive(from, text, messageID string) bool {
	return m.emit(Reply{Channel: m.name, From: from, Text: text, MessageID: messageID, At: time.Now()})
}
