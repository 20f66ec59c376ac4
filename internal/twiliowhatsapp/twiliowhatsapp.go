// Package twiliowhatsapp wraps the Twilio API for sending WhatsApp messages.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrRejected marks a send Twilio refused for a reason retrying cannot fix
// (bad number, unsubscribed recipient, invalid credentials).
var ErrRejected = errors.New("twilio rejected the message")

// Sender sends WhatsApp messages through Twilio and returns the message SID.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Opts holds the Twilio account settings.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	Timeout    time.Duration // HTTP timeout for REST calls; zero keeps the library default
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender in "whatsapp:+1234567890" form.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithTimeout bounds each REST call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient builds a client from options, falling back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	params := twilio.ClientParams{Username: cfg.AccountSID, Password: cfg.AuthToken}
	if cfg.Timeout > 0 {
		base := &twilioclient.Client{Credentials: twilioclient.NewCredentials(cfg.AccountSID, cfg.AuthToken)}
		base.SetAccountSid(cfg.AccountSID)
		base.SetTimeout(cfg.Timeout)
		params.Client = base
	}
	return &Client{
		client:    twilio.NewRestClientWithParams(params),
		fromWhats: cfg.FromWhats,
	}, nil
}

// SendMessage sends a WhatsApp message to a number in international digits form.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return "", classify(to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "sid", sid)
	return sid, nil
}

// classify wraps 4xx API errors other than rate limiting with ErrRejected.
func classify(to string, err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) && isRejection(restErr.Status) {
		return fmt.Errorf("send to %s: %w (code %d): %w", to, ErrRejected, restErr.Code, err)
	}
	return fmt.Errorf("failed to send message to %s: %w", to, err)
}

func isRejection(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout
}

// MockClient records messages instead of calling Twilio.
type MockClient struct {
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return fmt.Sprintf("SM%032d", len(m.SentMessages)), nil
}
