// Package email sends LifePipe messages through Amazon SES.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
)

// ErrRejected marks an email SES refused for a reason retrying cannot fix.
var ErrRejected = errors.New("ses rejected the message")

// rejectedCodes are SES error codes that will not succeed on retry.
var rejectedCodes = map[string]bool{
	"MessageRejected":                        true,
	"MailFromDomainNotVerifiedException":     true,
	"ConfigurationSetDoesNotExist":           true,
	"AccountSendingPausedException":          true,
	"ConfigurationSetSendingPausedException": true,
	"InvalidParameterValue":                  true,
}

// Sender sends an email and returns the provider message id.
type Sender interface {
	SendEmail(ctx context.Context, to, subject, body string) (string, error)
}

// sesAPI is the subset of the SES client used here.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// Config holds the SES settings.
type Config struct {
	Region    string
	FromEmail string
}

// SESSender sends plain-text email through SES.
type SESSender struct {
	client sesAPI
	from   string
}

// NewSESSender loads the default AWS credential chain for the configured region.
func NewSESSender(ctx context.Context, cfg Config) (*SESSender, error) {
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("ses sender requires a from address")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{client: ses.NewFromConfig(awsCfg), from: cfg.FromEmail}, nil
}

// SendEmail sends a plain-text email.
func (s *SESSender) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	if to == "" {
		return "", fmt.Errorf("email recipient cannot be empty")
	}
	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", classify(err)
	}
	id := aws.ToString(result.MessageId)
	slog.Debug("SESSender.SendEmail: sent", "to", to, "messageID", id)
	return id, nil
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && rejectedCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("ses send failed: %w (%s): %w", ErrRejected, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("ses send failed: %w", err)
}

// MockSender records emails instead of calling SES.
type MockSender struct {
	Sent []SentEmail
	Err  error
}

// SentEmail is one email captured by MockSender.
type SentEmail struct {
	To, Subject, Body string
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, SentEmail{To: to, Subject: subject, Body: body})
	return fmt.Sprintf("ses-%d", len(m.Sent)), nil
}
