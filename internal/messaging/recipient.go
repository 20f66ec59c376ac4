package messaging

import (
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"sort"
	"strings"

	"github.com/BTreeMap/LifePipe/internal/models"
)

var phoneNumberRegex = regexp.MustCompile(`[^\d]`)

// DefaultEmailSubject is used when an email message has no subject.
const DefaultEmailSubject = "LifePipe"

// CanonicalPhone strips everything but digits and requires at least 6 of them.
func CanonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("CanonicalPhone: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// CanonicalEmail parses an address and returns it lower-cased without a display name.
func CanonicalEmail(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid email address %q: %w", recipient, err)
	}
	return strings.ToLower(addr.Address), nil
}

// RenderChat flattens a message for chat channels: bold subject line, text,
// then rich fields sorted by key.
func RenderChat(msg models.Message) string {
	var b strings.Builder
	if msg.Subject != "" {
		b.WriteString("*" + msg.Subject + "*\n\n")
	}
	b.WriteString(msg.Text)
	writeRich(&b, msg.Rich)
	return b.String()
}

// RenderEmail returns the subject and plain-text body for an email.
func RenderEmail(msg models.Message) (string, string) {
	subject := msg.Subject
	if subject == "" {
		subject = DefaultEmailSubject
	}
	var b strings.Builder
	b.WriteString(msg.Text)
	writeRich(&b, msg.Rich)
	return subject, b.String()
}

func writeRich(b *strings.Builder, rich map[string]string) {
	if len(rich) == 0 {
		return
	}
	keys := make([]string, 0, len(rich))
	for k := range rich {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("\n")
	for _, k := range keys {
		fmt.Fprintf(b, "\n• %s: %s", k, rich[k])
	}
}
