package store

import (
	"context"
	"fmt"
	"time"
)

// DedupRepo records inbound message ids so redelivered webhooks and events
// are routed once.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded.
	RecordInbound(ctx context.Context, messageID, userID string) (bool, error)

	// MarkProcessed sets the processed timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// PruneDedupBefore drops records received before cutoff.
	PruneDedupBefore(ctx context.Context, cutoff time.Time) (int, error)
}

var _ DedupRepo = (*SQLStore)(nil)

func (s *SQLStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO inbound_dedup (message_id, user_id, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`),
		messageID, userID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`),
		time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLStore) PruneDedupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM inbound_dedup WHERE received_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune dedup records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
