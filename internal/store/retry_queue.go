package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LifePipe/internal/models"
)

// SaveQueuedMessage upserts a retry queue checkpoint entry.
func (s *SQLStore) SaveQueuedMessage(ctx context.Context, msg models.QueuedMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO retry_queue (id, user_id, channel, attempts, next_retry_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			attempts = excluded.attempts,
			next_retry_at = excluded.next_retry_at,
			payload_json = excluded.payload_json`),
		msg.ID, msg.UserID, msg.Channel, msg.Attempts, msg.NextRetryAt.UTC(), string(raw))
	if err != nil {
		return fmt.Errorf("save queued message %s: %w", msg.ID, err)
	}
	return nil
}

// DeleteQueuedMessage removes a checkpoint entry.
func (s *SQLStore) DeleteQueuedMessage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM retry_queue WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete queued message %s: %w", id, err)
	}
	return nil
}

// LoadQueuedMessages returns every checkpointed message in retry order.
func (s *SQLStore) LoadQueuedMessages(ctx context.Context) ([]models.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload_json FROM retry_queue ORDER BY next_retry_at`)
	if err != nil {
		return nil, fmt.Errorf("load queued messages: %w", err)
	}
	defer rows.Close()

	var out []models.QueuedMessage
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}
		var msg models.QueuedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.ID != id {
			slog.Error("SQLStore.LoadQueuedMessages: unreadable checkpoint entry", "id", id, "payload", raw, "error", err)
			continue
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued messages: %w", err)
	}
	return out, nil
}
