package store

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/LifePipe/internal/models"
)

// HasSent reports whether the marker is recorded.
func (s *SQLStore) HasSent(ctx context.Context, m models.SentMarker) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM sent_markers
		WHERE user_id = ? AND category = ? AND period = ? AND day = ?`),
		m.UserID, m.Category, m.Period, m.Day).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check sent marker: %w", err)
	}
	return n > 0, nil
}

// MarkSent records the marker; recording it twice is a no-op.
func (s *SQLStore) MarkSent(ctx context.Context, m models.SentMarker) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sent_markers (user_id, category, period, day, sent_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, category, period, day) DO NOTHING`),
		m.UserID, m.Category, m.Period, m.Day, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record sent marker: %w", err)
	}
	return nil
}

// PruneMarkersBefore deletes markers whose day sorts before day (YYYY-MM-DD).
func (s *SQLStore) PruneMarkersBefore(ctx context.Context, day string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sent_markers WHERE day < ?`), day)
	if err != nil {
		return 0, fmt.Errorf("prune sent markers: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
