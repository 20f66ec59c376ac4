package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LifePipe/internal/models"
)

func decodeFlow(userID, flowType, raw string) (*models.ConversationFlowState, error) {
	var st models.ConversationFlowState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", models.ErrCorruptState, userID, flowType, err)
	}
	if !st.Valid() || st.UserID != userID || string(st.FlowType) != flowType {
		return nil, fmt.Errorf("%w: %s/%s failed validation", models.ErrCorruptState, userID, flowType)
	}
	return &st, nil
}

// LoadFlow returns the flow record, nil when absent.
func (s *SQLStore) LoadFlow(ctx context.Context, userID string, flowType models.FlowType) (*models.ConversationFlowState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT state_json FROM flow_states WHERE user_id = ? AND flow_type = ?`),
		userID, string(flowType)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load flow state: %w", err)
	}
	return decodeFlow(userID, string(flowType), raw)
}

// SaveFlow upserts the flow record.
func (s *SQLStore) SaveFlow(ctx context.Context, state *models.ConversationFlowState) error {
	if state == nil || state.UserID == "" || state.FlowType == "" {
		return fmt.Errorf("flow state requires user id and flow type")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal flow state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO flow_states (user_id, flow_type, status, state_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, flow_type) DO UPDATE SET
			status = excluded.status,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`),
		state.UserID, string(state.FlowType), string(state.Status), string(raw), state.LastActivityAt.UTC())
	if err != nil {
		return fmt.Errorf("save flow state for %s: %w", state.UserID, err)
	}
	return nil
}

// DeleteFlow removes the flow record if present.
func (s *SQLStore) DeleteFlow(ctx context.Context, userID string, flowType models.FlowType) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM flow_states WHERE user_id = ? AND flow_type = ?`),
		userID, string(flowType))
	if err != nil {
		return fmt.Errorf("delete flow state: %w", err)
	}
	return nil
}

// ListFlows returns readable records for userID, or for everyone when empty.
// Corrupt rows are skipped with a warning.
func (s *SQLStore) ListFlows(ctx context.Context, userID string) ([]*models.ConversationFlowState, error) {
	query := `SELECT user_id, flow_type, state_json FROM flow_states`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, flow_type`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list flow states: %w", err)
	}
	defer rows.Close()

	var out []*models.ConversationFlowState
	for rows.Next() {
		var uid, flowType, raw string
		if err := rows.Scan(&uid, &flowType, &raw); err != nil {
			return nil, fmt.Errorf("scan flow state: %w", err)
		}
		st, err := decodeFlow(uid, flowType, raw)
		if err != nil {
			slog.Warn("SQLStore.ListFlows: skipping corrupt flow state", "userID", uid, "flowType", flowType, "error", err)
			continue
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow states: %w", err)
	}
	return out, nil
}
