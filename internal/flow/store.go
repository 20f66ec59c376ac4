package flow

import (
	"context"

	"github.com/BTreeMap/LifePipe/internal/models"
)

// Store is the keyed record store behind the engine, one entry per
// (user, flow type). Implementations return (nil, nil) for a missing entry
// and an error wrapping models.ErrCorruptState for an unreadable one.
type Store interface {
	LoadFlow(ctx context.Context, userID string, flowType models.FlowType) (*models.ConversationFlowState, error)
	SaveFlow(ctx context.Context, state *models.ConversationFlowState) error
	DeleteFlow(ctx context.Context, userID string, flowType models.FlowType) error
	// ListFlows returns every readable record for userID, or for all users
	// when userID is empty. Unreadable entries are skipped.
	ListFlows(ctx context.Context, userID string) ([]*models.ConversationFlowState, error)
}
