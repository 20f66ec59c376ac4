// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType represents a specific type of conversation flow
type FlowType string

// FlowStatus is the lifecycle state of a conversation flow.
type FlowStatus string

// Flow type constants.
const (
	FlowTypeCheckIn FlowType = "check-in"
)

// Flow status constants. A user with no record for a flow type is idle.
const (
	FlowStatusActive    FlowStatus = "active"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusExpired   FlowStatus = "expired"
	FlowStatusCancelled FlowStatus = "cancelled"
)

// IsTerminal reports whether the status ends a flow.
func (s FlowStatus) IsTerminal() bool {
	switch s {
	case FlowStatusCompleted, FlowStatusExpired, FlowStatusCancelled:
		return true
	}
	return false
}

// FlowStep is one question in a flow.
type FlowStep struct {
	ID     string `json:"id" mapstructure:"id"`
	Prompt string `json:"prompt" mapstructure:"prompt"`
}

// FlowDefinition describes a flow to start.
type FlowDefinition struct {
	Type           FlowType   `json:"type" mapstructure:"type"`
	Steps          []FlowStep `json:"steps" mapstructure:"steps"`
	CompletionText string     `json:"completion_text,omitempty" mapstructure:"completion_text"`
}

// Validate checks that the definition can be started.
func (d FlowDefinition) Validate() error {
	if d.Type == "" || len(d.Steps) == 0 {
		return ErrEmptyFlow
	}
	return nil
}
