// Package models defines state management structures for LifePipe flows.
package models

import "time"

// Answer is a recorded reply to a flow step.
type Answer struct {
	StepID  string    `json:"step_id"`
	Text    string    `json:"text,omitempty"`
	Skipped bool      `json:"skipped,omitempty"`
	At      time.Time `json:"at"`
}

// ConversationFlowState is one multi-turn exchange for one user.
type ConversationFlowState struct {
	UserID         string     `json:"user_id"`
	FlowType       FlowType   `json:"flow_type"`
	Steps          []FlowStep `json:"steps"`
	Position       int        `json:"position"` // index of the next unanswered step
	Answers        []Answer   `json:"answers,omitempty"`
	CompletionText string     `json:"completion_text,omitempty"`
	Status         FlowStatus `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Remaining returns the steps not yet answered or skipped.
func (s *ConversationFlowState) Remaining() []FlowStep {
	if s.Position >= len(s.Steps) {
		return nil
	}
	return s.Steps[s.Position:]
}

// Current returns the step awaiting an answer.
func (s *ConversationFlowState) Current() (FlowStep, bool) {
	if s.Position < 0 || s.Position >= len(s.Steps) {
		return FlowStep{}, false
	}
	return s.Steps[s.Position], true
}

// IsActive reports whether the flow accepts answers.
func (s *ConversationFlowState) IsActive() bool {
	return s != nil && s.Status == FlowStatusActive
}

// Valid reports whether a loaded record is internally consistent.
func (s *ConversationFlowState) Valid() bool {
	if s == nil || s.UserID == "" || s.FlowType == "" {
		return false
	}
	if s.Position < 0 || s.Position > len(s.Steps) {
		return false
	}
	switch s.Status {
	case FlowStatusActive, FlowStatusCompleted, FlowStatusExpired, FlowStatusCancelled:
		return true
	}
	return false
}

// Clone returns a deep copy so callers never share slices with the store.
func (s *ConversationFlowState) Clone() *ConversationFlowState {
	if s == nil {
		return nil
	}
	c := *s
	c.Steps = append([]FlowStep(nil), s.Steps...)
	c.Answers = append([]Answer(nil), s.Answers...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// SentMarker identifies one scheduled send for a period instance.
type SentMarker struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Period   string `json:"period"`
	Day      string `json:"day"` // YYYY-MM-DD of the period instance start
}

// Key returns the marker's map key.
func (m SentMarker) Key() string {
	return m.UserID + "|" + m.Category + "|" + m.Period + "|" + m.Day
}
