// Package domain contains the records persisted for CLI sessions.
package domain

import (
	"time"
)

// SessionRecord is the persisted view of a CLI session.
type SessionRecord struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	ExternalID   string     `json:"external_id,omitempty"`
	Status       string     `json:"status"`
	WorkingDir   string     `json:"working_dir"`
	Model        string     `json:"model,omitempty"`
	MessageCount int        `json:"message_count"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// IsEnded reports whether the session reached a terminal status.
func (s *SessionRecord) IsEnded() bool {
	return s.EndedAt != nil
}

// SessionStats is the counter snapshot written after each turn.
type SessionStats struct {
	MessageCount int     `json:"message_count"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates token and cost usage of one turn.
func (s *SessionStats) Add(in, out int64, cost float64) {
	s.InputTokens += in
	s.OutputTokens += out
	s.CostUSD += cost
}
