package domain

import (
	"time"
)

// Message roles as stored.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleResult    = "result"
)

// StoredMessage is one conversation entry.
type StoredMessage struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Activity is an audit entry for a session lifecycle action.
type Activity struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
