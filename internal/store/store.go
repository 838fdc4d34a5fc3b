// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/claude-relay/internal/domain"
)

// Repository defines the interface for persisting sessions, their messages
// and the activity log.
type Repository interface {
	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, rec *domain.SessionRecord) error

	// GetSession retrieves a session by id. It returns nil, nil when absent.
	GetSession(ctx context.Context, id string) (*domain.SessionRecord, error)

	// ListSessions returns the owner's sessions, most recently updated first.
	ListSessions(ctx context.Context, owner string, limit int) ([]*domain.SessionRecord, error)

	// UpdateSessionStats overwrites the counters of a session.
	UpdateSessionStats(ctx context.Context, sessionID string, stats domain.SessionStats) error

	// RecordMessage appends a conversation entry.
	RecordMessage(ctx context.Context, msg *domain.StoredMessage) error

	// ListMessages returns the latest limit messages of a session in
	// chronological order.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.StoredMessage, error)

	// LogActivity appends an audit entry.
	LogActivity(ctx context.Context, act *domain.Activity) error

	// CleanupActivity removes activity entries older than retention.
	CleanupActivity(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
