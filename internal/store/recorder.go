package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/claude-relay/internal/domain"
)

const (
	defaultRecorderQueue = 256
	recorderOpTimeout    = 5 * time.Second
	slowOpThreshold      = 100 * time.Millisecond
)

type recordOp struct {
	name      string
	sessionID string
	apply     func(ctx context.Context, repo Repository) error
}

// Recorder writes session updates to a Repository in the background so
// that callers on the streaming path never wait on the database. When the
// queue is full the oldest pending write is dropped.
type Recorder struct {
	repo    Repository
	queue   chan recordOp
	logger  *slog.Logger
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
	done    chan struct{}
}

// NewRecorder starts a recorder with a queue of queueSize pending writes.
func NewRecorder(repo Repository, queueSize int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultRecorderQueue
	}

	r := &Recorder{
		repo:   repo,
		queue:  make(chan recordOp, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.process()
	return r
}

// SaveSession upserts a session snapshot.
func (r *Recorder) SaveSession(rec domain.SessionRecord) {
	r.enqueue(recordOp{
		name:      "save_session",
		sessionID: rec.ID,
		apply: func(ctx context.Context, repo Repository) error {
			return repo.UpsertSession(ctx, &rec)
		},
	})
}

// RecordMessage appends a conversation entry.
func (r *Recorder) RecordMessage(sessionID, role, content string, metadata map[string]any) {
	msg := &domain.StoredMessage{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	r.enqueue(recordOp{
		name:      "record_message",
		sessionID: sessionID,
		apply: func(ctx context.Context, repo Repository) error {
			return repo.RecordMessage(ctx, msg)
		},
	})
}

// UpdateSessionStats overwrites the session counters.
func (r *Recorder) UpdateSessionStats(sessionID string, stats domain.SessionStats) {
	r.enqueue(recordOp{
		name:      "update_stats",
		sessionID: sessionID,
		apply: func(ctx context.Context, repo Repository) error {
			return repo.UpdateSessionStats(ctx, sessionID, stats)
		},
	})
}

// LogActivity appends an audit entry.
func (r *Recorder) LogActivity(sessionID, action string, details map[string]any) {
	act := &domain.Activity{
		SessionID: sessionID,
		Action:    action,
		Details:   details,
		CreatedAt: time.Now(),
	}
	r.enqueue(recordOp{
		name:      "log_activity",
		sessionID: sessionID,
		apply: func(ctx context.Context, repo Repository) error {
			return repo.LogActivity(ctx, act)
		},
	})
}

func (r *Recorder) enqueue(op recordOp) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.logger.Debug("Recorder closed, dropping write", "op", op.name, "session_id", op.sessionID)
		return
	}

	select {
	case r.queue <- op:
		return
	default:
	}

	// Queue full: drop the oldest pending write to make room.
	select {
	case old := <-r.queue:
		r.dropped.Add(1)
		r.logger.Warn("Recorder queue full, dropped oldest write",
			"op", old.name,
			"session_id", old.sessionID,
			"queue_len", len(r.queue))
	default:
	}

	select {
	case r.queue <- op:
	default:
		r.dropped.Add(1)
		r.logger.Warn("Recorder failed to queue after backpressure",
			"op", op.name,
			"session_id", op.sessionID)
	}
}

func (r *Recorder) process() {
	defer close(r.done)

	for op := range r.queue {
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), recorderOpTimeout)
		err := op.apply(ctx, r.repo)
		cancel()

		if err != nil {
			r.failed.Add(1)
			r.logger.Error("Recorder write failed",
				"op", op.name,
				"session_id", op.sessionID,
				"error", err)
		}

		if d := time.Since(start); d > slowOpThreshold {
			r.logger.Warn("Slow recorder write",
				"op", op.name,
				"session_id", op.sessionID,
				"duration_ms", d.Milliseconds())
		}
	}
}

// Close stops accepting writes and waits up to timeout for the queue to
// drain.
func (r *Recorder) Close(timeout time.Duration) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pending := len(r.queue)
	close(r.queue)
	r.mu.Unlock()

	r.logger.Info("Recorder closing", "queue_remaining", pending)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		return nil
	case <-timer.C:
		r.logger.Warn("Recorder drain timeout", "queue_remaining", len(r.queue))
		return errors.New("recorder drain timeout")
	}
}

// Stats returns recorder statistics.
func (r *Recorder) Stats() map[string]any {
	return map[string]any{
		"queue_len":      len(r.queue),
		"queue_capacity": cap(r.queue),
		"dropped":        r.dropped.Load(),
		"failed":         r.failed.Load(),
	}
}
