package supervisor

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/ashureev/claude-relay/internal/domain"
	"github.com/ashureev/claude-relay/internal/watchdog"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCrashed    Status = "crashed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCrashed
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusCrashed, StatusCompleted:
		return true
	case StatusActive:
		return from == StatusStarting || from == StatusProcessing
	case StatusProcessing:
		return from == StatusActive
	default:
		return false
	}
}

// Snapshot is a read-only copy of a session's state.
type Snapshot struct {
	ID             string       `json:"id"`
	ExternalID     string       `json:"externalId,omitempty"`
	Owner          string       `json:"owner"`
	Status         Status       `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	MessageCount   int          `json:"messageCount"`
	Config         LaunchConfig `json:"config"`
}

// session owns one CLI process. Fields below mu are guarded by it; emitMu
// serializes event publication so a session's events stay ordered and
// nothing follows its terminal event.
type session struct {
	id        string
	owner     string
	cfg       LaunchConfig
	createdAt time.Time

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	input    chan string
	tail     *tailBuffer
	watchdog *watchdog.Watchdog
	diagDone chan struct{}
	exited   chan struct{}

	emitMu sync.Mutex

	mu           sync.Mutex
	status       Status
	externalID   string
	lastActivity time.Time
	messageCount int
	stats        domain.SessionStats
	ended        bool
	inputClosed  bool
}

func newSession(id, owner string, cfg LaunchConfig) *session {
	now := time.Now()
	return &session{
		id:           id,
		owner:        owner,
		cfg:          cfg,
		createdAt:    now,
		input:        make(chan string, 64),
		tail:         newTailBuffer(defaultTailSize),
		diagDone:     make(chan struct{}),
		exited:       make(chan struct{}),
		status:       StatusStarting,
		lastActivity: now,
	}
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:             s.id,
		ExternalID:     s.externalID,
		Owner:          s.owner,
		Status:         s.status,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		MessageCount:   s.messageCount,
		Config:         s.cfg,
	}
}

// setStatusLocked applies a legal transition and reports whether it changed.
func (s *session) setStatusLocked(to Status) bool {
	if s.status == to || !CanTransition(s.status, to) {
		return false
	}
	s.status = to
	return true
}

func (s *session) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// closeInputLocked stops the input writer. Callers hold mu.
func (s *session) closeInputLocked() {
	if !s.inputClosed {
		s.inputClosed = true
		close(s.input)
	}
}

func (s *session) record() domain.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := domain.SessionRecord{
		ID:           s.id,
		Owner:        s.owner,
		ExternalID:   s.externalID,
		Status:       string(s.status),
		WorkingDir:   s.cfg.WorkingDir,
		Model:        s.cfg.Model,
		MessageCount: s.messageCount,
		InputTokens:  s.stats.InputTokens,
		OutputTokens: s.stats.OutputTokens,
		CostUSD:      s.stats.CostUSD,
		CreatedAt:    s.createdAt,
		UpdatedAt:    time.Now(),
	}
	if s.ended {
		ended := rec.UpdatedAt
		rec.EndedAt = &ended
	}
	return rec
}
