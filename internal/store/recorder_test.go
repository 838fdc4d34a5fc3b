package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/claude-relay/internal/domain"
)

// fakeRepo records calls and can block writes until released.
type fakeRepo struct {
	Repository

	mu       sync.Mutex
	sessions []domain.SessionRecord
	messages []string
	stats    map[string]domain.SessionStats
	actions  []string
	gate     chan struct{}
	err      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{stats: make(map[string]domain.SessionStats)}
}

func (f *fakeRepo) wait() {
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeRepo) UpsertSession(_ context.Context, rec *domain.SessionRecord) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, *rec)
	return f.err
}

func (f *fakeRepo) RecordMessage(_ context.Context, msg *domain.StoredMessage) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg.Content)
	return f.err
}

func (f *fakeRepo) UpdateSessionStats(_ context.Context, id string, stats domain.SessionStats) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[id] = stats
	return f.err
}

func (f *fakeRepo) LogActivity(_ context.Context, act *domain.Activity) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, act.Action)
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorder_AppliesInOrder(t *testing.T) {
	repo := newFakeRepo()
	r := NewRecorder(repo, 16, discardLogger())

	r.SaveSession(domain.SessionRecord{ID: "s1", Status: "starting"})
	r.RecordMessage("s1", domain.RoleUser, "hello", nil)
	r.RecordMessage("s1", domain.RoleAssistant, "hi", map[string]any{"type": "assistant"})
	r.UpdateSessionStats("s1", domain.SessionStats{MessageCount: 1})
	r.LogActivity("s1", "session_created", nil)

	if err := r.Close(time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.sessions) != 1 || repo.sessions[0].ID != "s1" {
		t.Errorf("Expected one saved session, got %+v", repo.sessions)
	}
	if len(repo.messages) != 2 || repo.messages[0] != "hello" || repo.messages[1] != "hi" {
		t.Errorf("Expected [hello hi], got %v", repo.messages)
	}
	if repo.stats["s1"].MessageCount != 1 {
		t.Errorf("Expected stats to be written, got %+v", repo.stats["s1"])
	}
	if len(repo.actions) != 1 {
		t.Errorf("Expected one activity, got %v", repo.actions)
	}
}

func TestRecorder_DropsOldestWhenFull(t *testing.T) {
	repo := newFakeRepo()
	repo.gate = make(chan struct{})
	r := NewRecorder(repo, 2, discardLogger())

	// The worker picks up the first write and blocks on the gate.
	r.RecordMessage("s1", domain.RoleUser, "m0", nil)
	deadline := time.Now().Add(time.Second)
	for len(r.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for _, c := range []string{"m1", "m2", "m3", "m4"} {
		r.RecordMessage("s1", domain.RoleUser, c, nil)
	}

	if got := r.Stats()["dropped"].(int64); got != 2 {
		t.Errorf("Expected 2 dropped writes, got %d", got)
	}

	close(repo.gate)
	if err := r.Close(time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	want := []string{"m0", "m3", "m4"}
	if len(repo.messages) != len(want) {
		t.Fatalf("Expected %v, got %v", want, repo.messages)
	}
	for i := range want {
		if repo.messages[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, repo.messages)
			break
		}
	}
}

func TestRecorder_SwallowsErrors(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("disk full")
	r := NewRecorder(repo, 4, discardLogger())

	r.LogActivity("s1", "session_created", nil)
	r.LogActivity("s1", "session_ended", nil)
	if err := r.Close(time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := r.Stats()["failed"].(int64); got != 2 {
		t.Errorf("Expected 2 failed writes, got %d", got)
	}
}

func TestRecorder_CloseIsIdempotentAndDropsLateWrites(t *testing.T) {
	repo := newFakeRepo()
	r := NewRecorder(repo, 4, discardLogger())

	if err := r.Close(time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(time.Second); err != nil {
		t.Errorf("Expected second Close to succeed, got %v", err)
	}

	r.LogActivity("s1", "late", nil)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.actions) != 0 {
		t.Errorf("Expected late write to be dropped, got %v", repo.actions)
	}
}

func TestRecorder_CloseTimeout(t *testing.T) {
	repo := newFakeRepo()
	repo.gate = make(chan struct{})
	defer close(repo.gate)
	r := NewRecorder(repo, 4, discardLogger())

	r.LogActivity("s1", "stuck", nil)
	if err := r.Close(20 * time.Millisecond); err == nil {
		t.Error("Expected drain timeout error")
	}
}

func TestRecorder_WithSQLite(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(s, 16, discardLogger())
	now := time.Now()

	r.SaveSession(domain.SessionRecord{ID: "s1", Owner: "alice", Status: "active", CreatedAt: now, UpdatedAt: now})
	r.RecordMessage("s1", domain.RoleUser, "hello", nil)
	r.UpdateSessionStats("s1", domain.SessionStats{MessageCount: 1, InputTokens: 10})
	if err := r.Close(5 * time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()
	rec, err := s.GetSession(ctx, "s1")
	if err != nil || rec == nil {
		t.Fatalf("Expected persisted session, got %v, %v", rec, err)
	}
	if rec.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", rec.InputTokens)
	}
	msgs, err := s.ListMessages(ctx, "s1", 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Expected one message, got %d (%v)", len(msgs), err)
	}
}
