// Package supervisor runs one CLI process per web session and turns its
// output into session events.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/claude-relay/internal/domain"
	"github.com/ashureev/claude-relay/internal/stream"
	"github.com/ashureev/claude-relay/internal/watchdog"
	"github.com/google/uuid"
)

const (
	defaultMaxSessions       = 10
	defaultCompletionTimeout = 30 * time.Second
	defaultKillGrace         = 5 * time.Second
	maxEndedEntries          = 1024
)

// Reasons attached to session_end events.
const (
	ReasonResult            = "result"
	ReasonCompletionTimeout = "completion_timeout"
	ReasonKilled            = "killed"
	ReasonExited            = "exited"
	ReasonSpawnFailed       = "spawn_failed"
)

// Recorder receives persistence side-channel updates. Implementations must
// not block and must swallow their own errors.
type Recorder interface {
	SaveSession(rec domain.SessionRecord)
	RecordMessage(sessionID, role, content string, metadata map[string]any)
	UpdateSessionStats(sessionID string, stats domain.SessionStats)
	LogActivity(sessionID, action string, details map[string]any)
}

type nopRecorder struct{}

func (nopRecorder) SaveSession(domain.SessionRecord)                      {}
func (nopRecorder) RecordMessage(string, string, string, map[string]any) {}
func (nopRecorder) UpdateSessionStats(string, domain.SessionStats)        {}
func (nopRecorder) LogActivity(string, string, map[string]any)            {}

// History looks up persisted sessions so ownership and resume ids survive a
// restart. GetSession returns nil, nil for an unknown id.
type History interface {
	GetSession(ctx context.Context, id string) (*domain.SessionRecord, error)
}

// Options configures a Supervisor.
type Options struct {
	CLIPath           string
	MaxSessions       int
	CompletionTimeout time.Duration
	KillGrace         time.Duration
	Defaults          LaunchConfig
	Env               []string // inherited environment, os.Environ() when nil
	Recorder          Recorder
	History           History // optional
	Logger            *slog.Logger
}

// CreateRequest asks for a new session. An empty ID is replaced by a UUID.
type CreateRequest struct {
	ID     string
	Owner  string
	Config LaunchConfig
}

// Supervisor owns the live session table. Only its methods mutate it.
type Supervisor struct {
	opts Options
	bus  *Bus
	rec  Recorder
	log  *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	running   map[*session]struct{}
	ended     map[string]endedSession
	closed    bool

	procs sync.WaitGroup
}

// endedSession remembers who ran an id and which CLI conversation it
// produced, so only that owner can re-create it.
type endedSession struct {
	owner      string
	externalID string
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.CLIPath == "" {
		opts.CLIPath = "claude"
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = defaultCompletionTimeout
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		opts:      opts,
		bus:       NewBus(),
		rec:       rec,
		log:       logger,
		sessions:  make(map[string]*session),
		running:   make(map[*session]struct{}),
		ended:     make(map[string]endedSession),
	}
}

// Subscribe returns a channel of all session events.
func (s *Supervisor) Subscribe(buffer int) (<-chan Event, func()) {
	return s.bus.Subscribe(buffer)
}

// CreateSession validates the config, reserves the id and spawns the CLI.
// Spawn failures are returned and also published as a crashed session.
func (s *Supervisor) CreateSession(ctx context.Context, req CreateRequest) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	cfg := req.Config.WithDefaults(s.opts.Defaults)
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	stored, err := s.storedSession(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrShuttingDown
	}
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if len(s.sessions) >= s.opts.MaxSessions {
		s.mu.Unlock()
		return Snapshot{}, &CapacityError{Limit: s.opts.MaxSessions}
	}
	prev, ok := s.ended[id]
	if !ok && stored != nil {
		prev, ok = endedSession{owner: stored.Owner, externalID: stored.ExternalID}, true
	}
	if ok {
		if prev.owner != req.Owner {
			s.mu.Unlock()
			return Snapshot{}, fmt.Errorf("%w: %s", ErrForbidden, id)
		}
		if cfg.Resume == "" && !cfg.Continue {
			cfg.Resume = prev.externalID
		}
	}
	sess := newSession(id, req.Owner, cfg)
	sess.watchdog = watchdog.New(s.opts.CompletionTimeout, func() { s.onWatchdog(sess) })
	s.sessions[id] = sess
	s.procs.Add(1)
	s.mu.Unlock()

	ev := newEvent(EventStatus, id)
	ev.Status = StatusStarting
	s.emit(sess, ev)
	s.rec.LogActivity(id, "session_created", map[string]any{
		"owner":       req.Owner,
		"working_dir": cfg.WorkingDir,
		"model":       cfg.Model,
		"auth_type":   string(cfg.Auth.Type),
		"resume":      cfg.Resume,
	})

	if err := s.spawn(sess); err != nil {
		s.procs.Done()
		s.log.Error("Failed to spawn CLI", "session_id", id, "error", err)
		s.finish(sess, StatusCrashed, ReasonSpawnFailed, err)
		return Snapshot{}, err
	}

	s.log.Info("Session started", "session_id", id, "owner", req.Owner, "working_dir", cfg.WorkingDir, "resume", cfg.Resume)
	return sess.snapshot(), nil
}

func (s *Supervisor) storedSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	if s.opts.History == nil {
		return nil, nil
	}
	rec, err := s.opts.History.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("look up session %s: %w", id, err)
	}
	return rec, nil
}

func (s *Supervisor) spawn(sess *session) error {
	cmd := exec.Command(s.opts.CLIPath, BuildArgs(sess.cfg)...)
	cmd.Dir = sess.cfg.WorkingDir
	cmd.Env = BuildEnv(s.opts.Env, sess.cfg.Auth)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SubprocessError{Op: "spawn", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SubprocessError{Op: "spawn", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &SubprocessError{Op: "spawn", Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return &SubprocessError{Op: "spawn", Err: err}
	}

	sess.mu.Lock()
	sess.cmd = cmd
	sess.stdin = stdin
	killedEarly := sess.ended
	changed := sess.setStatusLocked(StatusActive)
	sess.mu.Unlock()

	s.mu.Lock()
	s.running[sess] = struct{}{}
	s.mu.Unlock()

	go s.writeInput(sess)
	go s.readDiagnostics(sess, stderr)
	go s.readOutput(sess, stdout)

	if killedEarly {
		go s.terminate(sess)
		return nil
	}

	sess.watchdog.Arm()
	if changed {
		ev := newEvent(EventStatus, sess.id)
		ev.Status = StatusActive
		s.emit(sess, ev)
	}
	s.rec.SaveSession(sess.record())
	return nil
}

// SendMessage queues text as one input line for the session's process.
// Write failures are published as error events.
func (s *Supervisor) SendMessage(id, text string) error {
	sess := s.lookup(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sess.mu.Lock()
	if sess.ended || sess.inputClosed {
		sess.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sess.status != StatusActive && sess.status != StatusProcessing {
		status := sess.status
		sess.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotReady, status)
	}
	select {
	case sess.input <- text + "\n":
	default:
		sess.mu.Unlock()
		return fmt.Errorf("%w: input queue full", ErrNotReady)
	}
	sess.messageCount++
	sess.lastActivity = time.Now()
	sess.mu.Unlock()

	// Input counts as activity for the completion timeout.
	sess.watchdog.Arm()
	s.rec.RecordMessage(id, domain.RoleUser, text, nil)
	return nil
}

// ExecuteSlashCommand sends "/command arg1 arg2" to the session.
func (s *Supervisor) ExecuteSlashCommand(id, command string, args []string) error {
	command = strings.TrimPrefix(strings.TrimSpace(command), "/")
	if command == "" {
		return ErrEmptyCommand
	}
	line := "/" + command
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	return s.SendMessage(id, line)
}

// KillSession removes the session immediately, publishes its end and
// terminates the process in the background: SIGTERM, then SIGKILL after the
// grace period.
func (s *Supervisor) KillSession(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sess.watchdog.Disarm()
	if s.finish(sess, StatusCompleted, ReasonKilled, nil) {
		s.log.Info("Session killed", "session_id", id)
	}
	go s.terminate(sess)
	return nil
}

// Get returns a snapshot of a live session.
func (s *Supervisor) Get(id string) (Snapshot, bool) {
	sess := s.lookup(id)
	if sess == nil {
		return Snapshot{}, false
	}
	return sess.snapshot(), true
}

// List returns snapshots of all live sessions, oldest first.
func (s *Supervisor) List() []Snapshot {
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown kills every live session and waits for their processes until ctx
// expires, then force-kills whatever is left. The event bus is closed last.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	s.log.Info("Shutting down sessions", "count", len(ids))
	for _, id := range ids {
		if err := s.KillSession(id); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warn("Failed to kill session during shutdown", "session_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.procs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown deadline exceeded: %w", ctx.Err())
		s.mu.Lock()
		for sess := range s.running {
			if killErr := killProcess(sess.cmd); killErr != nil {
				s.log.Warn("Failed to force-kill CLI", "session_id", sess.id, "error", killErr)
			}
		}
		s.mu.Unlock()
	}

	s.bus.Close()
	return err
}

func (s *Supervisor) lookup(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Supervisor) remove(sess *session, externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.id]; ok && cur == sess {
		delete(s.sessions, sess.id)
	}
	if _, ok := s.ended[sess.id]; !ok && len(s.ended) >= maxEndedEntries {
		for k := range s.ended {
			delete(s.ended, k)
			break
		}
	}
	s.ended[sess.id] = endedSession{owner: sess.owner, externalID: externalID}
}

// emit publishes ev unless the session already ended.
func (s *Supervisor) emit(sess *session, ev Event) {
	sess.emitMu.Lock()
	defer sess.emitMu.Unlock()
	if sess.isEnded() {
		return
	}
	s.bus.Publish(ev)
}

func (s *Supervisor) readOutput(sess *session, stdout io.Reader) {
	defer s.procs.Done()

	for frame := range stream.Frames(stdout) {
		s.handleFrame(sess, frame)
	}

	<-sess.diagDone
	err := sess.cmd.Wait()
	close(sess.exited)

	s.mu.Lock()
	delete(s.running, sess)
	s.mu.Unlock()

	s.handleExit(sess, err)
}

func (s *Supervisor) readDiagnostics(sess *session, stderr io.Reader) {
	defer close(sess.diagDone)

	for frame := range stream.Frames(io.TeeReader(stderr, sess.tail)) {
		if strings.TrimSpace(frame.Text) == "" {
			continue
		}
		s.log.Debug("CLI stderr", "session_id", sess.id, "line", frame.Text)
		// Diagnostic output never drives the lifecycle.
		if frame.Kind != stream.KindError {
			frame = stream.Frame{Kind: stream.KindStatus, Text: frame.Text}
		}
		sess.mu.Lock()
		sess.lastActivity = time.Now()
		sess.mu.Unlock()
		ev := newEvent(EventMessage, sess.id)
		ev.Frame = &frame
		s.emit(sess, ev)
	}
}

func (s *Supervisor) writeInput(sess *session) {
	defer func() {
		if err := sess.stdin.Close(); err != nil {
			s.log.Debug("Failed to close CLI stdin", "session_id", sess.id, "error", err)
		}
	}()

	for line := range sess.input {
		if _, err := io.WriteString(sess.stdin, line); err != nil {
			s.log.Warn("Failed to write to CLI stdin", "session_id", sess.id, "error", err)
			ev := newEvent(EventError, sess.id)
			ev.Err = &SubprocessError{Op: "write", Err: err}
			s.emit(sess, ev)
		}
	}
}

func (s *Supervisor) handleFrame(sess *session, f stream.Frame) {
	if f.Kind == stream.KindStatus && strings.TrimSpace(f.Text) == "" {
		return
	}

	sess.emitMu.Lock()
	defer sess.emitMu.Unlock()

	sess.mu.Lock()
	if sess.ended {
		sess.mu.Unlock()
		s.log.Debug("Dropping frame after session end", "session_id", sess.id, "kind", f.Kind.String())
		return
	}
	sess.lastActivity = time.Now()
	prev := sess.status
	captured := false
	if msg := f.Message; msg != nil {
		if msg.IsInit() && sess.externalID == "" {
			sess.externalID = msg.SessionID
			captured = true
		}
		switch {
		case msg.IsResult():
			in, out := msg.Tokens()
			sess.stats.Add(in, out, msg.TotalCostUSD)
		case msg.Type != stream.TypeSystem:
			sess.setStatusLocked(StatusProcessing)
			if msg.Message != nil && msg.Message.StopReason == "end_turn" {
				sess.setStatusLocked(StatusActive)
			}
		}
	}
	status := sess.status
	stats := sess.stats
	stats.MessageCount = sess.messageCount
	sess.mu.Unlock()

	switch f.Kind {
	case stream.KindMessage:
		if !f.Terminal() {
			sess.watchdog.Arm()
		}
	case stream.KindStatus, stream.KindError:
		s.log.Debug("Degraded CLI output frame", "error", &StreamError{SessionID: sess.id, Kind: f.Kind.String(), Line: f.Text})
	}

	ev := newEvent(EventMessage, sess.id)
	ev.Frame = &f
	s.bus.Publish(ev)

	if status != prev {
		ev := newEvent(EventStatus, sess.id)
		ev.Status = status
		s.bus.Publish(ev)
	}

	if captured {
		s.log.Info("Captured CLI session id", "session_id", sess.id, "external_id", f.Message.SessionID)
		s.rec.SaveSession(sess.record())
	}
	s.recordFrame(sess.id, f, stats)

	if f.Terminal() {
		reason := ReasonResult
		if f.Kind == stream.KindIncomplete {
			reason = f.Message.Reason
		}
		if s.finishLocked(sess, StatusCompleted, reason, nil) {
			go s.terminate(sess)
		}
	}
}

func (s *Supervisor) recordFrame(id string, f stream.Frame, stats domain.SessionStats) {
	msg := f.Message
	if msg == nil {
		return
	}
	if text := msg.Text(); text != "" {
		meta := map[string]any{"type": msg.Type}
		if msg.Subtype != "" {
			meta["subtype"] = msg.Subtype
		}
		if msg.IsResult() {
			meta["cost_usd"] = msg.TotalCostUSD
			meta["duration_ms"] = msg.DurationMS
			meta["is_error"] = msg.IsError
		}
		s.rec.RecordMessage(id, msg.Role(), text, meta)
	}
	if msg.IsResult() {
		s.rec.UpdateSessionStats(id, stats)
	}
}

func (s *Supervisor) onWatchdog(sess *session) {
	sess.mu.Lock()
	ext := sess.externalID
	sess.mu.Unlock()

	s.log.Warn("No completion frame before timeout, synthesizing result",
		"session_id", sess.id,
		"timeout", s.opts.CompletionTimeout)
	s.handleFrame(sess, stream.IncompleteFrame(ext, ReasonCompletionTimeout))
}

func (s *Supervisor) handleExit(sess *session, err error) {
	if err == nil {
		if s.finish(sess, StatusCompleted, ReasonExited, nil) {
			s.log.Info("CLI exited cleanly", "session_id", sess.id)
		}
		return
	}

	perr := &SubprocessError{Op: "exit", ExitCode: -1, Stderr: sess.tail.String(), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		perr.ExitCode = exitErr.ExitCode()
		perr.Signal = exitSignal(exitErr)
	}
	if s.finish(sess, StatusCrashed, ReasonExited, perr) {
		s.log.Warn("CLI exited unexpectedly", "session_id", sess.id, "exit_code", perr.ExitCode, "signal", perr.Signal)
	}
}

func (s *Supervisor) finish(sess *session, status Status, reason string, cause error) bool {
	sess.emitMu.Lock()
	defer sess.emitMu.Unlock()
	return s.finishLocked(sess, status, reason, cause)
}

// finishLocked moves the session to a terminal status exactly once. Callers
// hold emitMu.
func (s *Supervisor) finishLocked(sess *session, status Status, reason string, cause error) bool {
	sess.mu.Lock()
	if sess.ended {
		sess.mu.Unlock()
		return false
	}
	sess.ended = true
	sess.status = status
	sess.closeInputLocked()
	ext := sess.externalID
	sess.mu.Unlock()

	sess.watchdog.Disarm()
	s.remove(sess, ext)

	if cause != nil {
		ev := newEvent(EventError, sess.id)
		ev.Err = cause
		s.bus.Publish(ev)
	}
	ev := newEvent(EventSessionEnd, sess.id)
	ev.Status = status
	ev.Reason = reason
	ev.Err = cause
	s.bus.Publish(ev)

	details := map[string]any{"status": string(status), "reason": reason}
	if cause != nil {
		details["error"] = cause.Error()
	}
	s.rec.SaveSession(sess.record())
	s.rec.LogActivity(sess.id, "session_ended", details)
	return true
}

// terminate stops the process: SIGTERM, then SIGKILL once the grace period
// passes without an exit.
func (s *Supervisor) terminate(sess *session) {
	sess.mu.Lock()
	cmd := sess.cmd
	sess.mu.Unlock()
	if cmd == nil {
		return
	}

	select {
	case <-sess.exited:
		return
	default:
	}

	if err := terminateProcess(cmd); err != nil {
		s.log.Warn("Failed to signal CLI", "session_id", sess.id, "error", err)
	}

	timer := time.NewTimer(s.opts.KillGrace)
	defer timer.Stop()
	select {
	case <-sess.exited:
	case <-timer.C:
		s.log.Warn("CLI still running after grace period, killing", "session_id", sess.id, "grace", s.opts.KillGrace)
		if err := killProcess(cmd); err != nil {
			s.log.Warn("Failed to kill CLI", "session_id", sess.id, "error", err)
		}
	}
}
