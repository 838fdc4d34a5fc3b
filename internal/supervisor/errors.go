package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for operations on an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose id is live.
	ErrSessionExists = errors.New("session already exists")
	// ErrForbidden is returned when re-creating an id that another owner ran.
	ErrForbidden = errors.New("session belongs to another user")
	// ErrNotReady is returned when a session cannot accept input yet or anymore.
	ErrNotReady = errors.New("session not ready")
	// ErrInvalidConfig is returned when a launch configuration is rejected.
	ErrInvalidConfig = errors.New("invalid launch config")
	// ErrShuttingDown is returned by CreateSession once Shutdown has started.
	ErrShuttingDown = errors.New("supervisor shutting down")
	// ErrEmptyCommand is returned for a slash command without a name.
	ErrEmptyCommand = errors.New("empty slash command")
)

// CapacityError is returned when the live session ceiling is reached.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session limit reached (%d)", e.Limit)
}

// SubprocessError describes a spawn, write, kill or unexpected exit failure.
type SubprocessError struct {
	Op       string // spawn, write, kill, exit
	ExitCode int
	Signal   string
	Stderr   string
	Err      error
}

func (e *SubprocessError) Error() string {
	var b strings.Builder
	b.WriteString("subprocess ")
	b.WriteString(e.Op)
	switch {
	case e.Signal != "":
		fmt.Fprintf(&b, ": terminated by %s", e.Signal)
	case e.Op == "exit":
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if e.Err != nil && e.Op != "exit" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Stderr != "" {
		b.WriteString(": ")
		b.WriteString(lastLine(e.Stderr))
	}
	return b.String()
}

func (e *SubprocessError) Unwrap() error {
	return e.Err
}

// StreamError reports an output line that did not decode as a typed frame.
// It is soft: the line still reaches subscribers as a status or error frame.
type StreamError struct {
	SessionID string
	Kind      string
	Line      string
}

func (e *StreamError) Error() string {
	line := e.Line
	if len(line) > 200 {
		line = line[:200] + "..."
	}
	return fmt.Sprintf("session %s: untyped %s output: %s", e.SessionID, e.Kind, line)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
