package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/claude-relay/internal/stream"
	"github.com/ashureev/claude-relay/internal/supervisor"
)

// Client frame types.
const (
	TypeMessage      = "message"
	TypeSlashCommand = "slash_command"
	TypeStop         = "stop"
	TypePing         = "ping"
)

// Server frame types.
const (
	TypePong       = "pong"
	TypeError      = "error"
	TypeStatus     = "status"
	TypeSessionEnd = "session_end"
)

// Error codes carried by error frames.
const (
	CodeNotFound       = "not_found"
	CodeCapacity       = "capacity"
	CodeInvalidMessage = "invalid_message"
	CodeNotReady       = "not_ready"
	CodeForbidden      = "forbidden"
	CodeRateLimited    = "rate_limited"
	CodeSubprocess     = "subprocess"
	CodeInternal       = "internal"
)

// StatusStopped acknowledges a stop frame to the connection that sent it.
const StatusStopped = "stopped"

const maxSessionIDLen = 128

// ClientFrame is a frame sent by the browser.
type ClientFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	Content   string   `json:"content,omitempty"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
}

// ServerFrame is a frame sent to the browser.
type ServerFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	Status    string          `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProtocolError is a malformed client frame. It is answered on the sending
// connection only.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "invalid message: " + e.Reason
}

// DecodeClientFrame parses and validates one client frame.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, &ProtocolError{Reason: "malformed JSON"}
	}

	switch f.Type {
	case TypePing:
		return f, nil
	case TypeMessage, TypeSlashCommand, TypeStop:
	case "":
		return f, &ProtocolError{Reason: "missing type"}
	default:
		return f, &ProtocolError{Reason: fmt.Sprintf("unknown type %q", f.Type)}
	}

	f.SessionID = strings.TrimSpace(f.SessionID)
	if f.SessionID == "" {
		return f, &ProtocolError{Reason: "missing sessionId"}
	}
	if len(f.SessionID) > maxSessionIDLen {
		return f, &ProtocolError{Reason: "sessionId too long"}
	}

	switch f.Type {
	case TypeMessage:
		if strings.TrimSpace(f.Content) == "" {
			return f, &ProtocolError{Reason: "missing content"}
		}
	case TypeSlashCommand:
		if strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(f.Command), "/")) == "" {
			return f, &ProtocolError{Reason: "missing command"}
		}
	}
	return f, nil
}

func newFrame(typ, sessionID string) ServerFrame {
	return ServerFrame{Type: typ, SessionID: sessionID, Timestamp: time.Now()}
}

func errorFrame(sessionID, code, msg string) ServerFrame {
	f := newFrame(TypeError, sessionID)
	f.Code = code
	f.Error = msg
	return f
}

// errorCode maps a handler or supervisor error to a wire code.
func errorCode(err error) string {
	var protoErr *ProtocolError
	var capErr *supervisor.CapacityError
	var procErr *supervisor.SubprocessError
	switch {
	case errors.As(err, &protoErr), errors.Is(err, supervisor.ErrEmptyCommand):
		return CodeInvalidMessage
	case errors.Is(err, supervisor.ErrNotFound):
		return CodeNotFound
	case errors.As(err, &capErr):
		return CodeCapacity
	case errors.Is(err, supervisor.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, supervisor.ErrNotReady):
		return CodeNotReady
	case errors.As(err, &procErr):
		return CodeSubprocess
	default:
		return CodeInternal
	}
}

// frameFromEvent translates a supervisor event to its wire form.
func frameFromEvent(ev supervisor.Event) ServerFrame {
	switch ev.Type {
	case supervisor.EventStatus:
		f := newFrame(TypeStatus, ev.SessionID)
		f.Status = string(ev.Status)
		f.Timestamp = ev.Timestamp
		return f
	case supervisor.EventSessionEnd:
		f := newFrame(TypeSessionEnd, ev.SessionID)
		f.Status = string(ev.Status)
		f.Reason = ev.Reason
		if ev.Err != nil {
			f.Error = ev.Err.Error()
		}
		f.Timestamp = ev.Timestamp
		return f
	case supervisor.EventError:
		msg := "unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		f := errorFrame(ev.SessionID, errorCode(ev.Err), msg)
		f.Timestamp = ev.Timestamp
		return f
	}

	var f ServerFrame
	switch {
	case ev.Frame == nil:
		f = newFrame(TypeMessage, ev.SessionID)
	case ev.Frame.Kind == stream.KindError:
		f = errorFrame(ev.SessionID, CodeSubprocess, ev.Frame.Text)
	default:
		f = newFrame(TypeMessage, ev.SessionID)
		f.Message = messagePayload(*ev.Frame)
	}
	f.Timestamp = ev.Timestamp
	return f
}

type statusText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func messagePayload(fr stream.Frame) json.RawMessage {
	if fr.Message != nil {
		if len(fr.Message.Raw) > 0 {
			return fr.Message.Raw
		}
		if data, err := json.Marshal(fr.Message); err == nil {
			return data
		}
	}
	data, _ := json.Marshal(statusText{Type: "status_text", Text: fr.Text})
	return data
}
