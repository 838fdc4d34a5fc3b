// Package stream decodes the newline-delimited JSON output of the CLI into
// classified frames.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
)

// Kind classifies a decoded frame.
type Kind int

const (
	// KindStatus wraps a line that is neither a typed message nor an error.
	KindStatus Kind = iota
	// KindMessage carries a typed CLI message.
	KindMessage
	// KindError wraps a line reporting an error.
	KindError
	// KindIncomplete is a synthesized terminal result.
	KindIncomplete
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	case KindIncomplete:
		return "incomplete"
	default:
		return "status"
	}
}

// Frame is one classified line of output.
type Frame struct {
	Kind    Kind
	Message *Message // set for KindMessage and KindIncomplete
	Text    string   // raw line, or the extracted error text for KindError
}

// Terminal reports whether the frame ends a turn.
func (f Frame) Terminal() bool {
	return f.Message != nil && f.Message.IsResult()
}

// IncompleteFrame wraps a synthesized result in a frame.
func IncompleteFrame(sessionID, reason string) Frame {
	return Frame{Kind: KindIncomplete, Message: NewIncomplete(sessionID, reason)}
}

// Decoder splits arbitrary chunks into lines and classifies each line.
// It is not safe for concurrent use.
type Decoder struct {
	buf   []byte
	lines int
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the pending buffer and returns a frame for every
// line completed by it. A trailing partial line stays buffered.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		frames = append(frames, d.line(d.buf[:i]))
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Flush classifies any buffered partial line as if it were newline-terminated.
func (d *Decoder) Flush() []Frame {
	if len(d.buf) == 0 {
		return nil
	}
	f := d.line(d.buf)
	d.buf = nil
	return []Frame{f}
}

// Reset drops buffered input and counters.
func (d *Decoder) Reset() {
	d.buf = nil
	d.lines = 0
}

// Lines returns the number of lines classified since the last Reset.
func (d *Decoder) Lines() int {
	return d.lines
}

// Buffered returns the size of the pending partial line.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) line(b []byte) Frame {
	d.lines++
	return Classify(bytes.TrimSuffix(b, []byte{'\r'}))
}

// Frames lazily decodes r until EOF or a read error, flushing the final
// partial line.
func Frames(r io.Reader) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		dec := NewDecoder()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, f := range dec.Feed(buf[:n]) {
					if !yield(f) {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.Debug("Stream read ended", "error", err)
				}
				for _, f := range dec.Flush() {
					if !yield(f) {
						return
					}
				}
				return
			}
		}
	}
}

var typedRoles = map[string]bool{
	TypeSystem:    true,
	TypeAssistant: true,
	TypeUser:      true,
	TypeResult:    true,
}

// Classify turns a single line (without its newline) into exactly one frame.
func Classify(line []byte) Frame {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return classifyText(string(line))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return classifyText(string(line))
	}

	typ := rawString(fields["type"])
	if typedRoles[typ] && hasBody(fields) {
		msg, err := decodeMessage(trimmed)
		if err == nil {
			return Frame{Kind: KindMessage, Message: msg, Text: string(line)}
		}
		slog.Debug("Typed frame did not match message shape", "type", typ, "error", err)
		return Frame{Kind: KindStatus, Text: string(line)}
	}

	if _, ok := fields["error"]; ok || typ == "error" {
		return Frame{Kind: KindError, Text: errorText(fields, string(line))}
	}

	if _, ok := fields["result"]; ok {
		msg, err := decodeMessage(trimmed)
		if err == nil {
			msg.Type = TypeResult
			return Frame{Kind: KindMessage, Message: msg, Text: string(line)}
		}
	}

	return Frame{Kind: KindStatus, Text: string(line)}
}

func classifyText(text string) Frame {
	switch {
	case strings.Contains(text, "Error:"), strings.Contains(text, "ERROR"):
		return Frame{Kind: KindError, Text: text}
	default:
		// "Status:" and "Processing" markers and plain text all land here.
		return Frame{Kind: KindStatus, Text: text}
	}
}

func hasBody(fields map[string]json.RawMessage) bool {
	if raw, ok := fields["message"]; ok && len(raw) > 0 && raw[0] == '{' {
		return true
	}
	for _, key := range []string{"content", "result", "text", "subtype"} {
		if rawString(fields[key]) != "" {
			return true
		}
	}
	return false
}

func decodeMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	msg.Raw = append(json.RawMessage(nil), line...)
	return &msg, nil
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func errorText(fields map[string]json.RawMessage, fallback string) string {
	raw := fields["error"]
	if s := rawString(raw); s != "" {
		return s
	}
	var nested struct {
		Message string `json:"message"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &nested) == nil && nested.Message != "" {
		return nested.Message
	}
	if s := rawString(fields["message"]); s != "" {
		return s
	}
	return fallback
}
