package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Message types emitted by the CLI in stream-json mode.
const (
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeUser      = "user"
	TypeResult    = "result"
)

// SubtypeInit marks the first system frame; it carries the CLI's session id.
const SubtypeInit = "init"

// SubtypeIncomplete marks a result synthesized when the CLI never sent one.
const SubtypeIncomplete = "incomplete"

// Message is one typed line of CLI output.
type Message struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	Message      *Body   `json:"message,omitempty"`
	Content      string  `json:"content,omitempty"`
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	Incomplete   bool    `json:"incomplete,omitempty"`
	Reason       string  `json:"reason,omitempty"`

	// Raw is the original line, forwarded to clients untouched.
	Raw json.RawMessage `json:"-"`
}

// Body is the nested message of assistant and user frames.
type Body struct {
	ID         string  `json:"id,omitempty"`
	Role       string  `json:"role,omitempty"`
	Model      string  `json:"model,omitempty"`
	Content    Content `json:"content,omitempty"`
	StopReason string  `json:"stop_reason,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// Usage is the token accounting attached to assistant and result frames.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ContentKind discriminates ContentItem variants.
type ContentKind int

const (
	ContentOther ContentKind = iota
	ContentText
	ContentToolUse
	ContentToolResult
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentToolUse:
		return "tool_use"
	case ContentToolResult:
		return "tool_result"
	default:
		return "other"
	}
}

// ContentItem is one entry of a message body. Only the fields of its
// variant are populated.
type ContentItem struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Output    json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Kind returns the variant of the item.
func (c ContentItem) Kind() ContentKind {
	switch c.Type {
	case "text":
		return ContentText
	case "tool_use":
		return ContentToolUse
	case "tool_result":
		return ContentToolResult
	default:
		return ContentOther
	}
}

// Content accepts both the array form and the bare string form the CLI
// uses for user prompts.
type Content []ContentItem

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{{Type: "text", Text: s}}
		return nil
	}
	var items []ContentItem
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*c = items
	return nil
}

// IsInit reports whether m is the system init frame carrying the CLI session id.
func (m *Message) IsInit() bool {
	return m.Type == TypeSystem && m.Subtype == SubtypeInit && m.SessionID != ""
}

// IsResult reports whether m terminates a turn.
func (m *Message) IsResult() bool {
	return m.Type == TypeResult
}

// Role returns the author role of the message.
func (m *Message) Role() string {
	if m.Message != nil && m.Message.Role != "" {
		return m.Message.Role
	}
	return m.Type
}

// Text concatenates all textual content of the message.
func (m *Message) Text() string {
	if m.Result != "" {
		return m.Result
	}
	if m.Content != "" {
		return m.Content
	}
	if m.Message == nil {
		return ""
	}
	var parts []string
	for _, item := range m.Message.Content {
		if item.Kind() == ContentText && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Tokens returns input and output token counts, preferring the top-level usage.
func (m *Message) Tokens() (in, out int64) {
	u := m.Usage
	if u == nil && m.Message != nil {
		u = m.Message.Usage
	}
	if u == nil {
		return 0, 0
	}
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens, u.OutputTokens
}

// NewIncomplete builds the result message used when the CLI stops without
// emitting its own.
func NewIncomplete(sessionID, reason string) *Message {
	m := &Message{
		Type:       TypeResult,
		Subtype:    SubtypeIncomplete,
		SessionID:  sessionID,
		Incomplete: true,
		Reason:     reason,
	}
	raw, err := json.Marshal(m)
	if err == nil {
		m.Raw = raw
	}
	return m
}
