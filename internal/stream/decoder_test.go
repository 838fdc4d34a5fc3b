package stream

import (
	"bytes"
	"strings"
	"testing"
)

const sampleStream = `{"type":"system","subtype":"init","session_id":"ext-123","tools":["Bash"]}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"file.go"}]}}
Processing request...
{ invalid json }
Error: something broke
{"type":"result","subtype":"success","result":"done","total_cost_usd":0.012,"usage":{"input_tokens":10,"output_tokens":5}}
`

func feedAll(chunks [][]byte) []Frame {
	dec := NewDecoder()
	var frames []Frame
	for _, c := range chunks {
		frames = append(frames, dec.Feed(c)...)
	}
	return append(frames, dec.Flush()...)
}

func sameFrames(t *testing.T, want, got []Frame) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("Expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if want[i].Kind != got[i].Kind || want[i].Text != got[i].Text {
			t.Errorf("Frame %d: expected %v %q, got %v %q", i, want[i].Kind, want[i].Text, got[i].Kind, got[i].Text)
		}
	}
}

func TestDecoder_ChunkBoundaryInsensitive(t *testing.T) {
	data := []byte(sampleStream)
	want := feedAll([][]byte{data})
	if len(want) != 7 {
		t.Fatalf("Expected 7 frames from sample stream, got %d", len(want))
	}

	for size := 1; size <= 17; size++ {
		var chunks [][]byte
		for i := 0; i < len(data); i += size {
			end := min(i+size, len(data))
			chunks = append(chunks, data[i:end])
		}
		sameFrames(t, want, feedAll(chunks))
	}

	// Every two-way split point.
	for i := 0; i <= len(data); i++ {
		sameFrames(t, want, feedAll([][]byte{data[:i], data[i:]}))
	}
}

func TestDecoder_SplitMidLine(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}` + "\n"
	dec := NewDecoder()

	if frames := dec.Feed([]byte(line[:20])); len(frames) != 0 {
		t.Fatalf("Expected no frames for partial line, got %d", len(frames))
	}
	frames := dec.Feed([]byte(line[20:]))
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}
	if frames[0].Kind != KindMessage {
		t.Fatalf("Expected message frame, got %v", frames[0].Kind)
	}
	if got := frames[0].Message.Text(); got != "hi" {
		t.Errorf("Expected text hi, got %q", got)
	}
}

func TestDecoder_InvalidJSON(t *testing.T) {
	dec := NewDecoder()
	frames := dec.Feed([]byte("{ invalid json }\n"))
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}
	if frames[0].Kind != KindStatus {
		t.Errorf("Expected status frame, got %v", frames[0].Kind)
	}
	if frames[0].Text != "{ invalid json }" {
		t.Errorf("Expected raw line, got %q", frames[0].Text)
	}
}

func TestDecoder_MalformedLinesYieldOneFrame(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"not json at all",
		`{"type":"assistant","message":{"content":[`,
		`{"type":`,
		"}",
		`[1,2,3]`,
		`{"type":"assistant","message":{"content":42}}`,
		"\x00\xff",
	}
	for _, l := range lines {
		dec := NewDecoder()
		frames := append(dec.Feed([]byte(l+"\n")), dec.Flush()...)
		if len(frames) != 1 {
			t.Errorf("Line %q: expected 1 frame, got %d", l, len(frames))
		}
	}
}

func TestDecoder_FlushResidual(t *testing.T) {
	dec := NewDecoder()
	if frames := dec.Feed([]byte(`{"type":"result","result":"ok"}`)); len(frames) != 0 {
		t.Fatalf("Expected buffered line, got %d frames", len(frames))
	}
	frames := dec.Flush()
	if len(frames) != 1 || !frames[0].Terminal() {
		t.Fatalf("Expected one terminal frame after flush, got %+v", frames)
	}
	if frames := dec.Flush(); len(frames) != 0 {
		t.Errorf("Expected empty second flush, got %d", len(frames))
	}
}

func TestDecoder_Reset(t *testing.T) {
	dec := NewDecoder()
	dec.Feed([]byte("one\ntw"))
	if dec.Lines() != 1 || dec.Buffered() != 2 {
		t.Fatalf("Expected 1 line and 2 buffered bytes, got %d and %d", dec.Lines(), dec.Buffered())
	}
	dec.Reset()
	if dec.Lines() != 0 || dec.Buffered() != 0 {
		t.Errorf("Expected reset state, got %d lines and %d buffered", dec.Lines(), dec.Buffered())
	}
	frames := dec.Feed([]byte("o\n"))
	if len(frames) != 1 || frames[0].Text != "o" {
		t.Errorf("Expected fresh line after reset, got %+v", frames)
	}
}

func TestDecoder_CRLF(t *testing.T) {
	frames := feedAll([][]byte{[]byte("{\"type\":\"result\",\"result\":\"x\"}\r"), []byte("\nplain\r\n")})
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if frames[0].Kind != KindMessage || frames[1].Text != "plain" {
		t.Errorf("Unexpected frames: %+v", frames)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Kind
	}{
		{"init", `{"type":"system","subtype":"init","session_id":"abc"}`, KindMessage},
		{"assistant", `{"type":"assistant","message":{"content":[{"type":"text","text":"x"}]}}`, KindMessage},
		{"user string content", `{"type":"user","message":{"role":"user","content":"hello"}}`, KindMessage},
		{"result", `{"type":"result","subtype":"success","result":"done"}`, KindMessage},
		{"role without body", `{"type":"assistant"}`, KindStatus},
		{"error field", `{"error":"boom"}`, KindError},
		{"error type", `{"type":"error","error":{"message":"rate limited"}}`, KindError},
		{"result indicator", `{"result":"finished"}`, KindMessage},
		{"unknown json", `{"foo":"bar"}`, KindStatus},
		{"error text", "Error: file not found", KindError},
		{"ERROR text", "[ERROR] bad", KindError},
		{"status text", "Status: thinking", KindStatus},
		{"processing text", "Processing...", KindStatus},
		{"plain text", "hello world", KindStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify([]byte(tt.line))
			if got.Kind != tt.want {
				t.Errorf("Classify(%q) kind = %v, want %v", tt.line, got.Kind, tt.want)
			}
		})
	}
}

func TestClassify_ErrorText(t *testing.T) {
	f := Classify([]byte(`{"type":"error","error":{"message":"rate limited"}}`))
	if f.Text != "rate limited" {
		t.Errorf("Expected nested error message, got %q", f.Text)
	}
	f = Classify([]byte(`{"error":"boom"}`))
	if f.Text != "boom" {
		t.Errorf("Expected error string, got %q", f.Text)
	}
}

func TestClassify_ResultIndicatorNormalized(t *testing.T) {
	f := Classify([]byte(`{"result":"finished"}`))
	if !f.Terminal() {
		t.Fatalf("Expected terminal frame, got %+v", f)
	}
	if f.Message.Text() != "finished" {
		t.Errorf("Expected result text, got %q", f.Message.Text())
	}
}

func TestMessage_InitAndTokens(t *testing.T) {
	f := Classify([]byte(`{"type":"system","subtype":"init","session_id":"ext-9"}`))
	if !f.Message.IsInit() || f.Message.SessionID != "ext-9" {
		t.Errorf("Expected init frame with session id, got %+v", f.Message)
	}

	f = Classify([]byte(`{"type":"assistant","message":{"content":[],"usage":{"input_tokens":3,"cache_read_input_tokens":2,"output_tokens":7}}}`))
	in, out := f.Message.Tokens()
	if in != 5 || out != 7 {
		t.Errorf("Expected tokens 5/7, got %d/%d", in, out)
	}
}

func TestMessage_ContentVariants(t *testing.T) {
	f := Classify([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"a"},{"type":"tool_use","id":"t","name":"Read","input":{}},{"type":"thinking"}]}}`))
	items := f.Message.Message.Content
	want := []ContentKind{ContentText, ContentToolUse, ContentOther}
	if len(items) != len(want) {
		t.Fatalf("Expected %d items, got %d", len(want), len(items))
	}
	for i, k := range want {
		if items[i].Kind() != k {
			t.Errorf("Item %d: expected %v, got %v", i, k, items[i].Kind())
		}
	}
}

func TestFrames_Reader(t *testing.T) {
	var kinds []Kind
	for f := range Frames(strings.NewReader(sampleStream + "trailing")) {
		kinds = append(kinds, f.Kind)
	}
	if len(kinds) != 8 {
		t.Fatalf("Expected 8 frames, got %d", len(kinds))
	}
	if kinds[7] != KindStatus {
		t.Errorf("Expected flushed trailing status frame, got %v", kinds[7])
	}
}

func TestIncompleteFrame(t *testing.T) {
	f := IncompleteFrame("ext-1", "completion_timeout")
	if f.Kind != KindIncomplete || !f.Terminal() {
		t.Fatalf("Expected terminal incomplete frame, got %+v", f)
	}
	if !bytes.Contains(f.Message.Raw, []byte(`"reason":"completion_timeout"`)) {
		t.Errorf("Expected reason in raw payload, got %s", f.Message.Raw)
	}
}
