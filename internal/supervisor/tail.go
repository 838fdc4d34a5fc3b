package supervisor

import (
	"sync"
)

const defaultTailSize = 8 * 1024

// tailBuffer keeps the last size bytes written to it. It holds the end of a
// session's diagnostic output for crash reports.
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	head int
	full bool
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = defaultTailSize
	}
	return &tailBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. When full, the oldest bytes are overwritten.
func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= len(t.buf) {
		copy(t.buf, p[n-len(t.buf):])
		t.head = 0
		t.full = true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(t.buf[t.head:], p)
		p = p[c:]
		t.head += c
		if t.head == len(t.buf) {
			t.head = 0
			t.full = true
		}
	}
	return n, nil
}

// String returns the retained bytes in write order.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		return string(t.buf[:t.head])
	}
	return string(t.buf[t.head:]) + string(t.buf[:t.head])
}

// Len returns the number of retained bytes.
func (t *tailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.buf)
	}
	return t.head
}
