package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
)

// conn is one authenticated WebSocket connection.
type conn struct {
	id     uint64
	userID string
	ws     *websocket.Conn
	send   chan ServerFrame

	lastPing  atomic.Int64 // unix nanos
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id uint64, userID string, ws *websocket.Conn) *conn {
	c := &conn{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan ServerFrame, sendQueueSize),
		closed: make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *conn) touch() {
	c.lastPing.Store(time.Now().UnixNano())
}

func (c *conn) lastSeen() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// enqueue queues f without blocking. A connection that cannot keep up is
// closed so frames are never dropped out of order.
func (c *conn) enqueue(f ServerFrame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		slog.Warn("WebSocket send queue full, closing connection", "conn_id", c.id, "user_id", c.userID)
		go c.close(websocket.StatusTryAgainLater, "too slow")
		return false
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws == nil {
			return
		}
		if err := c.ws.Close(code, reason); err != nil {
			slog.Debug("Failed to close websocket", "conn_id", c.id, "error", err)
		}
	})
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case f := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, f)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write error", "error", c.wrapErr("write", err))
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Hub tracks connections and the sessions each one is subscribed to.
type Hub struct {
	mu     sync.RWMutex
	conns  map[uint64]*conn
	subs   map[string]map[uint64]*conn // session id -> subscribers
	nextID atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[uint64]*conn),
		subs:  make(map[string]map[uint64]*conn),
	}
}

func (h *Hub) register(userID string, ws *websocket.Conn) *conn {
	c := newConn(h.nextID.Add(1), userID, ws)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	slog.Info("WebSocket connection registered", "conn_id", c.id, "user_id", userID)
	return c
}

// unregister drops c and every subscription it holds.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	for sid, set := range h.subs {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.subs, sid)
		}
	}
	slog.Info("WebSocket connection unregistered", "conn_id", c.id, "user_id", c.userID)
}

func (h *Hub) subscribe(c *conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[uint64]*conn)
		h.subs[sessionID] = set
	}
	set[c.id] = c
}

func (h *Hub) unsubscribe(c *conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// Broadcast queues f for every connection subscribed to sessionID and
// returns how many accepted it.
func (h *Hub) Broadcast(sessionID string, f ServerFrame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.subs[sessionID] {
		if c.enqueue(f) {
			n++
		}
	}
	return n
}

// Subscribers returns the number of connections subscribed to sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// stale returns connections not seen since before cutoff.
func (h *Hub) stale(cutoff time.Time) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*conn
	for _, c := range h.conns {
		if c.lastSeen().Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// CloseAll closes every connection.
func (h *Hub) CloseAll(code websocket.StatusCode, reason string) {
	h.mu.RLock()
	all := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.close(code, reason)
		}()
	}
	wg.Wait()
}
