// Package gateway serves the realtime WebSocket protocol between browsers
// and supervised sessions.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/claude-relay/internal/identity"
	"github.com/ashureev/claude-relay/internal/supervisor"
	"github.com/coder/websocket"
)

const (
	maxFrameBytes   = 1 << 20
	eventBufferSize = 1024
)

// Sessions is the part of the supervisor the gateway drives.
type Sessions interface {
	CreateSession(ctx context.Context, req supervisor.CreateRequest) (supervisor.Snapshot, error)
	SendMessage(id, text string) error
	ExecuteSlashCommand(id, command string, args []string) error
	KillSession(id string) error
	Get(id string) (supervisor.Snapshot, bool)
	Subscribe(buffer int) (<-chan supervisor.Event, func())
}

// Options configures a Handler.
type Options struct {
	AllowedOrigins []string
	IsDev          bool
	RateLimit      int
	RateWindow     time.Duration
}

// Handler upgrades requests to WebSocket connections and relays frames
// between them and the supervisor.
type Handler struct {
	sessions       Sessions
	verifier       identity.Verifier
	hub            *Hub
	limiter        *RateLimiter
	allowedOrigins []string
	isDev          bool

	events      <-chan supervisor.Event
	unsubscribe func()
	closeOnce   sync.Once
}

// NewHandler creates a handler and subscribes it to supervisor events. Run
// must be started to deliver them.
func NewHandler(sessions Sessions, verifier identity.Verifier, hub *Hub, opts Options) *Handler {
	events, unsubscribe := sessions.Subscribe(eventBufferSize)
	return &Handler{
		sessions:       sessions,
		verifier:       verifier,
		hub:            hub,
		limiter:        NewRateLimiter(opts.RateLimit, opts.RateWindow),
		allowedOrigins: opts.AllowedOrigins,
		isDev:          opts.IsDev,
		events:         events,
		unsubscribe:    unsubscribe,
	}
}

// Run fans supervisor events out to subscribed connections until ctx is done
// or the event stream ends.
func (h *Handler) Run(ctx context.Context) {
	slog.Info("Gateway dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.events:
			if !ok {
				slog.Info("Gateway dispatcher stopped")
				return
			}
			h.hub.Broadcast(ev.SessionID, frameFromEvent(ev))
		}
	}
}

// Close stops event delivery and closes every connection. Sessions keep running.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.unsubscribe()
		h.limiter.Stop()
		h.hub.CloseAll(websocket.StatusGoingAway, "server shutting down")
	})
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := identity.IPFromRequest(r)
	token := identity.TokenFromRequest(r)
	slog.Info("WebSocket connection request", "ip", ip)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", ip)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	userID, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		slog.Warn("WebSocket authentication failed", "ip", ip, "error", err)
		if closeErr := ws.Close(websocket.StatusPolicyViolation, "authentication failed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
		return
	}

	c := h.hub.register(userID, ws)
	defer h.hub.unregister(c)
	defer c.close(websocket.StatusNormalClosure, "connection ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	h.readLoop(ctx, c)
	cancel()
	wg.Wait()
	slog.Info("WebSocket connection ended", "conn_id", c.id, "user_id", userID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *Handler) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "conn_id", c.id, "user_id", c.userID)
			} else {
				slog.Warn("WebSocket read error", "error", c.wrapErr("read", err), "user_id", c.userID)
			}
			return
		}
		c.touch()

		frame, err := DecodeClientFrame(data)
		if err != nil {
			slog.Debug("Rejected client frame", "conn_id", c.id, "error", err)
			c.enqueue(errorFrame(frame.SessionID, CodeInvalidMessage, err.Error()))
			continue
		}
		h.dispatch(ctx, c, frame)
	}
}

func (h *Handler) dispatch(ctx context.Context, c *conn, f ClientFrame) {
	switch f.Type {
	case TypePing:
		c.enqueue(newFrame(TypePong, f.SessionID))
	case TypeMessage:
		h.handleMessage(ctx, c, f)
	case TypeSlashCommand:
		h.handleSlashCommand(c, f)
	case TypeStop:
		h.handleStop(c, f)
	}
}

// access reports whether sessionID is live and whether c may drive it.
func (h *Handler) access(c *conn, sessionID string) (live, allowed bool) {
	snap, ok := h.sessions.Get(sessionID)
	if !ok {
		return false, true
	}
	return true, snap.Owner == c.userID
}

func (h *Handler) handleMessage(ctx context.Context, c *conn, f ClientFrame) {
	if !h.limiter.Allow(c.userID) {
		c.enqueue(errorFrame(f.SessionID, CodeRateLimited, "rate limit exceeded"))
		return
	}

	live, allowed := h.access(c, f.SessionID)
	if !allowed {
		h.forbid(c, f.SessionID)
		return
	}

	// Subscribe first so the new session's first events are not missed.
	h.hub.subscribe(c, f.SessionID)
	if !live {
		_, err := h.sessions.CreateSession(ctx, supervisor.CreateRequest{ID: f.SessionID, Owner: c.userID})
		switch {
		case err == nil:
			slog.Info("Session created on first message", "session_id", f.SessionID, "user_id", c.userID)
		case errors.Is(err, supervisor.ErrSessionExists):
			if _, allowed := h.access(c, f.SessionID); !allowed {
				h.hub.unsubscribe(c, f.SessionID)
				h.forbid(c, f.SessionID)
				return
			}
		default:
			var procErr *supervisor.SubprocessError
			if !errors.As(err, &procErr) {
				h.hub.unsubscribe(c, f.SessionID)
			}
			h.fail(c, f.SessionID, err)
			return
		}
	}

	if err := h.sessions.SendMessage(f.SessionID, f.Content); err != nil {
		h.fail(c, f.SessionID, err)
	}
}

func (h *Handler) handleSlashCommand(c *conn, f ClientFrame) {
	if !h.limiter.Allow(c.userID) {
		c.enqueue(errorFrame(f.SessionID, CodeRateLimited, "rate limit exceeded"))
		return
	}

	live, allowed := h.access(c, f.SessionID)
	switch {
	case !allowed:
		h.forbid(c, f.SessionID)
		return
	case !live:
		h.fail(c, f.SessionID, supervisor.ErrNotFound)
		return
	}

	h.hub.subscribe(c, f.SessionID)
	if err := h.sessions.ExecuteSlashCommand(f.SessionID, f.Command, f.Args); err != nil {
		h.fail(c, f.SessionID, err)
	}
}

func (h *Handler) handleStop(c *conn, f ClientFrame) {
	live, allowed := h.access(c, f.SessionID)
	if !allowed {
		h.forbid(c, f.SessionID)
		return
	}

	h.hub.unsubscribe(c, f.SessionID)
	if live {
		if err := h.sessions.KillSession(f.SessionID); err != nil && !errors.Is(err, supervisor.ErrNotFound) {
			h.fail(c, f.SessionID, err)
			return
		}
		slog.Info("Session stopped by client", "session_id", f.SessionID, "user_id", c.userID)
	}

	ack := newFrame(TypeStatus, f.SessionID)
	ack.Status = StatusStopped
	c.enqueue(ack)
}

func (h *Handler) forbid(c *conn, sessionID string) {
	slog.Warn("Session access denied", "session_id", sessionID, "user_id", c.userID)
	c.enqueue(errorFrame(sessionID, CodeForbidden, "session belongs to another user"))
}

// fail answers err on c only. Subprocess failures are skipped here because
// they already reached every subscriber as session events.
func (h *Handler) fail(c *conn, sessionID string, err error) {
	var procErr *supervisor.SubprocessError
	if errors.As(err, &procErr) {
		return
	}
	code := errorCode(err)
	if code == CodeInternal {
		slog.Error("Session operation failed", "session_id", sessionID, "user_id", c.userID, "error", err)
	} else {
		slog.Debug("Session operation rejected", "session_id", sessionID, "code", code, "error", err)
	}
	c.enqueue(errorFrame(sessionID, code, err.Error()))
}
