package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// StartSweeper runs a background goroutine that periodically closes
// connections that have not pinged within threshold. Sessions are untouched.
func StartSweeper(ctx context.Context, hub *Hub, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Connection sweeper started", "interval", interval, "threshold", threshold)

		for {
			select {
			case <-ticker.C:
				sweepStale(hub, threshold)
			case <-ctx.Done():
				slog.Info("Connection sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepStale(hub *Hub, threshold time.Duration) int {
	stale := hub.stale(time.Now().Add(-threshold))
	if len(stale) == 0 {
		return 0
	}

	slog.Info("Sweeper found stale connections", "count", len(stale))
	for _, c := range stale {
		slog.Info("Closing stale connection",
			"conn_id", c.id,
			"user_id", c.userID,
			"last_seen", c.lastSeen())
		hub.unregister(c)
		go c.close(websocket.StatusGoingAway, "stale connection")
	}
	return len(stale)
}
