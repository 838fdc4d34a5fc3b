package store

import (
	"context"
	"log/slog"
	"time"
)

// StartRetentionWorker runs a background goroutine that periodically
// deletes activity entries older than retention. It stops with ctx.
func StartRetentionWorker(ctx context.Context, repo Repository, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		slog.Info("Retention worker disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				cleanupActivity(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func cleanupActivity(ctx context.Context, repo Repository, retention time.Duration) int64 {
	deleted, err := repo.CleanupActivity(ctx, retention)
	if err != nil {
		slog.Error("Retention worker failed to cleanup activity", "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("Retention worker removed activity entries", "count", deleted)
	}
	return deleted
}
