package logging

import (
	"context"
	"log/slog"
	"time"
)

// LogPurger deletes system logs older than a cutoff.
type LogPurger interface {
	PurgeLogs(ctx context.Context, before time.Time) (int64, error)
}

// StartCleanup runs a daily goroutine that deletes system logs older than
// retention.
func StartCleanup(p LogPurger, retention time.Duration, done chan struct{}) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				PurgeOnce(p, retention)
			case <-done:
				return
			}
		}
	}()
}

func PurgeOnce(p LogPurger, retention time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	deleted, err := p.PurgeLogs(ctx, time.Now().Add(-retention))
	if err != nil {
		slog.Error("log cleanup failed", "error", err)
	} else if deleted > 0 {
		slog.Info("log cleanup completed", "deleted", deleted)
	}
}
