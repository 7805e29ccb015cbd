package recording

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/parlorchat/parlor/internal/database"
)

// StartCleanupTicker runs a background goroutine that periodically removes
// recording artifacts older than maxDays: the rows are deleted and the media
// files removed from disk. A maxDays of 0 disables retention entirely. The
// goroutine stops when the context is cancelled.
func StartCleanupTicker(ctx context.Context, recordings database.RecordingRepository, maxDays int, interval time.Duration) {
	if maxDays <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().AddDate(0, 0, -maxDays)
				paths, err := recordings.DeleteExpired(ctx, cutoff)
				if err != nil {
					slog.Error("recording retention cleanup failed", "error", err)
					continue
				}
				if len(paths) == 0 {
					continue
				}

				slog.Info("recording retention cleanup", "deleted", len(paths), "max_days", maxDays)

				for _, p := range paths {
					if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
						slog.Warn("failed to remove recording file", "path", p, "error", err)
					}
				}
			}
		}
	}()
}
