package matcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle blocks until path has seen no writes for quiet, or until limit has
// elapsed. The inference server flushes its log asynchronously, so the last
// events of a request can land shortly after the response.
func settle(ctx context.Context, path string, quiet, limit time.Duration) error {
	if quiet <= 0 {
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, polling log", "path", path, "error", err)
		return settleByPolling(ctx, path, quiet, limit)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("cannot watch log directory, polling log", "path", path, "error", err)
		return settleByPolling(ctx, path, quiet, limit)
	}

	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	idle := time.NewTimer(quiet)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-idle.C:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				idle.Reset(quiet)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Debug("log watcher error", "path", path, "error", err)
		}
	}
}

func settleByPolling(ctx context.Context, path string, quiet, limit time.Duration) error {
	interval := quiet / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	lastSize := fileSize(path)
	lastChange := start
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if size := fileSize(path); size != lastSize {
				lastSize, lastChange = size, now
			}
			if now.Sub(lastChange) >= quiet || now.Sub(start) >= limit {
				return nil
			}
		}
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}
