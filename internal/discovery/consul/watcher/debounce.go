package watcher

import (
	"context"
	"log/slog"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// DebounceWatcher batches rapid changes with a debounce timer
type DebounceWatcher struct {
	cfg              *WatcherConfig
	debounceInterval time.Duration
}

// NewDebounceWatcher creates a new debounce watcher
func NewDebounceWatcher(cfg *WatcherConfig, debounceInterval time.Duration) *DebounceWatcher {
	return &DebounceWatcher{
		cfg:              cfg,
		debounceInterval: debounceInterval,
	}
}

// Watch starts watching Consul and applies updates with debouncing
func (w *DebounceWatcher) Watch(ctx context.Context) error {
	var lastIndex uint64
	var pendingUpdate bool
	var latestEntries []*consulapi.ServiceEntry

	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping debounce watcher, context cancelled", "service", w.cfg.Service)
			debounceTimer.Stop()
			return nil

		case <-debounceTimer.C:
			// Debounce period expired - apply the update now
			slog.Debug("Debounce timer fired, applying update", "service", w.cfg.Service, "instances", len(latestEntries))
			pendingUpdate = false
			if err := w.cfg.Handler(latestEntries); err != nil {
				slog.Error("handler error", "service", w.cfg.Service, "error", err)
			}

		default:
			entries, index, err := w.cfg.fetch(ctx, lastIndex)
			if err != nil {
				if ctx.Err() != nil {
					slog.Info("Stopping debounce watcher, context cancelled", "service", w.cfg.Service)
					debounceTimer.Stop()
					return nil
				}
				slog.Error("Failed to fetch healthy instances", "service", w.cfg.Service, "error", err)
				if !w.cfg.backoff(ctx) {
					return nil
				}
				continue
			}

			if index == lastIndex {
				continue
			}

			slog.Debug("Detected change", "service", w.cfg.Service, "lastIndex", lastIndex, "newIndex", index)
			lastIndex = index
			latestEntries = entries

			if !pendingUpdate {
				slog.Debug("Starting debounce timer", "interval", w.debounceInterval)
				pendingUpdate = true
			} else {
				slog.Debug("Resetting debounce timer, more changes coming")
			}
			debounceTimer.Reset(w.debounceInterval)
		}
	}
}
