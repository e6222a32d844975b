package watcher

import (
	"context"
	"log/slog"
)

// ImmediateWatcher applies updates as soon as they're detected
type ImmediateWatcher struct {
	cfg *WatcherConfig
}

// NewImmediateWatcher creates a new immediate watcher
func NewImmediateWatcher(cfg *WatcherConfig) *ImmediateWatcher {
	return &ImmediateWatcher{cfg: cfg}
}

// Watch starts watching Consul and immediately applies updates
func (w *ImmediateWatcher) Watch(ctx context.Context) error {
	var lastIndex uint64

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping immediate watcher, context cancelled", "service", w.cfg.Service)
			return nil
		default:
		}

		entries, index, err := w.cfg.fetch(ctx, lastIndex)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Stopping immediate watcher, context cancelled", "service", w.cfg.Service)
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

		if err := w.cfg.Handler(entries); err != nil {
			slog.Error("handler error", "service", w.cfg.Service, "error", err)
		}
	}
}
