package watcher

import (
	"context"
	"log/slog"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// BatchWatcher applies updates when batch size reached or timeout expires
type BatchWatcher struct {
	cfg          *WatcherConfig
	maxBatchSize int
	batchTimeout time.Duration
}

// NewBatchWatcher creates a new batch watcher
func NewBatchWatcher(cfg *WatcherConfig, maxBatchSize int, batchTimeout time.Duration) *BatchWatcher {
	return &BatchWatcher{
		cfg:          cfg,
		maxBatchSize: maxBatchSize,
		batchTimeout: batchTimeout,
	}
}

// Watch starts watching Consul and applies batched updates
func (w *BatchWatcher) Watch(ctx context.Context) error {
	var lastIndex uint64
	var batchCount int
	var latestEntries []*consulapi.ServiceEntry

	batchTimer := time.NewTimer(0)
	batchTimer.Stop()

	apply := func(reason string) {
		slog.Debug("Applying batch", "service", w.cfg.Service, "reason", reason, "changes", batchCount, "instances", len(latestEntries))
		if err := w.cfg.Handler(latestEntries); err != nil {
			slog.Error("handler error", "service", w.cfg.Service, "error", err)
		}
		batchCount = 0
		batchTimer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping batch watcher, context cancelled", "service", w.cfg.Service)
			batchTimer.Stop()
			return nil

		case <-batchTimer.C:
			if batchCount > 0 {
				apply("timeout")
			}

		default:
			entries, index, err := w.cfg.fetch(ctx, lastIndex)
			if err != nil {
				if ctx.Err() != nil {
					slog.Info("Stopping batch watcher, context cancelled", "service", w.cfg.Service)
					batchTimer.Stop()
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
			batchCount++

			if batchCount >= w.maxBatchSize {
				apply("batch limit reached")
			} else if batchCount == 1 {
				batchTimer.Reset(w.batchTimeout)
			}
		}
	}
}
