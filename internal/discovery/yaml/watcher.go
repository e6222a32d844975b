package yaml

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moonkev/tenantroute/internal/common/config"
	"github.com/moonkev/tenantroute/internal/common/telemetry"
)

const maxRetriesIfFileMissing = 10

// WatchConfig reloads the configuration whenever the file changes, until ctx
// is cancelled. The directory is watched so that atomic renames and Kubernetes
// ConfigMap symlink swaps are seen. A reload that fails to parse or to build
// leaves the previous routing tables in place, and an empty file is never applied.
func WatchConfig(ctx context.Context, cfg Config, updater ConfigUpdater) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(cfg.ConfigPath)); err != nil {
		return fmt.Errorf("watch %s: %w", cfg.ConfigPath, err)
	}

	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = time.Second
	}

	last := cfg.Initial
	if last == nil {
		last, _ = os.ReadFile(cfg.ConfigPath)
	}
	retryCh := make(chan struct{}, 1)
	retries := 0

	scheduleRetry := func() {
		if retries >= maxRetriesIfFileMissing {
			slog.Error("Config file still missing, giving up until the next change", "path", cfg.ConfigPath)
			return
		}
		retries++
		time.AfterFunc(retryInterval, func() {
			select {
			case retryCh <- struct{}{}:
			default:
			}
		})
	}

	maybeReload := func() {
		raw, err := os.ReadFile(cfg.ConfigPath)
		if err != nil {
			slog.Warn("Config file not readable, will retry", "path", cfg.ConfigPath, "error", err)
			scheduleRetry()
			return
		}
		retries = 0
		if len(bytes.TrimSpace(raw)) == 0 {
			// truncated by a writer that has not finished yet
			slog.Debug("Config file is empty, waiting for the next write", "path", cfg.ConfigPath)
			return
		}
		if bytes.Equal(raw, last) {
			slog.Debug("Config file has not changed", "path", cfg.ConfigPath)
			return
		}
		last = raw

		parsed, err := config.Parse(raw)
		if err == nil {
			err = updater.UpdateConfig(parsed)
		}
		if err != nil {
			telemetry.MetricConfigReloads.WithLabelValues("failure").Inc()
			slog.Error("Config reload failed, keeping previous routing tables", "path", cfg.ConfigPath, "error", err)
			return
		}
		telemetry.MetricConfigReloads.WithLabelValues("success").Inc()
		slog.Info("Config reloaded", "path", cfg.ConfigPath, "proxies", len(parsed.Proxies()))
		if cfg.OnReload != nil {
			cfg.OnReload(parsed)
		}
	}

	slog.Info("Watching config file", "path", cfg.ConfigPath)
	// pick up edits made between LoadConfig and the watch starting
	maybeReload()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping config watcher, context cancelled")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			slog.Debug("Config watcher event", "event", event.String())
			consumeExtraEvents(watcher)
			maybeReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)

		case <-retryCh:
			maybeReload()
		}
	}
}

// consumeExtraEvents drops change events that piled up while a reload was pending
func consumeExtraEvents(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-watcher.Events:
		default:
			return
		}
	}
}
