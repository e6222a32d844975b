package watcher

import (
	"context"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// EntriesHandler is called with the healthy instances of the watched service
type EntriesHandler func(entries []*consulapi.ServiceEntry) error

// ConsulWatcher defines the interface for watching a Consul service
type ConsulWatcher interface {
	// Watch blocks until ctx is cancelled
	Watch(ctx context.Context) error
}

// WatcherConfig holds shared configuration for all watchers
type WatcherConfig struct {
	Client     *consulapi.Client
	Service    string
	Tag        string
	WaitTime   time.Duration
	RetryDelay time.Duration // pause after a failed query, defaults to 1s
	Handler    EntriesHandler
}

// NewWatcher creates a watcher with the specified strategy
func NewWatcher(strategy string, cfg *WatcherConfig) ConsulWatcher {
	switch strategy {
	case "debounce":
		return NewDebounceWatcher(cfg, 500*time.Millisecond)
	case "batch":
		return NewBatchWatcher(cfg, 5, 1*time.Second)
	case "immediate":
		fallthrough
	default:
		return NewImmediateWatcher(cfg)
	}
}
