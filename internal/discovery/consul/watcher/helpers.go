package watcher

import (
	"context"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// fetch runs one blocking health query. The returned index restarts at 0 when
// Consul reports an index lower than the one we waited on.
func (cfg *WatcherConfig) fetch(ctx context.Context, lastIndex uint64) ([]*consulapi.ServiceEntry, uint64, error) {
	queryOpts := &consulapi.QueryOptions{
		WaitIndex: lastIndex,
		WaitTime:  cfg.WaitTime,
	}
	queryOpts = queryOpts.WithContext(ctx)

	entries, meta, err := cfg.Client.Health().Service(cfg.Service, cfg.Tag, true, queryOpts)
	if err != nil {
		return nil, lastIndex, err
	}
	if meta.LastIndex < lastIndex {
		return entries, 0, nil
	}
	return entries, meta.LastIndex, nil
}

// backoff waits out RetryDelay and reports false if ctx was cancelled meanwhile
func (cfg *WatcherConfig) backoff(ctx context.Context) bool {
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
