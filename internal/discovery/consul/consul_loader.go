package consul

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/moonkev/tenantroute/internal/discovery"
	"github.com/moonkev/tenantroute/internal/discovery/consul/watcher"
)

// LoaderID identifies the peers contributed by Consul
const LoaderID = "consul"

// Config holds the settings of one service watch
type Config struct {
	Proxy           string // proxy whose fallback pool receives the peers
	ConsulAddr      string
	Service         string
	Tag             string
	WaitTime        time.Duration
	WatcherStrategy string // "immediate", "debounce", or "batch"
}

type HeaderRoundTripper struct {
	Rt http.RoundTripper
}

func (h *HeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return h.Rt.RoundTrip(req)
}

// NewClient creates a Consul client for addr, with or without a scheme
func NewClient(addr string) (*consulapi.Client, error) {
	consulCfg := consulapi.DefaultConfig()
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	consulCfg.Address = addr

	consulCfg.HttpClient = &http.Client{
		Transport: &HeaderRoundTripper{Rt: http.DefaultTransport},
	}
	return consulapi.NewClient(consulCfg)
}

// StartWatcher reports the healthy instances of the configured service as
// fallback peers until ctx is cancelled.
func StartWatcher(ctx context.Context, cfg *Config, updater discovery.PeerUpdater) error {
	client, err := NewClient(cfg.ConsulAddr)
	if err != nil {
		return fmt.Errorf("create consul client: %w", err)
	}

	handler := func(entries []*consulapi.ServiceEntry) error {
		peers := entriesToPeers(entries)
		if len(peers) == 0 {
			slog.Warn("Service has no healthy instances", "service", cfg.Service, "proxy", cfg.Proxy)
		}
		slog.Debug("Consul peers", "service", cfg.Service, "proxy", cfg.Proxy, "peers", peers)
		return updater.UpdatePeers(cfg.Proxy, LoaderID, peers)
	}

	waitTime := cfg.WaitTime
	if waitTime <= 0 {
		waitTime = 2 * time.Second
	}
	watcherCfg := &watcher.WatcherConfig{
		Client:   client,
		Service:  cfg.Service,
		Tag:      cfg.Tag,
		WaitTime: waitTime,
		Handler:  handler,
	}

	strategy := cfg.WatcherStrategy
	if strategy == "" {
		strategy = "immediate"
	}

	w := watcher.NewWatcher(strategy, watcherCfg)
	slog.Info("Starting consul watch", "service", cfg.Service, "proxy", cfg.Proxy, "strategy", strategy)

	// Watch blocks until context is cancelled
	return w.Watch(ctx)
}

// entriesToPeers converts health entries to sorted host:port peers. The
// service address falls back to the node address.
func entriesToPeers(entries []*consulapi.ServiceEntry) []string {
	peers := make([]string, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.Service == nil {
			continue
		}
		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		if addr == "" || e.Service.Port == 0 {
			continue
		}
		peers = append(peers, net.JoinHostPort(addr, strconv.Itoa(e.Service.Port)))
	}
	sort.Strings(peers)
	return peers
}
