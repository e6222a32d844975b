package discovery

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/moonkev/tenantroute/internal/common/config"
	"github.com/moonkev/tenantroute/internal/common/telemetry"
	"github.com/moonkev/tenantroute/internal/routing"
	"github.com/moonkev/tenantroute/internal/xds"
)

// PeerUpdater receives the fallback peers a loader discovered for one proxy
type PeerUpdater interface {
	UpdatePeers(proxy, loaderID string, peers []string) error
}

type proxyState struct {
	cfg      config.ProxyConfig
	registry *routing.Registry
	peers    map[string][]string
	selector *routing.Selector
}

// Aggregator owns the routing tables of all proxies. It merges the static
// configuration with the peers reported by loaders, publishes each new table
// to the proxy's Selector and pushes the result to the xDS snapshot manager.
type Aggregator struct {
	mu              sync.Mutex
	proxies         map[string]*proxyState
	order           []string
	snapshotManager *xds.SnapshotManager
	newObserver     func(proxy string) routing.Observer
}

// NewAggregator creates an aggregator. snapshotManager may be nil when xDS is disabled.
func NewAggregator(snapshotManager *xds.SnapshotManager) *Aggregator {
	return &Aggregator{
		proxies:         make(map[string]*proxyState),
		snapshotManager: snapshotManager,
		newObserver: func(proxy string) routing.Observer {
			return telemetry.NewSelectionObserver(proxy)
		},
	}
}

// UpdateConfig applies a configuration generation. All registries are built
// before anything is published, so a failing config leaves every proxy untouched.
func (a *Aggregator) UpdateConfig(cfg *config.Config) error {
	proxies := cfg.Proxies()
	registries := make([]*routing.Registry, len(proxies))
	for i, p := range proxies {
		reg, err := config.BuildRegistry(p)
		if err != nil {
			return err
		}
		registries[i] = reg
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]struct{}, len(proxies))
	order := make([]string, 0, len(proxies))
	for i, p := range proxies {
		name := p.Name()
		seen[name] = struct{}{}
		order = append(order, name)

		state, ok := a.proxies[name]
		if !ok {
			state = &proxyState{
				peers:    make(map[string][]string),
				selector: routing.NewSelector(nil, a.newObserver(name)),
			}
			a.proxies[name] = state
		}
		state.cfg = p
		state.registry = registries[i]
		a.publish(name, state)
	}

	for _, name := range a.order {
		if _, ok := seen[name]; ok {
			continue
		}
		slog.Warn("Proxy removed from config, serving no routes until restart", "proxy", name)
		state := a.proxies[name]
		state.cfg = config.ProxyConfig{Port: state.cfg.Port}
		state.registry = nil
		state.peers = make(map[string][]string)
		a.publish(name, state)
	}
	a.order = order

	a.push()
	return nil
}

// UpdatePeers replaces the peers contributed by loaderID to the fallback pool of proxy
func (a *Aggregator) UpdatePeers(proxy, loaderID string, peers []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.proxies[proxy]
	if !ok {
		return fmt.Errorf("unknown proxy %q", proxy)
	}
	state.peers[loaderID] = append([]string(nil), peers...)
	if !a.publish(proxy, state) {
		return nil
	}
	a.push()
	return nil
}

// Selector returns the selector serving proxy, or nil if the proxy was never configured
func (a *Aggregator) Selector(proxy string) *routing.Selector {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state, ok := a.proxies[proxy]; ok {
		return state.selector
	}
	return nil
}

// Proxies returns the configured proxies in config order
func (a *Aggregator) Proxies() []config.ProxyConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]config.ProxyConfig, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.proxies[name].cfg)
	}
	return out
}

// publish swaps in a new table for the proxy and reports whether anything changed
func (a *Aggregator) publish(name string, state *proxyState) bool {
	current := state.selector.Table()
	pool := buildPool(state)
	if current.Pool.SameAs(pool) {
		pool = current.Pool
	}
	if current.Registry == state.registry && current.Pool == pool {
		return false
	}
	state.selector.Publish(&routing.Table{Registry: state.registry, Pool: pool})

	telemetry.MetricTenantsLoaded.WithLabelValues(name).Set(float64(state.registry.Len()))
	peers := 0
	if pool != nil {
		peers = pool.Len()
	}
	telemetry.MetricFallbackPeers.WithLabelValues(name).Set(float64(peers))
	slog.Info("Routing table published",
		"proxy", name,
		"tenants", state.registry.Len(),
		"fallbackPeers", peers)
	return true
}

// buildPool merges static peers with loader peers, loaders in name order, without duplicates
func buildPool(state *proxyState) *routing.BackendPool {
	cu := state.cfg.ClusterUpstream
	if cu == nil {
		return nil
	}
	peers := slices.Clone(cu.Peers)

	loaders := make([]string, 0, len(state.peers))
	for id := range state.peers {
		loaders = append(loaders, id)
	}
	sort.Strings(loaders)
	for _, id := range loaders {
		peers = append(peers, state.peers[id]...)
	}

	seen := make(map[string]struct{}, len(peers))
	unique := peers[:0]
	for _, p := range peers {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	return routing.NewBackendPool(unique, cu.TLS, cu.SNI)
}

func (a *Aggregator) push() {
	if a.snapshotManager == nil {
		return
	}
	tables := make([]xds.ProxyTable, 0, len(a.order))
	for _, name := range a.order {
		state := a.proxies[name]
		tables = append(tables, xds.ProxyTable{
			Name:     name,
			Port:     state.cfg.Port,
			CertFile: state.cfg.TLS.Certificate,
			KeyFile:  state.cfg.TLS.Key,
			Table:    state.selector.Table(),
		})
	}
	a.snapshotManager.BuildAndPushSnapshot(tables)
}
