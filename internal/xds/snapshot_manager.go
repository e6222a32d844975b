package xds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	tls "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	"github.com/envoyproxy/go-control-plane/pkg/cache/types"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	xdstype "github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"github.com/moonkev/tenantroute/internal/common/telemetry"
	"github.com/moonkev/tenantroute/internal/routing"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
)

const tlsTransportSocket = "envoy.transport_sockets.tls"

// SnapshotManager publishes the routing tables of all proxies to Envoy. Each
// tenant becomes a cluster plus one route per AndGroup, in registry order, and
// the fallback pool becomes a ROUND_ROBIN cluster behind a catch-all route.
type SnapshotManager struct {
	cache         cachev3.SnapshotCache
	listenAddress string
	version       atomic.Uint64
}

func NewSnapshotManager(cfg Config) *SnapshotManager {
	addr := cfg.ListenAddress
	if addr == "" {
		addr = "0.0.0.0"
	}
	return &SnapshotManager{cache: cfg.Cache, listenAddress: addr}
}

// BuildSnapshot translates the proxies into a new snapshot version
func (s *SnapshotManager) BuildSnapshot(proxies []ProxyTable) (*cachev3.Snapshot, error) {
	var clusters []types.Resource
	var routes []types.Resource
	var listeners []types.Resource

	for _, p := range proxies {
		table := p.Table
		if table == nil {
			table = &routing.Table{}
		}
		var proxyRoutes []*route.Route

		for _, t := range table.Registry.Tenants() {
			clusterName := p.clusterName(t.Key())
			target := t.Target()
			cl, err := buildCluster(clusterName, []string{target.Address}, target.TLS, target.SNI)
			if err != nil {
				return nil, fmt.Errorf("tenant %q: %w", t.Key(), err)
			}
			clusters = append(clusters, cl)

			for i, g := range t.RuleSet().Groups() {
				r, err := routeForGroup(g, clusterName)
				if errors.Is(err, errUntranslatable) {
					slog.Warn("Skipping rule group that Envoy cannot express",
						"proxy", p.Name,
						"tenant", t.Key(),
						"group", i,
						"error", err)
					continue
				}
				if err != nil {
					return nil, err
				}
				r.Name = fmt.Sprintf("%s/%d", t.Key(), i)
				proxyRoutes = append(proxyRoutes, r)
			}
		}

		if pool := table.Pool; pool != nil && pool.Len() > 0 {
			clusterName := p.clusterName(routing.FallbackIdentity)
			cl, err := buildCluster(clusterName, pool.Backends(), pool.TLS(), pool.SNI())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", routing.FallbackIdentity, err)
			}
			clusters = append(clusters, cl)
			fallback := catchAllRoute(clusterName)
			fallback.Name = routing.FallbackIdentity
			proxyRoutes = append(proxyRoutes, fallback)
		}

		routes = append(routes, &route.RouteConfiguration{
			Name: p.routeConfigName(),
			VirtualHosts: []*route.VirtualHost{{
				Name:    p.Name,
				Domains: []string{"*"},
				Routes:  proxyRoutes,
			}},
		})

		ln, err := s.buildListener(p)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, ln)
	}

	snapVer := strconv.FormatUint(s.version.Add(1), 10)
	return cachev3.NewSnapshot(snapVer, map[resource.Type][]types.Resource{
		resource.ClusterType:  clusters,
		resource.RouteType:    routes,
		resource.ListenerType: listeners,
	})
}

// BuildAndPushSnapshot builds a snapshot and stores it for the reference node and every known node
func (s *SnapshotManager) BuildAndPushSnapshot(proxies []ProxyTable) {
	snap, err := s.BuildSnapshot(proxies)
	if err != nil {
		slog.Error("Failed to create snapshot", "error", err)
		return
	}

	err = s.cache.SetSnapshot(context.Background(), ReferenceNodeID, snap)
	if err != nil {
		slog.Error("Failed setting reference snapshot", "error", err)
	}
	nodeIDs := s.cache.GetStatusKeys()
	slog.Debug("node IDs", "nodeIDs", nodeIDs)

	for _, nodeID := range nodeIDs {
		if nodeID == ReferenceNodeID {
			continue
		}
		if err := s.cache.SetSnapshot(context.Background(), nodeID, snap); err != nil {
			slog.Error("Failed setting snapshot", "nodeID", nodeID, "error", err)
		}
	}
	slog.Info("Snapshot pushed",
		"version", snap.GetVersion(resource.ClusterType),
		"proxies", len(proxies),
		"clusters", len(snap.GetResources(resource.ClusterType)),
		"routes", len(snap.GetResources(resource.RouteType)))
	telemetry.MetricSnapshotsPushed.Inc()
}

// buildCluster creates a STRICT_DNS cluster over addrs. Addresses are host:port.
func buildCluster(name string, addrs []string, useTLS bool, sni string) (*cluster.Cluster, error) {
	lbs := make([]*endpoint.LbEndpoint, 0, len(addrs))
	for _, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", addr, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: invalid port: %w", addr, err)
		}
		lbs = append(lbs, &endpoint.LbEndpoint{
			HostIdentifier: &endpoint.LbEndpoint_Endpoint{
				Endpoint: &endpoint.Endpoint{
					Hostname: host,
					Address: &core.Address{
						Address: &core.Address_SocketAddress{
							SocketAddress: &core.SocketAddress{
								Address:       host,
								PortSpecifier: &core.SocketAddress_PortValue{PortValue: uint32(port)},
							},
						},
					},
				},
			},
		})
	}

	cl := &cluster.Cluster{
		Name:           name,
		ConnectTimeout: durationpb.New(2 * time.Second),
		ClusterDiscoveryType: &cluster.Cluster_Type{
			Type: cluster.Cluster_STRICT_DNS,
		},
		LoadAssignment: &endpoint.ClusterLoadAssignment{
			ClusterName: name,
			Endpoints:   []*endpoint.LocalityLbEndpoints{{LbEndpoints: lbs}},
		},
		LbPolicy:        cluster.Cluster_ROUND_ROBIN,
		DnsLookupFamily: cluster.Cluster_V4_ONLY,
		DnsRefreshRate:  durationpb.New(60 * time.Second),
	}

	if useTLS {
		// No validation context = no cert verification
		tlsContext := &tls.UpstreamTlsContext{Sni: sni}
		if sni == "" {
			tlsContext.AutoHostSni = true
		}
		tlsContextAny, err := anypb.New(tlsContext)
		if err != nil {
			return nil, err
		}
		cl.TransportSocket = &core.TransportSocket{
			Name:       tlsTransportSocket,
			ConfigType: &core.TransportSocket_TypedConfig{TypedConfig: tlsContextAny},
		}
	}
	return cl, nil
}

func (s *SnapshotManager) buildListener(p ProxyTable) (*listener.Listener, error) {
	hcmCfg := &hcm.HttpConnectionManager{
		StatPrefix:           p.Name,
		CodecType:            hcm.HttpConnectionManager_AUTO,
		Http2ProtocolOptions: &core.Http2ProtocolOptions{},
		RouteSpecifier: &hcm.HttpConnectionManager_Rds{
			Rds: &hcm.Rds{
				ConfigSource: &core.ConfigSource{
					ResourceApiVersion: core.ApiVersion_V3,
					ConfigSourceSpecifier: &core.ConfigSource_Ads{
						Ads: &core.AggregatedConfigSource{},
					},
				},
				RouteConfigName: p.routeConfigName(),
			},
		},
		HttpFilters: []*hcm.HttpFilter{{
			Name: "envoy.filters.http.router",
			ConfigType: &hcm.HttpFilter_TypedConfig{
				TypedConfig: &anypb.Any{
					TypeUrl: "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router",
				},
			},
		}},
	}

	hcmAny, err := anypb.New(hcmCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal hcm: %w", err)
	}

	chain := &listener.FilterChain{
		Filters: []*listener.Filter{{
			Name:       xdstype.HTTPConnectionManager,
			ConfigType: &listener.Filter_TypedConfig{TypedConfig: hcmAny},
		}},
	}

	if p.CertFile != "" && p.KeyFile != "" {
		downstream := &tls.DownstreamTlsContext{
			CommonTlsContext: &tls.CommonTlsContext{
				TlsCertificates: []*tls.TlsCertificate{{
					CertificateChain: &core.DataSource{Specifier: &core.DataSource_Filename{Filename: p.CertFile}},
					PrivateKey:       &core.DataSource{Specifier: &core.DataSource_Filename{Filename: p.KeyFile}},
				}},
			},
		}
		downstreamAny, err := anypb.New(downstream)
		if err != nil {
			return nil, fmt.Errorf("marshal downstream tls context: %w", err)
		}
		chain.TransportSocket = &core.TransportSocket{
			Name:       tlsTransportSocket,
			ConfigType: &core.TransportSocket_TypedConfig{TypedConfig: downstreamAny},
		}
	}

	return &listener.Listener{
		Name: p.listenerName(),
		Address: &core.Address{Address: &core.Address_SocketAddress{SocketAddress: &core.SocketAddress{
			Address:       s.listenAddress,
			PortSpecifier: &core.SocketAddress_PortValue{PortValue: p.Port},
		}}},
		FilterChains: []*listener.FilterChain{chain},
	}, nil
}
