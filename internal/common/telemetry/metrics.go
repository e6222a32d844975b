package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	MetricSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantroute_selections_total",
			Help: "Upstream selections by proxy and outcome",
		},
		[]string{"proxy", "outcome"},
	)
	MetricTenantHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantroute_tenant_hits_total",
			Help: "Requests routed to each tenant",
		},
		[]string{"proxy", "tenant"},
	)
	MetricTenantsLoaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantroute_tenants_loaded",
			Help: "Tenants in the active registry of each proxy",
		},
		[]string{"proxy"},
	)
	MetricFallbackPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantroute_fallback_peers",
			Help: "Backends in the fallback pool of each proxy",
		},
		[]string{"proxy"},
	)
	MetricConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantroute_config_reloads_total",
			Help: "Configuration reloads by result",
		},
		[]string{"result"},
	)
	MetricSnapshotsPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tenantroute_xds_snapshots_pushed_total",
			Help: "Total number of snapshots pushed to the xDS cache",
		},
	)
)

// InitMetrics registers Prometheus metrics
func InitMetrics() {
	prometheus.MustRegister(MetricSelections)
	prometheus.MustRegister(MetricTenantHits)
	prometheus.MustRegister(MetricTenantsLoaded)
	prometheus.MustRegister(MetricFallbackPeers)
	prometheus.MustRegister(MetricConfigReloads)
	prometheus.MustRegister(MetricSnapshotsPushed)
}
