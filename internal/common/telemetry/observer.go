package telemetry

import (
	"log/slog"

	"github.com/moonkev/tenantroute/internal/routing"
)

// SelectionObserver records every selection of one proxy as metrics and debug logs
type SelectionObserver struct {
	Proxy string
}

func NewSelectionObserver(proxy string) *SelectionObserver {
	return &SelectionObserver{Proxy: proxy}
}

func (o *SelectionObserver) ObserveSelection(e routing.Event) {
	MetricSelections.WithLabelValues(o.Proxy, e.Outcome.String()).Inc()

	switch e.Outcome {
	case routing.OutcomeTenant:
		MetricTenantHits.WithLabelValues(o.Proxy, e.Tenant).Inc()
		slog.Debug("Routing to tenant",
			"proxy", o.Proxy,
			"tenant", e.Tenant,
			"upstream", e.Target.Address,
			"path", e.Path)

	case routing.OutcomeFallback:
		if e.Tenants == 0 {
			slog.Debug("No tenants loaded, routing to cluster upstream",
				"proxy", o.Proxy,
				"upstream", e.Target.Address,
				"path", e.Path)
			return
		}
		slog.Debug("No matching rule hit, routing to cluster upstream",
			"proxy", o.Proxy,
			"upstream", e.Target.Address,
			"tenants", e.Tenants,
			"path", e.Path)

	default:
		slog.Warn("No upstream available",
			"proxy", o.Proxy,
			"method", e.Method,
			"path", e.Path,
			"scanned", e.Scanned,
			"error", e.Err)
	}
}
