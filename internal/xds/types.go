package xds

import "github.com/moonkev/tenantroute/internal/routing"

// ProxyTable is the routing state of one proxy as published to Envoy
type ProxyTable struct {
	Name     string
	Port     uint32
	CertFile string // listener certificate; TLS is terminated when both files are set
	KeyFile  string
	Table    *routing.Table
}

func (p ProxyTable) routeConfigName() string { return p.Name }
func (p ProxyTable) listenerName() string    { return "listener_" + p.Name }

func (p ProxyTable) clusterName(identity string) string {
	return p.Name + "/" + identity
}
