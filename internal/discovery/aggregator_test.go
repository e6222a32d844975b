package discovery

import (
	"testing"

	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"github.com/moonkev/tenantroute/internal/common/config"
	"github.com/moonkev/tenantroute/internal/routing"
	"github.com/moonkev/tenantroute/internal/xds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

const twoProxies = `
port: 8080
clusterUpstream:
  peers: ["static:80"]
bridges:
  user-1:
    endpoint: "u1:80"
    rules:
      - match:
          - matchPath: {path: /u1, type: prefix}
proxy:
  - port: 9090
`

func TestAggregator_UpdateConfig(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.UpdateConfig(parse(t, twoProxies)))

	proxies := a.Proxies()
	require.Len(t, proxies, 2)
	assert.Equal(t, "proxy-8080", proxies[0].Name())
	assert.Equal(t, "proxy-9090", proxies[1].Name())

	sel := a.Selector("proxy-8080")
	require.NotNil(t, sel)
	target, err := sel.Select(&routing.Request{PathAndQuery: "/u1/x"})
	require.NoError(t, err)
	assert.Equal(t, "u1:80", target.Address)

	target, err = sel.Select(&routing.Request{PathAndQuery: "/other"})
	require.NoError(t, err)
	assert.Equal(t, "static:80", target.Address)

	_, err = a.Selector("proxy-9090").Select(&routing.Request{PathAndQuery: "/"})
	assert.ErrorIs(t, err, routing.ErrNoUpstreamAvailable)

	assert.Nil(t, a.Selector("proxy-1"))
}

func TestAggregator_FailedReloadKeepsTable(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.UpdateConfig(parse(t, twoProxies)))
	sel := a.Selector("proxy-8080")
	before := sel.Table()

	bad := parse(t, twoProxies)
	bad.Bridges[0].Endpoint = "no-port"
	assert.Error(t, a.UpdateConfig(bad))
	assert.Same(t, before, sel.Table())
}

func TestAggregator_ReloadSwapsTableOnSameSelector(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.UpdateConfig(parse(t, twoProxies)))
	sel := a.Selector("proxy-8080")

	require.NoError(t, a.UpdateConfig(parse(t, `
port: 8080
bridges:
  user-2:
    endpoint: "u2:80"
    rules:
      - match:
          - matchPath: {path: /, type: prefix}
`)))
	assert.Same(t, sel, a.Selector("proxy-8080"))
	target, err := sel.Select(&routing.Request{PathAndQuery: "/u1/x"})
	require.NoError(t, err)
	assert.Equal(t, "u2:80", target.Address)

	// proxy-9090 is gone from the config and serves nothing
	require.Len(t, a.Proxies(), 1)
	_, err = a.Selector("proxy-9090").Select(&routing.Request{PathAndQuery: "/"})
	assert.ErrorIs(t, err, routing.ErrNoUpstreamAvailable)
}

func TestAggregator_UpdatePeers(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.UpdateConfig(parse(t, twoProxies)))

	require.NoError(t, a.UpdatePeers("proxy-8080", "marathon", []string{"m1:80"}))
	require.NoError(t, a.UpdatePeers("proxy-8080", "consul", []string{"c1:80", "static:80"}))

	pool := a.Selector("proxy-8080").Table().Pool
	require.NotNil(t, pool)
	assert.Equal(t, []string{"static:80", "c1:80", "m1:80"}, pool.Backends())

	before := pool
	require.NoError(t, a.UpdatePeers("proxy-8080", "consul", []string{"c1:80"}))
	assert.Same(t, before, a.Selector("proxy-8080").Table().Pool, "an unchanged pool keeps its cursor")

	require.NoError(t, a.UpdatePeers("proxy-8080", "consul", nil))
	assert.Equal(t, []string{"static:80", "m1:80"}, a.Selector("proxy-8080").Table().Pool.Backends())

	assert.Error(t, a.UpdatePeers("proxy-1", "consul", nil))
}

func TestAggregator_UpdatePeersWithoutClusterUpstream(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.UpdateConfig(parse(t, twoProxies)))
	require.NoError(t, a.UpdatePeers("proxy-9090", "consul", []string{"c1:80"}))
	assert.Nil(t, a.Selector("proxy-9090").Table().Pool)
}

func TestAggregator_PushesSnapshot(t *testing.T) {
	cache := cachev3.NewSnapshotCache(true, cachev3.IDHash{}, nil)
	a := NewAggregator(xds.NewSnapshotManager(xds.Config{Cache: cache}))
	require.NoError(t, a.UpdateConfig(parse(t, twoProxies)))

	snap, err := cache.GetSnapshot(xds.ReferenceNodeID)
	require.NoError(t, err)
	assert.Len(t, snap.GetResources(resource.ListenerType), 2)
	assert.Len(t, snap.GetResources(resource.ClusterType), 2)
}
