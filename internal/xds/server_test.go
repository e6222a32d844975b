package xds

import (
	"testing"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerCallbacks_CopiesReferenceSnapshot(t *testing.T) {
	cache := cachev3.NewSnapshotCache(true, cachev3.IDHash{}, nil)
	cb := &ServerCallbacks{Cache: cache}
	req := &discovery.DiscoveryRequest{Node: &core.Node{Id: "envoy-1"}}

	require.NoError(t, cb.OnStreamRequest(1, req), "no snapshot published yet")
	_, err := cache.GetSnapshot("envoy-1")
	assert.Error(t, err)

	m := NewSnapshotManager(Config{Cache: cache})
	m.BuildAndPushSnapshot([]ProxyTable{sampleTable(t)})

	require.NoError(t, cb.OnStreamRequest(1, req))
	snap, err := cache.GetSnapshot("envoy-1")
	require.NoError(t, err)
	ref, err := cache.GetSnapshot(ReferenceNodeID)
	require.NoError(t, err)
	assert.Same(t, ref, snap)

	assert.NoError(t, cb.OnStreamRequest(1, &discovery.DiscoveryRequest{}), "requests without a node are ignored")
}
