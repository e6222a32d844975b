package xds

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	endpointservice "github.com/envoyproxy/go-control-plane/envoy/service/endpoint/v3"
	listenerservice "github.com/envoyproxy/go-control-plane/envoy/service/listener/v3"
	routeservice "github.com/envoyproxy/go-control-plane/envoy/service/route/v3"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	serverv3 "github.com/envoyproxy/go-control-plane/pkg/server/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// RunGRPC serves ADS on port until ctx is cancelled
func RunGRPC(ctx context.Context, adsServer serverv3.Server, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on ads port %d: %w", port, err)
	}

	// gRPC server options for better streaming support
	grpcOptions := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(1000000),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	grpcServer := grpc.NewServer(grpcOptions...)

	// Register all the discovery service servers on the gRPC server
	discovery.RegisterAggregatedDiscoveryServiceServer(grpcServer, adsServer)
	clusterservice.RegisterClusterDiscoveryServiceServer(grpcServer, adsServer)
	endpointservice.RegisterEndpointDiscoveryServiceServer(grpcServer, adsServer)
	listenerservice.RegisterListenerDiscoveryServiceServer(grpcServer, adsServer)
	routeservice.RegisterRouteDiscoveryServiceServer(grpcServer, adsServer)

	slog.Info("registered all discovery services with keepalive", "port", port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("ADS server listening", "port", port)
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, stopping gRPC server")
		grpcServer.GracefulStop()
		slog.Info("waiting for server to stop")
		<-serveErr
		slog.Info("gRPC server stopped via context")
		return nil
	case err := <-serveErr:
		return fmt.Errorf("ads server: %w", err)
	}
}

// ServerCallbacks implements the Callbacks interface for logging client events
type ServerCallbacks struct {
	serverv3.CallbackFuncs
	Cache cachev3.SnapshotCache
}

func (cb *ServerCallbacks) OnStreamOpen(ctx context.Context, streamID int64, typeURL string) error {
	slog.Debug("OnStreamOpen", "streamID", streamID, "typeURL", typeURL)
	return nil
}

func (cb *ServerCallbacks) OnStreamClosed(streamID int64, node *core.Node) {
	slog.Debug("OnStreamClosed", "streamID", streamID, "nodeID", node.GetId())
}

func (cb *ServerCallbacks) OnStreamRequest(streamID int64, req *discovery.DiscoveryRequest) error {
	slog.Debug("OnStreamRequest",
		"streamID", streamID,
		"nodeID", req.GetNode().GetId(),
		"typeURL", req.TypeUrl,
		"resourceNames", req.ResourceNames,
		"responseNonce", req.ResponseNonce,
		"versionInfo", req.VersionInfo)
	nodeID := req.GetNode().GetId()
	if nodeID == "" {
		// the node is only sent on the first request of a stream
		return nil
	}
	snapshot, err := cb.Cache.GetSnapshot(ReferenceNodeID)
	if err != nil {
		// nothing published yet, the node receives the first snapshot when it is pushed
		slog.Debug("no reference snapshot yet", "nodeID", nodeID)
		return nil
	}
	if current, err := cb.Cache.GetSnapshot(nodeID); err == nil && current == snapshot {
		return nil
	}
	err = cb.Cache.SetSnapshot(context.Background(), nodeID, snapshot)
	if err != nil {
		slog.Error("error setting snapshot for node", "nodeID", nodeID, "error", err)
		return err
	}
	return nil
}

func (cb *ServerCallbacks) OnStreamResponse(ctx context.Context, streamID int64, req *discovery.DiscoveryRequest, resp *discovery.DiscoveryResponse) {
	if resp != nil {
		slog.Debug("OnStreamResponse",
			"streamID", streamID,
			"nodeID", req.GetNode().GetId(),
			"typeURL", req.TypeUrl,
			"resources", len(resp.Resources),
			"nonce", resp.Nonce,
			"version", resp.VersionInfo)
	} else {
		slog.Debug("OnStreamResponse (nil)", "streamID", streamID, "nodeID", req.GetNode().GetId(), "typeURL", req.TypeUrl)
	}
}

func (cb *ServerCallbacks) OnDeltaStreamOpen(ctx context.Context, streamID int64, typeURL string) error {
	slog.Debug("OnDeltaStreamOpen", "streamID", streamID, "typeURL", typeURL)
	return nil
}

func (cb *ServerCallbacks) OnDeltaStreamClosed(streamID int64, node *core.Node) {
	slog.Debug("OnDeltaStreamClosed", "streamID", streamID, "nodeID", node.GetId())
}

func (cb *ServerCallbacks) OnStreamDeltaRequest(streamID int64, req *discovery.DeltaDiscoveryRequest) error {
	slog.Debug("OnStreamDeltaRequest", "streamID", streamID, "nodeID", req.GetNode().GetId(), "typeURL", req.TypeUrl)
	return nil
}

func (cb *ServerCallbacks) OnStreamDeltaResponse(streamID int64, req *discovery.DeltaDiscoveryRequest, resp *discovery.DeltaDiscoveryResponse) {
	slog.Debug("OnStreamDeltaResponse", "streamID", streamID, "nodeID", req.GetNode().GetId(), "typeURL", resp.TypeUrl)
}
