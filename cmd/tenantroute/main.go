package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	serverv3 "github.com/envoyproxy/go-control-plane/pkg/server/v3"
	"github.com/moonkev/tenantroute/internal/common/config"
	"github.com/moonkev/tenantroute/internal/common/telemetry"
	"github.com/moonkev/tenantroute/internal/discovery"
	"github.com/moonkev/tenantroute/internal/discovery/consul"
	"github.com/moonkev/tenantroute/internal/discovery/marathon"
	"github.com/moonkev/tenantroute/internal/discovery/yaml"
	"github.com/moonkev/tenantroute/internal/proxy"
	"github.com/moonkev/tenantroute/internal/xds"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {

	var adsPort = 18000
	var adminPort = 19005
	var logLevel = config.LogLevelFlag(slog.LevelInfo)
	var configPath = ""
	var xdsEnabled = false
	var watchConfig = true
	var upstreamInsecure = false
	var probePorts config.Uint32SliceFlag

	flag.StringVar(&configPath, "config", "", "path to the YAML routing configuration; without it the process idles")
	flag.IntVar(&adminPort, "admin-port", adminPort, "admin port serving /metrics and /healthz")
	flag.BoolVar(&xdsEnabled, "xds", false, "publish the routing tables to Envoy over ADS")
	flag.IntVar(&adsPort, "ads-port", adsPort, "ADS gRPC port")
	flag.Var(&logLevel, "log-level", "log level: debug, info, warn, error (default: info)")
	flag.Var(&probePorts, "probe-ports", "comma-separated list of extra liveness probe ports")
	flag.BoolVar(&watchConfig, "watch-config", watchConfig, "reload the configuration when the file changes")
	flag.BoolVar(&upstreamInsecure, "upstream-insecure", false, "do not verify upstream TLS certificates")
	flag.Parse()

	// Configure structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel.Level()}))
	slog.SetDefault(logger)

	// Initialize metrics
	telemetry.InitMetrics()

	var snapshotCache cachev3.SnapshotCache
	var snapshotManager *xds.SnapshotManager
	if xdsEnabled {
		snapshotCache = cachev3.NewSnapshotCache(true, cachev3.IDHash{}, nil)
		snapshotManager = xds.NewSnapshotManager(xds.Config{Cache: snapshotCache})
	}
	aggregator := discovery.NewAggregator(snapshotManager)

	// Set up context and channels
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var servers []*http.Server
	var handlers []*proxy.Handler

	if xdsEnabled {
		callbacks := &xds.ServerCallbacks{Cache: snapshotCache}
		adsServer := serverv3.NewServer(ctx, snapshotCache, callbacks)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := xds.RunGRPC(ctx, adsServer, adsPort); err != nil {
				slog.Error("ADS server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	// Set up admin/metrics HTTP server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	admin := &http.Server{Addr: fmt.Sprintf(":%d", adminPort), Handler: mux}
	serve(&wg, "admin", admin, config.TLSConfig{})

	if configPath == "" {
		slog.Warn("No config given, running idle with only the admin server")
	} else {
		cfg, raw, err := yaml.LoadConfig(yaml.Config{ConfigPath: configPath}, aggregator)
		if err != nil {
			slog.Error("failed to load config", "path", configPath, "error", err)
			os.Exit(1)
		}
		probePorts = append(probePorts, cfg.Probes.HTTPGet...)

		listening := make(map[string]struct{})
		for _, p := range aggregator.Proxies() {
			handler := proxy.NewHandler(aggregator.Selector(p.Name()), proxy.Options{
				Name:               p.Name(),
				InsecureSkipVerify: upstreamInsecure,
			})
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", p.Port),
				Handler:           handler,
				ReadHeaderTimeout: 30 * time.Second,
			}
			handlers = append(handlers, handler)
			servers = append(servers, srv)
			listening[p.Name()] = struct{}{}
			serve(&wg, p.Name(), srv, p.TLS)
		}

		startPeerLoaders(ctx, &wg, aggregator.Proxies(), aggregator)

		if watchConfig {
			watchCfg := yaml.Config{
				ConfigPath: configPath,
				Initial:    raw,
				OnReload: func(cfg *config.Config) {
					for _, p := range cfg.Proxies() {
						if _, ok := listening[p.Name()]; !ok {
							slog.Warn("New proxy in config needs a restart to start listening", "proxy", p.Name(), "port", p.Port)
						}
					}
				},
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := yaml.WatchConfig(ctx, watchCfg, aggregator); err != nil {
					slog.Error("config watcher failed", "error", err)
				}
			}()
		}
	}

	slices.Sort(probePorts)
	for _, port := range slices.Compact(probePorts) {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: proxy.ProbeHandler()}
		servers = append(servers, srv)
		serve(&wg, fmt.Sprintf("probe-%d", port), srv, config.TLSConfig{})
	}

	// Wait for a shutdown signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	slog.Info("shutdown signal received, shutting down services")
	cancel()

	// Graceful shutdown of the HTTP servers
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	for _, srv := range append(servers, admin) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
	for _, h := range handlers {
		h.Close()
	}

	// Wait for all goroutines with a timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all services stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout exceeded, forcing exit")
	}

	slog.Info("exiting")
}

// serve runs srv in the background, terminating TLS when tlsCfg has a certificate and key
func serve(wg *sync.WaitGroup, name string, srv *http.Server, tlsCfg config.TLSConfig) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("starting http server", "name", name, "addr", srv.Addr, "tls", tlsCfg.Enabled())
		var err error
		if tlsCfg.Enabled() {
			err = srv.ListenAndServeTLS(tlsCfg.Certificate, tlsCfg.Key)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "name", name, "error", err)
			os.Exit(1)
		}
	}()
}

// startPeerLoaders starts the Consul and Marathon loaders of every proxy's
// cluster upstream. Loader settings are read once at startup.
func startPeerLoaders(ctx context.Context, wg *sync.WaitGroup, proxies []config.ProxyConfig, updater discovery.PeerUpdater) {
	for _, p := range proxies {
		cu := p.ClusterUpstream
		if cu == nil {
			continue
		}

		if c := cu.Consul; c != nil {
			addr := c.Addr
			if addr == "" {
				addr = "localhost:8500"
			}
			consulCfg := &consul.Config{
				Proxy:           p.Name(),
				ConsulAddr:      addr,
				Service:         c.Service,
				Tag:             c.Tag,
				WaitTime:        c.WaitTime.ToDuration(),
				WatcherStrategy: c.Strategy,
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := consul.StartWatcher(ctx, consulCfg, updater); err != nil {
					slog.Error("consul watch error", "proxy", consulCfg.Proxy, "error", err)
				}
			}()
		}

		if m := cu.Marathon; m != nil {
			marathonCfg := marathon.Config{
				Proxy:               p.Name(),
				URL:                 m.URL,
				App:                 m.App,
				PortIndex:           m.PortIndex,
				CredentialsFilePath: m.CredentialsFile,
				Interval:            m.Interval.ToDuration(),
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := marathon.LoadConfig(ctx, marathonCfg, updater); err != nil {
					slog.Error("marathon loader error", "proxy", marathonCfg.Proxy, "error", err)
				}
			}()
		}
	}
}
