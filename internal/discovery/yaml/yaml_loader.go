package yaml

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/moonkev/tenantroute/internal/common/config"
)

type Config struct {
	ConfigPath    string
	Initial       []byte                   // content already applied by LoadConfig; read from disk when nil
	RetryInterval time.Duration            // delay before re-reading a file that vanished, defaults to 1s
	OnReload      func(cfg *config.Config) // called after a reload was applied
}

// ConfigUpdater applies a configuration generation atomically
type ConfigUpdater interface {
	UpdateConfig(cfg *config.Config) error
}

// ReadConfig reads and parses the configuration file
func ReadConfig(path string) (*config.Config, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return nil, raw, err
	}
	return cfg, raw, nil
}

// LoadConfig reads the configuration file and applies it, returning the raw
// content for WatchConfig. Errors are fatal at startup.
func LoadConfig(cfg Config, updater ConfigUpdater) (*config.Config, []byte, error) {
	parsed, raw, err := ReadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if err := updater.UpdateConfig(parsed); err != nil {
		return nil, nil, err
	}

	proxies := parsed.Proxies()
	slog.Info("Loaded YAML config",
		"path", cfg.ConfigPath,
		"proxies", len(proxies),
		"probes", parsed.Probes.HTTPGet)
	for i, p := range proxies {
		peers := 0
		if p.ClusterUpstream != nil {
			peers = len(p.ClusterUpstream.Peers)
		}
		slog.Info("Configured proxy",
			"index", i,
			"name", p.Name(),
			"port", p.Port,
			"tls", p.TLS.Enabled(),
			"tenants", len(p.Bridges),
			"staticPeers", peers)
	}
	return parsed, raw, nil
}
