package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/moonkev/tenantroute/internal/routing"
	"go.yaml.in/yaml/v2"
)

// TLSConfig is the listener TLS block. Its sni is the default for tenants that set none.
type TLSConfig struct {
	Certificate string `yaml:"certificate"`
	Key         string `yaml:"key"`
	SNI         string `yaml:"sni"`
}

// Enabled reports whether the listener terminates TLS
func (t TLSConfig) Enabled() bool {
	return t.Certificate != "" && t.Key != ""
}

// ConsulUpstream resolves fallback peers from the healthy instances of a Consul service
type ConsulUpstream struct {
	Service  string   `yaml:"service"`
	Addr     string   `yaml:"addr"`
	Tag      string   `yaml:"tag"`
	Strategy string   `yaml:"strategy"` // "immediate", "debounce", or "batch"
	WaitTime Duration `yaml:"waitTime"`
}

// MarathonUpstream resolves fallback peers from the healthy tasks of a Marathon app
type MarathonUpstream struct {
	URL             string   `yaml:"url"`
	App             string   `yaml:"app"`
	PortIndex       int      `yaml:"portIndex"`
	Interval        Duration `yaml:"interval"`
	CredentialsFile string   `yaml:"credentialsFile"`
}

// ClusterUpstream is the fallback pool of a proxy
type ClusterUpstream struct {
	Peers    []string          `yaml:"peers"`
	TLS      bool              `yaml:"tls"`
	SNI      string            `yaml:"sni"`
	Consul   *ConsulUpstream   `yaml:"consul"`
	Marathon *MarathonUpstream `yaml:"marathon"`
}

// UnmarshalYAML accepts either the full mapping or a bare list of peers
func (c *ClusterUpstream) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var peers []string
	if err := unmarshal(&peers); err == nil {
		*c = ClusterUpstream{Peers: peers}
		return nil
	}
	type plain ClusterUpstream
	return unmarshal((*plain)(c))
}

type ProbesConfig struct {
	HTTPGet []uint32 `yaml:"httpGet"`
}

type MatchPath struct {
	Path *string `yaml:"path"`
	Type string  `yaml:"type"`
}

type MatchHeader struct {
	Name  *string `yaml:"name"`
	Value *string `yaml:"value"`
	Type  string  `yaml:"type"`
}

// MatchEntry holds exactly one of MatchPath or MatchHeader
type MatchEntry struct {
	MatchPath   *MatchPath   `yaml:"matchPath"`
	MatchHeader *MatchHeader `yaml:"matchHeader"`
}

// Rule is one conjunction of match entries
type Rule struct {
	Match []MatchEntry `yaml:"match"`
}

// Bridge is the configuration of a single tenant
type Bridge struct {
	Endpoint string  `yaml:"endpoint"`
	TLS      *bool   `yaml:"tls"`
	SNI      *string `yaml:"sni"`
	Rules    []Rule  `yaml:"rules"`
}

type NamedBridge struct {
	Key string
	Bridge
}

// Bridges keeps the tenants in document order
type Bridges []NamedBridge

func (b *Bridges) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var items yaml.MapSlice
	if err := unmarshal(&items); err != nil {
		return err
	}

	out := make(Bridges, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		key, ok := item.Key.(string)
		if !ok {
			return &routing.ConfigParseError{
				Field: fmt.Sprintf("bridges[%d]", i),
				Err:   fmt.Errorf("tenant key must be a string, got %v", item.Key),
			}
		}
		if _, dup := seen[key]; dup {
			return &routing.ConfigParseError{Tenant: key, Err: errors.New("duplicate tenant key")}
		}
		seen[key] = struct{}{}

		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return &routing.ConfigParseError{Tenant: key, Err: err}
		}
		var bridge Bridge
		if err := yaml.UnmarshalStrict(raw, &bridge); err != nil {
			return &routing.ConfigParseError{Tenant: key, Err: err}
		}
		out = append(out, NamedBridge{Key: key, Bridge: bridge})
	}
	*b = out
	return nil
}

// ProxyConfig is one listener with its tenants and fallback pool
type ProxyConfig struct {
	Port            uint32           `yaml:"port"`
	TLS             TLSConfig        `yaml:"tls"`
	ClusterUpstream *ClusterUpstream `yaml:"clusterUpstream"`
	Bridges         Bridges          `yaml:"bridges"`
}

// Name identifies the proxy in logs and metrics
func (p ProxyConfig) Name() string {
	return "proxy-" + strconv.FormatUint(uint64(p.Port), 10)
}

func (p ProxyConfig) empty() bool {
	return p.Port == 0 && len(p.Bridges) == 0 && p.ClusterUpstream == nil
}

// Config is the whole configuration file. The top level doubles as the first proxy.
type Config struct {
	ProxyConfig `yaml:",inline"`
	Probes      ProbesConfig  `yaml:"probes"`
	Proxy       []ProxyConfig `yaml:"proxy"`
}

// Proxies returns the implicit top-level proxy, if any, followed by the proxy list
func (c *Config) Proxies() []ProxyConfig {
	out := make([]ProxyConfig, 0, len(c.Proxy)+1)
	if !c.ProxyConfig.empty() {
		out = append(out, c.ProxyConfig)
	}
	return append(out, c.Proxy...)
}

// Parse decodes and validates a configuration file. Every error is a *routing.ConfigParseError.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, asParseError(err)
	}
	if err := cfg.validate(); err != nil {
		return nil, asParseError(err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	proxies := c.Proxies()
	if len(proxies) == 0 {
		return &routing.ConfigParseError{Field: "proxy", Err: errNoProxy}
	}
	ports := make(map[uint32]struct{})
	for i, p := range proxies {
		if p.Port == 0 {
			return &routing.ConfigParseError{Field: fmt.Sprintf("proxy[%d].port", i), Err: errMissingPort}
		}
		if _, dup := ports[p.Port]; dup {
			return &routing.ConfigParseError{
				Field: fmt.Sprintf("proxy[%d].port", i),
				Err:   fmt.Errorf("port %d is used by more than one proxy", p.Port),
			}
		}
		ports[p.Port] = struct{}{}

		if err := p.validateUpstream(); err != nil {
			return err
		}
		if _, err := BuildRegistry(p); err != nil {
			return err
		}
	}
	for _, port := range c.Probes.HTTPGet {
		if _, dup := ports[port]; dup {
			return &routing.ConfigParseError{
				Field: "probes.httpGet",
				Err:   fmt.Errorf("port %d is already used by a proxy", port),
			}
		}
	}
	return nil
}

var (
	errMissingPort = errors.New("port is required")
	errNoProxy     = errors.New("config defines no proxy")
)

func (p ProxyConfig) validateUpstream() error {
	cu := p.ClusterUpstream
	if cu == nil {
		return nil
	}
	for i, peer := range cu.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return &routing.ConfigParseError{Field: fmt.Sprintf("%s.clusterUpstream.peers[%d]", p.Name(), i), Err: err}
		}
	}
	if cu.Consul != nil && cu.Consul.Service == "" {
		return routing.MissingField("", p.Name()+".clusterUpstream.consul.service")
	}
	if cu.Marathon != nil {
		if cu.Marathon.URL == "" {
			return routing.MissingField("", p.Name()+".clusterUpstream.marathon.url")
		}
		if cu.Marathon.App == "" {
			return routing.MissingField("", p.Name()+".clusterUpstream.marathon.app")
		}
	}
	return nil
}

func asParseError(err error) error {
	var parseErr *routing.ConfigParseError
	if errors.As(err, &parseErr) {
		return err
	}
	return &routing.ConfigParseError{Err: err}
}
