// Package config holds the federation node's configuration surface,
// loaded from YAML with environment-variable overrides, in the same
// layered-defaults style the rest of the node codebase uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pubsubclub/federation/internal/wire"
	"gopkg.in/yaml.v3"
)

// PeerAddress is a dial target, (host, port).
type PeerAddress struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (p PeerAddress) String() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Config is the top-level federation node configuration (§6).
type Config struct {
	Federation FederationConfig `yaml:"federation"`
	Producer   ProducerConfig   `yaml:"producer"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ProducerConfig configures the federation Producer endpoint. DialPeers
// lists Consumer listeners this node should dial out to directly, for the
// "Producer dials Consumer" topology (§4.1 scenario S1) as opposed to the
// more common "Consumer dials Producer" direction.
type ProducerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BindInterface string        `yaml:"bind_interface"`
	BindPort      int           `yaml:"bind_port"`
	DialPeers     []PeerAddress `yaml:"dial_peers"`
}

// ConsumerConfig configures the federation Consumer endpoint.
type ConsumerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BindInterface  string `yaml:"bind_interface"`
	BindPort       int    `yaml:"bind_port"`
}

// DiscoveryConfig configures the optional Consul-compatible discovery
// driver (§4.6). DiscoveryURL empty disables discovery entirely.
type DiscoveryConfig struct {
	DiscoveryURL     string `yaml:"discovery_url"`
	DiscoveryService string `yaml:"discovery_service"`
}

// AdminConfig configures the admin HTTP status surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls console output.
type LoggingConfig struct {
	Colors bool `yaml:"colors"`
}

// NodeID is the optional 31-bit self-loop-suppression identifier (§3).
type NodeID struct {
	Value int32
	Set   bool
}

// Pointer returns the configured id as *int32, or nil if unset.
func (n NodeID) Pointer() *int32 {
	if !n.Set {
		return nil
	}
	v := n.Value
	return &v
}

// FederationConfig bundles the protocol-level knobs shared by both
// Producer and Consumer endpoints (§6).
type FederationConfig struct {
	NodeID             NodeID          `yaml:"-"`
	NodeIDRaw          *int32          `yaml:"node_id"`
	InitialPeers       []PeerAddress   `yaml:"initial_peers"`
	SupportedVersions  []wire.Version  `yaml:"-"`
	SupportedVersionsRaw [][2]int      `yaml:"supported_versions"`
}

// Timing constants per §6. They are compile-time constants; no config
// field or environment variable overrides them.
const (
	PollWait          = 60 * time.Second
	DebouncePeriod    = 30 * time.Second
	MinQueryPeriod    = 5 * time.Second
	HTTPRetryWait     = 10 * time.Second
	PingIntervalLow   = 3 * time.Second
	PingIntervalHigh  = 7 * time.Second
)

// Default returns a Config with the constants from §6 and no peers/discovery
// configured; callers layer YAML and env overrides on top.
func Default() *Config {
	cfg := &Config{
		Producer: ProducerConfig{Enabled: true, BindInterface: "0.0.0.0", BindPort: 9001},
		Consumer: ConsumerConfig{Enabled: true, BindInterface: "0.0.0.0", BindPort: 9000},
		Admin:    AdminConfig{Enabled: true, Addr: "127.0.0.1:9090"},
		Logging:  LoggingConfig{Colors: true},
	}
	cfg.Federation.Resolve()
	return cfg
}

// LoadFile reads and parses a YAML config file on top of Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.Federation.Resolve()
	return cfg, nil
}

// ApplyEnvOverrides mutates cfg from environment variables. Precedence:
// CLI flags (applied by the caller afterwards) > env > file/defaults.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PUBSUBCLUB_PRODUCER_BIND_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Producer.BindPort = n
		}
	}
	if v := os.Getenv("PUBSUBCLUB_CONSUMER_BIND_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consumer.BindPort = n
		}
	}
	if v := os.Getenv("PUBSUBCLUB_NODE_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			id := int32(n)
			cfg.Federation.NodeIDRaw = &id
			cfg.Federation.Resolve()
		}
	}
	if v := os.Getenv("PUBSUBCLUB_DISCOVERY_URL"); v != "" {
		cfg.Discovery.DiscoveryURL = v
	}
	if v := os.Getenv("PUBSUBCLUB_DISCOVERY_SERVICE"); v != "" {
		cfg.Discovery.DiscoveryService = v
	}
	if v := os.Getenv("PUBSUBCLUB_ADMIN_ADDR"); v != "" {
		cfg.Admin.Addr = v
	}
	if v := os.Getenv("PUBSUBCLUB_LOG_COLORS"); v != "" {
		cfg.Logging.Colors = parseBool(v, cfg.Logging.Colors)
	}
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Resolve normalizes the raw YAML-friendly fields of
// FederationConfig (plain ints, [2]int pairs) into the typed wire.Version /
// NodeID forms the session machinery wants.
func (f *FederationConfig) Resolve() {
	if f.NodeIDRaw != nil {
		f.NodeID = NodeID{Value: *f.NodeIDRaw, Set: true}
	}
	if len(f.SupportedVersionsRaw) == 0 {
		f.SupportedVersions = []wire.Version{{Major: 1, Minor: 0}}
		return
	}
	versions := make([]wire.Version, 0, len(f.SupportedVersionsRaw))
	for _, pair := range f.SupportedVersionsRaw {
		versions = append(versions, wire.Version{Major: pair[0], Minor: pair[1]})
	}
	f.SupportedVersions = versions
}
