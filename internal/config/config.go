// Package config provides configuration management for a messagedisk node.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/RaphaelDarley/messagedisk/internal/model"
)

// Transport kinds
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config holds all configuration for a node.
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Server      ServerConfig      `mapstructure:"server"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Ring        RingConfig        `mapstructure:"ring"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Actor       ActorConfig       `mapstructure:"actor"`
	Bootstrap   BootstrapConfig   `mapstructure:"bootstrap"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	// ID defaults to the node's self address.
	ID string `mapstructure:"id"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	MaxOpenFiles    uint64        `mapstructure:"max_open_files"`
}

// TransportConfig controls how envelopes reach peers.
type TransportConfig struct {
	Kind             string        `mapstructure:"kind"`
	GRPCAddress      string        `mapstructure:"grpc_address"`
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns_per_host"`
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
}

// RingConfig holds ring parameters shared by every ring on the node.
type RingConfig struct {
	ChunkSize         int           `mapstructure:"chunk_size"`
	DefaultChunkNum   uint64        `mapstructure:"default_chunk_num"`
	MaxSpliceHops     uint32        `mapstructure:"max_splice_hops"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	InjectConcurrency int           `mapstructure:"inject_concurrency"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	BindAddr         string        `mapstructure:"bind_addr"`
	BindPort         int           `mapstructure:"bind_port"`
	SeedNodes        []string      `mapstructure:"seed_nodes"`
	GossipInterval   time.Duration `mapstructure:"gossip_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	PushPullInterval time.Duration `mapstructure:"push_pull_interval"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Address         string        `mapstructure:"address"`
	Path            string        `mapstructure:"path"`
	CollectInterval time.Duration `mapstructure:"collect_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ActorConfig configures the actor runtime.
type ActorConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

// BootstrapConfig points at an optional manifest of rings to host at start-up.
type BootstrapConfig struct {
	ManifestPath string `mapstructure:"manifest_path"`
	Workers      int    `mapstructure:"workers"`
	QueueSize    int    `mapstructure:"queue_size"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/messagedisk/")
	}

	v.SetEnvPrefix("MESSAGEDISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")

	// Server defaults. Reads and writes wait for their token, so the server
	// imposes no write deadline of its own.
	v.SetDefault("server.address", "127.0.0.1:6767")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.max_open_files", 100000)

	// Transport defaults
	v.SetDefault("transport.kind", TransportHTTP)
	v.SetDefault("transport.grpc_address", "127.0.0.1:7676")
	v.SetDefault("transport.delivery_timeout", "10s")
	v.SetDefault("transport.max_retries", 0)
	v.SetDefault("transport.retry_backoff", "50ms")
	v.SetDefault("transport.max_idle_conns_per_host", 64)
	v.SetDefault("transport.keepalive_time", "30s")
	v.SetDefault("transport.keepalive_timeout", "10s")

	// Ring defaults
	v.SetDefault("ring.chunk_size", model.DefaultChunkSize)
	v.SetDefault("ring.default_chunk_num", 2048)
	v.SetDefault("ring.max_splice_hops", 4096)
	v.SetDefault("ring.request_timeout", "0s")
	v.SetDefault("ring.inject_concurrency", 16)

	// Gossip defaults
	v.SetDefault("gossip.enabled", false)
	v.SetDefault("gossip.bind_addr", "0.0.0.0")
	v.SetDefault("gossip.bind_port", 7946)
	v.SetDefault("gossip.seed_nodes", []string{})
	v.SetDefault("gossip.gossip_interval", "200ms")
	v.SetDefault("gossip.probe_timeout", "500ms")
	v.SetDefault("gossip.probe_interval", "1s")
	v.SetDefault("gossip.push_pull_interval", "10s")

	// Rate limiter defaults
	v.SetDefault("rate_limiter.enabled", false)
	v.SetDefault("rate_limiter.requests_per_second", 1000.0)
	v.SetDefault("rate_limiter.burst_size", 100)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", "127.0.0.1:9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.collect_interval", "15s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("actor.log_level", "warn")

	v.SetDefault("bootstrap.manifest_path", "")
	v.SetDefault("bootstrap.workers", 4)
	v.SetDefault("bootstrap.queue_size", 64)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validateSelfAddress(c.Server.Address); err != nil {
		return fmt.Errorf("invalid server address: %w", err)
	}

	switch c.Transport.Kind {
	case TransportHTTP:
	case TransportGRPC:
		if err := validateSelfAddress(c.Transport.GRPCAddress); err != nil {
			return fmt.Errorf("invalid grpc address: %w", err)
		}
	default:
		return fmt.Errorf("unknown transport kind: %q", c.Transport.Kind)
	}
	if c.Transport.DeliveryTimeout <= 0 {
		return fmt.Errorf("transport delivery timeout must be positive")
	}
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("transport max retries must not be negative")
	}

	if c.Ring.ChunkSize <= 0 {
		return fmt.Errorf("ring chunk size must be positive")
	}
	if c.Ring.DefaultChunkNum == 0 {
		return fmt.Errorf("ring default chunk num must be positive")
	}
	if c.Ring.RequestTimeout < 0 {
		return fmt.Errorf("ring request timeout must not be negative")
	}
	if c.Ring.InjectConcurrency <= 0 {
		return fmt.Errorf("ring inject concurrency must be positive")
	}

	if c.Gossip.Enabled {
		if c.Gossip.BindPort <= 0 || c.Gossip.BindPort > 65535 {
			return fmt.Errorf("invalid gossip bind port: %d", c.Gossip.BindPort)
		}
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging format: %q", c.Logging.Format)
	}

	if c.Bootstrap.Workers <= 0 || c.Bootstrap.QueueSize <= 0 {
		return fmt.Errorf("bootstrap workers and queue size must be positive")
	}

	return nil
}

// validateSelfAddress checks an address the node announces to peers in splices.
// Wildcard addresses cannot be dialled back.
func validateSelfAddress(s string) error {
	addr, err := model.ParseNodeAddress(s)
	if err != nil {
		return err
	}
	if addr.Addr().IsUnspecified() {
		return fmt.Errorf("%q is unspecified, peers cannot reach it", s)
	}
	return nil
}

// SelfAddress is the address peers use to reach this node: the HTTP address for the
// http transport, the gRPC address for the grpc transport.
func (c *Config) SelfAddress() (model.NodeAddress, error) {
	if c.Transport.Kind == TransportGRPC {
		return model.ParseNodeAddress(c.Transport.GRPCAddress)
	}
	return model.ParseNodeAddress(c.Server.Address)
}

// NodeID returns the configured node id, falling back to the self address.
func (c *Config) NodeID() string {
	if c.Node.ID != "" {
		return c.Node.ID
	}
	if addr, err := c.SelfAddress(); err == nil {
		return addr.String()
	}
	return c.Server.Address
}
