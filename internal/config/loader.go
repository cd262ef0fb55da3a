package config

import (
	"fmt"
	"path/filepath"
)

// ServerJSONConfig holds the CSMS listen and runtime defaults.
type ServerJSONConfig struct {
	Address         string `json:"address"`
	SecurityProfile int    `json:"security_profile"`
	MaxMessageBytes int    `json:"max_message_bytes"`
	MaxSessions     int    `json:"max_sessions"`
	PingIntervalMs  int64  `json:"ping_interval_ms"`
	MaxBadMessages  int    `json:"max_bad_messages"`
	CallConcurrency int    `json:"call_concurrency"`
}

// ConfigDefaultsConfig holds default settings applied to every
// connection/station unless overridden per-route.
type ConfigDefaultsConfig struct {
	Connection ConnectionDefaults `json:"connection"`
	RateLimit  RateLimitDefaults  `json:"rate_limit"`
	ParsePool  ParsePoolDefaults  `json:"parse_pool"`
	Cluster    ClusterDefaults    `json:"cluster"`
}

// ConnectionDefaults contains the station-side state machine defaults:
// call timeout, reconnect backoff bounds, and ping/pong liveness budget.
type ConnectionDefaults struct {
	CallTimeoutMs  int64 `json:"call_timeout_ms"`
	BackoffMinMs   int64 `json:"backoff_min_ms"`
	BackoffMaxMs   int64 `json:"backoff_max_ms"`
	MaxReconnects  int   `json:"max_reconnects"`
	PingIntervalMs int64 `json:"ping_interval_ms"`
}

// RateLimitDefaults describes the upgrade-time connection-rate limiter.
type RateLimitDefaults struct {
	Limit    int   `json:"limit"`
	WindowMs int64 `json:"window_ms"`
}

// ParsePoolDefaults sizes the off-thread parse/validate worker pool.
type ParsePoolDefaults struct {
	Workers      int `json:"workers"`
	MaxQueueSize int `json:"max_queue_size"`
}

// ClusterDefaults configures the Redis-compatible cluster adapter.
// Disabled by default: a single-process CSMS needs none of this.
type ClusterDefaults struct {
	Enabled               bool   `json:"enabled"`
	Mode                  string `json:"mode"` // "single" or "cluster"
	Addr                  string `json:"addr"`
	NodeID                string `json:"node_id"`
	ChannelPrefix         string `json:"channel_prefix"`
	PresenceTTLMultiplier int    `json:"presence_ttl_multiplier"`
	StreamMaxLen          int64  `json:"stream_max_len"`
}

// LoadedConfig holds all configuration loaded from ocppws.jsonc.
type LoadedConfig struct {
	Server         ServerJSONConfig
	Security       *SecurityRegistry
	ConfigDefaults ConfigDefaultsConfig
	Variants       *VariantRegistry
	ConfigDir      string
}

// DefaultConfigDefaults returns the default configuration values.
func DefaultConfigDefaults() ConfigDefaultsConfig {
	return ConfigDefaultsConfig{
		Connection: ConnectionDefaults{
			CallTimeoutMs:  30_000,
			BackoffMinMs:   1_000,
			BackoffMaxMs:   30_000,
			MaxReconnects:  10,
			PingIntervalMs: 30_000,
		},
		RateLimit: RateLimitDefaults{
			Limit:    20,
			WindowMs: 2_000,
		},
		ParsePool: ParsePoolDefaults{
			Workers:      0, // 0 means caller computes max(2, cores-2)
			MaxQueueSize: 10_000,
		},
		Cluster: ClusterDefaults{
			Enabled:               false,
			Mode:                  "single",
			ChannelPrefix:         "ocpp-ws-io:",
			PresenceTTLMultiplier: 3,
			StreamMaxLen:          10_000,
		},
	}
}

// DefaultLoadedConfig returns a configuration usable with no
// ocppws.jsonc present at all: the same values applyUnifiedDefaults
// would fill into an empty file.
func DefaultLoadedConfig() *LoadedConfig {
	return &LoadedConfig{
		Server: ServerJSONConfig{
			Address:         ":8080",
			MaxMessageBytes: 128 * 1024,
			MaxSessions:     50_000,
			PingIntervalMs:  30_000,
			MaxBadMessages:  5,
			CallConcurrency: 1,
		},
		Security:       &SecurityRegistry{},
		ConfigDefaults: DefaultConfigDefaults(),
		Variants:       &VariantRegistry{Variants: map[string]VariantDefinition{}},
	}
}

// LoadAll loads configuration from ocppws.jsonc.
func LoadAll(configDir string) (*LoadedConfig, error) {
	configPath, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}

	unified, err := LoadUnifiedConfig(configPath)
	if err != nil {
		return nil, err
	}

	return unified.ToLoadedConfig(filepath.Dir(configPath)), nil
}

// Validate checks that required configuration is present and internally
// consistent: security profiles >=2 need TLS material, profile 3
// additionally requires client cert enforcement.
func (c *LoadedConfig) Validate() error {
	if c.Server.SecurityProfile >= 2 {
		if c.Security == nil || !c.Security.HasTLS() {
			return fmt.Errorf("security profile %d requires tls.certFile/tls.keyFile in ocppws.jsonc", c.Server.SecurityProfile)
		}
	}
	if c.Server.SecurityProfile == 3 && !c.Security.RequiresClientCert() {
		return fmt.Errorf("security profile 3 (mTLS) requires tls.requireClientCert=true")
	}
	return nil
}
