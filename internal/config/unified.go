package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// UnifiedConfig is the single configuration file format for ocppws.jsonc.
type UnifiedConfig struct {
	Server   ServerSection   `json:"server"`
	Security SecuritySection `json:"security"`
	Defaults DefaultsSection `json:"defaults"`
	Variants VariantsSection `json:"variants"`
}

// ServerSection contains CSMS listen/runtime settings.
type ServerSection struct {
	Address         string `json:"address"`
	SecurityProfile int    `json:"security_profile"`
	MaxMessageBytes int    `json:"max_message_bytes"`
	MaxSessions     int    `json:"max_sessions"`
	PingIntervalMs  int64  `json:"ping_interval_ms"`
	MaxBadMessages  int    `json:"max_bad_messages"`
	CallConcurrency int    `json:"call_concurrency"`
}

// SecuritySection mirrors SecurityRegistry for JSON decoding.
type SecuritySection struct {
	TLS          TLSSettings        `json:"tls"`
	Cluster      ClusterCredentials `json:"cluster"`
	SeedAccounts []SeedAccount      `json:"seed_accounts"`
}

// DefaultsSection contains default settings applied to connections and
// the supporting subsystems (rate limiting, parse pool, cluster).
type DefaultsSection struct {
	Connection ConnectionDefaults `json:"connection"`
	RateLimit  RateLimitDefaults  `json:"rate_limit"`
	ParsePool  ParsePoolDefaults  `json:"parse_pool"`
	Cluster    ClusterDefaults    `json:"cluster"`
}

// VariantsSection contains user-registered protocol variant definitions.
type VariantsSection struct {
	Variants map[string]VariantDefinition `json:"variants"`
}

// FindConfigPath returns the path to ocppws.jsonc using precedence:
//  1. configDir + /ocppws.jsonc (if configDir specified)
//  2. ./config/ocppws.jsonc (project-local)
//  3. ~/.ocppws/config/ocppws.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	candidates := []string{}

	// 1. Explicit config-dir flag
	if configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, "ocppws.jsonc"))
	}

	// 2. Project-local
	candidates = append(candidates, filepath.Join("config", "ocppws.jsonc"))

	// 3. User global
	homeDir, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".ocppws", "config", "ocppws.jsonc"))
	}

	// Find first existing
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("ocppws.jsonc not found; tried: %v", candidates)
}

// LoadUnifiedConfig loads configuration from a single ocppws.jsonc file.
func LoadUnifiedConfig(configPath string) (*UnifiedConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	jsonData := StripJSONComments(data)

	var cfg UnifiedConfig
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	applyUnifiedDefaults(&cfg)

	if cfg.Variants.Variants == nil {
		cfg.Variants.Variants = make(map[string]VariantDefinition)
	}

	return &cfg, nil
}

func applyUnifiedDefaults(cfg *UnifiedConfig) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 128 * 1024
	}
	if cfg.Server.MaxSessions == 0 {
		cfg.Server.MaxSessions = 50_000
	}
	if cfg.Server.PingIntervalMs == 0 {
		cfg.Server.PingIntervalMs = 30_000
	}
	if cfg.Server.MaxBadMessages == 0 {
		cfg.Server.MaxBadMessages = 5
	}
	if cfg.Server.CallConcurrency == 0 {
		cfg.Server.CallConcurrency = 1
	}

	defaults := DefaultConfigDefaults()

	if cfg.Defaults.Connection.CallTimeoutMs == 0 {
		cfg.Defaults.Connection.CallTimeoutMs = defaults.Connection.CallTimeoutMs
	}
	if cfg.Defaults.Connection.BackoffMinMs == 0 {
		cfg.Defaults.Connection.BackoffMinMs = defaults.Connection.BackoffMinMs
	}
	if cfg.Defaults.Connection.BackoffMaxMs == 0 {
		cfg.Defaults.Connection.BackoffMaxMs = defaults.Connection.BackoffMaxMs
	}
	if cfg.Defaults.Connection.MaxReconnects == 0 {
		cfg.Defaults.Connection.MaxReconnects = defaults.Connection.MaxReconnects
	}
	if cfg.Defaults.Connection.PingIntervalMs == 0 {
		cfg.Defaults.Connection.PingIntervalMs = defaults.Connection.PingIntervalMs
	}

	if cfg.Defaults.RateLimit.Limit == 0 {
		cfg.Defaults.RateLimit.Limit = defaults.RateLimit.Limit
	}
	if cfg.Defaults.RateLimit.WindowMs == 0 {
		cfg.Defaults.RateLimit.WindowMs = defaults.RateLimit.WindowMs
	}

	if cfg.Defaults.ParsePool.MaxQueueSize == 0 {
		cfg.Defaults.ParsePool.MaxQueueSize = defaults.ParsePool.MaxQueueSize
	}

	if cfg.Defaults.Cluster.ChannelPrefix == "" {
		cfg.Defaults.Cluster.ChannelPrefix = defaults.Cluster.ChannelPrefix
	}
	if cfg.Defaults.Cluster.Mode == "" {
		cfg.Defaults.Cluster.Mode = defaults.Cluster.Mode
	}
	if cfg.Defaults.Cluster.PresenceTTLMultiplier == 0 {
		cfg.Defaults.Cluster.PresenceTTLMultiplier = defaults.Cluster.PresenceTTLMultiplier
	}
	if cfg.Defaults.Cluster.StreamMaxLen == 0 {
		cfg.Defaults.Cluster.StreamMaxLen = defaults.Cluster.StreamMaxLen
	}
}

// ToLoadedConfig converts UnifiedConfig to LoadedConfig.
func (u *UnifiedConfig) ToLoadedConfig(configDir string) *LoadedConfig {
	return &LoadedConfig{
		Server: ServerJSONConfig{
			Address:         u.Server.Address,
			SecurityProfile: u.Server.SecurityProfile,
			MaxMessageBytes: u.Server.MaxMessageBytes,
			MaxSessions:     u.Server.MaxSessions,
			PingIntervalMs:  u.Server.PingIntervalMs,
			MaxBadMessages:  u.Server.MaxBadMessages,
			CallConcurrency: u.Server.CallConcurrency,
		},
		Security: &SecurityRegistry{
			TLS:          u.Security.TLS,
			Cluster:      u.Security.Cluster,
			SeedAccounts: u.Security.SeedAccounts,
		},
		ConfigDefaults: ConfigDefaultsConfig{
			Connection: u.Defaults.Connection,
			RateLimit:  u.Defaults.RateLimit,
			ParsePool:  u.Defaults.ParsePool,
			Cluster:    u.Defaults.Cluster,
		},
		Variants:  u.GetVariantRegistry(),
		ConfigDir: configDir,
	}
}

// GetVariantRegistry returns a VariantRegistry from the unified config.
func (u *UnifiedConfig) GetVariantRegistry() *VariantRegistry {
	return &VariantRegistry{
		Variants: u.Variants.Variants,
	}
}

// Validate checks that required configuration is present and internally
// consistent.
func (u *UnifiedConfig) Validate() error {
	if u.Server.SecurityProfile >= 2 {
		if u.Security.TLS.CertFile == "" || u.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security profile %d requires security.tls.certFile/keyFile", u.Server.SecurityProfile)
		}
	}
	if u.Server.SecurityProfile == 3 && !u.Security.TLS.RequireClientCert {
		return fmt.Errorf("security profile 3 (mTLS) requires security.tls.requireClientCert=true")
	}
	if u.Server.SecurityProfile < 0 || u.Server.SecurityProfile > 3 {
		return fmt.Errorf("security_profile must be 0-3, got %d", u.Server.SecurityProfile)
	}
	return nil
}
