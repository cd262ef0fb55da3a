package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadUnifiedConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("valid unified config", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "valid.jsonc")
		configJSON := `{
			// Test config
			"server": {
				"address": ":9000",
				"security_profile": 1
			},
			"security": {
				"seed_accounts": [{"identity": "CP-1001", "password": "secret"}]
			},
			"defaults": {
				"connection": {"call_timeout_ms": 15000, "max_reconnects": 5},
				"rate_limit": {"limit": 10, "window_ms": 1000}
			},
			"variants": {
				"variants": {
					"ocpp1.6-ext": {"name": "ocpp1.6-ext", "schemaSet": "ocpp1.6", "minSecurityProfile": 1}
				}
			}
		}`
		_ = os.WriteFile(configPath, []byte(configJSON), 0o644)

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Server.Address != ":9000" {
			t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":9000")
		}
		if cfg.Server.SecurityProfile != 1 {
			t.Errorf("Server.SecurityProfile = %d, want 1", cfg.Server.SecurityProfile)
		}
		if cfg.Defaults.Connection.CallTimeoutMs != 15000 {
			t.Errorf("Defaults.Connection.CallTimeoutMs = %d, want 15000", cfg.Defaults.Connection.CallTimeoutMs)
		}
		if len(cfg.Variants.Variants) != 1 {
			t.Errorf("len(Variants.Variants) = %d, want 1", len(cfg.Variants.Variants))
		}
		if len(cfg.Security.SeedAccounts) != 1 || cfg.Security.SeedAccounts[0].Identity != "CP-1001" {
			t.Errorf("Security.SeedAccounts = %+v, want one seed account for CP-1001", cfg.Security.SeedAccounts)
		}
	})

	t.Run("JSONC comments are stripped", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "comments.jsonc")
		configJSON := `{
			// Line comment
			"server": {"address": ":8080"},
			/* Block comment */
			"defaults": {},
			"variants": {}
		}`
		_ = os.WriteFile(configPath, []byte(configJSON), 0o644)

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Server.Address != ":8080" {
			t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":8080")
		}
	})

	t.Run("applies defaults for missing fields", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "minimal.jsonc")
		configJSON := `{
			"server": {},
			"defaults": {},
			"variants": {}
		}`
		_ = os.WriteFile(configPath, []byte(configJSON), 0o644)

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Server.Address != ":8080" {
			t.Errorf("Server.Address = %q, want default %q", cfg.Server.Address, ":8080")
		}
		if cfg.Server.MaxMessageBytes != 128*1024 {
			t.Errorf("Server.MaxMessageBytes = %d, want default %d", cfg.Server.MaxMessageBytes, 128*1024)
		}
		if cfg.Defaults.Connection.MaxReconnects != 10 {
			t.Errorf("Defaults.Connection.MaxReconnects = %d, want default %d", cfg.Defaults.Connection.MaxReconnects, 10)
		}
		if cfg.Defaults.Cluster.Mode != "single" {
			t.Errorf("Defaults.Cluster.Mode = %q, want default %q", cfg.Defaults.Cluster.Mode, "single")
		}
	})

	t.Run("invalid JSON returns error", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "invalid.jsonc")
		_ = os.WriteFile(configPath, []byte("not json"), 0o644)

		_, err := LoadUnifiedConfig(configPath)
		if err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

func TestFindConfigPath(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("finds config in specified dir", func(t *testing.T) {
		configDir := filepath.Join(tmpDir, "custom")
		_ = os.MkdirAll(configDir, 0o755)
		_ = os.WriteFile(filepath.Join(configDir, "ocppws.jsonc"), []byte("{}"), 0o644)

		path, err := FindConfigPath(configDir)
		if err != nil {
			t.Fatalf("FindConfigPath() error = %v", err)
		}
		if filepath.Base(path) != "ocppws.jsonc" {
			t.Errorf("FindConfigPath() = %q, want ocppws.jsonc", path)
		}
	})

	t.Run("error when config not found", func(t *testing.T) {
		_, err := FindConfigPath(filepath.Join(tmpDir, "nonexistent"))
		if err == nil {
			t.Error("expected error when config not found")
		}
	})
}

func TestLoadAll(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("loads unified config", func(t *testing.T) {
		configDir := filepath.Join(tmpDir, "all")
		_ = os.MkdirAll(configDir, 0o755)

		configJSON := `{
			"server": {"address": ":7000", "security_profile": 0},
			"defaults": {
				"connection": {"max_reconnects": 20},
				"cluster": {"enabled": true, "mode": "cluster", "addr": "redis:6379"}
			},
			"variants": {
				"variants": {"ocpp2.1-beta": {"name": "ocpp2.1-beta", "schemaSet": "ocpp2.1"}}
			}
		}`
		_ = os.WriteFile(filepath.Join(configDir, "ocppws.jsonc"), []byte(configJSON), 0o644)

		cfg, err := LoadAll(configDir)
		if err != nil {
			t.Fatalf("LoadAll() error = %v", err)
		}
		if cfg.Server.Address != ":7000" {
			t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":7000")
		}
		if cfg.ConfigDefaults.Connection.MaxReconnects != 20 {
			t.Errorf("ConfigDefaults.Connection.MaxReconnects = %d, want %d", cfg.ConfigDefaults.Connection.MaxReconnects, 20)
		}
		if !cfg.ConfigDefaults.Cluster.Enabled || cfg.ConfigDefaults.Cluster.Addr != "redis:6379" {
			t.Errorf("ConfigDefaults.Cluster = %+v, want enabled cluster at redis:6379", cfg.ConfigDefaults.Cluster)
		}
		if cfg.Variants == nil || len(cfg.Variants.Variants) != 1 {
			t.Errorf("Variants not loaded correctly")
		}
	})
}

func TestLoadedConfig_Validate(t *testing.T) {
	t.Run("profile 0 is valid without TLS", func(t *testing.T) {
		cfg := &LoadedConfig{
			Server:   ServerJSONConfig{SecurityProfile: 0},
			Security: &SecurityRegistry{},
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("profile 2 without TLS is invalid", func(t *testing.T) {
		cfg := &LoadedConfig{
			Server:   ServerJSONConfig{SecurityProfile: 2},
			Security: &SecurityRegistry{},
		}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() error = nil, want error for missing TLS material")
		}
	})

	t.Run("profile 2 with TLS is valid", func(t *testing.T) {
		cfg := &LoadedConfig{
			Server: ServerJSONConfig{SecurityProfile: 2},
			Security: &SecurityRegistry{
				TLS: TLSSettings{CertFile: "cert.pem", KeyFile: "key.pem"},
			},
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("profile 3 without client cert requirement is invalid", func(t *testing.T) {
		cfg := &LoadedConfig{
			Server: ServerJSONConfig{SecurityProfile: 3},
			Security: &SecurityRegistry{
				TLS: TLSSettings{CertFile: "cert.pem", KeyFile: "key.pem"},
			},
		}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() error = nil, want error for missing RequireClientCert")
		}
	})
}
