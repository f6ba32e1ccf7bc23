// Package config loads Mesh configuration from defaults, an optional
// YAML file, and MESH_-prefixed environment variables, in that order of
// precedence.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Store      StoreConfig      `koanf:"store"`
	Identity   IdentityConfig   `koanf:"identity"`
	Delegation DelegationConfig `koanf:"delegation"`
	Discovery  DiscoveryConfig  `koanf:"discovery"`
	Audit      AuditConfig      `koanf:"audit"`
	Pool       PoolConfig       `koanf:"pool"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // sqlite, memory
	DSN    string `koanf:"dsn"`
}

type IdentityConfig struct {
	RotationWindowMinutes  int `koanf:"rotation_window_minutes"`
	RetirementGraceMinutes int `koanf:"retirement_grace_minutes"`
}

type DelegationConfig struct {
	AcceptTimeoutMs   int64 `koanf:"accept_timeout_ms"`
	DefaultTimeoutMs  int64 `koanf:"default_timeout_ms"`
	PollIntervalMs    int64 `koanf:"poll_interval_ms"`
	RateWindowSeconds int   `koanf:"rate_window_seconds"`
}

type DiscoveryConfig struct {
	MinTrustThreshold float64 `koanf:"min_trust_threshold"`
}

type AuditConfig struct {
	RetentionDays          int `koanf:"retention_days"`
	VolumeThresholdPerHour int `koanf:"volume_threshold_per_hour"`
}

// PoolConfig points at a remote delegation pool. Empty base_url means
// the in-process transport.
type PoolConfig struct {
	BaseURL   string `koanf:"base_url"`
	AuthToken string `koanf:"auth_token"`
}

// Load reads configuration from path (optional) and the environment
// (MESH_DELEGATION_ACCEPT_TIMEOUT_MS -> delegation.accept_timeout_ms).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "stdout")
	k.Set("store.driver", "memory")
	k.Set("store.dsn", "mesh.db")
	k.Set("identity.rotation_window_minutes", 60)
	k.Set("identity.retirement_grace_minutes", 10)
	k.Set("delegation.accept_timeout_ms", 30000)
	k.Set("delegation.default_timeout_ms", 30000)
	k.Set("delegation.poll_interval_ms", 100)
	k.Set("delegation.rate_window_seconds", 60)
	k.Set("discovery.min_trust_threshold", 60.0)
	k.Set("audit.retention_days", 90)
	k.Set("audit.volume_threshold_per_hour", 100)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV. The first underscore separates the section from
	// the key: MESH_LOG_LEVEL -> log.level.
	if err := k.Load(env.Provider("MESH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "MESH_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
