package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is voltaicd's top-level configuration: defaults, overridden by a
// TOML file, overridden by environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Timeouts  TimeoutsConfig  `toml:"timeouts"`
	Registry  RegistryConfig  `toml:"registry"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Scratch   ScratchConfig   `toml:"scratch"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type TimeoutsConfig struct {
	ModelSeconds    int `toml:"model_seconds"`
	TrainingSeconds int `toml:"training_seconds"`
}

func (t TimeoutsConfig) Model() time.Duration {
	return time.Duration(t.ModelSeconds) * time.Second
}

func (t TimeoutsConfig) Training() time.Duration {
	return time.Duration(t.TrainingSeconds) * time.Second
}

// RegistryConfig selects the Registry's durable backend. Backend is one of
// "memory" (default), "sqlite", or "postgres".
type RegistryConfig struct {
	Backend  string `toml:"backend"`
	DSN      string `toml:"dsn"`
	Postgres string `toml:"postgres_dsn"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

type ScratchConfig struct {
	Root string `toml:"root"`
}

// Default returns a Config with every field set to its out-of-the-box
// value: in-memory registry, no telemetry, a 30s model timeout and an
// hours-scale training timeout, per the node client's own retry rationale.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Timeouts: TimeoutsConfig{ModelSeconds: 30, TrainingSeconds: 3600},
		Registry: RegistryConfig{Backend: "memory"},
		Scratch:  ScratchConfig{Root: os.TempDir()},
	}
}

// Load reads config: defaults -> TOML file at path -> environment
// variables (env wins). A missing or unreadable file at path is not an
// error; the caller already has sensible defaults.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "voltaic.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("VOLTAIC_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("VOLTAIC_REGISTRY_BACKEND"); v != "" {
		cfg.Registry.Backend = v
	}
	if v := os.Getenv("VOLTAIC_REGISTRY_DSN"); v != "" {
		cfg.Registry.DSN = v
	}
	if v := os.Getenv("VOLTAIC_REGISTRY_POSTGRES_DSN"); v != "" {
		cfg.Registry.Postgres = v
	}
	if v := os.Getenv("VOLTAIC_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := os.Getenv("VOLTAIC_SCRATCH_ROOT"); v != "" {
		cfg.Scratch.Root = v
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "voltaicd"
	}

	return cfg
}
