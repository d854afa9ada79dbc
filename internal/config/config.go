// Package config loads orchestrator configuration from a YAML file with
// environment-variable overrides for individual tunables.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level orchestrator configuration.
type Config struct {
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory store
	// (development / tests with the mock provider).
	DatabaseURL string `yaml:"database_url"`

	// NATSURL is the command bus endpoint. Empty disables the dispatcher;
	// the polling jobs then carry the whole workload.
	NATSURL string `yaml:"nats_url"`

	// CommandSubject is the bus subject carrying orchestrator commands.
	CommandSubject string `yaml:"command_subject"`

	// ListenAddr is the internal HTTP listen address (heartbeats, routing,
	// metrics).
	ListenAddr string `yaml:"listen_addr"`

	Provider ProviderConfig `yaml:"provider"`

	// Zones the orchestrator manages; used by catalog sync and full
	// reconciliation.
	Zones []string `yaml:"zones"`

	LogLevel string `yaml:"log_level"`

	Timeouts *Timeouts `yaml:"-"`
}

// ProviderConfig selects and parameterizes the cloud provider adapter.
type ProviderConfig struct {
	// Name is "hetzner" or "mock".
	Name string `yaml:"name"`
	// Token is the cloud API token. Overridden by GPUFLEET_PROVIDER_TOKEN.
	Token string `yaml:"token"`
	// BootImage is the image name the adapter resolves to a concrete
	// provider image at provision time.
	BootImage string `yaml:"boot_image"`
}

// Load reads the config file at path and applies defaults and environment
// overrides. A missing path yields a pure-default config, which runs the
// orchestrator with the in-memory store and mock provider.
func Load(path string) (*Config, error) {
	cfg := &Config{
		CommandSubject: "gpufleet.commands",
		ListenAddr:     ":8001",
		Provider:       ProviderConfig{Name: "mock", BootImage: "ubuntu-24.04"},
		Zones:          []string{"dev-1"},
		LogLevel:       "info",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("GPUFLEET_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("GPUFLEET_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("GPUFLEET_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GPUFLEET_PROVIDER"); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv("GPUFLEET_PROVIDER_TOKEN"); v != "" {
		cfg.Provider.Token = v
	}

	cfg.Timeouts = LoadTimeouts()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Provider.Name {
	case "hetzner":
		if c.Provider.Token == "" {
			return fmt.Errorf("provider %q requires a token", c.Provider.Name)
		}
	case "mock":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	if len(c.Zones) == 0 {
		return fmt.Errorf("at least one zone must be configured")
	}
	return nil
}
