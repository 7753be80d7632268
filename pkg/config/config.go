// Package config loads and validates the Sirpi service configuration from
// YAML, with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/FlexiInc/sirpi-gcp/pkg/engine"
	"github.com/FlexiInc/sirpi-gcp/pkg/providers"
	"github.com/FlexiInc/sirpi-gcp/pkg/sandbox"
	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
	"github.com/FlexiInc/sirpi-gcp/pkg/telemetry"
	"github.com/FlexiInc/sirpi-gcp/pkg/transports/stream"
)

// masterSecretEnv overrides the configured credential master secret.
const masterSecretEnv = "SIRPI_MASTER_SECRET"

// Config is the root service configuration.
type Config struct {
	// Database configures the SQLite state store.
	Database stores.Config `yaml:"database" validate:"required"`

	// Sandbox configures the Docker sandbox manager.
	Sandbox sandbox.DockerConfig `yaml:"sandbox"`

	// GCP configures the GCP provider driver.
	GCP providers.GCPConfig `yaml:"gcp"`

	// Engine tunes the orchestration pipeline.
	Engine engine.Config `yaml:"engine"`

	// Server configures the HTTP/websocket transport.
	Server stream.Config `yaml:"server"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry *telemetry.Config `yaml:"telemetry"`

	// MasterSecret protects credentials at rest. Prefer the
	// SIRPI_MASTER_SECRET environment variable over the file.
	MasterSecret string `yaml:"master_secret" validate:"required"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: stores.Config{
			Path:            "sirpi.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Sandbox: sandbox.DockerConfig{
			PullImages: true,
		},
		GCP: providers.GCPConfig{
			TemplateImage: "ghcr.io/flexiinc/sirpi-gcp-toolchain:latest",
			Region:        "europe-west1",
		},
		Engine: engine.DefaultConfig(),
		Server: stream.Config{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults and validates the result. An
// empty path loads defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if secret := os.Getenv(masterSecretEnv); secret != "" {
		cfg.MasterSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration shape.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry configuration: %w", err)
		}
	}
	return nil
}
