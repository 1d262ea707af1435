// Package config provides configuration loading for depdeck.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the complete depdeck configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NPM       NPMConfig       `koanf:"npm"`
	Scan      ScanConfig      `koanf:"scan"`
	Search    SearchConfig    `koanf:"search"`
	Events    EventsConfig    `koanf:"events"`
	Store     StoreConfig     `koanf:"store"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NPMConfig controls how the package manager is invoked.
type NPMConfig struct {
	// Binary is the npm executable, resolved through PATH when not absolute.
	Binary          string   `koanf:"binary"`
	OutdatedTimeout Duration `koanf:"outdated_timeout"`
	AuditTimeout    Duration `koanf:"audit_timeout"`
}

// ScanConfig controls project discovery.
type ScanConfig struct {
	MaxDepth int      `koanf:"max_depth"`
	Ignore   []string `koanf:"ignore"`
}

// SearchConfig bounds the cross-project package search.
type SearchConfig struct {
	// Concurrency is the number of inventories built at once.
	Concurrency int `koanf:"concurrency"`
	// SpawnRate is the number of npm processes started per second.
	SpawnRate float64 `koanf:"spawn_rate"`
}

// EventsConfig configures the NATS connection used for operation events.
// An empty URL starts an embedded server.
type EventsConfig struct {
	NATSURL string `koanf:"nats_url"`
	Token   Secret `koanf:"token"`
}

// StoreConfig locates the JSON key-value stores.
type StoreConfig struct {
	Dir string `koanf:"dir"`
}

// LoggingConfig holds the user-facing logging knobs.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig configures OTLP trace export of npm invocations.
// Disabled by default.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	// Insecure disables TLS. Local endpoints never use TLS.
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if strings.TrimSpace(c.NPM.Binary) == "" {
		errs = append(errs, errors.New("npm.binary is required"))
	}
	if c.NPM.OutdatedTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("npm.outdated_timeout must be positive"))
	}
	if c.NPM.AuditTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("npm.audit_timeout must be positive"))
	}

	if c.Scan.MaxDepth < 1 || c.Scan.MaxDepth > 32 {
		errs = append(errs, fmt.Errorf("scan.max_depth must be between 1 and 32, got %d", c.Scan.MaxDepth))
	}

	if c.Search.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("search.concurrency must be at least 1, got %d", c.Search.Concurrency))
	}
	if c.Search.SpawnRate <= 0 {
		errs = append(errs, fmt.Errorf("search.spawn_rate must be positive, got %v", c.Search.SpawnRate))
	}

	if c.Events.NATSURL != "" {
		u, err := url.Parse(c.Events.NATSURL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("events.nats_url is not a valid URL: %q", c.Events.NATSURL))
		}
	}

	if c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir is required"))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

const (
	defaultHTTPHost        = "127.0.0.1"
	defaultHTTPPort        = 9494
	defaultShutdownTimeout = 10 * time.Second
	defaultNPMBinary       = "npm"
	defaultOutdatedTimeout = 30 * time.Second
	defaultAuditTimeout    = 120 * time.Second
	defaultMaxDepth        = 5
	defaultConcurrency     = 4
	defaultSpawnRate       = 8
	defaultOTLPEndpoint    = "localhost:4318"
	defaultSampleRate      = 1.0
)
