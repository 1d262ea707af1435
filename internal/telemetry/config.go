package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/depdeck/internal/config"
)

// ServiceName identifies depdeck in exported traces.
const ServiceName = "depdeck"

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	ServiceVersion string
	Insecure       bool
	SampleRate     float64
	// ShutdownTimeout bounds the final flush when the caller sets no deadline.
	ShutdownTimeout time.Duration
}

// FromSettings converts the user-facing settings into a Config.
func FromSettings(s config.TelemetryConfig, version string) *Config {
	return &Config{
		Enabled:         s.Enabled,
		Endpoint:        s.Endpoint,
		ServiceVersion:  version,
		Insecure:        s.Insecure,
		SampleRate:      s.SampleRate,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.Insecure && !c.isLocalEndpoint() {
		return fmt.Errorf("insecure connections to remote endpoints are not allowed; use TLS or a local endpoint")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be between 0 and 1, got %v", c.SampleRate)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// plaintext reports whether the exporter skips TLS.
func (c *Config) plaintext() bool {
	return c.Insecure || c.isLocalEndpoint()
}

// isLocalEndpoint checks if the endpoint is a loopback address.
func (c *Config) isLocalEndpoint() bool {
	host := stripScheme(c.Endpoint)

	if strings.HasPrefix(host, "[") {
		// Bracketed IPv6: [::1]:4318
		if idx := strings.Index(host, "]"); idx != -1 {
			host = host[1:idx]
		}
	} else if strings.Count(host, ":") == 1 {
		host = host[:strings.LastIndex(host, ":")]
	}

	return host == "localhost" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.")
}

// stripScheme drops an http:// or https:// prefix; the exporter wants host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
