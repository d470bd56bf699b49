// Package config provides the configuration schema, loader, and provider
// registry for the tonecoach server.
package config

import (
	"time"

	"github.com/MrWong99/tonecoach/internal/practice"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Providers ProvidersConfig    `yaml:"providers"`
	Generator GeneratorConfig    `yaml:"generator"`
	Pool      PoolConfig         `yaml:"pool"`
	Sections  []practice.Section `yaml:"sections"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. Default: ":3000".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// StaticDir, when set, is served at / for the browser client.
	StaticDir string `yaml:"static_dir"`

	// AllowedOrigins lists host patterns allowed to open the evaluation
	// websocket cross-origin (e.g. "localhost:5173").
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementations to use. Each entry
// selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// LLM generates practice items and reports.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails or its circuit is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// Scoring is the pronunciation assessment service.
	Scoring ProviderEntry `yaml:"scoring"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "iflytek-ise").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	// For azure-openai it is the deployment name.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// GeneratorConfig tunes LLM sampling. Zero values fall back to the
// generator's defaults.
type GeneratorConfig struct {
	Temperature     float64 `yaml:"temperature"`
	ShortMaxTokens  int     `yaml:"short_max_tokens"`
	LongMaxTokens   int     `yaml:"long_max_tokens"`
	ReportMaxTokens int     `yaml:"report_max_tokens"`
}

// PoolConfig sizes the practice item pool. Zero values fall back to the
// pool's defaults.
type PoolConfig struct {
	Target          int           `yaml:"target"`
	Min             int           `yaml:"min"`
	BatchSize       int           `yaml:"batch_size"`
	MaxInFlight     int           `yaml:"max_in_flight"`
	GenerateTimeout time.Duration `yaml:"generate_timeout"`

	// WarmOnStart fills every key to Min at startup. Default: true.
	WarmOnStart *bool `yaml:"warm_on_start"`
}

// ShouldWarm reports whether the pool is warmed at startup.
func (p PoolConfig) ShouldWarm() bool {
	return p.WarmOnStart == nil || *p.WarmOnStart
}

// TelemetryConfig configures OpenTelemetry resources.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default: "tonecoach".
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is reported in telemetry.
	ServiceVersion string `yaml:"service_version"`

	// OTLPEndpoint is the trace collector host:port. Empty disables OTLP.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPProtocol is "grpc" (default) or "http".
	OTLPProtocol string `yaml:"otlp_protocol"`

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// TraceStdout prints spans to stdout when no OTLP endpoint is set.
	TraceStdout bool `yaml:"trace_stdout"`
}

// ApplyDefaults fills in zero-valued settings that the server needs before
// it can start. Sizing knobs owned by other packages are left untouched.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":3000"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if len(c.Sections) == 0 {
		c.Sections = practice.DefaultSections()
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tonecoach"
	}
}
