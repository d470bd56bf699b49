package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":     {"openai", "azure-openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"scoring": {"iflytek-ise"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. ${VAR} references are expanded from the environment before
// decoding so secrets can stay out of the file.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if dir := cfg.Server.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			slog.Warn("server.static_dir is not a directory; static files will not be served", "dir", dir)
		}
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.LLM.Name == "azure-openai" && cfg.Providers.LLM.BaseURL == "" {
		errs = append(errs, errors.New("providers.llm.base_url is required for azure-openai (the resource endpoint)"))
	}

	sc := cfg.Providers.Scoring
	if sc.Name == "" {
		errs = append(errs, errors.New("providers.scoring.name is required"))
	}
	validateProviderName("scoring", sc.Name)
	if sc.Name == "iflytek-ise" {
		if sc.APIKey == "" {
			errs = append(errs, errors.New("providers.scoring.api_key is required for iflytek-ise"))
		}
		if OptString(sc.Options, "app_id") == "" {
			errs = append(errs, errors.New("providers.scoring.options.app_id is required for iflytek-ise"))
		}
		if OptString(sc.Options, "api_secret") == "" {
			errs = append(errs, errors.New("providers.scoring.options.api_secret is required for iflytek-ise"))
		}
	}

	// Generator
	if t := cfg.Generator.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("generator.temperature %.2f is out of range [0, 2]", t))
	}
	for name, v := range map[string]int{
		"generator.short_max_tokens":  cfg.Generator.ShortMaxTokens,
		"generator.long_max_tokens":   cfg.Generator.LongMaxTokens,
		"generator.report_max_tokens": cfg.Generator.ReportMaxTokens,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	// Pool
	p := cfg.Pool
	if p.Target < 0 || p.Min < 0 || p.BatchSize < 0 || p.MaxInFlight < 0 || p.GenerateTimeout < 0 {
		errs = append(errs, errors.New("pool settings must not be negative"))
	}
	if p.Target > 0 && p.Min > p.Target {
		errs = append(errs, fmt.Errorf("pool.min %d exceeds pool.target %d", p.Min, p.Target))
	}

	// Sections
	seen := make(map[string]int, len(cfg.Sections))
	for i, s := range cfg.Sections {
		prefix := fmt.Sprintf("sections[%d]", i)
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[s.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of sections[%d]", prefix, s.ID, prev))
			}
			seen[s.ID] = i
		}
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if s.Description == "" {
			errs = append(errs, fmt.Errorf("%s.description is required", prefix))
		}
	}

	// Telemetry
	switch cfg.Telemetry.OTLPProtocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("telemetry.otlp_protocol %q is invalid; valid values: grpc, http", cfg.Telemetry.OTLPProtocol))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
