// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                    `toml:"default_provider"`
	Providers       map[string]ProviderConfig `toml:"providers"`
	MCP             MCPConfig                 `toml:"mcp"`
	Cache           CacheConfig               `toml:"cache"`
	Engine          EngineConfig              `toml:"engine"`
	Context         ContextConfig             `toml:"context"`
	Retry           RetryConfig               `toml:"retry"`
	Dispatch        DispatchConfig            `toml:"dispatch"`
}

// EngineConfig holds turn-engine tunables (C8).
type EngineConfig struct {
	MaxIterations        int  `toml:"max_iterations"`
	AllowConcurrentTools bool `toml:"allow_concurrent_tools"`
}

// MaxIterationsOrDefault returns the configured iteration cap or
// engine.DefaultMaxIterations if unset.
func (e EngineConfig) MaxIterationsOrDefault(def int) int {
	if e.MaxIterations <= 0 {
		return def
	}
	return e.MaxIterations
}

// ContextConfig holds context-window tunables (C2/C6). AutoThinThreshold
// and CompactThreshold are parsed but not applied: the window always
// thins above contextwindow.DefaultThinThreshold and compacts at 0.80.
type ContextConfig struct {
	CapacityTokens    int     `toml:"capacity_tokens"`
	AutoThinThreshold int     `toml:"auto_thin_threshold"`
	CompactThreshold  float64 `toml:"compact_threshold"`
	ACDEnabled        bool    `toml:"acd_enabled"`
}

// CapacityTokensOrDefault returns the configured window capacity or def if unset.
func (c ContextConfig) CapacityTokensOrDefault(def int) int {
	if c.CapacityTokens <= 0 {
		return def
	}
	return c.CapacityTokens
}

// RetryConfig holds retry/backoff tunables (C5).
type RetryConfig struct {
	// Mode selects the retry policy: "interactive" (few, fast retries, a
	// human is watching) or "autonomous" (more patient, for unattended runs).
	Mode string `toml:"mode"`
}

// DispatchConfig holds tool-dispatch tunables (C4).
type DispatchConfig struct {
	// InlineCapBytes is the tool-result size above which the dispatcher
	// externalizes content to <session_root>/thinned/ instead of returning
	// it inline. Default 64 KiB.
	InlineCapBytes int `toml:"inline_cap_bytes"`
}

// InlineCapBytesOrDefault returns the configured inline cap or def if unset.
func (d DispatchConfig) InlineCapBytesOrDefault(def int) int {
	if d.InlineCapBytes <= 0 {
		return def
	}
	return d.InlineCapBytes
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	// Type selects the wire protocol: "ollama" (default), "anthropic", or
	// "vllm". Kept separate from the provider's map key (its display name)
	// so multiple entries can share a type with different endpoints/models.
	Type        string  `toml:"type"`
	Endpoint    string  `toml:"endpoint"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
}

// Provider type identifiers accepted in ProviderConfig.Type.
const (
	ProviderTypeOllama    = "ollama"
	ProviderTypeAnthropic = "anthropic"
	ProviderTypeVLLM      = "vllm"
)

// TypeOrDefault returns cfg.Type, defaulting to ProviderTypeOllama for
// configs written before Type existed.
func (cfg ProviderConfig) TypeOrDefault() string {
	if cfg.Type == "" {
		return ProviderTypeOllama
	}
	return cfg.Type
}

// MCPConfig holds MCP proxy settings.
type MCPConfig struct {
	Upstream string `toml:"upstream"`
}

// Load reads configuration from a TOML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	// Config file is required
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	// File must exist
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Load from file
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	// Validate default provider if specified
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error

	switch cfg.TypeOrDefault() {
	case ProviderTypeOllama, ProviderTypeAnthropic, ProviderTypeVLLM:
	default:
		errs = append(errs, fmt.Errorf("providers.%s.type=%q must be one of %s, %s, %s",
			name, cfg.Type, ProviderTypeOllama, ProviderTypeAnthropic, ProviderTypeVLLM))
	}

	// Anthropic falls back to the official API endpoint when unset; every
	// other type talks to an operator-specified server and needs one.
	if cfg.Endpoint == "" && cfg.TypeOrDefault() != ProviderTypeAnthropic {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if cfg.Endpoint != "" {
		if err := validateEndpoint(cfg.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
		}
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"SYMB_MCP_ENDPOINT", func(v string) {
			if v != "" {
				cfg.MCP.Upstream = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the Symb data directory (~/.config/symb).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "symb"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
