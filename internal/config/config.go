// Package config loads and validates INT3RCEPTOR's runtime configuration
// from a YAML file, CLI flags, and environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the interceptor process.
type Config struct {
	Listen    string          `yaml:"listen"`
	API       APIConfig       `yaml:"api"`
	CA        CAConfig        `yaml:"ca"`
	Capture   CaptureConfig   `yaml:"capture"`
	Scope     ScopeConfig     `yaml:"scope"`
	Plugin    PluginConfig    `yaml:"plugin"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redaction RedactionConfig `yaml:"redaction"`

	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxBodyBytes   int    `yaml:"max_body_bytes"`
	AuditLogPath   string `yaml:"audit_log_path"`
}

// APIConfig holds control API listener + auth configuration.
type APIConfig struct {
	Listen         string       `yaml:"listen"`
	Token          string       `yaml:"token"`
	DevMode        bool         `yaml:"dev_mode"`
	CSRFProtection bool         `yaml:"csrf_protection"`
	CSRFSecret     string       `yaml:"csrf_secret"`
	IPFilter       IPFilterRule `yaml:"ip_filter"`
}

// IPFilterRule is an allow/block CIDR list for the control API.
type IPFilterRule struct {
	Allow []string `yaml:"allow" json:"allow"`
	Block []string `yaml:"block" json:"block"`
}

// CAConfig points at the operator-supplied root CA key material.
type CAConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// CaptureConfig bounds the Capture Store and optional persistence. When
// CAPTURE_BACKEND=redis is set, Redis fields below select a shared,
// multi-process flow index instead of DBPath's local SQLite file; the two
// backends are never attached together.
type CaptureConfig struct {
	MaxFlows       int    `yaml:"max_flows"`
	DBPath         string `yaml:"db_path"`
	WSMaxFrames    int    `yaml:"ws_max_frames"`
	WSMaxPerConn   int    `yaml:"ws_max_frames_per_session"`
	WSMaxPayload   int    `yaml:"ws_max_payload_bytes"`
	IntruderMaxRes int    `yaml:"intruder_max_results"`

	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`
}

// ScopeConfig is the initial scope loaded at startup; it is mutable at
// runtime via the control API.
type ScopeConfig struct {
	Includes []PatternConfig `yaml:"includes"`
	Excludes []PatternConfig `yaml:"excludes"`
}

// PatternConfig is the YAML/JSON wire shape of a scope.Pattern.
type PatternConfig struct {
	Scheme string `yaml:"scheme,omitempty" json:"scheme,omitempty"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port,omitempty" json:"port,omitempty"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
}

// PluginConfig configures the WASM plugin host.
type PluginConfig struct {
	Dir           string        `yaml:"dir"`
	MemLimitBytes int           `yaml:"mem_limit_bytes"`
	HookTimeout   time.Duration `yaml:"hook_timeout"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// RedactionConfig controls PII/credential scrubbing of captured flow bodies
// before they reach the capture store (spec.md §4.5 capture view).
type RedactionConfig struct {
	Enabled        bool                    `yaml:"enabled"`
	CustomPatterns []RedactionPatternConfig `yaml:"patterns"`
}

// RedactionPatternConfig is one operator-supplied redaction pattern.
type RedactionPatternConfig struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Load reads and parses the configuration file, falling back to defaults
// when the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen: ":8888",
		API: APIConfig{
			Listen:         ":8889",
			DevMode:        false,
			CSRFProtection: false,
		},
		Capture: CaptureConfig{
			MaxFlows:       10000,
			WSMaxFrames:    10000,
			WSMaxPerConn:   1000,
			WSMaxPayload:   10 * 1024 * 1024,
			IntruderMaxRes: 100000,
		},
		Plugin: PluginConfig{
			Dir:           "plugins",
			MemLimitBytes: 16 * 1024 * 1024,
			HookTimeout:   10 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
		MaxConcurrency: 64,
		MaxBodyBytes:   1024 * 1024,
	}
}

// applyEnvOverrides applies the environment variables named in spec.md §6.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("INTERCEPTOR_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("INTERCEPTOR_DEV_MODE"); v == "1" || v == "true" {
		c.API.DevMode = true
	}
	if v := os.Getenv("INTERCEPTOR_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("INTERCEPTOR_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConcurrency = n
		}
	}
	if v := os.Getenv("INTERCEPTOR_WS_MAX_FRAMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Capture.WSMaxFrames = n
		}
	}
	if v := os.Getenv("INTERCEPTOR_INTRUDER_MAX_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Capture.IntruderMaxRes = n
		}
	}
	if v := os.Getenv("CSRF_PROTECTION"); v == "1" {
		c.API.CSRFProtection = true
	}
	if v := os.Getenv("CSRF_SECRET"); v != "" {
		c.API.CSRFSecret = v
	}
	if v := os.Getenv("IP_FILTER_CONFIG"); v != "" {
		if rule, err := parseIPFilterEnv(v); err == nil {
			c.API.IPFilter = rule
		}
	}
	if v := os.Getenv("AUDIT_LOG_PATH"); v != "" {
		c.AuditLogPath = v
	}
}

// parseIPFilterEnv parses the IP_FILTER_CONFIG JSON document.
func parseIPFilterEnv(raw string) (IPFilterRule, error) {
	var rule IPFilterRule
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		return IPFilterRule{}, fmt.Errorf("parsing IP_FILTER_CONFIG: %w", err)
	}
	return rule, nil
}

// validate checks that the configuration is internally consistent.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if !c.API.DevMode && c.API.Token == "" {
		return fmt.Errorf("api token is required unless dev mode is enabled")
	}
	return nil
}
