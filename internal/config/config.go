package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxConfigBytes bounds the size of atlas.yaml.
const maxConfigBytes = 1 << 20

// Config is the top-level atlas configuration.
type Config struct {
	Version     string            `yaml:"version"`
	Preset      string            `yaml:"preset"`
	Server      ServerConfig      `yaml:"server"`
	Persistence PersistenceConfig `yaml:"persistence"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Sanitizer   SanitizerConfig   `yaml:"sanitizer"`
	Output      OutputConfig      `yaml:"output"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	AutoApprove []AutoApproveRule `yaml:"auto_approve,omitempty"`
	Webhooks    []Webhook         `yaml:"webhooks,omitempty"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"` // Address to bind (default: 127.0.0.1)
	LogLevel string `yaml:"log_level"`
}

// PersistenceConfig selects the approval record backend.
type PersistenceConfig struct {
	Driver string `yaml:"driver"` // sqlite, bolt, postgres
	Path   string `yaml:"path,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

// RateLimitConfig configures the fixed-window operation limiter.
// When RedisURL is set the window is shared through Redis.
type RateLimitConfig struct {
	MaxOpsPerMinute int    `yaml:"max_ops_per_minute"`
	RedisURL        string `yaml:"redis_url,omitempty"`
}

// SanitizerConfig configures untrusted input handling.
type SanitizerConfig struct {
	MaxInputLength int                   `yaml:"max_input_length"`
	TrustLevels    map[string]TrustLevel `yaml:"trust_levels,omitempty"`
	ExtraPatterns  []string              `yaml:"extra_patterns,omitempty"`
	RulesDir       string                `yaml:"rules_dir,omitempty"`
	RulePackScan   bool                  `yaml:"rule_pack_scan"`
}

// OutputConfig configures the output validator.
type OutputConfig struct {
	DetectUnknownAPIs    bool     `yaml:"detect_unknown_apis"`
	KnownAPIHosts        []string `yaml:"known_api_hosts,omitempty"`
	ExtraSuspiciousHosts []string `yaml:"extra_suspicious_hosts,omitempty"`
}

// SandboxConfig configures the container executor.
type SandboxConfig struct {
	Binary string `yaml:"binary"`
	Image  string `yaml:"image"`
}

// AutoApproveRule is the file form of an auto-approve rule.
type AutoApproveRule struct {
	ID          string   `yaml:"id"`
	Priority    int      `yaml:"priority"`
	Enabled     bool     `yaml:"enabled"`
	Command     string   `yaml:"command,omitempty"`
	Directory   string   `yaml:"directory,omitempty"`
	RequestedBy []string `yaml:"requested_by,omitempty"`
	MaxTier     string   `yaml:"max_tier"`
}

// Webhook defines an outgoing notification endpoint.
type Webhook struct {
	URL      string   `yaml:"url"`
	Events   []string `yaml:"events"`             // approval_required, approval_expired, injection_detected, output_blocked, command_rejected
	Template string   `yaml:"template,omitempty"` // plain text with {{TAG}} placeholders, sent as {"text": ...}

	// AllowNetworks lists addresses or CIDRs this hook may reach even though
	// they are private or reserved, e.g. an internal chat relay.
	AllowNetworks []string `yaml:"allow_networks,omitempty"`
}

// Networks parses AllowNetworks. A bare address becomes a single-host
// prefix.
func (w Webhook) Networks() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(w.AllowNetworks))
	for _, s := range w.AllowNetworks {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q", s)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// TelemetryConfig toggles tracing export.
type TelemetryConfig struct {
	Tracing bool   `yaml:"tracing"`
	File    string `yaml:"file,omitempty"` // span output; stderr when empty
}

// Load reads and parses an atlas config file.
func Load(path string) (*Config, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply zero-value defaults after unmarshal
	if cfg.Sanitizer.MaxInputLength == 0 {
		cfg.Sanitizer.MaxInputLength = DefaultMaxInputLength
	}
	if cfg.Persistence.Driver == "" {
		cfg.Persistence.Driver = "sqlite"
	}
	if cfg.Sandbox.Binary == "" {
		cfg.Sandbox.Binary = "docker"
	}

	return cfg, nil
}

// DefaultMaxInputLength caps sanitizer input, in runes.
const DefaultMaxInputLength = 50000

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Preset:  "balanced",
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Persistence: PersistenceConfig{
			Driver: "sqlite",
			Path:   "atlas.db",
		},
		RateLimit: RateLimitConfig{
			MaxOpsPerMinute: 60,
		},
		Sanitizer: SanitizerConfig{
			MaxInputLength: DefaultMaxInputLength,
		},
		Output: OutputConfig{
			DetectUnknownAPIs: true,
		},
		Sandbox: SandboxConfig{
			Binary: "docker",
			Image:  "alpine:3.20",
		},
	}
}

// ApplyEnv overlays ATLAS_* environment variables. It is the only place
// the process environment is consulted for configuration.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("ATLAS_PRESET"); v != "" {
		c.Preset = v
	}
	if v := getenv("ATLAS_DB_PATH"); v != "" {
		c.Persistence.Path = v
	}
	if v := getenv("ATLAS_DB_DSN"); v != "" {
		c.Persistence.DSN = v
	}
	if v := getenv("ATLAS_REDIS_URL"); v != "" {
		c.RateLimit.RedisURL = v
	}
	if v := getenv("ATLAS_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := getenv("ATLAS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Field: "ATLAS_PORT", Msg: fmt.Sprintf("not a number: %q", v)}
		}
		c.Server.Port = port
	}
	return nil
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent. Every failure is a *Error.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &Error{Field: "server.port", Msg: fmt.Sprintf("invalid port: %d", c.Server.Port)}
	}
	if _, err := LookupPreset(c.Preset); err != nil {
		return err
	}
	switch c.Persistence.Driver {
	case "sqlite", "bolt":
		if c.Persistence.Path == "" {
			return &Error{Field: "persistence.path", Msg: "required for " + c.Persistence.Driver}
		}
	case "postgres":
		if c.Persistence.DSN == "" {
			return &Error{Field: "persistence.dsn", Msg: "required for postgres"}
		}
	default:
		return &Error{Field: "persistence.driver", Msg: fmt.Sprintf("unknown driver %q", c.Persistence.Driver)}
	}
	if c.RateLimit.MaxOpsPerMinute < 0 {
		return &Error{Field: "rate_limit.max_ops_per_minute", Msg: "must not be negative"}
	}
	for src, lvl := range c.Sanitizer.TrustLevels {
		if !lvl.Valid() {
			return &Error{Field: "sanitizer.trust_levels." + src, Msg: fmt.Sprintf("invalid trust level %q", lvl)}
		}
	}
	for i, wh := range c.Webhooks {
		if _, err := wh.Networks(); err != nil {
			return &Error{Field: fmt.Sprintf("webhooks[%d].allow_networks", i), Msg: err.Error()}
		}
	}
	seen := make(map[string]bool, len(c.AutoApprove))
	for _, r := range c.AutoApprove {
		if r.ID == "" {
			return &Error{Field: "auto_approve", Msg: "rule id is required"}
		}
		if seen[r.ID] {
			return &Error{Field: "auto_approve", Msg: fmt.Sprintf("duplicate rule id %q", r.ID)}
		}
		seen[r.ID] = true
		switch r.MaxTier {
		case "safe", "dangerous", "unclassified":
		default:
			return &Error{Field: "auto_approve." + r.ID, Msg: fmt.Sprintf("invalid max_tier %q", r.MaxTier)}
		}
	}
	return nil
}

// Level maps log_level to a slog level. Unknown values mean info.
func (s ServerConfig) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// readConfigFile rejects symlinks and oversized files before reading.
func readConfigFile(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%s is a symbolic link (rejected for security)", path)
	}
	if info.Size() > maxConfigBytes {
		return nil, fmt.Errorf("%s is too large (%d bytes, max %d)", path, info.Size(), maxConfigBytes)
	}
	return os.ReadFile(path)
}
