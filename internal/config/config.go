package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the miner daemon and the validator
// probe loop. Both load the same file; each reads the sections it needs.
type Config struct {
	// MinerID is a persistent identifier for this miner. Generated on
	// first run.
	MinerID string `yaml:"miner_id"`

	// HTTP configures the network surface of the miner daemon.
	HTTP HTTPConfig `yaml:"http"`

	// Auth configures the security token used on mutating routes.
	Auth AuthConfig `yaml:"auth"`

	// Capacity declares the host capacity advertised by this miner.
	Capacity CapacityConfig `yaml:"capacity"`

	// Sandbox configures the container runtime and sandbox defaults.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Challenge configures challenge generation and execution.
	Challenge ChallengeConfig `yaml:"challenge"`

	// Scoring configures the verification scoring policy.
	Scoring ScoringConfig `yaml:"scoring"`

	// Janitor configures TTL and idle eviction.
	Janitor JanitorConfig `yaml:"janitor"`

	// State configures local state storage.
	State StateConfig `yaml:"state"`

	// Validator configures the validator probe loop.
	Validator ValidatorConfig `yaml:"validator"`

	// Logging configures slog output.
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry configures optional PostHog event tracking.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// HTTPConfig configures the miner's HTTP listener.
type HTTPConfig struct {
	// Addr is the bind address (host:port).
	Addr string `yaml:"addr"`

	// AdvertiseHost is the host clients should use in SSH commands.
	AdvertiseHost string `yaml:"advertise_host"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllocateRatePerSec and AllocateBurst rate-limit POST /allocate per
	// client IP.
	AllocateRatePerSec float64 `yaml:"allocate_rate_per_sec"`
	AllocateBurst      int     `yaml:"allocate_burst"`

	// TrustedProxies lists CIDRs whose forwarded headers are honored.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// AuthConfig configures the HS256 token protecting mutating routes.
type AuthConfig struct {
	// Secret signs and verifies tokens. Empty disables auth (development).
	Secret string `yaml:"secret"`

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// CapacityConfig declares the advertised host capacity.
type CapacityConfig struct {
	// TotalCPU is the number of CPU cores offered to sandboxes.
	TotalCPU int `yaml:"total_cpu"`

	// TotalMemory is the memory offered to sandboxes, e.g. "8g".
	TotalMemory string `yaml:"total_memory"`
}

// SandboxConfig configures the container runtime capability.
type SandboxConfig struct {
	// DockerBinary is the docker CLI used to drive the runtime.
	DockerBinary string `yaml:"docker_binary"`

	// BaseImage is the image sandboxes run. It must carry sshd and
	// stress-ng.
	BaseImage string `yaml:"base_image"`

	// NamePrefix prefixes generated sandbox names.
	NamePrefix string `yaml:"name_prefix"`

	// Username is the login user baked into the base image.
	Username string `yaml:"username"`

	// Request bounds enforced by the allocator.
	MinCPU    int    `yaml:"min_cpu"`
	MaxCPU    int    `yaml:"max_cpu"`
	MinMemory string `yaml:"min_memory"`
	MaxMemory string `yaml:"max_memory"`

	// DefaultCPU and DefaultMemory fill unset request fields.
	DefaultCPU    int    `yaml:"default_cpu"`
	DefaultMemory string `yaml:"default_memory"`

	// SampleTimeout bounds a single stats sample. Verification timing
	// accuracy depends on samples returning fast.
	SampleTimeout time.Duration `yaml:"sample_timeout"`

	// CreateTimeout bounds sandbox creation.
	CreateTimeout time.Duration `yaml:"create_timeout"`
}

// ChallengeConfig configures challenge parameter ranges.
type ChallengeConfig struct {
	// MinDuration and MaxDuration bound the drawn workload duration.
	MinDuration time.Duration `yaml:"min_duration"`
	MaxDuration time.Duration `yaml:"max_duration"`

	// Grace is added to the duration for the deadline and the execution
	// timeout.
	Grace time.Duration `yaml:"grace"`

	// MinExpectedCPU and MaxExpectedCPU bound the drawn CPU utilization
	// threshold (percent).
	MinExpectedCPU float64 `yaml:"min_expected_cpu"`
	MaxExpectedCPU float64 `yaml:"max_expected_cpu"`

	// SampleInterval is the metrics sampling cadence during execution.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// ScoringConfig holds the tunable scoring policy. The algorithm never
// hard-codes these.
type ScoringConfig struct {
	CPUWeight      float64 `yaml:"cpu_weight"`
	MemoryWeight   float64 `yaml:"memory_weight"`
	DurationWeight float64 `yaml:"duration_weight"`

	// AcceptThreshold is the accept/reject verdict cut on the 0-100 scale.
	AcceptThreshold float64 `yaml:"accept_threshold"`
}

// JanitorConfig configures background eviction.
type JanitorConfig struct {
	// Interval is how often the janitor runs.
	Interval time.Duration `yaml:"interval"`

	// IdleTTL evicts sandboxes with no challenge activity for this long.
	// Zero disables idle eviction.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// StateConfig configures local state storage.
type StateConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string `yaml:"db_path"`
}

// ValidatorConfig configures the validator probe loop.
type ValidatorConfig struct {
	// Miners lists miner HTTP endpoints to probe.
	Miners []MinerEndpoint `yaml:"miners"`

	// ProbeInterval is the delay between probe rounds.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// RequestTimeout bounds a single HTTP call to a miner.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// LedgerPath is the validator's sqlite metrics ledger.
	LedgerPath string `yaml:"ledger_path"`

	// TrustWindow is the number of recent scores in the rolling trust
	// average.
	TrustWindow int `yaml:"trust_window"`
}

// MinerEndpoint identifies one miner to probe.
type MinerEndpoint struct {
	MinerID string `yaml:"miner_id"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures optional PostHog tracking.
type TelemetryConfig struct {
	PostHogAPIKey   string `yaml:"posthog_api_key"`
	PostHogEndpoint string `yaml:"posthog_endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".veriduct")

	return Config{
		HTTP: HTTPConfig{
			Addr:               ":8080",
			ReadTimeout:        60 * time.Second,
			WriteTimeout:       120 * time.Second,
			IdleTimeout:        120 * time.Second,
			ShutdownTimeout:    20 * time.Second,
			AllocateRatePerSec: 0.5,
			AllocateBurst:      5,
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		Capacity: CapacityConfig{
			TotalCPU:    4,
			TotalMemory: "8g",
		},
		Sandbox: SandboxConfig{
			DockerBinary:  "docker",
			BaseImage:     "veriduct/sandbox:latest",
			NamePrefix:    "veriduct-sbx",
			Username:      "polaris",
			MinCPU:        1,
			MaxCPU:        16,
			MinMemory:     "256m",
			MaxMemory:     "32g",
			DefaultCPU:    1,
			DefaultMemory: "1g",
			SampleTimeout: 2 * time.Second,
			CreateTimeout: 2 * time.Minute,
		},
		Challenge: ChallengeConfig{
			MinDuration:    5 * time.Second,
			MaxDuration:    60 * time.Second,
			Grace:          10 * time.Second,
			MinExpectedCPU: 50,
			MaxExpectedCPU: 90,
			SampleInterval: 2 * time.Second,
		},
		Scoring: ScoringConfig{
			CPUWeight:       0.4,
			MemoryWeight:    0.3,
			DurationWeight:  0.3,
			AcceptThreshold: 70.0,
		},
		Janitor: JanitorConfig{
			Interval: time.Minute,
			IdleTTL:  30 * time.Minute,
		},
		State: StateConfig{
			DBPath: filepath.Join(dir, "minerd.db"),
		},
		Validator: ValidatorConfig{
			ProbeInterval:  5 * time.Minute,
			RequestTimeout: 2 * time.Minute,
			LedgerPath:     filepath.Join(dir, "ledger.db"),
			TrustWindow:    20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Capacity.TotalCPU <= 0 {
		return fmt.Errorf("capacity.total_cpu must be positive")
	}
	if _, err := ParseMemory(c.Capacity.TotalMemory); err != nil {
		return fmt.Errorf("capacity.total_memory: %w", err)
	}
	if c.Challenge.MinDuration <= 0 || c.Challenge.MaxDuration < c.Challenge.MinDuration {
		return fmt.Errorf("challenge duration bounds invalid: min=%s max=%s",
			c.Challenge.MinDuration, c.Challenge.MaxDuration)
	}
	if c.Challenge.MinExpectedCPU < 0 || c.Challenge.MaxExpectedCPU < c.Challenge.MinExpectedCPU {
		return fmt.Errorf("challenge expected CPU bounds invalid: min=%.1f max=%.1f",
			c.Challenge.MinExpectedCPU, c.Challenge.MaxExpectedCPU)
	}
	w := c.Scoring.CPUWeight + c.Scoring.MemoryWeight + c.Scoring.DurationWeight
	if w <= 0 {
		return fmt.Errorf("scoring weights must sum to a positive value, got %.3f", w)
	}
	if c.Scoring.AcceptThreshold < 0 || c.Scoring.AcceptThreshold > 100 {
		return fmt.Errorf("scoring.accept_threshold must be within [0,100], got %.1f", c.Scoring.AcceptThreshold)
	}
	return nil
}
