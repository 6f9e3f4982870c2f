// Package config holds all selfforge configuration. Configuration is a single
// YAML document; durations are strings ("30s", "5m") parsed at load time.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all selfforge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// StateDir is the root for logs and other per-install state.
	StateDir string `yaml:"state_dir"`

	Providers      map[string]ProviderConfig `yaml:"providers"`
	FailoverChain  []ChainEntry              `yaml:"failover_chain"`
	CircuitBreaker BreakerConfig             `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig           `yaml:"rate_limit"`
	Memory         MemoryConfig              `yaml:"memory"`
	Watcher        WatcherConfig             `yaml:"watcher"`
	Embedding      EmbeddingConfig           `yaml:"embedding"`
	Envs           EnvsConfig                `yaml:"envs"`
	Security       SecurityConfig            `yaml:"security"`
	Logging        LoggingConfig             `yaml:"logging"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	BaseURL string   `yaml:"base_url"`
	Keys    []string `yaml:"keys"`
	Timeout string   `yaml:"timeout"`
	// KeyCooldown is how long an auth-failed key is skipped before retry.
	KeyCooldown string `yaml:"key_cooldown"`
}

// ChainEntry is one (provider, model) pair in the failover chain.
type ChainEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// BreakerConfig configures the tool circuit breaker.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	Cooldown         string `yaml:"cooldown"`
	SuccessThreshold int    `yaml:"success_threshold"`
	// PerTool overrides keyed by tool name.
	PerTool map[string]BreakerOverride `yaml:"per_tool"`
}

// BreakerOverride is a per-tool breaker override; zero fields inherit.
type BreakerOverride struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	Cooldown         string `yaml:"cooldown"`
	SuccessThreshold int    `yaml:"success_threshold"`
}

// RateLimitConfig maps tool name to token-bucket size (tokens per minute).
type RateLimitConfig struct {
	Default int            `yaml:"default"`
	PerTool map[string]int `yaml:"per_tool"`
	// ToolTimeout is the default tool execution timeout.
	ToolTimeout string `yaml:"tool_timeout"`
}

// MemoryConfig configures the Memory Engine.
type MemoryConfig struct {
	DBPath       string `yaml:"db_path"`
	LogDir       string `yaml:"log_dir"`
	CacheMaxSize int    `yaml:"cache_max_size"`
	CacheMaxAge  string `yaml:"cache_max_age"`
	// CodeChunkLines and CodeChunkOverlap control code chunking windows.
	CodeChunkLines   int `yaml:"code_chunk_lines"`
	CodeChunkOverlap int `yaml:"code_chunk_overlap"`
}

// WatcherConfig configures the conversation log reconciler.
type WatcherConfig struct {
	Debounce string `yaml:"debounce"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "ollama" or "genai"
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// EnvsConfig holds the dev and prod environment definitions.
type EnvsConfig struct {
	Dev  EnvConfig `yaml:"dev"`
	Prod EnvConfig `yaml:"prod"`
}

// EnvConfig describes one isolated environment.
type EnvConfig struct {
	DBPath         string            `yaml:"db_path"`
	StoragePath    string            `yaml:"storage_path"`
	Ports          []int             `yaml:"ports"`
	EnvVars        map[string]string `yaml:"env_vars"`
	TestCommand    string            `yaml:"test_command"`
	TestTimeout    string            `yaml:"test_timeout"`
	MaxMemoryMB    int               `yaml:"max_memory_mb"`
	MaxOutputBytes int               `yaml:"max_output_bytes"`
}

// SecurityConfig configures tool argument validation.
type SecurityConfig struct {
	BaseDirectory    string   `yaml:"base_directory"`
	AllowedEndpoints []string `yaml:"allowed_endpoints"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "selfforge",
		Version:  "0.3.0",
		StateDir: ".forge",

		Providers: map[string]ProviderConfig{},

		CircuitBreaker: BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         "60s",
			SuccessThreshold: 2,
		},

		RateLimit: RateLimitConfig{
			Default:     60,
			ToolTimeout: "30s",
		},

		Memory: MemoryConfig{
			DBPath:           ".forge/memory.db",
			LogDir:           ".forge/conversations",
			CacheMaxSize:     10000,
			CacheMaxAge:      "720h",
			CodeChunkLines:   40,
			CodeChunkOverlap: 10,
		},

		Watcher: WatcherConfig{
			Debounce: "1s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},

		Envs: EnvsConfig{
			Dev: EnvConfig{
				DBPath:      ".forge/dev/memory.db",
				StoragePath: ".forge/dev/storage",
				Ports:       []int{9100, 9101},
				TestCommand: "go test ./...",
				TestTimeout: "5m",
			},
			Prod: EnvConfig{
				DBPath:      ".forge/prod/memory.db",
				StoragePath: ".forge/prod/storage",
				Ports:       []int{9200, 9201},
				TestCommand: "go test ./...",
				TestTimeout: "5m",
			},
		},

		Security: SecurityConfig{
			BaseDirectory: ".",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// section the file omits.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	for name, entry := range c.FailoverChain {
		if entry.Provider == "" || entry.Model == "" {
			return fmt.Errorf("failover_chain[%d]: provider and model required", name)
		}
		if _, ok := c.Providers[entry.Provider]; !ok {
			return fmt.Errorf("failover_chain[%d]: unknown provider %q", name, entry.Provider)
		}
	}

	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.success_threshold must be positive")
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"circuit_breaker.cooldown", c.CircuitBreaker.Cooldown},
		{"watcher.debounce", c.Watcher.Debounce},
		{"memory.cache_max_age", c.Memory.CacheMaxAge},
		{"rate_limit.tool_timeout", c.RateLimit.ToolTimeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.value)
		}
	}

	return nil
}

// Duration parses a duration field, returning fallback on empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
