package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for the Genesis orchestrator.
// It is loaded from ~/.genesis/config.yaml and can be overridden by environment variables.
type Config struct {
	BaseDir   string          `mapstructure:"base_dir" yaml:"base_dir"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	TimeSync  TimeSyncConfig  `mapstructure:"time_sync" yaml:"time_sync"`
	Memory    MemoryConfig    `mapstructure:"memory" yaml:"memory"`
	Fallback  FallbackConfig  `mapstructure:"fallback" yaml:"fallback"`
	WebSearch WebSearchConfig `mapstructure:"websearch" yaml:"websearch"`
	Bridge    BridgeConfig    `mapstructure:"bridge" yaml:"bridge"`
	Accel     AccelConfig     `mapstructure:"accel" yaml:"accel"`
	Bus       BusConfig       `mapstructure:"bus" yaml:"bus"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// LLMConfig contains configuration for language model providers.
type LLMConfig struct {
	// DefaultProvider specifies which provider handles the local leg of the
	// pipeline (e.g., "local", "ollama")
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider"`
	// Providers maps provider names to their specific configuration
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// ProviderConfig contains configuration for a specific LLM provider.
type ProviderConfig struct {
	// Endpoint is the API endpoint URL (for HTTP providers)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// APIKey is the authentication key for the provider
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Model is the specific model to use with this provider. For the local
	// child-process provider this is the path to the model file.
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// Command is the executable spawned by the local child-process provider
	Command string `mapstructure:"command" yaml:"command,omitempty"`
	// TimeoutSec bounds a single generation (default: 120 for local, 30 for remote)
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec,omitempty"`
}

// TimeSyncConfig contains configuration for the background clock service.
type TimeSyncConfig struct {
	// RefreshIntervalSec is how often the refresher re-reads the OS clock
	RefreshIntervalSec int `mapstructure:"refresh_interval_sec" yaml:"refresh_interval_sec"`
	// KnowledgeCutoff is the local model's training cutoff date (YYYY-MM-DD)
	KnowledgeCutoff string `mapstructure:"knowledge_cutoff" yaml:"knowledge_cutoff"`
}

// MemoryConfig contains capacities and thresholds for the memory subsystem.
type MemoryConfig struct {
	// SessionSize is the session ring capacity
	SessionSize int `mapstructure:"session_size" yaml:"session_size"`
	// LongTermSize is the long-term pool capacity
	LongTermSize int `mapstructure:"long_term_size" yaml:"long_term_size"`
	// PruneThreshold is the fill ratio that triggers auto-prune
	PruneThreshold float64 `mapstructure:"prune_threshold" yaml:"prune_threshold"`
	// PruneKeepRatio is the fraction of capacity retained after a prune
	PruneKeepRatio float64 `mapstructure:"prune_keep_ratio" yaml:"prune_keep_ratio"`
}

// FallbackConfig contains configuration for the uncertainty gate and cascade.
type FallbackConfig struct {
	// ConfidenceThreshold is the uncertainty gate; below it the cascade runs
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	// SourceTimeoutSec bounds each cascade source call
	SourceTimeoutSec int `mapstructure:"source_timeout_sec" yaml:"source_timeout_sec"`
	// WebSearchMinConfidence is the acceptance bar for the websearch source
	WebSearchMinConfidence float64 `mapstructure:"websearch_min_confidence" yaml:"websearch_min_confidence"`
}

// WebSearchConfig contains configuration for the search aggregator.
type WebSearchConfig struct {
	// MaxWorkers bounds the concurrent source fan-out
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`
	// OverallTimeoutSec is the deadline for a whole aggregation
	OverallTimeoutSec int `mapstructure:"overall_timeout_sec" yaml:"overall_timeout_sec"`
	// PerSourceTimeoutSec bounds each individual source
	PerSourceTimeoutSec int `mapstructure:"per_source_timeout_sec" yaml:"per_source_timeout_sec"`
	// CacheTTLMin is the search cache TTL in minutes
	CacheTTLMin int `mapstructure:"cache_ttl_min" yaml:"cache_ttl_min"`
}

// BridgeConfig contains configuration for the loopback execution bridge.
type BridgeConfig struct {
	// Host must stay a loopback address; non-loopback peers are rejected anyway
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// Secret is the shared key expected in the X-Bridge-Key header
	Secret string `mapstructure:"secret" yaml:"secret,omitempty"`
	// ExecTimeoutSec bounds a sandboxed execution
	ExecTimeoutSec int `mapstructure:"exec_timeout_sec" yaml:"exec_timeout_sec"`
}

// AccelConfig contains thresholds for the hardware acceleration manager.
type AccelConfig struct {
	// BatteryThresholdPct is the minimum battery level for GPU/NPU use
	BatteryThresholdPct int `mapstructure:"battery_threshold_pct" yaml:"battery_threshold_pct"`
	// TempThresholdC is the maximum CPU temperature for acceleration
	TempThresholdC float64 `mapstructure:"temp_threshold_c" yaml:"temp_threshold_c"`
	// BenchCacheHours is the device profile cache TTL
	BenchCacheHours int `mapstructure:"bench_cache_hours" yaml:"bench_cache_hours"`
}

// BusConfig contains configuration for the pipeline event observer.
type BusConfig struct {
	// ObserverEnabled starts the WebSocket event observer alongside the REPL
	ObserverEnabled bool `mapstructure:"observer_enabled" yaml:"observer_enabled"`
	// ObserverPort is the loopback port the observer listens on
	ObserverPort int `mapstructure:"observer_port" yaml:"observer_port"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".genesis")

	return &Config{
		BaseDir: baseDir,
		LLM: LLMConfig{
			DefaultProvider: "local",
			Providers: map[string]ProviderConfig{
				"local": {
					Command:    "llama-cli",
					Model:      filepath.Join(baseDir, "models", "genesis-q4.gguf"),
					TimeoutSec: 120,
				},
				"perplexity": {
					Endpoint:   "https://api.perplexity.ai",
					APIKey:     "",
					Model:      "sonar",
					TimeoutSec: 30,
				},
				"claude": {
					Endpoint:   "https://api.anthropic.com",
					APIKey:     "",
					Model:      "claude-3-5-sonnet-20241022",
					TimeoutSec: 30,
				},
			},
		},
		TimeSync: TimeSyncConfig{
			RefreshIntervalSec: 60,
			KnowledgeCutoff:    "2023-12-31",
		},
		Memory: MemoryConfig{
			SessionSize:    20,
			LongTermSize:   1000,
			PruneThreshold: 0.8,
			PruneKeepRatio: 0.7,
		},
		Fallback: FallbackConfig{
			ConfidenceThreshold:    0.6,
			SourceTimeoutSec:       30,
			WebSearchMinConfidence: 0.5,
		},
		WebSearch: WebSearchConfig{
			MaxWorkers:          3,
			OverallTimeoutSec:   15,
			PerSourceTimeoutSec: 10,
			CacheTTLMin:         15,
		},
		Bridge: BridgeConfig{
			Host:           "127.0.0.1",
			Port:           5050,
			Secret:         "localonly",
			ExecTimeoutSec: 20,
		},
		Accel: AccelConfig{
			BatteryThresholdPct: 20,
			TempThresholdC:      70,
			BenchCacheHours:     24,
		},
		Bus: BusConfig{
			ObserverEnabled: false,
			ObserverPort:    8765,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(baseDir, "logs", "genesis.log"),
		},
	}
}

// Load reads configuration from the default location (~/.genesis/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".genesis", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	// Expand tilde in path
	path = expandPath(path)

	// Ensure the config directory exists
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Create default config
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	// Configure Viper
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Enable environment variable overrides
	// Example: GENESIS_BRIDGE_SECRET
	v.SetEnvPrefix("GENESIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths with tilde
	cfg.BaseDir = expandPath(cfg.BaseDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".genesis", "config.yaml")
	return c.SaveToPath(configPath)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	// Ensure the config directory exists
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// ═══════════════════════════════════════════════════════════════════════════════
// DIRECTORY LAYOUT
// ═══════════════════════════════════════════════════════════════════════════════

// MemoryDir returns the directory holding persisted memory documents.
func (c *Config) MemoryDir() string {
	return filepath.Join(c.BaseDir, "memory")
}

// CacheDir returns the directory holding search and profile caches.
func (c *Config) CacheDir() string {
	return filepath.Join(c.BaseDir, "cache")
}

// LogsDir returns the directory holding log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.BaseDir, "logs")
}

// MetricsDBPath returns the path of the SQLite metrics database.
func (c *Config) MetricsDBPath() string {
	return filepath.Join(c.BaseDir, "metrics.db")
}

// AssistFlagPath returns the path of the assist enable-flag file. Its
// existence enables the claude fallback source.
func (c *Config) AssistFlagPath() string {
	return filepath.Join(c.BaseDir, ".assist_enabled")
}

// EnsureDirectories creates all necessary directories for Genesis operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.BaseDir,
		c.MemoryDir(),
		filepath.Join(c.CacheDir(), "search"),
		c.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir cannot be empty")
	}

	// Validate LLM config
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider cannot be empty")
	}

	if _, exists := c.LLM.Providers[c.LLM.DefaultProvider]; !exists {
		return fmt.Errorf("default provider '%s' not found in providers map", c.LLM.DefaultProvider)
	}

	// Validate knowledge cutoff format
	if _, err := time.Parse("2006-01-02", c.TimeSync.KnowledgeCutoff); err != nil {
		return fmt.Errorf("invalid knowledge_cutoff '%s', must be YYYY-MM-DD", c.TimeSync.KnowledgeCutoff)
	}

	// Validate memory config
	if c.Memory.SessionSize <= 0 || c.Memory.LongTermSize <= 0 {
		return fmt.Errorf("memory capacities must be positive")
	}
	if c.Memory.PruneThreshold <= 0 || c.Memory.PruneThreshold > 1 {
		return fmt.Errorf("prune_threshold must be in (0, 1]")
	}
	if c.Memory.PruneKeepRatio <= 0 || c.Memory.PruneKeepRatio > 1 {
		return fmt.Errorf("prune_keep_ratio must be in (0, 1]")
	}

	// Validate fallback config
	if c.Fallback.ConfidenceThreshold < 0 || c.Fallback.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0, 1]")
	}

	// The bridge must never bind a routable interface
	if !isLoopbackHost(c.Bridge.Host) {
		return fmt.Errorf("bridge.host '%s' is not a loopback address", c.Bridge.Host)
	}

	// Validate logging config
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// KnowledgeCutoffDate parses the configured cutoff. Falls back to the default
// when the configured value is malformed.
func (c *Config) KnowledgeCutoffDate() time.Time {
	t, err := time.Parse("2006-01-02", c.TimeSync.KnowledgeCutoff)
	if err != nil {
		t, _ = time.Parse("2006-01-02", "2023-12-31")
	}
	return t
}

// APIKeyFor returns the configured API key for a provider, falling back to
// the standard environment variables.
func (c *Config) APIKeyFor(provider string) string {
	if p, ok := c.LLM.Providers[provider]; ok && p.APIKey != "" {
		return p.APIKey
	}
	envVars := map[string]string{
		"claude":     "ANTHROPIC_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"perplexity": "PERPLEXITY_API_KEY",
	}
	if envVar, ok := envVars[provider]; ok {
		return os.Getenv(envVar)
	}
	return ""
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	// Marshal config to YAML bytes using yaml struct tags
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file with proper permissions
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// isLoopbackHost reports whether host is a loopback address or name.
func isLoopbackHost(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return strings.HasPrefix(host, "127.")
}
