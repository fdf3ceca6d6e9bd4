package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envConfigPath     = "TURNRELAY_CONFIG"
	envTurnURL        = "TURN_URL"
	envTurnToken      = "TURN_TOKEN"
	envTurnHMACSecret = "TURN_HMAC_SECRET"
	envDedupDSN       = "TURNRELAY_DEDUP_DSN"
)

const (
	DefaultTurnPort         = 5005
	DefaultTurnPathPrefix   = "/webhooks/turn"
	DefaultTurnMaxBodyBytes = 1 << 20
	DefaultTurnHTTPRetries  = 3
	DefaultDedupRetention   = 24 * time.Hour
	DefaultAgentWorkers     = 4
	DefaultAgentProvider    = "echo"
	DedupDriverSQL          = "sql"
	DedupDriverValkey       = "valkey"
	DedupDialectSQLite      = "sqlite"
	DedupDialectPostgres    = "postgres"
	defaultDotEnvFile       = ".env"
	defaultConfigFileName   = "config.json"
	defaultConfigSubdirName = "config"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Dedup     DedupConfig     `json:"dedup"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// AgentsConfig contains agent runtime defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults describes how the gateway prompts the agent back-end.
type AgentDefaults struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Workers      int    `json:"workers"`
	SystemPrompt string `json:"system_prompt"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenAI OpenAIProviderConfig `json:"openai"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Turn TurnConfig `json:"turn"`
}

// TurnConfig configures the Turn webhook and the outbound Turn API client.
type TurnConfig struct {
	Enabled            bool          `json:"enabled"`
	URL                string        `json:"url"`
	Token              string        `json:"token"`
	HMACSecret         string        `json:"hmac_secret"`
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	PathPrefix         string        `json:"path_prefix"`
	MaxBodyBytes       int64         `json:"max_body_bytes"`
	HTTPRetries        int           `json:"http_retries"`
	HTTPTimeoutSeconds int           `json:"http_timeout_seconds"`
	RetryBackoff       BackoffConfig `json:"retry_backoff"`
}

// BackoffConfig sets the pause between retry attempts. Zero means retry immediately.
type BackoffConfig struct {
	InitialMillis int `json:"initial_ms"`
	MaxMillis     int `json:"max_ms"`
}

// DedupConfig selects the store used to detect repeated webhook deliveries.
//
// An empty driver disables deduplication.
type DedupConfig struct {
	Driver         string       `json:"driver"`
	RetentionHours int          `json:"retention_hours"`
	PruneSchedule  string       `json:"prune_schedule"`
	SQL            SQLConfig    `json:"sql"`
	Valkey         ValkeyConfig `json:"valkey"`
}

// SQLConfig configures the gorm-backed events table.
type SQLConfig struct {
	Dialect string `json:"dialect"`
	DSN     string `json:"dsn"`
}

// ValkeyConfig configures the Valkey-backed store.
type ValkeyConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// GatewayConfig configures HTTP status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Retention returns the dedup window, defaulting to 24 hours.
func (c DedupConfig) Retention() time.Duration {
	if c.RetentionHours <= 0 {
		return DefaultDedupRetention
	}

	return time.Duration(c.RetentionHours) * time.Hour
}

// Retries returns the configured attempt count for outbound calls.
func (c TurnConfig) Retries() int {
	if c.HTTPRetries <= 0 {
		return DefaultTurnHTTPRetries
	}

	return c.HTTPRetries
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := loadDotEnv(defaultDotEnvFile); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv populates unset environment variables from path when it exists.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv(envTurnURL)); value != "" {
		cfg.Channels.Turn.URL = value
	}
	if value := strings.TrimSpace(os.Getenv(envTurnToken)); value != "" {
		cfg.Channels.Turn.Token = value
	}
	if value := strings.TrimSpace(os.Getenv(envTurnHMACSecret)); value != "" {
		cfg.Channels.Turn.HMACSecret = value
	}
	if value := strings.TrimSpace(os.Getenv(envDedupDSN)); value != "" {
		cfg.Dedup.SQL.DSN = value
	}
}

func applyDefaults(cfg *Config) {
	turn := &cfg.Channels.Turn
	if turn.Port == 0 {
		turn.Port = DefaultTurnPort
	}
	if strings.TrimSpace(turn.PathPrefix) == "" {
		turn.PathPrefix = DefaultTurnPathPrefix
	}
	if turn.MaxBodyBytes <= 0 {
		turn.MaxBodyBytes = DefaultTurnMaxBodyBytes
	}
	if turn.HTTPRetries == 0 {
		turn.HTTPRetries = DefaultTurnHTTPRetries
	}

	agents := &cfg.Agents.Defaults
	if strings.TrimSpace(agents.Provider) == "" {
		agents.Provider = DefaultAgentProvider
	}
	if agents.Workers <= 0 {
		agents.Workers = DefaultAgentWorkers
	}

	if cfg.Dedup.Driver == DedupDriverSQL && strings.TrimSpace(cfg.Dedup.SQL.Dialect) == "" {
		cfg.Dedup.SQL.Dialect = DedupDialectSQLite
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is TURNRELAY_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, defaultConfigFileName),
		filepath.Join(cwd, defaultConfigSubdirName, defaultConfigFileName),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
