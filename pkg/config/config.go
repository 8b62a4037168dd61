package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "MIMICLAW_CONFIG"

const (
	DefaultMaxHistory       = 20
	DefaultFallbackText     = "Sorry, I encountered an error."
	DefaultBusCapacity      = 100
	DefaultFeishuBaseURL    = "https://open.feishu.cn"
	DefaultMaxMessageLength = 4096
	DefaultGatewayPort      = 18790
	DefaultStoragePath      = "data/mimiclaw.db"
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Agents    AgentsConfig    `json:"agents" yaml:"agents"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Bus       BusConfig       `json:"bus" yaml:"bus"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// AgentsConfig contains agent runtime defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults" yaml:"defaults"`
}

// AgentDefaults describes the model and conversation settings of the orchestrator.
type AgentDefaults struct {
	Provider     string  `json:"provider" yaml:"provider" env:"MIMICLAW_PROVIDER"`
	Model        string  `json:"model" yaml:"model" env:"MIMICLAW_MODEL"`
	MaxTokens    int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature  float64 `json:"temperature" yaml:"temperature"`
	MaxHistory   int     `json:"max_history" yaml:"max_history" env:"MIMICLAW_MAX_HISTORY"`
	FallbackText string  `json:"fallback_text" yaml:"fallback_text"`
	Profile      string  `json:"profile" yaml:"profile"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenAI    OpenAIProviderConfig    `json:"openai" yaml:"openai"`
	Anthropic AnthropicProviderConfig `json:"anthropic" yaml:"anthropic"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url" env:"OPENAI_BASE_URL"`
	Organization          string `json:"organization" yaml:"organization"`
	Project               string `json:"project" yaml:"project"`
	APIKeyEnv             string `json:"api_key_env" yaml:"api_key_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// AnthropicProviderConfig configures the Anthropic provider client.
type AnthropicProviderConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url" env:"ANTHROPIC_BASE_URL"`
	APIKeyEnv             string `json:"api_key_env" yaml:"api_key_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Feishu   FeishuConfig   `json:"feishu" yaml:"feishu"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Console  ConsoleConfig  `json:"console" yaml:"console"`
}

// FeishuConfig configures the Feishu/Lark bot. AppID and AppSecret are
// defaults; credentials stored at runtime take precedence.
type FeishuConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	AppID            string   `json:"app_id" yaml:"app_id" env:"FEISHU_APP_ID"`
	AppSecret        string   `json:"app_secret" yaml:"app_secret" env:"FEISHU_APP_SECRET"`
	BaseURL          string   `json:"base_url" yaml:"base_url" env:"FEISHU_BASE_URL"`
	MaxMessageLength int      `json:"max_message_length" yaml:"max_message_length"`
	RateLimit        float64  `json:"rate_limit" yaml:"rate_limit"`
	AllowFrom        []string `json:"allow_from" yaml:"allow_from" env:"FEISHU_ALLOW_FROM" envSeparator:","`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	Token            string   `json:"token" yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
	MaxMessageLength int      `json:"max_message_length" yaml:"max_message_length"`
	AllowFrom        []string `json:"allow_from" yaml:"allow_from" env:"TELEGRAM_ALLOW_FROM" envSeparator:","`
}

// ConsoleConfig configures the stdin/stdout channel used by the agent command.
type ConsoleConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	ChatID  string `json:"chat_id" yaml:"chat_id"`
}

// BusConfig sizes the inbound and outbound queues.
type BusConfig struct {
	Capacity int `json:"capacity" yaml:"capacity" env:"MIMICLAW_BUS_CAPACITY"`
}

// StorageConfig locates the SQLite database holding sessions and credentials.
// Set path to ":memory:" to keep everything in process memory.
type StorageConfig struct {
	Path string `json:"path" yaml:"path" env:"MIMICLAW_STORAGE_PATH"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port" env:"MIMICLAW_GATEWAY_PORT"`
}

// LoadConfig resolves the config file, unmarshals it, applies environment
// overrides and fills defaults.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one config file. Files ending in .yaml or .yml are YAML,
// everything else is JSON.
func LoadFile(configPath string) (*Config, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills every unset tunable with its default.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}

	d := &c.Agents.Defaults
	if d.MaxHistory <= 0 {
		d.MaxHistory = DefaultMaxHistory
	}
	if strings.TrimSpace(d.FallbackText) == "" {
		d.FallbackText = DefaultFallbackText
	}
	if c.Bus.Capacity <= 0 {
		c.Bus.Capacity = DefaultBusCapacity
	}
	if strings.TrimSpace(c.Channels.Feishu.BaseURL) == "" {
		c.Channels.Feishu.BaseURL = DefaultFeishuBaseURL
	}
	if c.Channels.Feishu.MaxMessageLength <= 0 {
		c.Channels.Feishu.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.Channels.Telegram.MaxMessageLength <= 0 {
		c.Channels.Telegram.MaxMessageLength = DefaultMaxMessageLength
	}
	if strings.TrimSpace(c.Channels.Console.ChatID) == "" {
		c.Channels.Console.ChatID = "local"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = DefaultGatewayPort
	}
}

// applyEnvOverrides injects env-driven settings on top of file config.
// Unset variables leave the file values alone.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}

	cfg.Channels.Telegram.AllowFrom = compact(cfg.Channels.Telegram.AllowFrom)
	cfg.Channels.Feishu.AllowFrom = compact(cfg.Channels.Feishu.AllowFrom)
	return nil
}

// compact trims every entry and drops the empty ones.
func compact(values []string) []string {
	if len(values) == 0 {
		return values
	}
	return parseCSV(strings.Join(values, ","))
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is MIMICLAW_CONFIG first, then cwd-local fallback paths.
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
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
