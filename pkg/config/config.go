package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Pipeline PipelineConfig `json:"pipeline"`
	Channels ChannelsConfig `json:"channels"`
	Icify    IcifyConfig    `json:"icify"`
	Logging  LoggingConfig  `json:"logging"`
	Paths    PathsConfig    `json:"paths"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"ICEBOT_GATEWAY_HOST"`
	Port int    `json:"port" env:"PORT"`
}

// PipelineConfig covers the dispatch pipeline: payload limits, handler
// execution, retry policy, and idempotency retention.
type PipelineConfig struct {
	MaxPayloadBytes          int64 `json:"max_payload_bytes" env:"MAX_PAYLOAD_BYTES"`
	HandlerTimeoutMS         int   `json:"handler_timeout_ms" env:"HANDLER_TIMEOUT_MS"`
	Workers                  int   `json:"workers" env:"ICEBOT_PIPELINE_WORKERS"`
	QueueDepth               int   `json:"queue_depth" env:"ICEBOT_PIPELINE_QUEUE_DEPTH"`
	MaxDeliveryAttempts      int   `json:"max_delivery_attempts" env:"MAX_DELIVERY_ATTEMPTS"`
	IdempotencyWindowSeconds int   `json:"idempotency_window_seconds" env:"IDEMPOTENCY_WINDOW_SECONDS"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" env:"ICEBOT_CHANNELS_TELEGRAM_ENABLED"`
	Token   string `json:"token" env:"ICEBOT_CHANNELS_TELEGRAM_TOKEN"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" env:"ICEBOT_CHANNELS_SLACK_ENABLED"`
	BotToken string `json:"bot_token" env:"ICEBOT_CHANNELS_SLACK_BOT_TOKEN"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" env:"ICEBOT_CHANNELS_DISCORD_ENABLED"`
	Token   string `json:"token" env:"ICEBOT_CHANNELS_DISCORD_TOKEN"`
}

type IcifyConfig struct {
	Enabled  bool   `json:"enabled" env:"ICEBOT_ICIFY_ENABLED"`
	APIToken string `json:"api_token" env:"ICEBOT_ICIFY_API_TOKEN"`
	APIBase  string `json:"api_base" env:"ICEBOT_ICIFY_API_BASE"`
	Model    string `json:"model" env:"ICEBOT_ICIFY_MODEL"`
	WaitSecs int    `json:"wait_seconds" env:"ICEBOT_ICIFY_WAIT_SECONDS"`
}

type LoggingConfig struct {
	Level           string `json:"level" env:"ICEBOT_LOGGING_LEVEL"`
	FileEnabled     bool   `json:"file_enabled" env:"ICEBOT_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"ICEBOT_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"ICEBOT_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"ICEBOT_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"ICEBOT_LOGGING_MAX_SIZE_MB"`
}

type PathsConfig struct {
	Workspace string `json:"workspace" env:"ICEBOT_PATHS_WORKSPACE"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Pipeline: PipelineConfig{
			MaxPayloadBytes:          1 << 20, // 1 MiB
			HandlerTimeoutMS:         10000,
			Workers:                  8,
			QueueDepth:               256,
			MaxDeliveryAttempts:      5,
			IdempotencyWindowSeconds: 86400,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Enabled: false},
			Slack:    SlackConfig{Enabled: false},
			Discord:  DiscordConfig{Enabled: false},
		},
		Icify: IcifyConfig{
			Enabled:  false,
			APIBase:  "https://api.replicate.com/v1",
			Model:    "black-forest-labs/flux-schnell",
			WaitSecs: 60,
		},
		Logging: LoggingConfig{
			Level:           "INFO",
			FileEnabled:     true,
			FilePath:        "~/.icebot/icebot.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
		Paths: PathsConfig{
			Workspace: "~/.icebot/workspace",
		},
	}
}

// LoadConfig layers an optional JSON file and then the environment over
// the defaults. A missing config file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	applyLegacyEnvAliases(cfg)

	return cfg, nil
}

// applyLegacyEnvAliases honors the env names the bot shipped with
// before the channel-prefixed scheme existed.
func applyLegacyEnvAliases(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" && cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("REPLICATE_API_TOKEN")); v != "" && cfg.Icify.APIToken == "" {
		cfg.Icify.APIToken = v
		cfg.Icify.Enabled = true
	}
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.Pipeline.HandlerTimeoutMS) * time.Millisecond
}

func (c *Config) IdempotencyWindow() time.Duration {
	return time.Duration(c.Pipeline.IdempotencyWindowSeconds) * time.Second
}

// IcifyWait is the budget for one image generation, polling included.
func (c *Config) IcifyWait() time.Duration {
	return time.Duration(c.Icify.WaitSecs) * time.Second
}

func (c *Config) WorkspacePath() string {
	return expandHome(c.Paths.Workspace)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
