// Package config loads host configuration: defaults, then an optional YAML
// overlay file, then environment variables (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of host-level knobs.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Dirs      DirsConfig      `yaml:"dirs"`
	Main      MainConfig      `yaml:"main"`
	Container ContainerConfig `yaml:"container"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Protocol string `yaml:"protocol"` // "grpc" (default) or "http"
	Endpoint string `yaml:"endpoint"`
}

type HTTPConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	BearerToken  string `yaml:"bearer_token"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type DirsConfig struct {
	Data   string `yaml:"data"`
	Groups string `yaml:"groups"`
}

type MainConfig struct {
	GroupFolder   string `yaml:"group_folder"`
	AssistantName string `yaml:"assistant_name"`
	Timezone      string `yaml:"timezone"`
}

type ContainerConfig struct {
	Image           string        `yaml:"image"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	IPCPollInterval time.Duration `yaml:"ipc_poll_interval"`
	// SecretKeyBase64 is a base64-encoded 32-byte AES-256-GCM key used to
	// encrypt ContainerConfig.ExtraEnv at rest. Empty disables encryption.
	SecretKeyBase64 string `yaml:"secret_key_base64"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type ChannelsConfig struct {
	Discord           DiscordConfig  `yaml:"discord"`
	Telegram          TelegramConfig `yaml:"telegram"`
	Slack             SlackConfig    `yaml:"slack"`
	InboundDebounceMs int            `yaml:"inbound_debounce_ms"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// Default returns a Config with every field set to its host default.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			MaxBodyBytes: 1 << 20,
		},
		Dirs: DirsConfig{
			Data:   "./data",
			Groups: "./data/groups",
		},
		Main: MainConfig{
			GroupFolder:   "main",
			AssistantName: "groupd",
			Timezone:      "UTC",
		},
		Container: ContainerConfig{
			Image:           "groupd/agent:latest",
			IdleTimeout:     10 * time.Minute,
			GracePeriod:     10 * time.Second,
			IPCPollInterval: 250 * time.Millisecond,
		},
		Tracing: TracingConfig{
			Protocol: "grpc",
		},
	}
}

// Load reads config: defaults -> optional YAML file at path -> env vars.
// A missing file at path is not an error; an unreadable/malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str(&cfg.HTTP.Host, "GROUPD_HTTP_HOST")
	intVal(&cfg.HTTP.Port, "GROUPD_HTTP_PORT")
	str(&cfg.HTTP.BearerToken, "GROUPD_BEARER_TOKEN")
	int64Val(&cfg.HTTP.MaxBodyBytes, "GROUPD_MAX_BODY_BYTES")

	str(&cfg.Dirs.Data, "GROUPD_DATA_DIR")
	str(&cfg.Dirs.Groups, "GROUPD_GROUPS_DIR")

	str(&cfg.Main.GroupFolder, "GROUPD_MAIN_GROUP_FOLDER")
	str(&cfg.Main.AssistantName, "GROUPD_ASSISTANT_NAME")
	str(&cfg.Main.Timezone, "GROUPD_TIMEZONE")

	str(&cfg.Container.Image, "GROUPD_CONTAINER_IMAGE")
	duration(&cfg.Container.IdleTimeout, "GROUPD_IDLE_TIMEOUT")
	duration(&cfg.Container.GracePeriod, "GROUPD_GRACE_PERIOD")
	duration(&cfg.Container.IPCPollInterval, "GROUPD_IPC_POLL_INTERVAL")
	str(&cfg.Container.SecretKeyBase64, "GROUPD_SECRET_KEY")

	str(&cfg.Postgres.DSN, "GROUPD_POSTGRES_DSN")

	boolVal(&cfg.Channels.Discord.Enabled, "GROUPD_DISCORD_ENABLED")
	str(&cfg.Channels.Discord.Token, "GROUPD_DISCORD_TOKEN")
	boolVal(&cfg.Channels.Telegram.Enabled, "GROUPD_TELEGRAM_ENABLED")
	str(&cfg.Channels.Telegram.Token, "GROUPD_TELEGRAM_TOKEN")
	boolVal(&cfg.Channels.Slack.Enabled, "GROUPD_SLACK_ENABLED")
	str(&cfg.Channels.Slack.BotToken, "GROUPD_SLACK_BOT_TOKEN")
	str(&cfg.Channels.Slack.AppToken, "GROUPD_SLACK_APP_TOKEN")
	intVal(&cfg.Channels.InboundDebounceMs, "GROUPD_INBOUND_DEBOUNCE_MS")

	boolVal(&cfg.Tracing.Enabled, "GROUPD_TRACING_ENABLED")
	str(&cfg.Tracing.Protocol, "GROUPD_TRACING_PROTOCOL")
	str(&cfg.Tracing.Endpoint, "GROUPD_TRACING_ENDPOINT")
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func boolVal(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true"
	}
}

func intVal(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64Val(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func duration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
