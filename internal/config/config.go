// Package config loads rascd settings.
// Configuration is layered: defaults, YAML file, .env file, ENV vars, CLI flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"rascd/internal/polling"
	"rascd/internal/rasc"
	"rascd/internal/service"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// History backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

var loadEnvOnce sync.Once

// loadDotEnv loads the first .env file found without overriding variables
// already set in the environment.
func loadDotEnv() {
	loadEnvOnce.Do(func() {
		for _, f := range []string{".env", "configs/.env"} {
			if _, err := os.Stat(f); err == nil {
				_ = godotenv.Load(f)
				return
			}
		}
	})
}

// mustBindEnv binds env vars to a config key. BindEnv only fails on an
// empty key.
func mustBindEnv(v *viper.Viper, key string, envVars ...string) {
	if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
		panic(fmt.Sprintf("failed to bind env var for key %s: %v", key, err))
	}
}

// Config holds all rascd configuration.
type Config struct {
	HomeAssistant HomeAssistantConfig `mapstructure:"homeassistant"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	History       HistoryConfig       `mapstructure:"history"`
	RASC          RASCConfig          `mapstructure:"rasc"`
	ReadOnly      bool                `mapstructure:"read_only"`
}

// HomeAssistantConfig holds the websocket endpoint and access token.
type HomeAssistantConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// ServerConfig holds the introspection API settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// HistoryConfig selects where latency samples persist.
type HistoryConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// RASCConfig tunes polling and tracking.
type RASCConfig struct {
	Mode            string        `mapstructure:"mode"`
	PollEntities    []string      `mapstructure:"poll_entities"`
	PollRate        float64       `mapstructure:"poll_rate"`
	WorstCaseDelay  time.Duration `mapstructure:"worst_case_delay"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	FailedTimeout   time.Duration `mapstructure:"failed_timeout"`
	RulesFile       string        `mapstructure:"rules_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("homeassistant.url", "ws://homeassistant.local:8123/api/websocket")
	v.SetDefault("homeassistant.token", "")
	v.SetDefault("server.port", 8081)
	v.SetDefault("logging.level", "info")
	v.SetDefault("history.backend", BackendFile)
	v.SetDefault("history.path", ".storage/rasc.history")
	v.SetDefault("rasc.mode", service.ModePush)
	v.SetDefault("rasc.poll_entities", []string{})
	v.SetDefault("rasc.poll_rate", 10.0)
	v.SetDefault("rasc.worst_case_delay", polling.DefaultWorstCaseDelay)
	v.SetDefault("rasc.default_interval", polling.DefaultInterval)
	v.SetDefault("rasc.failed_timeout", rasc.DefaultFailedTimeout)
	v.SetDefault("rasc.rules_file", "")
	v.SetDefault("read_only", false)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	mustBindEnv(v, "homeassistant.url", "HA_URL")
	mustBindEnv(v, "homeassistant.token", "HA_TOKEN")
	mustBindEnv(v, "server.port", "RASC_PORT")
	mustBindEnv(v, "logging.level", "RASC_LOG_LEVEL")
	mustBindEnv(v, "history.backend", "RASC_HISTORY_BACKEND")
	mustBindEnv(v, "history.path", "RASC_HISTORY_PATH")
	mustBindEnv(v, "rasc.mode", "RASC_MODE")
	mustBindEnv(v, "rasc.poll_entities", "RASC_POLL_ENTITIES")
	mustBindEnv(v, "rasc.poll_rate", "RASC_POLL_RATE")
	mustBindEnv(v, "rasc.worst_case_delay", "RASC_WORST_CASE_DELAY")
	mustBindEnv(v, "rasc.default_interval", "RASC_DEFAULT_INTERVAL")
	mustBindEnv(v, "rasc.failed_timeout", "RASC_FAILED_TIMEOUT")
	mustBindEnv(v, "rasc.rules_file", "RASC_RULES_FILE")
	mustBindEnv(v, "read_only", "READ_ONLY")
}

func read(v *viper.Viper, configFile string) (*Config, error) {
	loadDotEnv()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Load reads and validates the configuration.
// Priority: CLI flags > ENV vars > .env file > YAML file > defaults.
func Load(configFile string) (*Config, error) {
	return LoadWithViper(viper.New(), configFile)
}

// LoadWithViper is Load on a caller-supplied viper instance, typically one
// with CLI flags already bound.
func LoadWithViper(v *viper.Viper, configFile string) (*Config, error) {
	cfg, err := read(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadForDisplay loads the configuration without validation so the
// effective values can be shown even when required fields are missing.
func LoadForDisplay(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	return read(v, configFile)
}

// MaskedConfig returns a copy of the config with the token masked.
func (c *Config) MaskedConfig() Config {
	masked := *c
	if masked.HomeAssistant.Token != "" {
		masked.HomeAssistant.Token = maskToken(masked.HomeAssistant.Token)
	}
	return masked
}

// maskToken keeps the first and last four characters.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

func (c *Config) validate() error {
	if c.HomeAssistant.URL == "" {
		return fmt.Errorf("homeassistant.url is required")
	}
	u, err := url.Parse(c.HomeAssistant.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("homeassistant.url must be a ws:// or wss:// websocket URL")
	}
	if c.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant.token is required (set via HA_TOKEN env var, --ha-token flag, or config file)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.History.Backend {
	case BackendFile, BackendSQLite, BackendBolt:
	default:
		return fmt.Errorf("history.backend must be one of %q, %q, %q", BackendFile, BackendSQLite, BackendBolt)
	}
	if c.History.Path == "" {
		return fmt.Errorf("history.path is required")
	}
	switch c.RASC.Mode {
	case service.ModePush, service.ModePoll:
	default:
		return fmt.Errorf("rasc.mode must be %q or %q", service.ModePush, service.ModePoll)
	}
	if c.RASC.PollRate < 0 {
		return fmt.Errorf("rasc.poll_rate must not be negative")
	}
	if c.RASC.WorstCaseDelay <= 0 || c.RASC.DefaultInterval <= 0 || c.RASC.FailedTimeout <= 0 {
		return fmt.Errorf("rasc durations must be positive")
	}
	return nil
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return level, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Service builds the service settings.
func (c *Config) Service() service.Config {
	return service.Config{
		Mode:         c.RASC.Mode,
		PollEntities: c.RASC.PollEntities,
		PollRate:     c.RASC.PollRate,
		ReadOnly:     c.ReadOnly,
		Tracker: rasc.Config{
			Detector: polling.DetectorConfig{
				WorstCaseDelay:  c.RASC.WorstCaseDelay,
				DefaultInterval: c.RASC.DefaultInterval,
			},
			FailedTimeout: c.RASC.FailedTimeout,
		},
	}
}
