package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mcdev12/roomsync/go/internal/bridge"
	"github.com/mcdev12/roomsync/go/internal/channel"
	"github.com/mcdev12/roomsync/go/internal/session"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the optional YAML file whose values override the
// environment.
const EnvConfigFile = "ROOMSYNC_CONFIG"

var ErrInvalidConfig = errors.New("invalid config")

// Config holds the roomsync client settings.
type Config struct {
	ServerURL      string `yaml:"server_url"`
	Mode           string `yaml:"mode"`
	AutoCreateMode string `yaml:"auto_create_mode"`
	Fragment       string `yaml:"fragment"`
	Nick           string `yaml:"nick"`
	IdentityFile   string `yaml:"identity_file"`
	// ViewAddr is the listen address of the local view server. Empty
	// disables it.
	ViewAddr     string `yaml:"view_addr"`
	LogLevel     string `yaml:"log_level"`
	PingInterval int    `yaml:"ping_interval_seconds"`

	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures the event bridge. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	StreamName    string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// NewConfigFromEnv reads ROOMSYNC_* environment variables (with defaults).
func NewConfigFromEnv() Config {
	js := bridge.DefaultJetStreamConfig()

	return Config{
		ServerURL:      getEnv("ROOMSYNC_SERVER_URL", "ws://localhost:8000/ws"),
		Mode:           getEnv("ROOMSYNC_MODE", string(session.ModeSingleRoom)),
		AutoCreateMode: getEnv("ROOMSYNC_AUTO_CREATE", ""),
		Fragment:       getEnv("ROOMSYNC_FRAGMENT", ""),
		Nick:           getEnv("ROOMSYNC_NICK", ""),
		IdentityFile:   getEnv("ROOMSYNC_IDENTITY_FILE", defaultIdentityFile()),
		ViewAddr:       getEnv("ROOMSYNC_VIEW_ADDR", "127.0.0.1:8090"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		PingInterval:   getEnvAsInt("ROOMSYNC_PING_INTERVAL", 30),
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			StreamName:    getEnv("ROOMSYNC_NATS_STREAM", js.StreamName),
			SubjectPrefix: getEnv("ROOMSYNC_NATS_SUBJECT_PREFIX", js.SubjectPrefix),
		},
	}
}

// Load reads the environment, applies the file named by ROOMSYNC_CONFIG if
// set, and validates the result.
func Load() (Config, error) {
	cfg := NewConfigFromEnv()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyFile overrides the fields present in the YAML file at path.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("%w: server url is required", ErrInvalidConfig)
	}
	switch session.Mode(c.Mode) {
	case session.ModeSingleRoom, session.ModeMultiRoom:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalidConfig, err)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("%w: negative ping interval", ErrInvalidConfig)
	}
	return nil
}

// Level returns the configured log level, info if unparsable.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func (c Config) ChannelConfig() channel.Config {
	cfg := channel.DefaultConfig(c.ServerURL)
	if c.PingInterval > 0 {
		cfg.PingInterval = time.Duration(c.PingInterval) * time.Second
		// Pongs only arrive after a ping, so the read deadline must outlast it.
		if cfg.ReadTimeout <= cfg.PingInterval {
			cfg.ReadTimeout = 2 * cfg.PingInterval
		}
	}
	return cfg
}

func (c Config) ControllerOptions() session.Options {
	opts := session.DefaultOptions()
	opts.Mode = session.Mode(c.Mode)
	opts.Fragment = c.Fragment
	opts.AutoCreateMode = c.AutoCreateMode
	opts.Nick = c.Nick
	return opts
}

// BridgeEnabled reports whether events should be mirrored to NATS.
func (c Config) BridgeEnabled() bool { return c.NATS.URL != "" }

func (c Config) JetStreamConfig() bridge.JetStreamConfig {
	js := bridge.DefaultJetStreamConfig()
	js.URL = c.NATS.URL
	if c.NATS.StreamName != "" {
		js.StreamName = c.NATS.StreamName
	}
	if c.NATS.SubjectPrefix != "" {
		js.SubjectPrefix = c.NATS.SubjectPrefix
	}
	return js
}

func defaultIdentityFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".roomsync-identity.yaml"
	}
	return filepath.Join(dir, "roomsync", "identity.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
