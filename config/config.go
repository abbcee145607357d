// Package config loads engine configuration from a file and the
// environment, with defaults matching the engine's own.
package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	relaycore "github.com/opd-ai/relaycore"
)

// Config is the full client configuration: engine tuning plus the
// ambient settings the engine itself does not own.
type Config struct {
	// LogLevel is a logrus level name such as "info" or "debug".
	LogLevel string

	// FileServiceURL is the base URL of the bulk transfer service. Empty
	// selects the in-memory adapter.
	FileServiceURL string

	Engine *relaycore.Options
}

// Load reads configuration from the given file path, layered under
// RELAY_* environment variables. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := relaycore.NewOptions()
	v.SetDefault("log_level", "info")
	v.SetDefault("file_service_url", "")
	v.SetDefault("data_dir", "")
	v.SetDefault("max_send_attempts", defaults.MaxSendAttempts)
	v.SetDefault("retry_interval", defaults.RetryInterval)
	v.SetDefault("max_retry_interval", defaults.MaxRetryInterval)
	v.SetDefault("send_timeout", defaults.SendTimeout)
	v.SetDefault("request_timeout", defaults.RequestTimeout)
	v.SetDefault("send_rate", defaults.SendRate)
	v.SetDefault("send_burst", defaults.SendBurst)
	v.SetDefault("max_payload_size", defaults.MaxPayloadSize)
	v.SetDefault("expire_session", defaults.ExpireSession)
	v.SetDefault("auto_sync", defaults.AutoSync)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		logrus.WithFields(logrus.Fields{
			"path": v.ConfigFileUsed(),
		}).Debug("Configuration file loaded")
	}

	cfg := &Config{
		LogLevel:       v.GetString("log_level"),
		FileServiceURL: v.GetString("file_service_url"),
		Engine: &relaycore.Options{
			DataDir:          v.GetString("data_dir"),
			MaxSendAttempts:  v.GetInt("max_send_attempts"),
			RetryInterval:    v.GetDuration("retry_interval"),
			MaxRetryInterval: v.GetDuration("max_retry_interval"),
			SendTimeout:      v.GetDuration("send_timeout"),
			RequestTimeout:   v.GetDuration("request_timeout"),
			SendRate:         v.GetFloat64("send_rate"),
			SendBurst:        v.GetInt("send_burst"),
			MaxPayloadSize:   v.GetInt("max_payload_size"),
			ExpireSession:    v.GetBool("expire_session"),
			AutoSync:         v.GetBool("auto_sync"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	if cfg.Engine.MaxSendAttempts < 1 {
		return fmt.Errorf("max_send_attempts must be at least 1, got %d", cfg.Engine.MaxSendAttempts)
	}
	if cfg.Engine.RetryInterval <= 0 {
		return fmt.Errorf("retry_interval must be positive, got %s", cfg.Engine.RetryInterval)
	}
	if cfg.Engine.MaxRetryInterval < cfg.Engine.RetryInterval {
		return fmt.Errorf("max_retry_interval %s is below retry_interval %s",
			cfg.Engine.MaxRetryInterval, cfg.Engine.RetryInterval)
	}
	if cfg.Engine.MaxPayloadSize < 1 {
		return fmt.Errorf("max_payload_size must be positive, got %d", cfg.Engine.MaxPayloadSize)
	}
	return nil
}

// ApplyLogLevel configures the global logrus level from the config.
func (c *Config) ApplyLogLevel() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
