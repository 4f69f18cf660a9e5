package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Storage
	DBDriver string `mapstructure:"db_driver"`
	DBPath   string `mapstructure:"db_path"`

	// Subscription list: OPML URL, file:// URL or local path
	Subscriptions string `mapstructure:"subscriptions"`

	// Server settings
	ServerHost string `mapstructure:"host"`
	ServerPort int    `mapstructure:"port"`

	// Processing settings
	WorkerCount  int           `mapstructure:"workers"`
	Interval     time.Duration `mapstructure:"interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	FeedTimeout  time.Duration `mapstructure:"feed_timeout"`
	UserAgent    string        `mapstructure:"user_agent"`

	// DisallowWrite turns every ingestion into a no-op.
	DisallowWrite bool `mapstructure:"disallow_write"`

	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_driver", DefaultDBDriver)
	v.SetDefault("db_path", DefaultDBPath)
	v.SetDefault("subscriptions", DefaultSubscriptions)
	v.SetDefault("host", DefaultServerHost)
	v.SetDefault("port", DefaultServerPort)
	v.SetDefault("workers", DefaultWorkerCount)
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("fetch_timeout", DefaultFetchTimeout)
	v.SetDefault("feed_timeout", DefaultFeedTimeout)
	v.SetDefault("user_agent", DefaultUserAgent)
	v.SetDefault("disallow_write", false)
	v.SetDefault("log_level", DefaultLogLevel)
}

// Load builds the configuration from defaults, an optional config file, the
// environment (AGGREGATOR_DB_PATH, ...) and finally flags. Flags are matched
// to keys by name with dashes in place of underscores (--db-path).
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("aggregator")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// The kill-switch is also honoured without the prefix.
	if err := v.BindEnv("disallow_write", EnvPrefix+"_DISALLOW_WRITE", "DISALLOW_WRITE"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	if flags != nil {
		for _, key := range v.AllKeys() {
			if f := flags.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", f.Name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported db_driver %q", c.DBDriver)
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", c.Interval)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid port %d", c.ServerPort)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// ListenAddr returns the formatted listen address for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}
