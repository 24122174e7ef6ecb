// Package config loads the settings of the tubestr command from a file, the environment and flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pippellia-btc/tubestr"
	"github.com/pippellia-btc/tubestr/pow"
	"github.com/pippellia-btc/tubestr/relay"
	"github.com/pippellia-btc/tubestr/upload"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "TUBESTR"
	FileName  = "tubestr"
)

type Config struct {
	SecretKey      string        `mapstructure:"secret-key"`
	Servers        []string      `mapstructure:"servers"`
	Relays         []string      `mapstructure:"relays"`
	Difficulty     int           `mapstructure:"difficulty"`
	MiningTimeout  time.Duration `mapstructure:"mining-timeout"`
	MaxRetries     int           `mapstructure:"max-retries"`
	RetryDelay     time.Duration `mapstructure:"retry-delay"`
	PublishTimeout time.Duration `mapstructure:"publish-timeout"`
	LogLevel       string        `mapstructure:"log-level"`
}

func Default() Config {
	return Config{
		Servers:        []string{},
		Relays:         []string{},
		MaxRetries:     upload.DefaultMaxRetries,
		PublishTimeout: relay.DefaultPublishTimeout,
		LogLevel:       "info",
	}
}

// Load the config. Values are taken, in order of precedence, from the flags that were set,
// the TUBESTR_* environment variables (e.g. TUBESTR_SECRET_KEY), the config file and the defaults.
// If path is empty, an optional "tubestr" file is searched in the working and user config directories.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("secret-key", def.SecretKey)
	v.SetDefault("servers", def.Servers)
	v.SetDefault("relays", def.Relays)
	v.SetDefault("difficulty", def.Difficulty)
	v.SetDefault("mining-timeout", def.MiningTimeout)
	v.SetDefault("max-retries", def.MaxRetries)
	v.SetDefault("retry-delay", def.RetryDelay)
	v.SetDefault("publish-timeout", def.PublishTimeout)
	v.SetDefault("log-level", def.LogLevel)

	if err := read(v, path); err != nil {
		return Config{}, err
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return c, c.Validate()
}

func read(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %q: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(FileName)
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(dir + "/tubestr")
	}

	err := v.ReadInConfig()
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return nil
	}
	return err
}

func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Difficulty < 0 || c.Difficulty > pow.MaxDifficulty {
		return fmt.Errorf("%w: %d", pow.ErrInvalidDifficulty, c.Difficulty)
	}
	if c.MaxRetries < 0 {
		return errors.New("max-retries must not be negative")
	}
	return nil
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log-level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Options returns the client options for the config.
func (c Config) Options(logger *slog.Logger) []tubestr.Option {
	opts := []tubestr.Option{
		tubestr.WithServers(c.Servers...),
		tubestr.WithRelays(c.Relays...),
		tubestr.WithDifficulty(c.Difficulty),
		tubestr.WithMaxRetries(c.MaxRetries),
		tubestr.WithRetryDelay(c.RetryDelay),
		tubestr.WithPublishTimeout(c.PublishTimeout),
		tubestr.WithLogger(logger),
	}

	if c.SecretKey != "" {
		opts = append(opts, tubestr.WithSecretKey(c.SecretKey))
	}
	if c.MiningTimeout > 0 {
		opts = append(opts, tubestr.WithMiningTimeout(c.MiningTimeout))
	}
	return opts
}
