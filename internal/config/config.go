package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MODELFETCH"

// Config is the resolved runtime configuration. Sizes arrive as human strings
// ("8MiB", "500k") and are parsed into bytes by Load.
type Config struct {
	Connections int           `mapstructure:"connections"`
	ChunkSize   string        `mapstructure:"chunk_size"`
	Retries     int           `mapstructure:"retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTimeout  time.Duration `mapstructure:"max_timeout"`
	Workers     int           `mapstructure:"workers"`
	UserAgent   string        `mapstructure:"user_agent"`
	Proxy       string        `mapstructure:"proxy"`
	Headers     []string      `mapstructure:"headers"`
	Token       string        `mapstructure:"token"`
	RateLimit   string        `mapstructure:"rate_limit"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	AWSProfile  string        `mapstructure:"aws_profile"`
	Mobile      bool          `mapstructure:"mobile"`
	Debug       bool          `mapstructure:"debug"`

	ChunkSizeBytes int64 `mapstructure:"-"`
	RateLimitBytes int64 `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connections", 8)
	v.SetDefault("chunk_size", "8MiB")
	v.SetDefault("retries", 5)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("max_timeout", 2*time.Minute)
	v.SetDefault("workers", 1)
	v.SetDefault("user_agent", "")
	v.SetDefault("proxy", "")
	v.SetDefault("headers", []string{})
	v.SetDefault("token", "")
	v.SetDefault("rate_limit", "0")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("aws_profile", "default")
	v.SetDefault("mobile", false)
	v.SetDefault("debug", false)
}

// DefaultPath is $HOME/.config/modelfetch/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "modelfetch", "config.yaml")
}

// Load layers defaults, the YAML file at path (optional unless explicit),
// a .env file in the working directory, MODELFETCH_* variables and flags.
func Load(v *viper.Viper, path string, explicit bool, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("op", "config/config").Err(err).Msg("could not read .env")
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
			log.Debug().Str("op", "config/config").Str("path", path).Msg("no config file, using defaults")
		}
	}
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			// flags are kebab-case, keys snake_case
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil {
				bindErr = errors.Join(bindErr, err)
			}
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.parseSizes(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) parseSizes() error {
	size, err := humanize.ParseBytes(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("chunk_size %q: %w", c.ChunkSize, err)
	}
	c.ChunkSizeBytes = int64(size)
	limit, err := humanize.ParseBytes(c.RateLimit)
	if err != nil {
		return fmt.Errorf("rate_limit %q: %w", c.RateLimit, err)
	}
	c.RateLimitBytes = int64(limit)
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Connections <= 0 {
		errs = append(errs, fmt.Errorf("connections must be positive, got %d", c.Connections))
	}
	if c.ChunkSizeBytes <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %q", c.ChunkSize))
	}
	if c.Retries <= 0 {
		errs = append(errs, fmt.Errorf("retries must be positive, got %d", c.Retries))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.MaxTimeout < c.Timeout {
		errs = append(errs, fmt.Errorf("max_timeout %s is below timeout %s", c.MaxTimeout, c.Timeout))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	return errors.Join(errs...)
}
