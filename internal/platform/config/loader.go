package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POSTKEEPER_"

// Loader resolves configuration from defaults, a YAML file, a .env file,
// an optional Secrets Manager secret and POSTKEEPER_* variables, in that order.
type Loader struct {
	useDotEnv bool
	envFile   string
	path      string
	secrets   SecretFetcher
}

// NewLoader creates a loader that reads config.yaml from the working directory.
func NewLoader() *Loader {
	return &Loader{
		useDotEnv: true,
		path:      "config.yaml",
	}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithEnvFile points the .env lookup at a specific file.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// WithPath overrides the YAML config path.
func (l *Loader) WithPath(path string) *Loader {
	if path != "" {
		l.path = path
	}
	return l
}

// WithSecrets overrides the Secrets Manager client (useful for tests).
func (l *Loader) WithSecrets(fetcher SecretFetcher) *Loader {
	l.secrets = fetcher
	return l
}

// Result captures the loaded configuration and its origin path.
type Result struct {
	Config        *Config
	Path          string
	SecretsLoaded int
}

func (l *Loader) Load(ctx context.Context) (*Result, error) {
	res := &Result{}

	if l.useDotEnv {
		l.loadDotEnv()
	}

	if secretID, region, stage, overwrite := secretSettingsFromEnv(); secretID != "" {
		fetcher := l.secrets
		if fetcher == nil {
			f, err := NewSecretFetcher(ctx, region)
			if err != nil {
				return nil, err
			}
			fetcher = f
		}
		n, err := applySecretEnv(ctx, fetcher, secretID, stage, overwrite)
		if err != nil {
			return nil, err
		}
		res.SecretsLoaded = n
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", l.path, err)
		}
		res.Path = l.path
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read %s: %w", l.path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := l.validate(cfg); err != nil {
		return nil, err
	}

	res.Config = cfg
	return res, nil
}

func (l *Loader) loadDotEnv() {
	envFile := l.envFile
	if envFile == "" {
		envFile = os.Getenv("ENV_FILE_PATH")
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err == nil {
			return
		}
	}
	_ = godotenv.Load()
}

type envBinding struct {
	key   string
	apply func(cfg *Config, value string) error
}

var envBindings = []envBinding{
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_DIR", func(c *Config, v string) error { c.Log.Dir = v; return nil }},
	{"API_BASE_URL", func(c *Config, v string) error { c.API.BaseURL = v; return nil }},
	{"OAUTH_TOKEN_URL", func(c *Config, v string) error { c.OAuth.TokenURL = v; return nil }},
	{"OAUTH_CLIENT_ID", func(c *Config, v string) error { c.OAuth.ClientID = v; return nil }},
	{"OAUTH_CLIENT_SECRET", func(c *Config, v string) error { c.OAuth.ClientSecret = v; return nil }},
	{"OAUTH_EXPECTED_STATE", func(c *Config, v string) error { c.OAuth.ExpectedState = v; return nil }},
	{"CREDENTIALS_DRIVER", func(c *Config, v string) error { c.Credentials.Driver = v; return nil }},
	{"CREDENTIALS_KEY", func(c *Config, v string) error { c.Credentials.EncryptionKey = v; return nil }},
	{"REDIS_ADDR", func(c *Config, v string) error { c.Credentials.Redis.Addr = v; return nil }},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Credentials.Redis.Password = v; return nil }},
	{"QUEUE_DRIVER", func(c *Config, v string) error { c.Queue.Driver = v; return nil }},
	{"QUEUE_PATH", func(c *Config, v string) error { c.Queue.Path = v; return nil }},
	{"QUEUE_DEDUP_WINDOW", func(c *Config, v string) error { return setDuration(&c.Queue.DedupWindow, v) }},
	{"TOKEN_REFRESH_MARGIN", func(c *Config, v string) error { return setDuration(&c.Token.RefreshMargin, v) }},
	{"CONTROL_ENABLED", func(c *Config, v string) error { return setBool(&c.Control.Enabled, v) }},
	{"CONTROL_ADDR", func(c *Config, v string) error { c.Control.Addr = v; return nil }},
	{"CONTROL_TOKEN", func(c *Config, v string) error { c.Control.Token = v; return nil }},
	{"DATABASE_PATH", func(c *Config, v string) error { c.Database.Path = v; return nil }},
}

func applyEnvOverrides(cfg *Config) error {
	for _, b := range envBindings {
		value, ok := os.LookupEnv(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.apply(cfg, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("env %s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func (l *Loader) validate(cfg *Config) error {
	switch cfg.Credentials.Driver {
	case "memory", "sqlite", "redis", "secretsmanager":
	default:
		return fmt.Errorf("unsupported credentials driver %q", cfg.Credentials.Driver)
	}
	switch cfg.Queue.Driver {
	case "memory", "sqlite", "file":
	default:
		return fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver)
	}
	switch cfg.Queue.DedupMode {
	case "exact", "trim", "collapse":
	default:
		return fmt.Errorf("unsupported dedup mode %q", cfg.Queue.DedupMode)
	}
	if cfg.Queue.DedupWindow <= 0 {
		return fmt.Errorf("queue dedup window must be positive")
	}
	if cfg.Token.RefreshMargin <= 0 || cfg.Token.PollInterval <= 0 {
		return fmt.Errorf("token refresh margin and poll interval must be positive")
	}
	if cfg.API.MaxTextLength <= 0 {
		return fmt.Errorf("api max text length must be positive")
	}
	if cfg.Control.Enabled {
		if _, port, err := net.SplitHostPort(cfg.Control.Addr); err != nil {
			return fmt.Errorf("invalid control addr %q: %w", cfg.Control.Addr, err)
		} else if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid control port %q", port)
		}
	}
	return nil
}
