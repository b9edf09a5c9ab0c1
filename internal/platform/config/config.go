package config

import (
	"time"
)

type Config struct {
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	API          APIConfig          `yaml:"api" mapstructure:"api"`
	OAuth        OAuthConfig        `yaml:"oauth" mapstructure:"oauth"`
	Credentials  CredentialsConfig  `yaml:"credentials" mapstructure:"credentials"`
	Queue        QueueConfig        `yaml:"queue" mapstructure:"queue"`
	Token        TokenConfig        `yaml:"token" mapstructure:"token"`
	Connectivity ConnectivityConfig `yaml:"connectivity" mapstructure:"connectivity"`
	Control      ControlConfig      `yaml:"control" mapstructure:"control"`
	Database     DatabaseConfig     `yaml:"database" mapstructure:"database"`
}

type LogConfig struct {
	Level string `yaml:"log_level" mapstructure:"log_level"`
	Dir   string `yaml:"log_dir" mapstructure:"log_dir"`
	File  string `yaml:"log_file" mapstructure:"log_file"`
}

// APIConfig points at the remote posting service.
type APIConfig struct {
	BaseURL            string        `yaml:"base_url" mapstructure:"base_url"`
	PostPath           string        `yaml:"post_path" mapstructure:"post_path"`
	MaxTextLength      int           `yaml:"max_text_length" mapstructure:"max_text_length"`
	RateLimitWarnBelow int           `yaml:"rate_limit_warn_below" mapstructure:"rate_limit_warn_below"`
	UserAgent          string        `yaml:"user_agent" mapstructure:"user_agent"`
	IdleConnTimeout    time.Duration `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
}

type OAuthConfig struct {
	TokenURL      string   `yaml:"token_url" mapstructure:"token_url"`
	UserInfoURL   string   `yaml:"userinfo_url" mapstructure:"userinfo_url"`
	ClientID      string   `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret  string   `yaml:"client_secret" mapstructure:"client_secret"`
	RedirectURI   string   `yaml:"redirect_uri" mapstructure:"redirect_uri"`
	Scopes        []string `yaml:"scopes" mapstructure:"scopes"`
	ExpectedState string   `yaml:"expected_state" mapstructure:"expected_state"`
}

// CredentialsConfig selects the secure key/value backend for tokens.
type CredentialsConfig struct {
	Driver         string               `yaml:"driver" mapstructure:"driver"`
	Namespace      string               `yaml:"namespace" mapstructure:"namespace"`
	EncryptionKey  string               `yaml:"encryption_key" mapstructure:"encryption_key"`
	Redis          RedisConfig          `yaml:"redis" mapstructure:"redis"`
	SecretsManager SecretsManagerConfig `yaml:"secrets_manager" mapstructure:"secrets_manager"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	DB       int    `yaml:"db,omitempty" mapstructure:"db"`
	Prefix   string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

type SecretsManagerConfig struct {
	Region     string `yaml:"region" mapstructure:"region"`
	SecretName string `yaml:"secret_name" mapstructure:"secret_name"`
}

type QueueConfig struct {
	Driver        string        `yaml:"driver" mapstructure:"driver"`
	Path          string        `yaml:"path" mapstructure:"path"`
	DedupWindow   time.Duration `yaml:"dedup_window" mapstructure:"dedup_window"`
	DedupMode     string        `yaml:"dedup_mode" mapstructure:"dedup_mode"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	DrainRate     float64       `yaml:"drain_rate" mapstructure:"drain_rate"`
	DrainBurst    int           `yaml:"drain_burst" mapstructure:"drain_burst"`
	HistoryLimit  int           `yaml:"history_limit" mapstructure:"history_limit"`
}

type TokenConfig struct {
	RefreshMargin time.Duration `yaml:"refresh_margin" mapstructure:"refresh_margin"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

type ConnectivityConfig struct {
	ProbeTargets  []string      `yaml:"probe_targets" mapstructure:"probe_targets"`
	ProbeInterval time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	UseInterfaces bool          `yaml:"use_interfaces" mapstructure:"use_interfaces"`
}

// ControlConfig drives the local HTTP control API.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
	Token   string `yaml:"token" mapstructure:"token"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}
