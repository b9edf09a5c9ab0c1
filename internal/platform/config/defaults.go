package config

import "time"

// DefaultConfig returns the configuration used when no file overrides a value.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
			Dir:   "data/logs",
			File:  "postkeeper.log",
		},
		API: APIConfig{
			BaseURL:            "https://api.example.com",
			PostPath:           "/2/posts",
			MaxTextLength:      280,
			RateLimitWarnBelow: 10,
			UserAgent:          "postkeeper/1.0",
			IdleConnTimeout:    90 * time.Second,
		},
		OAuth: OAuthConfig{
			TokenURL:    "https://api.example.com/2/oauth2/token",
			RedirectURI: "http://127.0.0.1:8976/callback",
			Scopes:      []string{"post.write", "users.read", "offline.access"},
		},
		Credentials: CredentialsConfig{
			Driver:    "sqlite",
			Namespace: "postkeeper",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "postkeeper:cred:",
			},
			SecretsManager: SecretsManagerConfig{
				SecretName: "postkeeper/credentials",
			},
		},
		Queue: QueueConfig{
			Driver:        "file",
			Path:          "data/outbox.jsonl",
			DedupWindow:   30 * time.Minute,
			DedupMode:     "collapse",
			SweepInterval: 30 * time.Second,
			DrainRate:     2,
			DrainBurst:    1,
			HistoryLimit:  100,
		},
		Token: TokenConfig{
			RefreshMargin: 15 * time.Minute,
			PollInterval:  time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeTargets:  []string{"api.example.com:443", "1.1.1.1:53"},
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  3 * time.Second,
			UseInterfaces: true,
		},
		Control: ControlConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8977",
		},
		Database: DatabaseConfig{
			Path: "data/postkeeper.db",
		},
	}
}
