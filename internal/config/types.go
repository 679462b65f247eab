package config

import "time"

// Config is the complete songlist-server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Search     SearchConfig     `yaml:"search"`
	Pagination PaginationConfig `yaml:"pagination"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig locates the Redis instance backing the page cache and quota.
// URL accepts either host:port or a redis:// URL.
type RedisConfig struct {
	URL string `yaml:"url"`

	// Required makes startup fail when Redis is unreachable instead of
	// running without cache and shared quota.
	Required bool `yaml:"required"`
}

// SearchConfig holds the search API parameters.
type SearchConfig struct {
	BaseURL           string        `yaml:"base_url"`
	UserAgent         string        `yaml:"user_agent"`
	Media             string        `yaml:"media"`
	Country           string        `yaml:"country"`
	Lang              string        `yaml:"lang"`
	PageSize          int           `yaml:"page_size"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// PaginationConfig holds list session settings.
type PaginationConfig struct {
	// FetchTimeout bounds one page fetch including retries.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// MaxSessions caps concurrently open list sessions.
	MaxSessions int `yaml:"max_sessions"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			URL: "localhost:6379",
		},
		Search: SearchConfig{
			BaseURL:           "https://itunes.apple.com",
			UserAgent:         "songlist-pager/0.1.0",
			Media:             "music",
			Country:           "HK",
			Lang:              "zh_hk",
			PageSize:          100,
			RequestsPerMinute: 20,
			RequestTimeout:    30 * time.Second,
		},
		Pagination: PaginationConfig{
			FetchTimeout: 15 * time.Second,
			MaxSessions:  1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
