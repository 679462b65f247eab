// Package config loads songlist-server configuration.
//
// Sources, lowest to highest precedence:
//  1. Built-in defaults
//  2. YAML file (path argument, else $SONGLIST_CONFIG, else ./songlist.yaml if present)
//  3. Environment variables, including those from a .env file
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when no path is given and it exists.
const DefaultConfigFile = "songlist.yaml"

// Load builds the configuration from defaults, the config file and the
// environment. A .env file in the working directory is loaded first; it never
// overrides variables already set in the process environment.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()

	if configPath == "" {
		configPath = os.Getenv("SONGLIST_CONFIG")
	}
	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else if _, err := os.Stat(DefaultConfigFile); err == nil {
		if err := loadConfigFile(DefaultConfigFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", DefaultConfigFile, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadConfigFile reads and parses a YAML config file over cfg.
// Environment references in the file are expanded.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to cfg.
// Malformed numeric or duration values are reported, not ignored.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := parsePositiveInt(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setInt("PORT", &cfg.Server.Port)
	setString("REDIS_URL", &cfg.Redis.URL)
	if v := os.Getenv("REDIS_REQUIRED"); v != "" {
		cfg.Redis.Required = parseBool(v)
	}

	setString("USER_AGENT", &cfg.Search.UserAgent)
	setString("SEARCH_BASE_URL", &cfg.Search.BaseURL)
	setString("SEARCH_MEDIA", &cfg.Search.Media)
	setString("SEARCH_COUNTRY", &cfg.Search.Country)
	setString("SEARCH_LANG", &cfg.Search.Lang)
	setInt("SEARCH_PAGE_SIZE", &cfg.Search.PageSize)
	setInt("SEARCH_REQUESTS_PER_MINUTE", &cfg.Search.RequestsPerMinute)
	setDuration("SEARCH_REQUEST_TIMEOUT", &cfg.Search.RequestTimeout)

	setDuration("FETCH_TIMEOUT", &cfg.Pagination.FetchTimeout)
	setInt("MAX_SESSIONS", &cfg.Pagination.MaxSessions)

	setString("LOG_LEVEL", &cfg.Log.Level)
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.Log.Pretty = parseBool(v)
	}

	return errors.Join(errs...)
}

// parsePositiveInt parses a string to a positive integer
func parsePositiveInt(s string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("failed to parse integer from '%s': %w", s, err)
	}
	if i <= 0 {
		return 0, fmt.Errorf("value must be positive, got: %d", i)
	}
	return i, nil
}

// parseBool parses various boolean representations
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "yes" || s == "1" || s == "on"
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got: %d", c.Server.Port)
	}
	if c.Search.BaseURL == "" {
		return fmt.Errorf("search base url cannot be empty")
	}
	if u, err := url.Parse(c.Search.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("search base url %q must be an absolute URL", c.Search.BaseURL)
	}
	if c.Search.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.Search.PageSize <= 0 || c.Search.PageSize > 200 {
		return fmt.Errorf("search page size must be 1-200, got: %d", c.Search.PageSize)
	}
	if c.Search.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests per minute must be positive, got: %d", c.Search.RequestsPerMinute)
	}
	if c.Pagination.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got: %s", c.Pagination.FetchTimeout)
	}
	if c.Pagination.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive, got: %d", c.Pagination.MaxSessions)
	}
	return nil
}

// ListenAddr is the server listen address.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}
