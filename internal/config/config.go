package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "MEMORIES"
	defaultPageSize            = 50
	defaultRefreshMinutes      = 5
	defaultTombstoneTTLSeconds = 120
	defaultMaxRetries          = 3
	defaultBridgeAddress       = "127.0.0.1:8765"
	defaultLogLevel            = "info"
	maxPageSize                = 1000
)

var allowedRefreshMinutes = []int{5, 10, 15}

// AppConfig captures runtime configuration for the sync engine.
type AppConfig struct {
	ServerURL       string
	AccessToken     string
	PageSize        int
	RefreshInterval time.Duration
	TombstoneTTL    time.Duration
	MaxRetries      int
	CachePath       string
	BridgeAddress   string
	LogLevel        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("server.url", "")
	configViper.SetDefault("server.token", "")
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.refresh_interval_minutes", defaultRefreshMinutes)
	configViper.SetDefault("sync.tombstone_ttl_seconds", defaultTombstoneTTLSeconds)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("cache.path", "")
	configViper.SetDefault("bridge.address", defaultBridgeAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper. Refresh intervals other than 5, 10 or 15
// minutes fall back to 5.
func Load(configViper *viper.Viper) (AppConfig, error) {
	refreshMinutes := configViper.GetInt("sync.refresh_interval_minutes")
	if !slices.Contains(allowedRefreshMinutes, refreshMinutes) {
		refreshMinutes = defaultRefreshMinutes
	}

	cfg := AppConfig{
		ServerURL:       strings.TrimRight(strings.TrimSpace(configViper.GetString("server.url")), "/"),
		AccessToken:     strings.TrimSpace(configViper.GetString("server.token")),
		PageSize:        configViper.GetInt("sync.page_size"),
		RefreshInterval: time.Duration(refreshMinutes) * time.Minute,
		TombstoneTTL:    time.Duration(configViper.GetInt("sync.tombstone_ttl_seconds")) * time.Second,
		MaxRetries:      configViper.GetInt("sync.max_retries"),
		CachePath:       strings.TrimSpace(configViper.GetString("cache.path")),
		BridgeAddress:   strings.TrimSpace(configViper.GetString("bridge.address")),
		LogLevel:        configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ReadFile loads an optional configuration file into configViper. An explicit path must
// exist and parse; without one a missing discovered file is ignored.
func ReadFile(configViper *viper.Viper, path string) error {
	if path != "" {
		configViper.SetConfigFile(path)
	}
	err := configViper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if path == "" && errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("read config: %w", err)
}

// RequireCredentials reports an error unless an access token is configured.
func (c AppConfig) RequireCredentials() error {
	if c.AccessToken == "" {
		return fmt.Errorf("server.token is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server.url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("server.url must be an http(s) address, got %q", c.ServerURL)
	}
	if c.PageSize <= 0 || c.PageSize > maxPageSize {
		return fmt.Errorf("sync.page_size must be between 1 and %d", maxPageSize)
	}
	if c.TombstoneTTL <= 0 {
		return fmt.Errorf("sync.tombstone_ttl_seconds must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	return nil
}
