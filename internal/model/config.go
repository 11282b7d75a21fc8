package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider backend kinds.
const (
	ProviderTypeREST = "rest"
	ProviderTypeIMAP = "imap"
)

// IMAP search modes.
const (
	SearchModePhrase = "phrase"
	SearchModeTerms  = "terms"
)

// CacheConfig sizes the per-connector result caches.
type CacheConfig struct {
	Size         int `mapstructure:"size" yaml:"size"`
	TTLSec       int `mapstructure:"ttl_sec" yaml:"ttl_sec"`
	UnreadTTLSec int `mapstructure:"unread_ttl_sec" yaml:"unread_ttl_sec"`
}

// TTL returns the result cache time-to-live.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

// UnreadTTL returns the unread-count cache time-to-live.
func (c CacheConfig) UnreadTTL() time.Duration {
	return time.Duration(c.UnreadTTLSec) * time.Second
}

// RESTConfig configures an OAuth REST mail API connector.
type RESTConfig struct {
	BaseURL      string   `mapstructure:"base_url" yaml:"base_url"`
	User         string   `mapstructure:"user" yaml:"user"`
	Address      string   `mapstructure:"address" yaml:"address"`
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	RefreshToken string   `mapstructure:"refresh_token" yaml:"refresh_token"`
	RedirectURL  string   `mapstructure:"redirect_url" yaml:"redirect_url"`
	AuthURL      string   `mapstructure:"auth_url" yaml:"auth_url"`
	TokenURL     string   `mapstructure:"token_url" yaml:"token_url"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`

	// TokenKey is the keyring key refreshed tokens are written back to.
	TokenKey string `mapstructure:"token_key" yaml:"token_key"`
}

// IMAPAccountConfig is a single mailbox on an IMAP server.
type IMAPAccountConfig struct {
	Address  string `mapstructure:"address" yaml:"address"`
	Password string `mapstructure:"password" yaml:"password"`
}

// IMAPConfig configures an IMAP connector. All accounts share the server.
type IMAPConfig struct {
	Host       string              `mapstructure:"host" yaml:"host"`
	Port       int                 `mapstructure:"port" yaml:"port"`
	TLS        bool                `mapstructure:"tls" yaml:"tls"`
	Mailbox    string              `mapstructure:"mailbox" yaml:"mailbox"`
	SearchMode string              `mapstructure:"search_mode" yaml:"search_mode"`
	Accounts   []IMAPAccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// Addr returns host:port.
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProviderConfig holds the configuration for a single provider connector.
type ProviderConfig struct {
	// ID is the unique identifier for this provider instance.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the display name shown next to merged messages.
	Name string `mapstructure:"name" yaml:"name"`

	// Type identifies the backend kind ("rest" or "imap").
	Type string `mapstructure:"type" yaml:"type"`

	// Enabled controls whether the provider is initialized at startup.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// RequestsPerSecond bounds outbound requests for this connector.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`
	REST  RESTConfig  `mapstructure:"rest" yaml:"rest"`
	IMAP  IMAPConfig  `mapstructure:"imap" yaml:"imap"`
}

// DisplayName falls back to the id when no name is configured.
func (p ProviderConfig) DisplayName() string {
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return p.ID
}

// RetryConfig configures retries of transient connector failures.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelayMS int `mapstructure:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMS  int `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
}

// AggregateConfig tunes the provider manager fan-out.
type AggregateConfig struct {
	MaxConcurrency      int         `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	OperationTimeoutSec int         `mapstructure:"operation_timeout_sec" yaml:"operation_timeout_sec"`
	RecentWindowDays    int         `mapstructure:"recent_window_days" yaml:"recent_window_days"`
	DefaultLimit        int         `mapstructure:"default_limit" yaml:"default_limit"`
	RefreshIntervalSec  int         `mapstructure:"refresh_interval_sec" yaml:"refresh_interval_sec"`
	Retry               RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// OperationTimeout returns the per-connector call deadline.
func (a AggregateConfig) OperationTimeout() time.Duration {
	return time.Duration(a.OperationTimeoutSec) * time.Second
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Listen         string `mapstructure:"listen" yaml:"listen"`
	ReadTimeoutSec int    `mapstructure:"read_timeout_sec" yaml:"read_timeout_sec"`

	// RateLimitPerMinute caps requests per client IP; zero disables it.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

// ReadTimeout returns the read timeout as a duration.
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSec) * time.Second
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	LogLevel  string           `mapstructure:"log_level" yaml:"log_level"`
	Server    ServerConfig     `mapstructure:"server" yaml:"server"`
	Aggregate AggregateConfig  `mapstructure:"aggregate" yaml:"aggregate"`
	Providers []ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// Default values applied when keys are missing.
const (
	DefaultRequestsPerSecond = 5
	DefaultCacheSize         = 100
	DefaultCacheTTLSec       = 300
	DefaultUnreadTTLSec      = 30
	DefaultIMAPPort          = 993
	DefaultMailbox           = "INBOX"
	DefaultRESTBaseURL       = "https://gmail.googleapis.com"
	DefaultRESTUser          = "me"
	DefaultRESTAuthURL       = "https://accounts.google.com/o/oauth2/auth"
	DefaultRESTTokenURL      = "https://oauth2.googleapis.com/token"
)

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailhub/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailhub", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		LogLevel: "info",
		Server: ServerConfig{
			Listen:             ":8080",
			ReadTimeoutSec:     15,
			RateLimitPerMinute: 300,
		},
		Aggregate: AggregateConfig{
			MaxConcurrency:      8,
			OperationTimeoutSec: 30,
			RecentWindowDays:    7,
			DefaultLimit:        50,
			RefreshIntervalSec:  120,
			Retry: RetryConfig{
				MaxAttempts: 1,
				BaseDelayMS: 250,
				MaxDelayMS:  5000,
			},
		},
		Providers: []ProviderConfig{},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
// Top-level scalar keys can be overridden with MAILHUB_* environment variables.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailhub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultAppConfig()
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("server.listen", def.Server.Listen)
	v.SetDefault("server.read_timeout_sec", def.Server.ReadTimeoutSec)
	v.SetDefault("server.rate_limit_per_minute", def.Server.RateLimitPerMinute)
	v.SetDefault("aggregate.max_concurrency", def.Aggregate.MaxConcurrency)
	v.SetDefault("aggregate.operation_timeout_sec", def.Aggregate.OperationTimeoutSec)
	v.SetDefault("aggregate.recent_window_days", def.Aggregate.RecentWindowDays)
	v.SetDefault("aggregate.default_limit", def.Aggregate.DefaultLimit)
	v.SetDefault("aggregate.refresh_interval_sec", def.Aggregate.RefreshIntervalSec)
	v.SetDefault("aggregate.retry.max_attempts", def.Aggregate.Retry.MaxAttempts)
	v.SetDefault("aggregate.retry.base_delay_ms", def.Aggregate.Retry.BaseDelayMS)
	v.SetDefault("aggregate.retry.max_delay_ms", def.Aggregate.Retry.MaxDelayMS)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Providers {
		// Viper unmarshals missing bools as false; treat unset as true.
		key := fmt.Sprintf("providers.%d.enabled", i)
		if !cfg.Providers[i].Enabled && !v.IsSet(key) {
			cfg.Providers[i].Enabled = true
		}
		tlsKey := fmt.Sprintf("providers.%d.imap.tls", i)
		if !cfg.Providers[i].IMAP.TLS && !v.IsSet(tlsKey) {
			cfg.Providers[i].IMAP.TLS = true
		}
		applyProviderDefaults(&cfg.Providers[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

func applyProviderDefaults(p *ProviderConfig) {
	if p.RequestsPerSecond <= 0 {
		p.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if p.Cache.Size <= 0 {
		p.Cache.Size = DefaultCacheSize
	}
	if p.Cache.TTLSec <= 0 {
		p.Cache.TTLSec = DefaultCacheTTLSec
	}
	if p.Cache.UnreadTTLSec <= 0 {
		p.Cache.UnreadTTLSec = DefaultUnreadTTLSec
	}

	switch p.Type {
	case ProviderTypeIMAP:
		if p.IMAP.Port == 0 {
			p.IMAP.Port = DefaultIMAPPort
		}
		if p.IMAP.Mailbox == "" {
			p.IMAP.Mailbox = DefaultMailbox
		}
		if p.IMAP.SearchMode == "" {
			p.IMAP.SearchMode = SearchModePhrase
		}
	case ProviderTypeREST:
		if p.REST.BaseURL == "" {
			p.REST.BaseURL = DefaultRESTBaseURL
		}
		if p.REST.User == "" {
			p.REST.User = DefaultRESTUser
		}
		if p.REST.AuthURL == "" {
			p.REST.AuthURL = DefaultRESTAuthURL
		}
		if p.REST.TokenURL == "" {
			p.REST.TokenURL = DefaultRESTTokenURL
		}
	}
}

// Validate checks structural problems that no connector could recover from.
// Missing credentials are not checked here: they surface as auth failures
// when the connector initializes.
func (c *AppConfig) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("providers[%d]: id must not be empty", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true

		switch p.Type {
		case ProviderTypeREST:
		case ProviderTypeIMAP:
			if strings.TrimSpace(p.IMAP.Host) == "" {
				return fmt.Errorf("provider %q: imap.host must not be empty", p.ID)
			}
			if len(p.IMAP.Accounts) == 0 {
				return fmt.Errorf("provider %q: at least one imap account is required", p.ID)
			}
			if p.IMAP.SearchMode != SearchModePhrase && p.IMAP.SearchMode != SearchModeTerms {
				return fmt.Errorf("provider %q: unknown search_mode %q", p.ID, p.IMAP.SearchMode)
			}
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
		}
	}
	return nil
}
