// Package config loads gateway configuration from environment variables
// and optional config files.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"inbox-gateway/internal/accounts"
	"inbox-gateway/internal/inbox"
	"inbox-gateway/internal/queue"
)

// Deployment profiles.
const (
	ProfileDefault   = "default"
	ProfileUltraFast = "ultra-fast"
)

// Config is the full gateway configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Accounts AccountsConfig `mapstructure:"accounts"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	CatchAll CatchAllConfig `mapstructure:"catchall"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Profile  string         `mapstructure:"profile"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds the SQLite path for custom address registrations.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AccountsConfig holds the raw account credential strings. Gmail and
// Outlook use the addr1:pw1:addr2:pw2 pair format; the legacy user and
// password pair configures a single gmail account.
type AccountsConfig struct {
	Gmail          string `mapstructure:"gmail"`
	Outlook        string `mapstructure:"outlook"`
	LegacyUser     string `mapstructure:"legacy_user"`
	LegacyPassword string `mapstructure:"legacy_password"`
}

// OAuthConfig attaches an OAuth2 refresh token to one gmail account, which
// then logs in over OAUTHBEARER instead of an app password. The account is
// registered automatically when it appears nowhere else.
type OAuthConfig struct {
	Account      string `mapstructure:"account"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
}

func (o OAuthConfig) enabled() bool {
	return o.Account != "" || o.ClientID != "" || o.ClientSecret != "" || o.RefreshToken != ""
}

// CatchAllConfig lists the catch-all domains and the backend mailbox their
// mail lands in.
type CatchAllConfig struct {
	Domains string `mapstructure:"domains"`
	Backend string `mapstructure:"backend"`
}

// AuthConfig holds the bearer token that marks a viewer as authenticated.
// Empty means every request is anonymous.
type AuthConfig struct {
	APIToken string `mapstructure:"api_token"`
}

// Load reads configuration from a .env file (when present) and the
// environment, applies defaults, and validates.
func Load() (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()
	return LoadWithViper(viper.New())
}

// LoadWithViper loads configuration through a caller-supplied viper
// instance. Used by tests.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	setupEnvBinding(v)

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.path", "./gateway.db")
	v.SetDefault("profile", ProfileDefault)
}

func setupEnvBinding(v *viper.Viper) {
	v.AutomaticEnv()

	envBindings := map[string]string{
		"server.host":              "SERVER_HOST",
		"server.port":              "SERVER_PORT",
		"logging.level":            "LOG_LEVEL",
		"database.path":            "DATABASE_PATH",
		"accounts.gmail":           "GMAIL_ACCOUNTS",
		"accounts.outlook":         "OUTLOOK_ACCOUNTS",
		"accounts.legacy_user":     "EMAIL_USER",
		"accounts.legacy_password": "EMAIL_PASSWORD",
		"oauth.account":            "GMAIL_OAUTH_ACCOUNT",
		"oauth.client_id":          "GMAIL_OAUTH_CLIENT_ID",
		"oauth.client_secret":      "GMAIL_OAUTH_CLIENT_SECRET",
		"oauth.refresh_token":      "GMAIL_OAUTH_REFRESH_TOKEN",
		"catchall.domains":         "CATCHALL_DOMAINS",
		"catchall.backend":         "CATCHALL_BACKEND",
		"auth.api_token":           "API_TOKEN",
		"profile":                  "PROFILE",
	}
	for configKey, envVar := range envBindings {
		v.BindEnv(configKey, envVar)
	}
}

func (c *Config) validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid server port %q", c.Server.Port)
	}
	if c.Profile != ProfileDefault && c.Profile != ProfileUltraFast {
		return fmt.Errorf("unknown profile %q (want %s or %s)", c.Profile, ProfileDefault, ProfileUltraFast)
	}

	if c.Accounts.Gmail == "" && c.Accounts.Outlook == "" && c.Accounts.LegacyUser == "" && !c.OAuth.enabled() {
		return fmt.Errorf("no accounts configured: set GMAIL_ACCOUNTS, OUTLOOK_ACCOUNTS, EMAIL_USER, or GMAIL_OAUTH_*")
	}
	if c.Accounts.LegacyUser != "" && c.Accounts.LegacyPassword == "" {
		return fmt.Errorf("EMAIL_USER set without EMAIL_PASSWORD")
	}
	if c.OAuth.enabled() {
		if c.OAuth.Account == "" || c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" || c.OAuth.RefreshToken == "" {
			return fmt.Errorf("incomplete gmail OAuth config: GMAIL_OAUTH_ACCOUNT, GMAIL_OAUTH_CLIENT_ID, GMAIL_OAUTH_CLIENT_SECRET, and GMAIL_OAUTH_REFRESH_TOKEN must be set together")
		}
	}
	if c.CatchAll.Domains != "" && c.CatchAll.Backend == "" {
		return fmt.Errorf("CATCHALL_DOMAINS set without CATCHALL_BACKEND")
	}
	return nil
}

// CatchAllDomains returns the parsed catch-all domain list.
func (c *Config) CatchAllDomains() []string {
	if c.CatchAll.Domains == "" {
		return nil
	}
	parts := strings.Split(c.CatchAll.Domains, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if d := strings.TrimSpace(p); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// BuildRegistry creates the account registry from the configured
// credentials. The legacy single-account form registers one gmail account.
func (c *Config) BuildRegistry() (*accounts.Registry, error) {
	reg := accounts.NewRegistry()

	gmailPairs, err := accounts.ParseAccountsString(c.Accounts.Gmail)
	if err != nil {
		return nil, fmt.Errorf("GMAIL_ACCOUNTS: %w", err)
	}
	for _, pair := range gmailPairs {
		if err := reg.Add(pair[0], pair[1], accounts.ProviderGmail); err != nil {
			return nil, err
		}
	}

	outlookPairs, err := accounts.ParseAccountsString(c.Accounts.Outlook)
	if err != nil {
		return nil, fmt.Errorf("OUTLOOK_ACCOUNTS: %w", err)
	}
	for _, pair := range outlookPairs {
		if err := reg.Add(pair[0], pair[1], accounts.ProviderOutlook); err != nil {
			return nil, err
		}
	}

	if c.Accounts.LegacyUser != "" {
		if _, ok := reg.Lookup(c.Accounts.LegacyUser); !ok {
			if err := reg.Add(c.Accounts.LegacyUser, c.Accounts.LegacyPassword, accounts.ProviderGmail); err != nil {
				return nil, err
			}
		}
	}

	if c.OAuth.enabled() {
		addr := strings.ToLower(strings.TrimSpace(c.OAuth.Account))
		if _, ok := reg.Lookup(addr); !ok {
			// OAuth replaces the password, so none is required here.
			if err := reg.Add(addr, "", accounts.ProviderGmail); err != nil {
				return nil, err
			}
		}
		if err := reg.EnableOAuth(addr, c.OAuth.ClientID, c.OAuth.ClientSecret, c.OAuth.RefreshToken); err != nil {
			return nil, err
		}
	}

	if reg.Len() == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}

	if c.CatchAll.Backend != "" {
		if _, ok := reg.Lookup(c.CatchAll.Backend); !ok {
			return nil, fmt.Errorf("CATCHALL_BACKEND %s is not a configured account", c.CatchAll.Backend)
		}
	}
	return reg, nil
}

// InboxConfig maps the profile and account count onto the aggregation core
// sizing. Multi-account deployments get wider queues.
func (c *Config) InboxConfig(accountCount int) inbox.Config {
	cfg := inbox.DefaultConfig()
	if c.Profile == ProfileUltraFast {
		cfg = inbox.UltraFastConfig()
	}
	if accountCount > 1 {
		cfg.Queue = queue.Config{MaxConcurrent: 5, MaxPerSecond: 8}
	}
	return cfg
}
