package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"b2cauth/auth"
)

// Session and listener defaults.
const (
	DefaultSessionTTL   = 12 * time.Hour
	DefaultListenAddr   = "127.0.0.1:8080"
	DefaultBackOffice   = "/backoffice"
	DefaultDirectoryURL = "https://graph.windows.net"
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Directory DirectoryConfig `yaml:"directory"`
	Redis     RedisConfig     `yaml:"redis"`
	Content   ContentConfig   `yaml:"content"`
	LoadTest  LoadTestConfig  `yaml:"loadtest"`
}

// ServerConfig controls listener, TLS, and session concerns.
type ServerConfig struct {
	PublicURL     string    `yaml:"public_url"`
	ListenAddr    string    `yaml:"listen_addr"`
	DevMode       bool      `yaml:"dev_mode"`
	CookieDomain  string    `yaml:"cookie_domain"`
	BackOfficeURL string    `yaml:"back_office_url"`
	SessionSecret string    `yaml:"session_secret"`
	SessionTTL    string    `yaml:"session_ttl"`
	TLS           TLSConfig `yaml:"tls"`

	sessionTTL time.Duration
}

// TLSConfig defines autocert behaviour for production listeners.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// ProviderConfig mirrors the identity-provider options. It is converted
// once into the immutable auth.Config; nothing reassigns fields afterwards.
type ProviderConfig struct {
	Tenant            string `yaml:"tenant"`
	Authority         string `yaml:"authority"`
	Issuer            string `yaml:"issuer"`
	ClientID          string `yaml:"client_id"`
	ClientSecret      string `yaml:"client_secret"`
	RedirectURI       string `yaml:"redirect_uri"`
	SignUpPolicy      string `yaml:"sign_up_policy"`
	SignInPolicy      string `yaml:"sign_in_policy"`
	UserProfilePolicy string `yaml:"user_profile_policy"`
	AdminClientID     string `yaml:"admin_client_id"`
	AdminClientSecret string `yaml:"admin_client_secret"`
	Caption           string `yaml:"caption"`
	Style             string `yaml:"style"`
	Icon              string `yaml:"icon"`
	MetadataTTL       string `yaml:"metadata_ttl"`
	HTTPTimeout       string `yaml:"http_timeout"`
}

// DirectoryConfig controls the directory API client.
type DirectoryConfig struct {
	BaseURL  string `yaml:"base_url"`
	Resource string `yaml:"resource"`
	TokenURL string `yaml:"token_url"`
	Timeout  string `yaml:"timeout"`
}

// RedisConfig selects the Redis session-store backend when a URL is set;
// otherwise the in-memory store is used.
type RedisConfig struct {
	URL string `yaml:"url"`
	TTL string `yaml:"ttl"`
}

// ContentConfig points at the content-management service.
type ContentConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// LoadTestConfig toggles the load-test controller.
type LoadTestConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:     "http://127.0.0.1:8080",
			ListenAddr:    DefaultListenAddr,
			DevMode:       true,
			BackOfficeURL: DefaultBackOffice,
			SessionTTL:    DefaultSessionTTL.String(),
		},
		Provider: ProviderConfig{
			Authority: "https://login.microsoftonline.com",
		},
		Directory: DirectoryConfig{
			BaseURL:  DefaultDirectoryURL,
			Resource: DefaultDirectoryURL,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"B2CAUTH_SERVER_PUBLIC_URL":            func(v string) { cfg.Server.PublicURL = v },
		"B2CAUTH_SERVER_LISTEN_ADDR":           func(v string) { cfg.Server.ListenAddr = v },
		"B2CAUTH_SERVER_DEV_MODE":              func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"B2CAUTH_SERVER_SESSION_SECRET":        func(v string) { cfg.Server.SessionSecret = v },
		"B2CAUTH_PROVIDER_TENANT":              func(v string) { cfg.Provider.Tenant = v },
		"B2CAUTH_PROVIDER_CLIENT_ID":           func(v string) { cfg.Provider.ClientID = v },
		"B2CAUTH_PROVIDER_CLIENT_SECRET":       func(v string) { cfg.Provider.ClientSecret = v },
		"B2CAUTH_PROVIDER_ADMIN_CLIENT_SECRET": func(v string) { cfg.Provider.AdminClientSecret = v },
		"B2CAUTH_REDIS_URL":                    func(v string) { cfg.Redis.URL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// Validate performs sanity checks and rejects misconfiguration at startup.
func (c *Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode {
		if len(c.Server.TLS.Domains) == 0 {
			return errors.New("server.tls.domains must be provided in production")
		}
		if c.Server.SessionSecret == "" {
			return errors.New("server.session_secret must be provided in production")
		}
	}
	if c.Server.BackOfficeURL == "" {
		c.Server.BackOfficeURL = DefaultBackOffice
	}

	ttl, err := parseDuration(c.Server.SessionTTL, DefaultSessionTTL)
	if err != nil {
		return fmt.Errorf("server.session_ttl: %w", err)
	}
	c.Server.sessionTTL = ttl

	if c.LoadTest.Enabled && c.Content.BaseURL == "" {
		return errors.New("loadtest.enabled requires content.base_url")
	}

	// Provider validation is owned by the auth package; surface its
	// errors verbatim so misconfiguration points at the right option.
	if _, err := c.AuthConfig().Policies(); err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	return nil
}

// SessionTTL returns the parsed session lifetime.
func (c Config) SessionTTL() time.Duration {
	if c.Server.sessionTTL > 0 {
		return c.Server.sessionTTL
	}
	return DefaultSessionTTL
}

// AuthConfig assembles the immutable provider configuration.
func (c Config) AuthConfig() auth.Config {
	metadataTTL, _ := parseDuration(c.Provider.MetadataTTL, auth.DefaultMetadataTTL)
	httpTimeout, _ := parseDuration(c.Provider.HTTPTimeout, auth.DefaultHTTPTimeout)
	return auth.Config{
		Tenant:            c.Provider.Tenant,
		Authority:         c.Provider.Authority,
		Issuer:            c.Provider.Issuer,
		ClientID:          c.Provider.ClientID,
		ClientSecret:      c.Provider.ClientSecret,
		RedirectURI:       c.Provider.RedirectURI,
		SignUpPolicy:      auth.PolicyID(c.Provider.SignUpPolicy),
		SignInPolicy:      auth.PolicyID(c.Provider.SignInPolicy),
		UserProfilePolicy: auth.PolicyID(c.Provider.UserProfilePolicy),
		AdminClientID:     c.Provider.AdminClientID,
		AdminClientSecret: c.Provider.AdminClientSecret,
		Caption:           c.Provider.Caption,
		Style:             c.Provider.Style,
		Icon:              c.Provider.Icon,
		MetadataTTL:       metadataTTL,
		HTTPTimeout:       httpTimeout,
	}.Normalize()
}

// DirectoryTokenURL resolves the client-credential token endpoint, derived
// from the authority unless configured explicitly.
func (c Config) DirectoryTokenURL() string {
	if c.Directory.TokenURL != "" {
		return c.Directory.TokenURL
	}
	return strings.TrimSuffix(c.Provider.Authority, "/") + "/" + c.Provider.Tenant + "/oauth2/token"
}

func parseDuration(val string, fallback time.Duration) (time.Duration, error) {
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", val)
	}
	return d, nil
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
