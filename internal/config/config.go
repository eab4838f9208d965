// Package config provides configuration loading for the provisioner.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	DNS       DNSConfig       `mapstructure:"dns"`
	Mail      MailConfig      `mapstructure:"mail"`
	Docs      DocsConfig      `mapstructure:"docs"`
	Beacon    BeaconConfig    `mapstructure:"beacon"`
	Store     StoreConfig     `mapstructure:"store"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	Environment   string        `mapstructure:"environment"` // dev, staging, prod
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	APIToken      string        `mapstructure:"api_token"` // guards manual provisioning
	InstallerDir  string        `mapstructure:"installer_dir"`
	MetricsListen string        `mapstructure:"metrics_listen"`
}

// DatabaseConfig holds PostgreSQL configuration. An empty URL switches
// the job store to the file backend.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool { return c.URL != "" }

// RedisConfig holds Redis configuration (rate limiting).
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StripeConfig holds payment processor configuration.
type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// DNSConfig holds the managed DNS zone configuration. Empty token
// disables DNS record management.
type DNSConfig struct {
	APIToken string `mapstructure:"api_token"`
	ZoneID   string `mapstructure:"zone_id"`
}

// Enabled reports whether DNS management is configured.
func (c DNSConfig) Enabled() bool { return c.APIToken != "" && c.ZoneID != "" }

// MailConfig holds email delivery configuration.
type MailConfig struct {
	From       string `mapstructure:"from"`
	APIBaseURL string `mapstructure:"api_base_url"`
	APIKey     string `mapstructure:"api_key"`
	SMTPHost   string `mapstructure:"smtp_host"`
	SMTPPort   int    `mapstructure:"smtp_port"`
	SMTPUser   string `mapstructure:"smtp_user"`
	SMTPPass   string `mapstructure:"smtp_pass"`
}

// Enabled reports whether any delivery path is configured.
func (c MailConfig) Enabled() bool { return c.APIBaseURL != "" || c.SMTPHost != "" }

// DocsConfig holds the documentation service configuration.
type DocsConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// Enabled reports whether document generation is configured.
func (c DocsConfig) Enabled() bool { return c.BaseURL != "" }

// BeaconConfig holds the tenant-facing domain settings.
type BeaconConfig struct {
	BaseDomain   string `mapstructure:"base_domain"`
	InstallerURL string `mapstructure:"installer_url"`
	DashboardURL string `mapstructure:"dashboard_url"`
	Image        string `mapstructure:"image"`
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	// FileDir is used when no database URL is set.
	FileDir string `mapstructure:"file_dir"`
}

// ProviderCredentials holds one vendor's secrets. A provider with no
// credentials is left out of the selection pool.
type ProviderCredentials struct {
	Token        string   `mapstructure:"token"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	SSHKeyIDs    []string `mapstructure:"ssh_key_ids"`
}

// Configured reports whether any secret material is present.
func (c ProviderCredentials) Configured() bool {
	return c.Token != "" || (c.ClientID != "" && c.ClientSecret != "")
}

// ProvidersConfig holds all vendor credentials.
type ProvidersConfig struct {
	Hetzner      ProviderCredentials `mapstructure:"hetzner"`
	DigitalOcean ProviderCredentials `mapstructure:"digitalocean"`
	Vultr        ProviderCredentials `mapstructure:"vultr"`
	Linode       ProviderCredentials `mapstructure:"linode"`
	Contabo      ProviderCredentials `mapstructure:"contabo"`
}

// ByID returns the credential map keyed by provider id, configured
// entries only.
func (c ProvidersConfig) ByID() map[string]ProviderCredentials {
	all := map[string]ProviderCredentials{
		"hetzner":      c.Hetzner,
		"digitalocean": c.DigitalOcean,
		"vultr":        c.Vultr,
		"linode":       c.Linode,
		"contabo":      c.Contabo,
	}
	out := make(map[string]ProviderCredentials)
	for id, creds := range all {
		if creds.Configured() {
			out[id] = creds
		}
	}
	return out
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/wopr-provisioner")

	v.SetEnvPrefix("WOPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Nested structs need explicit binds for env-only operation.
	for _, key := range []string{
		"database.url",
		"stripe.secret_key",
		"stripe.webhook_secret",
		"dns.api_token",
		"dns.zone_id",
		"mail.api_base_url",
		"mail.api_key",
		"mail.smtp_host",
		"mail.smtp_user",
		"mail.smtp_pass",
		"docs.base_url",
		"docs.api_key",
		"beacon.base_domain",
		"server.api_token",
		"providers.hetzner.token",
		"providers.digitalocean.token",
		"providers.vultr.token",
		"providers.linode.token",
		"providers.contabo.client_id",
		"providers.contabo.client_secret",
	} {
		env := "WOPR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		v.BindEnv(key, env) //nolint:errcheck
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks the boot-required settings.
func (c *Config) validate() error {
	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("stripe.webhook_secret is required")
	}
	if c.Beacon.BaseDomain == "" {
		return fmt.Errorf("beacon.base_domain is required")
	}
	if !c.Database.Enabled() && c.Store.FileDir == "" {
		return fmt.Errorf("either database.url or store.file_dir is required")
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.installer_dir", "./installer")

	// Database defaults
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Mail defaults
	v.SetDefault("mail.from", "beacons@wopr.dev")
	v.SetDefault("mail.smtp_port", 587)

	// Beacon defaults
	v.SetDefault("beacon.installer_url", "https://get.wopr.dev/bootstrap.sh")
	v.SetDefault("beacon.dashboard_url", "https://dashboard.wopr.dev")
	v.SetDefault("beacon.image", "debian-12")

	// Store defaults
	v.SetDefault("store.file_dir", "")
}
