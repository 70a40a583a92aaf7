// Package config loads the service configuration from YAML with TASKHUB_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	auth "github.com/goliatone/go-taskhub"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "TASKHUB_"

type Server struct {
	Address         string   `yaml:"address"`
	PublicEndpoints []string `yaml:"public_endpoints"`
	BaseURL         string   `yaml:"base_url"`
	Debug           bool     `yaml:"debug"`
	// LoginRatePerMinute limits login attempts per client IP. Zero disables.
	LoginRatePerMinute int    `yaml:"login_rate_per_minute"`
	ShutdownTimeout    string `yaml:"shutdown_timeout"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Auth struct {
	Issuer                string   `yaml:"issuer"`
	PrivateKeyPEM         string   `yaml:"private_key_pem"`
	PreviousPublicKeysPEM []string `yaml:"previous_public_keys_pem"`
	AccessTokenTTL        string   `yaml:"access_token_ttl"`
	RefreshTokenTTL       string   `yaml:"refresh_token_ttl"`
	RefreshSkew           string   `yaml:"refresh_skew"`
	MaxFailedLogins       int      `yaml:"max_failed_logins"`
	LockoutDuration       string   `yaml:"lockout_duration"`
	ActivationTokenTTL    string   `yaml:"activation_token_ttl"`
	ResetTokenTTL         string   `yaml:"reset_token_ttl"`
	MaxActiveResetTokens  int      `yaml:"max_active_reset_tokens"`
	UnactivatedRetention  string   `yaml:"unactivated_retention"`
	PhoneRegion           string   `yaml:"phone_region"`
}

type Config struct {
	Server   Server         `yaml:"server"`
	Database Database       `yaml:"database"`
	Auth     Auth           `yaml:"auth"`
	Seed     auth.SeedAdmin `yaml:"seed"`
	LogLevel string         `yaml:"log_level"`
}

var _ auth.Config = Config{}

// Defaults returns a configuration usable for local development
func Defaults() *Config {
	return &Config{
		Server: Server{
			Address:            ":8080",
			BaseURL:            "http://localhost:8080",
			LoginRatePerMinute: 30,
			ShutdownTimeout:    "10s",
		},
		Database: Database{
			Driver: "sqlite",
			DSN:    "file:taskhub.db?cache=shared",
		},
		Auth: Auth{
			Issuer:               "taskhub",
			AccessTokenTTL:       "15m",
			RefreshTokenTTL:      "168h",
			RefreshSkew:          "5m",
			MaxFailedLogins:      5,
			LockoutDuration:      "15m",
			ActivationTokenTTL:   "72h",
			ResetTokenTTL:        "1h",
			MaxActiveResetTokens: 3,
			UnactivatedRetention: "168h",
			PhoneRegion:          "US",
		},
		Seed:     auth.DefaultSeedAdmin(),
		LogLevel: "info",
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides values from lookup, keyed TASKHUB_<SECTION>_<FIELD>
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
		return nil
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
		return nil
	}

	str("SERVER_ADDRESS", &c.Server.Address)
	str("SERVER_BASE_URL", &c.Server.BaseURL)
	str("SERVER_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	if v, ok := lookup(EnvPrefix + "SERVER_PUBLIC_ENDPOINTS"); ok {
		c.Server.PublicEndpoints = splitList(v)
	}
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_DSN", &c.Database.DSN)
	str("AUTH_ISSUER", &c.Auth.Issuer)
	str("AUTH_PRIVATE_KEY_PEM", &c.Auth.PrivateKeyPEM)
	str("AUTH_ACCESS_TOKEN_TTL", &c.Auth.AccessTokenTTL)
	str("AUTH_REFRESH_TOKEN_TTL", &c.Auth.RefreshTokenTTL)
	str("AUTH_REFRESH_SKEW", &c.Auth.RefreshSkew)
	str("AUTH_LOCKOUT_DURATION", &c.Auth.LockoutDuration)
	str("AUTH_ACTIVATION_TOKEN_TTL", &c.Auth.ActivationTokenTTL)
	str("AUTH_RESET_TOKEN_TTL", &c.Auth.ResetTokenTTL)
	str("AUTH_UNACTIVATED_RETENTION", &c.Auth.UnactivatedRetention)
	str("AUTH_PHONE_REGION", &c.Auth.PhoneRegion)
	str("SEED_USERNAME", &c.Seed.Username)
	str("SEED_EMAIL", &c.Seed.Email)
	str("SEED_PASSWORD", &c.Seed.Password)
	str("LOG_LEVEL", &c.LogLevel)

	return errors.Join(
		boolean("SERVER_DEBUG", &c.Server.Debug),
		integer("SERVER_LOGIN_RATE_PER_MINUTE", &c.Server.LoginRatePerMinute),
		integer("AUTH_MAX_FAILED_LOGINS", &c.Auth.MaxFailedLogins),
		integer("AUTH_MAX_ACTIVE_RESET_TOKENS", &c.Auth.MaxActiveResetTokens),
	)
}

// Validate checks that every duration parses and limits are sane
func (c Config) Validate() error {
	var errs []error

	durations := map[string]string{
		"server.shutdown_timeout":    c.Server.ShutdownTimeout,
		"auth.access_token_ttl":      c.Auth.AccessTokenTTL,
		"auth.refresh_token_ttl":     c.Auth.RefreshTokenTTL,
		"auth.refresh_skew":          c.Auth.RefreshSkew,
		"auth.lockout_duration":      c.Auth.LockoutDuration,
		"auth.activation_token_ttl":  c.Auth.ActivationTokenTTL,
		"auth.reset_token_ttl":       c.Auth.ResetTokenTTL,
		"auth.unactivated_retention": c.Auth.UnactivatedRetention,
	}
	for key, expr := range durations {
		d, err := time.ParseDuration(expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, expr))
			continue
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", key))
		}
	}

	if c.Auth.Issuer == "" {
		errs = append(errs, errors.New("auth.issuer: required"))
	}
	if c.Auth.MaxFailedLogins < 1 {
		errs = append(errs, errors.New("auth.max_failed_logins: must be at least 1"))
	}
	if c.Auth.MaxActiveResetTokens < 1 {
		errs = append(errs, errors.New("auth.max_active_reset_tokens: must be at least 1"))
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}

	return errors.Join(errs...)
}

func (c Config) GetIssuer() string                  { return c.Auth.Issuer }
func (c Config) GetPrivateKeyPEM() string           { return c.Auth.PrivateKeyPEM }
func (c Config) GetPreviousPublicKeysPEM() []string { return c.Auth.PreviousPublicKeysPEM }
func (c Config) GetMaxFailedLogins() int            { return c.Auth.MaxFailedLogins }
func (c Config) GetMaxActiveResetTokens() int       { return c.Auth.MaxActiveResetTokens }

func (c Config) GetAccessTokenTTL() time.Duration {
	return mustDuration(c.Auth.AccessTokenTTL, 15*time.Minute)
}

func (c Config) GetRefreshTokenTTL() time.Duration {
	return mustDuration(c.Auth.RefreshTokenTTL, 7*24*time.Hour)
}

func (c Config) GetRefreshSkew() time.Duration {
	return mustDuration(c.Auth.RefreshSkew, 5*time.Minute)
}

func (c Config) GetLockoutDuration() time.Duration {
	return mustDuration(c.Auth.LockoutDuration, 15*time.Minute)
}

func (c Config) GetActivationTokenTTL() time.Duration {
	return mustDuration(c.Auth.ActivationTokenTTL, 72*time.Hour)
}

func (c Config) GetResetTokenTTL() time.Duration {
	return mustDuration(c.Auth.ResetTokenTTL, time.Hour)
}

func (c Config) GetUnactivatedRetention() time.Duration {
	return mustDuration(c.Auth.UnactivatedRetention, 7*24*time.Hour)
}

func (c Config) GetShutdownTimeout() time.Duration {
	return mustDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

// mustDuration falls back when expr does not parse. Validate reports those.
func mustDuration(expr string, fallback time.Duration) time.Duration {
	return auth.ParseThreshold(expr, fallback)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
