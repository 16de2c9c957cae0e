// Package config loads service configuration from the environment.
//
// Every setting has an environment variable and, where it makes sense, a
// default. Load validates the whole set up front so the process refuses to
// start with a bad configuration rather than failing on the first request.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/credential-service/internal/apperror"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// EnvDevelopment selects human-readable colored logs.
const EnvDevelopment = "development"

const minSecretLength = 16

// Config holds the full service configuration.
type Config struct {
	Port     int    `env:"PORT"      envDefault:"8080"`
	AppEnv   string `env:"APP_ENV"   envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Token  TokenConfig
	Store  StoreConfig
	HTTP   HTTPConfig
	Bcrypt int `env:"BCRYPT_COST" envDefault:"12"`
}

// TokenConfig controls bearer token issuance.
//
// Secret is required and is never logged (see LogValue).
type TokenConfig struct {
	Secret string        `env:"JWT_SECRET,required,notEmpty"`
	TTL    time.Duration `env:"TOKEN_TTL"    envDefault:"30m"`
	Issuer string        `env:"TOKEN_ISSUER" envDefault:"credential-service"`
	Leeway time.Duration `env:"TOKEN_LEEWAY" envDefault:"0s"`
	KeyID  string        `env:"TOKEN_KEY_ID"`
}

// StoreConfig selects and locates the user-record store.
type StoreConfig struct {
	Driver      string        `env:"STORE_DRIVER"  envDefault:"sqlite"`
	Path        string        `env:"DB_PATH"       envDefault:"data/auth.db"`
	URL         string        `env:"DATABASE_URL"`
	SecretARN   string        `env:"DB_SECRET_ARN"`
	Database    string        `env:"DATABASE_NAME" envDefault:"authservice"`
	AWSRegion   string        `env:"AWS_REGION"    envDefault:"ap-south-1"`
	Timeout     time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	MongoCAFile string        `env:"MONGO_TLS_CA_FILE"`

	// LegacySecretARN is the variable name the first deployment used.
	LegacySecretARN string `env:"SECRETS_ARN"`
}

// HTTPConfig holds settings for the HTTP surface.
type HTTPConfig struct {
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	LoginRateLimit  int           `env:"LOGIN_RATE_LIMIT"     envDefault:"20"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"30s"`
}

// Load parses the environment into a Config and validates it.
// Every failure wraps apperror.ErrConfiguration.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, apperror.Configuration("parsing environment", err)
	}

	if cfg.Store.SecretARN == "" {
		cfg.Store.SecretARN = cfg.Store.LegacySecretARN
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field rules that struct tags cannot express.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if len(c.Token.Secret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength))
	}
	if c.Token.TTL <= 0 {
		errs = append(errs, fmt.Errorf("TOKEN_TTL must be positive, got %s", c.Token.TTL))
	}
	if c.Token.Leeway < 0 {
		errs = append(errs, fmt.Errorf("TOKEN_LEEWAY must not be negative, got %s", c.Token.Leeway))
	}

	if c.Bcrypt < bcrypt.MinCost || c.Bcrypt > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, c.Bcrypt))
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("DB_PATH is required for the sqlite driver"))
		}
	case DriverPostgres, DriverMongo:
		if c.Store.URL == "" && c.Store.SecretARN == "" {
			errs = append(errs, fmt.Errorf("the %s driver needs DATABASE_URL or DB_SECRET_ARN", c.Store.Driver))
		}
		if c.Store.Driver == DriverMongo && c.Store.Database == "" {
			errs = append(errs, errors.New("DATABASE_NAME is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of sqlite, postgres, mongo; got %q", c.Store.Driver))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be positive, got %s", c.Store.Timeout))
	}

	if c.HTTP.LoginRateLimit < 0 {
		errs = append(errs, fmt.Errorf("LOGIN_RATE_LIMIT must not be negative, got %d", c.HTTP.LoginRateLimit))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.HTTP.ShutdownTimeout))
	}

	if len(errs) > 0 {
		return apperror.Configuration("invalid configuration", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment reports whether APP_ENV selects the development profile.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, EnvDevelopment)
}

// SlogLevel parses LOG_LEVEL.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return lvl, nil
}

// LogValue keeps secrets out of logs when the config is logged as a whole.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Port),
		slog.String("app_env", c.AppEnv),
		slog.String("log_level", c.LogLevel),
		slog.Duration("token_ttl", c.Token.TTL),
		slog.String("token_issuer", c.Token.Issuer),
		slog.Bool("token_key_id_set", c.Token.KeyID != ""),
		slog.Int("bcrypt_cost", c.Bcrypt),
		slog.String("store_driver", c.Store.Driver),
		slog.Bool("store_secret_arn_set", c.Store.SecretARN != ""),
		slog.String("database", c.Store.Database),
		slog.String("aws_region", c.Store.AWSRegion),
		slog.Duration("store_timeout", c.Store.Timeout),
		slog.Int("login_rate_limit", c.HTTP.LoginRateLimit),
	)
}
