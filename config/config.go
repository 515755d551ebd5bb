/*
Package config loads the server configuration.

PURPOSE:
  Reads settings from the process environment, optionally seeded from a
  dotenv file. Every key is prefixed with COLDSTORE_.

KEYS:
  COLDSTORE_ADDR                      listen address (":8080")
  COLDSTORE_DB_PATH                   SQLite file ("coldstore.db")
  COLDSTORE_LOG_LEVEL / LOG_FORMAT    zap level and encoder
  COLDSTORE_REDIS_ADDR                empty keeps sessions in memory
  COLDSTORE_SESSION_TTL               session lifetime ("12h")
  COLDSTORE_ADMIN_USER                admin login ("admin")
  COLDSTORE_ADMIN_PASSWORD_HASH       bcrypt hash, required (single-quote it in .env)
  COLDSTORE_OPERATOR_USER             optional operator login
  COLDSTORE_OPERATOR_PASSWORD_HASH    bcrypt hash for the operator
  COLDSTORE_BASE_CHARGE_ONCE_PER_LOT  base charge rule (true)
  COLDSTORE_RATE_LIMIT_PER_MINUTE     write requests per client per minute
  COLDSTORE_CORS_ORIGINS              comma-separated allowed origins
  COLDSTORE_ENABLE_SCENARIOS          expose the demo data endpoints

SEE ALSO:
  - cmd/server/main.go: flag overrides
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/crypto/bcrypt"
)

const envPrefix = "COLDSTORE"

// Config holds runtime configuration for the server.
type Config struct {
	Addr         string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`

	DBPath string `envconfig:"DB_PATH" default:"coldstore.db"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`

	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"12h"`

	AdminUser            string `envconfig:"ADMIN_USER" default:"admin"`
	AdminPasswordHash    string `envconfig:"ADMIN_PASSWORD_HASH" required:"true"`
	OperatorUser         string `envconfig:"OPERATOR_USER"`
	OperatorPasswordHash string `envconfig:"OPERATOR_PASSWORD_HASH"`

	BaseChargeOncePerLot bool     `envconfig:"BASE_CHARGE_ONCE_PER_LOT" default:"true"`
	RateLimitPerMinute   int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
	CORSOrigins          []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
	EnableScenarios      bool     `envconfig:"ENABLE_SCENARIOS" default:"false"`
}

// Load reads envFile (if it exists) into the environment and then processes
// the COLDSTORE_ variables. Variables already set win over the file.
//
// godotenv expands $NAME in unquoted and double-quoted values, so bcrypt
// hashes in the file must be single-quoted:
//
//	COLDSTORE_ADMIN_PASSWORD_HASH='$2a$10$...'
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values envconfig cannot.
func (c *Config) Validate() error {
	if _, err := bcrypt.Cost([]byte(c.AdminPasswordHash)); err != nil {
		return fmt.Errorf("%s_ADMIN_PASSWORD_HASH is not a bcrypt hash: %w", envPrefix, err)
	}
	if c.OperatorUser != "" {
		if _, err := bcrypt.Cost([]byte(c.OperatorPasswordHash)); err != nil {
			return fmt.Errorf("%s_OPERATOR_PASSWORD_HASH is not a bcrypt hash: %w", envPrefix, err)
		}
		if c.OperatorUser == c.AdminUser {
			return errors.New("operator and admin users must differ")
		}
	}
	if c.SessionTTL <= 0 {
		return errors.New("session TTL must be positive")
	}
	if c.RateLimitPerMinute < 1 {
		return errors.New("rate limit must be at least 1 per minute")
	}
	return nil
}

// UseRedis reports whether sessions are kept in Redis.
func (c *Config) UseRedis() bool {
	return c.RedisAddr != ""
}
