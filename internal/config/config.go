package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	AppPort  string `envconfig:"APP_PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	MySQLHost string `envconfig:"MYSQL_HOST" default:"mysql"`
	MySQLPort string `envconfig:"MYSQL_PORT" default:"3306"`
	MySQLDB   string `envconfig:"MYSQL_DB" default:"estatefund"`
	MySQLUser string `envconfig:"MYSQL_USER" default:"estatefund"`
	MySQLPass string `envconfig:"MYSQL_PASS" default:"estatefund"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	IdempotencyTTL   time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"5m"`
	WebhookTimeout   time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	WebhookDedupeTTL time.Duration `envconfig:"WEBHOOK_DEDUPE_TTL" default:"24h"`

	EscrowCurrency string `envconfig:"ESCROW_CURRENCY" default:"EUR"`

	TpayMerchantID     string   `envconfig:"TPAY_MERCHANT_ID"`
	TpaySecurityCode   string   `envconfig:"TPAY_SECURITY_CODE"`
	TpayAllowedSources []string `envconfig:"TPAY_ALLOWED_SOURCES"`

	PayUSecondKey      string   `envconfig:"PAYU_SECOND_KEY"`
	PayUAllowedSources []string `envconfig:"PAYU_ALLOWED_SOURCES"`

	StripeWebhookSecret  string   `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIKey         string   `envconfig:"STRIPE_API_KEY"`
	StripeAllowedSources []string `envconfig:"STRIPE_ALLOWED_SOURCES"`

	// token:adminID pairs, comma separated
	AdminTokens         map[string]string `envconfig:"ADMIN_TOKENS"`
	AdminActionsPerHour int               `envconfig:"ADMIN_ACTIONS_PER_HOUR" default:"10"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &c, nil
}

func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func (c *Config) Validate() error {
	if c.MySQLHost == "" || c.MySQLPort == "" || c.MySQLDB == "" || c.MySQLUser == "" {
		return errors.New("missing MySQL config (MYSQL_HOST/PORT/DB/USER)")
	}
	// ensure port is valid
	if _, err := net.LookupPort("tcp", c.MySQLPort); err != nil {
		return fmt.Errorf("invalid MYSQL_PORT %q: %w", c.MySQLPort, err)
	}
	if c.AppPort == "" {
		return errors.New("missing APP_PORT")
	}
	if len(c.EscrowCurrency) != 3 {
		return fmt.Errorf("invalid ESCROW_CURRENCY %q", c.EscrowCurrency)
	}
	if c.AdminActionsPerHour <= 0 {
		return errors.New("ADMIN_ACTIONS_PER_HOUR must be positive")
	}
	if c.WebhookTimeout <= 0 {
		return errors.New("WEBHOOK_TIMEOUT must be positive")
	}
	if c.IsProduction() {
		if c.TpaySecurityCode == "" && c.PayUSecondKey == "" && c.StripeWebhookSecret == "" {
			return errors.New("production requires at least one provider secret")
		}
		if len(c.AdminTokens) == 0 {
			return errors.New("production requires ADMIN_TOKENS")
		}
	}
	return nil
}

func (c *Config) mysqlAddr() string { return net.JoinHostPort(c.MySQLHost, c.MySQLPort) }

func (c *Config) MySQLDSN() string {
	// parseTime needed for DATETIME
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&loc=UTC&charset=utf8mb4,utf8",
		c.MySQLUser, c.MySQLPass, c.mysqlAddr(), c.MySQLDB)
}
