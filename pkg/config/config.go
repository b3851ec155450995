package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/shopspring/decimal"
)

// Config holds runtime configuration shared by the ledger binaries.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	DBDSN          string   `env:"DB_DSN,required"`
	PublicBaseURL  string   `env:"PUBLIC_BASE_URL,required"`
	JWTSigningKey  string   `env:"JWT_SIGNING_KEY"`
	NATSURL        string   `env:"NATS_URL"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimit      int      `env:"RATE_LIMIT_PER_MINUTE,default=100"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
	LogFormat      string   `env:"LOG_FORMAT,default=console"`

	Codes    CodeConfig
	Ledger   LedgerConfig
	Deposits DepositsConfig
	Archive  ArchiveConfig
}

// CodeConfig tunes referral code generation.
type CodeConfig struct {
	MaxAttempts  int `env:"CODE_MAX_ATTEMPTS,default=5"`
	SuffixLength int `env:"CODE_SUFFIX_LENGTH,default=4"`
}

type LedgerConfig struct {
	CommissionRate   string        `env:"COMMISSION_RATE,default=0.05"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS,default=3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY,default=50ms"`
	SummaryRowCap    int           `env:"SUMMARY_ROW_CAP,default=5000"`
	VerifyInterval   time.Duration `env:"VERIFY_INTERVAL,default=1h"`
}

// DepositsConfig configures the deposit feed consumers. An empty AMQPURL
// disables the AMQP consumer; an empty NATSSubject disables the NATS one.
type DepositsConfig struct {
	AMQPURL     string `env:"DEPOSITS_AMQP_URL"`
	Queue       string `env:"DEPOSITS_QUEUE,default=ledger.deposits"`
	Prefetch    int    `env:"DEPOSITS_PREFETCH,default=20"`
	Workers     int    `env:"DEPOSITS_WORKERS,default=4"`
	NATSSubject string `env:"DEPOSITS_NATS_SUBJECT"`
}

type ArchiveConfig struct {
	Bucket       string `env:"ARCHIVE_BUCKET"`
	Prefix       string `env:"ARCHIVE_PREFIX,default=ledger-archives/"`
	AgeSecretKey string `env:"AGE_SECRET_KEY"`
	AgePublicKey string `env:"AGE_PUBLIC_KEY"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the ledger cannot run with.
func (c Config) Validate() error {
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil {
		return fmt.Errorf("PUBLIC_BASE_URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.PublicBaseURL)
	}
	if c.Codes.MaxAttempts <= 0 {
		return errors.New("CODE_MAX_ATTEMPTS must be positive")
	}
	if c.Codes.SuffixLength <= 0 {
		return errors.New("CODE_SUFFIX_LENGTH must be positive")
	}
	if c.Ledger.RetryMaxAttempts <= 0 {
		return errors.New("RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.Ledger.SummaryRowCap <= 0 {
		return errors.New("SUMMARY_ROW_CAP must be positive")
	}
	if _, err := c.CommissionRate(); err != nil {
		return err
	}
	if c.Deposits.AMQPURL != "" && c.Deposits.Workers <= 0 {
		return errors.New("DEPOSITS_WORKERS must be positive")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// CommissionRate parses COMMISSION_RATE. The rate must lie strictly between 0 and 1.
func (c Config) CommissionRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.Ledger.CommissionRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("COMMISSION_RATE: %w", err)
	}
	if !rate.IsPositive() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("COMMISSION_RATE must be in (0, 1), got %s", rate)
	}
	return rate, nil
}
