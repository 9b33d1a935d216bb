// Package config loads the checkout's runtime configuration from the
// environment and an optional YAML amount catalog.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/StuartGrossman/physical-btc/pkg/observability"
	"github.com/StuartGrossman/physical-btc/pkg/store"
)

// Processor selects the payment processor adapter.
type Processor string

const (
	ProcessorFake   Processor = "fake"
	ProcessorStripe Processor = "stripe"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string        `env:"CHECKOUT_LISTEN_ADDR" envDefault:":5001"`
	BackendURL     string        `env:"CHECKOUT_BACKEND_URL" envDefault:"http://localhost:5001"`
	LogLevel       slog.Level    `env:"CHECKOUT_LOG_LEVEL" envDefault:"INFO"`
	Processor      Processor     `env:"CHECKOUT_PROCESSOR" envDefault:"fake"`
	RequestTimeout time.Duration `env:"CHECKOUT_REQUEST_TIMEOUT" envDefault:"15s"`
	RecordTimeout  time.Duration `env:"CHECKOUT_RECORD_TIMEOUT" envDefault:"30s"`
	CatalogPath    string        `env:"CHECKOUT_CATALOG"`
	IdempotencyTTL time.Duration `env:"CHECKOUT_IDEMPOTENCY_TTL" envDefault:"24h"`
	// OperatorSecret signs operator JWTs. Empty disables GET /transactions.
	OperatorSecret string   `env:"CHECKOUT_OPERATOR_SECRET"`
	AllowedOrigins []string `env:"CHECKOUT_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	Stripe        StripeConfig         `envPrefix:"STRIPE_"`
	RateLimit     RateLimitConfig      `envPrefix:"CHECKOUT_RATE_LIMIT_"`
	Redis         RedisConfig          `envPrefix:"CHECKOUT_REDIS_"`
	Store         store.Config         `envPrefix:"CHECKOUT_STORE_"`
	Observability observability.Config `envPrefix:"CHECKOUT_OTEL_"`
}

// StripeConfig carries processor credentials. The secret key stays on the
// backend; the publishable key is what a browser client would hold.
type StripeConfig struct {
	SecretKey      string `env:"API_KEY"`
	PublishableKey string `env:"PUBLISHABLE_KEY"`
	WebhookSecret  string `env:"WEBHOOK_SECRET"`
	// BackendURL overrides the API host, for stripe-mock.
	BackendURL string `env:"BACKEND_URL"`
}

// RateLimitConfig throttles intent creation per client IP.
type RateLimitConfig struct {
	Enabled bool    `env:"ENABLED" envDefault:"true"`
	RPS     float64 `env:"RPS" envDefault:"2"`
	Burst   int     `env:"BURST" envDefault:"10"`
}

// RedisConfig is optional. When Addr is set, rate limit buckets and
// idempotency keys are shared through Redis instead of held in process.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"`
}

// Load parses the process environment for the backend.
func Load() (*Config, error) {
	return parse(env.Options{}, (*Config).Validate)
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars}, (*Config).Validate)
}

// LoadClient parses the process environment for a buyer. Processor
// credentials are not checked; a remote buyer calls ValidateClient.
func LoadClient() (*Config, error) {
	return parse(env.Options{}, (*Config).validateCommon)
}

// LoadClientFrom parses vars instead of the process environment.
func LoadClientFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars}, (*Config).validateCommon)
}

func parse(opts env.Options, validate func(*Config) error) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateClient checks what a buyer talking to a remote backend needs: the
// publishable key, and never a secret one.
func (c *Config) ValidateClient() error {
	switch key := c.Stripe.PublishableKey; {
	case key == "":
		return errors.New("STRIPE_PUBLISHABLE_KEY is required for a remote checkout")
	case !strings.HasPrefix(key, "pk_"):
		return errors.New("STRIPE_PUBLISHABLE_KEY must be a publishable key (pk_...)")
	}
	return nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.Processor {
	case ProcessorFake:
	case ProcessorStripe:
		if c.Stripe.SecretKey == "" {
			errs = append(errs, errors.New("STRIPE_API_KEY is required for the stripe processor"))
		} else if strings.HasPrefix(c.Stripe.SecretKey, "pk_") {
			errs = append(errs, errors.New("STRIPE_API_KEY must be a secret key, not a publishable key"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CHECKOUT_PROCESSOR %q", c.Processor))
	}
	if err := c.validateCommon(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) validateCommon() error {
	var errs []error
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("CHECKOUT_REQUEST_TIMEOUT must be positive"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("CHECKOUT_IDEMPOTENCY_TTL must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate limit RPS and BURST must be positive"))
	}
	return errors.Join(errs...)
}
