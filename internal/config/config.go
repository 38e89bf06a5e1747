package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hongminglow/sampledeck-billing/internal/catalog"
)

// Store drivers selectable with STORE_DRIVER.
const (
	DriverHTTP     = "http"
	DriverPostgres = "postgres"
)

// Config holds runtime configuration sourced from env vars.
type Config struct {
	Port           string
	Env            string
	StoreDriver    string
	BackendURL     string
	BackendToken   string
	DatabaseURL    string
	StripeKey      string
	WebhookSecret  string
	Catalog        catalog.Catalog
	RenewalCredits int64
	WebhookTimeout time.Duration
	JWTSecret      string
	JWTIssuer      string
	CORSOrigins    []string
}

// Load reads configuration from the environment and performs minimal validation.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Config{
		Port:          fallback(getenv("PORT"), "8080"),
		Env:           fallback(getenv("APP_ENV"), "production"),
		StoreDriver:   strings.ToLower(fallback(getenv("STORE_DRIVER"), DriverHTTP)),
		BackendURL:    strings.TrimRight(strings.TrimSpace(getenv("BACKEND_URL")), "/"),
		BackendToken:  strings.TrimSpace(getenv("BACKEND_TOKEN")),
		DatabaseURL:   strings.TrimSpace(getenv("DATABASE_URL")),
		StripeKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY")),
		WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET")),
		JWTSecret:     strings.TrimSpace(getenv("JWT_SECRET")),
		JWTIssuer:     fallback(getenv("JWT_ISSUER"), "sampledeck"),
		CORSOrigins:   parseCSV(fallback(getenv("CORS_ALLOWED_ORIGINS"), "*")),
	}

	var err error
	if cfg.RenewalCredits, err = positiveInt(getenv, "RENEWAL_CREDITS", 100); err != nil {
		return Config{}, err
	}
	seconds, err := positiveInt(getenv, "WEBHOOK_TIMEOUT_SECONDS", 20)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookTimeout = time.Duration(seconds) * time.Second

	if cfg.Catalog, err = catalog.Parse(getenv("PRODUCT_CATALOG")); err != nil {
		return Config{}, fmt.Errorf("PRODUCT_CATALOG: %w", err)
	}

	if cfg.StripeKey == "" {
		return Config{}, errors.New("STRIPE_SECRET_KEY is required")
	}
	if cfg.WebhookSecret == "" {
		return Config{}, errors.New("STRIPE_WEBHOOK_SECRET is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	switch cfg.StoreDriver {
	case DriverHTTP:
		if cfg.BackendURL == "" || cfg.BackendToken == "" {
			return Config{}, errors.New("BACKEND_URL and BACKEND_TOKEN are required for the http store")
		}
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	return cfg, nil
}

// HTTPAddress returns the host:port pair for the HTTP server to bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Development reports whether APP_ENV selects development mode.
func (c Config) Development() bool {
	return c.Env == "development"
}

func positiveInt(getenv func(string) string, key string, def int64) (int64, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return n, nil
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return strings.TrimSpace(value)
}

func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
