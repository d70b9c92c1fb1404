// Package config содержит логику чтения конфигурации сервиса quoteflow.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// DefaultQuoteExpiryDays — срок действия отправленного предложения по умолчанию.
const DefaultQuoteExpiryDays = 30

// Config содержит параметры конфигурации сервиса quoteflow.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	PricingServiceAddress string `env:"PRICING_SERVICE_ADDRESS"`
	AuthSecret            string `env:"AUTH_SECRET"`
	QuoteExpiryDays       int    `env:"QUOTE_EXPIRY_DAYS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPricingAddress := cfg.PricingServiceAddress
	envAuthSecret := cfg.AuthSecret
	envExpiryDays := cfg.QuoteExpiryDays

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PricingServiceAddress, "r", "", "pricing recalculation service address")
	flag.StringVar(&cfg.AuthSecret, "s", "quoteflow-secret", "secret key for auth cookies")
	flag.IntVar(&cfg.QuoteExpiryDays, "e", DefaultQuoteExpiryDays, "quote expiry window in days")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPricingAddress != "" {
		cfg.PricingServiceAddress = envPricingAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envExpiryDays != 0 {
		cfg.QuoteExpiryDays = envExpiryDays
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.QuoteExpiryDays <= 0 {
		cfg.QuoteExpiryDays = DefaultQuoteExpiryDays
	}

	return cfg, nil
}
