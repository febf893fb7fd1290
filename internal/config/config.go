// Package config содержит логику чтения конфигурации книжного магазина.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress = "localhost:8080"
	defaultAuthSecret = "bookshelf-secret"
	defaultRateLimit  = 5
)

// Config содержит параметры конфигурации книжного магазина.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	GatewayAddress string `env:"PAYMENT_GATEWAY_ADDRESS"`
	// GatewaySecret служит bearer-токеном запросов к шлюзу и ключом подписи уведомлений.
	GatewaySecret string `env:"PAYMENT_GATEWAY_SECRET"`
	AuthSecret    string `env:"AUTH_SECRET"`
	InternalToken string `env:"INTERNAL_TOKEN"`
	// RateLimit задаёт число платёжных запросов в секунду на аккаунт, 0 отключает ограничение.
	RateLimit int `env:"RATE_LIMIT"`
	// AllowUnverifiedPayments разрешает проводить оплату корзины без шлюза. Только для разработки.
	AllowUnverifiedPayments bool `env:"ALLOW_UNVERIFIED_PAYMENTS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.GatewaySecret, "k", "", "payment gateway secret key")
	flag.StringVar(&cfg.AuthSecret, "s", defaultAuthSecret, "auth cookie signing secret")
	flag.StringVar(&cfg.InternalToken, "i", "", "bearer token for internal settlement API")
	flag.IntVar(&cfg.RateLimit, "l", defaultRateLimit, "payment requests per second per account")
	flag.BoolVar(&cfg.AllowUnverifiedPayments, "u", false, "settle purchases without a payment gateway (development only)")

	flag.Parse()

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.GatewayAddress, fromEnv.GatewayAddress)
	override(&cfg.GatewaySecret, fromEnv.GatewaySecret)
	override(&cfg.AuthSecret, fromEnv.AuthSecret)
	override(&cfg.InternalToken, fromEnv.InternalToken)
	if fromEnv.RateLimit != 0 {
		cfg.RateLimit = fromEnv.RateLimit
	}
	if fromEnv.AllowUnverifiedPayments {
		cfg.AllowUnverifiedPayments = true
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = defaultAuthSecret
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}
