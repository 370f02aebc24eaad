// Package config содержит логику чтения конфигурации депозитной кассы.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации депозитной кассы.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	AuthSecret        string        `env:"AUTH_SECRET"`
	CashLedgerBrokers string        `env:"CASH_LEDGER_BROKERS"`
	CashLedgerTopic   string        `env:"CASH_LEDGER_TOPIC" envDefault:"cash.movements"`
	OverpaymentCents  int64         `env:"OVERPAYMENT_TOLERANCE_CENTS" envDefault:"0"`
	TaxRateBP         int64         `env:"TAX_RATE_BP" envDefault:"0"`
	PickupOverdue     time.Duration `env:"PICKUP_OVERDUE" envDefault:"2160h"`
	ExpireSweepEvery  time.Duration `env:"EXPIRE_SWEEP_INTERVAL" envDefault:"1h"`
	LockTimeout       time.Duration `env:"LOCK_TIMEOUT" envDefault:"3s"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBrokers := cfg.CashLedgerBrokers

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CashLedgerBrokers, "k", "", "cash ledger kafka brokers (comma separated)")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBrokers != "" {
		cfg.CashLedgerBrokers = envBrokers
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.OverpaymentCents < 0 {
		return nil, fmt.Errorf("overpayment tolerance must not be negative")
	}
	if cfg.TaxRateBP < 0 {
		return nil, fmt.Errorf("tax rate must not be negative")
	}

	return cfg, nil
}

// Brokers возвращает список брокеров кассовой книги, разобранный из CSV.
func (c *Config) Brokers() []string {
	if c.CashLedgerBrokers == "" {
		return nil
	}

	parts := strings.Split(c.CashLedgerBrokers, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			res = append(res, t)
		}
	}
	return res
}
