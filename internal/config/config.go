// Package config содержит логику чтения конфигурации сервиса автозакупки.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// PurchaseMode определяет политику ранжирования подарков при закупке.
const (
	PurchaseModeLimited   = "limited"
	PurchaseModeUnlimited = "unlimited"
)

// Config содержит параметры конфигурации сервиса автозакупки.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	MarketAddress string `env:"MARKET_ADDRESS"`
	AdminToken    string `env:"ADMIN_TOKEN"`

	SessionsDir string `env:"SESSIONS_DIR"`
	ProxiesFile string `env:"PROXIES_FILE"`

	CommissionRate     float64 `env:"COMMISSION_RATE"`
	MaxStarsPerAccount int64   `env:"MAX_STARS_PER_ACCOUNT"`
	PurchaseMode       string  `env:"PURCHASE_MODE"`

	ScanInterval       time.Duration `env:"SCAN_INTERVAL"`
	BatchPurchaseSleep time.Duration `env:"BATCH_PURCHASE_SLEEP"`
	DeliveryInterval   time.Duration `env:"DELIVERY_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", ":8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.MarketAddress, "m", "", "marketplace address")
	flag.StringVar(&cfg.AdminToken, "t", "", "admin API token")
	flag.StringVar(&cfg.SessionsDir, "s", "./data/sessions", "worker session tokens directory")
	flag.StringVar(&cfg.ProxiesFile, "p", "./data/proxies.json", "proxy map file")
	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.MarketAddress != "" {
		cfg.MarketAddress = envCfg.MarketAddress
	}
	if envCfg.AdminToken != "" {
		cfg.AdminToken = envCfg.AdminToken
	}
	if envCfg.SessionsDir != "" {
		cfg.SessionsDir = envCfg.SessionsDir
	}
	if envCfg.ProxiesFile != "" {
		cfg.ProxiesFile = envCfg.ProxiesFile
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RunAddress == "" {
		cfg.RunAddress = ":8080"
	}
	if cfg.CommissionRate == 0 {
		cfg.CommissionRate = 0.10
	}
	if cfg.MaxStarsPerAccount == 0 {
		cfg.MaxStarsPerAccount = 2000
	}
	if cfg.PurchaseMode == "" {
		cfg.PurchaseMode = PurchaseModeLimited
	}
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.BatchPurchaseSleep == 0 {
		cfg.BatchPurchaseSleep = 400 * time.Millisecond
	}
	if cfg.DeliveryInterval == 0 {
		cfg.DeliveryInterval = 2 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.CommissionRate < 0 || cfg.CommissionRate >= 1 {
		return fmt.Errorf("commission rate %v out of range [0, 1)", cfg.CommissionRate)
	}
	if cfg.MaxStarsPerAccount < 0 {
		return fmt.Errorf("max stars per account must be non-negative, got %d", cfg.MaxStarsPerAccount)
	}
	return nil
}
