/*
config.go - Server configuration

PURPOSE:
  One TOML file configures the server. Every field has a default so an
  empty or missing file yields a working development setup.

EXAMPLE:
  [server]
  port = 8080
  cors_origins = ["http://localhost:3000"]

  [database]
  path = "loyalty.db"

  [redis]
  enabled = true
  addr = "localhost:6379"
  ttl = "24h"

  [ledger]
  snapshot_max_age = "1h"
  base_expiry_days = 365
  bonus_expiry_days = 90

  [bonus]
  threshold = "1000000"
  rate = "0.10"

  [sweeper]
  enabled = true
  interval = "1h"
  workers = 4

  [[accounts]]
  id = "acct-1"
  name = "Dewi"

  [[catalog]]
  ref_id = "gym-30"
  name = "Gym 30 days"
  price = "500000"
  billing = "date-range"
  duration_days = 30

DURATIONS:
  Durations are strings parsed with time.ParseDuration.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/checkout"
	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/fulfillment"
	"github.com/warp/loyalty-ledger/settlement"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Bonus    BonusConfig    `toml:"bonus"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Accounts []AccountSeed  `toml:"accounts"`
	Catalog  []CatalogSeed  `toml:"catalog"`
}

type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	TTL      string `toml:"ttl"`
}

type LedgerConfig struct {
	SnapshotMaxAge  string `toml:"snapshot_max_age"`
	BaseExpiryDays  int    `toml:"base_expiry_days"`  // 0 = never expires
	BonusExpiryDays int    `toml:"bonus_expiry_days"` // 0 = never expires
}

type BonusConfig struct {
	Threshold string `toml:"threshold"`
	Rate      string `toml:"rate"`
}

type SweeperConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
	Workers  int    `toml:"workers"`
}

type AccountSeed struct {
	ID               string   `toml:"id"`
	Name             string   `toml:"name"`
	TenderPreference []string `toml:"tender_preference"`
}

type CatalogSeed struct {
	RefID        string `toml:"ref_id"`
	Name         string `toml:"name"`
	Price        string `toml:"price"`
	Billing      string `toml:"billing"`
	SessionCount int    `toml:"session_count"`
	DurationDays int    `toml:"duration_days"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:   ServerConfig{Port: 8080, CORSOrigins: []string{"*"}},
		Database: DatabaseConfig{Path: "loyalty.db"},
		Redis:    RedisConfig{Addr: "localhost:6379", TTL: "24h"},
		Ledger: LedgerConfig{
			SnapshotMaxAge:  "1h",
			BaseExpiryDays:  365,
			BonusExpiryDays: 90,
		},
		Bonus:   BonusConfig{Threshold: "1000000", Rate: "0.10"},
		Sweeper: SweeperConfig{Enabled: true, Interval: "1h", Workers: 4},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required when redis is enabled")
		}
		if _, err := positiveDuration("redis.ttl", c.Redis.TTL); err != nil {
			return err
		}
	}
	if _, err := positiveDuration("ledger.snapshot_max_age", c.Ledger.SnapshotMaxAge); err != nil {
		return err
	}
	if c.Ledger.BaseExpiryDays < 0 || c.Ledger.BonusExpiryDays < 0 {
		return errors.New("ledger expiry days must not be negative")
	}
	if _, err := c.BonusPolicy(); err != nil {
		return err
	}
	if c.Sweeper.Enabled {
		if _, err := positiveDuration("sweeper.interval", c.Sweeper.Interval); err != nil {
			return err
		}
	}
	if c.Sweeper.Workers < 1 {
		return fmt.Errorf("sweeper.workers must be at least 1, got %d", c.Sweeper.Workers)
	}
	if _, _, err := c.Directory(); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// TYPED ACCESSORS
// =============================================================================

func (c Config) SnapshotMaxAge() time.Duration {
	d, _ := time.ParseDuration(c.Ledger.SnapshotMaxAge)
	return d
}

func (c Config) RedisTTL() time.Duration {
	d, _ := time.ParseDuration(c.Redis.TTL)
	return d
}

func (c Config) SweepInterval() time.Duration {
	d, _ := time.ParseDuration(c.Sweeper.Interval)
	return d
}

func (c Config) ExpiryPolicy() settlement.ExpiryPolicy {
	return settlement.ExpiryPolicy{
		BaseDays:  c.Ledger.BaseExpiryDays,
		BonusDays: c.Ledger.BonusExpiryDays,
	}
}

func (c Config) BonusPolicy() (settlement.BonusPolicy, error) {
	threshold, err := decimal.NewFromString(c.Bonus.Threshold)
	if err != nil {
		return settlement.BonusPolicy{}, fmt.Errorf("bonus.threshold %q: %w", c.Bonus.Threshold, err)
	}
	rate, err := decimal.NewFromString(c.Bonus.Rate)
	if err != nil {
		return settlement.BonusPolicy{}, fmt.Errorf("bonus.rate %q: %w", c.Bonus.Rate, err)
	}
	if !threshold.IsPositive() {
		return settlement.BonusPolicy{}, errors.New("bonus.threshold must be positive")
	}
	if rate.IsNegative() {
		return settlement.BonusPolicy{}, errors.New("bonus.rate must not be negative")
	}
	return settlement.BonusPolicy{Threshold: threshold, Rate: rate}, nil
}

// Directory converts the seed sections into directory entries.
func (c Config) Directory() ([]checkout.Account, []fulfillment.Definition, error) {
	accounts := make([]checkout.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return nil, nil, errors.New("accounts: id is required")
		}
		acct := checkout.Account{ID: credit.AccountID(a.ID), Name: a.Name}
		for _, p := range a.TenderPreference {
			acct.DefaultTenderPreference = append(acct.DefaultTenderPreference, settlement.TenderType(p))
		}
		accounts = append(accounts, acct)
	}

	defs := make([]fulfillment.Definition, 0, len(c.Catalog))
	for _, item := range c.Catalog {
		if item.RefID == "" {
			return nil, nil, errors.New("catalog: ref_id is required")
		}
		price, err := decimal.NewFromString(item.Price)
		if err != nil {
			return nil, nil, fmt.Errorf("catalog %s: price %q: %w", item.RefID, item.Price, err)
		}
		if price.IsNegative() {
			return nil, nil, fmt.Errorf("catalog %s: negative price", item.RefID)
		}
		billing := fulfillment.BillingModel(item.Billing)
		switch billing {
		case "":
			billing = fulfillment.BillingNone
		case fulfillment.BillingNone, fulfillment.BillingSessions, fulfillment.BillingDateRange:
		default:
			return nil, nil, fmt.Errorf("catalog %s: unknown billing %q", item.RefID, item.Billing)
		}
		defs = append(defs, fulfillment.Definition{
			RefID:        item.RefID,
			Name:         item.Name,
			Price:        price,
			Billing:      billing,
			SessionCount: item.SessionCount,
			DurationDays: item.DurationDays,
		})
	}
	return accounts, defs, nil
}

func positiveDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}
