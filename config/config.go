/*
Package config loads process configuration.

PRECEDENCE (later wins):
  1. Defaults           Default()
  2. YAML file          path argument, or FARM_CONFIG
  3. Env files          .env.local then .env (never override the real env)
  4. Environment        FARM_*, PORT, TELEGRAM_BOT_TOKEN
  5. CLI flags          applied by cmd/server after Load

EXAMPLE FILE:
  server:
    port: 8080
    cors_origins: ["https://app.example.com"]
  store:
    driver: sqlite
    sqlite_path: ./data/farm.db
  economy:
    cooldown: 4h
    accrual_grant: 45
    tiers:
      - {threshold: 0, title: Wood}
      - {threshold: 500, title: Iron}
  bot:
    staff_ids: [1001, 1002]
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/farm-engine/farming"
	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// DefaultEnvFiles are read by Load, first match wins per key.
var DefaultEnvFiles = []string{".env.local", ".env"}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Economy EconomyConfig `yaml:"economy"`
	Bot     BotConfig     `yaml:"bot"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type EconomyConfig struct {
	Cooldown        time.Duration  `yaml:"cooldown"`
	AccrualGrant    int64          `yaml:"accrual_grant"`
	StartingGrant   int64          `yaml:"starting_grant"`
	ReferralBonus   int64          `yaml:"referral_bonus"`
	LeaderboardSize int            `yaml:"leaderboard_size"`
	MaxRetries      int            `yaml:"max_retries"`
	RetryDelay      time.Duration  `yaml:"retry_delay"`
	ReferralBase    string         `yaml:"referral_base"`
	Tiers           []farming.Tier `yaml:"tiers"`
}

// BotConfig configures the Telegram adapter.
type BotConfig struct {
	Token        string  `yaml:"token"`
	StaffIDs     []int64 `yaml:"staff_ids"`
	PollTimeout  int     `yaml:"poll_timeout"` // seconds
	PlayURL      string  `yaml:"play_url"`
	CommunityURL string  `yaml:"community_url"`
	WebsiteURL   string  `yaml:"website_url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	econ := farming.DefaultEconomy()
	return &Config{
		Server: ServerConfig{Port: 8080, CORSOrigins: []string{"*"}},
		Log:    LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Driver:      DriverSQLite,
			SQLitePath:  "./data/farm.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "farm",
		},
		Economy: EconomyConfig{
			Cooldown:        econ.CooldownDuration,
			AccrualGrant:    econ.AccrualGrant,
			StartingGrant:   econ.StartingGrant,
			ReferralBonus:   econ.ReferralBonus,
			LeaderboardSize: econ.LeaderboardSize,
			MaxRetries:      econ.MaxRetries,
			RetryDelay:      econ.RetryDelay,
			ReferralBase:    econ.ReferralBase,
			Tiers:           econ.Tiers,
		},
		Bot: BotConfig{
			PollTimeout:  60,
			PlayURL:      "https://t.me/proofcoin_bot/app",
			CommunityURL: "https://t.me/proofcoin",
			WebsiteURL:   "https://proofcoin.io",
		},
	}
}

// Load builds the configuration. An empty path falls back to FARM_CONFIG;
// no file at all is fine.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("FARM_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := LoadEnvFiles(DefaultEnvFiles...); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadEnvFiles loads the files that exist into the process environment.
// Variables already set are left alone.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	return nil
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

func (c *Config) applyEnv() error {
	var errs []error
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok {
				*dst = v
				return
			}
		}
	}
	setInt := func(dst *int, key string) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setInt64 := func(dst *int64, key string) {
		if v, ok := lookup(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	// PORT is the platform convention; FARM_PORT wins when both are set.
	setInt(&c.Server.Port, "PORT")
	setInt(&c.Server.Port, "FARM_PORT")
	if v, ok := lookup("FARM_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}

	setString(&c.Log.Level, "FARM_LOG_LEVEL", "LOG_LEVEL")
	setString(&c.Log.Format, "FARM_LOG_FORMAT")

	setString(&c.Store.Driver, "FARM_STORE")
	setString(&c.Store.SQLitePath, "FARM_SQLITE_PATH")
	setString(&c.Store.RedisAddr, "FARM_REDIS_ADDR")
	setString(&c.Store.RedisPassword, "FARM_REDIS_PASSWORD")
	setInt(&c.Store.RedisDB, "FARM_REDIS_DB")
	setString(&c.Store.RedisPrefix, "FARM_REDIS_PREFIX")

	setDuration(&c.Economy.Cooldown, "FARM_COOLDOWN")
	setInt64(&c.Economy.AccrualGrant, "FARM_ACCRUAL_GRANT")
	setInt64(&c.Economy.StartingGrant, "FARM_STARTING_GRANT")
	setInt64(&c.Economy.ReferralBonus, "FARM_REFERRAL_BONUS")
	setInt(&c.Economy.LeaderboardSize, "FARM_LEADERBOARD_SIZE")
	setInt(&c.Economy.MaxRetries, "FARM_MAX_RETRIES")
	setDuration(&c.Economy.RetryDelay, "FARM_RETRY_DELAY")
	setString(&c.Economy.ReferralBase, "FARM_REFERRAL_BASE")

	setString(&c.Bot.Token, "FARM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	setInt(&c.Bot.PollTimeout, "FARM_BOT_POLL_TIMEOUT")
	if v, ok := lookup("FARM_BOT_STAFF_IDS"); ok {
		ids, err := ParseIDList(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: FARM_BOT_STAFF_IDS: %w", err))
		} else {
			c.Bot.StaffIDs = ids
		}
	}

	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseIDList parses "1,2, 3" into chat ids.
func ParseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the store driver and economy.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("config: store.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	econ := c.FarmingEconomy()
	return econ.Validate()
}

// FarmingEconomy converts the economy section for farming.NewService.
func (c *Config) FarmingEconomy() farming.Economy {
	tiers := append([]farming.Tier(nil), c.Economy.Tiers...)
	return farming.Economy{
		CooldownDuration: c.Economy.Cooldown,
		AccrualGrant:     c.Economy.AccrualGrant,
		StartingGrant:    c.Economy.StartingGrant,
		ReferralBonus:    c.Economy.ReferralBonus,
		LeaderboardSize:  c.Economy.LeaderboardSize,
		MaxRetries:       c.Economy.MaxRetries,
		RetryDelay:       c.Economy.RetryDelay,
		ReferralBase:     c.Economy.ReferralBase,
		Tiers:            tiers,
	}
}
