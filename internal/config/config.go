// Package config loads the server configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/engine"
	"github.com/atmx/rfq-engine/internal/quote"
	"github.com/atmx/rfq-engine/internal/risk"
)

// Config holds the application configuration.
type Config struct {
	// Server configuration
	Port       string
	AdminToken string

	// Logging configuration
	LogLevel  string
	LogFormat string

	// Persistence and fan-out; empty disables each.
	DatabaseURL  string
	RedisURL     string
	CacheTTL     time.Duration
	KafkaBrokers []string
	KafkaTopic   string

	// Engine economics
	Engine engine.Config
}

// Load reads a .env file if present and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug(".env file not found, using environment only")
	}
	return FromEnv()
}

// FromEnv reads the configuration from the environment.
func FromEnv() (*Config, error) {
	p := &parser{}
	qd := quote.DefaultConfig()
	td := risk.DefaultThresholds()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		AdminToken:   getEnv("ADMIN_TOKEN", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		CacheTTL:     p.duration("CACHE_TTL", 30*time.Second),
		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "rfq.journal"),
		Engine: engine.Config{
			Treasury: getEnv("TREASURY", "treasury"),
			Quote: quote.Config{
				LiquidationFeeRate: p.decimal("LIQUIDATION_FEE_RATE", qd.LiquidationFeeRate),
				CVARate:            p.decimal("CVA_RATE", qd.CVARate),
				RequestTimeout:     p.duration("REQUEST_TIMEOUT", qd.RequestTimeout),
				MaxLeverage:        p.decimal("MAX_LEVERAGE", qd.MaxLeverage),
			},
			Thresholds: risk.Thresholds{
				TradeTaker:  p.decimal("SOLVENCY_TRADE_TAKER", td.TradeTaker),
				TradeMaker:  p.decimal("SOLVENCY_TRADE_MAKER", td.TradeMaker),
				RemoveTaker: p.decimal("SOLVENCY_REMOVE_TAKER", td.RemoveTaker),
				RemoveMaker: p.decimal("SOLVENCY_REMOVE_MAKER", td.RemoveMaker),
			},
			MaxNotionalPerMarket:  p.decimal("MAX_NOTIONAL_PER_MARKET", decimal.Zero),
			MaxNotionalCorrelated: p.decimal("MAX_NOTIONAL_CORRELATED", decimal.Zero),
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

// parser keeps the first malformed value so Load reports it.
type parser struct {
	err error
}

func (p *parser) decimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultVal
	}
	return d
}

// duration accepts Go durations ("90s") or plain seconds ("60").
func (p *parser) duration(key string, defaultVal time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultVal
	}
	return dur
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config %s=%q: %w", key, value, err)
	}
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
