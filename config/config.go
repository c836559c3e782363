// Package config loads process configuration from the environment (with
// an optional .env file) and the instrument table from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"perp-trader/internal/model"
	"perp-trader/internal/strategy"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Venue
	VenueBaseURL    string
	VenueWSURL      string
	VenueAccountID  string
	VenueAPIKey     string
	VenueTOTPSecret string

	// Instruments and strategy
	InstrumentsFile string
	CandleInterval  time.Duration
	ReferencePeriod int
	SignalMode      string
	MAShort         int
	MALong          int

	// Risk and execution
	StopLossPct       decimal.Decimal
	TakeProfitPct     decimal.Decimal
	SlippagePct       decimal.Decimal
	CommissionRate    decimal.Decimal
	RateMaxPerSecond  int
	RateMaxPerMinute  int
	RateMaxWait       time.Duration
	StrictInstruments bool
	PaperTrading      bool
	UpdateBuffer      int

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string

	// Alerts
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string

	LogLevel string
}

// Load reads the optional env files (".env" when none are named), then the
// environment. Variables already set win over file values. Every malformed
// value is reported together.
func Load(envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...) // best-effort

	p := &parser{}
	c := &Config{
		VenueBaseURL:    getEnv("VENUE_BASE_URL", ""),
		VenueWSURL:      getEnv("VENUE_WS_URL", ""),
		VenueAccountID:  getEnv("VENUE_ACCOUNT_ID", ""),
		VenueAPIKey:     getEnv("VENUE_API_KEY", ""),
		VenueTOTPSecret: getEnv("VENUE_TOTP_SECRET", ""),

		InstrumentsFile: getEnv("INSTRUMENTS_FILE", "instruments.yaml"),
		CandleInterval:  p.duration("CANDLE_INTERVAL", 15*time.Minute),
		ReferencePeriod: p.int("REFERENCE_PERIOD", 50),
		SignalMode:      getEnv("SIGNAL_MODE", "crossing"),
		MAShort:         p.int("MA_SHORT", 25),
		MALong:          p.int("MA_LONG", 200),

		StopLossPct:       p.decimal("STOP_LOSS_PCT", "0.02"),
		TakeProfitPct:     p.decimal("TAKE_PROFIT_PCT", "0.05"),
		SlippagePct:       p.decimal("SLIPPAGE_PCT", "0.001"),
		CommissionRate:    p.decimal("COMMISSION_RATE", "0.0004"),
		RateMaxPerSecond:  p.int("RATE_MAX_PER_SECOND", 10),
		RateMaxPerMinute:  p.int("RATE_MAX_PER_MINUTE", 100),
		RateMaxWait:       p.duration("RATE_MAX_WAIT", 0),
		StrictInstruments: p.bool("STRICT_INSTRUMENTS", false),
		PaperTrading:      p.bool("PAPER_TRADING", true),
		UpdateBuffer:      p.int("UPDATE_BUFFER", 1024),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/trader.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9100"),

		WebhookURL:       getEnv("WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks ranges that hold for every command.
func (c *Config) Validate() error {
	var errs []error
	if c.ReferencePeriod < 1 {
		errs = append(errs, fmt.Errorf("REFERENCE_PERIOD must be >= 1, got %d", c.ReferencePeriod))
	}
	if c.MAShort < 1 || c.MALong < c.MAShort {
		errs = append(errs, fmt.Errorf("need 1 <= MA_SHORT <= MA_LONG, got %d/%d", c.MAShort, c.MALong))
	}
	if _, err := strategy.ParseMode(c.SignalMode); err != nil {
		errs = append(errs, fmt.Errorf("SIGNAL_MODE: %w", err))
	}
	if c.CandleInterval <= 0 {
		errs = append(errs, fmt.Errorf("CANDLE_INTERVAL must be positive, got %s", c.CandleInterval))
	}
	if c.RateMaxPerSecond < 1 || c.RateMaxPerMinute < 1 {
		errs = append(errs, fmt.Errorf("rate limits must be >= 1, got %d/s %d/min", c.RateMaxPerSecond, c.RateMaxPerMinute))
	}
	for key, v := range map[string]decimal.Decimal{
		"STOP_LOSS_PCT": c.StopLossPct, "TAKE_PROFIT_PCT": c.TakeProfitPct,
		"SLIPPAGE_PCT": c.SlippagePct, "COMMISSION_RATE": c.CommissionRate,
	} {
		if v.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", key, v))
		}
	}
	if c.UpdateBuffer < 1 {
		errs = append(errs, fmt.Errorf("UPDATE_BUFFER must be >= 1, got %d", c.UpdateBuffer))
	}
	return errors.Join(errs...)
}

// RequireLive reports the venue settings the live trader cannot run without.
func (c *Config) RequireLive() error {
	var missing []string
	if c.VenueBaseURL == "" {
		missing = append(missing, "VENUE_BASE_URL")
	}
	if c.VenueWSURL == "" {
		missing = append(missing, "VENUE_WS_URL")
	}
	if !c.PaperTrading {
		if c.VenueAccountID == "" {
			missing = append(missing, "VENUE_ACCOUNT_ID")
		}
		if c.VenueAPIKey == "" {
			missing = append(missing, "VENUE_API_KEY")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required env vars not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

type instrumentEntry struct {
	ID           string `yaml:"id"`
	Symbol       string `yaml:"symbol"`
	TickSize     string `yaml:"tick_size"`
	LotPrecision int32  `yaml:"lot_precision"`
	OrderSize    string `yaml:"order_size"`
}

type instrumentFile struct {
	Instruments []instrumentEntry `yaml:"instruments"`
}

// LoadInstruments reads the instrument table at path.
func LoadInstruments(path string) ([]model.Instrument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseInstruments(raw)
}

// ParseInstruments decodes an instrument table. Tick and order sizes are
// decimal strings so the grid is exact.
func ParseInstruments(raw []byte) ([]model.Instrument, error) {
	var f instrumentFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	if len(f.Instruments) == 0 {
		return nil, errors.New("instruments: table is empty")
	}
	seen := make(map[string]bool, len(f.Instruments))
	out := make([]model.Instrument, 0, len(f.Instruments))
	for i, e := range f.Instruments {
		if e.ID == "" {
			return nil, fmt.Errorf("instruments[%d]: id is required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("instruments[%d]: duplicate id %s", i, e.ID)
		}
		seen[e.ID] = true
		tick, err := decimal.NewFromString(e.TickSize)
		if err != nil || !tick.IsPositive() {
			return nil, fmt.Errorf("instruments[%d] %s: tick_size %q must be a positive decimal", i, e.ID, e.TickSize)
		}
		if e.LotPrecision < 0 {
			return nil, fmt.Errorf("instruments[%d] %s: lot_precision must be >= 0", i, e.ID)
		}
		size := decimal.Zero
		if e.OrderSize != "" {
			if size, err = decimal.NewFromString(e.OrderSize); err != nil || size.IsNegative() {
				return nil, fmt.Errorf("instruments[%d] %s: order_size %q must be a non-negative decimal", i, e.ID, e.OrderSize)
			}
		}
		out = append(out, model.Instrument{
			ID: e.ID, Symbol: e.Symbol, TickSize: tick, LotPrecision: e.LotPrecision, OrderSize: size,
		})
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// parser collects conversion errors so they can be reported at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) decimal(key, fallback string) decimal.Decimal {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return decimal.RequireFromString(fallback)
	}
	return d
}
