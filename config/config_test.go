package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.CandleInterval != 15*time.Minute || c.ReferencePeriod != 50 || c.SignalMode != "crossing" {
		t.Errorf("unexpected strategy defaults: %+v", c)
	}
	if c.StopLossPct.String() != "0.02" || c.TakeProfitPct.String() != "0.05" {
		t.Errorf("sl/tp = %s/%s", c.StopLossPct, c.TakeProfitPct)
	}
	if !c.PaperTrading || c.RateMaxPerSecond != 10 || c.RateMaxPerMinute != 100 || c.RateMaxWait != 0 {
		t.Errorf("unexpected execution defaults: %+v", c)
	}
	if c.SQLitePath != "data/trader.db" || c.MetricsAddr != ":9100" || c.RedisAddr != "" {
		t.Errorf("unexpected infra defaults: %+v", c)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CANDLE_INTERVAL", "1h")
	t.Setenv("REFERENCE_PERIOD", "20")
	t.Setenv("SIGNAL_MODE", "momentum")
	t.Setenv("STOP_LOSS_PCT", "0.015")
	t.Setenv("PAPER_TRADING", "false")
	t.Setenv("RATE_MAX_WAIT", "2s")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.CandleInterval != time.Hour || c.ReferencePeriod != 20 || c.SignalMode != "momentum" {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.StopLossPct.String() != "0.015" || c.PaperTrading || c.RateMaxWait != 2*time.Second {
		t.Errorf("overrides not applied: %+v", c)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("MA_SHORT=10\nMA_LONG=40\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv never overrides variables that are already set.
	t.Setenv("MA_SHORT", "")
	t.Setenv("MA_LONG", "")
	os.Unsetenv("MA_SHORT")
	os.Unsetenv("MA_LONG")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MAShort != 10 || c.MALong != 40 {
		t.Errorf("ma = %d/%d, want 10/40", c.MAShort, c.MALong)
	}
}

func TestLoad_ReportsAllBadValues(t *testing.T) {
	t.Setenv("REFERENCE_PERIOD", "fifty")
	t.Setenv("CANDLE_INTERVAL", "soon")
	t.Setenv("SLIPPAGE_PCT", "abc")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"REFERENCE_PERIOD", "CANDLE_INTERVAL", "SLIPPAGE_PCT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidate_Ranges(t *testing.T) {
	t.Setenv("MA_SHORT", "50")
	t.Setenv("MA_LONG", "10")
	t.Setenv("STOP_LOSS_PCT", "-0.1")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "MA_SHORT") || !strings.Contains(err.Error(), "STOP_LOSS_PCT") {
		t.Errorf("error = %v", err)
	}
}

func TestRequireLive(t *testing.T) {
	c := &Config{PaperTrading: true}
	err := c.RequireLive()
	if err == nil || !strings.Contains(err.Error(), "VENUE_BASE_URL") || !strings.Contains(err.Error(), "VENUE_WS_URL") {
		t.Fatalf("err = %v", err)
	}
	if strings.Contains(err.Error(), "VENUE_API_KEY") {
		t.Errorf("paper trading should not need credentials: %v", err)
	}

	c = &Config{VenueBaseURL: "https://x", VenueWSURL: "wss://x"}
	if err := c.RequireLive(); err == nil || !strings.Contains(err.Error(), "VENUE_API_KEY") {
		t.Errorf("live trading without credentials: err = %v", err)
	}

	c.VenueAccountID, c.VenueAPIKey = "1", "k"
	if err := c.RequireLive(); err != nil {
		t.Errorf("complete config: %v", err)
	}
}

const instrumentsYAML = `
instruments:
  - id: "10000001"
    symbol: BTCUSD
    tick_size: "0.1"
    lot_precision: 3
    order_size: "0.01"
  - id: "10000002"
    symbol: ETHUSD
    tick_size: "0.01"
    lot_precision: 2
    order_size: "0.5"
`

func TestLoadInstruments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	if err := os.WriteFile(path, []byte(instrumentsYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	insts, err := LoadInstruments(path)
	if err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}
	if len(insts) != 2 {
		t.Fatalf("got %d instruments", len(insts))
	}
	btc := insts[0]
	if btc.ID != "10000001" || btc.Symbol != "BTCUSD" || btc.TickSize.String() != "0.1" ||
		btc.LotPrecision != 3 || btc.OrderSize.String() != "0.01" {
		t.Errorf("btc = %+v", btc)
	}
	if insts[1].TickSize.String() != "0.01" {
		t.Errorf("eth tick = %s", insts[1].TickSize)
	}
}

func TestParseInstruments_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":     "instruments: []",
		"no id":     "instruments: [{symbol: X, tick_size: '0.1'}]",
		"duplicate": "instruments: [{id: A, tick_size: '0.1'}, {id: A, tick_size: '0.1'}]",
		"zero tick": "instruments: [{id: A, tick_size: '0'}]",
		"bad tick":  "instruments: [{id: A, tick_size: 'x'}]",
		"neg lots":  "instruments: [{id: A, tick_size: '0.1', lot_precision: -1}]",
		"neg size":  "instruments: [{id: A, tick_size: '0.1', order_size: '-1'}]",
		"not yaml":  "instruments: [",
	}
	for name, raw := range cases {
		if _, err := ParseInstruments([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
