package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
)

var candleColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

// LoadCSV reads a candle table with a header row naming at least the
// columns timestamp, open, high, low, close (volume optional, any order).
// Timestamps may be RFC 3339, "2006-01-02 15:04:05" (UTC) or unix
// seconds/milliseconds.
func LoadCSV(r io.Reader, instrument string) ([]model.Candle, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedData, err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range candleColumns[:5] {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrMalformedData, col)
		}
	}

	var out []model.Candle
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedData, line, err)
		}
		c, err := parseRow(rec, idx, instrument)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedData, line, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseRow(rec []string, idx map[string]int, instrument string) (model.Candle, error) {
	field := func(name string) (string, bool) {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		return strings.TrimSpace(rec[i]), true
	}

	ts, _ := field("timestamp")
	t, err := ParseTimestamp(ts)
	if err != nil {
		return model.Candle{}, err
	}
	c := model.Candle{Instrument: instrument, TS: t}
	for _, f := range []struct {
		name string
		dst  *decimal.Decimal
	}{{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close}, {"volume", &c.Volume}} {
		s, ok := field(f.name)
		if !ok || s == "" {
			if f.name == "volume" {
				continue
			}
			return model.Candle{}, fmt.Errorf("missing %s", f.name)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return model.Candle{}, fmt.Errorf("%s: %v", f.name, err)
		}
		*f.dst = v
	}
	return c, nil
}

// ParseTimestamp accepts the timestamp forms LoadCSV understands.
func ParseTimestamp(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// WriteCandlesCSV writes candles with the header LoadCSV expects.
func WriteCandlesCSV(w io.Writer, candles []model.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(candleColumns); err != nil {
		return err
	}
	for _, c := range candles {
		row := []string{
			c.TS.UTC().Format(time.RFC3339),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTradesCSV writes one row per closed trade.
func WriteTradesCSV(w io.Writer, trades []model.TradeRecord) error {
	cw := csv.NewWriter(w)
	header := []string{
		"id", "instrument", "side",
		"entry_time", "exit_time", "entry_price", "exit_price", "size",
		"gross_pnl", "commission", "net_pnl", "return_pct", "holding_seconds", "reason",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.ID, t.Instrument, t.Side.String(),
			fmtTime(t.EntryTime), fmtTime(t.ExitTime),
			t.EntryPrice.String(), t.ExitPrice.String(), t.Size.String(),
			t.GrossPnL.String(), t.Commission.String(), t.NetPnL.String(),
			t.ReturnPct.StringFixed(4),
			strconv.FormatFloat(t.Holding.Seconds(), 'f', 0, 64),
			t.Reason.String(),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEquityCSV writes the equity curve.
func WriteEquityCSV(w io.Writer, curve []EquityPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "realized", "unrealized", "total"}); err != nil {
		return err
	}
	for _, p := range curve {
		row := []string{fmtTime(p.TS), p.Realized.StringFixed(8), p.Unrealized.StringFixed(8), p.Total.StringFixed(8)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
