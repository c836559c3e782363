package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar for a single instrument and interval.
// TS is the bucket start time (UTC).
type Candle struct {
	Instrument string          `json:"instrument"`
	TS         time.Time       `json:"ts"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}

// Validate reports the first structural problem with the candle, if any.
func (c *Candle) Validate() error {
	if c.TS.IsZero() {
		return fmt.Errorf("candle %s: zero timestamp", c.Instrument)
	}
	for _, f := range []struct {
		name string
		v    decimal.Decimal
	}{{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}, {"volume", c.Volume}} {
		if f.v.IsNegative() {
			return fmt.Errorf("candle %s @ %s: negative %s %s", c.Instrument, c.TS.Format(time.RFC3339), f.name, f.v)
		}
	}
	if c.High.LessThan(c.Low) {
		return fmt.Errorf("candle %s @ %s: high %s below low %s", c.Instrument, c.TS.Format(time.RFC3339), c.High, c.Low)
	}
	return nil
}

// FlatCandle builds a candle whose OHLC all equal price. Handy for
// seeding an in-progress bar from a single tick.
func FlatCandle(instrument string, ts time.Time, price decimal.Decimal) Candle {
	return Candle{
		Instrument: instrument,
		TS:         ts,
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		Volume:     decimal.Zero,
	}
}
