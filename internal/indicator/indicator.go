// Package indicator provides rolling statistics over completed candles.
//
// Indicators are fed one completed candle at a time and never see the
// forming bar; callers decide which candles count as completed.
package indicator

import (
	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
)

// Indicator is the interface for all rolling indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA_25", "MID_50").
	Name() string

	// Update feeds the next completed candle.
	Update(candle model.Candle)

	// Value returns the current value, zero until Ready.
	Value() decimal.Decimal

	// Ready returns true once a full window has been seen.
	Ready() bool
}
