package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perp-trader/internal/indicator"
	"perp-trader/internal/model"
)

// ReferenceLine is the midline of the period candles that precede the
// final (forming) entry of history.
func ReferenceLine(history []model.Candle, period int) (decimal.Decimal, error) {
	if period < 1 || len(history) < period+1 {
		return decimal.Zero, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientData, len(history), period+1)
	}
	m := indicator.NewMidline(period)
	for _, c := range history[len(history)-1-period : len(history)-1] {
		m.Update(c)
	}
	return m.Value(), nil
}

// Momentum returns MBO = SMA(short) - SMA(long) at the last completed
// candle and MBI = MBO - MBO one candle earlier.
func Momentum(completed []model.Candle, short, long int) (mbo, mbi decimal.Decimal, err error) {
	if short < 1 || long < short {
		return decimal.Zero, decimal.Zero, fmt.Errorf("momentum: need 1 <= short <= long, got %d/%d", short, long)
	}
	if len(completed) < long+1 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: have %d completed candles, need %d",
			ErrInsufficientData, len(completed), long+1)
	}
	fast, slow := indicator.NewSMA(short), indicator.NewSMA(long)
	window := completed[len(completed)-long-1:]
	for _, c := range window[:long] {
		fast.Update(c)
		slow.Update(c)
	}
	prev := fast.Value().Sub(slow.Value())

	last := window[long]
	fast.Update(last)
	slow.Update(last)
	mbo = fast.Value().Sub(slow.Value())
	return mbo, mbo.Sub(prev), nil
}

// Cross is the crossing rule: above the line go (or stay) long, below go
// (or stay) short, on the line do nothing.
func Cross(line, price decimal.Decimal, side model.PositionSide) model.Signal {
	switch price.Cmp(line) {
	case 1:
		switch side {
		case model.Flat, model.Short:
			return model.SignalOpenLong
		case model.Long:
			return model.SignalNone
		}
	case -1:
		switch side {
		case model.Flat, model.Long:
			return model.SignalOpenShort
		case model.Short:
			return model.SignalNone
		}
	}
	return model.SignalNone
}

// CrossWithMomentum opens only in the direction of mbi. A crossing against
// momentum closes a position on the wrong side instead of flipping it.
func CrossWithMomentum(line, price decimal.Decimal, side model.PositionSide, mbi decimal.Decimal) model.Signal {
	above, below := price.GreaterThan(line), price.LessThan(line)
	switch mbi.Sign() {
	case 1:
		switch {
		case above && side != model.Long:
			return model.SignalOpenLong
		case below && side == model.Long:
			return model.SignalCloseLong
		}
	case -1:
		switch {
		case below && side != model.Short:
			return model.SignalOpenShort
		case above && side == model.Short:
			return model.SignalCloseShort
		}
	}
	return model.SignalNone
}
