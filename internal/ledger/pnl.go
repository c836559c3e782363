package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Slip moves price against the trader: buys pay up, sells receive less.
func Slip(price decimal.Decimal, side model.OrderSide, pct decimal.Decimal) decimal.Decimal {
	if side == model.Buy {
		return price.Mul(one.Add(pct))
	}
	return price.Mul(one.Sub(pct))
}

// MoveFraction is the signed move from entry to price as a fraction of
// entry, positive when in the position's favour.
func MoveFraction(pos model.Position, price decimal.Decimal) decimal.Decimal {
	if !pos.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	move := price.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	if pos.Side == model.Short {
		return move.Neg()
	}
	return move
}

// Settle computes the trade record for closing pos at exit. Commission
// is charged on both legs' notional.
func Settle(pos model.Position, exit decimal.Decimal, at time.Time, rate decimal.Decimal, reason model.CloseReason) model.TradeRecord {
	var gross decimal.Decimal
	switch pos.Side {
	case model.Long:
		gross = exit.Sub(pos.EntryPrice).Mul(pos.Size)
	case model.Short:
		gross = pos.EntryPrice.Sub(exit).Mul(pos.Size)
	}
	commission := pos.EntryPrice.Add(exit).Mul(pos.Size).Mul(rate)
	net := gross.Sub(commission)

	ret := decimal.Zero
	if notional := pos.EntryPrice.Mul(pos.Size); notional.IsPositive() {
		ret = net.Div(notional).Mul(hundred)
	}

	return model.TradeRecord{
		Instrument: pos.Instrument,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		Size:       pos.Size,
		EntryTime:  pos.EntryTime,
		ExitTime:   at,
		GrossPnL:   gross,
		Commission: commission,
		NetPnL:     net,
		ReturnPct:  ret,
		Holding:    at.Sub(pos.EntryTime),
		Reason:     reason,
	}
}
