package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of the single position slot of an instrument.
type PositionSide uint8

const (
	Flat PositionSide = iota
	Long
	Short
)

func (s PositionSide) String() string {
	switch s {
	case Flat:
		return "flat"
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Position is an open exposure. A Flat position carries zero values.
type Position struct {
	Instrument string          `json:"instrument"`
	Side       PositionSide    `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       decimal.Decimal `json:"size"`
	EntryTime  time.Time       `json:"entry_time"`
}

// IsOpen reports whether the position carries exposure.
func (p Position) IsOpen() bool { return p.Side != Flat }

// UnrealizedPnL is the directional mark-to-market P&L before exit costs.
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	switch p.Side {
	case Long:
		return mark.Sub(p.EntryPrice).Mul(p.Size)
	case Short:
		return p.EntryPrice.Sub(mark).Mul(p.Size)
	default:
		return decimal.Zero
	}
}
