package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CloseReason records why a position was closed.
type CloseReason uint8

const (
	ReasonManual CloseReason = iota
	ReasonStopLoss
	ReasonTakeProfit
	ReasonSignalFlip
	ReasonSignalExit
)

func (r CloseReason) String() string {
	switch r {
	case ReasonManual:
		return "manual"
	case ReasonStopLoss:
		return "stop-loss"
	case ReasonTakeProfit:
		return "take-profit"
	case ReasonSignalFlip:
		return "signal-flip"
	case ReasonSignalExit:
		return "signal-exit"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// MarshalText lets reasons appear by name in JSON and CSV output.
func (r CloseReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// TradeRecord is appended once per closed position and never mutated.
type TradeRecord struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Side       PositionSide    `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Size       decimal.Decimal `json:"size"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	GrossPnL   decimal.Decimal `json:"gross_pnl"`
	Commission decimal.Decimal `json:"commission"`
	NetPnL     decimal.Decimal `json:"net_pnl"`
	ReturnPct  decimal.Decimal `json:"return_pct"`
	Holding    time.Duration   `json:"holding"`
	Reason     CloseReason     `json:"reason"`
}
