package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidPrice is returned for non-positive prices reaching the
// engine or the ledger. The triggering update is discarded.
var ErrInvalidPrice = errors.New("invalid price")

// PriceUpdate is a last-traded-price push from the venue stream.
type PriceUpdate struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	TS         time.Time       `json:"ts"`
}

// CheckPrice returns ErrInvalidPrice unless p > 0.
func CheckPrice(p decimal.Decimal) error {
	if !p.IsPositive() {
		return ErrInvalidPrice
	}
	return nil
}
