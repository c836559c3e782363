package model

import "github.com/shopspring/decimal"

// Instrument is a tradeable perpetual contract and its exchange grid.
type Instrument struct {
	ID           string          `json:"id" yaml:"id"`
	Symbol       string          `json:"symbol" yaml:"symbol"`
	TickSize     decimal.Decimal `json:"tick_size" yaml:"-"`
	LotPrecision int32           `json:"lot_precision" yaml:"lot_precision"`
	OrderSize    decimal.Decimal `json:"order_size" yaml:"-"`
}

// Label returns the symbol when known, else the id.
func (i *Instrument) Label() string {
	if i.Symbol != "" {
		return i.Symbol
	}
	return i.ID
}
