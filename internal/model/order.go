package model

import "fmt"

// OrderSide is the venue-facing direction of one order leg.
type OrderSide uint8

const (
	Buy OrderSide = iota
	Sell
)

func (s OrderSide) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// OrderRequest is a fully quantized order intent. Price and Size are
// grid-aligned decimal strings ready for the wire.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Instrument    string    `json:"instrument"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Price         string    `json:"price"`
	Size          string    `json:"size"`
	ReduceOnly    bool      `json:"reduce_only"`
}
