package model

import (
	"context"
	"time"
)

// CandleSource returns the most recent count candles for an instrument,
// ordered by timestamp ascending. The last one may still be forming.
type CandleSource interface {
	GetCandles(ctx context.Context, instrument string, interval time.Duration, count int) ([]Candle, error)
}

// OrderSink submits and cancels orders on a venue (live or simulated).
type OrderSink interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
}

// TradeRecorder persists closed trades.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, t TradeRecord) error
}

// CandleStore is a historical candle table keyed by instrument and interval.
type CandleStore interface {
	SaveCandles(instrument string, interval time.Duration, candles []Candle) error
	LoadCandles(instrument string, interval time.Duration) ([]Candle, error)
	Close() error
}
