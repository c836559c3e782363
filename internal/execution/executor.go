// Package execution holds the order sinks the ledger submits to (a paper
// venue for dry runs and a no-op sink for backtests) and the SQLite trade
// journal.
package execution

import (
	"context"
	"fmt"
	"sync/atomic"

	"perp-trader/internal/model"
)

var (
	_ model.OrderSink     = NopSink{}
	_ model.OrderSink     = (*PaperSink)(nil)
	_ model.TradeRecorder = (*Journal)(nil)
)

var nopSeq atomic.Uint64

// NopSink accepts every order without side effects. Backtests use it so
// the ledger runs its live code path against a venue that always fills.
type NopSink struct{}

func (NopSink) SubmitOrder(_ context.Context, req model.OrderRequest) (string, error) {
	return fmt.Sprintf("BT-%d", nopSeq.Add(1)), nil
}

func (NopSink) CancelOrder(context.Context, string) error { return nil }
