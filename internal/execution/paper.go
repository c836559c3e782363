package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp-trader/internal/model"
)

// ErrUnknownOrder is returned when cancelling an id the sink never issued.
var ErrUnknownOrder = errors.New("unknown order")

// Fill is a simulated execution of one order request.
type Fill struct {
	OrderID  string             `json:"order_id"`
	Request  model.OrderRequest `json:"request"`
	FilledAt time.Time          `json:"filled_at"`
}

// PaperSink simulates a venue that fills every order at its limit price.
// Useful for paper trading against live prices.
type PaperSink struct {
	mu       sync.RWMutex
	fills    []Fill
	byID     map[string]int
	orderSeq int64
	log      *slog.Logger

	// Reject, when set, is consulted before filling; a non-nil error is
	// returned to the caller as a venue rejection.
	Reject func(req model.OrderRequest) error
}

// NewPaperSink creates a paper venue.
func NewPaperSink() *PaperSink {
	return &PaperSink{
		fills: make([]Fill, 0, 256),
		byID:  make(map[string]int),
		log:   slog.Default().With("component", "paper"),
	}
}

// SubmitOrder fills req immediately unless Reject refuses it.
func (p *PaperSink) SubmitOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Reject != nil {
		if err := p.Reject(req); err != nil {
			return "", fmt.Errorf("paper: rejected: %w", err)
		}
	}

	p.mu.Lock()
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)
	p.byID[orderID] = len(p.fills)
	p.fills = append(p.fills, Fill{OrderID: orderID, Request: req, FilledAt: time.Now().UTC()})
	p.mu.Unlock()

	p.log.Info("filled", "order_id", orderID, "instrument", req.Instrument, "side", req.Side.String(),
		"price", req.Price, "size", req.Size, "reduce_only", req.ReduceOnly,
		"client_order_id", req.ClientOrderID)
	return orderID, nil
}

// CancelOrder succeeds for any order this sink issued; paper orders are
// already filled so there is nothing left to cancel.
func (p *PaperSink) CancelOrder(_ context.Context, orderID string) error {
	p.mu.RLock()
	_, ok := p.byID[orderID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", orderID, ErrUnknownOrder)
	}
	return nil
}

// Fills returns a snapshot of all fills.
func (p *PaperSink) Fills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}
