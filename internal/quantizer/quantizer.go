// Package quantizer rounds prices and sizes onto an instrument's
// exchange grid using exact decimal arithmetic.
package quantizer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
)

// ErrUnregisteredInstrument accompanies an unrounded result for an
// instrument with no grid entry. It is a warning, not a failure.
var ErrUnregisteredInstrument = errors.New("unregistered instrument")

// Direction selects which neighbouring tick a price snaps to.
type Direction uint8

const (
	Down Direction = iota
	Up
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// ParseDirection accepts "down" or "up".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "down":
		return Down, nil
	case "up":
		return Up, nil
	}
	return Down, fmt.Errorf("quantizer: unknown direction %q", s)
}

type grid struct {
	tick           decimal.Decimal
	pricePrecision int32
	lotPrecision   int32
}

// Quantizer is a registry of instrument grids. Registration happens at
// startup; lookups are safe for concurrent use.
type Quantizer struct {
	mu    sync.RWMutex
	grids map[string]grid
	log   *slog.Logger

	// OnUnregistered is called whenever a lookup misses. Optional.
	OnUnregistered func(instrument string)
}

// New returns an empty Quantizer.
func New() *Quantizer {
	return &Quantizer{
		grids: make(map[string]grid),
		log:   slog.Default().With("component", "quantizer"),
	}
}

// Register adds or replaces the grid for inst.
func (q *Quantizer) Register(inst model.Instrument) error {
	if !inst.TickSize.IsPositive() {
		return fmt.Errorf("quantizer: instrument %s: tick size must be positive, got %s", inst.ID, inst.TickSize)
	}
	if inst.LotPrecision < 0 {
		return fmt.Errorf("quantizer: instrument %s: negative lot precision %d", inst.ID, inst.LotPrecision)
	}
	q.mu.Lock()
	q.grids[inst.ID] = grid{
		tick:           inst.TickSize,
		pricePrecision: Precision(inst.TickSize),
		lotPrecision:   inst.LotPrecision,
	}
	q.mu.Unlock()
	return nil
}

// Registered reports whether instrument has a grid.
func (q *Quantizer) Registered(instrument string) bool {
	_, ok := q.lookup(instrument)
	return ok
}

func (q *Quantizer) lookup(instrument string) (grid, bool) {
	q.mu.RLock()
	g, ok := q.grids[instrument]
	q.mu.RUnlock()
	return g, ok
}

func (q *Quantizer) miss(instrument string) error {
	q.log.Warn("no tick/lot entry, value left unrounded", "instrument", instrument)
	if q.OnUnregistered != nil {
		q.OnUnregistered(instrument)
	}
	return fmt.Errorf("quantizer: %s: %w", instrument, ErrUnregisteredInstrument)
}

// PriceDecimal snaps price to a multiple of the instrument's tick.
// For unregistered instruments it returns price unchanged together
// with ErrUnregisteredInstrument.
func (q *Quantizer) PriceDecimal(instrument string, price decimal.Decimal, dir Direction) (decimal.Decimal, error) {
	g, ok := q.lookup(instrument)
	if !ok {
		return price, q.miss(instrument)
	}
	return snap(price, g.tick, dir), nil
}

// RoundPrice is PriceDecimal formatted to the tick's decimal places.
func (q *Quantizer) RoundPrice(instrument string, price decimal.Decimal, dir Direction) (string, error) {
	g, ok := q.lookup(instrument)
	if !ok {
		return price.String(), q.miss(instrument)
	}
	return snap(price, g.tick, dir).StringFixed(g.pricePrecision), nil
}

// SizeDecimal truncates size toward zero at the lot precision.
func (q *Quantizer) SizeDecimal(instrument string, size decimal.Decimal) (decimal.Decimal, error) {
	g, ok := q.lookup(instrument)
	if !ok {
		return size, q.miss(instrument)
	}
	return size.Truncate(g.lotPrecision), nil
}

// RoundSize is SizeDecimal formatted to the lot precision.
func (q *Quantizer) RoundSize(instrument string, size decimal.Decimal) (string, error) {
	g, ok := q.lookup(instrument)
	if !ok {
		return size.String(), q.miss(instrument)
	}
	return size.Truncate(g.lotPrecision).StringFixed(g.lotPrecision), nil
}

// snap returns the tick multiple at or below (Down) or at or above (Up) price.
func snap(price, tick decimal.Decimal, dir Direction) decimal.Decimal {
	q, rem := price.QuoRem(tick, 0)
	// QuoRem truncates toward zero; adjust to floor/ceil.
	if !rem.IsZero() {
		if dir == Up && rem.IsPositive() {
			q = q.Add(decimal.NewFromInt(1))
		} else if dir == Down && rem.IsNegative() {
			q = q.Sub(decimal.NewFromInt(1))
		}
	}
	return q.Mul(tick)
}

// Precision is the number of decimal places implied by a tick size,
// ignoring trailing zeros: 0.1 -> 1, 0.50 -> 1, 5 -> 0.
func Precision(tick decimal.Decimal) int32 {
	var p int32
	for p < 18 && !tick.Shift(p).Equal(tick.Shift(p).Truncate(0)) {
		p++
	}
	return p
}
