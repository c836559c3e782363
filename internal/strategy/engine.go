// Package strategy is the signal engine: it derives a reference line from
// completed candles and classifies the current price against it, given the
// instrument's current position.
//
// Two modes share the Evaluate contract. Crossing mode trades every side
// change of price versus the line. Momentum mode additionally requires the
// MBO/MBI momentum sign to agree, turning counter-momentum crossings into
// close-only signals.
package strategy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
)

// ErrInsufficientData is returned (with SignalNone) while the history is
// shorter than the configured look-back plus the forming candle.
var ErrInsufficientData = errors.New("insufficient candle history")

// Mode selects the classification rule.
type Mode uint8

const (
	ModeCrossing Mode = iota
	ModeMomentum
)

func (m Mode) String() string {
	switch m {
	case ModeCrossing:
		return "crossing"
	case ModeMomentum:
		return "momentum"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode accepts "crossing" or "momentum".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "crossing", "":
		return ModeCrossing, nil
	case "momentum":
		return ModeMomentum, nil
	}
	return ModeCrossing, fmt.Errorf("strategy: unknown mode %q", s)
}

// Config for an Engine.
type Config struct {
	Period  int  // reference line look-back, default 50
	Mode    Mode // default ModeCrossing
	MAShort int  // momentum mode only, default 25
	MALong  int  // momentum mode only, default 200

	Logger *slog.Logger
	Now    func() time.Time
}

// State is the per-instrument observability snapshot.
type State struct {
	ReferenceLine decimal.Decimal
	LastPrice     decimal.Decimal
	LastEvalTime  time.Time

	// Momentum mode only.
	MBO decimal.Decimal
	MBI decimal.Decimal

	LastSignal       model.Signal
	LastSignalCandle time.Time
}

type slot struct {
	mu    sync.Mutex
	state State
	seen  bool
}

// Engine evaluates signals for any number of instruments. Calls for the
// same instrument are serialized; different instruments run in parallel.
type Engine struct {
	period  int
	mode    Mode
	maShort int
	maLong  int
	log     *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	slots map[string]*slot
}

// NewEngine creates an Engine, applying defaults to zero config fields.
func NewEngine(cfg Config) *Engine {
	if cfg.Period <= 0 {
		cfg.Period = 50
	}
	if cfg.MAShort <= 0 {
		cfg.MAShort = 25
	}
	if cfg.MALong <= 0 {
		cfg.MALong = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		period:  cfg.Period,
		mode:    cfg.Mode,
		maShort: cfg.MAShort,
		maLong:  cfg.MALong,
		log:     cfg.Logger.With("component", "strategy", "mode", cfg.Mode.String()),
		now:     cfg.Now,
		slots:   make(map[string]*slot),
	}
}

// Mode returns the engine's classification mode.
func (e *Engine) Mode() Mode { return e.mode }

// Period returns the reference line look-back.
func (e *Engine) Period() int { return e.period }

// MinHistory is the number of candles (completed plus the forming one)
// Evaluate needs before it can emit anything.
func (e *Engine) MinHistory() int {
	switch e.mode {
	case ModeMomentum:
		return max(e.period, e.maLong+1) + 1
	default:
		return e.period + 1
	}
}

func (e *Engine) slot(instrument string) *slot {
	e.mu.RLock()
	s, ok := e.slots[instrument]
	e.mu.RUnlock()
	if ok {
		return s
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.slots[instrument]; !ok {
		s = &slot{}
		e.slots[instrument] = s
	}
	return s
}

// Evaluate classifies price for instrument. history is ordered oldest
// first and its final entry is the forming candle, which never
// contributes to the reference line or momentum.
//
// At most one non-None signal is returned per completed candle; repeated
// calls before the next candle completes return SignalNone.
func (e *Engine) Evaluate(instrument string, history []model.Candle, side model.PositionSide, price decimal.Decimal) (model.Signal, error) {
	if err := model.CheckPrice(price); err != nil {
		return model.SignalNone, fmt.Errorf("strategy: %s: %w: %s", instrument, err, price)
	}
	if need := e.MinHistory(); len(history) < need {
		e.log.Debug("insufficient data", "instrument", instrument, "have", len(history), "need", need)
		return model.SignalNone, fmt.Errorf("strategy: %s: %w: have %d candles, need %d",
			instrument, ErrInsufficientData, len(history), need)
	}

	line, err := ReferenceLine(history, e.period)
	if err != nil {
		return model.SignalNone, err
	}

	s := e.slot(instrument)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen = true
	s.state.ReferenceLine = line
	s.state.LastPrice = price
	s.state.LastEvalTime = e.now()

	var sig model.Signal
	switch e.mode {
	case ModeCrossing:
		sig = Cross(line, price, side)
	case ModeMomentum:
		mbo, mbi, err := Momentum(history[:len(history)-1], e.maShort, e.maLong)
		if err != nil {
			return model.SignalNone, fmt.Errorf("strategy: %s: %w", instrument, err)
		}
		s.state.MBO, s.state.MBI = mbo, mbi
		sig = CrossWithMomentum(line, price, side, mbi)
	default:
		return model.SignalNone, fmt.Errorf("strategy: unsupported mode %s", e.mode)
	}
	if sig == model.SignalNone {
		return sig, nil
	}

	candle := history[len(history)-2].TS
	if s.state.LastSignalCandle.Equal(candle) {
		e.log.Debug("signal already emitted for candle", "instrument", instrument,
			"signal", sig.String(), "candle", candle)
		return model.SignalNone, nil
	}
	s.state.LastSignal = sig
	s.state.LastSignalCandle = candle

	e.log.Info("signal", "instrument", instrument, "signal", sig.String(),
		"price", price.String(), "reference_line", line.String(), "position", side.String())
	return sig, nil
}

// State returns the latest evaluation snapshot for instrument.
func (e *Engine) State(instrument string) (State, bool) {
	e.mu.RLock()
	s, ok := e.slots[instrument]
	e.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.seen
}

// ClearSignal forgets the last emitted signal for instrument so the same
// candle may fire again. Used after an order for that signal failed.
func (e *Engine) ClearSignal(instrument string) {
	e.mu.RLock()
	s, ok := e.slots[instrument]
	e.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.state.LastSignal = model.SignalNone
	s.state.LastSignalCandle = time.Time{}
	s.mu.Unlock()
}
