// Package backtest replays an ordered candle series through the signal
// engine and a private ledger, applying stop-loss and take-profit checks
// on every step, and summarizes the result.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"perp-trader/internal/execution"
	"perp-trader/internal/ledger"
	"perp-trader/internal/model"
	"perp-trader/internal/quantizer"
	"perp-trader/internal/strategy"
)

// ErrMalformedData aborts a run over invalid or unordered candles.
var ErrMalformedData = errors.New("malformed candle data")

// Config holds run-independent settings. A zero InitialCapital means 10000;
// zero Slippage and CommissionRate mean no cost.
type Config struct {
	Period  int
	Mode    strategy.Mode
	MAShort int
	MALong  int

	InitialCapital      decimal.Decimal
	Slippage            decimal.Decimal
	CommissionRate      decimal.Decimal
	AnnualizationFactor float64 // default 252

	Quantizer *quantizer.Quantizer // optional; nil trades at raw prices
	Logger    *slog.Logger
}

// Params are the per-run trade settings.
type Params struct {
	PositionSize  decimal.Decimal
	StopLossPct   decimal.Decimal // fraction; zero disables
	TakeProfitPct decimal.Decimal // fraction; zero disables
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	TS         time.Time
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
	Total      decimal.Decimal
}

// Replayer runs backtests. A Replayer holds no per-run state and may be
// reused sequentially or from several goroutines.
type Replayer struct {
	cfg Config
	log *slog.Logger
}

// DefaultConfig returns the stock settings: period 50, 10000 capital,
// 0.001 slippage, 0.0004 commission, annualization 252.
func DefaultConfig() Config {
	return Config{
		Period:              50,
		InitialCapital:      decimal.NewFromInt(10000),
		Slippage:            decimal.RequireFromString("0.001"),
		CommissionRate:      decimal.RequireFromString("0.0004"),
		AnnualizationFactor: 252,
	}
}

// New creates a Replayer. Slippage and commission are used as given, so a
// zero cost run is possible; start from DefaultConfig for the stock costs.
func New(cfg Config) *Replayer {
	if cfg.Period <= 0 {
		cfg.Period = 50
	}
	if cfg.InitialCapital.IsZero() {
		cfg.InitialCapital = decimal.NewFromInt(10000)
	}
	if cfg.AnnualizationFactor <= 0 {
		cfg.AnnualizationFactor = 252
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Replayer{cfg: cfg, log: cfg.Logger.With("component", "backtest")}
}

// Validate checks every candle and that timestamps strictly increase.
func Validate(candles []model.Candle) error {
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return fmt.Errorf("%w: row %d: %v", ErrMalformedData, i, err)
		}
		if i > 0 && !candles[i].TS.After(candles[i-1].TS) {
			return fmt.Errorf("%w: row %d: timestamp %s not after %s", ErrMalformedData, i,
				candles[i].TS.Format(time.RFC3339), candles[i-1].TS.Format(time.RFC3339))
		}
	}
	return nil
}

// Run replays candles for instrument. A position still open after the
// last candle is closed at its close price with reason manual.
func (r *Replayer) Run(ctx context.Context, instrument string, candles []model.Candle, p Params) (*Report, error) {
	if err := Validate(candles); err != nil {
		return nil, fmt.Errorf("backtest %s: %w", instrument, err)
	}
	if !p.PositionSize.IsPositive() {
		return nil, fmt.Errorf("backtest %s: position size must be positive, got %s", instrument, p.PositionSize)
	}

	log := r.log.With("instrument", instrument)
	engine := strategy.NewEngine(strategy.Config{
		Period:  r.cfg.Period,
		Mode:    r.cfg.Mode,
		MAShort: r.cfg.MAShort,
		MALong:  r.cfg.MALong,
		Logger:  r.cfg.Logger,
	})
	book := ledger.New(ledger.Config{
		Sink:           execution.NopSink{},
		Quantizer:      r.cfg.Quantizer,
		CommissionRate: r.cfg.CommissionRate,
		Logger:         r.cfg.Logger,
	})

	start := engine.MinHistory() - 1
	curve := make([]EquityPoint, 0, max(len(candles)-start, 0))
	mark := func(c model.Candle) EquityPoint {
		realized := r.cfg.InitialCapital.Add(book.TotalPnL())
		unrealized := book.UnrealizedPnL(instrument, c.Close)
		return EquityPoint{TS: c.TS, Realized: realized, Unrealized: unrealized, Total: realized.Add(unrealized)}
	}

	for i := start; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("backtest %s: %w", instrument, err)
		}
		c := candles[i]
		price := c.Close
		// A zero close is valid data but not a tradable price: no exit
		// checks, no signal and no equity mark for this candle.
		if err := model.CheckPrice(price); err != nil {
			log.Warn("skipping candle with unusable close", "row", i, "close", price.String())
			continue
		}

		pos := book.GetPosition(instrument)
		if pos.IsOpen() {
			reason, hit := model.ReasonManual, false
			switch {
			case book.CheckStopLoss(instrument, price, p.StopLossPct):
				reason, hit = model.ReasonStopLoss, true
			case book.CheckTakeProfit(instrument, price, p.TakeProfitPct):
				reason, hit = model.ReasonTakeProfit, true
			}
			if hit {
				if _, err := book.Close(ctx, instrument, price, r.cfg.Slippage, reason, c.TS); err != nil {
					return nil, fmt.Errorf("backtest %s: row %d: %w", instrument, i, err)
				}
				curve = append(curve, mark(c))
				continue
			}
		}

		sig, err := engine.Evaluate(instrument, candles[:i+1], pos.Side, price)
		switch {
		case errors.Is(err, model.ErrInvalidPrice):
			log.Warn("skipping candle with unusable close", "row", i, "close", price.String())
		case err != nil:
			return nil, fmt.Errorf("backtest %s: row %d: %w", instrument, i, err)
		case sig != model.SignalNone:
			if _, err := book.Apply(ctx, instrument, sig, price, p.PositionSize, r.cfg.Slippage, c.TS); err != nil {
				return nil, fmt.Errorf("backtest %s: row %d: %w", instrument, i, err)
			}
		}
		curve = append(curve, mark(c))
	}

	if last, ok := lastPriced(candles); ok && book.GetPosition(instrument).IsOpen() {
		if _, err := book.Close(ctx, instrument, last.Close, r.cfg.Slippage, model.ReasonManual, last.TS); err != nil {
			return nil, fmt.Errorf("backtest %s: end of data: %w", instrument, err)
		}
		if n := len(curve); n > 0 && curve[n-1].TS.Equal(last.TS) {
			curve[n-1] = mark(last)
		} else {
			curve = append(curve, mark(last))
		}
	}

	rep := buildReport(instrument, r.cfg.InitialCapital, r.cfg.AnnualizationFactor, book.TradeHistory(), curve)
	rep.Candles = len(candles)
	log.Info("backtest finished", "candles", len(candles), "trades", rep.TotalTrades,
		"total_pnl", rep.TotalPnL.String(), "final_capital", rep.FinalCapital.String())
	return rep, nil
}

// lastPriced returns the latest candle with a tradable close.
func lastPriced(candles []model.Candle) (model.Candle, bool) {
	for i := len(candles) - 1; i >= 0; i-- {
		if model.CheckPrice(candles[i].Close) == nil {
			return candles[i], true
		}
	}
	return model.Candle{}, false
}

// BatchResult is the outcome of one instrument in RunBatch.
type BatchResult struct {
	Instrument string
	Report     *Report
	Err        error
}

// RunBatch runs every series in order. A failing instrument is reported
// in its result and does not stop the others.
func (r *Replayer) RunBatch(ctx context.Context, series map[string][]model.Candle, order []string, p Params) []BatchResult {
	out := make([]BatchResult, 0, len(order))
	for _, inst := range order {
		candles, ok := series[inst]
		if !ok {
			out = append(out, BatchResult{Instrument: inst, Err: fmt.Errorf("backtest %s: no candles", inst)})
			continue
		}
		rep, err := r.Run(ctx, inst, candles, p)
		if err != nil {
			r.log.Error("backtest failed", "instrument", inst, "error", err)
		}
		out = append(out, BatchResult{Instrument: inst, Report: rep, Err: err})
	}
	return out
}
