// Package live runs the trading loop: price updates from the venue stream
// are routed to one goroutine per instrument, which builds candles,
// checks stop-loss and take-profit, evaluates the signal engine and
// applies signals to the ledger.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-trader/internal/ledger"
	"perp-trader/internal/metrics"
	"perp-trader/internal/model"
	"perp-trader/internal/strategy"
)

const (
	defaultQueueSize     = 256
	defaultResyncTimeout = 10 * time.Second
)

// StatePublisher receives per-instrument state snapshots.
type StatePublisher interface {
	PublishState(ctx context.Context, instrument string, fields map[string]interface{}) error
}

// Config configures the trader.
type Config struct {
	Instruments   []model.Instrument
	Interval      time.Duration
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	Slippage      decimal.Decimal

	// QueueSize bounds each instrument's pending updates. Default 256.
	QueueSize int

	// ResyncOnRoll refetches candle history from Candles whenever the
	// forming candle rolls over.
	ResyncOnRoll  bool
	ResyncTimeout time.Duration

	Logger *slog.Logger
}

// Deps are the collaborators the trader drives.
type Deps struct {
	Engine  *strategy.Engine
	Ledger  *ledger.Ledger
	Candles model.CandleSource // nil: no warm-up or resync
	State   StatePublisher     // optional
	Metrics *metrics.Metrics   // optional
}

// Trader owns one worker per configured instrument.
type Trader struct {
	cfg     Config
	engine  *strategy.Engine
	ledger  *ledger.Ledger
	candles model.CandleSource
	state   StatePublisher
	m       *metrics.Metrics
	log     *slog.Logger

	workers map[string]*worker
	order   []string

	// OnUpdate is called after each update is processed. Optional.
	OnUpdate func(u model.PriceUpdate)
}

// New validates cfg and creates a worker per instrument.
func New(cfg Config, deps Deps) (*Trader, error) {
	if deps.Engine == nil || deps.Ledger == nil {
		return nil, errors.New("live: engine and ledger are required")
	}
	if len(cfg.Instruments) == 0 {
		return nil, errors.New("live: no instruments configured")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("live: invalid candle interval %s", cfg.Interval)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = defaultResyncTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Trader{
		cfg:     cfg,
		engine:  deps.Engine,
		ledger:  deps.Ledger,
		candles: deps.Candles,
		state:   deps.State,
		m:       deps.Metrics,
		log:     cfg.Logger.With("component", "live"),
		workers: make(map[string]*worker, len(cfg.Instruments)),
	}
	for _, inst := range cfg.Instruments {
		if _, dup := t.workers[inst.ID]; dup {
			return nil, fmt.Errorf("live: duplicate instrument %s", inst.ID)
		}
		if !inst.OrderSize.IsPositive() {
			return nil, fmt.Errorf("live: instrument %s: order size must be positive", inst.ID)
		}
		t.workers[inst.ID] = newWorker(t, inst)
		t.order = append(t.order, inst.ID)
	}
	return t, nil
}

// Warmup seeds every instrument's candle window from the candle source.
// Failures are logged and joined; the affected instruments start cold
// and stay silent until enough candles have been built from ticks.
func (t *Trader) Warmup(ctx context.Context) error {
	if t.candles == nil {
		return nil
	}
	var errs []error
	for _, id := range t.order {
		w := t.workers[id]
		candles, err := t.fetch(ctx, id)
		if err != nil {
			t.log.Warn("warm-up failed", "instrument", id, "error", err)
			errs = append(errs, err)
			continue
		}
		w.window.Seed(candles)
		t.log.Info("warmed up", "instrument", id, "candles", len(candles), "need", t.engine.MinHistory())
	}
	return errors.Join(errs...)
}

func (t *Trader) fetch(ctx context.Context, instrument string) ([]model.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ResyncTimeout)
	defer cancel()
	return t.candles.GetCandles(ctx, instrument, t.cfg.Interval, t.engine.MinHistory())
}

// Run dispatches updates until ctx is cancelled or updates is closed.
// Updates for one instrument are processed in arrival order by that
// instrument's worker; different instruments proceed concurrently.
//
// On shutdown no further updates are accepted, queued updates are
// discarded, and Run returns once every worker has finished the update
// it was handling, including any order already waiting for admission.
func (t *Trader) Run(ctx context.Context, updates <-chan model.PriceUpdate) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, id := range t.order {
		w := t.workers[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx, stop)
		}()
	}
	t.log.Info("trader running", "instruments", len(t.order), "interval", t.cfg.Interval.String(),
		"mode", t.engine.Mode().String())

	defer func() {
		close(stop)
		for _, id := range t.order {
			close(t.workers[id].in)
		}
		wg.Wait()
		t.log.Info("trader stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			t.dispatch(u)
		}
	}
}

func (t *Trader) dispatch(u model.PriceUpdate) {
	w, ok := t.workers[u.Instrument]
	if !ok {
		t.log.Debug("update for unconfigured instrument", "instrument", u.Instrument)
		return
	}
	if t.m != nil {
		t.m.PriceUpdates.WithLabelValues(u.Instrument).Inc()
	}
	select {
	case w.in <- u:
	default:
		if t.m != nil {
			t.m.DroppedUpdates.WithLabelValues(u.Instrument).Inc()
		}
		t.log.Warn("worker queue full, dropping update", "instrument", u.Instrument)
	}
}

// Positions returns every open position.
func (t *Trader) Positions() []model.Position { return t.ledger.OpenPositions() }
