package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"perp-trader/internal/ledger"
	"perp-trader/internal/logger"
	"perp-trader/internal/marketdata/agg"
	"perp-trader/internal/model"
	"perp-trader/internal/ratelimit"
	"perp-trader/internal/strategy"
)

const stateTimeout = 2 * time.Second

type resyncResult struct {
	candles []model.Candle
	err     error
}

// worker is the single owner of one instrument's candle window. All of
// its fields are touched only from run.
type worker struct {
	t      *Trader
	inst   model.Instrument
	window *agg.Window
	in     chan model.PriceUpdate
	resync chan resyncResult
	log    *slog.Logger

	buf       []model.Candle
	resyncing bool
	bg        sync.WaitGroup
}

func newWorker(t *Trader, inst model.Instrument) *worker {
	w := &worker{
		t:      t,
		inst:   inst,
		window: agg.NewWindow(inst.ID, t.cfg.Interval, t.engine.MinHistory()+8),
		in:     make(chan model.PriceUpdate, t.cfg.QueueSize),
		resync: make(chan resyncResult, 1),
		log:    t.log.With("instrument", inst.ID),
	}
	w.window.OnLateUpdate = func(u model.PriceUpdate) {
		if t.m != nil {
			t.m.LateUpdates.WithLabelValues(u.Instrument).Inc()
		}
	}
	return w
}

func (w *worker) run(ctx context.Context, stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		w.bg.Wait()
	}()

	for {
		select {
		case u, ok := <-w.in:
			if !ok {
				return
			}
			select {
			case <-stop:
				return
			default:
			}
			w.handle(ctx, u)
			if w.t.OnUpdate != nil {
				w.t.OnUpdate(u)
			}
		case r := <-w.resync:
			w.applyResync(r)
		case <-stop:
			return
		}
	}
}

func (w *worker) handle(ctx context.Context, u model.PriceUpdate) {
	id := w.inst.ID
	if err := model.CheckPrice(u.Price); err != nil {
		w.log.Warn("discarding update", "price", u.Price.String(), "error", err)
		return
	}

	rolled, late := w.window.Observe(u)
	if late {
		return
	}
	if rolled {
		w.startResync(ctx)
	}

	// Orders already started must complete even if shutdown begins.
	opCtx := logger.WithCycleID(context.WithoutCancel(ctx), logger.NewCycleID(id, u.TS))

	if w.checkExits(opCtx, u) {
		w.report(opCtx)
		return
	}

	pos := w.t.ledger.GetPosition(id)
	w.buf = w.window.History(w.buf[:0])
	start := time.Now()
	sig, err := w.t.engine.Evaluate(id, w.buf, pos.Side, u.Price)
	if w.t.m != nil {
		w.t.m.EvaluateDur.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if !errors.Is(err, strategy.ErrInsufficientData) {
			w.log.Warn("evaluate failed", "error", err)
		}
		return
	}
	if sig == model.SignalNone {
		if rolled {
			w.report(opCtx)
		}
		return
	}
	if w.t.m != nil {
		w.t.m.Signals.WithLabelValues(id, sig.String()).Inc()
	}

	log := logger.FromContext(opCtx, w.log)
	res, err := w.t.ledger.Apply(opCtx, id, sig, u.Price, w.inst.OrderSize, w.t.cfg.Slippage, u.TS)
	if err != nil {
		log.Error("apply failed", "signal", sig.String(), "price", u.Price.String(), "error", err)
		if errors.Is(err, ledger.ErrOrderSubmission) || errors.Is(err, ratelimit.ErrAdmissionTimeout) {
			w.t.engine.ClearSignal(id)
		}
		w.report(opCtx)
		return
	}
	log.Info("signal applied", "signal", sig.String(), "opened", res.Opened,
		"closed", res.Closed, "flipped", res.Flipped, "position", res.Position.Side.String())
	w.report(opCtx)
}

// checkExits closes the position when stop-loss or take-profit triggers
// and reports whether it did; a triggered exit suppresses signal handling
// for the same update.
func (w *worker) checkExits(ctx context.Context, u model.PriceUpdate) bool {
	id := w.inst.ID
	var reason model.CloseReason
	switch {
	case w.t.ledger.CheckStopLoss(id, u.Price, w.t.cfg.StopLossPct):
		reason = model.ReasonStopLoss
	case w.t.ledger.CheckTakeProfit(id, u.Price, w.t.cfg.TakeProfitPct):
		reason = model.ReasonTakeProfit
	default:
		return false
	}

	log := logger.FromContext(ctx, w.log)
	if _, err := w.t.ledger.Close(ctx, id, u.Price, w.t.cfg.Slippage, reason, u.TS); err != nil {
		log.Error("exit failed", "reason", reason.String(), "price", u.Price.String(), "error", err)
		return true
	}
	log.Info("position exited", "reason", reason.String(), "price", u.Price.String())
	return true
}

func (w *worker) startResync(ctx context.Context) {
	if !w.t.cfg.ResyncOnRoll || w.t.candles == nil || w.resyncing {
		return
	}
	w.resyncing = true
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		candles, err := w.t.fetch(ctx, w.inst.ID)
		select {
		case w.resync <- resyncResult{candles: candles, err: err}:
		default:
		}
	}()
}

// applyResync reseeds the window with venue candles unless they are older
// than the candle already forming.
func (w *worker) applyResync(r resyncResult) {
	w.resyncing = false
	result := "ok"
	defer func() {
		if w.t.m != nil {
			w.t.m.CandleResyncs.WithLabelValues(w.inst.ID, result).Inc()
		}
	}()

	if r.err != nil {
		result = "error"
		w.log.Warn("candle resync failed", "error", r.err)
		return
	}
	forming, ok := w.window.Forming()
	if len(r.candles) == 0 || ok && r.candles[len(r.candles)-1].TS.Before(forming.TS) {
		result = "stale"
		return
	}
	w.window.Seed(r.candles)
	w.log.Debug("candles resynced", "candles", len(r.candles))
}

// report refreshes gauges and publishes the instrument's state snapshot.
func (w *worker) report(ctx context.Context) {
	id := w.inst.ID
	st, _ := w.t.engine.State(id)
	pos := w.t.ledger.GetPosition(id)

	if m := w.t.m; m != nil {
		line, _ := st.ReferenceLine.Float64()
		m.ReferenceLine.WithLabelValues(id).Set(line)
		mbo, _ := st.MBO.Float64()
		mbi, _ := st.MBI.Float64()
		m.Momentum.WithLabelValues(id, "mbo").Set(mbo)
		m.Momentum.WithLabelValues(id, "mbi").Set(mbi)
		m.PositionSide.WithLabelValues(id).Set(sideValue(pos.Side))
	}

	if w.t.state == nil {
		return
	}
	fields := map[string]interface{}{
		"reference_line": st.ReferenceLine.String(),
		"last_price":     st.LastPrice.String(),
		"last_signal":    st.LastSignal.String(),
		"position_side":  pos.Side.String(),
		"updated_at":     st.LastEvalTime.UTC().Format(time.RFC3339Nano),
	}
	if w.t.engine.Mode() == strategy.ModeMomentum {
		fields["mbo"] = st.MBO.String()
		fields["mbi"] = st.MBI.String()
	}
	if pos.IsOpen() {
		fields["entry_price"] = pos.EntryPrice.String()
		fields["size"] = pos.Size.String()
		fields["unrealized_pnl"] = pos.UnrealizedPnL(st.LastPrice).String()
	}
	pctx, cancel := context.WithTimeout(ctx, stateTimeout)
	defer cancel()
	if err := w.t.state.PublishState(pctx, id, fields); err != nil {
		w.log.Debug("state publish failed", "error", err)
	}
}

func sideValue(s model.PositionSide) float64 {
	switch s {
	case model.Long:
		return 1
	case model.Short:
		return -1
	default:
		return 0
	}
}
