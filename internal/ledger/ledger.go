// Package ledger keeps the single position slot of every instrument,
// turns signals into quantized, rate-paced orders and records a trade
// with realized P&L on every close.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
	"perp-trader/internal/quantizer"
)

var (
	// ErrOrderSubmission wraps any rejection from the order sink. No
	// position or trade is recorded for the failed leg.
	ErrOrderSubmission = errors.New("order submission failed")

	// ErrInvalidSize is returned when the size truncates to zero.
	ErrInvalidSize = errors.New("order size rounds to zero")
)

// Admitter paces outbound order calls.
type Admitter interface {
	Admit(ctx context.Context) error
}

// Config for a Ledger.
type Config struct {
	Sink           model.OrderSink
	Quantizer      *quantizer.Quantizer // nil: prices and sizes are used as given
	Governor       Admitter             // nil: no pacing
	CommissionRate decimal.Decimal
	OrderType      model.OrderType // default LIMIT

	// Strict fails orders for instruments the quantizer does not know
	// instead of sending unrounded values.
	Strict bool

	Logger *slog.Logger
}

// Result describes what a single Apply or Close call did.
type Result struct {
	Opened   bool
	Closed   bool
	Flipped  bool
	Trade    *model.TradeRecord // set when Closed
	Position model.Position     // slot state after the call
}

type slot struct {
	mu  sync.Mutex
	pos model.Position
}

// Ledger is safe for concurrent use. Operations on one instrument are
// serialized, so a flip is never observable half-done.
type Ledger struct {
	sink      model.OrderSink
	quant     *quantizer.Quantizer
	gov       Admitter
	rate      decimal.Decimal
	orderType model.OrderType
	strict    bool
	log       *slog.Logger

	mu    sync.RWMutex
	slots map[string]*slot

	histMu sync.RWMutex
	trades []model.TradeRecord
	total  decimal.Decimal

	// OnTrade is called for every closed trade, under the instrument's
	// lock. It must not block. Optional.
	OnTrade func(t model.TradeRecord)

	// OnOrder is called after every submission attempt. Optional.
	OnOrder func(req model.OrderRequest, orderID string, err error)
}

// New creates a Ledger.
func New(cfg Config) *Ledger {
	if cfg.OrderType == "" {
		cfg.OrderType = model.OrderLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		sink:      cfg.Sink,
		quant:     cfg.Quantizer,
		gov:       cfg.Governor,
		rate:      cfg.CommissionRate,
		orderType: cfg.OrderType,
		strict:    cfg.Strict,
		log:       cfg.Logger.With("component", "ledger"),
		slots:     make(map[string]*slot),
	}
}

func (l *Ledger) slot(instrument string) *slot {
	l.mu.RLock()
	s, ok := l.slots[instrument]
	l.mu.RUnlock()
	if ok {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.slots[instrument]; !ok {
		s = &slot{pos: model.Position{Instrument: instrument}}
		l.slots[instrument] = s
	}
	return s
}

// Apply executes sig for instrument at price. Opening and closing legs
// are quantized, admitted through the governor one after another and
// submitted to the sink. ts stamps the fill.
//
// On a sink or admission failure the slot keeps its prior state and the
// error is returned. If the closing leg of a flip succeeded but the
// opening leg failed, Result.Closed is true and the slot is flat.
func (l *Ledger) Apply(ctx context.Context, instrument string, sig model.Signal, price, size, slippage decimal.Decimal, ts time.Time) (Result, error) {
	if err := model.CheckPrice(price); err != nil {
		return Result{}, fmt.Errorf("ledger: %s: %w: %s", instrument, err, price)
	}
	s := l.slot(instrument)
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res Result
		err error
	)
	switch sig {
	case model.SignalNone:
	case model.SignalOpenLong:
		res, err = l.enter(ctx, s, model.Long, price, size, slippage, ts)
	case model.SignalOpenShort:
		res, err = l.enter(ctx, s, model.Short, price, size, slippage, ts)
	case model.SignalCloseLong:
		if s.pos.Side == model.Long {
			res, err = l.exit(ctx, s, price, slippage, model.ReasonSignalExit, ts)
		}
	case model.SignalCloseShort:
		if s.pos.Side == model.Short {
			res, err = l.exit(ctx, s, price, slippage, model.ReasonSignalExit, ts)
		}
	default:
		err = fmt.Errorf("ledger: %s: unknown signal %s", instrument, sig)
	}
	res.Position = s.pos
	return res, err
}

// enter opens side, first closing an opposite position if there is one.
func (l *Ledger) enter(ctx context.Context, s *slot, side model.PositionSide, price, size, slippage decimal.Decimal, ts time.Time) (Result, error) {
	var res Result
	switch s.pos.Side {
	case side:
		return res, nil
	case model.Flat:
	default:
		closed, err := l.exit(ctx, s, price, slippage, model.ReasonSignalFlip, ts)
		if err != nil {
			return closed, err
		}
		res = closed
	}

	if err := l.open(ctx, s, side, price, size, slippage, ts); err != nil {
		return res, err
	}
	res.Opened = true
	res.Flipped = res.Closed
	return res, nil
}

func (l *Ledger) open(ctx context.Context, s *slot, side model.PositionSide, price, size, slippage decimal.Decimal, ts time.Time) error {
	instrument := s.pos.Instrument
	orderSide := model.Buy
	if side == model.Short {
		orderSide = model.Sell
	}

	px, pxText, err := l.quantizePrice(instrument, Slip(price, orderSide, slippage), orderSide)
	if err != nil {
		return err
	}
	sz, szText, err := l.quantizeSize(instrument, size)
	if err != nil {
		return err
	}

	req := model.OrderRequest{
		Instrument: instrument,
		Side:       orderSide,
		Type:       l.orderType,
		Price:      pxText,
		Size:       szText,
	}
	if _, err := l.submit(ctx, req); err != nil {
		return err
	}

	s.pos = model.Position{
		Instrument: instrument,
		Side:       side,
		EntryPrice: px,
		Size:       sz,
		EntryTime:  ts,
	}
	l.log.Info("position opened", "instrument", instrument, "side", side.String(),
		"entry", px.String(), "size", sz.String())
	return nil
}

// exit closes the open position. The slot must not be flat.
func (l *Ledger) exit(ctx context.Context, s *slot, price, slippage decimal.Decimal, reason model.CloseReason, ts time.Time) (Result, error) {
	pos := s.pos
	orderSide := model.Sell
	if pos.Side == model.Short {
		orderSide = model.Buy
	}

	px, pxText, err := l.quantizePrice(pos.Instrument, Slip(price, orderSide, slippage), orderSide)
	if err != nil {
		return Result{}, err
	}
	_, szText, err := l.quantizeSize(pos.Instrument, pos.Size)
	if err != nil {
		return Result{}, err
	}

	req := model.OrderRequest{
		Instrument: pos.Instrument,
		Side:       orderSide,
		Type:       l.orderType,
		Price:      pxText,
		Size:       szText,
		ReduceOnly: true,
	}
	if _, err := l.submit(ctx, req); err != nil {
		return Result{}, err
	}

	trade := Settle(pos, px, ts, l.rate, reason)
	trade.ID = ulid.Make().String()
	s.pos = model.Position{Instrument: pos.Instrument}

	l.histMu.Lock()
	l.trades = append(l.trades, trade)
	l.total = l.total.Add(trade.NetPnL)
	l.histMu.Unlock()

	l.log.Info("position closed", "instrument", pos.Instrument, "side", pos.Side.String(),
		"entry", pos.EntryPrice.String(), "exit", px.String(), "net_pnl", trade.NetPnL.String(),
		"reason", reason.String())
	if l.OnTrade != nil {
		l.OnTrade(trade)
	}
	return Result{Closed: true, Trade: &trade}, nil
}

func (l *Ledger) submit(ctx context.Context, req model.OrderRequest) (string, error) {
	req.ClientOrderID = ulid.Make().String()
	if l.gov != nil {
		if err := l.gov.Admit(ctx); err != nil {
			err = fmt.Errorf("ledger: %s %s: admission: %w", req.Instrument, req.Side, err)
			if l.OnOrder != nil {
				l.OnOrder(req, "", err)
			}
			return "", err
		}
	}
	id, err := l.sink.SubmitOrder(ctx, req)
	if err != nil {
		err = fmt.Errorf("ledger: %s %s %s@%s: %w: %w", req.Instrument, req.Side, req.Size, req.Price, ErrOrderSubmission, err)
		l.log.Error("order rejected", "instrument", req.Instrument, "side", req.Side.String(),
			"price", req.Price, "size", req.Size, "client_order_id", req.ClientOrderID, "error", err)
	}
	if l.OnOrder != nil {
		l.OnOrder(req, id, err)
	}
	return id, err
}

// quantizePrice snaps buys up and sells down so the limit stays marketable.
func (l *Ledger) quantizePrice(instrument string, price decimal.Decimal, side model.OrderSide) (decimal.Decimal, string, error) {
	if l.quant == nil {
		return price, price.String(), nil
	}
	dir := quantizer.Down
	if side == model.Buy {
		dir = quantizer.Up
	}
	px, err := l.quant.PriceDecimal(instrument, price, dir)
	if err != nil {
		if l.strict || !errors.Is(err, quantizer.ErrUnregisteredInstrument) {
			return decimal.Zero, "", fmt.Errorf("ledger: %w", err)
		}
		return px, px.String(), nil
	}
	text, _ := l.quant.RoundPrice(instrument, px, dir)
	return px, text, nil
}

func (l *Ledger) quantizeSize(instrument string, size decimal.Decimal) (decimal.Decimal, string, error) {
	sz := size
	text := size.String()
	if l.quant != nil {
		var err error
		sz, err = l.quant.SizeDecimal(instrument, size)
		switch {
		case err == nil:
			text, _ = l.quant.RoundSize(instrument, size)
		case l.strict || !errors.Is(err, quantizer.ErrUnregisteredInstrument):
			return decimal.Zero, "", fmt.Errorf("ledger: %w", err)
		}
	}
	if !sz.IsPositive() {
		return decimal.Zero, "", fmt.Errorf("ledger: %s: %w: %s", instrument, ErrInvalidSize, size)
	}
	return sz, text, nil
}

// Close force-closes the instrument's position, if any, with reason.
func (l *Ledger) Close(ctx context.Context, instrument string, price, slippage decimal.Decimal, reason model.CloseReason, ts time.Time) (Result, error) {
	if err := model.CheckPrice(price); err != nil {
		return Result{}, fmt.Errorf("ledger: %s: %w: %s", instrument, err, price)
	}
	s := l.slot(instrument)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pos.IsOpen() {
		return Result{Position: s.pos}, nil
	}
	res, err := l.exit(ctx, s, price, slippage, reason, ts)
	res.Position = s.pos
	return res, err
}

// CheckStopLoss reports whether the adverse move from entry to price is
// at least pct (a fraction, 0.02 = 2%). A non-positive pct disables it.
func (l *Ledger) CheckStopLoss(instrument string, price, pct decimal.Decimal) bool {
	pos := l.GetPosition(instrument)
	return pct.IsPositive() && pos.IsOpen() && MoveFraction(pos, price).Neg().GreaterThanOrEqual(pct)
}

// CheckTakeProfit reports whether the favourable move from entry to price
// is at least pct. A non-positive pct disables it.
func (l *Ledger) CheckTakeProfit(instrument string, price, pct decimal.Decimal) bool {
	pos := l.GetPosition(instrument)
	return pct.IsPositive() && pos.IsOpen() && MoveFraction(pos, price).GreaterThanOrEqual(pct)
}

// GetPosition returns the instrument's slot. Flat if never traded.
func (l *Ledger) GetPosition(instrument string) model.Position {
	l.mu.RLock()
	s, ok := l.slots[instrument]
	l.mu.RUnlock()
	if !ok {
		return model.Position{Instrument: instrument}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// OpenPositions returns every non-flat slot.
func (l *Ledger) OpenPositions() []model.Position {
	l.mu.RLock()
	slots := make([]*slot, 0, len(l.slots))
	for _, s := range l.slots {
		slots = append(slots, s)
	}
	l.mu.RUnlock()

	var out []model.Position
	for _, s := range slots {
		s.mu.Lock()
		if s.pos.IsOpen() {
			out = append(out, s.pos)
		}
		s.mu.Unlock()
	}
	return out
}

// UnrealizedPnL marks the instrument's position at mark.
func (l *Ledger) UnrealizedPnL(instrument string, mark decimal.Decimal) decimal.Decimal {
	return l.GetPosition(instrument).UnrealizedPnL(mark)
}

// TradeHistory returns a copy of all closed trades in close order.
func (l *Ledger) TradeHistory() []model.TradeRecord {
	l.histMu.RLock()
	defer l.histMu.RUnlock()
	out := make([]model.TradeRecord, len(l.trades))
	copy(out, l.trades)
	return out
}

// TotalPnL is the sum of net P&L over all closed trades.
func (l *Ledger) TotalPnL() decimal.Decimal {
	l.histMu.RLock()
	defer l.histMu.RUnlock()
	return l.total
}
