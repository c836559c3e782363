package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
	"perp-trader/internal/quantizer"
	"perp-trader/internal/ratelimit"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// recordingSink accepts every order unless failAt matches the 1-based
// submission number.
type recordingSink struct {
	mu      sync.Mutex
	orders  []model.OrderRequest
	failAt  map[int]bool
	onOrder func(n int)
}

func (s *recordingSink) SubmitOrder(_ context.Context, req model.OrderRequest) (string, error) {
	s.mu.Lock()
	n := len(s.orders) + 1
	fail := s.failAt[n]
	hook := s.onOrder
	if !fail {
		s.orders = append(s.orders, req)
	}
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if fail {
		return "", errors.New("venue: insufficient margin")
	}
	return fmt.Sprintf("ord-%d", n), nil
}

func (s *recordingSink) CancelOrder(context.Context, string) error { return nil }

func (s *recordingSink) list() []model.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.OrderRequest(nil), s.orders...)
}

func newLedger(sink model.OrderSink) *Ledger {
	return New(Config{Sink: sink, CommissionRate: d("0.0004")})
}

func TestApply_OpenAndCloseLong(t *testing.T) {
	sink := &recordingSink{}
	l := newLedger(sink)
	ctx := context.Background()

	res, err := l.Apply(ctx, "BTC", model.SignalOpenLong, d("100"), d("1"), d("0.001"), t0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !res.Opened || res.Closed || res.Flipped {
		t.Fatalf("unexpected result %+v", res)
	}
	pos := l.GetPosition("BTC")
	if pos.Side != model.Long || !pos.EntryPrice.Equal(d("100.1")) {
		t.Fatalf("expected long @100.1, got %s @%s", pos.Side, pos.EntryPrice)
	}

	res, err = l.Apply(ctx, "BTC", model.SignalCloseLong, d("110"), d("1"), d("0.001"), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.Closed || res.Trade == nil {
		t.Fatalf("expected close with trade, got %+v", res)
	}
	tr := res.Trade
	// exit 110 * 0.999 = 109.89
	if !tr.ExitPrice.Equal(d("109.89")) {
		t.Errorf("expected exit 109.89, got %s", tr.ExitPrice)
	}
	if !tr.GrossPnL.Equal(d("9.79")) {
		t.Errorf("expected gross 9.79, got %s", tr.GrossPnL)
	}
	if !tr.Commission.Equal(d("0.083996")) {
		t.Errorf("expected commission 0.083996, got %s", tr.Commission)
	}
	if !tr.NetPnL.Equal(tr.GrossPnL.Sub(tr.Commission)) {
		t.Errorf("net %s != gross - commission", tr.NetPnL)
	}
	if tr.Holding != time.Hour || tr.Reason != model.ReasonSignalExit {
		t.Errorf("unexpected holding/reason %v/%s", tr.Holding, tr.Reason)
	}
	if tr.ID == "" {
		t.Error("trade id should be set")
	}
	if l.GetPosition("BTC").IsOpen() {
		t.Error("position should be flat after close")
	}

	orders := sink.list()
	if len(orders) != 2 || orders[0].Side != model.Buy || orders[1].Side != model.Sell || !orders[1].ReduceOnly {
		t.Fatalf("unexpected orders %+v", orders)
	}
	if orders[0].ClientOrderID == "" || orders[0].ClientOrderID == orders[1].ClientOrderID {
		t.Error("client order ids must be set and unique")
	}
}

func TestApply_ShortPnL(t *testing.T) {
	l := newLedger(&recordingSink{})
	ctx := context.Background()
	l.Apply(ctx, "ETH", model.SignalOpenShort, d("200"), d("2"), decimal.Zero, t0)
	res, err := l.Close(ctx, "ETH", d("190"), decimal.Zero, model.ReasonManual, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	// gross (200-190)*2 = 20; commission (200+190)*2*0.0004 = 0.312
	if !res.Trade.GrossPnL.Equal(d("20")) || !res.Trade.NetPnL.Equal(d("19.688")) {
		t.Fatalf("unexpected pnl gross=%s net=%s", res.Trade.GrossPnL, res.Trade.NetPnL)
	}
	// 19.688 / 400 * 100
	if !res.Trade.ReturnPct.Equal(d("4.922")) {
		t.Fatalf("expected return 4.922%%, got %s", res.Trade.ReturnPct)
	}
}

func TestApply_FlipIsSingleOperation(t *testing.T) {
	sink := &recordingSink{}
	l := newLedger(sink)
	ctx := context.Background()

	l.Apply(ctx, "BTC", model.SignalOpenShort, d("100"), d("1"), decimal.Zero, t0)

	observed := make(chan model.Position, 1)
	sink.onOrder = func(n int) {
		if n == 2 { // closing leg of the flip
			go func() { observed <- l.GetPosition("BTC") }()
		}
	}

	res, err := l.Apply(ctx, "BTC", model.SignalOpenLong, d("95"), d("1"), decimal.Zero, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("flip: %v", err)
	}
	if !res.Opened || !res.Closed || !res.Flipped {
		t.Fatalf("expected flip, got %+v", res)
	}
	if res.Trade.Reason != model.ReasonSignalFlip || !res.Trade.GrossPnL.Equal(d("5")) {
		t.Fatalf("unexpected flip trade %+v", res.Trade)
	}
	if res.Position.Side != model.Long {
		t.Fatalf("expected long after flip, got %s", res.Position.Side)
	}

	select {
	case pos := <-observed:
		if pos.Side != model.Long {
			t.Fatalf("reader observed %s mid-flip", pos.Side)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader never returned")
	}

	orders := sink.list()
	if len(orders) != 3 || !orders[1].ReduceOnly || orders[2].ReduceOnly {
		t.Fatalf("expected reduce-only close then open, got %+v", orders)
	}
}

func TestApply_MismatchedCloseIsNoop(t *testing.T) {
	sink := &recordingSink{}
	l := newLedger(sink)
	ctx := context.Background()
	l.Apply(ctx, "BTC", model.SignalOpenLong, d("100"), d("1"), decimal.Zero, t0)

	res, err := l.Apply(ctx, "BTC", model.SignalCloseShort, d("90"), d("1"), decimal.Zero, t0)
	if err != nil || res.Closed {
		t.Fatalf("expected no-op, got %+v %v", res, err)
	}
	if l.GetPosition("BTC").Side != model.Long || len(sink.list()) != 1 {
		t.Fatal("mismatched close must not touch the position")
	}

	// Same-direction open is also a no-op.
	res, _ = l.Apply(ctx, "BTC", model.SignalOpenLong, d("101"), d("1"), decimal.Zero, t0)
	if res.Opened || len(sink.list()) != 1 {
		t.Fatal("open in held direction must not trade")
	}
}

func TestApply_SubmissionFailureKeepsState(t *testing.T) {
	sink := &recordingSink{failAt: map[int]bool{1: true}}
	l := newLedger(sink)

	res, err := l.Apply(context.Background(), "BTC", model.SignalOpenLong, d("100"), d("1"), decimal.Zero, t0)
	if !errors.Is(err, ErrOrderSubmission) {
		t.Fatalf("expected ErrOrderSubmission, got %v", err)
	}
	if res.Opened || l.GetPosition("BTC").IsOpen() {
		t.Fatal("no position may be recorded for a rejected order")
	}
	if len(l.TradeHistory()) != 0 {
		t.Fatal("no trade may be recorded for a rejected order")
	}
}

func TestApply_FlipWithFailedClose(t *testing.T) {
	sink := &recordingSink{failAt: map[int]bool{2: true}}
	l := newLedger(sink)
	ctx := context.Background()
	l.Apply(ctx, "BTC", model.SignalOpenLong, d("100"), d("1"), decimal.Zero, t0)

	res, err := l.Apply(ctx, "BTC", model.SignalOpenShort, d("90"), d("1"), decimal.Zero, t0)
	if !errors.Is(err, ErrOrderSubmission) || res.Closed || res.Opened {
		t.Fatalf("expected failed flip without effects, got %+v %v", res, err)
	}
	if pos := l.GetPosition("BTC"); pos.Side != model.Long {
		t.Fatalf("expected long kept, got %s", pos.Side)
	}
}

func TestApply_FlipWithFailedOpen(t *testing.T) {
	sink := &recordingSink{failAt: map[int]bool{3: true}}
	l := newLedger(sink)
	ctx := context.Background()
	l.Apply(ctx, "BTC", model.SignalOpenLong, d("100"), d("1"), decimal.Zero, t0)

	res, err := l.Apply(ctx, "BTC", model.SignalOpenShort, d("90"), d("1"), decimal.Zero, t0)
	if !errors.Is(err, ErrOrderSubmission) {
		t.Fatalf("expected ErrOrderSubmission, got %v", err)
	}
	if !res.Closed || res.Opened || res.Flipped {
		t.Fatalf("expected closed-only result, got %+v", res)
	}
	if l.GetPosition("BTC").IsOpen() {
		t.Fatal("slot should be flat after a half flip")
	}
	if len(l.TradeHistory()) != 1 {
		t.Fatal("the executed close must be recorded")
	}
}

func TestApply_QuantizesOrders(t *testing.T) {
	q := quantizer.New()
	q.Register(model.Instrument{ID: "BTC", TickSize: d("0.1"), LotPrecision: 3})
	sink := &recordingSink{}
	l := New(Config{Sink: sink, Quantizer: q, CommissionRate: d("0.0004")})
	ctx := context.Background()

	if _, err := l.Apply(ctx, "BTC", model.SignalOpenLong, d("67892.567"), d("0.0019"), decimal.Zero, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Apply(ctx, "BTC", model.SignalCloseLong, d("67892.567"), d("0.0019"), decimal.Zero, t0); err != nil {
		t.Fatal(err)
	}
	orders := sink.list()
	if orders[0].Price != "67892.6" || orders[0].Size != "0.001" {
		t.Errorf("buy should round price up: %+v", orders[0])
	}
	if orders[1].Price != "67892.5" || orders[1].Size != "0.001" {
		t.Errorf("sell should round price down: %+v", orders[1])
	}
	tr := l.TradeHistory()[0]
	if !tr.EntryPrice.Equal(d("67892.6")) || !tr.ExitPrice.Equal(d("67892.5")) {
		t.Errorf("trade prices must sit on the tick grid: %s / %s", tr.EntryPrice, tr.ExitPrice)
	}
}

func TestApply_UnregisteredInstrument(t *testing.T) {
	q := quantizer.New()
	ctx := context.Background()

	lax := New(Config{Sink: &recordingSink{}, Quantizer: q})
	if _, err := lax.Apply(ctx, "DOGE", model.SignalOpenLong, d("0.123456"), d("10"), decimal.Zero, t0); err != nil {
		t.Fatalf("lax ledger should fall back to unrounded values: %v", err)
	}

	strictSink := &recordingSink{}
	strict := New(Config{Sink: strictSink, Quantizer: q, Strict: true})
	_, err := strict.Apply(ctx, "DOGE", model.SignalOpenLong, d("0.123456"), d("10"), decimal.Zero, t0)
	if !errors.Is(err, quantizer.ErrUnregisteredInstrument) {
		t.Fatalf("expected ErrUnregisteredInstrument, got %v", err)
	}
	if len(strictSink.list()) != 0 {
		t.Fatal("strict ledger must not send unrounded orders")
	}
}

func TestApply_SizeTruncatedToZero(t *testing.T) {
	q := quantizer.New()
	q.Register(model.Instrument{ID: "BTC", TickSize: d("0.1"), LotPrecision: 3})
	l := New(Config{Sink: &recordingSink{}, Quantizer: q})
	_, err := l.Apply(context.Background(), "BTC", model.SignalOpenLong, d("100"), d("0.0004"), decimal.Zero, t0)
	if !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestApply_InvalidPrice(t *testing.T) {
	sink := &recordingSink{}
	l := newLedger(sink)
	_, err := l.Apply(context.Background(), "BTC", model.SignalOpenLong, decimal.Zero, d("1"), decimal.Zero, t0)
	if !errors.Is(err, model.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if len(sink.list()) != 0 {
		t.Fatal("invalid price must not reach the sink")
	}
}

func TestApply_AdmissionTimeoutPropagates(t *testing.T) {
	gov := ratelimit.New(ratelimit.Config{MaxPerSecond: 1, MaxWait: time.Millisecond})
	sink := &recordingSink{}
	l := New(Config{Sink: sink, Governor: gov})
	ctx := context.Background()

	if _, err := l.Apply(ctx, "BTC", model.SignalOpenLong, d("100"), d("1"), decimal.Zero, t0); err != nil {
		t.Fatalf("first leg: %v", err)
	}
	_, err := l.Apply(ctx, "BTC", model.SignalCloseLong, d("100"), d("1"), decimal.Zero, t0)
	if !errors.Is(err, ratelimit.ErrAdmissionTimeout) {
		t.Fatalf("expected ErrAdmissionTimeout, got %v", err)
	}
	if l.GetPosition("BTC").Side != model.Long {
		t.Fatal("position must survive a refused admission")
	}
	if len(sink.list()) != 1 {
		t.Fatal("refused leg must not reach the sink")
	}
}

func TestCheckStopLossAndTakeProfit(t *testing.T) {
	l := newLedger(&recordingSink{})
	ctx := context.Background()
	l.Apply(ctx, "BTC", model.SignalOpenLong, d("100"), d("1"), decimal.Zero, t0)

	if !l.CheckStopLoss("BTC", d("97"), d("0.02")) {
		t.Error("3% loss should trigger a 2% stop")
	}
	if l.CheckStopLoss("BTC", d("99"), d("0.02")) {
		t.Error("1% loss should not trigger a 2% stop")
	}
	if !l.CheckStopLoss("BTC", d("98"), d("0.02")) {
		t.Error("exactly 2% loss should trigger")
	}
	if l.CheckTakeProfit("BTC", d("104"), d("0.05")) {
		t.Error("4% gain should not take a 5% profit")
	}
	if !l.CheckTakeProfit("BTC", d("105"), d("0.05")) {
		t.Error("5% gain should take a 5% profit")
	}
	if l.CheckStopLoss("BTC", d("50"), decimal.Zero) {
		t.Error("zero threshold disables the stop")
	}

	l.Apply(ctx, "ETH", model.SignalOpenShort, d("100"), d("1"), decimal.Zero, t0)
	if !l.CheckStopLoss("ETH", d("103"), d("0.02")) {
		t.Error("short stop should trigger on a rise")
	}
	if !l.CheckTakeProfit("ETH", d("94"), d("0.05")) {
		t.Error("short profit should trigger on a fall")
	}
	if l.CheckStopLoss("SOL", d("1"), d("0.02")) {
		t.Error("flat instrument never triggers")
	}
}

func TestTotalPnL_EqualsSumOfTrades(t *testing.T) {
	l := newLedger(&recordingSink{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	signals := []model.Signal{model.SignalOpenLong, model.SignalOpenShort, model.SignalCloseLong, model.SignalCloseShort, model.SignalNone}

	for i := 0; i < 500; i++ {
		inst := []string{"BTC", "ETH"}[rng.Intn(2)]
		price := decimal.NewFromFloat(50 + rng.Float64()*100).Round(2)
		sig := signals[rng.Intn(len(signals))]
		if _, err := l.Apply(ctx, inst, sig, price, d("0.5"), d("0.001"), t0.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	trades := l.TradeHistory()
	if len(trades) == 0 {
		t.Fatal("expected some trades")
	}
	sum := decimal.Zero
	for _, tr := range trades {
		if !tr.NetPnL.Equal(tr.GrossPnL.Sub(tr.Commission)) {
			t.Fatalf("trade %s: net != gross - commission", tr.ID)
		}
		sum = sum.Add(tr.NetPnL)
	}
	if !l.TotalPnL().Equal(sum) {
		t.Fatalf("TotalPnL %s != sum %s", l.TotalPnL(), sum)
	}
}

func TestApply_ConcurrentSameInstrument(t *testing.T) {
	sink := &recordingSink{}
	l := newLedger(sink)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sig := model.SignalOpenLong
				if (g+i)%2 == 0 {
					sig = model.SignalOpenShort
				}
				l.Apply(ctx, "BTC", sig, d("100"), d("1"), decimal.Zero, t0)
			}
		}(g)
	}
	wg.Wait()

	opens, closes := 0, 0
	for _, o := range sink.list() {
		if o.ReduceOnly {
			closes++
		} else {
			opens++
		}
	}
	if opens-closes != 1 {
		t.Fatalf("expected exactly one open position, opens=%d closes=%d", opens, closes)
	}
	if len(l.TradeHistory()) != closes {
		t.Fatalf("each close must record one trade: %d vs %d", len(l.TradeHistory()), closes)
	}
	if len(l.OpenPositions()) != 1 {
		t.Fatalf("expected one open position, got %d", len(l.OpenPositions()))
	}
}

func TestOnTradeHook(t *testing.T) {
	l := newLedger(&recordingSink{})
	var got []model.TradeRecord
	l.OnTrade = func(tr model.TradeRecord) { got = append(got, tr) }
	ctx := context.Background()
	l.Apply(ctx, "BTC", model.SignalOpenLong, d("100"), d("1"), decimal.Zero, t0)
	l.Close(ctx, "BTC", d("102"), decimal.Zero, model.ReasonTakeProfit, t0)
	if len(got) != 1 || got[0].Reason != model.ReasonTakeProfit {
		t.Fatalf("expected one take-profit trade, got %+v", got)
	}
	if !l.UnrealizedPnL("BTC", d("200")).IsZero() {
		t.Fatal("flat position has no unrealized pnl")
	}
}
