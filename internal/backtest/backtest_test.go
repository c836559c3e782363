package backtest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
	"perp-trader/internal/strategy"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func closes(prices ...decimal.Decimal) []model.Candle {
	out := make([]model.Candle, len(prices))
	for i, p := range prices {
		out[i] = model.FlatCandle("BTC", t0.Add(time.Duration(i)*15*time.Minute), p)
	}
	return out
}

func repeat(n int, p string) []decimal.Decimal {
	out := make([]decimal.Decimal, n)
	for i := range out {
		out[i] = d(p)
	}
	return out
}

func defaultParams() Params {
	return Params{PositionSize: d("1"), StopLossPct: d("0.02"), TakeProfitPct: d("0.05")}
}

func checkEquity(t *testing.T, rep *Report) {
	t.Helper()
	sum := decimal.Zero
	for _, tr := range rep.Trades {
		sum = sum.Add(tr.NetPnL)
	}
	for i, p := range rep.Equity {
		if !p.Total.Equal(p.Realized.Add(p.Unrealized)) {
			t.Fatalf("point %d: total %s != realized %s + unrealized %s", i, p.Total, p.Realized, p.Unrealized)
		}
	}
	if n := len(rep.Equity); n > 0 {
		last := rep.Equity[n-1]
		if !last.Realized.Equal(rep.InitialCapital.Add(sum)) {
			t.Fatalf("final realized %s != capital + sum(net) %s", last.Realized, rep.InitialCapital.Add(sum))
		}
	}
	if !rep.FinalCapital.Equal(rep.InitialCapital.Add(rep.TotalPnL)) || !rep.TotalPnL.Equal(sum) {
		t.Fatalf("final capital %s inconsistent with total pnl %s", rep.FinalCapital, rep.TotalPnL)
	}
}

func TestRun_ScenarioD_RisingSeriesSingleTrade(t *testing.T) {
	prices := make([]decimal.Decimal, 300)
	for i := range prices {
		prices[i] = d("100").Add(d("0.01").Mul(decimal.NewFromInt(int64(i))))
	}
	r := New(DefaultConfig())
	rep, err := r.Run(context.Background(), "BTC", closes(prices...), defaultParams())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.TotalTrades != 1 {
		t.Fatalf("expected total_trades == 1, got %d", rep.TotalTrades)
	}
	tr := rep.Trades[0]
	if tr.Side != model.Long {
		t.Errorf("expected the single trade to be long, got %s", tr.Side)
	}
	if tr.Reason != model.ReasonManual {
		t.Errorf("expected end-of-data close, got %s", tr.Reason)
	}
	if !tr.EntryTime.Equal(t0.Add(50 * 15 * time.Minute)) {
		t.Errorf("expected entry at candle 50, got %v", tr.EntryTime)
	}
	if len(rep.Equity) != 250 {
		t.Errorf("expected one equity point per evaluated candle (250), got %d", len(rep.Equity))
	}
	checkEquity(t, rep)
}

func TestRun_ZeroTradesIsNeutral(t *testing.T) {
	r := New(DefaultConfig())
	rep, err := r.Run(context.Background(), "BTC", closes(repeat(80, "100")...), defaultParams())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.TotalTrades != 0 || rep.WinRatePct != 0 || rep.ProfitFactor != 0 || rep.Sharpe != 0 || rep.MaxDrawdownPct != 0 {
		t.Fatalf("expected neutral report, got %+v", rep)
	}
	if !rep.FinalCapital.Equal(d("10000")) || !rep.TotalPnL.IsZero() {
		t.Fatalf("expected untouched capital, got %s", rep.FinalCapital)
	}
	for _, v := range []float64{rep.WinRatePct, rep.TotalReturnPct, rep.ProfitFactor, rep.Sharpe, rep.MaxDrawdownPct} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("neutral report must not contain NaN/Inf: %+v", rep)
		}
	}
}

func TestRun_TooShortSeries(t *testing.T) {
	r := New(DefaultConfig())
	rep, err := r.Run(context.Background(), "BTC", closes(repeat(20, "100")...), defaultParams())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.TotalTrades != 0 || len(rep.Equity) != 0 {
		t.Fatalf("expected empty run, got %+v", rep)
	}
}

func TestRun_StopLossThenReentry(t *testing.T) {
	prices := append(repeat(50, "100"), d("101"), d("98"), d("98"))
	r := New(DefaultConfig())
	rep, err := r.Run(context.Background(), "BTC", closes(prices...), defaultParams())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.TotalTrades != 2 {
		t.Fatalf("expected 2 trades, got %d: %+v", rep.TotalTrades, rep.Trades)
	}
	first, second := rep.Trades[0], rep.Trades[1]
	if first.Side != model.Long || first.Reason != model.ReasonStopLoss {
		t.Errorf("expected long stopped out, got %s/%s", first.Side, first.Reason)
	}
	// 101 * 1.001 in, 98 * 0.999 out
	if !first.EntryPrice.Equal(d("101.101")) || !first.ExitPrice.Equal(d("97.902")) {
		t.Errorf("unexpected slipped prices %s -> %s", first.EntryPrice, first.ExitPrice)
	}
	if second.Side != model.Short || second.Reason != model.ReasonManual {
		t.Errorf("expected short closed at end of data, got %s/%s", second.Side, second.Reason)
	}
	if rep.WinningTrades != 0 || rep.LosingTrades != 2 {
		t.Errorf("expected two losing trades, got %d/%d", rep.WinningTrades, rep.LosingTrades)
	}
	if rep.MaxDrawdownPct <= 0 {
		t.Errorf("expected a drawdown after the stop, got %f", rep.MaxDrawdownPct)
	}
	checkEquity(t, rep)
}

func TestRun_TakeProfit(t *testing.T) {
	prices := append(repeat(50, "100"), d("101"), d("107"), d("107"))
	r := New(DefaultConfig())
	rep, err := r.Run(context.Background(), "BTC", closes(prices...), defaultParams())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.TotalTrades < 1 || rep.Trades[0].Reason != model.ReasonTakeProfit {
		t.Fatalf("expected a take-profit close first, got %+v", rep.Trades)
	}
	if !rep.Trades[0].NetPnL.IsPositive() || rep.WinningTrades < 1 {
		t.Fatalf("take-profit trade should win: %+v", rep.Trades[0])
	}
	checkEquity(t, rep)
}

func TestRun_ZeroCloseIsSkipped(t *testing.T) {
	prices := append(repeat(50, "100"), d("101"), d("0"), d("101"))
	candles := closes(prices...)
	r := New(DefaultConfig())
	rep, err := r.Run(context.Background(), "BTC", candles, defaultParams())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.TotalTrades != 1 || rep.Trades[0].Reason != model.ReasonManual {
		t.Fatalf("expected the long to survive the zero close, got %+v", rep.Trades)
	}
	if len(rep.Equity) != 2 {
		t.Fatalf("expected 2 equity points, got %d", len(rep.Equity))
	}
	for _, p := range rep.Equity {
		if p.TS.Equal(candles[51].TS) {
			t.Fatalf("zero close must not be marked: %+v", p)
		}
	}
	checkEquity(t, rep)
}

func TestRun_ZeroFinalCloseLiquidatesAtLastPrice(t *testing.T) {
	prices := append(repeat(50, "100"), d("101"), d("102"), d("0"))
	r := New(DefaultConfig())
	rep, err := r.Run(context.Background(), "BTC", closes(prices...), defaultParams())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.TotalTrades != 1 || !rep.Trades[0].ExitPrice.Equal(d("101.898")) {
		t.Fatalf("expected liquidation at 102 * 0.999, got %+v", rep.Trades)
	}
	checkEquity(t, rep)
}

func TestRun_LogRecordsHaveNoDuplicateKeys(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	prices := append(repeat(50, "100"), d("101"), d("98"), d("98"))
	if _, err := New(cfg).Run(context.Background(), "BTC", closes(prices...), defaultParams()); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected engine and ledger records, got %q", buf.String())
	}
	for _, line := range lines {
		for _, key := range []string{`"component":`, `"instrument":`} {
			if n := strings.Count(line, key); n > 1 {
				t.Errorf("%s appears %d times in %s", key, n, line)
			}
		}
	}
}

func TestRun_ZeroCosts(t *testing.T) {
	prices := append(repeat(50, "100"), d("101"), d("98"), d("98"))
	r := New(Config{Period: 50})
	rep, err := r.Run(context.Background(), "BTC", closes(prices...), defaultParams())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	first := rep.Trades[0]
	if !first.EntryPrice.Equal(d("101")) || !first.ExitPrice.Equal(d("98")) {
		t.Errorf("expected unslipped prices, got %s -> %s", first.EntryPrice, first.ExitPrice)
	}
	if !first.Commission.IsZero() || !first.NetPnL.Equal(d("-3")) {
		t.Errorf("expected no commission and net -3, got %s / %s", first.Commission, first.NetPnL)
	}
	checkEquity(t, rep)
}

func TestRun_MalformedData(t *testing.T) {
	r := New(DefaultConfig())
	bad := closes(repeat(60, "100")...)
	bad[10].Close = d("-1")
	if _, err := r.Run(context.Background(), "BTC", bad, defaultParams()); !errors.Is(err, ErrMalformedData) {
		t.Fatalf("expected ErrMalformedData for negative close, got %v", err)
	}

	unordered := closes(repeat(60, "100")...)
	unordered[30].TS = unordered[29].TS
	_, err := r.Run(context.Background(), "BTC", unordered, defaultParams())
	if !errors.Is(err, ErrMalformedData) || !strings.Contains(err.Error(), "row 30") {
		t.Fatalf("expected diagnostic ErrMalformedData at row 30, got %v", err)
	}
}

func TestRunBatch_IsolatesFailures(t *testing.T) {
	r := New(DefaultConfig())
	bad := closes(repeat(60, "100")...)
	bad[5].High = d("1")
	series := map[string][]model.Candle{
		"GOOD": closes(append(repeat(50, "100"), d("101"), d("102"))...),
		"BAD":  bad,
	}
	results := r.RunBatch(context.Background(), series, []string{"BAD", "GOOD", "MISSING"}, defaultParams())
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !errors.Is(results[0].Err, ErrMalformedData) {
		t.Errorf("BAD: expected ErrMalformedData, got %v", results[0].Err)
	}
	if results[1].Err != nil || results[1].Report == nil || results[1].Report.TotalTrades != 1 {
		t.Errorf("GOOD: expected one trade, got %+v", results[1])
	}
	if results[2].Err == nil {
		t.Error("MISSING: expected an error")
	}
}

func TestRun_MomentumMode(t *testing.T) {
	prices := make([]decimal.Decimal, 120)
	for i := range prices {
		// Accelerating rise keeps MBI positive.
		prices[i] = d("100").Add(decimal.NewFromFloat(float64(i*i) / 1000).Round(4))
	}
	cfg := DefaultConfig()
	cfg.Period, cfg.Mode, cfg.MAShort, cfg.MALong = 10, strategy.ModeMomentum, 5, 20
	r := New(cfg)
	rep, err := r.Run(context.Background(), "BTC", closes(prices...), Params{PositionSize: d("1")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.TotalTrades != 1 || rep.Trades[0].Side != model.Long {
		t.Fatalf("expected a single long trade, got %+v", rep.Trades)
	}
	checkEquity(t, rep)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(DefaultConfig())
	if _, err := r.Run(ctx, "BTC", closes(repeat(60, "100")...), defaultParams()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReportStatistics(t *testing.T) {
	trades := []model.TradeRecord{
		{NetPnL: d("10")},
		{NetPnL: d("-5")},
		{NetPnL: d("20")},
	}
	curve := []EquityPoint{
		{TS: t0, Total: d("100")},
		{TS: t0.Add(time.Hour), Total: d("120")},
		{TS: t0.Add(2 * time.Hour), Total: d("90")},
		{TS: t0.Add(3 * time.Hour), Total: d("130")},
	}
	rep := buildReport("X", d("1000"), 252, trades, curve)
	if rep.TotalTrades != 3 || rep.WinningTrades != 2 || rep.LosingTrades != 1 {
		t.Fatalf("unexpected counts %+v", rep)
	}
	if math.Abs(rep.WinRatePct-66.6666666) > 1e-4 {
		t.Errorf("expected win rate 66.67, got %f", rep.WinRatePct)
	}
	if !rep.AvgWin.Equal(d("15")) || !rep.AvgLoss.Equal(d("-5")) {
		t.Errorf("unexpected averages %s/%s", rep.AvgWin, rep.AvgLoss)
	}
	if rep.ProfitFactor != 3 {
		t.Errorf("expected profit factor 3, got %f", rep.ProfitFactor)
	}
	if math.Abs(rep.MaxDrawdownPct-25) > 1e-9 {
		t.Errorf("expected 25%% drawdown, got %f", rep.MaxDrawdownPct)
	}
	if math.Abs(rep.TotalReturnPct-2.5) > 1e-9 || !rep.FinalCapital.Equal(d("1025")) {
		t.Errorf("unexpected return %f / capital %s", rep.TotalReturnPct, rep.FinalCapital)
	}
	if rep.Sharpe == 0 || math.IsNaN(rep.Sharpe) {
		t.Errorf("expected a finite non-zero sharpe, got %f", rep.Sharpe)
	}
	if !strings.Contains(rep.Summary(), "Trades:          3") {
		t.Errorf("summary missing trade count:\n%s", rep.Summary())
	}
}

func TestReport_NoLossesHasZeroProfitFactor(t *testing.T) {
	rep := buildReport("X", d("1000"), 252, []model.TradeRecord{{NetPnL: d("3")}}, nil)
	if rep.ProfitFactor != 0 || rep.WinRatePct != 100 {
		t.Fatalf("expected pf=0 and 100%% win rate, got %f / %f", rep.ProfitFactor, rep.WinRatePct)
	}
}

func TestSharpe_ConstantReturnsIsZero(t *testing.T) {
	if s := sharpe([]float64{100, 100, 100, 100}, 252); s != 0 {
		t.Fatalf("expected 0 for flat equity, got %f", s)
	}
	if s := sharpe([]float64{100}, 252); s != 0 {
		t.Fatalf("expected 0 for a single point, got %f", s)
	}
}

func TestLoadCSV(t *testing.T) {
	in := `Timestamp,Open,High,Low,Close,Volume
2024-01-01 00:00:00,100,101,99,100.5,12
1704068100,100.5,102,100,101.5,
1704069000000,101.5,103,101,102.5,8
`
	candles, err := LoadCSV(strings.NewReader(in), "BTC")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(candles))
	}
	if !candles[0].TS.Equal(t0) || !candles[1].TS.Equal(t0.Add(15*time.Minute)) || !candles[2].TS.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("unexpected timestamps %v %v %v", candles[0].TS, candles[1].TS, candles[2].TS)
	}
	if !candles[1].Volume.IsZero() || !candles[2].Close.Equal(d("102.5")) {
		t.Fatalf("unexpected values %+v", candles)
	}
	if err := Validate(candles); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteCandlesCSV(&buf, candles); err != nil {
		t.Fatalf("write: %v", err)
	}
	again, err := LoadCSV(&buf, "BTC")
	if err != nil || len(again) != 3 || !again[2].High.Equal(d("103")) {
		t.Fatalf("reload failed: %v %+v", err, again)
	}
}

func TestLoadCSV_Errors(t *testing.T) {
	if _, err := LoadCSV(strings.NewReader("ts,open,high,low,close\n"), "BTC"); !errors.Is(err, ErrMalformedData) {
		t.Fatalf("expected missing column error, got %v", err)
	}
	bad := "timestamp,open,high,low,close\n2024-01-01T00:00:00Z,1,2,x,1\n"
	_, err := LoadCSV(strings.NewReader(bad), "BTC")
	if !errors.Is(err, ErrMalformedData) || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line-numbered error, got %v", err)
	}
}

func TestWriteTradesAndEquityCSV(t *testing.T) {
	rep := buildReport("X", d("1000"), 252, []model.TradeRecord{{ID: "a", Instrument: "X", Side: model.Long,
		EntryPrice: d("1"), ExitPrice: d("2"), Size: d("1"), NetPnL: d("1"), Reason: model.ReasonTakeProfit}},
		[]EquityPoint{{TS: t0, Realized: d("1000"), Total: d("1000")}})

	var trades, equity bytes.Buffer
	if err := WriteTradesCSV(&trades, rep.Trades); err != nil {
		t.Fatal(err)
	}
	if err := WriteEquityCSV(&equity, rep.Equity); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(trades.String(), "take-profit") || strings.Count(trades.String(), "\n") != 2 {
		t.Errorf("unexpected trades csv:\n%s", trades.String())
	}
	if !strings.Contains(equity.String(), "2024-01-01T00:00:00Z,1000.00000000") {
		t.Errorf("unexpected equity csv:\n%s", equity.String())
	}
}
