package backtest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
)

// Report summarizes one backtest run. Percentages are in percent units.
type Report struct {
	Instrument string
	Candles    int
	Start      time.Time
	End        time.Time

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRatePct    float64

	InitialCapital decimal.Decimal
	FinalCapital   decimal.Decimal
	TotalPnL       decimal.Decimal
	TotalReturnPct float64
	AvgWin         decimal.Decimal
	AvgLoss        decimal.Decimal
	ProfitFactor   float64

	MaxDrawdownPct float64
	Sharpe         float64

	Trades []model.TradeRecord
	Equity []EquityPoint
}

func buildReport(instrument string, capital decimal.Decimal, annualization float64, trades []model.TradeRecord, curve []EquityPoint) *Report {
	rep := &Report{
		Instrument:     instrument,
		InitialCapital: capital,
		FinalCapital:   capital,
		Trades:         trades,
		Equity:         curve,
	}
	if len(curve) > 0 {
		rep.Start, rep.End = curve[0].TS, curve[len(curve)-1].TS
	}
	if len(trades) == 0 {
		return rep
	}

	var wins, losses decimal.Decimal
	for _, t := range trades {
		rep.TotalPnL = rep.TotalPnL.Add(t.NetPnL)
		if t.NetPnL.IsPositive() {
			rep.WinningTrades++
			wins = wins.Add(t.NetPnL)
		} else {
			rep.LosingTrades++
			losses = losses.Add(t.NetPnL)
		}
	}
	rep.TotalTrades = len(trades)
	rep.WinRatePct = float64(rep.WinningTrades) / float64(rep.TotalTrades) * 100
	rep.FinalCapital = capital.Add(rep.TotalPnL)
	if capital.IsPositive() {
		rep.TotalReturnPct = rep.TotalPnL.Div(capital).InexactFloat64() * 100
	}
	if rep.WinningTrades > 0 {
		rep.AvgWin = wins.Div(decimal.NewFromInt(int64(rep.WinningTrades)))
	}
	if rep.LosingTrades > 0 {
		rep.AvgLoss = losses.Div(decimal.NewFromInt(int64(rep.LosingTrades)))
	}
	if !rep.AvgLoss.IsZero() {
		rep.ProfitFactor = rep.AvgWin.Div(rep.AvgLoss).Abs().InexactFloat64()
	}

	equity := make([]float64, len(curve))
	for i, p := range curve {
		equity[i] = p.Total.InexactFloat64()
	}
	rep.MaxDrawdownPct = maxDrawdown(equity) * 100
	rep.Sharpe = sharpe(equity, annualization)
	return rep
}

// maxDrawdown is the largest (peak - equity) / peak over the curve.
func maxDrawdown(equity []float64) float64 {
	var peak, worst float64
	for i, eq := range equity {
		if i == 0 || eq > peak {
			peak = eq
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpe is mean/stdev of per-step equity returns scaled by
// sqrt(annualization). Zero when fewer than two returns or no variance.
func sharpe(equity []float64, annualization float64) float64 {
	returns := make([]float64, 0, len(equity))
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		returns = append(returns, (equity[i]-equity[i-1])/equity[i-1])
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(len(returns)-1))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(annualization)
}

// Summary renders the report as aligned text.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument:      %s\n", r.Instrument)
	if !r.Start.IsZero() {
		fmt.Fprintf(&b, "Period:          %s .. %s (%d candles)\n",
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), r.Candles)
	}
	fmt.Fprintf(&b, "Trades:          %d (won %d, lost %d, win rate %.2f%%)\n",
		r.TotalTrades, r.WinningTrades, r.LosingTrades, r.WinRatePct)
	fmt.Fprintf(&b, "Total P&L:       %s (%.2f%%)\n", r.TotalPnL.StringFixed(2), r.TotalReturnPct)
	fmt.Fprintf(&b, "Avg win / loss:  %s / %s\n", r.AvgWin.StringFixed(2), r.AvgLoss.StringFixed(2))
	fmt.Fprintf(&b, "Profit factor:   %.2f\n", r.ProfitFactor)
	fmt.Fprintf(&b, "Max drawdown:    %.2f%%\n", r.MaxDrawdownPct)
	fmt.Fprintf(&b, "Sharpe:          %.2f\n", r.Sharpe)
	fmt.Fprintf(&b, "Capital:         %s -> %s\n", r.InitialCapital.StringFixed(2), r.FinalCapital.StringFixed(2))
	return b.String()
}
