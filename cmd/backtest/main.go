// cmd/backtest replays historical candles through the signal engine and
// ledger and prints a performance report per instrument.
//
// Usage:
//
//	go run ./cmd/backtest --csv=data/btc_15m.csv --instrument=BTC-PERP
//	go run ./cmd/backtest --db=data/trader.db --interval=15m --instrument=10000001,10000002
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"perp-trader/config"
	"perp-trader/internal/backtest"
	"perp-trader/internal/logger"
	"perp-trader/internal/model"
	"perp-trader/internal/quantizer"
	sqlitestore "perp-trader/internal/store/sqlite"
	"perp-trader/internal/strategy"
)

func main() {
	csvPath := flag.String("csv", "", "CSV candle file (timestamp,open,high,low,close,volume)")
	dbPath := flag.String("db", "", "SQLite candle store (alternative to --csv)")
	instruments := flag.String("instrument", "", "Instrument id(s), comma-separated; --db with none runs every stored instrument")
	interval := flag.Duration("interval", 15*time.Minute, "Candle interval to load from --db")
	period := flag.Int("period", 50, "Reference line look-back")
	modeStr := flag.String("mode", "crossing", "Signal mode: crossing|momentum")
	maShort := flag.Int("ma-short", 25, "Momentum short average")
	maLong := flag.Int("ma-long", 200, "Momentum long average")
	size := flag.String("size", "1", "Position size per trade")
	sl := flag.String("sl", "0.02", "Stop-loss fraction (0 disables)")
	tp := flag.String("tp", "0.05", "Take-profit fraction (0 disables)")
	capital := flag.String("capital", "10000", "Initial capital")
	slippage := flag.String("slippage", "0.001", "Slippage fraction")
	commission := flag.String("commission", "0.0004", "Commission rate per leg")
	instFile := flag.String("instruments-file", "", "Optional instrument table for price/size quantization")
	outDir := flag.String("out", "", "Directory for <instrument>_trades.csv and <instrument>_equity.csv")
	logLevel := flag.String("log-level", "warn", "debug|info|warn|error")
	flag.Parse()

	level, _ := logger.ParseLevel(*logLevel)
	log := logger.Init("backtest", level)

	if err := run(log, options{
		csvPath: *csvPath, dbPath: *dbPath, instruments: splitList(*instruments), interval: *interval,
		period: *period, mode: *modeStr, maShort: *maShort, maLong: *maLong,
		size: *size, sl: *sl, tp: *tp, capital: *capital, slippage: *slippage, commission: *commission,
		instFile: *instFile, outDir: *outDir,
	}); err != nil {
		log.Error("backtest failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	csvPath, dbPath string
	instruments     []string
	interval        time.Duration

	period          int
	mode            string
	maShort, maLong int

	size, sl, tp, capital, slippage, commission string

	instFile, outDir string
}

func run(log *slog.Logger, o options) error {
	mode, err := strategy.ParseMode(o.mode)
	if err != nil {
		return err
	}
	dec := map[string]decimal.Decimal{}
	for name, s := range map[string]string{
		"size": o.size, "sl": o.sl, "tp": o.tp, "capital": o.capital,
		"slippage": o.slippage, "commission": o.commission,
	} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		dec[name] = d
	}

	var quant *quantizer.Quantizer
	if o.instFile != "" {
		insts, err := config.LoadInstruments(o.instFile)
		if err != nil {
			return err
		}
		quant = quantizer.New()
		for _, inst := range insts {
			if err := quant.Register(inst); err != nil {
				return err
			}
		}
	}

	series, order, err := loadSeries(o)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bc := backtest.DefaultConfig()
	bc.Period, bc.Mode, bc.MAShort, bc.MALong = o.period, mode, o.maShort, o.maLong
	bc.InitialCapital = dec["capital"]
	bc.Slippage = dec["slippage"]
	bc.CommissionRate = dec["commission"]
	bc.Quantizer = quant
	bc.Logger = log
	r := backtest.New(bc)
	params := backtest.Params{
		PositionSize:  dec["size"],
		StopLossPct:   dec["sl"],
		TakeProfitPct: dec["tp"],
	}

	failed := 0
	for _, res := range r.RunBatch(ctx, series, order, params) {
		if res.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", res.Instrument, res.Err)
			continue
		}
		fmt.Println(res.Report.Summary())
		if o.outDir != "" {
			if err := writeOutputs(o.outDir, res.Report); err != nil {
				return err
			}
		}
	}
	if failed == len(order) {
		return fmt.Errorf("all %d backtests failed", failed)
	}
	return nil
}

func loadSeries(o options) (map[string][]model.Candle, []string, error) {
	series := make(map[string][]model.Candle)
	switch {
	case o.csvPath != "":
		if len(o.instruments) != 1 {
			return nil, nil, fmt.Errorf("--csv needs exactly one --instrument")
		}
		f, err := os.Open(o.csvPath)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		candles, err := backtest.LoadCSV(f, o.instruments[0])
		if err != nil {
			return nil, nil, err
		}
		series[o.instruments[0]] = candles
		return series, o.instruments, nil

	case o.dbPath != "":
		store, err := sqlitestore.Open(o.dbPath)
		if err != nil {
			return nil, nil, err
		}
		defer store.Close()
		order := o.instruments
		if len(order) == 0 {
			if order, err = store.Instruments(o.interval); err != nil {
				return nil, nil, err
			}
			if len(order) == 0 {
				return nil, nil, fmt.Errorf("no %s candles in %s", o.interval, o.dbPath)
			}
		}
		for _, inst := range order {
			candles, err := store.LoadCandles(inst, o.interval)
			if err != nil {
				return nil, nil, err
			}
			if len(candles) > 0 {
				series[inst] = candles
			}
		}
		return series, order, nil
	}
	return nil, nil, fmt.Errorf("one of --csv or --db is required")
}

func writeOutputs(dir string, rep *backtest.Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	write := func(name string, fn func(*os.File) error) error {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	if err := write(rep.Instrument+"_trades.csv", func(f *os.File) error {
		return backtest.WriteTradesCSV(f, rep.Trades)
	}); err != nil {
		return err
	}
	return write(rep.Instrument+"_equity.csv", func(f *os.File) error {
		return backtest.WriteEquityCSV(f, rep.Equity)
	})
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
