// cmd/fetchcandles downloads historical candles from the venue into the
// SQLite candle store, optionally mirroring them to CSV for backtests.
//
// Usage:
//
//	go run ./cmd/fetchcandles --instrument=10000001 --interval=15m --count=5000 --csv=data/btc_15m.csv
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

	"perp-trader/config"
	"perp-trader/internal/backtest"
	"perp-trader/internal/logger"
	sqlitestore "perp-trader/internal/store/sqlite"
	"perp-trader/pkg/venue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	baseURL := flag.String("base-url", cfg.VenueBaseURL, "Venue REST base URL")
	instruments := flag.String("instrument", "", "Instrument id(s), comma-separated (required)")
	interval := flag.Duration("interval", cfg.CandleInterval, "Candle interval")
	count := flag.Int("count", 1000, "Number of most recent candles to fetch")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite candle store")
	csvPath := flag.String("csv", "", "Also write candles to this CSV (single instrument only)")
	flag.Parse()

	level, _ := logger.ParseLevel(cfg.LogLevel)
	log := logger.Init("fetchcandles", level)

	ids := strings.Split(*instruments, ",")
	if *instruments == "" {
		log.Error("--instrument is required")
		os.Exit(2)
	}
	if *csvPath != "" && len(ids) != 1 {
		log.Error("--csv needs exactly one instrument")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fetch(ctx, log, *baseURL, ids, *interval, *count, *dbPath, *csvPath); err != nil {
		log.Error("fetch failed", "error", err)
		os.Exit(1)
	}
}

func fetch(ctx context.Context, log *slog.Logger, baseURL string, ids []string, interval time.Duration, count int, dbPath, csvPath string) error {
	client, err := venue.NewClient(venue.Config{BaseURL: baseURL, Logger: log})
	if err != nil {
		return err
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, id := range ids {
		id = strings.TrimSpace(id)
		prev, err := store.LastTimestamp(id, interval)
		if err != nil {
			return err
		}
		candles, err := client.GetCandles(ctx, id, interval, count)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		// The newest candle is usually still forming.
		if n := len(candles); n > 0 && !candles[n-1].TS.Add(interval).Before(time.Now()) {
			candles = candles[:n-1]
		}
		if err := store.SaveCandles(id, interval, candles); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		attrs := []any{"instrument", id, "interval", interval.String(), "candles", len(candles)}
		if len(candles) > 0 {
			attrs = append(attrs, "from", candles[0].TS, "to", candles[len(candles)-1].TS)
		}
		if !prev.IsZero() {
			attrs = append(attrs, "previous_last", prev)
		}
		log.Info("candles stored", attrs...)

		if csvPath != "" {
			f, err := os.Create(csvPath)
			if err != nil {
				return err
			}
			if err := backtest.WriteCandlesCSV(f, candles); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
