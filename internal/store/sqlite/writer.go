// Package sqlite stores historical candles for backtests and warm starts.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"perp-trader/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const defaultBatchSize = 500

// Store is a SQLite candle table keyed by (instrument, interval, ts).
// Prices are stored as decimal text so nothing is lost to float rounding.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var _ model.CandleStore = (*Store)(nil)

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens or creates the database at path, in WAL mode.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := slog.Default().With("component", "sqlite")
	log.Info("opened database", "path", path)
	return &Store{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			instrument TEXT    NOT NULL,
			interval_s INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			open       TEXT    NOT NULL,
			high       TEXT    NOT NULL,
			low        TEXT    NOT NULL,
			close      TEXT    NOT NULL,
			volume     TEXT    NOT NULL,
			PRIMARY KEY (instrument, interval_s, ts)
		);
	`)
	return err
}

// SaveCandles upserts candles in transactions of defaultBatchSize rows.
// A later save of the same timestamp replaces the earlier row.
func (s *Store) SaveCandles(instrument string, interval time.Duration, candles []model.Candle) error {
	start := time.Now()
	for i := 0; i < len(candles); i += defaultBatchSize {
		end := min(i+defaultBatchSize, len(candles))
		if err := s.insertBatch(instrument, interval, candles[i:end]); err != nil {
			return fmt.Errorf("sqlite save %s: %w", instrument, err)
		}
	}
	s.log.Debug("saved candles", "instrument", instrument, "interval", interval.String(),
		"count", len(candles), "took", time.Since(start))
	return nil
}

func (s *Store) insertBatch(instrument string, interval time.Duration, candles []model.Candle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (instrument, interval_s, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	secs := int64(interval / time.Second)
	for _, c := range candles {
		_, err := stmt.Exec(instrument, secs, c.TS.Unix(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String())
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
