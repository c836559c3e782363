package execution

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
)

// Journal persists closed trades to SQLite for analysis and audit.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenJournal opens (or creates) a SQLite trade journal.
func OpenJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id           TEXT PRIMARY KEY,
		instrument   TEXT NOT NULL,
		side         TEXT NOT NULL,
		entry_price  TEXT NOT NULL,
		exit_price   TEXT NOT NULL,
		size         TEXT NOT NULL,
		entry_time   INTEGER NOT NULL,
		exit_time    INTEGER NOT NULL,
		gross_pnl    TEXT NOT NULL,
		commission   TEXT NOT NULL,
		net_pnl      TEXT NOT NULL,
		return_pct   TEXT NOT NULL,
		reason       TEXT NOT NULL,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades(instrument);
	CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("trade journal opened", "component", "journal", "path", dbPath)
	return &Journal{db: db}, nil
}

// RecordTrade persists t. Re-recording the same id is a no-op.
func (j *Journal) RecordTrade(ctx context.Context, t model.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trades (id, instrument, side, entry_price, exit_price, size,
			entry_time, exit_time, gross_pnl, commission, net_pnl, return_pct, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Instrument, t.Side.String(),
		t.EntryPrice.String(), t.ExitPrice.String(), t.Size.String(),
		t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli(),
		t.GrossPnL.String(), t.Commission.String(), t.NetPnL.String(), t.ReturnPct.String(),
		t.Reason.String(),
	)
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", t.ID, err)
	}
	return nil
}

// Trades returns the last limit trades, newest first.
func (j *Journal) Trades(limit int) ([]model.TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, instrument, side, entry_price, exit_price, size, entry_time, exit_time,
			gross_pnl, commission, net_pnl, return_pct, reason
		 FROM trades ORDER BY exit_time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var (
			t                           model.TradeRecord
			side, reason                string
			entry, exit, size           string
			gross, commission, net, ret string
			entryMs, exitMs             int64
		)
		if err := rows.Scan(&t.ID, &t.Instrument, &side, &entry, &exit, &size, &entryMs, &exitMs,
			&gross, &commission, &net, &ret, &reason); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			s   string
			dst *decimal.Decimal
		}{{entry, &t.EntryPrice}, {exit, &t.ExitPrice}, {size, &t.Size},
			{gross, &t.GrossPnL}, {commission, &t.Commission}, {net, &t.NetPnL}, {ret, &t.ReturnPct}} {
			v, err := decimal.NewFromString(f.s)
			if err != nil {
				return nil, fmt.Errorf("journal: trade %s: %w", t.ID, err)
			}
			*f.dst = v
		}
		t.Side = parseSide(side)
		t.Reason = parseReason(reason)
		t.EntryTime = time.UnixMilli(entryMs).UTC()
		t.ExitTime = time.UnixMilli(exitMs).UTC()
		t.Holding = t.ExitTime.Sub(t.EntryTime)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func parseSide(s string) model.PositionSide {
	for _, side := range []model.PositionSide{model.Long, model.Short} {
		if side.String() == s {
			return side
		}
	}
	return model.Flat
}

func parseReason(s string) model.CloseReason {
	for _, r := range []model.CloseReason{model.ReasonStopLoss, model.ReasonTakeProfit, model.ReasonSignalFlip, model.ReasonSignalExit} {
		if r.String() == s {
			return r
		}
	}
	return model.ReasonManual
}
