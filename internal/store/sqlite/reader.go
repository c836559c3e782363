package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
)

// LoadCandles returns every stored candle for instrument and interval,
// ordered by timestamp ascending.
func (s *Store) LoadCandles(instrument string, interval time.Duration) ([]model.Candle, error) {
	return s.LoadCandlesAfter(instrument, interval, time.Time{})
}

// LoadCandlesAfter returns candles with a timestamp strictly after t.
func (s *Store) LoadCandlesAfter(instrument string, interval time.Duration, after time.Time) ([]model.Candle, error) {
	afterTS := int64(-1 << 62)
	if !after.IsZero() {
		afterTS = after.Unix()
	}
	rows, err := s.db.Query(`
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE instrument = ? AND interval_s = ? AND ts > ?
		ORDER BY ts ASC
	`, instrument, int64(interval/time.Second), afterTS)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var (
			tsUnix                   int64
			open, high, low, cl, vol string
		)
		if err := rows.Scan(&tsUnix, &open, &high, &low, &cl, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		c := model.Candle{Instrument: instrument, TS: time.Unix(tsUnix, 0).UTC()}
		for _, f := range []struct {
			s   string
			dst *decimal.Decimal
		}{{open, &c.Open}, {high, &c.High}, {low, &c.Low}, {cl, &c.Close}, {vol, &c.Volume}} {
			v, err := decimal.NewFromString(f.s)
			if err != nil {
				return nil, fmt.Errorf("sqlite candle %s@%d: %w", instrument, tsUnix, err)
			}
			*f.dst = v
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// LastTimestamp returns the newest stored candle time, or the zero time
// when there are none.
func (s *Store) LastTimestamp(instrument string, interval time.Duration) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(ts) FROM candles WHERE instrument = ? AND interval_s = ?`,
		instrument, int64(interval/time.Second),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// Instruments lists the instruments that have candles at interval.
func (s *Store) Instruments(interval time.Duration) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT instrument FROM candles WHERE interval_s = ? ORDER BY instrument`,
		int64(interval/time.Second))
	if err != nil {
		return nil, fmt.Errorf("sqlite query instruments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
