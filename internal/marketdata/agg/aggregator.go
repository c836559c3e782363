// Package agg maintains, per instrument, a bounded window of completed
// candles plus the candle currently forming, built from price updates.
package agg

import (
	"time"

	"perp-trader/internal/model"
	"perp-trader/internal/ringbuf"
)

// Window is owned by a single goroutine; it is not safe for concurrent use.
type Window struct {
	instrument string
	interval   time.Duration
	completed  *ringbuf.Ring[model.Candle]

	forming    model.Candle
	hasForming bool

	// OnLateUpdate is called for updates older than the forming bucket.
	OnLateUpdate func(u model.PriceUpdate)
}

// NewWindow keeps up to capacity completed candles of the given interval.
func NewWindow(instrument string, interval time.Duration, capacity int) *Window {
	return &Window{
		instrument: instrument,
		interval:   interval,
		completed:  ringbuf.New[model.Candle](capacity),
	}
}

// Seed replaces the window with candles fetched from the venue. The last
// candle is taken as the forming one.
func (w *Window) Seed(candles []model.Candle) {
	w.completed.Reset()
	w.hasForming = false
	if len(candles) == 0 {
		return
	}
	for _, c := range candles[:len(candles)-1] {
		w.completed.PushEvict(c)
	}
	w.forming = candles[len(candles)-1]
	w.hasForming = true
}

// Observe folds u into the forming candle. When u belongs to a later
// bucket the forming candle is completed first and rolled is true.
// Updates for an earlier bucket are dropped and reported as late.
func (w *Window) Observe(u model.PriceUpdate) (rolled, late bool) {
	bucket := u.TS.UTC().Truncate(w.interval)

	switch {
	case !w.hasForming:
		w.start(bucket, u)
		return false, false

	case bucket.Before(w.forming.TS):
		if w.OnLateUpdate != nil {
			w.OnLateUpdate(u)
		}
		return false, true

	case bucket.After(w.forming.TS):
		w.completed.PushEvict(w.forming)
		w.start(bucket, u)
		return true, false
	}

	c := &w.forming
	if u.Price.GreaterThan(c.High) {
		c.High = u.Price
	}
	if u.Price.LessThan(c.Low) {
		c.Low = u.Price
	}
	c.Close = u.Price
	return false, false
}

func (w *Window) start(bucket time.Time, u model.PriceUpdate) {
	w.forming = model.FlatCandle(w.instrument, bucket, u.Price)
	w.hasForming = true
}

// History appends completed candles and the forming candle, oldest
// first, to dst.
func (w *Window) History(dst []model.Candle) []model.Candle {
	dst = w.completed.AppendTo(dst)
	if w.hasForming {
		dst = append(dst, w.forming)
	}
	return dst
}

// Len is the number of candles History would return.
func (w *Window) Len() int {
	if w.hasForming {
		return w.completed.Len() + 1
	}
	return w.completed.Len()
}

// Forming returns the candle currently being built.
func (w *Window) Forming() (model.Candle, bool) { return w.forming, w.hasForming }
