package indicator

import (
	"strconv"

	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
	"perp-trader/internal/ringbuf"
)

var two = decimal.NewFromInt(2)

// Midline is the midpoint of the highest high and the lowest low over
// the last period candles (a Donchian channel centre line).
type Midline struct {
	period int
	win    *ringbuf.Ring[model.Candle]
	scan   []model.Candle
}

// NewMidline creates a Midline with the given period (minimum 1).
func NewMidline(period int) *Midline {
	if period < 1 {
		period = 1
	}
	return &Midline{
		period: period,
		win:    ringbuf.New[model.Candle](period),
		scan:   make([]model.Candle, 0, period),
	}
}

func (m *Midline) Name() string { return "MID_" + strconv.Itoa(m.period) }

func (m *Midline) Update(candle model.Candle) { m.win.PushEvict(candle) }

// Bounds returns the highest high and lowest low in the window.
func (m *Midline) Bounds() (high, low decimal.Decimal) {
	m.scan = m.win.AppendTo(m.scan[:0])
	for i, c := range m.scan {
		if i == 0 || c.High.GreaterThan(high) {
			high = c.High
		}
		if i == 0 || c.Low.LessThan(low) {
			low = c.Low
		}
	}
	return high, low
}

func (m *Midline) Value() decimal.Decimal {
	if !m.Ready() {
		return decimal.Zero
	}
	high, low := m.Bounds()
	return high.Add(low).Div(two)
}

func (m *Midline) Ready() bool { return m.win.Len() == m.period }
