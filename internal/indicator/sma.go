package indicator

import (
	"strconv"

	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
	"perp-trader/internal/ringbuf"
)

// SMA is the simple moving average of closes over a rolling window.
type SMA struct {
	period int
	win    *ringbuf.Ring[decimal.Decimal]
	sum    decimal.Decimal
}

// NewSMA creates an SMA with the given period (minimum 1).
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{period: period, win: ringbuf.New[decimal.Decimal](period)}
}

func (s *SMA) Name() string { return "SMA_" + strconv.Itoa(s.period) }

func (s *SMA) Update(candle model.Candle) {
	if old, dropped := s.win.PushEvict(candle.Close); dropped {
		s.sum = s.sum.Sub(old)
	}
	s.sum = s.sum.Add(candle.Close)
}

func (s *SMA) Value() decimal.Decimal {
	if !s.Ready() {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(int64(s.period)))
}

func (s *SMA) Ready() bool { return s.win.Len() == s.period }

// Reset clears the SMA state for reuse.
func (s *SMA) Reset() {
	s.win.Reset()
	s.sum = decimal.Zero
}
