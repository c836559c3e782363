package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the trader.
type Metrics struct {
	PriceUpdates   *prometheus.CounterVec // labels: instrument
	LateUpdates    *prometheus.CounterVec // labels: instrument
	DroppedUpdates *prometheus.CounterVec // labels: instrument
	WSReconnects   prometheus.Counter
	CandleResyncs  *prometheus.CounterVec // labels: instrument, result

	EvaluateDur   prometheus.Histogram
	Signals       *prometheus.CounterVec // labels: instrument, signal
	ReferenceLine *prometheus.GaugeVec   // labels: instrument
	Momentum      *prometheus.GaugeVec   // labels: instrument, kind=mbo|mbi

	Orders        *prometheus.CounterVec // labels: instrument, side, status
	Trades        *prometheus.CounterVec // labels: instrument, reason
	RealizedPnL   *prometheus.GaugeVec   // labels: instrument
	PositionSide  *prometheus.GaugeVec   // labels: instrument; -1 short, 0 flat, 1 long
	Unquantizable *prometheus.CounterVec // labels: instrument

	GovernorAdmitted prometheus.Counter
	GovernorWaits    prometheus.Counter
	GovernorWaitDur  prometheus.Histogram
	GovernorTimeouts prometheus.Counter

	FanoutDrops         *prometheus.CounterVec // labels: subscriber
	RedisBreakerState   prometheus.Gauge       // 0=closed, 1=open, 2=half-open
	RedisWriteErrors    *prometheus.CounterVec // labels: op
	NotificationsFailed prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PriceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_price_updates_total",
			Help: "Price updates received from the feed",
		}, []string{"instrument"}),
		LateUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_late_updates_total",
			Help: "Price updates older than the forming candle",
		}, []string{"instrument"}),
		DroppedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_dropped_updates_total",
			Help: "Price updates dropped because a worker queue was full",
		}, []string{"instrument"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		CandleResyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_candle_resyncs_total",
			Help: "Candle history refreshes from the venue",
		}, []string{"instrument", "result"}),

		EvaluateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_evaluate_duration_seconds",
			Help:    "Signal evaluation latency",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Signals emitted by the engine",
		}, []string{"instrument", "signal"}),
		ReferenceLine: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_reference_line",
			Help: "Last computed reference line",
		}, []string{"instrument"}),
		Momentum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_momentum",
			Help: "Last computed MBO/MBI",
		}, []string{"instrument", "kind"}),

		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders submitted, by outcome",
		}, []string{"instrument", "side", "status"}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_trades_total",
			Help: "Closed trades by close reason",
		}, []string{"instrument", "reason"}),
		RealizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_realized_pnl",
			Help: "Cumulative realized net PnL",
		}, []string{"instrument"}),
		PositionSide: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_position_side",
			Help: "Open position side (-1 short, 0 flat, 1 long)",
		}, []string{"instrument"}),
		Unquantizable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_unregistered_quantize_total",
			Help: "Quantize requests for instruments without a registered grid",
		}, []string{"instrument"}),

		GovernorAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_governor_admitted_total",
			Help: "Requests admitted by the rate governor",
		}),
		GovernorWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_governor_waits_total",
			Help: "Admissions that had to wait for window capacity",
		}),
		GovernorWaitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_governor_wait_seconds",
			Help:    "Time spent waiting for admission",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		GovernorTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_governor_timeouts_total",
			Help: "Admissions refused because the wait exceeded the limit",
		}),

		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_fanout_drops_total",
			Help: "Events dropped by the trade bus per subscriber",
		}, []string{"subscriber"}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_redis_write_errors_total",
			Help: "Failed or rejected Redis writes",
		}, []string{"op"}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_notifications_failed_total",
			Help: "Alerts that could not be delivered",
		}),
	}

	reg.MustRegister(
		m.PriceUpdates,
		m.LateUpdates,
		m.DroppedUpdates,
		m.WSReconnects,
		m.CandleResyncs,
		m.EvaluateDur,
		m.Signals,
		m.ReferenceLine,
		m.Momentum,
		m.Orders,
		m.Trades,
		m.RealizedPnL,
		m.PositionSide,
		m.Unquantizable,
		m.GovernorAdmitted,
		m.GovernorWaits,
		m.GovernorWaitDur,
		m.GovernorTimeouts,
		m.FanoutDrops,
		m.RedisBreakerState,
		m.RedisWriteErrors,
		m.NotificationsFailed,
	)

	return m
}
