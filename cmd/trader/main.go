// Command trader runs the live control loop: venue ticker stream in,
// signals through the ledger, orders out to the venue (or the paper sink).
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"perp-trader/config"
	"perp-trader/internal/bus"
	"perp-trader/internal/execution"
	"perp-trader/internal/ledger"
	"perp-trader/internal/live"
	"perp-trader/internal/logger"
	"perp-trader/internal/metrics"
	"perp-trader/internal/model"
	"perp-trader/internal/notification"
	"perp-trader/internal/quantizer"
	"perp-trader/internal/ratelimit"
	redisstore "perp-trader/internal/store/redis"
	sqlitestore "perp-trader/internal/store/sqlite"
	"perp-trader/internal/strategy"
	"perp-trader/pkg/venue"
)

func main() {
	if err := run(); err != nil {
		slog.Error("trader failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	log := logger.Init("trader", level)
	if err != nil {
		log.Warn("bad LOG_LEVEL, using info", "error", err)
	}
	if err := cfg.RequireLive(); err != nil {
		return err
	}
	mode, _ := strategy.ParseMode(cfg.SignalMode) // validated by config.Load

	instruments, err := config.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return err
	}
	ids := make([]string, len(instruments))
	for i, inst := range instruments {
		ids[i] = inst.ID
	}

	// ---- Metrics & health ----
	m := metrics.New(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	health.SetInstruments(ids, cfg.PaperTrading)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, prometheus.DefaultGatherer)
	metricsSrv.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Quantizer ----
	quant := quantizer.New()
	quant.OnUnregistered = func(inst string) { m.Unquantizable.WithLabelValues(inst).Inc() }
	for _, inst := range instruments {
		if err := quant.Register(inst); err != nil {
			return err
		}
	}

	// ---- Venue ----
	client, err := venue.NewClient(venue.Config{
		BaseURL:    cfg.VenueBaseURL,
		AccountID:  cfg.VenueAccountID,
		APIKey:     cfg.VenueAPIKey,
		TOTPSecret: cfg.VenueTOTPSecret,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	var sink model.OrderSink = client
	if cfg.PaperTrading {
		sink = execution.NewPaperSink()
		log.Info("paper trading: orders are simulated")
	}

	// ---- Storage ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	candles, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer candles.Close()
	journal, err := execution.OpenJournal(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer journal.Close()

	var publisher *redisstore.Publisher
	if cfg.RedisAddr != "" {
		health.SetRedisEnabled(true)
		publisher, err = redisstore.NewPublisher(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Logger:   log,
		})
		if err != nil {
			log.Warn("redis unavailable, continuing without it", "error", err)
		} else {
			defer publisher.Close()
			publisher.OnError = func(op string, _ error) {
				m.RedisWriteErrors.WithLabelValues(op).Inc()
				m.RedisBreakerState.Set(float64(publisher.State()))
			}
		}
	}
	if publisher != nil {
		health.StartLivenessChecker(ctx, publisher, candles.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, candles.DB(), 10*time.Second)
	}

	// ---- Alerts ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	alerter := notification.NewAlerter(notifiers)
	alerter.OnFailure = func(error) { m.NotificationsFailed.Inc() }

	// ---- Trade fan-out: journal, redis, alerts ----
	trades := bus.New[model.TradeRecord](256)
	trades.OnDrop = func(sub string) { m.FanoutDrops.WithLabelValues(sub).Inc() }
	journalCh := trades.Subscribe("journal")
	alertCh := trades.Subscribe("alerts")
	var redisCh <-chan model.TradeRecord
	if publisher != nil {
		redisCh = trades.Subscribe("redis")
	}
	failures := make(chan notification.Alert, 64)

	consumers := make(chan struct{})
	go func() {
		defer close(consumers)
		done := make(chan struct{}, 3)
		// Consumers drain until the bus closes; deliveries use a context
		// detached from shutdown so the final trades still land.
		bg := context.WithoutCancel(ctx)
		go func() { record(bg, log, journal, journalCh); done <- struct{}{} }()
		go func() { alerter.Run(bg, alertCh); done <- struct{}{} }()
		go func() {
			if redisCh != nil {
				publisher.Run(bg, redisCh)
			}
			done <- struct{}{}
		}()
		for i := 0; i < 3; i++ {
			<-done
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case a := <-failures:
				alerter.Notify(ctx, a)
			}
		}
	}()

	// ---- Governor & ledger ----
	gov := ratelimit.New(ratelimit.Config{
		MaxPerSecond: cfg.RateMaxPerSecond,
		MaxPerMinute: cfg.RateMaxPerMinute,
		MaxWait:      cfg.RateMaxWait,
	})
	gov.OnWait = func(d time.Duration) {
		m.GovernorWaits.Inc()
		m.GovernorWaitDur.Observe(d.Seconds())
	}

	led := ledger.New(ledger.Config{
		Sink:           sink,
		Quantizer:      quant,
		Governor:       meteredGovernor{gov: gov, m: m},
		CommissionRate: cfg.CommissionRate,
		Strict:         cfg.StrictInstruments,
		Logger:         log,
	})
	led.OnTrade = func(t model.TradeRecord) {
		m.Trades.WithLabelValues(t.Instrument, t.Reason.String()).Inc()
		m.RealizedPnL.WithLabelValues(t.Instrument).Add(t.NetPnL.InexactFloat64())
		trades.Publish(t)
	}
	led.OnOrder = func(req model.OrderRequest, _ string, err error) {
		status := "ok"
		if err != nil {
			status = "error"
			select {
			case failures <- notification.OrderFailureAlert(req, err):
			default:
			}
		}
		m.Orders.WithLabelValues(req.Instrument, req.Side.String(), status).Inc()
	}

	// ---- Live loop ----
	engine := strategy.NewEngine(strategy.Config{
		Period:  cfg.ReferencePeriod,
		Mode:    mode,
		MAShort: cfg.MAShort,
		MALong:  cfg.MALong,
		Logger:  log,
	})
	var state live.StatePublisher
	if publisher != nil {
		state = publisher
	}
	trader, err := live.New(live.Config{
		Instruments:   instruments,
		Interval:      cfg.CandleInterval,
		StopLossPct:   cfg.StopLossPct,
		TakeProfitPct: cfg.TakeProfitPct,
		Slippage:      cfg.SlippagePct,
		ResyncOnRoll:  true,
		Logger:        log,
	}, live.Deps{
		Engine:  engine,
		Ledger:  led,
		Candles: client,
		State:   state,
		Metrics: m,
	})
	if err != nil {
		return err
	}
	trader.OnUpdate = func(u model.PriceUpdate) { health.SetLastUpdateTime(u.TS) }

	if err := trader.Warmup(ctx); err != nil {
		log.Warn("warm-up incomplete, affected instruments start cold", "error", err)
	}

	stream, err := venue.NewStream(venue.StreamConfig{
		URL:         cfg.VenueWSURL,
		Instruments: ids,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	stream.OnConnect = health.SetFeedConnected
	stream.OnReconnect = func() { m.WSReconnects.Inc() }
	stream.OnDrop = func(inst string) { m.DroppedUpdates.WithLabelValues(inst).Inc() }

	updates := make(chan model.PriceUpdate, cfg.UpdateBuffer)
	go func() {
		if err := stream.Run(ctx, updates); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("price stream stopped", "error", err)
			stop()
		}
	}()

	log.Info("trader started",
		"instruments", ids, "interval", cfg.CandleInterval.String(), "mode", mode.String(),
		"paper", cfg.PaperTrading, "metrics", cfg.MetricsAddr)

	// ---- Run until signalled ----
	runErr := trader.Run(ctx, updates)
	log.Info("shutting down", "open_positions", len(trader.Positions()), "realized_pnl", led.TotalPnL().String())

	trades.Close()
	select {
	case <-consumers:
	case <-time.After(5 * time.Second):
		log.Warn("trade consumers did not drain in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Stop(shutdownCtx)

	log.Info("shutdown complete")
	return runErr
}

// record persists trades from ch until it closes.
func record(ctx context.Context, log *slog.Logger, rec model.TradeRecorder, ch <-chan model.TradeRecord) {
	for t := range ch {
		if err := rec.RecordTrade(ctx, t); err != nil {
			log.Error("journal write failed", "trade", t.ID, "instrument", t.Instrument, "error", err)
		}
	}
}

// meteredGovernor counts admissions and timeouts around the governor.
type meteredGovernor struct {
	gov *ratelimit.Governor
	m   *metrics.Metrics
}

func (g meteredGovernor) Admit(ctx context.Context) error {
	err := g.gov.Admit(ctx)
	switch {
	case err == nil:
		g.m.GovernorAdmitted.Inc()
	case errors.Is(err, ratelimit.ErrAdmissionTimeout):
		g.m.GovernorTimeouts.Inc()
	}
	return err
}
