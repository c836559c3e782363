// Package redis mirrors trader state into Redis so dashboards and other
// processes can follow it: a hash per instrument with the latest engine
// and position snapshot, and a capped stream of closed trades.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"perp-trader/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultStateTTL    = 30 * time.Minute
	defaultTradeMaxLen = 10000
)

// Config configures the publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	StateTTL    time.Duration // expiry of state:{instrument} hashes
	TradeMaxLen int64         // approximate cap of each trades stream

	BreakerFailures int
	BreakerCoolDown time.Duration

	Logger *slog.Logger
}

// Publisher writes snapshots and trades to Redis behind a circuit breaker.
// Write failures are logged and counted, never returned to the trading
// path except from RecordTrade.
type Publisher struct {
	client   goredis.UniversalClient
	breaker  *Breaker
	stateTTL time.Duration
	maxLen   int64
	log      *slog.Logger

	// OnError is called for every failed or rejected write.
	OnError func(op string, err error)
}

// NewPublisher connects to Redis and pings it.
func NewPublisher(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := newPublisher(client, cfg)
	p.log.Info("connected", "addr", cfg.Addr)
	return p, nil
}

func newPublisher(client goredis.UniversalClient, cfg Config) *Publisher {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = defaultStateTTL
	}
	if cfg.TradeMaxLen <= 0 {
		cfg.TradeMaxLen = defaultTradeMaxLen
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCoolDown <= 0 {
		cfg.BreakerCoolDown = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "redis")
	b := NewBreaker(cfg.BreakerFailures, cfg.BreakerCoolDown)
	b.OnStateChange = func(from, to BreakerState) {
		log.Warn("circuit breaker", "from", from.String(), "to", to.String())
	}
	return &Publisher{
		client:   client,
		breaker:  b,
		stateTTL: cfg.StateTTL,
		maxLen:   cfg.TradeMaxLen,
		log:      log,
	}
}

// StateKey is the hash holding the latest snapshot for an instrument.
func StateKey(instrument string) string { return "state:" + instrument }

// TradeStream is the stream receiving closed trades for an instrument.
func TradeStream(instrument string) string { return "trades:" + instrument }

// PublishState overwrites the given fields of state:{instrument} and
// refreshes its TTL in one pipeline.
func (p *Publisher) PublishState(ctx context.Context, instrument string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	key := StateKey(instrument)
	return p.do("state", func() error {
		pipe := p.client.Pipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, p.stateTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RecordTrade appends t to trades:{instrument}.
func (p *Publisher) RecordTrade(ctx context.Context, t model.TradeRecord) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade %s: %w", t.ID, err)
	}
	return p.do("trade", func() error {
		return p.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: TradeStream(t.Instrument),
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{"id": t.ID, "data": string(data)},
		}).Err()
	})
}

// Run records every trade received on ch until ch closes or ctx is done.
func (p *Publisher) Run(ctx context.Context, ch <-chan model.TradeRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			_ = p.RecordTrade(ctx, t)
		}
	}
}

// State reports the circuit breaker state.
func (p *Publisher) State() BreakerState { return p.breaker.State() }

// Ping checks connectivity, for health probes.
func (p *Publisher) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// Close closes the client.
func (p *Publisher) Close() error { return p.client.Close() }

func (p *Publisher) do(op string, fn func() error) error {
	err := p.breaker.Do(fn)
	if err != nil {
		if err != ErrCircuitOpen {
			p.log.Error("write failed", "op", op, "error", err)
		}
		if p.OnError != nil {
			p.OnError(op, err)
		}
		return fmt.Errorf("redis %s: %w", op, err)
	}
	return nil
}
