package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perp-trader/internal/model"
)

// StreamConfig configures the ticker stream.
type StreamConfig struct {
	// URL of the public quote WebSocket, e.g. "wss://quote.edgex.exchange/api/v1/public/ws"
	URL string

	// Instruments to subscribe to (contract ids).
	Instruments []string

	// ReconnectDelay is the initial delay before reconnecting. Defaults to 2s.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	Logger *slog.Logger
}

func (c *StreamConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stream subscribes to ticker channels and emits last-price updates.
type Stream struct {
	cfg StreamConfig
	log *slog.Logger
	now func() time.Time

	// Optional hooks.
	OnConnect   func(connected bool)
	OnReconnect func()
	OnDrop      func(instrument string)
}

// NewStream returns an error if the URL is unparseable.
func NewStream(cfg StreamConfig) (*Stream, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &Stream{cfg: cfg, log: cfg.Logger.With("component", "stream"), now: time.Now}, nil
}

// Run streams updates into out until ctx is cancelled, reconnecting with
// exponential backoff. Updates are dropped when out is full.
func (s *Stream) Run(ctx context.Context, out chan<- model.PriceUpdate) error {
	delay := s.cfg.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := s.runOnce(ctx, out)
		if err == nil {
			return nil
		}
		if connected {
			delay = s.cfg.ReconnectDelay
		}

		s.log.Warn("disconnected, reconnecting", "error", err, "delay", delay)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

type wsMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Time    string          `json:"time"`
	Content json.RawMessage `json:"content"`
}

type tickerContent struct {
	Data []ticker `json:"data"`
}

type ticker struct {
	ContractID string `json:"contractId"`
	LastPrice  string `json:"lastPrice"`
	Last       string `json:"last"`
	Price      string `json:"price"`
	Close      string `json:"close"`
}

func (t ticker) price() string {
	for _, p := range []string{t.LastPrice, t.Last, t.Price, t.Close} {
		if p != "" {
			return p
		}
	}
	return ""
}

// runOnce reports whether the dial succeeded along with the error that
// ended the session; a nil error means ctx was cancelled.
func (s *Stream) runOnce(ctx context.Context, out chan<- model.PriceUpdate) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	for _, id := range s.cfg.Instruments {
		sub := map[string]string{"type": "subscribe", "channel": "ticker." + id}
		if err := conn.WriteJSON(sub); err != nil {
			return true, fmt.Errorf("subscribe %s: %w", id, err)
		}
	}
	s.log.Info("connected", "url", s.cfg.URL, "instruments", len(s.cfg.Instruments))
	if s.OnConnect != nil {
		s.OnConnect(true)
		defer s.OnConnect(false)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Debug("parse error", "error", err)
			continue
		}

		switch msg.Type {
		case "ping":
			ts := msg.Time
			if ts == "" {
				ts = pingTime(s.now())
			}
			pong := map[string]string{"type": "pong", "time": ts}
			if err := conn.WriteJSON(pong); err != nil {
				return true, err
			}
		case "ticker", "quote-event":
			s.handleTicker(msg.Content, out)
		}
	}
}

func (s *Stream) handleTicker(content json.RawMessage, out chan<- model.PriceUpdate) {
	var tc tickerContent
	if err := json.Unmarshal(content, &tc); err != nil {
		s.log.Debug("ticker parse error", "error", err)
		return
	}
	for _, t := range tc.Data {
		if t.ContractID == "" {
			continue
		}
		p, err := decimal.NewFromString(t.price())
		if err != nil || !p.IsPositive() {
			s.log.Warn("invalid ticker price", "instrument", t.ContractID, "price", t.price())
			continue
		}
		u := model.PriceUpdate{Instrument: t.ContractID, Price: p, TS: s.now()}
		select {
		case out <- u:
		default:
			if s.OnDrop != nil {
				s.OnDrop(t.ContractID)
			}
		}
	}
}

// pingTime formats a pong timestamp when the venue omits one.
func pingTime(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }
