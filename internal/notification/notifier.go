// Package notification delivers trading alerts (closed trades, rejected
// orders) to external channels such as Telegram or a webhook.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"perp-trader/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level      AlertLevel `json:"level"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Instrument string     `json:"instrument,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: slog.Default().With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	n.log.Info(alert.Title, "level", string(alert.Level), "instrument", alert.Instrument, "message", alert.Message)
	return nil
}

// Multi sends each alert to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TradeAlert describes a closed trade. Stop-loss exits are warnings.
func TradeAlert(t model.TradeRecord) Alert {
	level := AlertInfo
	if t.Reason == model.ReasonStopLoss {
		level = AlertWarning
	}
	return Alert{
		Level:      level,
		Title:      fmt.Sprintf("%s %s closed (%s)", t.Instrument, t.Side, t.Reason),
		Message:    fmt.Sprintf("entry %s exit %s size %s net %s (%s%%)", t.EntryPrice, t.ExitPrice, t.Size, t.NetPnL.StringFixed(4), t.ReturnPct.StringFixed(2)),
		Instrument: t.Instrument,
	}
}

// OrderFailureAlert describes an order the venue or governor refused.
func OrderFailureAlert(req model.OrderRequest, err error) Alert {
	return Alert{
		Level:      AlertCritical,
		Title:      fmt.Sprintf("%s %s order failed", req.Instrument, req.Side),
		Message:    fmt.Sprintf("client id %s price %s size %s: %v", req.ClientOrderID, req.Price, req.Size, err),
		Instrument: req.Instrument,
	}
}

// Alerter forwards closed trades from a channel to a Notifier.
type Alerter struct {
	n    Notifier
	log  *slog.Logger
	sent atomic.Uint64

	// OnFailure is called when delivery fails.
	OnFailure func(err error)
}

// NewAlerter wraps n.
func NewAlerter(n Notifier) *Alerter {
	return &Alerter{n: n, log: slog.Default().With("component", "notify")}
}

// Run sends a TradeAlert for every trade until ch closes or ctx is done.
func (a *Alerter) Run(ctx context.Context, ch <-chan model.TradeRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			a.Notify(ctx, TradeAlert(t))
		}
	}
}

// Notify delivers alert, logging rather than returning failures.
func (a *Alerter) Notify(ctx context.Context, alert Alert) {
	if err := a.n.Send(ctx, alert); err != nil {
		a.log.Error("alert delivery failed", "title", alert.Title, "error", err)
		if a.OnFailure != nil {
			a.OnFailure(err)
		}
		return
	}
	a.sent.Add(1)
	a.log.Debug("alert sent", "level", string(alert.Level), "instrument", alert.Instrument, "title", alert.Title)
}

// Sent is the number of alerts every sink accepted.
func (a *Alerter) Sent() uint64 { return a.sent.Load() }
