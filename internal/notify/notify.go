// Package notify delivers alerts off the transaction path. Notify never blocks:
// when the queue is full the notification is dropped and counted.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"lv-margin/internal/metrics"

	"github.com/rs/zerolog"
)

// Notification types emitted by the risk core.
const (
	TypeMarginWarning      = "margin_warning"
	TypeMarginCall         = "margin_call"
	TypeMarginCallUrgent   = "margin_call_urgent"
	TypeMarginCritical     = "margin_critical"
	TypeMarginResolved     = "margin_call_resolved"
	TypeLiquidationDone    = "liquidation_completed"
	TypeLiquidationPartial = "liquidation_partial"
)

type Notification struct {
	AccountID string    `json:"account_id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier is what the risk core depends on.
type Notifier interface {
	Notify(accountID, typ string, payload any)
}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

type Dispatcher struct {
	queue   chan Notification
	sinks   []Sink
	log     zerolog.Logger
	timeout time.Duration
	dropped atomic.Int64
}

var _ Notifier = (*Dispatcher)(nil)

func NewDispatcher(size int, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	return &Dispatcher{
		queue:   make(chan Notification, size),
		sinks:   sinks,
		log:     logger.With().Str("component", "notify").Logger(),
		timeout: 5 * time.Second,
	}
}

func (d *Dispatcher) Notify(accountID, typ string, payload any) {
	n := Notification{AccountID: accountID, Type: typ, Payload: payload, CreatedAt: time.Now().UTC()}
	select {
	case d.queue <- n:
	default:
		d.dropped.Add(1)
		metrics.NotificationsDropped.Inc()
		d.log.Warn().Str("account_id", accountID).Str("type", typ).Msg("notification queue full, dropped")
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers queued notifications until ctx is done, then drains what is already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-ctx.Done():
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n Notification) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Deliver(ctx, n)
		cancel()
		if err != nil {
			metrics.NotificationsDelivered.WithLabelValues(s.Name(), "error").Inc()
			d.log.Error().Err(err).Str("sink", s.Name()).Str("account_id", n.AccountID).Str("type", n.Type).Msg("notification delivery failed")
			continue
		}
		metrics.NotificationsDelivered.WithLabelValues(s.Name(), "ok").Inc()
	}
}
