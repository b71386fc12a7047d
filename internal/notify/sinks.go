package notify

import (
	"context"

	"lv-margin/internal/marketdata"

	"github.com/rs/zerolog"
)

// LogSink writes notifications to the structured log.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) LogSink {
	return LogSink{log: logger.With().Str("component", "notify_log").Logger()}
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Deliver(ctx context.Context, n Notification) error {
	s.log.Info().Str("account_id", n.AccountID).Str("type", n.Type).Interface("payload", n.Payload).Msg("notification")
	return nil
}

// BusSink republishes notifications on the event bus as "risk.<type>" events for websocket subscribers.
type BusSink struct {
	bus *marketdata.Bus
}

func NewBusSink(bus *marketdata.Bus) BusSink {
	return BusSink{bus: bus}
}

func (s BusSink) Name() string { return "bus" }

func (s BusSink) Deliver(ctx context.Context, n Notification) error {
	s.bus.Publish(marketdata.Event{Type: "risk." + n.Type, AccountID: n.AccountID, Data: n.Payload, TS: n.CreatedAt})
	return nil
}
