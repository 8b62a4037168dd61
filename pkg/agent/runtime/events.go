package runtime

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MauroDruwel/mimiclaw/pkg/bus"
)

// Stats counts bus events. It only sees what the lossy event stream delivers,
// so the numbers are a lower bound under heavy load.
type Stats struct {
	received       atomic.Int64
	replied        atomic.Int64
	failed         atomic.Int64
	deliveryFailed atomic.Int64
	lastEvent      atomic.Int64
}

type StatsSnapshot struct {
	Received       int64     `json:"received"`
	Replied        int64     `json:"replied"`
	Failed         int64     `json:"failed"`
	DeliveryFailed int64     `json:"delivery_failed"`
	LastEventAt    time.Time `json:"last_event_at,omitzero"`
}

func (s *Stats) record(event bus.Event) {
	switch event.Type {
	case bus.EventMessageReceived:
		s.received.Add(1)
	case bus.EventReplySent:
		s.replied.Add(1)
	case bus.EventReplyFailed:
		s.failed.Add(1)
	case bus.EventDeliveryFailed:
		s.deliveryFailed.Add(1)
	}
	s.lastEvent.Store(event.At.UnixNano())
}

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Received:       s.received.Load(),
		Replied:        s.replied.Load(),
		Failed:         s.failed.Load(),
		DeliveryFailed: s.deliveryFailed.Load(),
	}
	if ns := s.lastEvent.Load(); ns != 0 {
		snap.LastEventAt = time.Unix(0, ns).UTC()
	}
	return snap
}

func observeAgentEvents(events <-chan bus.Event, unsubscribe func(), stats *Stats, log *slog.Logger, logEvents bool) {
	defer unsubscribe()
	log = log.With("component", "bus.events")

	// The channel closes on unsubscribe, which happens when the runtime
	// context ends or the bus is closed.
	for event := range events {
		stats.record(event)
		if logEvents {
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"message_id", event.MessageID,
		"channel", event.Channel,
		"chat_id", event.ChatID,
		"timestamp", event.At.UTC().Format(time.RFC3339Nano),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventReplyFailed, bus.EventDeliveryFailed:
		log.Error("Agent event", append(attrs, "error", event.Error)...)
	case bus.EventMessageReceived, bus.EventReplySent:
		log.Info("Agent event", attrs...)
	default:
		log.Debug("Agent event", attrs...)
	}
}
