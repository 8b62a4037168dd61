package bus

import (
	"context"
	"sync"
	"time"
)

// EventType names a lifecycle step observed on the bus. Events are lossy.
type EventType string

const (
	EventMessageReceived EventType = "message_received"
	EventReplySent       EventType = "reply_sent"
	EventReplyFailed     EventType = "reply_failed"
	EventDeliveryFailed  EventType = "delivery_failed"
)

type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	Channel   string            `json:"channel,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// EventFor fills the routing fields of an event from msg.
func EventFor(t EventType, msg Message) Event {
	return Event{Type: t, Channel: msg.Channel, ChatID: msg.ChatID, MessageID: msg.ID}
}

// PublishEvent offers event to every subscriber without blocking. A full
// subscriber buffer drops the event for that subscriber only. It reports
// false once ctx is done or the bus is closed.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return false
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	// Subscriber channels are only closed under the write lock, so sending
	// while holding the read lock never hits a closed channel.
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	select {
	case <-mb.done:
		return false
	default:
	}

	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
