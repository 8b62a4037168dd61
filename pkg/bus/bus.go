// Package bus carries messages between channel adapters and the agent.
//
// There are two bounded FIFO queues. Producers block while a queue is full and
// nothing is ever dropped. Each pushed message is handed to exactly one
// consumer, so several consumers may share a queue.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultBufferSize = 100

// WaitForever makes Pop block until a message arrives, the context ends or the bus closes.
const WaitForever time.Duration = -1

var (
	ErrInvalidArgument = errors.New("bus: invalid argument")
	ErrClosed          = errors.New("bus: closed")
)

// Queue selects one of the two bus directions.
type Queue int

const (
	Inbound Queue = iota
	Outbound
)

func (q Queue) String() string {
	switch q {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("queue(%d)", int(q))
	}
}

type MessageBus struct {
	inbound  chan Message
	outbound chan Message

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// NewMessageBus creates a bus whose queues each hold capacity messages.
// A non-positive capacity uses the default of 100.
func NewMessageBus(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = defaultBufferSize
	}
	return &MessageBus{
		inbound:          make(chan Message, capacity),
		outbound:         make(chan Message, capacity),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) queue(q Queue) (chan Message, error) {
	switch q {
	case Inbound:
		return mb.inbound, nil
	case Outbound:
		return mb.outbound, nil
	default:
		return nil, fmt.Errorf("%w: unknown queue %s", ErrInvalidArgument, q)
	}
}

// Push appends msg to q, blocking while the queue is full.
func (mb *MessageBus) Push(ctx context.Context, q Queue, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ch, err := mb.queue(q)
	if err != nil {
		return err
	}
	if msg.Channel == "" || msg.ChatID == "" {
		return fmt.Errorf("%w: message needs channel and chat id", ErrInvalidArgument)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	case ch <- msg:
		return nil
	}
}

// Pop removes the oldest message from q. It waits at most timeout; a zero
// timeout polls and WaitForever never times out. A timeout yields ok=false
// with a nil error.
func (mb *MessageBus) Pop(ctx context.Context, q Queue, timeout time.Duration) (Message, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ch, err := mb.queue(q)
	if err != nil {
		return Message{}, false, err
	}

	select {
	case <-mb.done:
		return Message{}, false, ErrClosed
	default:
	}

	if timeout == 0 {
		select {
		case msg := <-ch:
			return msg, true, nil
		default:
			return Message{}, false, nil
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	case <-mb.done:
		return Message{}, false, ErrClosed
	case <-expired:
		return Message{}, false, nil
	case msg := <-ch:
		return msg, true, nil
	}
}

// Len reports how many messages are waiting in q.
func (mb *MessageBus) Len(q Queue) int {
	ch, err := mb.queue(q)
	if err != nil {
		return 0
	}
	return len(ch)
}

// Cap reports the capacity of q.
func (mb *MessageBus) Cap(q Queue) int {
	ch, err := mb.queue(q)
	if err != nil {
		return 0
	}
	return cap(ch)
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg Message) bool {
	msg.Direction = DirectionInbound
	return mb.Push(ctx, Inbound, msg) == nil
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (Message, bool) {
	msg, ok, err := mb.Pop(ctx, Inbound, WaitForever)
	return msg, ok && err == nil
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg Message) bool {
	msg.Direction = DirectionOutbound
	return mb.Push(ctx, Outbound, msg) == nil
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (Message, bool) {
	msg, ok, err := mb.Pop(ctx, Outbound, WaitForever)
	return msg, ok && err == nil
}

// Done is closed once the bus has been closed.
func (mb *MessageBus) Done() <-chan struct{} {
	return mb.done
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
