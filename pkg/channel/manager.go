package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/MauroDruwel/mimiclaw/pkg/bus"
)

// Manager owns the registered adapters and delivers outbound messages to them.
type Manager struct {
	bus *bus.MessageBus
	log *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewManager(mb *bus.MessageBus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		bus:      mb,
		log:      log.With("component", "channel.manager"),
		adapters: make(map[string]Adapter),
	}
}

func (m *Manager) Register(a Adapter) error {
	if a == nil {
		return errors.New("adapter is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.adapters[a.Name()]; exists {
		return fmt.Errorf("channel %q already registered", a.Name())
	}
	m.adapters[a.Name()] = a
	return nil
}

func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// Names returns the registered channel names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll initializes and starts every adapter. An adapter that fails to
// start is logged and skipped; the others keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	names := m.Names()
	if len(names) == 0 {
		return errors.New("no channels registered")
	}

	started := 0
	for _, name := range names {
		a, _ := m.Get(name)
		if err := a.Init(ctx); err != nil {
			m.log.Error("Channel init failed", "channel", name, "error", err)
			continue
		}
		if err := a.Start(ctx, m.bus); err != nil {
			m.log.Error("Channel start failed", "channel", name, "error", err)
			continue
		}
		m.log.Info("Channel started", "channel", name, "receive_mode", a.ReceiveMode())
		started++
	}

	if started == 0 {
		return errors.New("no channel could be started")
	}
	return nil
}

// Statuses reports every adapter that can describe itself.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0)
	for _, name := range m.Names() {
		a, _ := m.Get(name)
		if reporter, ok := a.(StatusReporter); ok {
			out = append(out, reporter.Status())
			continue
		}
		out = append(out, Status{Name: name, ReceiveMode: a.ReceiveMode()})
	}
	return out
}

// DispatchOutbound consumes the outbound queue until ctx ends or the bus
// closes, sending each message through the adapter named by msg.Channel.
func (m *Manager) DispatchOutbound(ctx context.Context) {
	m.log.Info("Outbound dispatcher started")
	defer m.log.Info("Outbound dispatcher stopped")

	for {
		msg, ok, err := m.bus.Pop(ctx, bus.Outbound, bus.WaitForever)
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		m.deliver(ctx, msg)
	}
}

func (m *Manager) deliver(ctx context.Context, msg bus.Message) {
	a, exists := m.Get(msg.Channel)
	if !exists {
		m.log.Warn("Unknown channel for outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
		m.publishFailure(ctx, msg, fmt.Errorf("unknown channel %q", msg.Channel))
		return
	}

	if err := a.Send(ctx, msg.ChatID, msg.Content); err != nil {
		m.log.Error("Error sending message to channel",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"kind", KindOf(err),
			"error", err,
		)
		m.publishFailure(ctx, msg, err)
	}
}

func (m *Manager) publishFailure(ctx context.Context, msg bus.Message, err error) {
	event := bus.EventFor(bus.EventDeliveryFailed, msg)
	event.Error = err.Error()
	m.bus.PublishEvent(ctx, event)
}
