// Package agent runs the single conversational agent that answers every
// inbound message on the bus.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MauroDruwel/mimiclaw/pkg/bus"
	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/provider"
	"github.com/MauroDruwel/mimiclaw/pkg/session"
)

var errEmptyReply = errors.New("provider returned an empty reply")

// Orchestrator consumes the inbound queue, asks the LLM for a reply with the
// chat's history attached, and pushes the reply to the outbound queue.
type Orchestrator struct {
	bus          *bus.MessageBus
	client       provider.Client
	store        session.Store
	systemPrompt string
	maxHistory   int
	fallback     string
	log          *slog.Logger
}

func New(mb *bus.MessageBus, client provider.Client, store session.Store, systemPrompt string, defaults config.AgentDefaults, log *slog.Logger) (*Orchestrator, error) {
	if mb == nil {
		return nil, errors.New("message bus is required")
	}
	if client == nil {
		return nil, errors.New("provider client is required")
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if log == nil {
		log = slog.Default()
	}

	maxHistory := defaults.MaxHistory
	if maxHistory <= 0 {
		maxHistory = config.DefaultMaxHistory
	}
	fallback := strings.TrimSpace(defaults.FallbackText)
	if fallback == "" {
		fallback = config.DefaultFallbackText
	}

	return &Orchestrator{
		bus:          mb,
		client:       client,
		store:        store,
		systemPrompt: systemPrompt,
		maxHistory:   maxHistory,
		fallback:     fallback,
		log:          log.With("component", "agent.orchestrator"),
	}, nil
}

// Run processes inbound messages one at a time until ctx is cancelled or the
// bus is closed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("Agent orchestrator started", "max_history", o.maxHistory)
	for {
		msg, ok, err := o.bus.Pop(ctx, bus.Inbound, bus.WaitForever)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				o.log.Info("Agent orchestrator stopped")
				return nil
			}
			return err
		}
		if !ok {
			continue
		}

		o.Process(ctx, msg)
	}
}

// Process handles one inbound message. Exactly one outbound message is pushed
// for it: the reply, or the fallback text when anything goes wrong.
func (o *Orchestrator) Process(ctx context.Context, msg bus.Message) {
	started := time.Now()
	log := o.log.With("channel", msg.Channel, "chat_id", msg.ChatID, "message_id", msg.ID)
	log.Info("Processing message", "sender_id", msg.SenderID, "content_len", len(msg.Content))
	o.bus.PublishEvent(ctx, bus.EventFor(bus.EventMessageReceived, msg))

	reply, err := o.answer(ctx, msg)
	if err != nil {
		log.Error("Agent failed to answer", "error", err, "duration_ms", time.Since(started).Milliseconds())
		event := bus.EventFor(bus.EventReplyFailed, msg)
		event.Error = err.Error()
		o.bus.PublishEvent(ctx, event)
		o.push(ctx, log, msg.Reply(o.fallback))
		return
	}

	o.remember(ctx, log, msg, reply)

	event := bus.EventFor(bus.EventReplySent, msg)
	event.Payload = map[string]string{
		"reply_len":   fmt.Sprint(len(reply)),
		"duration_ms": fmt.Sprint(time.Since(started).Milliseconds()),
	}
	o.bus.PublishEvent(ctx, event)
	o.push(ctx, log, msg.Reply(reply))
}

func (o *Orchestrator) answer(ctx context.Context, msg bus.Message) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, err = "", fmt.Errorf("panic while answering: %v", r)
		}
	}()

	history := o.store.GetHistory(ctx, msg.ChatID, o.maxHistory)
	turns := make([]session.Turn, 0, len(history)+1)
	turns = append(turns, history...)
	turns = append(turns, session.Turn{Role: session.RoleUser, Content: msg.Content})

	reply, err = o.client.Chat(ctx, o.systemPrompt, turns)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", errEmptyReply
	}
	return reply, nil
}

// remember stores the exchange. A storage failure costs history, not the reply.
func (o *Orchestrator) remember(ctx context.Context, log *slog.Logger, msg bus.Message, reply string) {
	if err := o.store.Append(ctx, msg.ChatID, session.RoleUser, msg.Content); err != nil {
		log.Warn("Failed to store user turn", "error", err)
		return
	}
	if err := o.store.Append(ctx, msg.ChatID, session.RoleAssistant, reply); err != nil {
		log.Warn("Failed to store assistant turn", "error", err)
	}
}

func (o *Orchestrator) push(ctx context.Context, log *slog.Logger, out bus.Message) {
	if err := o.bus.Push(ctx, bus.Outbound, out); err != nil {
		log.Error("Failed to queue reply", "error", err)
		return
	}
	log.Debug("Reply queued", "content_len", len(out.Content))
}
