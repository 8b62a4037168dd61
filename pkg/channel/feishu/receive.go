package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MauroDruwel/mimiclaw/pkg/bus"
	"github.com/MauroDruwel/mimiclaw/pkg/channel"
	"github.com/MauroDruwel/mimiclaw/pkg/credentials"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkdispatcher "github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
)

// incoming is the part of a message event the bus cares about.
type incoming struct {
	MessageID   string
	ChatID      string
	SenderID    string
	MessageType string
	Content     string
}

type deliverFunc func(ctx context.Context, msg incoming)

// listenFunc runs an event stream for creds until ctx ends.
type listenFunc func(ctx context.Context, creds credentials.Pair, deliver deliverFunc) error

// restartReceiver stops any running event stream and starts one for the
// current credentials.
func (a *Adapter) restartReceiver() {
	a.mu.Lock()
	if a.stopRx != nil {
		a.stopRx()
	}
	if a.runCtx == nil || !a.creds.Complete() {
		a.stopRx = nil
		a.running = false
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(a.runCtx)
	a.stopRx = cancel
	a.running = true
	a.rxGen++
	a.rxApp = a.creds.Identifier
	creds, gen := a.creds, a.rxGen
	a.mu.Unlock()

	go func() {
		err := a.listen(ctx, creds, func(evCtx context.Context, msg incoming) {
			a.handleIncoming(evCtx, gen, msg)
		})

		a.mu.Lock()
		if a.rxGen == gen {
			a.running = false
		}
		a.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			a.log.Error("Feishu event stream stopped", "error", err)
		}
	}()
}

func (a *Adapter) handleIncoming(ctx context.Context, gen uint64, msg incoming) {
	a.mu.Lock()
	pub, stale := a.pub, a.rxGen != gen
	a.mu.Unlock()

	if stale {
		a.log.Debug("Ignoring event from a replaced connection", "message_id", msg.MessageID)
		return
	}
	if pub == nil {
		return
	}
	if msg.ChatID == "" {
		a.log.Debug("Ignoring event without chat id", "message_id", msg.MessageID)
		return
	}
	if !a.allowFrom.Allows(msg.SenderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", msg.SenderID)
		return
	}

	text, ok := decodeContent(msg.MessageType, msg.Content)
	if !ok {
		a.log.Debug("Ignoring message without text", "message_id", msg.MessageID, "message_type", msg.MessageType)
		return
	}

	inbound := bus.NewInbound(channelName, msg.ChatID, msg.SenderID, text)
	inbound.Metadata = map[string]string{
		"message_id":   msg.MessageID,
		"message_type": msg.MessageType,
	}
	a.log.Info("Received message", "chat_id", msg.ChatID, "sender_id", msg.SenderID, "content", channel.Preview(text))

	if err := pub.Push(ctx, bus.Inbound, inbound); err != nil {
		a.log.Error("Failed to publish inbound message", "chat_id", msg.ChatID, "error", err)
	}
}

// decodeContent extracts the text of a message. Text messages carry
// {"text": "..."}; other types are forwarded as their raw JSON. The text is
// returned as sent; ok is false when there is nothing but whitespace.
func decodeContent(messageType, content string) (string, bool) {
	if strings.TrimSpace(content) == "" {
		return "", false
	}

	var body struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &body); err == nil && body.Text != nil {
		if strings.TrimSpace(*body.Text) == "" {
			return "", false
		}
		return *body.Text, true
	}
	if messageType != "" && messageType != larkim.MsgTypeText {
		return "[" + messageType + "] " + content, true
	}
	return content, true
}

// listenLark holds a long-lived event connection open with the Lark SDK.
// The SDK's Start blocks forever and does not watch ctx, so a replaced
// connection stays open until the process exits; its events are dropped in
// handleIncoming.
func (a *Adapter) listenLark(ctx context.Context, creds credentials.Pair, deliver deliverFunc) error {
	handler := larkdispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(evCtx context.Context, event *larkim.P2MessageReceiveV1) error {
			if msg, ok := fromLarkEvent(event); ok {
				deliver(evCtx, msg)
			}
			return nil
		})

	client := larkws.NewClient(creds.Identifier, creds.Secret,
		larkws.WithEventHandler(handler),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
		larkws.WithLogger(larkLogger{log: a.log.With("source", "larkws")}),
		larkws.WithDomain(a.baseURL),
	)

	a.log.Info("Starting Feishu event connection", "app_id", creds.Identifier)
	return client.Start(ctx)
}

func fromLarkEvent(event *larkim.P2MessageReceiveV1) (incoming, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return incoming{}, false
	}

	m := event.Event.Message
	msg := incoming{
		MessageID:   deref(m.MessageId),
		ChatID:      deref(m.ChatId),
		MessageType: deref(m.MessageType),
		Content:     deref(m.Content),
	}
	if s := event.Event.Sender; s != nil && s.SenderId != nil {
		msg.SenderID = deref(s.SenderId.OpenId)
	}
	return msg, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// larkLogger routes SDK logging into slog.
type larkLogger struct {
	log *slog.Logger
}

func (l larkLogger) Debug(ctx context.Context, args ...interface{}) {
	l.log.DebugContext(ctx, fmt.Sprint(args...))
}

func (l larkLogger) Info(ctx context.Context, args ...interface{}) {
	l.log.InfoContext(ctx, fmt.Sprint(args...))
}

func (l larkLogger) Warn(ctx context.Context, args ...interface{}) {
	l.log.WarnContext(ctx, fmt.Sprint(args...))
}

func (l larkLogger) Error(ctx context.Context, args ...interface{}) {
	l.log.ErrorContext(ctx, fmt.Sprint(args...))
}
