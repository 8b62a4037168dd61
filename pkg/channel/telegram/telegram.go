package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MauroDruwel/mimiclaw/pkg/bus"
	"github.com/MauroDruwel/mimiclaw/pkg/channel"
	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/credentials"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"

// Namespace is where a bot token override is persisted.
const Namespace = "telegram"

const typingRefreshInterval = 4 * time.Second

// Adapter bridges Telegram long polling onto the bus.
type Adapter struct {
	defaults   credentials.Pair
	store      credentials.Store
	maxLen     int
	allowFrom  channel.AllowList
	botOptions []telego.BotOption
	log        *slog.Logger

	mu      sync.Mutex
	bot     *telego.Bot
	runCtx  context.Context
	pub     channel.Publisher
	stopRx  context.CancelFunc
	running bool
	typing  map[int64]context.CancelFunc
}

// NewAdapter constructs a Telegram adapter. The bot token is the credential
// secret; the identifier is only a label.
func NewAdapter(cfg config.TelegramConfig, store credentials.Store, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	maxLen := cfg.MaxMessageLength
	if maxLen <= 0 {
		maxLen = config.DefaultMaxMessageLength
	}

	return &Adapter{
		defaults:  credentials.Pair{Identifier: channelName, Secret: strings.TrimSpace(cfg.Token)},
		store:     store,
		maxLen:    maxLen,
		allowFrom: channel.NewAllowList(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
		typing:    make(map[int64]context.CancelFunc),
	}
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

func (a *Adapter) ReceiveMode() channel.ReceiveMode {
	return channel.ReceiveViaPolling
}

func (a *Adapter) Init(ctx context.Context) error {
	pair, err := credentials.Resolve(ctx, a.store, Namespace, a.defaults)
	if err != nil {
		a.log.Warn("Failed to read stored credentials, using configured defaults", "error", err)
		pair = a.defaults
	}

	if strings.TrimSpace(pair.Secret) == "" {
		a.log.Warn("Telegram bot token not configured; sends will fail until it is set")
		return nil
	}

	bot, err := telego.NewBot(pair.Secret, a.botOptions...)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	a.mu.Lock()
	a.bot = bot
	a.mu.Unlock()
	return nil
}

// Start launches long polling in the background.
func (a *Adapter) Start(ctx context.Context, pub channel.Publisher) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.pub = pub
	configured := a.bot != nil
	a.mu.Unlock()

	if !configured {
		a.log.Warn("Telegram receive disabled", "error", channel.ConfigError("receive"))
		return nil
	}
	return a.restartPolling()
}

func (a *Adapter) SetCredentials(ctx context.Context, identifier, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &channel.Error{Kind: channel.KindConfig, Op: "set credentials", Msg: "bot token is required"}
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		identifier = channelName
	}

	bot, err := telego.NewBot(secret, a.botOptions...)
	if err != nil {
		return &channel.Error{Kind: channel.KindConfig, Op: "set credentials", Err: err}
	}
	if a.store != nil {
		if err := credentials.Save(ctx, a.store, Namespace, credentials.Pair{Identifier: identifier, Secret: secret}); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.bot = bot
	started := a.pub != nil
	a.mu.Unlock()

	a.log.Info("Telegram bot token updated")
	if started {
		return a.restartPolling()
	}
	return nil
}

func (a *Adapter) Status() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return channel.Status{
		Name:        channelName,
		ReceiveMode: channel.ReceiveViaPolling,
		Configured:  a.bot != nil,
		Running:     a.running,
	}
}

func (a *Adapter) restartPolling() error {
	a.mu.Lock()
	if a.stopRx != nil {
		a.stopRx()
	}
	ctx, cancel := context.WithCancel(a.runCtx)
	a.stopRx = cancel
	bot, pub := a.bot, a.pub
	a.mu.Unlock()

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	a.log.Info("Telegram channel started")

	go a.poll(ctx, bot, pub, updates)
	return nil
}

func (a *Adapter) poll(ctx context.Context, bot *telego.Bot, pub channel.Publisher, updates <-chan telego.Update) {
	defer func() {
		a.mu.Lock()
		if a.bot == bot {
			a.running = false
		}
		a.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() == nil {
					a.log.Error("Telegram updates channel closed")
				}
				return
			}

			inbound, ok := a.toInbound(update)
			if !ok {
				continue
			}
			a.log.Info("Received message", "chat_id", inbound.ChatID, "sender_id", inbound.SenderID, "content", channel.Preview(inbound.Content))

			if chatID, err := strconv.ParseInt(inbound.ChatID, 10, 64); err == nil {
				a.startTypingIndicator(ctx, bot, chatID)
			}
			if err := pub.Push(ctx, bus.Inbound, inbound); err != nil {
				a.log.Error("Failed to publish inbound message", "chat_id", inbound.ChatID, "error", err)
			}
		}
	}
}

// toInbound converts a Telegram update into a bus message. Non-text updates
// and unauthorized senders are dropped.
func (a *Adapter) toInbound(update telego.Update) (bus.Message, bool) {
	message := update.Message
	if message == nil {
		return bus.Message{}, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		return bus.Message{}, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return bus.Message{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.allowFrom.Allows(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return bus.Message{}, false
	}

	inbound := bus.NewInbound(channelName, strconv.FormatInt(message.Chat.ID, 10), senderID, content)
	inbound.Metadata = map[string]string{
		"update_id": strconv.Itoa(update.UpdateID),
	}
	return inbound, true
}

// Send posts text to chatID in chunks of at most the configured length.
func (a *Adapter) Send(ctx context.Context, chatID, text string) error {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()

	if bot == nil {
		err := channel.ConfigError("send")
		a.log.Warn("Dropping outbound message", "chat_id", chatID, "error", err)
		return err
	}

	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	a.stopTyping(id)

	chunks := channel.SplitChunksFunc(text, a.maxLen, channel.UTF16Width)
	a.log.Info("Sending message", "chat_id", chatID, "chunks", len(chunks), "content", channel.Preview(text))

	var errs []error
	for i, chunk := range chunks {
		if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(id), chunk)); err != nil {
			a.log.Error("Failed to send telegram message", "chat_id", chatID, "chunk", i+1, "error", err)
			errs = append(errs, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), channel.TransportError("send message", err)))
		}
	}
	return errors.Join(errs...)
}

// startTypingIndicator sends a typing action and refreshes it until the reply
// for chatID is sent or ctx ends.
func (a *Adapter) startTypingIndicator(ctx context.Context, bot *telego.Bot, chatID int64) {
	typingCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if prev, ok := a.typing[chatID]; ok {
		prev()
	}
	a.typing[chatID] = cancel
	a.mu.Unlock()

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	go func() {
		sendTyping()

		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()
}

func (a *Adapter) stopTyping(chatID int64) {
	a.mu.Lock()
	cancel, ok := a.typing[chatID]
	delete(a.typing, chatID)
	a.mu.Unlock()

	if ok {
		cancel()
	}
}
