// Package console is a local channel that reads prompts line by line and
// prints replies. It drives the agent command through the same bus path as
// the chat platforms.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MauroDruwel/mimiclaw/pkg/bus"
	"github.com/MauroDruwel/mimiclaw/pkg/channel"
)

const channelName = "console"

type Adapter struct {
	in     io.Reader
	out    io.Writer
	chatID string
	prompt string
	log    *slog.Logger

	mu       sync.Mutex
	pending  int
	eof      bool
	running  bool
	drained  chan struct{}
	drainOne sync.Once
	replies  chan string
	answered chan struct{}

	replyPrefix string
}

type Option func(*Adapter)

// WithReplyPrefix prints prefix before every reply line and a blank line
// after each reply.
func WithReplyPrefix(prefix string) Option {
	return func(a *Adapter) { a.replyPrefix = prefix }
}

// NewAdapter reads prompts from in and writes replies to out. A non-empty
// prompt string is printed before each read.
func NewAdapter(in io.Reader, out io.Writer, chatID, prompt string, log *slog.Logger, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(chatID) == "" {
		chatID = "local"
	}
	a := &Adapter{
		in:       in,
		out:      out,
		chatID:   chatID,
		prompt:   prompt,
		log:      log.With("component", "channel.console"),
		drained:  make(chan struct{}),
		replies:  make(chan string, 16),
		answered: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string                     { return channelName }
func (a *Adapter) ReceiveMode() channel.ReceiveMode { return channel.ReceiveViaPolling }
func (a *Adapter) Init(context.Context) error       { return nil }

func (a *Adapter) SetCredentials(context.Context, string, string) error {
	return &channel.Error{Kind: channel.KindConfig, Op: "set credentials", Msg: "console channel takes no credentials"}
}

// Start reads input in the background until EOF or ctx ends.
func (a *Adapter) Start(ctx context.Context, pub channel.Publisher) error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	go a.read(ctx, pub)
	return nil
}

func (a *Adapter) read(ctx context.Context, pub channel.Publisher) {
	defer func() {
		a.mu.Lock()
		a.eof = true
		a.running = false
		a.mu.Unlock()
		a.checkDrained()
	}()

	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		a.printPrompt()
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				a.log.Error("Console input failed", "error", err)
			}
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if IsExitCommand(line) {
			return
		}

		a.mu.Lock()
		a.pending++
		a.mu.Unlock()

		if err := pub.Push(ctx, bus.Inbound, bus.NewInbound(channelName, a.chatID, "local-user", line)); err != nil {
			a.log.Error("Failed to publish inbound message", "error", err)
			a.mu.Lock()
			a.pending--
			a.mu.Unlock()
			return
		}
		if a.prompt != "" {
			// wait for the reply before prompting again
			select {
			case <-ctx.Done():
				return
			case <-a.answered:
			}
		}
	}
}

func (a *Adapter) printPrompt() {
	if a.prompt != "" {
		_, _ = fmt.Fprint(a.out, a.prompt)
	}
}

// Send prints text. Messages for other chats are printed with their chat id.
func (a *Adapter) Send(_ context.Context, chatID, text string) error {
	if chatID != a.chatID {
		text = fmt.Sprintf("[%s] %s", chatID, text)
	}
	if err := a.print(text); err != nil {
		return channel.TransportError("write reply", err)
	}

	select {
	case a.replies <- text:
	default:
	}
	select {
	case a.answered <- struct{}{}:
	default:
	}

	a.mu.Lock()
	if a.pending > 0 {
		a.pending--
	}
	a.mu.Unlock()
	a.checkDrained()
	return nil
}

func (a *Adapter) print(text string) error {
	if a.replyPrefix == "" {
		_, err := fmt.Fprintln(a.out, text)
		return err
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	for _, line := range lines {
		if _, err := fmt.Fprintf(a.out, "%s%s\n", a.replyPrefix, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(a.out)
	return err
}

// IsExitCommand reports whether input asks to end the session.
func IsExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}

// Replies yields each reply after it has been printed.
func (a *Adapter) Replies() <-chan string {
	return a.replies
}

// Drained is closed once input has ended and every prompt has been answered.
func (a *Adapter) Drained() <-chan struct{} {
	return a.drained
}

func (a *Adapter) Status() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return channel.Status{Name: channelName, ReceiveMode: channel.ReceiveViaPolling, Configured: true, Running: a.running}
}

func (a *Adapter) checkDrained() {
	a.mu.Lock()
	done := a.eof && a.pending == 0
	a.mu.Unlock()

	if done {
		a.drainOne.Do(func() { close(a.drained) })
	}
}
