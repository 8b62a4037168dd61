// Package channel defines the contract shared by every chat transport and the
// pieces they have in common: error categories, chunking, response
// accumulation and outbound routing.
package channel

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/MauroDruwel/mimiclaw/pkg/bus"
)

// ReceiveMode tells how an adapter learns about new messages.
type ReceiveMode string

const (
	ReceiveViaPolling  ReceiveMode = "polling"
	ReceiveViaCallback ReceiveMode = "callback"
)

// Publisher is the inbound half of the bus as seen by an adapter.
type Publisher interface {
	Push(ctx context.Context, q bus.Queue, msg bus.Message) error
}

// Adapter bridges one external transport (for example Feishu) into the bus.
//
// Init loads credentials and never fails just because they are missing; the
// adapter then stays configured-without-credentials and Send returns a
// KindConfig error until SetCredentials is called. Start must not block.
type Adapter interface {
	Name() string
	ReceiveMode() ReceiveMode
	Init(ctx context.Context) error
	Start(ctx context.Context, pub Publisher) error
	Send(ctx context.Context, chatID, text string) error
	SetCredentials(ctx context.Context, identifier, secret string) error
}

// Status is the adapter-reported state shown by the gateway.
type Status struct {
	Name        string      `json:"name"`
	ReceiveMode ReceiveMode `json:"receive_mode"`
	Configured  bool        `json:"configured"`
	Running     bool        `json:"running"`
}

// StatusReporter is implemented by adapters that can describe their state.
type StatusReporter interface {
	Status() Status
}

// AllowList is a set of sender ids. An empty list admits everyone.
type AllowList map[string]struct{}

// NewAllowList normalizes allow_from values into a lookup set.
func NewAllowList(allowFrom []string) AllowList {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(AllowList, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

func (a AllowList) Allows(senderID string) bool {
	if len(a) == 0 {
		return true
	}

	_, ok := a[strings.TrimSpace(senderID)]
	return ok
}

const messagePreviewLimit = 240

// Preview returns a bounded log-safe preview of message text.
func Preview(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	cut := messagePreviewLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut] + "..."
}
