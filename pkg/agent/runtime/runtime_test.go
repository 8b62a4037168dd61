package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MauroDruwel/mimiclaw/pkg/bus"
	"github.com/MauroDruwel/mimiclaw/pkg/channel"
	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/session"
)

type fakeProviderClient struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (f *fakeProviderClient) Chat(_ context.Context, _ string, turns []session.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply + ":" + turns[len(turns)-1].Content, nil
}

type fakeAdapter struct {
	name     string
	startErr error

	mu   sync.Mutex
	pub  channel.Publisher
	sent chan string
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, sent: make(chan string, 8)}
}

func (f *fakeAdapter) Name() string                                         { return f.name }
func (f *fakeAdapter) ReceiveMode() channel.ReceiveMode                     { return channel.ReceiveViaPolling }
func (f *fakeAdapter) Init(context.Context) error                           { return nil }
func (f *fakeAdapter) SetCredentials(context.Context, string, string) error { return nil }

func (f *fakeAdapter) Start(_ context.Context, pub channel.Publisher) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.pub = pub
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Send(_ context.Context, chatID, text string) error {
	f.sent <- chatID + "|" + text
	return nil
}

func (f *fakeAdapter) receive(t *testing.T, chatID, content string) {
	t.Helper()
	f.mu.Lock()
	pub := f.pub
	f.mu.Unlock()
	if err := pub.Push(context.Background(), bus.Inbound, bus.NewInbound(f.name, chatID, "u1", content)); err != nil {
		t.Fatalf("Push error: %v", err)
	}
}

func (f *fakeAdapter) waitSent(t *testing.T) string {
	t.Helper()
	select {
	case got := <-f.sent:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send")
		return ""
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return cfg
}

func TestStartRoutesReplyToOriginatingChannel(t *testing.T) {
	feishu := newFakeAdapter("feishu")
	telegram := newFakeAdapter("telegram")
	rt, err := Start(context.Background(), Options{
		Config:   testConfig(),
		Client:   &fakeProviderClient{reply: "echo"},
		Sessions: session.NewMemoryStore(),
		Adapters: []channel.Adapter{feishu, telegram},
	})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer rt.Close()

	feishu.receive(t, "c1", "hi")
	if got := feishu.waitSent(t); got != "c1|echo:hi" {
		t.Fatalf("feishu sent %q, want %q", got, "c1|echo:hi")
	}

	telegram.receive(t, "42", "yo")
	if got := telegram.waitSent(t); got != "42|echo:yo" {
		t.Fatalf("telegram sent %q, want %q", got, "42|echo:yo")
	}

	deadline := time.Now().Add(2 * time.Second)
	for rt.Stats().Replied < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v, want 2 replies", rt.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snap := rt.Stats(); snap.Received != 2 || snap.LastEventAt.IsZero() {
		t.Fatalf("stats = %+v, want 2 received with a timestamp", snap)
	}
}

func TestStartProviderFailureSendsFallback(t *testing.T) {
	console := newFakeAdapter("console")
	rt, err := Start(context.Background(), Options{
		Config:   testConfig(),
		Client:   &fakeProviderClient{err: errors.New("offline")},
		Sessions: session.NewMemoryStore(),
		Adapters: []channel.Adapter{console},
	})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer rt.Close()

	console.receive(t, "local", "hi")
	if got := console.waitSent(t); got != "local|"+config.DefaultFallbackText {
		t.Fatalf("sent %q, want fallback", got)
	}
}

func TestStartValidation(t *testing.T) {
	adapter := newFakeAdapter("console")
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing config", opts: Options{Client: &fakeProviderClient{}, Sessions: session.NewMemoryStore()}},
		{name: "missing client", opts: Options{Config: testConfig(), Sessions: session.NewMemoryStore()}},
		{name: "missing sessions", opts: Options{Config: testConfig(), Client: &fakeProviderClient{}}},
		{name: "no adapters", opts: Options{Config: testConfig(), Client: &fakeProviderClient{}, Sessions: session.NewMemoryStore()}},
		{name: "duplicate adapters", opts: Options{
			Config: testConfig(), Client: &fakeProviderClient{}, Sessions: session.NewMemoryStore(),
			Adapters: []channel.Adapter{adapter, adapter},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Start(context.Background(), tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStartFailsWhenNoChannelStarts(t *testing.T) {
	broken := newFakeAdapter("feishu")
	broken.startErr = errors.New("nope")

	_, err := Start(context.Background(), Options{
		Config:   testConfig(),
		Client:   &fakeProviderClient{},
		Sessions: session.NewMemoryStore(),
		Adapters: []channel.Adapter{broken},
	})
	if err == nil {
		t.Fatal("expected error when no channel starts")
	}
}

func TestStatsRecord(t *testing.T) {
	var s Stats
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, typ := range []bus.EventType{
		bus.EventMessageReceived, bus.EventMessageReceived,
		bus.EventReplySent, bus.EventReplyFailed, bus.EventDeliveryFailed,
	} {
		s.record(bus.Event{Type: typ, At: at})
	}

	snap := s.Snapshot()
	if snap.Received != 2 || snap.Replied != 1 || snap.Failed != 1 || snap.DeliveryFailed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !snap.LastEventAt.Equal(at) {
		t.Fatalf("LastEventAt = %v, want %v", snap.LastEventAt, at)
	}
}
