package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/MauroDruwel/mimiclaw/pkg/bus"
	"github.com/MauroDruwel/mimiclaw/pkg/channel"
	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/credentials"
)

type fakeFeishu struct {
	t *testing.T

	mu         sync.Mutex
	authCode   int
	expire     int
	authCalls  int
	authBodies []authRequest
	sendCode   int
	sent       []sendRequest
	bearers    []string
	queries    []string
	tokenSeq   int
	// onAuth runs before an auth request is answered, outside mu.
	onAuth func(authRequest)
}

func newFakeFeishu(t *testing.T) (*fakeFeishu, *httptest.Server) {
	t.Helper()

	f := &fakeFeishu{t: t, expire: 7200}
	mux := http.NewServeMux()
	mux.HandleFunc(authPath, func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)

		f.mu.Lock()
		hook := f.onAuth
		f.mu.Unlock()
		if hook != nil {
			hook(req)
		}

		f.mu.Lock()
		f.authCalls++
		f.authBodies = append(f.authBodies, req)
		code, expire := f.authCode, f.expire
		f.tokenSeq++
		token := "t-" + req.AppID + "-" + string(rune('0'+f.tokenSeq))
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if code != 0 {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": "app not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "tenant_access_token": token, "expire": expire})
	})
	mux.HandleFunc(messagePath, func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)

		f.mu.Lock()
		f.sent = append(f.sent, req)
		f.bearers = append(f.bearers, r.Header.Get("Authorization"))
		f.queries = append(f.queries, r.URL.RawQuery)
		code := f.sendCode
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": "done"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeFeishu) snapshot() (authCalls int, sent []sendRequest, bearers []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, append([]sendRequest(nil), f.sent...), append([]string(nil), f.bearers...)
}

func newTestAdapter(t *testing.T, baseURL string, store credentials.Store) *Adapter {
	t.Helper()

	a := NewAdapter(config.FeishuConfig{BaseURL: baseURL, RateLimit: -1}, store, nil)
	a.listen = func(ctx context.Context, _ credentials.Pair, _ deliverFunc) error {
		<-ctx.Done()
		return nil
	}
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return a
}

func TestSendChunksWithOneToken(t *testing.T) {
	fake, server := newFakeFeishu(t)
	store := credentials.NewMemoryStore()
	a := newTestAdapter(t, server.URL, store)

	if err := a.SetCredentials(context.Background(), "APP1", "SECRET1"); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}

	if err := a.Send(context.Background(), "chat42", strings.Repeat("A", 9000)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	authCalls, sent, bearers := fake.snapshot()
	if authCalls != 1 {
		t.Fatalf("auth calls = %d, want 1", authCalls)
	}
	wantLens := []int{4096, 4096, 808}
	if len(sent) != len(wantLens) {
		t.Fatalf("sent %d chunks, want %d", len(sent), len(wantLens))
	}
	for i, req := range sent {
		if req.ReceiveID != "chat42" || req.MsgType != "text" {
			t.Fatalf("chunk %d request = %+v", i, req)
		}
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(req.Content), &content); err != nil {
			t.Fatalf("chunk %d content is not a JSON string document: %v", i, err)
		}
		if n := utf8.RuneCountInString(content.Text); n != wantLens[i] {
			t.Fatalf("chunk %d length = %d, want %d", i, n, wantLens[i])
		}
		if bearers[i] != bearers[0] || !strings.HasPrefix(bearers[i], "Bearer t-APP1-") {
			t.Fatalf("chunk %d bearer = %q", i, bearers[i])
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.authBodies[0].AppID != "APP1" || fake.authBodies[0].AppSecret != "SECRET1" {
		t.Fatalf("auth body = %+v", fake.authBodies[0])
	}
	for _, q := range fake.queries {
		if q != "receive_id_type=chat_id" {
			t.Fatalf("query = %q", q)
		}
	}
}

func TestAuthFailureLeavesCacheEmpty(t *testing.T) {
	fake, server := newFakeFeishu(t)
	fake.authCode = 99

	a := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "APP1", AppSecret: "SECRET1", RateLimit: -1}, nil, nil)
	_ = a.Init(context.Background())

	err := a.Send(context.Background(), "c1", "hello")
	if !channel.IsKind(err, channel.KindProtocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
	var chErr *channel.Error
	if !errors.As(err, &chErr) || chErr.Code != 99 {
		t.Fatalf("err = %#v, want code 99", err)
	}

	_, sent, _ := fake.snapshot()
	if len(sent) != 0 {
		t.Fatalf("delivered %d messages, want 0", len(sent))
	}
	a.mu.Lock()
	cached := a.token
	a.mu.Unlock()
	if cached.value != "" {
		t.Fatalf("token cached after failed auth: %+v", cached)
	}

	fake.mu.Lock()
	fake.authCode = 0
	fake.mu.Unlock()
	if err := a.Send(context.Background(), "c1", "hello"); err != nil {
		t.Fatalf("Send after recovery: %v", err)
	}
	if authCalls, _, _ := fake.snapshot(); authCalls != 2 {
		t.Fatalf("auth calls = %d, want 2", authCalls)
	}
}

func TestSendWithoutCredentialsIsConfigError(t *testing.T) {
	fake, server := newFakeFeishu(t)
	a := newTestAdapter(t, server.URL, credentials.NewMemoryStore())

	err := a.Send(context.Background(), "c1", "hello")
	if !channel.IsKind(err, channel.KindConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
	if authCalls, sent, _ := fake.snapshot(); authCalls != 0 || len(sent) != 0 {
		t.Fatalf("unexpected traffic: auth=%d sent=%d", authCalls, len(sent))
	}
	if a.Status().Configured {
		t.Fatal("status should report unconfigured")
	}
}

func TestTokenRefreshesNearExpiry(t *testing.T) {
	fake, server := newFakeFeishu(t)
	a := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "A", AppSecret: "S", RateLimit: -1}, nil, nil)
	_ = a.Init(context.Background())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	_ = a.Send(context.Background(), "c", "one")
	now = now.Add(7200*time.Second - refreshMargin - time.Second)
	_ = a.Send(context.Background(), "c", "two")
	if authCalls, _, _ := fake.snapshot(); authCalls != 1 {
		t.Fatalf("auth calls before margin = %d, want 1", authCalls)
	}

	now = now.Add(time.Second)
	_ = a.Send(context.Background(), "c", "three")
	if authCalls, _, _ := fake.snapshot(); authCalls != 2 {
		t.Fatalf("auth calls at margin = %d, want 2", authCalls)
	}
}

func TestMissingExpireDefaults(t *testing.T) {
	fake, server := newFakeFeishu(t)
	fake.expire = 0
	a := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "A", AppSecret: "S", RateLimit: -1}, nil, nil)
	_ = a.Init(context.Background())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	_ = a.Send(context.Background(), "c", "x")

	a.mu.Lock()
	defer a.mu.Unlock()
	if want := now.Add(defaultExpire * time.Second); !a.token.expiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", a.token.expiresAt, want)
	}
}

func TestSendContinuesAfterRejectedChunk(t *testing.T) {
	fake, server := newFakeFeishu(t)
	fake.sendCode = 230001
	a := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "A", AppSecret: "S", MaxMessageLength: 2, RateLimit: -1}, nil, nil)
	_ = a.Init(context.Background())

	err := a.Send(context.Background(), "c", "abcdef")
	if !channel.IsKind(err, channel.KindProtocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if _, sent, _ := fake.snapshot(); len(sent) != 3 {
		t.Fatalf("attempted %d chunks, want 3", len(sent))
	}
	if !strings.Contains(err.Error(), "chunk 3/3") {
		t.Fatalf("err = %v, want every chunk reported", err)
	}
}

func TestSetCredentialsInvalidatesTokenAndPersists(t *testing.T) {
	fake, server := newFakeFeishu(t)
	store := credentials.NewMemoryStore()
	a := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "DEFAULT", AppSecret: "D", RateLimit: -1}, store, nil)
	_ = a.Init(context.Background())

	_ = a.Send(context.Background(), "c", "first")
	if err := a.SetCredentials(context.Background(), "APP2", "SECRET2"); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	_ = a.Send(context.Background(), "c", "second")

	authCalls, _, bearers := fake.snapshot()
	if authCalls != 2 {
		t.Fatalf("auth calls = %d, want 2", authCalls)
	}
	if !strings.HasPrefix(bearers[1], "Bearer t-APP2-") {
		t.Fatalf("second send bearer = %q", bearers[1])
	}

	restarted := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "DEFAULT", AppSecret: "D"}, store, nil)
	_ = restarted.Init(context.Background())
	if creds, _ := restarted.credentials(); creds.Identifier != "APP2" {
		t.Fatalf("stored override not preferred: %+v", creds)
	}

	if err := a.SetCredentials(context.Background(), "", "x"); !channel.IsKind(err, channel.KindConfig) {
		t.Fatalf("empty identifier err = %v", err)
	}
}

func TestNonJSONErrorIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	a := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "A", AppSecret: "S", RateLimit: -1}, nil, nil)
	_ = a.Init(context.Background())

	if err := a.Send(context.Background(), "c", "x"); !channel.IsKind(err, channel.KindTransport) {
		t.Fatalf("err = %v, want transport error", err)
	}
}

func TestMalformedAuthBodyIsParseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{not json")
	}))
	t.Cleanup(server.Close)

	a := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "A", AppSecret: "S", RateLimit: -1}, nil, nil)
	_ = a.Init(context.Background())

	if err := a.Send(context.Background(), "c", "x"); !channel.IsKind(err, channel.KindParse) {
		t.Fatalf("err = %v, want parse error", err)
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (p *recordingPublisher) Push(_ context.Context, _ bus.Queue, msg bus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) messages() []bus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Message(nil), p.msgs...)
}

func TestReceivePublishesInbound(t *testing.T) {
	a := NewAdapter(config.FeishuConfig{AppID: "A", AppSecret: "S", AllowFrom: []string{"ou_ok"}}, nil, nil)

	delivered := make(chan deliverFunc, 1)
	a.listen = func(ctx context.Context, creds credentials.Pair, deliver deliverFunc) error {
		delivered <- deliver
		<-ctx.Done()
		return nil
	}
	_ = a.Init(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &recordingPublisher{}
	if err := a.Start(ctx, pub); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var deliver deliverFunc
	select {
	case deliver = <-delivered:
	case <-time.After(time.Second):
		t.Fatal("listener was not started")
	}
	if !a.Status().Running {
		t.Fatal("status should report running")
	}

	deliver(ctx, incoming{MessageID: "m1", ChatID: "oc_1", SenderID: "ou_ok", MessageType: "text", Content: `{"text":"hi"}`})
	deliver(ctx, incoming{MessageID: "m2", ChatID: "oc_1", SenderID: "ou_nope", MessageType: "text", Content: `{"text":"blocked"}`})

	got := pub.messages()
	if len(got) != 1 {
		t.Fatalf("published %d messages, want 1", len(got))
	}
	if got[0].Channel != "feishu" || got[0].ChatID != "oc_1" || got[0].Content != "hi" {
		t.Fatalf("message = %+v", got[0])
	}
	if got[0].Metadata["message_id"] != "m1" {
		t.Fatalf("metadata = %#v", got[0].Metadata)
	}

	if err := a.SetCredentials(context.Background(), "B", "T"); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	deliver(ctx, incoming{MessageID: "m3", ChatID: "oc_1", SenderID: "ou_ok", Content: `{"text":"stale"}`})
	if len(pub.messages()) != 1 {
		t.Fatal("event from replaced credentials was published")
	}
}

func TestDecodeContent(t *testing.T) {
	tests := []struct {
		msgType string
		content string
		want    string
		wantOK  bool
	}{
		{msgType: "text", content: `{"text":" hello "}`, want: " hello ", wantOK: true},
		{msgType: "text", content: `{"text":"line one\nline two"}`, want: "line one\nline two", wantOK: true},
		{msgType: "image", content: `{"image_key":"img_1"}`, want: `[image] {"image_key":"img_1"}`, wantOK: true},
		{msgType: "text", content: "plain", want: "plain", wantOK: true},
		{msgType: "text", content: `{"text":"  "}`},
		{msgType: "text", content: `{"text":""}`},
		{msgType: "text", content: "  "},
	}
	for _, tt := range tests {
		got, ok := decodeContent(tt.msgType, tt.content)
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("decodeContent(%q, %q) = %q, %v; want %q, %v", tt.msgType, tt.content, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestWhitespaceTextIsNotPublished(t *testing.T) {
	a := NewAdapter(config.FeishuConfig{AppID: "A", AppSecret: "S"}, nil, nil)
	a.listen = func(ctx context.Context, _ credentials.Pair, _ deliverFunc) error {
		<-ctx.Done()
		return nil
	}
	_ = a.Init(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &recordingPublisher{}
	if err := a.Start(ctx, pub); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a.mu.Lock()
	gen := a.rxGen
	a.mu.Unlock()

	a.handleIncoming(ctx, gen, incoming{MessageID: "m1", ChatID: "oc_1", MessageType: "text", Content: `{"text":"   "}`})
	a.handleIncoming(ctx, gen, incoming{MessageID: "m2", ChatID: "oc_1", MessageType: "text", Content: `{"text":"  padded  "}`})

	got := pub.messages()
	if len(got) != 1 {
		t.Fatalf("published %d messages, want 1", len(got))
	}
	if got[0].Content != "  padded  " {
		t.Fatalf("content = %q, want text as sent", got[0].Content)
	}
}

func TestSecretRotationKeepsEventStream(t *testing.T) {
	a := NewAdapter(config.FeishuConfig{AppID: "A", AppSecret: "S"}, credentials.NewMemoryStore(), nil)

	var listenMu sync.Mutex
	var listens []credentials.Pair
	delivered := make(chan deliverFunc, 2)
	a.listen = func(ctx context.Context, creds credentials.Pair, deliver deliverFunc) error {
		listenMu.Lock()
		listens = append(listens, creds)
		listenMu.Unlock()
		delivered <- deliver
		<-ctx.Done()
		return nil
	}
	_ = a.Init(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &recordingPublisher{}
	if err := a.Start(ctx, pub); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var deliver deliverFunc
	select {
	case deliver = <-delivered:
	case <-time.After(time.Second):
		t.Fatal("listener was not started")
	}

	if err := a.SetCredentials(context.Background(), "A", "S2"); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	select {
	case <-delivered:
		t.Fatal("secret rotation reconnected the event stream")
	case <-time.After(50 * time.Millisecond):
	}

	deliver(ctx, incoming{MessageID: "m1", ChatID: "oc_1", MessageType: "text", Content: `{"text":"still here"}`})
	if got := pub.messages(); len(got) != 1 || got[0].Content != "still here" {
		t.Fatalf("published = %+v, want event from the kept connection", got)
	}
	if !a.Status().Running {
		t.Fatal("status should report running after secret rotation")
	}
	if creds, _ := a.credentials(); creds.Secret != "S2" {
		t.Fatalf("secret = %q, want S2", creds.Secret)
	}

	if err := a.SetCredentials(context.Background(), "B", "T"); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("app id change did not reconnect the event stream")
	}

	listenMu.Lock()
	defer listenMu.Unlock()
	if len(listens) != 2 || listens[0].Identifier != "A" || listens[1].Identifier != "B" {
		t.Fatalf("listens = %+v, want A then B", listens)
	}
}

func TestSetCredentialsDuringTokenRefresh(t *testing.T) {
	fake, server := newFakeFeishu(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fake.onAuth = func(req authRequest) {
		if req.AppID != "OLD" {
			return
		}
		once.Do(func() { close(entered) })
		<-release
	}

	a := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "OLD", AppSecret: "S1", RateLimit: -1}, nil, nil)
	_ = a.Init(context.Background())

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- a.Send(context.Background(), "c", "in flight")
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("token refresh did not start")
	}
	if err := a.SetCredentials(context.Background(), "NEW", "S2"); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	close(release)

	select {
	case err := <-sendErr:
		if err != nil {
			t.Fatalf("in-flight Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight Send did not finish")
	}

	a.mu.Lock()
	cached := a.token
	a.mu.Unlock()
	if cached.value != "" {
		t.Fatalf("token from replaced credentials was cached: %+v", cached)
	}

	if err := a.Send(context.Background(), "c", "after"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	authCalls, _, bearers := fake.snapshot()
	if authCalls != 2 {
		t.Fatalf("auth calls = %d, want 2", authCalls)
	}
	if last := bearers[len(bearers)-1]; !strings.HasPrefix(last, "Bearer t-NEW-") {
		t.Fatalf("bearer after rotation = %q, want a NEW token", last)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.authBodies[1].AppID != "NEW" || fake.authBodies[1].AppSecret != "S2" {
		t.Fatalf("second auth body = %+v", fake.authBodies[1])
	}
}

func TestConcurrentSendsShareCredentials(t *testing.T) {
	fake, server := newFakeFeishu(t)
	a := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "A", AppSecret: "S", RateLimit: -1}, nil, nil)
	_ = a.Init(context.Background())

	const senders = 8
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.Send(context.Background(), "c", "hello")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	authCalls, sent, bearers := fake.snapshot()
	if len(sent) != senders {
		t.Fatalf("sent %d messages, want %d", len(sent), senders)
	}
	if authCalls < 1 || authCalls > senders {
		t.Fatalf("auth calls = %d, want between 1 and %d", authCalls, senders)
	}
	for i, b := range bearers {
		if !strings.HasPrefix(b, "Bearer t-A-") {
			t.Fatalf("send %d bearer = %q", i, b)
		}
	}
	a.mu.Lock()
	cached := a.token
	a.mu.Unlock()
	if !strings.HasPrefix(cached.value, "t-A-") {
		t.Fatalf("cached token = %+v after concurrent sends", cached)
	}
}

func TestTokenRefreshIsBoundedByHTTPTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	a := NewAdapter(config.FeishuConfig{BaseURL: server.URL, AppID: "A", AppSecret: "S", RateLimit: -1}, nil, nil)
	if a.http.Timeout != httpTimeout {
		t.Fatalf("http timeout = %v, want %v", a.http.Timeout, httpTimeout)
	}
	a.http.Timeout = 50 * time.Millisecond
	_ = a.Init(context.Background())

	start := time.Now()
	err := a.Send(context.Background(), "c", "x")
	if !channel.IsKind(err, channel.KindTransport) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("hung auth endpoint held Send for %v", elapsed)
	}
}
