// Package feishu connects a Feishu (Lark) bot to the message bus.
//
// Outbound text goes through the open platform HTTP API with a tenant access
// token that is fetched lazily and cached until shortly before it expires.
// Inbound events arrive over the platform's long-lived event connection.
package feishu

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MauroDruwel/mimiclaw/pkg/channel"
	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/credentials"

	"golang.org/x/time/rate"
)

const (
	channelName = "feishu"

	// Namespace is where credential overrides are persisted.
	Namespace = "feishu"

	defaultRateLimit = 5
	// httpTimeout bounds every API call, token refresh included.
	httpTimeout = 30 * time.Second
)

// Adapter is the Feishu channel. Credentials and the cached token are the
// only mutable state and are guarded by mu.
type Adapter struct {
	baseURL   string
	maxLen    int
	defaults  credentials.Pair
	store     credentials.Store
	allowFrom channel.AllowList
	http      *http.Client
	limiter   *rate.Limiter
	log       *slog.Logger
	now       func() time.Time
	listen    listenFunc

	mu      sync.Mutex
	creds   credentials.Pair
	credGen uint64
	token   cachedToken
	runCtx  context.Context
	pub     channel.Publisher
	stopRx  context.CancelFunc
	running bool
	// rxGen and rxApp identify the event stream that is currently open.
	rxGen uint64
	rxApp string
}

func NewAdapter(cfg config.FeishuConfig, store credentials.Store, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = config.DefaultFeishuBaseURL
	}
	maxLen := cfg.MaxMessageLength
	if maxLen <= 0 {
		maxLen = config.DefaultMaxMessageLength
	}

	limit := rate.Limit(cfg.RateLimit)
	switch {
	case cfg.RateLimit == 0:
		limit = defaultRateLimit
	case cfg.RateLimit < 0:
		limit = rate.Inf
	}

	a := &Adapter{
		baseURL:   baseURL,
		maxLen:    maxLen,
		defaults:  credentials.Pair{Identifier: strings.TrimSpace(cfg.AppID), Secret: strings.TrimSpace(cfg.AppSecret)},
		store:     store,
		allowFrom: channel.NewAllowList(cfg.AllowFrom),
		http:      &http.Client{Timeout: httpTimeout},
		limiter:   rate.NewLimiter(limit, defaultRateLimit),
		log:       log.With("component", "channel.feishu"),
		now:       time.Now,
	}
	a.listen = a.listenLark
	return a
}

func (a *Adapter) Name() string {
	return channelName
}

func (a *Adapter) ReceiveMode() channel.ReceiveMode {
	return channel.ReceiveViaCallback
}

// Init loads credentials, letting stored overrides win over configured
// defaults. Missing credentials are logged, not returned.
func (a *Adapter) Init(ctx context.Context) error {
	pair, err := credentials.Resolve(ctx, a.store, Namespace, a.defaults)
	if err != nil {
		a.log.Warn("Failed to read stored credentials, using configured defaults", "error", err)
		pair = a.defaults
	}

	a.mu.Lock()
	a.creds = pair
	a.token = cachedToken{}
	a.credGen++
	a.mu.Unlock()

	if !pair.Complete() {
		a.log.Warn("Feishu credentials not configured; sends will fail until they are set")
		return nil
	}
	a.log.Info("Feishu credentials loaded", "app_id", pair.Identifier)
	return nil
}

// Start begins receiving events. Without credentials nothing is received
// until SetCredentials supplies them.
func (a *Adapter) Start(ctx context.Context, pub channel.Publisher) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.pub = pub
	configured := a.creds.Complete()
	a.mu.Unlock()

	if !configured {
		a.log.Warn("Feishu receive disabled", "error", channel.ConfigError("receive"))
		return nil
	}

	a.restartReceiver()
	return nil
}

// SetCredentials persists a new app id/secret and drops the cached token.
// The event stream is reconnected only when the app id changes; a secret
// rotation keeps the open connection. Sends already holding the old token
// finish with it.
func (a *Adapter) SetCredentials(ctx context.Context, identifier, secret string) error {
	pair := credentials.Pair{Identifier: strings.TrimSpace(identifier), Secret: strings.TrimSpace(secret)}
	if !pair.Complete() {
		return &channel.Error{Kind: channel.KindConfig, Op: "set credentials", Msg: "app id and app secret are required"}
	}

	if a.store != nil {
		if err := credentials.Save(ctx, a.store, Namespace, pair); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.creds = pair
	a.token = cachedToken{}
	a.credGen++
	reconnect := a.pub != nil && !(a.running && a.rxApp == pair.Identifier)
	a.mu.Unlock()

	a.log.Info("Feishu credentials updated", "app_id", pair.Identifier, "reconnect", reconnect)

	if reconnect {
		a.restartReceiver()
	}
	return nil
}

func (a *Adapter) Status() channel.Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	return channel.Status{
		Name:        channelName,
		ReceiveMode: channel.ReceiveViaCallback,
		Configured:  a.creds.Complete(),
		Running:     a.running,
	}
}

func (a *Adapter) credentials() (credentials.Pair, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds, a.credGen
}
