// Package gateway runs the long-lived message gateway: every enabled channel,
// the agent pipeline between them, and a small status server.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	agentruntime "github.com/MauroDruwel/mimiclaw/pkg/agent/runtime"
	"github.com/MauroDruwel/mimiclaw/pkg/bus"
	"github.com/MauroDruwel/mimiclaw/pkg/channel"
	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/provider"
	"github.com/MauroDruwel/mimiclaw/pkg/session"
)

const defaultHealthHost = "0.0.0.0"

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	client   provider.Client
	sessions session.Store
	adapters []channel.Adapter
	closers  []func() error

	mu               sync.RWMutex
	startedAt        time.Time
	runtime          *agentruntime.Runtime
	providerLastOKAt time.Time
	providerLastErr  string
}

type statusResponse struct {
	Status           string                     `json:"status"`
	UptimeSeconds    int64                      `json:"uptime_seconds"`
	ProviderLastOKAt string                     `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                     `json:"provider_last_error,omitempty"`
	Channels         []channel.Status           `json:"channels"`
	Agent            agentruntime.StatsSnapshot `json:"agent"`
	InboundQueued    int                        `json:"inbound_queued"`
	OutboundQueued   int                        `json:"outbound_queued"`
}

func NewService(cfg *config.Config, client provider.Client, sessions session.Store, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if client == nil {
		return nil, errors.New("provider client is required")
	}
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cfg:      cfg,
		log:      log.With("component", "gateway.service"),
		client:   client,
		sessions: sessions,
		adapters: adapters,
	}, nil
}

func (s *Service) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Run starts the pipeline and the status server and blocks until ctx ends or
// the status server fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.close()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	rt, err := agentruntime.Start(ctx, agentruntime.Options{
		Config:        s.cfg,
		Client:        s.client,
		Sessions:      s.sessions,
		Adapters:      s.adapters,
		Log:           s.log,
		ObserveEvents: true,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	s.mu.Lock()
	s.runtime = rt
	s.mu.Unlock()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchProvider(watchCtx, rt.Bus())

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)

	select {
	case <-ctx.Done():
		s.log.Info("Gateway shutting down")
		return nil
	case err := <-serverErrors:
		return err
	}
}

func (s *Service) close() {
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			s.log.Error("Shutdown step failed", "error", err)
		}
	}
	s.closers = nil
}

// watchProvider derives provider health from reply outcomes on the bus.
func (s *Service) watchProvider(ctx context.Context, mb *bus.MessageBus) {
	events, unsubscribe := mb.SubscribeEvents(ctx, 32)
	defer unsubscribe()

	for event := range events {
		switch event.Type {
		case bus.EventReplySent:
			s.recordProviderResult(nil)
		case bus.EventReplyFailed:
			s.recordProviderResult(errors.New(event.Error))
		}
	}
}

func (s *Service) recordProviderResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.providerLastErr = err.Error()
		return
	}
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = config.DefaultGatewayPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := statusResponse{
		Status:          status,
		ProviderLastErr: s.providerLastErr,
		Channels:        []channel.Status{},
	}
	if !s.startedAt.IsZero() {
		resp.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	if !s.providerLastOKAt.IsZero() {
		resp.ProviderLastOKAt = s.providerLastOKAt.Format(time.RFC3339)
	}
	if s.runtime != nil {
		resp.Channels = s.runtime.Channels().Statuses()
		resp.Agent = s.runtime.Stats()
		resp.InboundQueued = s.runtime.Bus().Len(bus.Inbound)
		resp.OutboundQueued = s.runtime.Bus().Len(bus.Outbound)
	}
	return resp
}

// isReady needs a running pipeline with at least one receiving channel, and
// no provider failure since the last successful reply.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.runtime == nil || s.providerLastErr != "" {
		return false
	}

	for _, st := range s.runtime.Channels().Statuses() {
		if st.Running {
			return true
		}
	}
	return false
}
