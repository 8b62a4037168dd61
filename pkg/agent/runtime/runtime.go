// Package runtime assembles the bus, the agent orchestrator and the channel
// adapters into one running pipeline.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MauroDruwel/mimiclaw/pkg/agent"
	agentprofile "github.com/MauroDruwel/mimiclaw/pkg/agent/profile"
	"github.com/MauroDruwel/mimiclaw/pkg/bus"
	"github.com/MauroDruwel/mimiclaw/pkg/channel"
	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/provider"
	"github.com/MauroDruwel/mimiclaw/pkg/session"
)

type Options struct {
	Config   *config.Config
	Client   provider.Client
	Sessions session.Store
	Adapters []channel.Adapter
	Log      *slog.Logger

	// ObserveEvents logs every bus event. Counters are kept either way.
	ObserveEvents bool
}

// Runtime owns the goroutines of a running pipeline:
//   - one agent orchestrator consuming the inbound queue,
//   - one dispatcher draining the outbound queue into adapters,
//   - one event observer keeping counters,
//   - and whatever receive loops the adapters start.
type Runtime struct {
	bus      *bus.MessageBus
	channels *channel.Manager
	stats    *Stats
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func Start(ctx context.Context, opts Options) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Client == nil {
		return nil, errors.New("provider client is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	systemProfile, err := agentprofile.ResolveSystemProfile(opts.Config.Agents.Defaults.Profile)
	if err != nil {
		return nil, fmt.Errorf("resolve agent profile: %w", err)
	}

	messageBus := bus.NewMessageBus(opts.Config.Bus.Capacity)
	orchestrator, err := agent.New(messageBus, opts.Client, opts.Sessions, systemProfile, opts.Config.Agents.Defaults, log)
	if err != nil {
		messageBus.Close()
		return nil, fmt.Errorf("create agent: %w", err)
	}

	manager := channel.NewManager(messageBus, log)
	for _, adapter := range opts.Adapters {
		if err := manager.Register(adapter); err != nil {
			messageBus.Close()
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt := &Runtime{
		bus:      messageBus,
		channels: manager,
		stats:    &Stats{},
		log:      log.With("component", "agent.runtime"),
		cancel:   cancel,
	}

	// Subscribe before anything can publish so no early event is missed.
	events, unsubscribe := messageBus.SubscribeEvents(runCtx, 64)
	rt.goRun(func() { observeAgentEvents(events, unsubscribe, rt.stats, log, opts.ObserveEvents) })
	rt.goRun(func() {
		if err := orchestrator.Run(runCtx); err != nil {
			rt.log.Error("Agent orchestrator failed", "error", err)
		}
	})
	rt.goRun(func() { manager.DispatchOutbound(runCtx) })

	if err := manager.StartAll(runCtx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("start channels: %w", err)
	}

	rt.log.Info("Runtime started", "channels", manager.Names(), "bus_capacity", messageBus.Cap(bus.Inbound))
	return rt, nil
}

func (r *Runtime) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) Bus() *bus.MessageBus {
	return r.bus
}

func (r *Runtime) Channels() *channel.Manager {
	return r.channels
}

func (r *Runtime) Stats() StatsSnapshot {
	return r.stats.Snapshot()
}

// Close stops the pipeline and waits for its goroutines. Messages still
// queued are dropped.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	r.cancel()
	r.bus.Close()
	r.wg.Wait()
}
