package main

import (
	"context"
	"fmt"

	"mcpproxy/internal/capability"
	"mcpproxy/internal/config"
	"mcpproxy/internal/events"
	"mcpproxy/internal/outbound"
	"mcpproxy/internal/router"
	"mcpproxy/internal/scope"
	"mcpproxy/internal/session"
	"mcpproxy/internal/templatepool"
	"mcpproxy/pkg/logging"
)

// proxyApp wires every component of the proxy together: one bus, one
// outbound manager, one capability/instruction aggregator pair, one
// template pool, one router, and the session manager + notification broker
// that sit in front of inbound clients. Grounded on the teacher's
// internal/app.Services bundle (cmd/serve.go -> app.NewApplication), scaled
// down to this module's single-process scope.
type proxyApp struct {
	bus          *events.Bus
	outboundMgr  *outbound.Manager
	aggregator   *capability.Aggregator
	instructions *capability.InstructionAggregator
	templates    *templatepool.Pool
	router       *router.Router
	broker       *session.Broker
	sessions     *session.Manager
	presets      scope.PresetLookup

	configDir string
	loaded    *config.LoadResult
}

// buildApp loads configDir's configuration and constructs every component,
// registering each configured backend with the outbound manager. It does
// not start any background loop or inbound transport; call start for that.
func buildApp(ctx context.Context, configDir string) (*proxyApp, error) {
	loaded, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	for _, verr := range loaded.Errors {
		logging.Warn("muster-proxyd", "config field %q: %s", verr.Field, verr.Message)
	}

	bus := events.New()
	outboundMgr := outbound.NewManager(bus)
	aggregator := capability.NewAggregator(outboundMgr, bus)
	instructions := capability.NewInstructionAggregator(outboundMgr, bus)
	pool := templatepool.NewPool(outboundMgr, bus)

	for name, cfg := range loaded.Servers {
		if err := outboundMgr.AddBackend(ctx, cfg); err != nil {
			logging.Error("muster-proxyd", err, "registering backend %q", name)
		}
	}

	tagsOf := func(backendName string) map[string]struct{} {
		conn, ok := outboundMgr.Get(backendName)
		if !ok {
			return nil
		}
		return conn.Tags()
	}

	rt := router.New(outboundMgr, aggregator)
	presets := scope.ConfigPresetLookup(loaded.Presets)
	broker := session.NewBroker(tagsOf)
	sessions := session.NewManager(aggregator, instructions, tagsOf, presets, broker, rt, pool, loaded.Templates)
	broker.SetManager(sessions)
	bus.Subscribe(capability.EventCapabilitiesChanged, broker.OnCapabilitiesChanged)
	refresh := func(any) { aggregator.Refresh(ctx) }
	bus.Subscribe(outbound.EventBackendCapabilities, refresh)
	bus.Subscribe(outbound.EventBackendDown, refresh)
	bus.Subscribe(templatepool.EventInstanceEvicted, refresh)

	return &proxyApp{
		bus:          bus,
		outboundMgr:  outboundMgr,
		aggregator:   aggregator,
		instructions: instructions,
		templates:    pool,
		router:       rt,
		broker:       broker,
		sessions:     sessions,
		presets:      presets,
		configDir:    configDir,
		loaded:       loaded,
	}, nil
}

// reload re-reads configDir and diffs the result against the currently
// registered backends: added entries are registered, removed entries are
// torn down, and changed entries are replaced in place. Called by the
// config-directory watcher in serve.go. Grounded on the teacher's own
// config-reload path (internal/config watcher -> AddBackend/RemoveBackend),
// adapted from a full service-manager restart to this module's narrower
// backend set.
func (a *proxyApp) reload(ctx context.Context) error {
	loaded, err := config.Load(a.configDir)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	for _, verr := range loaded.Errors {
		logging.Warn("muster-proxyd", "config field %q: %s", verr.Field, verr.Message)
	}

	for name := range a.loaded.Servers {
		if _, ok := loaded.Servers[name]; !ok {
			logging.Info("muster-proxyd", "backend %q removed from config, disconnecting", name)
			a.outboundMgr.RemoveBackend(name)
		}
	}
	for name, cfg := range loaded.Servers {
		if prev, ok := a.loaded.Servers[name]; ok && prev.Equal(cfg) {
			continue
		}
		logging.Info("muster-proxyd", "backend %q added or changed, (re)connecting", name)
		if err := a.outboundMgr.AddBackend(ctx, cfg); err != nil {
			logging.Error("muster-proxyd", err, "registering backend %q", name)
		}
	}

	a.presets = scope.ConfigPresetLookup(loaded.Presets)
	a.loaded = loaded
	a.aggregator.Refresh(ctx)
	return nil
}

// start launches the background loops (outbound retry, template reaper) and
// performs the initial capability discovery pass.
func (a *proxyApp) start(ctx context.Context) {
	a.outboundMgr.Start(ctx)
	a.templates.Start(ctx)
	a.aggregator.Refresh(ctx)
}

// stop tears down the background loops. Inbound transports are stopped by
// their own caller first.
func (a *proxyApp) stop() {
	a.templates.Stop()
	a.outboundMgr.Stop()
}
