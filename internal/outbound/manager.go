// Package outbound owns one MCP client per configured backend and drives
// its connect/retry/disconnect lifecycle (spec §4.2).
package outbound

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mcpproxy/internal/config"
	"mcpproxy/internal/events"
	"mcpproxy/internal/transport"
	"mcpproxy/pkg/logging"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// DefaultConnectTimeout bounds a single connect attempt (dial +
	// handshake). It is passed as a deadline to Initialize, so the stdio
	// client's own 10s fallback (used only without a deadline) does not apply.
	DefaultConnectTimeout = 30 * time.Second

	// retryPollInterval is how often the manager's background loop checks
	// for error-state connections whose backoff has elapsed.
	retryPollInterval = 2 * time.Second
)

// EventBackendUp fires with the backend name when a connection reaches
// StatusConnected. EventBackendDown fires with the backend name when a
// previously connected backend transitions to error or is stopped.
// EventBackendCapabilities fires with the backend name whenever a fresh
// capability snapshot is captured after (re)connect.
const (
	EventBackendUp           = "backend-up"
	EventBackendDown         = "backend-down"
	EventBackendCapabilities = "backend-capabilities"
)

// Manager is the Outbound Connection Manager: it owns one Connection per
// configured backend, retries failed connects with capped exponential
// backoff, and publishes lifecycle events other components subscribe to.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	events      *events.Bus

	connectTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an empty connection manager. bus is the event bus the
// manager emits backend-up/backend-down/backend-capabilities on; callers
// typically share one bus across the whole proxy instance.
func NewManager(bus *events.Bus) *Manager {
	return &Manager{
		connections:    make(map[string]*Connection),
		events:         bus,
		connectTimeout: DefaultConnectTimeout,
	}
}

// Start launches the background retry loop. Call Stop to tear it down.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.retryLoop(runCtx)
}

// Stop halts the retry loop and closes every backend connection.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.disconnect(c)
	}
}

// AddBackend registers cfg and attempts an initial connect in the
// background. Replaces any existing connection for the same name.
func (m *Manager) AddBackend(ctx context.Context, cfg config.BackendConfig) error {
	spec, err := transport.Resolve(cfg)
	if err != nil {
		return fmt.Errorf("resolve transport for %q: %w", cfg.Name, err)
	}

	conn := NewConnection(cfg, NewClient(spec))

	m.mu.Lock()
	if existing, ok := m.connections[cfg.Name]; ok {
		m.mu.Unlock()
		m.disconnect(existing)
		m.mu.Lock()
	}
	m.connections[cfg.Name] = conn
	m.mu.Unlock()

	go m.connect(ctx, conn)
	return nil
}

// RemoveBackend disconnects and forgets the named backend.
func (m *Manager) RemoveBackend(name string) {
	m.mu.Lock()
	conn, ok := m.connections[name]
	delete(m.connections, name)
	m.mu.Unlock()

	if ok {
		m.disconnect(conn)
	}
}

// Get returns the connection for name, if any.
func (m *Manager) Get(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[name]
	return c, ok
}

// All returns every connection, sorted by backend name for deterministic
// iteration order in downstream fan-out.
func (m *Manager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connected returns every connection currently in StatusConnected.
func (m *Manager) Connected() []*Connection {
	all := m.All()
	out := make([]*Connection, 0, len(all))
	for _, c := range all {
		if c.Status() == StatusConnected {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) connect(ctx context.Context, conn *Connection) {
	conn.setStatus(StatusConnecting)

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	if err := conn.Client.Initialize(connectCtx); err != nil {
		m.handleConnectFailure(conn, err)
		return
	}

	conn.setConnected()
	logging.Info("OutboundManager", "backend %q connected", conn.Name)
	m.events.Emit(EventBackendUp, conn.Name)

	m.refreshCapabilities(ctx, conn)
}

func (m *Manager) handleConnectFailure(conn *Connection, err error) {
	wasConnected := conn.Status() == StatusConnected

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	for i := 0; i < conn.RetryCount(); i++ {
		b.NextBackOff()
	}
	delay := b.NextBackOff()

	conn.setError(fmt.Errorf("connect: %w", err), time.Now().Add(delay))
	logging.Warn("OutboundManager", "backend %q connect failed (retry %d in %s): %v",
		conn.Name, conn.RetryCount(), delay, err)

	if wasConnected {
		m.events.Emit(EventBackendDown, conn.Name)
	}
}

func (m *Manager) refreshCapabilities(ctx context.Context, conn *Connection) {
	supported := conn.Client.HandshakeCapabilities()

	var tools []mcp.Tool
	var resources []mcp.Resource
	var prompts []mcp.Prompt
	var err error

	if supported.Tools {
		if tools, err = conn.Client.ListTools(ctx); err != nil {
			logging.Debug("OutboundManager", "backend %q list tools: %v", conn.Name, err)
		}
	}
	if supported.Resources {
		if resources, err = conn.Client.ListResources(ctx); err != nil {
			logging.Debug("OutboundManager", "backend %q list resources: %v", conn.Name, err)
		}
	}
	if supported.Prompts {
		if prompts, err = conn.Client.ListPrompts(ctx); err != nil {
			logging.Debug("OutboundManager", "backend %q list prompts: %v", conn.Name, err)
		}
	}

	conn.SetCapabilities(Capabilities{Tools: tools, Resources: resources, Prompts: prompts})
	m.events.Emit(EventBackendCapabilities, conn.Name)
}

func (m *Manager) disconnect(conn *Connection) {
	wasConnected := conn.Status() == StatusConnected
	if err := conn.Client.Close(); err != nil {
		logging.Debug("OutboundManager", "backend %q close: %v", conn.Name, err)
	}
	conn.setStatus(StatusDisconnected)
	if wasConnected {
		m.events.Emit(EventBackendDown, conn.Name)
	}
}

// retryLoop polls error-state connections whose backoff has elapsed and
// reattempts their connect, mirroring the ticker-driven pending-retry sweep
// pattern used elsewhere in the proxy's background maintenance.
func (m *Manager) retryLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(retryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.retryDueConnections(ctx)
		}
	}
}

func (m *Manager) retryDueConnections(ctx context.Context) {
	now := time.Now()
	for _, conn := range m.All() {
		if conn.Status() != StatusError {
			continue
		}
		if conn.NextRetryAt().After(now) {
			continue
		}
		go m.connect(ctx, conn)
	}
}
