package outbound

import (
	"sync"
	"time"

	"mcpproxy/internal/config"

	"github.com/mark3labs/mcp-go/mcp"
)

// Status is the lifecycle state of one outbound connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Capabilities is the last-known set of tools/resources/prompts a backend
// reported, captured alongside the connection so the capability aggregator
// can read it without a round trip to the backend.
type Capabilities struct {
	Tools     []mcp.Tool
	Resources []mcp.Resource
	Prompts   []mcp.Prompt
}

// Connection is the Outbound Connection entity of spec §4.2: one per
// configured backend, tracking its client, lifecycle state and retry
// bookkeeping.
type Connection struct {
	mu sync.RWMutex

	Name   string
	Config config.BackendConfig
	Client Client

	status          Status
	lastError       error
	lastConnectedAt time.Time
	retryCount      int
	nextRetryAt     time.Time
	capabilities    Capabilities
}

// NewConnection builds a disconnected connection for cfg. client is the
// concrete transport client (not yet initialized).
func NewConnection(cfg config.BackendConfig, client Client) *Connection {
	return &Connection{
		Name:   cfg.Name,
		Config: cfg,
		Client: client,
		status: StatusDisconnected,
	}
}

func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Connection) setConnected() {
	c.mu.Lock()
	c.status = StatusConnected
	c.lastError = nil
	c.lastConnectedAt = time.Now()
	c.retryCount = 0
	c.nextRetryAt = time.Time{}
	c.mu.Unlock()
}

func (c *Connection) setError(err error, nextRetryAt time.Time) {
	c.mu.Lock()
	c.status = StatusError
	c.lastError = err
	c.retryCount++
	c.nextRetryAt = nextRetryAt
	c.mu.Unlock()
}

func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *Connection) RetryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retryCount
}

func (c *Connection) NextRetryAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextRetryAt
}

func (c *Connection) LastConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastConnectedAt
}

func (c *Connection) SetCapabilities(caps Capabilities) {
	c.mu.Lock()
	c.capabilities = caps
	c.mu.Unlock()
}

func (c *Connection) Capabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// Tags returns the backend's configured tags, used by the tag filter and
// capability namespacing policy.
func (c *Connection) Tags() map[string]struct{} {
	return c.Config.TagSet()
}
