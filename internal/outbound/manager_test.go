package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"mcpproxy/internal/config"
	"mcpproxy/internal/events"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a hand-rolled stand-in for the mark3labs transport clients,
// letting manager tests drive connect success/failure without a real
// subprocess or socket.
type fakeClient struct {
	initErr   error
	initCalls int
	closed    bool
	tools     []mcp.Tool
}

func (f *fakeClient) Initialize(ctx context.Context) error {
	f.initCalls++
	return f.initErr
}
func (f *fakeClient) Close() error { f.closed = true; return nil }
func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}
func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) ListResources(ctx context.Context) ([]mcp.Resource, error) { return nil, nil }
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return nil, nil
}
func (f *fakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return nil, nil }
func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return nil, nil
}
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) HandshakeCapabilities() SupportedKinds {
	return SupportedKinds{Tools: true, Resources: true, Prompts: true}
}

var _ Client = (*fakeClient)(nil)

func TestManager_ConnectSucceeds(t *testing.T) {
	bus := events.New()
	m := NewManager(bus)

	var gotUp string
	bus.Subscribe(EventBackendUp, func(p any) { gotUp = p.(string) })

	conn := NewConnection(config.BackendConfig{Name: "fs"}, &fakeClient{tools: []mcp.Tool{{Name: "read"}}})
	m.connect(context.Background(), conn)

	assert.Equal(t, StatusConnected, conn.Status())
	assert.Equal(t, "fs", gotUp)
	assert.Len(t, conn.Capabilities().Tools, 1)
}

func TestManager_ConnectFailureSchedulesRetry(t *testing.T) {
	bus := events.New()
	m := NewManager(bus)

	fc := &fakeClient{initErr: errors.New("boom")}
	conn := NewConnection(config.BackendConfig{Name: "fs"}, fc)

	m.connect(context.Background(), conn)

	assert.Equal(t, StatusError, conn.Status())
	assert.Equal(t, 1, conn.RetryCount())
	assert.True(t, conn.NextRetryAt().After(time.Now()))
	require.Error(t, conn.LastError())
}

func TestManager_RetryDueConnectionsReattemptsAfterBackoff(t *testing.T) {
	bus := events.New()
	m := NewManager(bus)

	fc := &fakeClient{initErr: errors.New("boom")}
	conn := NewConnection(config.BackendConfig{Name: "fs"}, fc)
	m.mu.Lock()
	m.connections["fs"] = conn
	m.mu.Unlock()

	m.connect(context.Background(), conn)
	require.Equal(t, 1, fc.initCalls)

	// force the retry to be due immediately
	conn.mu.Lock()
	conn.nextRetryAt = time.Now().Add(-time.Second)
	conn.mu.Unlock()

	fc.initErr = nil
	m.retryDueConnections(context.Background())

	assert.Eventually(t, func() bool {
		return conn.Status() == StatusConnected
	}, time.Second, 10*time.Millisecond)
}

func TestManager_RemoveBackendClosesClient(t *testing.T) {
	bus := events.New()
	m := NewManager(bus)

	fc := &fakeClient{}
	conn := NewConnection(config.BackendConfig{Name: "fs"}, fc)
	m.mu.Lock()
	m.connections["fs"] = conn
	m.mu.Unlock()
	conn.setConnected()

	m.RemoveBackend("fs")

	assert.True(t, fc.closed)
	_, ok := m.Get("fs")
	assert.False(t, ok)
}

func TestManager_ConnectedFiltersByStatus(t *testing.T) {
	bus := events.New()
	m := NewManager(bus)

	up := NewConnection(config.BackendConfig{Name: "a"}, &fakeClient{})
	up.setConnected()
	down := NewConnection(config.BackendConfig{Name: "b"}, &fakeClient{})

	m.mu.Lock()
	m.connections["a"] = up
	m.connections["b"] = down
	m.mu.Unlock()

	connected := m.Connected()
	require.Len(t, connected, 1)
	assert.Equal(t, "a", connected[0].Name)
}
