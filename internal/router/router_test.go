package router

import (
	"context"
	"errors"
	"testing"

	"mcpproxy/internal/capability"
	"mcpproxy/internal/config"
	"mcpproxy/internal/outbound"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshot struct{ snap capability.Snapshot }

func (f fakeSnapshot) Current() capability.Snapshot { return f.snap }

type fakeBackends struct{ conns map[string]*outbound.Connection }

func (f fakeBackends) Get(name string) (*outbound.Connection, bool) {
	c, ok := f.conns[name]
	return c, ok
}

type fakeClient struct {
	callErr   error
	callCount int
	transient bool
}

func (c *fakeClient) Initialize(context.Context) error { return nil }
func (c *fakeClient) Close() error                     { return nil }
func (c *fakeClient) ListTools(context.Context) ([]mcp.Tool, error) { return nil, nil }
func (c *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.callCount++
	if c.callErr != nil && c.callCount == 1 {
		return nil, c.callErr
	}
	return &mcp.CallToolResult{}, nil
}
func (c *fakeClient) ListResources(context.Context) ([]mcp.Resource, error) { return nil, nil }
func (c *fakeClient) ReadResource(context.Context, string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}
func (c *fakeClient) ListPrompts(context.Context) ([]mcp.Prompt, error) { return nil, nil }
func (c *fakeClient) GetPrompt(context.Context, string, map[string]interface{}) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (c *fakeClient) Ping(context.Context) error { return nil }
func (c *fakeClient) HandshakeCapabilities() outbound.SupportedKinds {
	return outbound.SupportedKinds{Tools: true, Resources: true, Prompts: true}
}

func TestRouter_CallTool_RejectsUnreadyBackend(t *testing.T) {
	client := &fakeClient{}
	conn := outbound.NewConnection(config.BackendConfig{Name: "fs"}, client)

	snap := capability.Snapshot{Tools: []capability.ToolDescriptor{{Tool: mcp.Tool{Name: "read_file"}, Origin: "fs"}}}
	r := New(fakeBackends{conns: map[string]*outbound.Connection{"fs": conn}}, fakeSnapshot{snap: snap})

	_, err := r.CallTool(context.Background(), "read_file", nil)
	var notReady *outbound.BackendNotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, "fs", notReady.Backend)
	assert.Equal(t, "disconnected", notReady.State)
}

func TestRouter_CallTool_UnknownNameIsMethodNotFound(t *testing.T) {
	r := New(fakeBackends{conns: map[string]*outbound.Connection{}}, fakeSnapshot{snap: capability.Snapshot{}})
	_, err := r.CallTool(context.Background(), "missing", nil)
	var notFound *MethodNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRouter_ListTools_FiltersByAdmission(t *testing.T) {
	snap := capability.Snapshot{Tools: []capability.ToolDescriptor{
		{Tool: mcp.Tool{Name: "a"}, Origin: "fs"},
		{Tool: mcp.Tool{Name: "b"}, Origin: "git"},
	}}
	r := New(fakeBackends{}, fakeSnapshot{snap: snap})
	tools := r.ListTools(onlyOrigin("fs"))
	require.Len(t, tools, 1)
	assert.Equal(t, "a", tools[0].Name)
}

type onlyOrigin string

func (o onlyOrigin) AllowsOrigin(backend string) bool { return string(o) == backend }

func TestIsTransient_DeadlineExceededOnly(t *testing.T) {
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(errors.New("boom")))
}
