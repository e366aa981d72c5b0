package capability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mcpproxy/internal/config"
	"mcpproxy/internal/events"
	"mcpproxy/internal/outbound"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	tools     []mcp.Tool
	resources []mcp.Resource
	prompts   []mcp.Prompt
	toolsErr  error
}

func (s *stubClient) Initialize(ctx context.Context) error { return nil }
func (s *stubClient) Close() error                         { return nil }
func (s *stubClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if s.toolsErr != nil {
		return nil, s.toolsErr
	}
	return s.tools, nil
}
func (s *stubClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return nil, nil
}
func (s *stubClient) ListResources(ctx context.Context) ([]mcp.Resource, error) { return s.resources, nil }
func (s *stubClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return nil, nil
}
func (s *stubClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return s.prompts, nil }
func (s *stubClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return nil, nil
}
func (s *stubClient) Ping(ctx context.Context) error { return nil }
func (s *stubClient) HandshakeCapabilities() outbound.SupportedKinds {
	return outbound.SupportedKinds{Tools: true, Resources: true, Prompts: true}
}

type fakeSource struct{ conns []*outbound.Connection }

func (f fakeSource) Connected() []*outbound.Connection { return f.conns }

func TestAggregator_MergesAndDedupesFirstWriterWins(t *testing.T) {
	a1 := outbound.NewConnection(config.BackendConfig{Name: "a"}, &stubClient{tools: []mcp.Tool{{Name: "shared"}, {Name: "only-a"}}})
	b1 := outbound.NewConnection(config.BackendConfig{Name: "b"}, &stubClient{tools: []mcp.Tool{{Name: "shared"}, {Name: "only-b"}}})

	agg := NewAggregator(fakeSource{conns: []*outbound.Connection{b1, a1}}, events.New())
	changes := agg.Refresh(context.Background())

	snap := agg.Current()
	names := map[string]string{}
	for _, tool := range snap.Tools {
		names[tool.Tool.Name] = tool.Origin
	}

	assert.Equal(t, "a", names["shared"], "backend a sorts first and should win the dedup")
	assert.Equal(t, "a", names["only-a"])
	assert.Equal(t, "b", names["only-b"])
	assert.True(t, changes.ToolsChanged)
	assert.Equal(t, []string{"a", "b"}, snap.ReadyBackends)
}

func TestAggregator_FiltersPerBackendEnableDisable(t *testing.T) {
	cfg := config.BackendConfig{
		Name: "a",
		Filters: config.Filters{
			Tools: config.EnableDisableList{Enabled: []string{"keep"}},
		},
	}
	conn := outbound.NewConnection(cfg, &stubClient{tools: []mcp.Tool{{Name: "keep"}, {Name: "drop"}}})

	agg := NewAggregator(fakeSource{conns: []*outbound.Connection{conn}}, events.New())
	agg.Refresh(context.Background())

	snap := agg.Current()
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "keep", snap.Tools[0].Tool.Name)
}

func TestAggregator_FailingBackendDoesNotAbortOthers(t *testing.T) {
	broken := outbound.NewConnection(config.BackendConfig{Name: "broken"}, &stubClient{toolsErr: errors.New("down")})
	healthy := outbound.NewConnection(config.BackendConfig{Name: "healthy"}, &stubClient{tools: []mcp.Tool{{Name: "ok"}}})

	agg := NewAggregator(fakeSource{conns: []*outbound.Connection{broken, healthy}}, events.New())
	agg.Refresh(context.Background())

	snap := agg.Current()
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "ok", snap.Tools[0].Tool.Name)
}

func TestAggregator_ProviderToolsAreNamespaced(t *testing.T) {
	agg := NewAggregator(fakeSource{}, events.New())
	agg.RegisterProvider(fakeProvider{name: "internal", tools: []mcp.Tool{{Name: "status"}}})

	agg.Refresh(context.Background())

	snap := agg.Current()
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "internal_status", snap.Tools[0].Tool.Name)
}

func TestAggregator_EmitsOnlyWhenChanged(t *testing.T) {
	bus := events.New()
	var emitCount int
	bus.Subscribe(EventCapabilitiesChanged, func(any) { emitCount++ })

	conn := outbound.NewConnection(config.BackendConfig{Name: "a"}, &stubClient{tools: []mcp.Tool{{Name: "t"}}})
	agg := NewAggregator(fakeSource{conns: []*outbound.Connection{conn}}, bus)

	agg.Refresh(context.Background())
	agg.Refresh(context.Background())

	assert.Equal(t, 1, emitCount)
}

func TestAggregator_TruncatesLongDescriptions(t *testing.T) {
	long := "this description is deliberately much longer than the sixty character truncation limit applied to every descriptor"
	conn := outbound.NewConnection(config.BackendConfig{Name: "a"}, &stubClient{
		tools: []mcp.Tool{{Name: "t", Description: long}},
	})

	agg := NewAggregator(fakeSource{conns: []*outbound.Connection{conn}}, events.New())
	agg.Refresh(context.Background())

	snap := agg.Current()
	require.Len(t, snap.Tools, 1)
	assert.LessOrEqual(t, len(snap.Tools[0].Tool.Description), descriptionMaxLen)
	assert.True(t, strings.HasSuffix(snap.Tools[0].Tool.Description, "..."))
}

type fakeProvider struct {
	name  string
	tools []mcp.Tool
}

func (p fakeProvider) Name() string { return p.name }
func (p fakeProvider) Tools(ctx context.Context) []mcp.Tool { return p.tools }
func (p fakeProvider) Resources(ctx context.Context) []mcp.Resource { return nil }
func (p fakeProvider) Prompts(ctx context.Context) []mcp.Prompt { return nil }
