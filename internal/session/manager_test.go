package session

import (
	"context"
	"sync"
	"testing"

	"mcpproxy/internal/capability"
	"mcpproxy/internal/config"
	"mcpproxy/internal/tagfilter"
	"mcpproxy/internal/template"
	"mcpproxy/internal/templatepool"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTemplatePool struct {
	mu        sync.Mutex
	created   []string
	released  []string
	createErr error
}

func (p *fakeTemplatePool) GetOrCreate(_ context.Context, templateName string, _ config.BackendConfig, _ template.Context, sessionID string) (*templatepool.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, templateName+":"+sessionID)
	return &templatepool.Instance{TemplateName: templateName, VariableHash: "hash-" + templateName}, nil
}

func (p *fakeTemplatePool) Release(templateName, variableHash, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, templateName+":"+variableHash+":"+sessionID)
}

type fakeCaps struct{ snap capability.Snapshot }

func (f fakeCaps) Current() capability.Snapshot { return f.snap }

type fakeInstructions struct{ calls int }

func (f *fakeInstructions) FilteredText(tagfilter.TagFilter) string {
	f.calls++
	return "hello"
}

func noPresets(string) (tagfilter.Preset, bool) { return tagfilter.Preset{}, false }

type fakeDispatcher struct {
	toolCalls     []string
	toolArgs      map[string]interface{}
	resourceCalls []string
	promptCalls   []string
	promptArgs    map[string]interface{}
}

func (f *fakeDispatcher) CallTool(_ context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.toolCalls = append(f.toolCalls, name)
	f.toolArgs = args
	return &mcp.CallToolResult{}, nil
}

func (f *fakeDispatcher) ReadResource(_ context.Context, uri string) (*mcp.ReadResourceResult, error) {
	f.resourceCalls = append(f.resourceCalls, uri)
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeDispatcher) GetPrompt(_ context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	f.promptCalls = append(f.promptCalls, name)
	f.promptArgs = args
	return &mcp.GetPromptResult{}, nil
}

func tagsOf(tags map[string][]string) TagsLookup {
	return func(name string) map[string]struct{} {
		set := make(map[string]struct{})
		for _, t := range tags[name] {
			set[t] = struct{}{}
		}
		return set
	}
}

func TestManager_ConnectBuildsFacadeAndTracksSession(t *testing.T) {
	snap := capability.Snapshot{Tools: []capability.ToolDescriptor{{Tool: mcp.Tool{Name: "read"}, Origin: "fs"}}}
	mgr := NewManager(fakeCaps{snap: snap}, &fakeInstructions{}, tagsOf(nil), noPresets, nil, nil, nil, nil)

	sess, err := mgr.Connect(context.Background(), "sess-1", Options{Transport: "stdio"})
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, sess.Status())
	assert.NotNil(t, sess.Facade())

	got, ok := mgr.Get("sess-1")
	assert.True(t, ok)
	assert.Same(t, sess, got)
}

func TestManager_ConnectRejectsMultipleFilterForms(t *testing.T) {
	mgr := NewManager(fakeCaps{}, &fakeInstructions{}, tagsOf(nil), noPresets, nil, nil, nil, nil)

	_, err := mgr.Connect(context.Background(), "sess-1", Options{
		Filter: tagfilter.Params{Tags: []string{"web"}, Preset: "prod"},
	})
	require.Error(t, err)
	var invalid *tagfilter.InvalidParamsError
	assert.ErrorAs(t, err, &invalid)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	mgr := NewManager(fakeCaps{}, &fakeInstructions{}, tagsOf(nil), noPresets, nil, nil, nil, nil)
	_, err := mgr.Connect(context.Background(), "sess-1", Options{})
	require.NoError(t, err)

	mgr.Disconnect("sess-1", false)
	_, ok := mgr.Get("sess-1")
	assert.False(t, ok)

	assert.NotPanics(t, func() { mgr.Disconnect("sess-1", false) })
	assert.NotPanics(t, func() { mgr.Disconnect("never-existed", false) })
}

func TestManager_ConnectIsNoOpForAlreadyConnectedSession(t *testing.T) {
	mgr := NewManager(fakeCaps{}, &fakeInstructions{}, tagsOf(nil), noPresets, nil, nil, nil, nil)

	first, err := mgr.Connect(context.Background(), "sess-1", Options{Transport: "stdio"})
	require.NoError(t, err)

	second, err := mgr.Connect(context.Background(), "sess-1", Options{Transport: "sse"})
	require.NoError(t, err)
	assert.Same(t, first, second, "repeat connect for an already-connected session must be a no-op")
}

func TestManager_ConcurrentConnectSameSessionOnlyOneWins(t *testing.T) {
	mgr := NewManager(fakeCaps{}, &fakeInstructions{}, tagsOf(nil), noPresets, nil, nil, nil, nil)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Connect(context.Background(), "shared", Options{})
			results[i] = err
		}()
	}
	wg.Wait()

	for _, err := range results {
		if err == nil {
			continue
		}
		var dup *AlreadyConnectingError
		assert.ErrorAs(t, err, &dup)
	}

	_, ok := mgr.Get("shared")
	assert.True(t, ok, "at least one connect for the shared sessionId must have succeeded")
}

func TestManager_ToolFilterNarrowsBySessionFilter(t *testing.T) {
	snap := capability.Snapshot{Tools: []capability.ToolDescriptor{
		{Tool: mcp.Tool{Name: "a"}, Origin: "fs"},
		{Tool: mcp.Tool{Name: "b"}, Origin: "git"},
	}}
	lookup := tagsOf(map[string][]string{"fs": {"storage"}, "git": {"vcs"}})
	mgr := NewManager(fakeCaps{snap: snap}, &fakeInstructions{}, lookup, noPresets, nil, nil, nil, nil)

	sess, err := mgr.Connect(context.Background(), "sess-1", Options{Filter: tagfilter.Params{Tags: []string{"storage"}}})
	require.NoError(t, err)

	admission := mgr.Admission(sess)
	assert.True(t, admission.AllowsOrigin("fs"))
	assert.False(t, admission.AllowsOrigin("git"))
}

func TestManager_ToolHandlerForwardsToRouter(t *testing.T) {
	dispatch := &fakeDispatcher{}
	mgr := NewManager(fakeCaps{}, &fakeInstructions{}, tagsOf(nil), noPresets, nil, dispatch, nil, nil)

	handler := mgr.toolHandler("read")
	_, err := handler(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Arguments: map[string]interface{}{"path": "/tmp"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, dispatch.toolCalls)
	assert.Equal(t, "/tmp", dispatch.toolArgs["path"])
}

func TestManager_ConnectRealizesTemplatesWhenContextPresent(t *testing.T) {
	pool := &fakeTemplatePool{}
	templates := map[string]config.BackendConfig{"proj": {Name: "proj"}}
	mgr := NewManager(fakeCaps{}, &fakeInstructions{}, tagsOf(nil), noPresets, nil, nil, pool, templates)

	sess, err := mgr.Connect(context.Background(), "sess-1", Options{TemplateContext: &template.Context{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"proj:sess-1"}, pool.created)

	mgr.Disconnect("sess-1", false)
	assert.Equal(t, []string{"proj:hash-proj:sess-1"}, pool.released)
	_ = sess
}

func TestManager_ConnectSkipsTemplatesWithoutContext(t *testing.T) {
	pool := &fakeTemplatePool{}
	templates := map[string]config.BackendConfig{"proj": {Name: "proj"}}
	mgr := NewManager(fakeCaps{}, &fakeInstructions{}, tagsOf(nil), noPresets, nil, nil, pool, templates)

	_, err := mgr.Connect(context.Background(), "sess-1", Options{})
	require.NoError(t, err)
	assert.Empty(t, pool.created)
}

func TestManager_Resync_RegistersOnlyAdmittedNames(t *testing.T) {
	snap := capability.Snapshot{Tools: []capability.ToolDescriptor{
		{Tool: mcp.Tool{Name: "a"}, Origin: "fs"},
		{Tool: mcp.Tool{Name: "b"}, Origin: "git"},
	}}
	lookup := tagsOf(map[string][]string{"fs": {"storage"}, "git": {"vcs"}})
	dispatch := &fakeDispatcher{}
	mgr := NewManager(fakeCaps{snap: snap}, &fakeInstructions{}, lookup, noPresets, nil, dispatch, nil, nil)

	sess, err := mgr.Connect(context.Background(), "sess-1", Options{Filter: tagfilter.Params{Tags: []string{"storage"}}})
	require.NoError(t, err)
	require.NotNil(t, sess.Facade())

	toolFilter := mgr.toolFilterFor(sess)
	visible := toolFilter(context.Background(), nil)
	require.Len(t, visible, 1)
	assert.Equal(t, "a", visible[0].Name)
}
