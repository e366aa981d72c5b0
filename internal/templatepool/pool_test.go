package templatepool

import (
	"context"
	"testing"
	"time"

	"mcpproxy/internal/config"
	"mcpproxy/internal/events"
	"mcpproxy/internal/outbound"
	"mcpproxy/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templateContextFor(projectPath string) template.Context {
	return template.Context{Project: template.ProjectInfo{Path: projectPath, Name: "app"}}
}

type fakeManager struct {
	started map[string]config.BackendConfig
}

func newFakeManager() *fakeManager { return &fakeManager{started: make(map[string]config.BackendConfig)} }

func (m *fakeManager) AddBackend(ctx context.Context, cfg config.BackendConfig) error {
	m.started[cfg.Name] = cfg
	return nil
}
func (m *fakeManager) Get(name string) (*outbound.Connection, bool) {
	cfg, ok := m.started[name]
	if !ok {
		return nil, false
	}
	return outbound.NewConnection(cfg, nil), true
}
func (m *fakeManager) RemoveBackend(name string) { delete(m.started, name) }

func templateConfig(shareable bool) config.BackendConfig {
	return config.BackendConfig{
		Name:    "proj",
		Command: "mcp-server",
		Args:    []string{"--root", "{project.path}"},
		Template: &config.TemplateBlock{
			Shareable:   shareable,
			IdleTimeout: 60 * time.Second,
		},
	}
}

func TestPool_ShareableInstancesCoalesceAcrossSessions(t *testing.T) {
	mgr := newFakeManager()
	pool := NewPool(mgr, events.New())

	tctx := templateContextFor("/workspace/app")

	instA, err := pool.GetOrCreate(context.Background(), "proj", templateConfig(true), tctx, "sessionA")
	require.NoError(t, err)
	instB, err := pool.GetOrCreate(context.Background(), "proj", templateConfig(true), tctx, "sessionB")
	require.NoError(t, err)

	assert.Same(t, instA, instB)
	assert.Equal(t, 2, instA.ReferenceCount())
	assert.Len(t, mgr.started, 1)
}

func TestPool_PerClientTemplateNeverShares(t *testing.T) {
	mgr := newFakeManager()
	pool := NewPool(mgr, events.New())

	cfg := templateConfig(true)
	cfg.Template.PerClient = true
	tctx := templateContextFor("/workspace/app")

	instA, err := pool.GetOrCreate(context.Background(), "proj", cfg, tctx, "sessionA")
	require.NoError(t, err)
	instB, err := pool.GetOrCreate(context.Background(), "proj", cfg, tctx, "sessionB")
	require.NoError(t, err)

	assert.NotSame(t, instA, instB)
	assert.Len(t, mgr.started, 2)
}

func TestPool_ReleaseThenReapEvictsAfterIdleTimeout(t *testing.T) {
	mgr := newFakeManager()
	pool := NewPool(mgr, events.New())
	pool.idleTimeout = 60 * time.Second

	tctx := templateContextFor("/workspace/app")
	instA, err := pool.GetOrCreate(context.Background(), "proj", templateConfig(true), tctx, "sessionA")
	require.NoError(t, err)
	instB, err := pool.GetOrCreate(context.Background(), "proj", templateConfig(true), tctx, "sessionB")
	require.NoError(t, err)
	require.Same(t, instA, instB)

	pool.Release("proj", instA.VariableHash, "sessionA")
	assert.Equal(t, 1, instA.ReferenceCount())

	pool.Release("proj", instA.VariableHash, "sessionB")
	assert.Equal(t, 0, instA.ReferenceCount())
	assert.Equal(t, InstanceIdle, instA.Status())

	removed := pool.Reap(time.Now())
	assert.Equal(t, 0, removed, "not yet past idleTimeout")

	removed = pool.Reap(time.Now().Add(61 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Len(t, mgr.started, 0)
}

func TestPool_MaxInstancesReturnsResourceExhausted(t *testing.T) {
	mgr := newFakeManager()
	pool := NewPool(mgr, events.New())

	cfg := templateConfig(false)
	cfg.Template.MaxInstances = 1

	_, err := pool.GetOrCreate(context.Background(), "proj", cfg, templateContextFor("/a"), "s1")
	require.NoError(t, err)

	_, err = pool.GetOrCreate(context.Background(), "proj", cfg, templateContextFor("/b"), "s2")
	require.Error(t, err)
	var exhausted *ResourceExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}
