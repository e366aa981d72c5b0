package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcpproxy/internal/capability"
	"mcpproxy/internal/config"
	"mcpproxy/internal/router"
	"mcpproxy/internal/tagfilter"
	"mcpproxy/internal/template"
	"mcpproxy/internal/templatepool"
	"mcpproxy/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/singleflight"
)

// DefaultConnectTimeout bounds one session's façade construction, mirroring
// the Outbound Connection Manager's own connect timeout (spec §4.7).
const DefaultConnectTimeout = 30 * time.Second

// capabilitySource is the subset of capability.Aggregator the manager needs
// to build a session's filtered tool/resource/prompt views.
type capabilitySource interface {
	Current() capability.Snapshot
}

// instructionSource is the subset of capability.InstructionAggregator the
// manager needs to embed per-session filtered instructions at handshake.
type instructionSource interface {
	FilteredText(filter tagfilter.TagFilter) string
}

// TagsLookup returns the configured tag set for a backend name, used to
// evaluate a session's TagFilter against the backend that contributed a
// given tool/resource/prompt.
type TagsLookup func(backendName string) map[string]struct{}

// Options configures one connect call. TemplateContext is the optional
// `context` parameter of spec §4.7 step 3: when present and the manager has
// configured templates, Connect realizes a per-session instance of each
// configured template via the Template Instance Pool.
type Options struct {
	Transport       string
	Filter          tagfilter.Params
	ServerName      string
	Version         string
	TemplateContext *template.Context
}

// templatePool is the subset of *templatepool.Pool the manager needs,
// narrowed to ease testing with a fake.
type templatePool interface {
	GetOrCreate(ctx context.Context, templateName string, tmpl config.BackendConfig, tctx template.Context, sessionID string) (*templatepool.Instance, error)
	Release(templateName, variableHash, sessionID string)
}

// dispatcher is the subset of router.Router a session façade needs to
// forward a call-tool/read-resource/get-prompt request to its owning
// backend. Narrowed to ease testing with a fake.
type dispatcher interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
}

// Manager is the Inbound Session Manager: it constructs and tears down one
// MCP server façade per sessionId, guarding each sessionId's connect path
// with a singleflight latch the way the Template Instance
// Pool guards template materialization (spec §4.5/§4.7 share the same
// per-key latch idiom).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*InboundSession

	caps         capabilitySource
	instructions instructionSource
	tagsOf       TagsLookup
	presets      func(name string) (tagfilter.Preset, bool)
	broker       *Broker
	router       dispatcher

	pool      templatePool
	templates map[string]config.BackendConfig

	connecting singleflight.Group

	connectTimeout time.Duration
}

// NewManager builds a session manager. caps supplies the merged capability
// snapshot, instructions supplies per-filter instruction text, tagsOf
// resolves a backend name to its configured tags, presets resolves stored
// preset names, and broker (may be nil) receives preset registrations for
// notification fan-out. rt (may be nil in tests that don't exercise tool
// dispatch) forwards call-tool/read-resource/get-prompt requests a
// session's façade receives to the owning backend. pool (may be nil) and
// templates realize per-session template instances at connect time (spec
// §4.5/§4.7 step 3); pass a nil pool or an empty templates map to disable
// template realization entirely.
func NewManager(caps capabilitySource, instructions instructionSource, tagsOf TagsLookup, presets func(name string) (tagfilter.Preset, bool), broker *Broker, rt dispatcher, pool templatePool, templates map[string]config.BackendConfig) *Manager {
	return &Manager{
		sessions:       make(map[string]*InboundSession),
		caps:           caps,
		instructions:   instructions,
		tagsOf:         tagsOf,
		presets:        presets,
		broker:         broker,
		router:         rt,
		pool:           pool,
		templates:      templates,
		connectTimeout: DefaultConnectTimeout,
	}
}

// Connect establishes a new façade for sessionID, deriving its TagFilter
// from exactly one of the tags/tag-filter/preset forms in opts.Filter (spec
// §4.6/§4.7). An already-connected sessionID is a no-op that returns the
// existing session. Concurrent Connect calls for a sessionID with no
// existing session share one in-flight connect: on success every caller
// receives the same session. If that shared connect fails, every caller
// that shared it gets AlreadyConnectingError; a caller that connected
// alone gets the connect's own error.
func (m *Manager) Connect(ctx context.Context, sessionID string, opts Options) (*InboundSession, error) {
	if sess, ok := m.Get(sessionID); ok {
		return sess, nil
	}

	result, err, shared := m.connecting.Do(sessionID, func() (interface{}, error) {
		return m.doConnect(ctx, sessionID, opts)
	})
	if err != nil {
		if shared {
			return nil, &AlreadyConnectingError{SessionID: sessionID}
		}
		return nil, err
	}
	return result.(*InboundSession), nil
}

// realizeTemplates drives the Template Instance Pool to materialize one
// instance per configured template for sessionID (spec §4.7 step 3). A
// template whose instance cannot be created (e.g. ResourceExhausted) is
// logged and skipped rather than failing the whole connect.
func (m *Manager) realizeTemplates(ctx context.Context, sessionID string, tctx template.Context) []*templatepool.Instance {
	instances := make([]*templatepool.Instance, 0, len(m.templates))
	for name, tmpl := range m.templates {
		inst, err := m.pool.GetOrCreate(ctx, name, tmpl, tctx, sessionID)
		if err != nil {
			logging.Warn("SessionManager", "session %q realize template %q: %v", sessionID, name, err)
			continue
		}
		instances = append(instances, inst)
	}
	return instances
}

func (m *Manager) doConnect(ctx context.Context, sessionID string, opts Options) (*InboundSession, error) {
	filter, err := tagfilter.Resolve(opts.Filter, m.presets)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	sess := &InboundSession{
		SessionID:  sessionID,
		Transport:  opts.Transport,
		Filter:     filter,
		PresetName: opts.Filter.Preset,
		status:     StatusConnecting,
	}

	name := opts.ServerName
	if name == "" {
		name = "mcpproxy"
	}
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}

	instructions := m.instructions.FilteredText(filter)

	if opts.TemplateContext != nil && len(m.templates) > 0 && m.pool != nil {
		sess.templateInstances = m.realizeTemplates(connectCtx, sessionID, *opts.TemplateContext)
	}

	facade := mcpserver.NewMCPServer(
		name,
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(instructions),
		mcpserver.WithToolFilter(m.toolFilterFor(sess)),
	)
	sess.facade = facade

	select {
	case <-connectCtx.Done():
		sess.status = StatusError
		sess.lastError = connectCtx.Err()
		return nil, fmt.Errorf("connect session %q: %w", sessionID, connectCtx.Err())
	default:
	}

	sess.status = StatusConnected
	sess.ConnectedAt = time.Now()
	sess.lastConnected = sess.ConnectedAt

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	if m.broker != nil && sess.PresetName != "" {
		m.broker.RegisterPreset(sessionID, sess.PresetName)
	}

	m.Resync(sess)

	logging.Info("SessionManager", "session %q connected (transport=%s)", sessionID, opts.Transport)
	return sess, nil
}

// Resync re-registers sess's façade handlers against the current capability
// snapshot, restricted to what sess.Filter admits. Called once at connect
// and again by the Notification Broker whenever the merged snapshot changes,
// so a session's façade always dispatches to the backend that currently
// owns a name rather than a stale one. Registration is additive and keyed
// by name/URI, matching mcp-go's own overwrite-on-same-name semantics, so
// repeated calls are idempotent for names that persist across a refresh.
func (m *Manager) Resync(sess *InboundSession) {
	if m.router == nil || sess.facade == nil {
		return
	}
	snap := m.caps.Current()

	var tools []mcpserver.ServerTool
	for _, t := range snap.Tools {
		if !sess.Filter.Matches(m.tagsOf(t.Origin)) {
			continue
		}
		tools = append(tools, mcpserver.ServerTool{Tool: t.Tool, Handler: m.toolHandler(t.Tool.Name)})
	}
	if len(tools) > 0 {
		sess.facade.AddTools(tools...)
	}

	var resources []mcpserver.ServerResource
	for _, r := range snap.Resources {
		if !sess.Filter.Matches(m.tagsOf(r.Origin)) {
			continue
		}
		resources = append(resources, mcpserver.ServerResource{Resource: r.Resource, Handler: m.resourceHandler(r.Resource.URI)})
	}
	if len(resources) > 0 {
		sess.facade.AddResources(resources...)
	}

	var prompts []mcpserver.ServerPrompt
	for _, p := range snap.Prompts {
		if !sess.Filter.Matches(m.tagsOf(p.Origin)) {
			continue
		}
		prompts = append(prompts, mcpserver.ServerPrompt{Prompt: p.Prompt, Handler: m.promptHandler(p.Prompt.Name)})
	}
	if len(prompts) > 0 {
		sess.facade.AddPrompts(prompts...)
	}
}

func (m *Manager) toolHandler(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})
		return m.router.CallTool(ctx, name, args)
	}
}

func (m *Manager) resourceHandler(uri string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, err := m.router.ReadResource(ctx, uri)
		if err != nil {
			return nil, err
		}
		return result.Contents, nil
	}
}

func (m *Manager) promptHandler(name string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := make(map[string]interface{}, len(req.Params.Arguments))
		for k, v := range req.Params.Arguments {
			args[k] = v
		}
		return m.router.GetPrompt(ctx, name, args)
	}
}

// toolFilterFor builds the mcpserver.WithToolFilter callback for sess: it
// narrows the merged snapshot's tools to those whose contributing backend
// is admitted under sess.Filter. Grounded on the teacher's sessionToolFilter
// idiom (internal/aggregator/server.go), keyed by TagFilter admission
// instead of per-session OAuth connection state.
func (m *Manager) toolFilterFor(sess *InboundSession) func(context.Context, []mcp.Tool) []mcp.Tool {
	return func(_ context.Context, _ []mcp.Tool) []mcp.Tool {
		snap := m.caps.Current()
		out := make([]mcp.Tool, 0, len(snap.Tools))
		for _, t := range snap.Tools {
			if sess.Filter.Matches(m.tagsOf(t.Origin)) {
				out = append(out, t.Tool)
			}
		}
		return out
	}
}

// Disconnect tears down sessionID's façade. It is idempotent: disconnecting
// an unknown or already-disconnected sessionID is a no-op, which also
// serves as the recursion guard when a façade's own onclose handler calls
// back into Disconnect.
func (m *Manager) Disconnect(sessionID string, force bool) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if sess.status == StatusDisconnected && !force {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	sess.status = StatusDisconnected
	if m.broker != nil {
		m.broker.Forget(sessionID)
	}
	if m.pool != nil {
		for _, inst := range sess.templateInstances {
			m.pool.Release(inst.TemplateName, inst.VariableHash, sessionID)
		}
	}
	logging.Info("SessionManager", "session %q disconnected", sessionID)
}

// admission adapts a session's TagFilter plus the manager's backend-tags
// lookup into router.TagAdmission, so the router can filter list-tools/
// list-resources/list-prompts results per session without depending on the
// session package directly.
type admission struct {
	filter tagfilter.TagFilter
	tagsOf TagsLookup
}

func (a admission) AllowsOrigin(backend string) bool {
	return a.filter.Matches(a.tagsOf(backend))
}

// Admission returns sess's router.TagAdmission view, for use with
// router.Router's List*/Call* methods.
func (m *Manager) Admission(sess *InboundSession) router.TagAdmission {
	return admission{filter: sess.Filter, tagsOf: m.tagsOf}
}

// Get returns the session state for sessionID, if connected.
func (m *Manager) Get(sessionID string) (*InboundSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// All returns every currently tracked session.
func (m *Manager) All() []*InboundSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*InboundSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
