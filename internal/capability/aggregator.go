package capability

import (
	"context"
	"sort"
	"sync"

	"mcpproxy/internal/config"
	"mcpproxy/internal/events"
	"mcpproxy/internal/outbound"
	"mcpproxy/pkg/logging"
	pkgstrings "mcpproxy/pkg/strings"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"
)

const descriptionMaxLen = pkgstrings.DefaultDescriptionMaxLen

// EventCapabilitiesChanged fires with a Changes value whenever Refresh
// computes a non-trivial diff.
const EventCapabilitiesChanged = "capabilities-changed"

// backendSource is the subset of *outbound.Manager the aggregator needs,
// narrowed to ease testing with a fake.
type backendSource interface {
	Connected() []*outbound.Connection
}

// Provider contributes first-party tools/resources/prompts under a stable
// namespace prefix (spec §4.3 "internal provider"), independent of any
// configured backend.
type Provider interface {
	Name() string
	Tools(ctx context.Context) []mcp.Tool
	Resources(ctx context.Context) []mcp.Resource
	Prompts(ctx context.Context) []mcp.Prompt
}

// Aggregator computes the merged CapabilitySnapshot across every connected
// backend plus registered first-party providers (spec §4.3).
type Aggregator struct {
	mu       sync.RWMutex
	backends backendSource
	events   *events.Bus
	current  Snapshot
	providers []Provider

	// refreshing lets only one Refresh run at a time; concurrent callers
	// wait for and share its result.
	refreshing singleflight.Group
}

// NewAggregator builds an aggregator over backends, publishing
// capabilities-changed on bus.
func NewAggregator(backends backendSource, bus *events.Bus) *Aggregator {
	return &Aggregator{backends: backends, events: bus}
}

// RegisterProvider adds a first-party capability provider. Its tools are
// namespaced "<provider>_<tool>" per spec §4.3.
func (a *Aggregator) RegisterProvider(p Provider) {
	a.mu.Lock()
	a.providers = append(a.providers, p)
	a.mu.Unlock()
}

// Current returns the most recently computed snapshot.
func (a *Aggregator) Current() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

type backendResult struct {
	name      string
	tools     []mcp.Tool
	resources []mcp.Resource
	prompts   []mcp.Prompt
}

// Refresh recomputes the snapshot from the connection manager's current
// ready set and emits capabilities-changed if anything differs from the
// previous snapshot. Only one refresh runs at a time; a caller arriving
// while one is in flight receives that refresh's Changes.
func (a *Aggregator) Refresh(ctx context.Context) Changes {
	v, _, _ := a.refreshing.Do("refresh", func() (interface{}, error) {
		return a.refresh(ctx), nil
	})
	return v.(Changes)
}

func (a *Aggregator) refresh(ctx context.Context) Changes {
	conns := a.backends.Connected()
	names := make([]string, len(conns))
	for i, c := range conns {
		names[i] = c.Name
	}
	sort.Strings(names)

	results := make([]backendResult, len(conns))
	var g isolatedGroup
	for i, conn := range conns {
		i, conn := i, conn
		g.goFunc(func() {
			results[i] = fetchBackend(ctx, conn)
		})
	}
	g.wait()

	var tools []ToolDescriptor
	var resources []ResourceDescriptor
	var prompts []PromptDescriptor
	seenTools := make(map[string]struct{})
	seenResources := make(map[string]struct{})
	seenPrompts := make(map[string]struct{})

	// iterate in sorted-name order for deterministic first-writer-wins
	byName := make(map[string]backendResult, len(results))
	for _, r := range results {
		byName[r.name] = r
	}
	for _, name := range names {
		r := byName[name]
		conn, _ := findConn(conns, name)
		filters := conn.Config.Filters

		for _, t := range r.tools {
			if !filters.Tools.Allows(t.Name) {
				continue
			}
			if _, dup := seenTools[t.Name]; dup {
				logging.Debug("CapabilityAggregator", "dropping duplicate tool %q from %q", t.Name, name)
				continue
			}
			seenTools[t.Name] = struct{}{}
			t.Description = pkgstrings.TruncateDescription(t.Description, descriptionMaxLen)
			tools = append(tools, ToolDescriptor{Tool: t, Origin: name})
		}
		for _, res := range r.resources {
			if !filters.Resources.Allows(res.URI) {
				continue
			}
			if _, dup := seenResources[res.URI]; dup {
				logging.Debug("CapabilityAggregator", "dropping duplicate resource %q from %q", res.URI, name)
				continue
			}
			seenResources[res.URI] = struct{}{}
			res.Description = pkgstrings.TruncateDescription(res.Description, descriptionMaxLen)
			resources = append(resources, ResourceDescriptor{Resource: res, Origin: name})
		}
		for _, p := range r.prompts {
			if !filters.Prompts.Allows(p.Name) {
				continue
			}
			if _, dup := seenPrompts[p.Name]; dup {
				logging.Debug("CapabilityAggregator", "dropping duplicate prompt %q from %q", p.Name, name)
				continue
			}
			seenPrompts[p.Name] = struct{}{}
			p.Description = pkgstrings.TruncateDescription(p.Description, descriptionMaxLen)
			prompts = append(prompts, PromptDescriptor{Prompt: p, Origin: name})
		}
	}

	a.mu.RLock()
	providers := append([]Provider(nil), a.providers...)
	a.mu.RUnlock()

	for _, p := range providers {
		prefix := p.Name() + "_"
		for _, t := range p.Tools(ctx) {
			exposed := t
			exposed.Name = prefix + t.Name
			if _, dup := seenTools[exposed.Name]; dup {
				continue
			}
			seenTools[exposed.Name] = struct{}{}
			exposed.Description = pkgstrings.TruncateDescription(exposed.Description, descriptionMaxLen)
			tools = append(tools, ToolDescriptor{Tool: exposed, Origin: p.Name()})
		}
		for _, res := range p.Resources(ctx) {
			if _, dup := seenResources[res.URI]; dup {
				continue
			}
			seenResources[res.URI] = struct{}{}
			res.Description = pkgstrings.TruncateDescription(res.Description, descriptionMaxLen)
			resources = append(resources, ResourceDescriptor{Resource: res, Origin: p.Name()})
		}
		for _, pr := range p.Prompts(ctx) {
			exposed := pr
			exposed.Name = prefix + pr.Name
			if _, dup := seenPrompts[exposed.Name]; dup {
				continue
			}
			seenPrompts[exposed.Name] = struct{}{}
			exposed.Description = pkgstrings.TruncateDescription(exposed.Description, descriptionMaxLen)
			prompts = append(prompts, PromptDescriptor{Prompt: exposed, Origin: p.Name()})
		}
	}

	next := Snapshot{Tools: tools, Resources: resources, Prompts: prompts, ReadyBackends: names}

	a.mu.Lock()
	prev := a.current
	a.current = next
	a.mu.Unlock()

	changes := Diff(prev, next)
	if changes.HasChanges() {
		a.events.Emit(EventCapabilitiesChanged, changes)
	}
	return changes
}

func findConn(conns []*outbound.Connection, name string) (*outbound.Connection, bool) {
	for _, c := range conns {
		if c.Name == name {
			return c, true
		}
	}
	return &outbound.Connection{Config: config.BackendConfig{}}, false
}

// fetchBackend queries tools/resources/prompts concurrently for one backend,
// skipping a kind entirely when the backend's handshake didn't advertise
// support for it, and otherwise isolating a failing kind to an empty list
// for that kind rather than aborting the other kinds or other backends
// (spec §4.3 step 1: "only query a kind if the backend advertised support").
func fetchBackend(ctx context.Context, conn *outbound.Connection) backendResult {
	result := backendResult{name: conn.Name}
	supported := conn.Client.HandshakeCapabilities()
	var wg sync.WaitGroup

	if supported.Tools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tools, err := conn.Client.ListTools(ctx)
			if err != nil {
				logging.Debug("CapabilityAggregator", "backend %q list tools: %v", conn.Name, err)
				return
			}
			result.tools = tools
		}()
	}
	if supported.Resources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resources, err := conn.Client.ListResources(ctx)
			if err != nil {
				logging.Debug("CapabilityAggregator", "backend %q list resources: %v", conn.Name, err)
				return
			}
			result.resources = resources
		}()
	}
	if supported.Prompts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prompts, err := conn.Client.ListPrompts(ctx)
			if err != nil {
				logging.Debug("CapabilityAggregator", "backend %q list prompts: %v", conn.Name, err)
				return
			}
			result.prompts = prompts
		}()
	}
	wg.Wait()

	return result
}
