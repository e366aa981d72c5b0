// Package router translates capability-level requests (list-tools,
// call-tool, read-resource, get-prompt, ...) into outbound backend calls,
// per spec §4.8. Dispatch is grounded on the teacher's
// ResolveToolName/GetClient pair in internal/aggregator/registry.go,
// generalized to resolve against a capability.Snapshot instead of a
// name-collision tracker.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mcpproxy/internal/capability"
	"mcpproxy/internal/outbound"
	"mcpproxy/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultCallTimeout bounds every single forwarded call. A backend's own
// BackendConfig.Timeout is not consulted by the router.
const DefaultCallTimeout = 60 * time.Second

// backends is the subset of outbound.Manager the router needs.
type backends interface {
	Get(name string) (*outbound.Connection, bool)
}

// snapshotSource is the subset of capability.Aggregator the router needs.
type snapshotSource interface {
	Current() capability.Snapshot
}

// MethodNotFoundError is returned when a name does not resolve against the
// current capability snapshot (spec §4.8 "MethodNotFound on unknown post-
// filter names").
type MethodNotFoundError struct {
	Kind string
	Name string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// Router dispatches capability-level operations to the backend that
// contributed the named tool/resource/prompt.
type Router struct {
	backends    backends
	snapshot    snapshotSource
	callTimeout time.Duration
}

// New builds a Router over backends (for dispatch) and snapshot (for name
// resolution against the filtered capability set).
func New(backends backends, snapshot snapshotSource) *Router {
	return &Router{backends: backends, snapshot: snapshot, callTimeout: DefaultCallTimeout}
}

// ListTools returns the tools visible in the current snapshot, restricted
// to those allowed under filter (spec §4.8 "list-tools").
func (r *Router) ListTools(filter TagAdmission) []mcp.Tool {
	snap := r.snapshot.Current()
	out := make([]mcp.Tool, 0, len(snap.Tools))
	for _, t := range snap.Tools {
		if filter == nil || filter.AllowsOrigin(t.Origin) {
			out = append(out, t.Tool)
		}
	}
	return out
}

func (r *Router) ListResources(filter TagAdmission) []mcp.Resource {
	snap := r.snapshot.Current()
	out := make([]mcp.Resource, 0, len(snap.Resources))
	for _, res := range snap.Resources {
		if filter == nil || filter.AllowsOrigin(res.Origin) {
			out = append(out, res.Resource)
		}
	}
	return out
}

func (r *Router) ListPrompts(filter TagAdmission) []mcp.Prompt {
	snap := r.snapshot.Current()
	out := make([]mcp.Prompt, 0, len(snap.Prompts))
	for _, p := range snap.Prompts {
		if filter == nil || filter.AllowsOrigin(p.Origin) {
			out = append(out, p.Prompt)
		}
	}
	return out
}

// TagAdmission reports whether a given backend origin is visible to a
// caller. session.InboundSession implements this over its TagFilter.
type TagAdmission interface {
	AllowsOrigin(backend string) bool
}

// CallTool resolves name to its contributing backend and forwards the call,
// retrying once on a transient BackendCallError (spec §4.8 "one retry on
// transient errors").
func (r *Router) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	origin, ok := r.snapshot.Current().ToolOrigin(name)
	if !ok {
		return nil, &MethodNotFoundError{Kind: "tool", Name: name}
	}
	conn, err := r.connFor(origin)
	if err != nil {
		return nil, err
	}
	return callWithRetry(ctx, r.callTimeout, func(ctx context.Context) (*mcp.CallToolResult, error) {
		return conn.Client.CallTool(ctx, name, args)
	}, origin, "call-tool")
}

func (r *Router) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	origin, ok := r.snapshot.Current().ResourceOrigin(uri)
	if !ok {
		return nil, &MethodNotFoundError{Kind: "resource", Name: uri}
	}
	conn, err := r.connFor(origin)
	if err != nil {
		return nil, err
	}
	return callWithRetry(ctx, r.callTimeout, func(ctx context.Context) (*mcp.ReadResourceResult, error) {
		return conn.Client.ReadResource(ctx, uri)
	}, origin, "read-resource")
}

func (r *Router) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	origin, ok := r.snapshot.Current().PromptOrigin(name)
	if !ok {
		return nil, &MethodNotFoundError{Kind: "prompt", Name: name}
	}
	conn, err := r.connFor(origin)
	if err != nil {
		return nil, err
	}
	return callWithRetry(ctx, r.callTimeout, func(ctx context.Context) (*mcp.GetPromptResult, error) {
		return conn.Client.GetPrompt(ctx, name, args)
	}, origin, "get-prompt")
}

func (r *Router) connFor(backendName string) (*outbound.Connection, error) {
	conn, ok := r.backends.Get(backendName)
	if !ok {
		return nil, &outbound.BackendNotReadyError{Backend: backendName, State: "unregistered"}
	}
	if conn.Status() != outbound.StatusConnected {
		return nil, &outbound.BackendNotReadyError{Backend: backendName, State: string(conn.Status())}
	}
	return conn, nil
}

// callWithRetry invokes fn under callTimeout, retrying exactly once if the
// failure is a transient BackendCallError. Cancellation from ctx always
// propagates without the retry masking it.
func callWithRetry[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (*T, error), backend, operation string) (*T, error) {
	attempt := func() (*T, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		result, err := fn(callCtx)
		if err != nil {
			return nil, classifyErr(backend, operation, err)
		}
		return result, nil
	}

	result, err := attempt()
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	var callErr *outbound.BackendCallError
	if errors.As(err, &callErr) && callErr.Transient {
		logging.Debug("Router", "retrying transient failure: backend %q operation %q: %v", backend, operation, callErr.Err)
		return attempt()
	}
	return nil, err
}

func classifyErr(backend, operation string, err error) error {
	return &outbound.BackendCallError{Backend: backend, Operation: operation, Err: err, Transient: isTransient(err)}
}

// isTransient treats context deadline exceeded as the only reliably
// transient failure signal available from the mcp-go client surface; any
// other error is presumed permanent (protocol errors, invalid arguments).
func isTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
