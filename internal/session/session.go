// Package session implements the Inbound Session Manager of spec §4.7: one
// per-client server façade per sessionId, scoped by a TagFilter, plus the
// Notification Broker of spec §4.9 that re-emits backend notifications to
// the sessions admitted to see them.
package session

import (
	"fmt"
	"time"

	"mcpproxy/internal/tagfilter"
	"mcpproxy/internal/templatepool"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Status is the lifecycle state of one inbound session, mirroring the
// Connecting/Connected/Error vocabulary the Outbound Connection Manager
// uses for backends (spec §4.7).
type Status string

const (
	StatusConnecting   Status = "Connecting"
	StatusConnected    Status = "Connected"
	StatusDisconnected Status = "Disconnected"
	StatusError        Status = "Error"
)

// InboundSession is one connected client: its façade MCP server, the
// TagFilter scoping which backends it can see, and lifecycle bookkeeping.
type InboundSession struct {
	SessionID   string
	Transport   string
	Filter      tagfilter.TagFilter
	PresetName  string
	ConnectedAt time.Time

	facade *mcpserver.MCPServer

	// templateInstances holds the per-session Template Instance Pool refs
	// realized at connect (spec §4.7 step 3), released on disconnect.
	templateInstances []*templatepool.Instance

	status        Status
	lastError     error
	lastConnected time.Time
}

// Status returns the session's current lifecycle state.
func (s *InboundSession) Status() Status { return s.status }

// LastError returns the error from the most recent failed connect attempt,
// if any.
func (s *InboundSession) LastError() error { return s.lastError }

// Facade returns the per-session MCP server façade clients talk to.
func (s *InboundSession) Facade() *mcpserver.MCPServer { return s.facade }

// AlreadyConnectingError is returned by Manager.Connect to every caller
// that shared one in-flight connect for the same sessionId when that
// connect failed (spec §4.7 "at most one connect in flight per sessionId").
type AlreadyConnectingError struct {
	SessionID string
}

func (e *AlreadyConnectingError) Error() string {
	return fmt.Sprintf("session %q already has a connect in flight", e.SessionID)
}

// NotFoundError is returned when an operation names a sessionId the
// manager does not know about.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.SessionID)
}
