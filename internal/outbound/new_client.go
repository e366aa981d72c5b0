package outbound

import (
	"mcpproxy/internal/config"
	"mcpproxy/internal/transport"
)

// NewClient constructs the concrete Client for spec's resolved kind.
func NewClient(spec transport.Spec) Client {
	switch spec.Kind {
	case config.KindStdio:
		return NewStdioClient(spec.Config)
	case config.KindSSE:
		return NewSSEClient(spec.Config)
	default:
		return NewStreamableHTTPClient(spec.Config)
	}
}
