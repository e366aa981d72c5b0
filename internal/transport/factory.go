// Package transport infers and constructs the bidirectional MCP channel for
// a declared backend (spec §4.1). Construction never performs I/O; the
// actual connect happens when the outbound connection manager drives the
// transport's Open/Initialize call.
package transport

import (
	"strings"

	"mcpproxy/internal/config"
)

// Spec is the resolved, non-ambiguous transport description produced by
// InferKind: a BackendConfig plus the kind it was inferred (or declared) to
// be.
type Spec struct {
	Kind   config.Kind
	Config config.BackendConfig
}

// InferKind resolves the transport kind for a backend per spec §4.1:
//   - explicit `kind` wins if set
//   - else stdio if `command` is set
//   - else http/sse if `url` is set, distinguishing by an `/sse` path
//     suffix or an Accept: text/event-stream header
//   - else a *config.ConfigError
func InferKind(cfg config.BackendConfig) (config.Kind, error) {
	if cfg.Kind != config.KindUnspecified {
		return cfg.Kind, nil
	}

	if cfg.Command != "" {
		return config.KindStdio, nil
	}

	if cfg.URL != "" {
		if strings.HasSuffix(cfg.URL, "/sse") {
			return config.KindSSE, nil
		}
		for k, v := range cfg.Headers {
			if strings.EqualFold(k, "Accept") && strings.Contains(v, "text/event-stream") {
				return config.KindSSE, nil
			}
		}
		return config.KindStreamableHTTP, nil
	}

	return config.KindUnspecified, &config.ConfigError{
		Backend: cfg.Name,
		Reason:  "cannot infer transport kind: neither command nor url is set",
	}
}

// Resolve validates and classifies a backend config into a Spec. It does not
// open any connection.
func Resolve(cfg config.BackendConfig) (Spec, error) {
	kind, err := InferKind(cfg)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Kind: kind, Config: cfg}, nil
}
