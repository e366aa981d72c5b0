package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mcpproxy/internal/scope"
	"mcpproxy/internal/session"
	"mcpproxy/internal/tagfilter"
	"mcpproxy/pkg/logging"

	"github.com/fsnotify/fsnotify"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var (
	serveConfigDir string
	serveListen    string
	serveTransport string
	serveNoWatch   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy: connect configured backends and expose the merged MCP endpoint",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigDir, "config", ".", "Directory containing config.yaml")
	serveCmd.Flags().StringVar(&serveListen, "listen", ":8770", "Listen address for streamable-http/sse transports")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "stdio", "Inbound transport: stdio, streamable-http, or sse")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable watching config.yaml for changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	application, err := buildApp(ctx, serveConfigDir)
	if err != nil {
		return fmt.Errorf("building proxy: %w", err)
	}
	application.start(ctx)
	defer application.stop()

	if !serveNoWatch {
		stopWatch, err := watchConfig(ctx, application)
		if err != nil {
			logging.Warn("muster-proxyd", "config watch disabled: %s", err)
		} else {
			defer stopWatch()
		}
	}

	switch serveTransport {
	case "stdio":
		return serveStdio(ctx, application)
	case "streamable-http":
		return serveHTTP(ctx, application, newStreamableHTTPHandler)
	case "sse":
		return serveHTTP(ctx, application, newSSEHandler)
	default:
		return fmt.Errorf("unknown transport %q", serveTransport)
	}
}

// serveStdio connects a single, unfiltered session over stdin/stdout, the
// teacher's default CLI integration path (cmd/serve.go -> stdio transport).
func serveStdio(ctx context.Context, app *proxyApp) error {
	sess, err := app.sessions.Connect(ctx, "stdio", session.Options{Transport: "stdio", ServerName: "muster-proxy"})
	if err != nil {
		return fmt.Errorf("opening stdio session: %w", err)
	}
	logging.Info("muster-proxyd", "serving stdio transport")
	stdioServer := mcpserver.NewStdioServer(sess.Facade())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// serveHTTP starts an HTTP listener in front of one proxy session
// ("http-shared") that every HTTP client connection uses; no per-client
// session or per-client TagFilter view is created. Each request's
// tags/tag-filter/preset query parameters and bearer-token scope are only
// validated by scopeFilteringMiddleware before it reaches the shared façade.
func serveHTTP(ctx context.Context, app *proxyApp, newHandler func(*proxyApp, *mcpserver.MCPServer) http.Handler) error {
	sess, err := app.sessions.Connect(ctx, "http-shared", session.Options{Transport: serveTransport, ServerName: "muster-proxy"})
	if err != nil {
		return fmt.Errorf("opening shared http session: %w", err)
	}

	handler := newHandler(app, sess.Facade())
	srv := &http.Server{Addr: serveListen, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("muster-proxyd", "serving %s transport on %s", serveTransport, serveListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// watchConfig watches serveConfigDir for writes and renames to config.yaml
// and re-drives buildApp's registration logic through app.reload, so editing
// the backend fleet on disk takes effect without a restart. Grounded on the
// teacher's own config directory watcher (fsnotify.NewWatcher, a debounced
// reload on Write/Create/Rename events).
func watchConfig(ctx context.Context, app *proxyApp) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting config watcher: %w", err)
	}
	if err := watcher.Add(app.configDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", app.configDir, err)
	}

	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Base(event.Name) != "config.yaml" {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					logging.Info("muster-proxyd", "config change detected, reloading")
					if err := app.reload(ctx); err != nil {
						logging.Error("muster-proxyd", err, "reloading config")
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Error("muster-proxyd", err, "config watcher")
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}

func newStreamableHTTPHandler(app *proxyApp, facade *mcpserver.MCPServer) http.Handler {
	return scopeFilteringMiddleware(app, mcpserver.NewStreamableHTTPServer(facade))
}

func newSSEHandler(app *proxyApp, facade *mcpserver.MCPServer) http.Handler {
	return scopeFilteringMiddleware(app, mcpserver.NewSSEServer(facade))
}

// scopeFilteringMiddleware resolves the request's tags/tag-filter/preset
// query parameters (and "Authorization: Bearer ..." scope, if present) into
// a TagFilter, validates it, and writes the spec §6 error envelope on
// failure instead of forwarding to the MCP handler. The shared session's
// filter itself stays process-wide (see serveHTTP), but every request is still rejected
// up front if it names tags outside what the bearer token grants.
func scopeFilteringMiddleware(app *proxyApp, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params := tagfilter.Params{
			Tags:          splitCSV(r.URL.Query().Get("tags")),
			TagFilterExpr: r.URL.Query().Get("tag-filter"),
			Preset:        r.URL.Query().Get("preset"),
		}
		bearerScope := bearerScopeOf(r)
		if _, err := scope.Resolve(params, app.presets, bearerScope); err != nil {
			scope.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerScopeOf extracts the scope string carried by a validated bearer
// token. Full OAuth2 token validation (introspection, signature/issuer
// checks) stays out of core scope per §1 (see DESIGN.md): the raw token
// value is treated as already being the space-separated scope list. A
// request with no Authorization header is treated as unauthenticated, so
// scope.Resolve skips the subset check entirely.
func bearerScopeOf(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return ""
	}
	token := scope.BearerToken{AccessToken: auth[len(prefix):], Scope: auth[len(prefix):]}
	return token.Scope
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
