package outbound

import (
	"context"
	"fmt"
	"time"

	"mcpproxy/internal/config"
	"mcpproxy/internal/transport"
	"mcpproxy/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const initializeTimeout = 10 * time.Second

// StdioClient speaks MCP over a child process's stdin/stdout.
type StdioClient struct {
	baseClient
	command string
	args    []string
	env     []string
	cwd     string
}

// NewStdioClient builds a stdio client for cfg. No process is started until
// Initialize is called.
func NewStdioClient(cfg config.BackendConfig) *StdioClient {
	return &StdioClient{
		command: cfg.Command,
		args:    cfg.Args,
		env:     transport.FilterEnv(cfg.EnvFilter, cfg.Env),
		cwd:     cfg.Cwd,
	}
}

func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StdioClient", "starting %s %v", c.command, c.args)

	mcpClient, err := client.NewStdioMCPClient(c.command, c.env, c.args...)
	if err != nil {
		return fmt.Errorf("create stdio client: %w", err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, initializeTimeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo:      mcp.Implementation{Name: "mcpproxy", Version: "1.0.0"},
			Capabilities:    mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		logging.Error("StdioClient", err, "handshake failed for %s", c.command)
		_ = mcpClient.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	c.handshakeCaps = SupportedKinds{
		Tools:     initResult.Capabilities.Tools != nil,
		Resources: initResult.Capabilities.Resources != nil,
		Prompts:   initResult.Capabilities.Prompts != nil,
	}
	return nil
}

func (c *StdioClient) Close() error { return c.closeClient() }

func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) { return c.listTools(ctx) }

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StdioClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return c.listPrompts(ctx) }

func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StdioClient) Ping(ctx context.Context) error { return c.ping(ctx) }
