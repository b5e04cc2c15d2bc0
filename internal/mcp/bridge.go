package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nidhogg/sprintloop/internal/capability"
	"github.com/nidhogg/sprintloop/internal/config"
	"github.com/nidhogg/sprintloop/internal/tool"
	"go.uber.org/zap"
)

const protocolVersion = "2024-11-05"

// Caller is the part of an MCP client the bridge needs.
type Caller interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

type server struct {
	name   string
	caller Caller
	closer func() error
	tools  []string
}

// Bridge registers the tools exposed by MCP servers into a tool registry
// and forwards executions to the owning server.
type Bridge struct {
	mu       sync.Mutex
	servers  map[string]*server
	registry *tool.Registry
	timeout  time.Duration
	logger   *zap.Logger
}

// NewBridge creates a bridge that registers remote tools into reg.
func NewBridge(reg *tool.Registry, logger *zap.Logger) *Bridge {
	return &Bridge{
		servers:  make(map[string]*server),
		registry: reg,
		timeout:  60 * time.Second,
		logger:   logger,
	}
}

// Connect opens an SSE session to the configured server, performs the
// MCP handshake and registers every tool it lists.
func (b *Bridge) Connect(ctx context.Context, cfg config.MCPServerConfig) error {
	c, err := client.NewSSEMCPClient(cfg.URL)
	if err != nil {
		return fmt.Errorf("mcp %s: create client: %w", cfg.Name, err)
	}
	// the SSE stream lives until Close, not until ctx ends
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		c.Close()
		return fmt.Errorf("mcp %s: start: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "sprintloop", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("mcp %s: initialize: %w", cfg.Name, err)
	}

	caps := make([]capability.Name, 0, len(cfg.Capabilities))
	for _, s := range cfg.Capabilities {
		caps = append(caps, capability.Name(s))
	}
	n, err := b.attach(ctx, cfg.Name, c, c.Close, caps)
	if err != nil {
		c.Close()
		return err
	}
	b.logger.Info("MCP server connected", zap.String("name", cfg.Name), zap.Int("tools", n))
	return nil
}

// Attach registers the tools of an already initialized session. Tools
// require network.fetch unless caps says otherwise.
func (b *Bridge) Attach(ctx context.Context, name string, caller Caller, caps []capability.Name) (int, error) {
	return b.attach(ctx, name, caller, nil, caps)
}

func (b *Bridge) attach(ctx context.Context, name string, caller Caller, closer func() error, caps []capability.Name) (int, error) {
	if len(caps) == 0 {
		caps = []capability.Name{capability.NetworkFetch}
	}

	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := caller.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("mcp %s: list tools: %w", name, err)
	}

	srv := &server{name: name, caller: caller, closer: closer}
	for _, t := range res.Tools {
		rt := &remoteTool{
			def:     definitionOf(t, caps),
			server:  name,
			caller:  caller,
			timeout: b.timeout,
		}
		if err := b.registry.Register(rt); err != nil {
			if errors.Is(err, tool.ErrDuplicateTool) {
				b.logger.Warn("MCP tool shadowed by existing tool",
					zap.String("server", name), zap.String("tool", t.Name))
				continue
			}
			return len(srv.tools), err
		}
		srv.tools = append(srv.tools, t.Name)
	}

	b.mu.Lock()
	b.servers[name] = srv
	b.mu.Unlock()
	return len(srv.tools), nil
}

// Servers returns the names of attached servers.
func (b *Bridge) Servers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.servers))
	for n := range b.servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Disconnect unregisters a server's tools and closes its session.
func (b *Bridge) Disconnect(name string) error {
	b.mu.Lock()
	srv, ok := b.servers[name]
	delete(b.servers, name)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	for _, t := range srv.tools {
		b.registry.Unregister(t)
	}
	if srv.closer != nil {
		return srv.closer()
	}
	return nil
}

// Close disconnects every server.
func (b *Bridge) Close() error {
	var errs []error
	for _, name := range b.Servers() {
		if err := b.Disconnect(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func definitionOf(t mcp.Tool, caps []capability.Name) tool.Definition {
	required := make(map[string]bool, len(t.InputSchema.Required))
	for _, r := range t.InputSchema.Required {
		required[r] = true
	}

	names := make([]string, 0, len(t.InputSchema.Properties))
	for n := range t.InputSchema.Properties {
		names = append(names, n)
	}
	sort.Strings(names)

	params := make([]tool.Param, 0, len(names))
	for _, n := range names {
		p := tool.Param{Name: n, Required: required[n]}
		if prop, ok := t.InputSchema.Properties[n].(map[string]any); ok {
			p.Type = paramType(prop["type"])
			p.Description, _ = prop["description"].(string)
			p.Default = prop["default"]
			if enum, ok := prop["enum"].([]any); ok {
				for _, e := range enum {
					p.Enum = append(p.Enum, fmt.Sprint(e))
				}
			}
		}
		params = append(params, p)
	}

	return tool.Definition{
		Name:                 t.Name,
		Description:          t.Description,
		Params:               params,
		RequiredCapabilities: caps,
	}
}

func paramType(v any) tool.ParamType {
	s, _ := v.(string)
	switch s {
	case "string":
		return tool.TypeString
	case "number", "integer":
		return tool.TypeNumber
	case "boolean":
		return tool.TypeBoolean
	case "array":
		return tool.TypeArray
	case "object":
		return tool.TypeObject
	}
	return ""
}

// remoteTool forwards execution to an MCP server.
type remoteTool struct {
	def     tool.Definition
	server  string
	caller  Caller
	timeout time.Duration
}

func (r *remoteTool) Definition() tool.Definition { return r.def }

func (r *remoteTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.caller.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      r.def.Name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mcp %s: call %s: %w", r.server, r.def.Name, err)
	}

	var texts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			texts = append(texts, v.Text)
		case *mcp.TextContent:
			texts = append(texts, v.Text)
		}
	}
	out := strings.Join(texts, "\n")
	if res.IsError {
		return &tool.Result{Success: false, Output: out, Error: out}, nil
	}
	return &tool.Result{
		Success: true,
		Output:  out,
		Data:    map[string]any{"server": r.server, "contentItems": len(res.Content)},
	}, nil
}
