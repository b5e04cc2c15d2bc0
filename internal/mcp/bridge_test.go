package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nidhogg/sprintloop/internal/capability"
	"github.com/nidhogg/sprintloop/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeServer struct {
	tools []mcp.Tool
	calls []mcp.CallToolRequest
}

func (f *fakeServer) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeServer) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, req)
	switch req.Params.Name {
	case "search":
		return mcp.NewToolResultText("found 3 issues"), nil
	case "broken":
		return mcp.NewToolResultError("backend down"), nil
	}
	return nil, errors.New("transport closed")
}

func newFake() *fakeServer {
	return &fakeServer{tools: []mcp.Tool{
		mcp.NewTool("search",
			mcp.WithDescription("Search the tracker"),
			mcp.WithString("query", mcp.Required(), mcp.Description("search terms")),
			mcp.WithNumber("limit"),
		),
		mcp.NewTool("broken", mcp.WithDescription("Always fails")),
		mcp.NewTool("offline", mcp.WithDescription("Transport error")),
	}}
}

func newBridge(env capability.Environment) (*Bridge, *tool.Registry) {
	reg := tool.NewRegistry(capability.NewDetector(env), zap.NewNop())
	return NewBridge(reg, zap.NewNop()), reg
}

func TestAttachRegistersTools(t *testing.T) {
	b, reg := newBridge(capability.EnvServer)
	n, err := b.Attach(context.Background(), "tracker", newFake(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tl, ok := reg.Get("search")
	require.True(t, ok)
	def := tl.Definition()
	require.Len(t, def.Params, 2)
	assert.Equal(t, "limit", def.Params[0].Name)
	assert.Equal(t, tool.TypeNumber, def.Params[0].Type)
	assert.Equal(t, "query", def.Params[1].Name)
	assert.True(t, def.Params[1].Required)
	assert.Equal(t, []capability.Name{capability.NetworkFetch}, def.RequiredCapabilities)
}

func TestRemoteExecution(t *testing.T) {
	b, reg := newBridge(capability.EnvServer)
	fake := newFake()
	_, err := b.Attach(context.Background(), "tracker", fake, nil)
	require.NoError(t, err)

	res := reg.Execute(context.Background(), "search", map[string]any{"query": "bug"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "found 3 issues", res.Output)
	require.Len(t, fake.calls, 1)
	assert.Equal(t, map[string]any{"query": "bug"}, fake.calls[0].Params.Arguments)

	res = reg.Execute(context.Background(), "search", nil)
	assert.False(t, res.Success)
	assert.Len(t, fake.calls, 1, "invalid arguments never reach the server")

	res = reg.Execute(context.Background(), "broken", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "backend down", res.Error)

	res = reg.Execute(context.Background(), "offline", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "transport closed")
}

func TestAttachSkipsShadowedTools(t *testing.T) {
	b, reg := newBridge(capability.EnvServer)
	require.NoError(t, reg.Register(&tool.Func{
		Def: tool.Definition{Name: "search"},
		Fn: func(context.Context, map[string]any) (*tool.Result, error) {
			return &tool.Result{Success: true, Output: "local"}, nil
		},
	}))

	n, err := b.Attach(context.Background(), "tracker", newFake(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "local", reg.Execute(context.Background(), "search", nil).Output)
}

func TestDisconnectUnregisters(t *testing.T) {
	b, reg := newBridge(capability.EnvServer)
	_, err := b.Attach(context.Background(), "tracker", newFake(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"tracker"}, b.Servers())

	require.NoError(t, b.Close())
	_, ok := reg.Get("search")
	assert.False(t, ok)
	assert.Empty(t, b.Servers())
}

func TestCapabilityOverride(t *testing.T) {
	b, reg := newBridge(capability.EnvWeb)
	_, err := b.Attach(context.Background(), "tracker", newFake(), []capability.Name{capability.ShellExecute})
	require.NoError(t, err)
	assert.False(t, reg.IsAvailable("search"))
}
