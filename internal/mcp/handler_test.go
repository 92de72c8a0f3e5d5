package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parseltongue/parseltongue-go/internal/mcp/tools"
)

type echoTool struct {
	err error
}

func (t *echoTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.err != nil {
		return nil, t.err
	}
	return args, nil
}

func (t *echoTool) GetSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func request(method string, params map[string]interface{}) *tools.JSONRPCRequest {
	return &tools.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}
}

func TestHandleInitialize(t *testing.T) {
	h := NewHandler()

	resp := h.Handle(context.Background(), request("initialize", nil))
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	info, ok := result["serverInfo"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "parsel-server", info["name"])
}

func TestHandleToolsList(t *testing.T) {
	h := NewHandler()
	h.RegisterTool("echo", &echoTool{})

	resp := h.Handle(context.Background(), request("tools/list", nil))
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	list := result["tools"].([]map[string]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "echo", list[0]["name"])
}

func TestHandleToolCall(t *testing.T) {
	h := NewHandler()
	h.RegisterTool("echo", &echoTool{})

	resp := h.Handle(context.Background(), request("tools/call", map[string]interface{}{
		"name":      "echo",
		"arguments": map[string]interface{}{"k": "v"},
	}))
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]interface{}{"k": "v"}, resp.Result)
}

func TestHandleUnknownMethod(t *testing.T) {
	h := NewHandler()

	resp := h.Handle(context.Background(), request("bogus/method", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestHandleUnknownTool(t *testing.T) {
	h := NewHandler()

	resp := h.Handle(context.Background(), request("tools/call", map[string]interface{}{
		"name": "missing",
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
}

func TestHandleToolCallMissingName(t *testing.T) {
	h := NewHandler()

	resp := h.Handle(context.Background(), request("tools/call", map[string]interface{}{}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
}

func TestHandleToolExecutionError(t *testing.T) {
	h := NewHandler()
	h.RegisterTool("broken", &echoTool{err: errors.New("boom")})

	resp := h.Handle(context.Background(), request("tools/call", map[string]interface{}{
		"name": "broken",
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32603, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "boom")
}
