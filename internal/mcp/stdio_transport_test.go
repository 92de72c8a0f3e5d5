package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parseltongue/parseltongue-go/internal/mcp/tools"
)

func TestStdioTransportRoundTrip(t *testing.T) {
	h := NewHandler()
	h.RegisterTool("echo", &echoTool{})

	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"k":"v"}}}` + "\n")
	var out bytes.Buffer

	transport := NewStdioTransport(h, in, &out)
	require.NoError(t, transport.Start(context.Background()))

	var resp tools.JSONRPCResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Nil(t, resp.Error)
	assert.Equal(t, float64(1), resp.ID)
	assert.Equal(t, map[string]interface{}{"k": "v"}, resp.Result)
}

func TestStdioTransportParseError(t *testing.T) {
	h := NewHandler()

	in := strings.NewReader("this is not json\n")
	var out bytes.Buffer

	transport := NewStdioTransport(h, in, &out)
	require.NoError(t, transport.Start(context.Background()))

	var resp tools.JSONRPCResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestStdioTransportMultipleRequests(t *testing.T) {
	h := NewHandler()
	h.RegisterTool("echo", &echoTool{})

	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	var out bytes.Buffer

	transport := NewStdioTransport(h, in, &out)
	require.NoError(t, transport.Start(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var resp tools.JSONRPCResponse
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		assert.Nil(t, resp.Error)
	}
}
