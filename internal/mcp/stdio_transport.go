package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/parseltongue/parseltongue-go/internal/mcp/tools"
)

// StdioTransport handles JSON-RPC communication over a line-oriented stream
type StdioTransport struct {
	scanner *bufio.Scanner
	out     io.Writer
	handler *Handler
}

// NewStdioTransport creates a new stdio transport
func NewStdioTransport(handler *Handler, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		scanner: bufio.NewScanner(in),
		out:     out,
		handler: handler,
	}
}

// Start reads JSON-RPC requests line by line until the input closes or the
// context is cancelled.
func (t *StdioTransport) Start(ctx context.Context) error {
	for t.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := t.scanner.Text()

		var req tools.JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			t.sendError(nil, -32700, "Parse error")
			continue
		}

		response := t.handler.Handle(ctx, &req)

		respJSON, _ := json.Marshal(response)
		fmt.Fprintln(t.out, string(respJSON))
	}
	return t.scanner.Err()
}

// sendError sends a JSON-RPC error response
func (t *StdioTransport) sendError(id interface{}, code int, message string) {
	response := &tools.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &tools.JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
	respJSON, _ := json.Marshal(response)
	fmt.Fprintln(t.out, string(respJSON))
}
