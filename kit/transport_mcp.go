package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPDecodeResult is a decoded tool request plus an optional context hook
// run before the endpoint.
type MCPDecodeResult struct {
	Request   any
	EnrichCtx func(context.Context) context.Context
}

// MCPDecoder turns tool arguments into an endpoint request.
type MCPDecoder func(*mcp.CallToolRequest) (*MCPDecodeResult, error)

// RegisterMCPTool exposes endpoint as an MCP tool. Calls are tagged with
// transport "mcp". Decode and endpoint failures come back as tool errors
// so the client sees the message instead of a protocol fault.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode MCPDecoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = WithTransport(ctx, "mcp")
		in, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("%s: invalid arguments: %v", tool.Name, err)), nil
		}
		if in.EnrichCtx != nil {
			ctx = in.EnrichCtx(ctx)
		}
		out, err := endpoint(ctx, in.Request)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return toolError(fmt.Errorf("%s: encode result: %v", tool.Name, err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
	})
}

// MCPRegistrar registers tools that all run as one operator. MCP sessions
// carry no credentials, so the identity is fixed when the server starts.
type MCPRegistrar struct {
	Server *mcp.Server
	Actor  string
}

// Add registers endpoint under tool, attributing every call to r.Actor.
func (r MCPRegistrar) Add(tool *mcp.Tool, endpoint Endpoint, decode MCPDecoder) {
	RegisterMCPTool(r.Server, tool, endpoint, func(req *mcp.CallToolRequest) (*MCPDecodeResult, error) {
		in, err := decode(req)
		if err != nil {
			return nil, err
		}
		enrich := in.EnrichCtx
		in.EnrichCtx = func(ctx context.Context) context.Context {
			if enrich != nil {
				ctx = enrich(ctx)
			}
			return WithActor(ctx, r.Actor)
		}
		return in, nil
	})
}

// DecodeArgs unmarshals tool arguments into a fresh T. Missing arguments
// leave T at its zero value.
func DecodeArgs[T any](req *mcp.CallToolRequest) (*MCPDecodeResult, error) {
	var v T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &v); err != nil {
			return nil, err
		}
	}
	return &MCPDecodeResult{Request: &v}, nil
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
