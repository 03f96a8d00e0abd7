// Package tool turns operator-supplied tool definitions into an in-process
// MCP server handle that a provider invocation can reference.
//
// Each definition exposes a name, a description, a JSON schema for its
// input, and a handler returning structured content blocks. The handle is
// registered under the plugin's name and version.
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Handler executes one tool call. Handlers receive the decoded call
// arguments and return structured content blocks. A returned error is
// reported to the model as a failed call, not propagated as a protocol
// error.
type Handler func(ctx context.Context, args map[string]any) ([]mcp.Content, error)

// Definition describes one callable tool.
type Definition struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Handler     Handler
}

// Text wraps plain text as a single content block, the common handler
// return shape.
func Text(s string) []mcp.Content {
	return []mcp.Content{&mcp.TextContent{Text: s}}
}

// Names returns the declared tool names in definition order.
func Names(defs []Definition) []string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

// NewServer builds an MCP server exposing the given definitions, registered
// under the plugin name and version. The returned handle is passed to the
// provider invocation; callers connect to it over in-memory transports.
func NewServer(name, version string, defs []Definition) (*mcp.Server, error) {
	if name == "" {
		return nil, errors.New("tool: server name is required")
	}
	if version == "" {
		version = "0.0.0"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version,
	}, nil)

	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("tool: definition with empty name")
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("tool: %s has no handler", def.Name)
		}
		register(srv, def)
	}

	return srv, nil
}

func register(srv *mcp.Server, def Definition) {
	handler := def.Handler
	t := &mcp.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: def.InputSchema,
	}

	mcp.AddTool(srv, t, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		content, err := handler(ctx, args)
		if err != nil {
			// Tool-level failure: surfaced to the model as an error result.
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil, nil
		}
		return &mcp.CallToolResult{Content: content}, nil, nil
	})
}
