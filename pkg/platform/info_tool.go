package platform

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Info contains information about the session service deployment.
type Info struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	Description       string   `json:"description,omitempty"`
	InstanceID        string   `json:"instance_id"`
	Backend           string   `json:"backend"`
	TTLSeconds        int      `json:"ttl_seconds"`
	MaxEvents         int      `json:"max_events_per_session"`
	SupportedVersions []string `json:"supported_versions"`
	DefaultVersion    string   `json:"default_version"`
}

// platformInfoInput is empty since this tool has no parameters.
type platformInfoInput struct{}

// registerInfoTool registers the platform_info tool with the MCP server.
func (p *Platform) registerInfoTool() {
	addTool(p, &mcp.Tool{
		Name:        "platform_info",
		Description: "Get information about " + p.config.Server.Name + ", including the session backend, TTL and supported protocol versions.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ platformInfoInput) (*mcp.CallToolResult, any, error) {
		return p.handleInfo(ctx, req)
	})
}

// addTool registers a typed tool and records its name.
func addTool[In any](p *Platform, tool *mcp.Tool, handler mcp.ToolHandlerFor[In, any]) {
	mcp.AddTool(p.mcpServer, tool, handler)
	p.toolNames = append(p.toolNames, tool.Name)
}

// Info returns the deployment summary reported by platform_info.
func (p *Platform) Info() Info {
	return Info{
		Name:              p.config.Server.Name,
		Version:           p.config.Server.Version,
		Description:       p.config.Server.Description,
		InstanceID:        p.manager.InstanceID(),
		Backend:           p.store.Backend(),
		TTLSeconds:        p.config.Storage.TTLSeconds,
		MaxEvents:         p.config.Storage.MaxEventsPerSession,
		SupportedVersions: p.negotiator.Supported(),
		DefaultVersion:    p.config.Protocol.DefaultVersion,
	}
}

// handleInfo handles the platform_info tool call.
func (p *Platform) handleInfo(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, any, error) {
	return jsonResult(p.Info())
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("Error: " + err.Error())
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil, nil
}

// errorResult reports a tool failure. Tool errors are returned in
// CallToolResult.IsError, not as Go errors.
func errorResult(msg string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}, nil, nil
}
