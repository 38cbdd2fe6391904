package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"stackpilot/internal/api"
	"stackpilot/pkg/logging"
)

// NewMCPServer exposes the router's tools over MCP. The request context
// is fixed per server instance: the transport in front of it is expected
// to authenticate and spawn one server identity per session.
func NewMCPServer(provider api.ToolProvider, rctx api.RequestContext, version string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(
		"stackpilot",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.AddTools(buildServerTools(provider, rctx)...)
	return s
}

func buildServerTools(provider api.ToolProvider, rctx api.RequestContext) []mcpserver.ServerTool {
	var tools []mcpserver.ServerTool
	for _, meta := range provider.GetTools() {
		destructive := meta.Destructive
		tools = append(tools, mcpserver.ServerTool{
			Tool: mcp.Tool{
				Name:        meta.Name,
				Description: meta.Description,
				InputSchema: convertToMCPSchema(meta.Args),
				Annotations: mcp.ToolAnnotation{
					Title:           meta.Name,
					DestructiveHint: &destructive,
				},
			},
			Handler: createToolHandler(provider, rctx, meta.Name),
		})
	}
	return tools
}

// createToolHandler bridges one tool into an MCP handler. Execution
// errors become MCP error results rather than protocol errors so the
// agent can read and relay them.
func createToolHandler(provider api.ToolProvider, rctx api.RequestContext, toolName string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := make(map[string]interface{})
		if req.Params.Arguments != nil {
			if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = argsMap
			}
		}

		result, err := provider.ExecuteTool(ctx, rctx, toolName, args)
		if api.IsConfirmationRequired(err) {
			return confirmationPrompt(err), nil
		}
		if err != nil {
			logging.Error("AgentMCP", err, "Tool %s failed", toolName)
			return mcp.NewToolResultError(fmt.Sprintf("Tool %s failed: %v", toolName, err)), nil
		}
		return convertToMCPResult(result), nil
	}
}

// confirmationPrompt renders a pending destructive action as an ordinary
// tool result: the agent relays the prompt and calls confirm with the
// action id once the user agrees.
func confirmationPrompt(err error) *mcp.CallToolResult {
	var confirm *api.ConfirmationError
	if !errors.As(err, &confirm) {
		return mcp.NewToolResultError(err.Error())
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"actionId":             confirm.ActionID,
		"confirmationRequired": true,
	})
	return &mcp.CallToolResult{Content: []mcp.Content{
		mcp.NewTextContent(fmt.Sprintf("This will %s. Nothing has been changed yet; call confirm with the action id to proceed.", confirm.Summary)),
		mcp.NewTextContent(string(payload)),
	}}
}

// convertToMCPSchema converts tool arg metadata to the JSON Schema form
// MCP clients expect.
func convertToMCPSchema(args []api.ArgMetadata) mcp.ToolInputSchema {
	properties := make(map[string]interface{})
	required := []string{}

	for _, arg := range args {
		propSchema := map[string]interface{}{
			"type":        arg.Type,
			"description": arg.Description,
		}
		if arg.Default != nil {
			propSchema["default"] = arg.Default
		}
		properties[arg.Name] = propSchema
		if arg.Required {
			required = append(required, arg.Name)
		}
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// convertToMCPResult converts an internal tool result to MCP content.
// String content passes through; anything else is marshaled to JSON.
func convertToMCPResult(result *api.CallToolResult) *mcp.CallToolResult {
	mcpContent := make([]mcp.Content, len(result.Content))
	for i, content := range result.Content {
		if text, ok := content.(string); ok {
			mcpContent[i] = mcp.NewTextContent(text)
		} else {
			jsonBytes, _ := json.Marshal(content)
			mcpContent[i] = mcp.NewTextContent(string(jsonBytes))
		}
	}
	return &mcp.CallToolResult{
		Content: mcpContent,
		IsError: result.IsError,
	}
}
