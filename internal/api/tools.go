package api

import "context"

// CallToolResult represents the result of a tool call.
type CallToolResult struct {
	Content []interface{} `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolMetadata describes a tool exposed to the conversational agent.
type ToolMetadata struct {
	Name        string
	Description string

	// Destructive marks operations that remove or reduce a running
	// service. Destructive tools are gated behind explicit confirmation
	// and never execute from a single call.
	Destructive bool

	Args []ArgMetadata
}

// ArgMetadata describes a tool argument.
type ArgMetadata struct {
	Name        string
	Type        string // "string", "number", "boolean", "object"
	Required    bool
	Description string
	Default     interface{}
}

// ToolProvider is implemented by components that expose tools to the agent.
type ToolProvider interface {
	// GetTools returns all tools this provider offers.
	GetTools() []ToolMetadata

	// ExecuteTool executes a tool by name on behalf of the given caller.
	ExecuteTool(ctx context.Context, rctx RequestContext, toolName string, args map[string]interface{}) (*CallToolResult, error)
}

// HandleError creates a CallToolResult carrying an error message.
func HandleError(err error) *CallToolResult {
	return &CallToolResult{
		Content: []interface{}{err.Error()},
		IsError: true,
	}
}
