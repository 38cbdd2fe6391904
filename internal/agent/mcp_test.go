package agent

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMCPHandlerRendersConfirmationPrompt(t *testing.T) {
	f := newRouterFixture(t, time.Minute)
	handler := createToolHandler(f.router, acmeOperator(), string(CmdRemoveStack))

	var req mcp.CallToolRequest
	req.Params.Arguments = map[string]interface{}{"stackId": "stk-1"}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, "a confirmation request is not a tool failure")
	require.Len(t, result.Content, 2)

	prompt, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, prompt.Text, "Nothing has been changed yet")

	payload, ok := result.Content[1].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, payload.Text, "actionId")
	assert.Empty(t, f.deployer.removed, "remove must not run before confirm")
}

func TestMCPHandlerReportsToolFailure(t *testing.T) {
	f := newRouterFixture(t, time.Minute)
	handler := createToolHandler(f.router, acmeOperator(), string(CmdRemoveStack))

	var req mcp.CallToolRequest
	req.Params.Arguments = map[string]interface{}{"stackId": "ghost"}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
