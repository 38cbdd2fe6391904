// Package agent exposes the orchestrator to a conversational AI agent as
// a closed set of tools. The router validates the caller, gates
// destructive operations behind explicit confirmation, and relays
// failures in plain language instead of dumping raw cluster errors.
package agent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"stackpilot/internal/api"
	"stackpilot/internal/catalog"
	"stackpilot/internal/cluster"
	"stackpilot/internal/stack"
	"stackpilot/pkg/logging"
)

// Command enumerates the tools the agent may call. The set is closed:
// dispatch is an exhaustive switch and unknown names are rejected.
type Command string

const (
	CmdSearchCatalog Command = "search_catalog"
	CmdDeployStack   Command = "deploy_stack"
	CmdGetStatus     Command = "get_status"
	CmdGetLogs       Command = "get_logs"
	CmdUpdateService Command = "update_service"
	CmdRemoveStack   Command = "remove_stack"
	CmdCreateRecipe  Command = "create_recipe"
	CmdConfirm       Command = "confirm"
)

// Deployer is the slice of the deployer the router needs.
type Deployer interface {
	DeployStack(ctx context.Context, rctx api.RequestContext, recipeID string, config map[string]string) (stack.Stack, error)
	RemoveStack(ctx context.Context, rctx api.RequestContext, stackID string) error
	UpdateService(ctx context.Context, rctx api.RequestContext, nodeID string, config map[string]string) error
}

// Catalog is the catalog surface the router needs.
type Catalog interface {
	catalog.Resolver
	Search(query, category string) ([]catalog.Recipe, error)
	Create(recipe catalog.Recipe) error
}

// StatusReader reconciles a stack on demand.
type StatusReader interface {
	Reconcile(ctx context.Context, stackID string) ([]stack.ServiceNode, error)
}

// Router dispatches agent tool calls. It implements api.ToolProvider.
type Router struct {
	deployer Deployer
	catalog  Catalog
	status   StatusReader
	store    *stack.Store
	client   cluster.Client
	charts   catalog.ChartFinder
	gate     *Gate
}

// NewRouter creates a tool router. charts may be nil to disable the
// external chart-search fallback.
func NewRouter(deployer Deployer, cat Catalog, status StatusReader, store *stack.Store, client cluster.Client, charts catalog.ChartFinder, confirmationTTL time.Duration) *Router {
	return &Router{
		deployer: deployer,
		catalog:  cat,
		status:   status,
		store:    store,
		client:   client,
		charts:   charts,
		gate:     NewGate(confirmationTTL),
	}
}

// GetTools implements api.ToolProvider.
func (r *Router) GetTools() []api.ToolMetadata {
	return []api.ToolMetadata{
		{
			Name:        string(CmdSearchCatalog),
			Description: "Search the service catalog. Falls back to an external chart search when nothing matches.",
			Args: []api.ArgMetadata{
				{Name: "query", Type: "string", Description: "Substring matched against recipe id and display name"},
				{Name: "category", Type: "string", Description: "Restrict results to one category"},
			},
		},
		{
			Name:        string(CmdDeployStack),
			Description: "Deploy a catalog recipe and its dependencies as a stack.",
			Args: []api.ArgMetadata{
				{Name: "recipeId", Type: "string", Required: true, Description: "Catalog recipe to deploy"},
				{Name: "config", Type: "object", Description: "Configuration overrides merged over the recipe defaults"},
			},
		},
		{
			Name:        string(CmdGetStatus),
			Description: "Get the live status of one stack, or of all the tenant's stacks.",
			Args: []api.ArgMetadata{
				{Name: "stackId", Type: "string", Description: "Stack to inspect; omit for all stacks"},
			},
		},
		{
			Name:        string(CmdGetLogs),
			Description: "Fetch the log tail of one deployed service.",
			Args: []api.ArgMetadata{
				{Name: "nodeId", Type: "string", Required: true, Description: "Service node to read logs from"},
				{Name: "tailLines", Type: "number", Default: 100, Description: "Number of trailing lines"},
			},
		},
		{
			Name:        string(CmdUpdateService),
			Description: "Apply new configuration to one deployed service. Scaling to zero requires confirmation.",
			Args: []api.ArgMetadata{
				{Name: "nodeId", Type: "string", Required: true, Description: "Service node to update"},
				{Name: "config", Type: "object", Required: true, Description: "Configuration overrides"},
			},
		},
		{
			Name:        string(CmdRemoveStack),
			Description: "Tear down a stack and all its services. Always requires confirmation.",
			Destructive: true,
			Args: []api.ArgMetadata{
				{Name: "stackId", Type: "string", Required: true, Description: "Stack to remove"},
			},
		},
		{
			Name:        string(CmdCreateRecipe),
			Description: "Publish a new recipe to the catalog.",
			Args: []api.ArgMetadata{
				{Name: "id", Type: "string", Required: true, Description: "Recipe slug"},
				{Name: "image", Type: "string", Required: true, Description: "Container image"},
				{Name: "displayName", Type: "string", Description: "Human-readable name"},
				{Name: "category", Type: "string", Description: "Catalog category"},
				{Name: "port", Type: "number", Description: "Container port"},
				{Name: "dependsOn", Type: "object", Description: "Recipe ids this service requires"},
			},
		},
		{
			Name:        string(CmdConfirm),
			Description: "Execute a previously requested destructive action.",
			Args: []api.ArgMetadata{
				{Name: "actionId", Type: "string", Required: true, Description: "Id returned by the destructive call"},
			},
		},
	}
}

// ExecuteTool implements api.ToolProvider.
func (r *Router) ExecuteTool(ctx context.Context, rctx api.RequestContext, toolName string, args map[string]interface{}) (*api.CallToolResult, error) {
	if !rctx.Valid() {
		return nil, api.ErrUnauthorized
	}
	logging.Debug("AgentRouter", "Tool %s called by %s (tenant %s)", toolName, rctx.UserID, rctx.TenantID)

	switch Command(toolName) {
	case CmdSearchCatalog:
		return r.searchCatalog(ctx, args)
	case CmdDeployStack:
		return r.deployStack(ctx, rctx, args)
	case CmdGetStatus:
		return r.getStatus(ctx, rctx, args)
	case CmdGetLogs:
		return r.getLogs(ctx, rctx, args)
	case CmdUpdateService:
		return r.updateService(ctx, rctx, args)
	case CmdRemoveStack:
		return r.removeStack(ctx, rctx, args)
	case CmdCreateRecipe:
		return r.createRecipe(rctx, args)
	case CmdConfirm:
		return r.confirm(rctx, args)
	default:
		return nil, api.NewNotFoundError("tool", toolName)
	}
}

func (r *Router) searchCatalog(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	query := stringArg(args, "query")
	category := stringArg(args, "category")

	recipes, err := r.catalog.Search(query, category)
	if err != nil {
		return nil, err
	}
	if len(recipes) > 0 {
		return &api.CallToolResult{Content: []interface{}{
			fmt.Sprintf("Found %d catalog entries.", len(recipes)),
			map[string]interface{}{"recipes": recipes},
		}}, nil
	}
	return r.chartFallback(ctx, query)
}

// chartFallback searches the external chart repository so an unknown
// service becomes an offer to publish a recipe instead of a dead end.
func (r *Router) chartFallback(ctx context.Context, query string) (*api.CallToolResult, error) {
	if r.charts == nil || query == "" {
		return &api.CallToolResult{Content: []interface{}{"No catalog entries match."}}, nil
	}
	hits, err := r.charts.FindCharts(ctx, query)
	if err != nil {
		logging.Warn("AgentRouter", "Chart search for %q failed: %v", query, err)
		return &api.CallToolResult{Content: []interface{}{"No catalog entries match, and the external chart search is unavailable."}}, nil
	}
	if len(hits) == 0 {
		return &api.CallToolResult{Content: []interface{}{fmt.Sprintf("Nothing in the catalog or the chart repository matches %q.", query)}}, nil
	}
	return &api.CallToolResult{Content: []interface{}{
		fmt.Sprintf("%q is not in the catalog, but %d matching charts exist. Use create_recipe to publish one as a catalog entry.", query, len(hits)),
		map[string]interface{}{"charts": hits},
	}}, nil
}

func (r *Router) deployStack(ctx context.Context, rctx api.RequestContext, args map[string]interface{}) (*api.CallToolResult, error) {
	recipeID := stringArg(args, "recipeId")
	if recipeID == "" {
		return nil, fmt.Errorf("recipeId is required")
	}
	config := configArg(args, "config")

	stk, err := r.deployer.DeployStack(ctx, rctx, recipeID, config)
	if api.IsNotFound(err) {
		return r.chartFallback(ctx, recipeID)
	}
	if err != nil {
		return nil, err
	}
	return &api.CallToolResult{Content: []interface{}{
		fmt.Sprintf("Deploying %s as stack %s. Use get_status to follow progress.", recipeID, stk.ID),
		map[string]interface{}{"stack": stk},
	}}, nil
}

func (r *Router) getStatus(ctx context.Context, rctx api.RequestContext, args map[string]interface{}) (*api.CallToolResult, error) {
	if stackID := stringArg(args, "stackId"); stackID != "" {
		return r.stackStatus(ctx, rctx, stackID)
	}

	stacks := r.store.ListStacks(rctx.TenantID)
	if len(stacks) == 0 {
		return &api.CallToolResult{Content: []interface{}{"No stacks deployed."}}, nil
	}
	var content []interface{}
	for _, stk := range stacks {
		result, err := r.stackStatus(ctx, rctx, stk.ID)
		if err != nil {
			continue
		}
		content = append(content, result.Content...)
	}
	return &api.CallToolResult{Content: content}, nil
}

func (r *Router) stackStatus(ctx context.Context, rctx api.RequestContext, stackID string) (*api.CallToolResult, error) {
	stk, err := r.store.GetStack(stackID)
	if err != nil {
		return nil, err
	}
	if stk.TenantID != rctx.TenantID {
		return nil, api.NewNotFoundError("stack", stackID)
	}
	nodes, err := r.status.Reconcile(ctx, stackID)
	if err != nil {
		return nil, err
	}
	return &api.CallToolResult{Content: []interface{}{
		summarizeStack(stk, nodes),
		map[string]interface{}{"stack": stk, "nodes": nodes},
	}}, nil
}

// summarizeStack renders a stack's health as prose. Failing services are
// named with their reason; raw cluster errors stay out of it.
func summarizeStack(stk stack.Stack, nodes []stack.ServiceNode) string {
	running, failed := 0, 0
	detail := ""
	for _, n := range nodes {
		switch n.Status {
		case stack.StatusRunning:
			running++
		case stack.StatusFailed:
			failed++
			if detail == "" {
				detail = fmt.Sprintf(" The %s service is failing: %s.", n.RecipeID, n.Error)
			}
		}
	}
	state := "still rolling out"
	if !stack.Transitional(nodes) {
		state = "settled"
	}
	return fmt.Sprintf("Stack %s (%s) is %s: %d of %d services running, %d failed.%s",
		stk.ID, stk.RecipeID, state, running, len(nodes), failed, detail)
}

func (r *Router) getLogs(ctx context.Context, rctx api.RequestContext, args map[string]interface{}) (*api.CallToolResult, error) {
	nodeID := stringArg(args, "nodeId")
	if nodeID == "" {
		return nil, fmt.Errorf("nodeId is required")
	}
	node, stk, err := r.tenantNode(rctx, nodeID)
	if err != nil {
		return nil, err
	}

	tail := int64(100)
	if n, ok := numberArg(args, "tailLines"); ok && n > 0 {
		tail = int64(n)
	}
	ref := cluster.Ref{TenantID: stk.TenantID, StackID: stk.ID, NodeID: node.ID, Name: node.ID}
	out, err := r.client.Logs(ctx, ref, tail)
	if err != nil {
		return nil, err
	}
	return &api.CallToolResult{Content: []interface{}{
		fmt.Sprintf("Last %d log lines of %s:", tail, node.RecipeID),
		out,
	}}, nil
}

func (r *Router) updateService(ctx context.Context, rctx api.RequestContext, args map[string]interface{}) (*api.CallToolResult, error) {
	nodeID := stringArg(args, "nodeId")
	if nodeID == "" {
		return nil, fmt.Errorf("nodeId is required")
	}
	config := configArg(args, "config")
	node, _, err := r.tenantNode(rctx, nodeID)
	if err != nil {
		return nil, err
	}

	// Scaling a service to zero replicas takes it offline, so it is
	// treated like a removal and gated.
	if config["replicas"] == "0" {
		summary := fmt.Sprintf("scale %s to zero replicas", node.RecipeID)
		id := r.gate.Add(rctx.TenantID, summary, func() (*api.CallToolResult, error) {
			if err := r.deployer.UpdateService(context.Background(), rctx, nodeID, config); err != nil {
				return nil, err
			}
			return &api.CallToolResult{Content: []interface{}{
				fmt.Sprintf("Scaling %s to zero replicas.", node.RecipeID),
			}}, nil
		})
		return nil, &api.ConfirmationError{ActionID: id, Summary: summary}
	}

	if err := r.deployer.UpdateService(ctx, rctx, nodeID, config); err != nil {
		return nil, err
	}
	return &api.CallToolResult{Content: []interface{}{
		fmt.Sprintf("Updating %s with the new configuration.", node.RecipeID),
	}}, nil
}

func (r *Router) removeStack(ctx context.Context, rctx api.RequestContext, args map[string]interface{}) (*api.CallToolResult, error) {
	stackID := stringArg(args, "stackId")
	if stackID == "" {
		return nil, fmt.Errorf("stackId is required")
	}
	stk, err := r.store.GetStack(stackID)
	if err != nil {
		return nil, err
	}
	if stk.TenantID != rctx.TenantID {
		return nil, api.NewNotFoundError("stack", stackID)
	}

	summary := fmt.Sprintf("remove stack %s (%s) and all its services", stk.ID, stk.RecipeID)
	id := r.gate.Add(rctx.TenantID, summary, func() (*api.CallToolResult, error) {
		if err := r.deployer.RemoveStack(context.Background(), rctx, stackID); err != nil {
			return nil, err
		}
		return &api.CallToolResult{Content: []interface{}{
			fmt.Sprintf("Removing stack %s. Its services are being torn down.", stk.ID),
		}}, nil
	})
	return nil, &api.ConfirmationError{ActionID: id, Summary: summary}
}

func (r *Router) createRecipe(rctx api.RequestContext, args map[string]interface{}) (*api.CallToolResult, error) {
	if !rctx.CanMutate() {
		return nil, api.ErrUnauthorized
	}
	recipe := catalog.Recipe{
		ID:          stringArg(args, "id"),
		DisplayName: stringArg(args, "displayName"),
		Category:    stringArg(args, "category"),
		Version:     "1",
		Workload: catalog.Workload{
			Image: stringArg(args, "image"),
		},
	}
	if n, ok := numberArg(args, "port"); ok {
		recipe.Workload.Port = int32(n)
	}
	if deps, ok := args["dependsOn"].([]interface{}); ok {
		for _, d := range deps {
			if s, ok := d.(string); ok {
				recipe.DependsOn = append(recipe.DependsOn, s)
			}
		}
	}
	if err := r.catalog.Create(recipe); err != nil {
		return nil, err
	}
	return &api.CallToolResult{Content: []interface{}{
		fmt.Sprintf("Published recipe %s. It can be deployed with deploy_stack.", recipe.ID),
	}}, nil
}

func (r *Router) confirm(rctx api.RequestContext, args map[string]interface{}) (*api.CallToolResult, error) {
	actionID := stringArg(args, "actionId")
	if actionID == "" {
		return nil, fmt.Errorf("actionId is required")
	}
	a, err := r.gate.Take(actionID, rctx.TenantID)
	if err != nil {
		return nil, err
	}
	logging.Info("AgentRouter", "Confirmed action %s: %s", a.id, a.summary)
	return a.execute()
}

func (r *Router) tenantNode(rctx api.RequestContext, nodeID string) (stack.ServiceNode, stack.Stack, error) {
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		return stack.ServiceNode{}, stack.Stack{}, err
	}
	stk, err := r.store.GetStack(node.StackID)
	if err != nil {
		return stack.ServiceNode{}, stack.Stack{}, err
	}
	if stk.TenantID != rctx.TenantID {
		return stack.ServiceNode{}, stack.Stack{}, api.NewNotFoundError("service node", nodeID)
	}
	return node, stk, nil
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func numberArg(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func configArg(args map[string]interface{}, key string) map[string]string {
	raw, ok := args[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
