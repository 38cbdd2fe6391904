// Package deploy drives stacks through their deployment lifecycle:
// ordered rollout, teardown, config updates, and redeploys. It owns the
// structural transitions; observed status is the reconciler's job.
package deploy

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"

	"stackpilot/internal/api"
	"stackpilot/internal/catalog"
	"stackpilot/internal/cluster"
	"stackpilot/internal/dependency"
	"stackpilot/internal/stack"
	"stackpilot/pkg/logging"
)

// Waiter blocks until a node settles after a cluster mutation. The
// reconciler implements it; the deployer never interprets raw cluster
// state itself.
type Waiter interface {
	// AwaitRunning blocks until the node reaches running, returning an
	// error when it ends up failed or the context is cancelled.
	AwaitRunning(ctx context.Context, nodeID string) error

	// AwaitDeleted blocks until the node reaches deleted.
	AwaitDeleted(ctx context.Context, nodeID string) error
}

// Options bounds the deployer's retry behavior.
type Options struct {
	// ApplyRetries is how many times a cluster mutation is attempted
	// before the node is marked failed.
	ApplyRetries int

	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
}

// DefaultOptions returns the retry bounds used in production.
func DefaultOptions() Options {
	return Options{ApplyRetries: 3, RetryBackoff: 2 * time.Second}
}

// Deployer orchestrates stack rollouts against the cluster. All
// lifecycle writes go through the stack store's transition table, so a
// cancelled or superseded rollout cannot corrupt state.
type Deployer struct {
	resolver catalog.Resolver
	graphs   *dependency.Builder
	store    *stack.Store
	client   cluster.Client
	waiter   Waiter
	opts     Options
}

// New creates a deployer.
func New(resolver catalog.Resolver, graphs *dependency.Builder, store *stack.Store, client cluster.Client, waiter Waiter, opts Options) *Deployer {
	if opts.ApplyRetries < 1 {
		opts.ApplyRetries = 1
	}
	return &Deployer{
		resolver: resolver,
		graphs:   graphs,
		store:    store,
		client:   client,
		waiter:   waiter,
		opts:     opts,
	}
}

// DeployStack deploys the recipe and its dependencies for the caller's
// tenant. Deploying a recipe the tenant already runs with identical
// config returns the existing stack without touching the cluster;
// changed config routes the root node through an update. A new stack is
// returned immediately with all nodes pending and rolled out in the
// background.
func (d *Deployer) DeployStack(ctx context.Context, rctx api.RequestContext, recipeID string, config map[string]string) (stack.Stack, error) {
	if !rctx.CanMutate() {
		return stack.Stack{}, api.ErrUnauthorized
	}

	rootRecipe, err := d.resolver.Resolve(recipeID)
	if err != nil {
		return stack.Stack{}, err
	}
	rootConfig := rootRecipe.ResolvedConfig(config)

	if existing, ok := d.store.FindByOwner(rctx.TenantID, recipeID); ok {
		return d.reuseStack(ctx, rctx, existing, recipeID, rootConfig, config)
	}

	graph, err := d.graphs.Build(recipeID)
	if err != nil {
		return stack.Stack{}, err
	}

	stk := stack.Stack{
		ID:        "stk-" + uuid.NewString()[:8],
		TenantID:  rctx.TenantID,
		RecipeID:  recipeID,
		CreatedAt: time.Now(),
	}

	nodeID := func(recipeID string) string {
		return stk.ID + "-" + recipeID
	}
	nodes := make([]stack.ServiceNode, 0, len(graph.Nodes))
	for _, recipe := range graph.Nodes {
		cfg := recipe.Defaults
		if recipe.ID == recipeID {
			cfg = rootConfig
		}
		nodes = append(nodes, stack.ServiceNode{
			ID:       nodeID(recipe.ID),
			StackID:  stk.ID,
			RecipeID: recipe.ID,
			Config:   cfg,
		})
	}
	edges := make([]stack.Edge, 0, len(graph.Edges))
	for _, e := range graph.Edges {
		edges = append(edges, stack.Edge{From: nodeID(e.From), To: nodeID(e.To)})
	}

	// The owner slot is claimed inside CreateStack, so a concurrent
	// deploy of the same recipe lands on whichever stack won the claim.
	stored, created := d.store.CreateStack(stk, nodes, edges)
	if !created {
		return d.reuseStack(ctx, rctx, stored, recipeID, rootConfig, config)
	}
	release, err := d.store.BeginMutation(stk.ID)
	if err != nil {
		return stack.Stack{}, err
	}

	rolloutCtx, cancel := context.WithCancel(context.Background())
	d.store.SetRolloutCancel(stk.ID, cancel)
	gen, _ := d.store.Generation(stk.ID)

	logging.Info("Deployer", "Deploying stack %s (%s) with %d nodes for tenant %s",
		stk.ID, recipeID, len(nodes), rctx.TenantID)
	go func() {
		defer release()
		defer cancel()
		d.rollout(rolloutCtx, stk.ID, gen)
	}()
	return stk, nil
}

// reuseStack implements deploy idempotence against an existing stack for
// the same (tenant, recipe): identical root config returns it untouched,
// changed config routes the root node through an update.
func (d *Deployer) reuseStack(ctx context.Context, rctx api.RequestContext, existing stack.Stack, recipeID string, rootConfig, config map[string]string) (stack.Stack, error) {
	nodes, err := d.store.Nodes(existing.ID)
	if err != nil {
		return stack.Stack{}, err
	}
	for _, n := range nodes {
		if n.RecipeID != recipeID {
			continue
		}
		if maps.Equal(n.Config, rootConfig) {
			logging.Info("Deployer", "Stack %s already runs %s with identical config", existing.ID, recipeID)
			return existing, nil
		}
		if err := d.UpdateService(ctx, rctx, n.ID, config); err != nil {
			return stack.Stack{}, err
		}
		return existing, nil
	}
	return stack.Stack{}, api.NewNotFoundError("service node for recipe", recipeID)
}

// rollout walks the stack's nodes in topological order, creating each
// one only after its dependencies are running. A node that fails takes
// its transitive dependents with it; unrelated branches keep going.
func (d *Deployer) rollout(ctx context.Context, stackID string, gen int64) {
	nodes, err := d.store.Nodes(stackID)
	if err != nil {
		return
	}
	edges, _ := d.store.Edges(stackID)
	stk, err := d.store.GetStack(stackID)
	if err != nil {
		return
	}

	skipped := make(map[string]string) // node id -> failed dependency id
	for _, node := range nodes {
		if ctx.Err() != nil {
			logging.Info("Deployer", "Rollout of stack %s cancelled", stackID)
			return
		}
		if depID, skip := skipped[node.ID]; skip {
			d.store.Transition(node.ID, stack.StatusFailed, "",
				fmt.Sprintf("dependency %s failed", depID), gen)
			continue
		}

		applied, err := d.store.Transition(node.ID, stack.StatusDeploying, "", "", gen)
		if err != nil || !applied {
			return
		}

		if err := d.applyWithRetry(ctx, stk, node); err != nil {
			d.store.Transition(node.ID, stack.StatusFailed, "", err.Error(), gen)
			markDependentsSkipped(skipped, edges, node.ID)
			continue
		}
		if err := d.waiter.AwaitRunning(ctx, node.ID); err != nil {
			if ctx.Err() != nil {
				return
			}
			if api.IsTimeout(err) {
				logging.Warn("Deployer", "Node %s is stuck on the cluster, failing its dependents", node.ID)
			}
			markDependentsSkipped(skipped, edges, node.ID)
		}
	}
	logging.Info("Deployer", "Rollout of stack %s finished", stackID)
}

// markDependentsSkipped records failedID's transitive dependents so the
// rollout marks them failed instead of creating them.
func markDependentsSkipped(skipped map[string]string, edges []stack.Edge, failedID string) {
	queue := []string{failedID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range edges {
			if e.To != current {
				continue
			}
			if _, seen := skipped[e.From]; seen {
				continue
			}
			skipped[e.From] = failedID
			queue = append(queue, e.From)
		}
	}
}

func (d *Deployer) applyWithRetry(ctx context.Context, stk stack.Stack, node stack.ServiceNode) error {
	recipe, err := d.resolver.Resolve(node.RecipeID)
	if err != nil {
		return err
	}
	workload := renderWorkload(stk, node, recipe)

	var lastErr error
	for attempt := 1; attempt <= d.opts.ApplyRetries; attempt++ {
		lastErr = d.client.Apply(ctx, workload)
		if lastErr == nil {
			return nil
		}
		if !api.IsUnavailable(lastErr) {
			return lastErr
		}
		logging.Warn("Deployer", "Apply of node %s failed (attempt %d/%d): %v",
			node.ID, attempt, d.opts.ApplyRetries, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.RetryBackoff):
		}
	}
	return lastErr
}

// RemoveStack tears the stack down in reverse topological order. It is
// valid while a deploy is in flight: the rollout is cancelled and its
// generation invalidated before the teardown claims the mutation slot.
// The teardown itself runs in the background.
func (d *Deployer) RemoveStack(ctx context.Context, rctx api.RequestContext, stackID string) error {
	if !rctx.CanMutate() {
		return api.ErrUnauthorized
	}
	stk, err := d.store.GetStack(stackID)
	if err != nil {
		return err
	}
	if stk.TenantID != rctx.TenantID {
		return api.NewNotFoundError("stack", stackID)
	}

	gen, err := d.store.BumpGeneration(stackID)
	if err != nil {
		return err
	}
	d.store.CancelRollout(stackID)
	logging.Info("Deployer", "Removing stack %s (generation %d)", stackID, gen)

	go func() {
		release, err := d.store.WaitMutation(context.Background(), stackID)
		if err != nil {
			logging.Error("Deployer", err, "Could not claim mutation slot for teardown of %s", stackID)
			return
		}
		defer release()
		d.teardown(stackID, gen)
	}()
	return nil
}

func (d *Deployer) teardown(stackID string, gen int64) {
	ctx := context.Background()
	nodes, err := d.store.Nodes(stackID)
	if err != nil {
		return
	}
	stk, err := d.store.GetStack(stackID)
	if err != nil {
		return
	}

	// Reverse topological order: every dependent is deleting or deleted
	// before its dependency's delete is issued.
	for i := len(nodes) - 1; i >= 0; i-- {
		node := nodes[i]
		if node.Status == stack.StatusDeleted {
			continue
		}
		applied, err := d.store.Transition(node.ID, stack.StatusDeleting, "", "", gen)
		if err != nil || !applied {
			return
		}
		ref := workloadRef(stk, node)
		if err := d.client.Delete(ctx, ref); err != nil {
			d.store.Transition(node.ID, stack.StatusFailed, "", err.Error(), gen)
			continue
		}
		if err := d.waiter.AwaitDeleted(ctx, node.ID); err != nil {
			logging.Error("Deployer", err, "Node %s did not reach deleted", node.ID)
			return
		}
	}

	if d.store.Prune(stackID) {
		logging.Info("Deployer", "Stack %s removed", stackID)
	}
}

// UpdateService applies new configuration to one node. Identical
// resolved config is a no-op; otherwise the node rolls through
// running -> deploying -> running.
func (d *Deployer) UpdateService(ctx context.Context, rctx api.RequestContext, nodeID string, config map[string]string) error {
	if !rctx.CanMutate() {
		return api.ErrUnauthorized
	}
	node, stk, err := d.tenantNode(rctx, nodeID)
	if err != nil {
		return err
	}
	recipe, err := d.resolver.Resolve(node.RecipeID)
	if err != nil {
		return err
	}
	merged := recipe.ResolvedConfig(config)
	if maps.Equal(merged, node.Config) {
		logging.Debug("Deployer", "Update of node %s is a no-op", nodeID)
		return nil
	}
	if node.Status != stack.StatusRunning {
		return fmt.Errorf("node %s is %s, only running services can be updated", nodeID, node.Status)
	}

	release, err := d.store.BeginMutation(stk.ID)
	if err != nil {
		return err
	}
	gen, _ := d.store.Generation(stk.ID)
	if err := d.store.SetNodeConfig(nodeID, merged); err != nil {
		release()
		return err
	}
	applied, err := d.store.Transition(nodeID, stack.StatusDeploying, "", "", gen)
	if err != nil || !applied {
		release()
		return fmt.Errorf("node %s could not enter deploying", nodeID)
	}
	node.Config = merged

	go func() {
		defer release()
		if err := d.applyWithRetry(context.Background(), stk, node); err != nil {
			d.store.Transition(nodeID, stack.StatusFailed, "", err.Error(), gen)
			return
		}
		d.waiter.AwaitRunning(context.Background(), nodeID)
	}()
	return nil
}

// RedeployNode re-runs a failed node's rollout.
func (d *Deployer) RedeployNode(ctx context.Context, rctx api.RequestContext, nodeID string) error {
	if !rctx.CanMutate() {
		return api.ErrUnauthorized
	}
	node, stk, err := d.tenantNode(rctx, nodeID)
	if err != nil {
		return err
	}
	if node.Status != stack.StatusFailed {
		return fmt.Errorf("node %s is %s, only failed services can be redeployed", nodeID, node.Status)
	}

	release, err := d.store.BeginMutation(stk.ID)
	if err != nil {
		return err
	}
	gen, _ := d.store.Generation(stk.ID)
	if applied, err := d.store.Transition(nodeID, stack.StatusPending, "", "", gen); err != nil || !applied {
		release()
		return fmt.Errorf("node %s could not re-enter pending", nodeID)
	}

	go func() {
		defer release()
		applied, err := d.store.Transition(nodeID, stack.StatusDeploying, "", "", gen)
		if err != nil || !applied {
			return
		}
		if err := d.applyWithRetry(context.Background(), stk, node); err != nil {
			d.store.Transition(nodeID, stack.StatusFailed, "", err.Error(), gen)
			return
		}
		d.waiter.AwaitRunning(context.Background(), nodeID)
	}()
	return nil
}

func (d *Deployer) tenantNode(rctx api.RequestContext, nodeID string) (stack.ServiceNode, stack.Stack, error) {
	node, err := d.store.GetNode(nodeID)
	if err != nil {
		return stack.ServiceNode{}, stack.Stack{}, err
	}
	stk, err := d.store.GetStack(node.StackID)
	if err != nil {
		return stack.ServiceNode{}, stack.Stack{}, err
	}
	if stk.TenantID != rctx.TenantID {
		return stack.ServiceNode{}, stack.Stack{}, api.NewNotFoundError("service node", nodeID)
	}
	return node, stk, nil
}

func workloadRef(stk stack.Stack, node stack.ServiceNode) cluster.Ref {
	return cluster.Ref{
		TenantID: stk.TenantID,
		StackID:  stk.ID,
		NodeID:   node.ID,
		Name:     node.ID,
	}
}

// renderWorkload turns a node's recipe template plus resolved config
// into the shape the cluster client applies. Config entries become env
// vars, except the reserved "replicas" key which scales the workload.
func renderWorkload(stk stack.Stack, node stack.ServiceNode, recipe catalog.Recipe) cluster.Workload {
	w := cluster.Workload{
		Ref:      workloadRef(stk, node),
		Image:    recipe.Workload.Image,
		Port:     recipe.Workload.Port,
		Replicas: recipe.Workload.Replicas,
		CPU:      recipe.Workload.CPU,
		Memory:   recipe.Workload.Memory,
		Env:      make(map[string]string, len(recipe.Workload.Env)+len(node.Config)),
	}
	if w.Replicas == 0 {
		w.Replicas = 1
	}
	for k, v := range recipe.Workload.Env {
		w.Env[k] = v
	}
	for k, v := range node.Config {
		if k == "replicas" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				w.Replicas = int32(n)
			}
			continue
		}
		w.Env[k] = v
	}
	return w
}
