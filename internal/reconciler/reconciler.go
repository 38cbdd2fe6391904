// Package reconciler folds observed cluster state into the stack status
// model. The cluster is ground truth: whatever the store believes, an
// observation wins. Reconciliation never mutates stack structure, only
// node status, so it runs concurrently with reads and with the deployer.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"stackpilot/internal/api"
	"stackpilot/internal/cluster"
	"stackpilot/internal/stack"
	"stackpilot/pkg/logging"
)

// Options bounds reconciliation behavior.
type Options struct {
	// PollInterval is the cadence of watch streams and await loops.
	PollInterval time.Duration

	// NodeTimeout is how long a node may sit in deploying or deleting
	// before it is declared failed.
	NodeTimeout time.Duration

	// RetryBudget is how many consecutive observation failures a node
	// absorbs before the failure sticks.
	RetryBudget int
}

// DefaultOptions returns the production cadence.
func DefaultOptions() Options {
	return Options{PollInterval: 5 * time.Second, NodeTimeout: 5 * time.Minute, RetryBudget: 3}
}

// Snapshot is one emission of a watch stream.
type Snapshot struct {
	Stack        stack.Stack         `json:"stack"`
	Nodes        []stack.ServiceNode `json:"nodes"`
	Transitional bool                `json:"transitional"`
}

// Reconciler observes cluster resources and advances node statuses.
type Reconciler struct {
	store  *stack.Store
	client cluster.Client
	opts   Options
}

// New creates a reconciler.
func New(store *stack.Store, client cluster.Client, opts Options) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = DefaultOptions().NodeTimeout
	}
	if opts.RetryBudget < 1 {
		opts.RetryBudget = DefaultOptions().RetryBudget
	}
	return &Reconciler{store: store, client: client, opts: opts}
}

// Reconcile runs one pass over the stack: every node is observed
// concurrently and its status advanced. One node's observation failure
// never blocks its siblings. Returns the nodes after the pass.
func (r *Reconciler) Reconcile(ctx context.Context, stackID string) ([]stack.ServiceNode, error) {
	stk, err := r.store.GetStack(stackID)
	if err != nil {
		return nil, err
	}
	nodes, err := r.store.Nodes(stackID)
	if err != nil {
		return nil, err
	}
	gen, err := r.store.Generation(stackID)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			r.reconcileNode(gctx, stk, node, gen)
			return nil
		})
	}
	g.Wait()

	return r.store.Nodes(stackID)
}

// ReconcileNode runs a single-node pass and returns the node afterwards.
func (r *Reconciler) ReconcileNode(ctx context.Context, nodeID string) (stack.ServiceNode, error) {
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		return stack.ServiceNode{}, err
	}
	stk, err := r.store.GetStack(node.StackID)
	if err != nil {
		return stack.ServiceNode{}, err
	}
	gen, err := r.store.Generation(node.StackID)
	if err != nil {
		return stack.ServiceNode{}, err
	}
	r.reconcileNode(ctx, stk, node, gen)
	return r.store.GetNode(nodeID)
}

// reconcileNode maps one observation onto the status machine, returning
// the typed settle error when this pass moved the node to failed.
// Pending nodes have nothing on the cluster yet and deleted ones never
// come back, so neither is observed.
func (r *Reconciler) reconcileNode(ctx context.Context, stk stack.Stack, node stack.ServiceNode, gen int64) error {
	switch node.Status {
	case stack.StatusPending, stack.StatusDeleted, stack.StatusFailed:
		return nil
	}

	ref := cluster.Ref{TenantID: stk.TenantID, StackID: stk.ID, NodeID: node.ID, Name: node.ID}
	obs, err := r.client.Observe(ctx, ref)
	if err != nil {
		count, recErr := r.store.RecordObservationFailure(node.ID, err.Error())
		if recErr != nil {
			return nil
		}
		if count > r.opts.RetryBudget {
			logging.Error("Reconciler", err, "Node %s exhausted its observation retry budget", node.ID)
			budgetErr := fmt.Errorf("observation failed %d times: %v", count, err)
			r.store.Transition(node.ID, stack.StatusFailed, node.Observed, budgetErr.Error(), gen)
			return budgetErr
		}
		return nil
	}

	switch obs.State {
	case cluster.StateReady:
		r.store.Transition(node.ID, stack.StatusRunning, string(obs.State), "", gen)
		return nil
	case cluster.StateFailed:
		r.store.Transition(node.ID, stack.StatusFailed, string(obs.State), obs.Message, gen)
		return errors.New(obs.Message)
	case cluster.StateAbsent:
		if node.Status == stack.StatusDeleting {
			r.store.Transition(node.ID, stack.StatusDeleted, string(obs.State), "", gen)
			return nil
		}
		// Someone outside stackpilot removed the workload.
		r.store.Transition(node.ID, stack.StatusFailed, string(obs.State),
			"workload disappeared from the cluster", gen)
		return errors.New("workload disappeared from the cluster")
	}

	// Still in flight on the cluster. Enforce the transitional bound.
	if elapsed := time.Since(node.UpdatedAt); elapsed > r.opts.NodeTimeout &&
		(node.Status == stack.StatusDeploying || node.Status == stack.StatusDeleting) {
		timeout := &api.TimeoutError{NodeID: node.ID, State: string(node.Status), Elapsed: elapsed}
		logging.Warn("Reconciler", "%v", timeout)
		r.store.Transition(node.ID, stack.StatusFailed, string(obs.State), timeout.Error(), gen)
		return timeout
	}
	r.store.Transition(node.ID, node.Status, string(obs.State), "", gen)
	return nil
}

// AwaitRunning polls the node until it reaches running. A node that
// settles failed, or leaves the rollout path entirely, is an error.
func (r *Reconciler) AwaitRunning(ctx context.Context, nodeID string) error {
	return r.await(ctx, nodeID, stack.StatusRunning)
}

// AwaitDeleted polls the node until it reaches deleted.
func (r *Reconciler) AwaitDeleted(ctx context.Context, nodeID string) error {
	return r.await(ctx, nodeID, stack.StatusDeleted)
}

// await polls the node until it settles. Settle errors from the pass
// that failed the node keep their type, so callers can tell a timeout
// from an ordinary failure.
func (r *Reconciler) await(ctx context.Context, nodeID string, want stack.NodeStatus) error {
	for {
		node, err := r.store.GetNode(nodeID)
		if err != nil {
			return err
		}
		stk, err := r.store.GetStack(node.StackID)
		if err != nil {
			return err
		}
		gen, err := r.store.Generation(node.StackID)
		if err != nil {
			return err
		}
		settleErr := r.reconcileNode(ctx, stk, node, gen)

		node, err = r.store.GetNode(nodeID)
		if err != nil {
			return err
		}
		switch {
		case node.Status == want:
			return nil
		case node.Status == stack.StatusFailed:
			if settleErr != nil {
				return settleErr
			}
			if node.Error != "" {
				return errors.New(node.Error)
			}
			return fmt.Errorf("node %s failed", nodeID)
		case want == stack.StatusRunning && (node.Status == stack.StatusDeleting || node.Status == stack.StatusDeleted):
			return fmt.Errorf("node %s was removed while deploying", nodeID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// WatchStack streams snapshots of the stack while it is transitional,
// one per poll interval. Once every node is settled the final snapshot
// is emitted and the channel closes; the next mutation warrants a new
// watch.
func (r *Reconciler) WatchStack(ctx context.Context, stackID string) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		for {
			nodes, err := r.Reconcile(ctx, stackID)
			if err != nil {
				// The stack was pruned or never existed; nothing left
				// to watch.
				return
			}
			stk, err := r.store.GetStack(stackID)
			if err != nil {
				return
			}
			snap := Snapshot{Stack: stk, Nodes: nodes, Transitional: stack.Transitional(nodes)}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
			if !snap.Transitional {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.PollInterval):
			}
		}
	}()
	return out
}
