package stack

import (
	"context"
	"sync"
	"time"

	"stackpilot/internal/api"
	"stackpilot/pkg/logging"
)

// Store is the in-memory system of record for stacks and their nodes.
// It is a cache of the last cluster observation, never ground truth; the
// reconciler overwrites it from live cluster state.
//
// Structural mutations (deploy, remove, update) are serialized per stack
// through a mutation slot; reads and status reconciliation run freely.
type Store struct {
	mu     sync.RWMutex
	stacks map[string]*record

	// nodeIndex maps node id -> stack id for cross-stack node lookups.
	nodeIndex map[string]string

	// byOwner maps tenant+recipe -> stack id for deploy idempotence.
	byOwner map[ownerKey]string
}

type ownerKey struct {
	tenantID string
	recipeID string
}

type record struct {
	stack Stack
	nodes map[string]*ServiceNode
	order []string // node ids in topological order
	edges []Edge

	// mutation is the per-stack structural mutation slot.
	mutation sync.Mutex

	// cancelRollout aborts the in-flight rollout, if any.
	cancelRollout context.CancelFunc
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		stacks:    make(map[string]*record),
		nodeIndex: make(map[string]string),
		byOwner:   make(map[ownerKey]string),
	}
}

// CreateStack registers a stack with its nodes (already in topological
// order) and edges, claiming the (tenant, recipe) owner slot in the same
// critical section. When another stack already holds the slot, nothing
// is registered and the existing stack is returned with false: concurrent
// deploys of the same recipe converge on one stack. All nodes start in
// StatusPending.
func (s *Store) CreateStack(stk Stack, nodes []ServiceNode, edges []Edge) (Stack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byOwner[ownerKey{stk.TenantID, stk.RecipeID}]; ok {
		return s.stacks[id].stack, false
	}

	rec := &record{
		stack: stk,
		nodes: make(map[string]*ServiceNode, len(nodes)),
		order: make([]string, 0, len(nodes)),
		edges: append([]Edge{}, edges...),
	}
	now := time.Now()
	for i := range nodes {
		n := nodes[i]
		n.Status = StatusPending
		n.UpdatedAt = now
		rec.nodes[n.ID] = &n
		rec.order = append(rec.order, n.ID)
		s.nodeIndex[n.ID] = stk.ID
	}
	s.stacks[stk.ID] = rec
	s.byOwner[ownerKey{stk.TenantID, stk.RecipeID}] = stk.ID
	return stk, true
}

// GetStack returns the stack by id.
func (s *Store) GetStack(stackID string) (Stack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.stacks[stackID]
	if !ok {
		return Stack{}, api.NewNotFoundError("stack", stackID)
	}
	return rec.stack, nil
}

// FindByOwner returns the tenant's stack for a root recipe, if any.
func (s *Store) FindByOwner(tenantID, recipeID string) (Stack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOwner[ownerKey{tenantID, recipeID}]
	if !ok {
		return Stack{}, false
	}
	return s.stacks[id].stack, true
}

// ListStacks returns all stacks owned by the tenant.
func (s *Store) ListStacks(tenantID string) []Stack {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Stack
	for _, rec := range s.stacks {
		if rec.stack.TenantID == tenantID {
			out = append(out, rec.stack)
		}
	}
	return out
}

// Nodes returns copies of the stack's nodes in topological order.
func (s *Store) Nodes(stackID string) ([]ServiceNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.stacks[stackID]
	if !ok {
		return nil, api.NewNotFoundError("stack", stackID)
	}
	out := make([]ServiceNode, 0, len(rec.order))
	for _, id := range rec.order {
		out = append(out, *rec.nodes[id])
	}
	return out, nil
}

// Edges returns the stack's dependency edges.
func (s *Store) Edges(stackID string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.stacks[stackID]
	if !ok {
		return nil, api.NewNotFoundError("stack", stackID)
	}
	return append([]Edge{}, rec.edges...), nil
}

// GetNode returns a copy of the node by id.
func (s *Store) GetNode(nodeID string) (ServiceNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, err := s.nodeLocked(nodeID)
	if err != nil {
		return ServiceNode{}, err
	}
	return *node, nil
}

func (s *Store) nodeLocked(nodeID string) (*ServiceNode, error) {
	stackID, ok := s.nodeIndex[nodeID]
	if !ok {
		return nil, api.NewNotFoundError("service node", nodeID)
	}
	return s.stacks[stackID].nodes[nodeID], nil
}

// Transition advances a node's status. The step must be legal under the
// lifecycle table and the writer's generation must still be current;
// a stale writer's transition is silently discarded (applied=false) so a
// completion from before a remove cannot resurrect the node.
func (s *Store) Transition(nodeID string, to NodeStatus, observed, errMsg string, generation int64) (applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.nodeLocked(nodeID)
	if err != nil {
		return false, err
	}
	rec := s.stacks[node.StackID]

	if generation != rec.stack.Generation {
		logging.Debug("StackStore", "Dropping stale transition of node %s to %s (gen %d, current %d)",
			nodeID, to, generation, rec.stack.Generation)
		return false, nil
	}
	if node.Status == to {
		// Refresh observation without restarting the timeout clock.
		node.Observed = observed
		node.Error = errMsg
		return true, nil
	}
	if !CanTransition(node.Status, to) {
		logging.Debug("StackStore", "Rejecting transition of node %s: %s -> %s", nodeID, node.Status, to)
		return false, nil
	}

	node.Status = to
	node.Observed = observed
	node.Error = errMsg
	node.Failures = 0
	node.UpdatedAt = time.Now()
	return true, nil
}

// SetNodeConfig replaces a node's resolved configuration.
func (s *Store) SetNodeConfig(nodeID string, config map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.nodeLocked(nodeID)
	if err != nil {
		return err
	}
	node.Config = config
	return nil
}

// RecordObservationFailure notes a transient observation error on a node
// and returns the consecutive failure count.
func (s *Store) RecordObservationFailure(nodeID string, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.nodeLocked(nodeID)
	if err != nil {
		return 0, err
	}
	node.Failures++
	node.Error = errMsg
	return node.Failures, nil
}

// Generation returns the stack's current generation.
func (s *Store) Generation(stackID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.stacks[stackID]
	if !ok {
		return 0, api.NewNotFoundError("stack", stackID)
	}
	return rec.stack.Generation, nil
}

// BumpGeneration advances the stack's generation, invalidating in-flight
// writers, and returns the new value.
func (s *Store) BumpGeneration(stackID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.stacks[stackID]
	if !ok {
		return 0, api.NewNotFoundError("stack", stackID)
	}
	rec.stack.Generation++
	return rec.stack.Generation, nil
}

// BeginMutation claims the stack's structural mutation slot without
// blocking. A second concurrent claim yields an api.ConflictError so the
// caller can retry deliberately.
func (s *Store) BeginMutation(stackID string) (release func(), err error) {
	s.mu.RLock()
	rec, ok := s.stacks[stackID]
	s.mu.RUnlock()
	if !ok {
		return nil, api.NewNotFoundError("stack", stackID)
	}

	if !rec.mutation.TryLock() {
		return nil, &api.ConflictError{StackID: stackID}
	}
	return rec.mutation.Unlock, nil
}

// WaitMutation claims the mutation slot, waiting for the current holder
// to release it. Used by remove, which is allowed to supersede an
// in-flight deploy after cancelling it.
func (s *Store) WaitMutation(ctx context.Context, stackID string) (release func(), err error) {
	for {
		release, err := s.BeginMutation(stackID)
		if err == nil || !api.IsConflict(err) {
			return release, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SetRolloutCancel registers the cancel function of the stack's in-flight
// rollout.
func (s *Store) SetRolloutCancel(stackID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.stacks[stackID]; ok {
		rec.cancelRollout = cancel
	}
}

// CancelRollout aborts the stack's in-flight rollout, if any.
func (s *Store) CancelRollout(stackID string) {
	s.mu.Lock()
	cancel := (context.CancelFunc)(nil)
	if rec, ok := s.stacks[stackID]; ok && rec.cancelRollout != nil {
		cancel = rec.cancelRollout
		rec.cancelRollout = nil
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Prune removes a stack whose nodes have all reached deleted. It reports
// whether the stack was pruned.
func (s *Store) Prune(stackID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.stacks[stackID]
	if !ok {
		return false
	}
	for _, node := range rec.nodes {
		if node.Status != StatusDeleted {
			return false
		}
	}

	for id := range rec.nodes {
		delete(s.nodeIndex, id)
	}
	delete(s.byOwner, ownerKey{rec.stack.TenantID, rec.stack.RecipeID})
	delete(s.stacks, stackID)
	logging.Info("StackStore", "Pruned stack %s after full teardown", stackID)
	return true
}
