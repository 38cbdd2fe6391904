// Package stack holds the status model for deployed stacks: service nodes
// with a constrained lifecycle, dependency edges, and an in-memory store
// that serializes structural mutations per stack.
package stack

import "time"

// NodeStatus is the lifecycle state of a service node.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusDeploying NodeStatus = "deploying"
	StatusRunning   NodeStatus = "running"
	StatusFailed    NodeStatus = "failed"
	StatusDeleting  NodeStatus = "deleting"
	StatusDeleted   NodeStatus = "deleted"
)

// transitions is the allowed state machine. Anything not listed is
// rejected by the store, which is what keeps a deleted node from being
// resurrected by a stale completion.
var transitions = map[NodeStatus][]NodeStatus{
	StatusPending:   {StatusDeploying, StatusDeleting, StatusFailed},
	StatusDeploying: {StatusRunning, StatusFailed, StatusDeleting},
	StatusRunning:   {StatusDeploying, StatusDeleting},
	StatusFailed:    {StatusPending, StatusDeleting},
	StatusDeleting:  {StatusDeleted, StatusFailed},
	StatusDeleted:   nil,
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to NodeStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TerminalForNow reports whether the status is settled until the next
// explicit mutation: running, failed, or deleted.
func (s NodeStatus) TerminalForNow() bool {
	return s == StatusRunning || s == StatusFailed || s == StatusDeleted
}

// Stack is one tenant's instantiation of a recipe plus its resolved
// dependencies. Aggregate status is always derived from the nodes.
type Stack struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	RecipeID  string    `json:"recipeId"`
	CreatedAt time.Time `json:"createdAt"`

	// Generation is the logical version of the stack's desired shape.
	// Structural mutations bump it; completions carrying an older
	// generation are discarded (last-writer-wins by generation, not by
	// arrival order).
	Generation int64 `json:"generation"`
}

// ServiceNode is one deployed service within a stack.
type ServiceNode struct {
	ID       string            `json:"id"`
	StackID  string            `json:"stackId"`
	RecipeID string            `json:"recipeId"`
	Config   map[string]string `json:"config,omitempty"`

	Status NodeStatus `json:"status"`

	// Observed is the last raw resource state seen on the cluster
	// (deploying/ready/failed/absent).
	Observed string `json:"observed,omitempty"`

	// Error carries the failure message when Status is failed, or the
	// latest retryable observation error otherwise.
	Error string `json:"error,omitempty"`

	// Failures counts consecutive observation failures against the
	// reconciler's retry budget.
	Failures int `json:"-"`

	// UpdatedAt is when Status last changed; timeout detection measures
	// from here.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Edge is a dependency relation between two service nodes in the same
// stack: From depends on To. It carries no runtime state.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Transitional reports whether any node is mid-lifecycle. A stack is
// stable exactly when this is false.
func Transitional(nodes []ServiceNode) bool {
	for _, n := range nodes {
		if !n.Status.TerminalForNow() {
			return true
		}
	}
	return false
}
