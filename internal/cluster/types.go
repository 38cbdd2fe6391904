// Package cluster wraps the Kubernetes API behind a small client used by
// the deployer and the reconciler, and provides the cluster-wide stats
// aggregator. The cluster is shared mutable state: other actors mutate it
// too, so observations here are ground truth and local records are not.
package cluster

import "context"

// ResourceState is the raw observed state of a node's cluster resources.
type ResourceState string

const (
	StateDeploying ResourceState = "deploying"
	StateReady     ResourceState = "ready"
	StateFailed    ResourceState = "failed"
	StateAbsent    ResourceState = "absent"
)

// Ref identifies the cluster resources owned by one service node. Every
// mutation is tagged with it so observed resources always map back to
// their owning node and re-running a deploy converges instead of
// duplicating.
type Ref struct {
	TenantID string
	StackID  string
	NodeID   string

	// Name is the workload's resource name on the cluster.
	Name string
}

// Workload is the rendered shape of a service node on the cluster.
type Workload struct {
	Ref

	Image    string
	Port     int32
	Replicas int32
	Env      map[string]string
	CPU      string
	Memory   string
}

// Observation is a point-in-time view of a node's cluster resources.
type Observation struct {
	State           ResourceState
	Message         string
	ReadyReplicas   int32
	DesiredReplicas int32
}

// Client issues cluster mutations and observations. Apply is idempotent:
// applying an unchanged workload is a no-op, applying a changed one rolls
// it out.
type Client interface {
	Apply(ctx context.Context, w Workload) error
	Delete(ctx context.Context, ref Ref) error
	Observe(ctx context.Context, ref Ref) (Observation, error)
	Logs(ctx context.Context, ref Ref, tailLines int64) (string, error)
}

// ResourceAmount is a CPU/memory pair in base units.
type ResourceAmount struct {
	CPUMillis   int64 `json:"cpu"`
	MemoryBytes int64 `json:"memory"`
}

// Stats is a point-in-time cluster-wide capacity summary. It is
// recomputed per request and never persisted.
type Stats struct {
	NodeCount   int            `json:"nodeCount"`
	Capacity    ResourceAmount `json:"capacity"`
	Allocatable ResourceAmount `json:"allocatable"`
	Allocated   ResourceAmount `json:"allocated"`
	Used        ResourceAmount `json:"used"`
}
