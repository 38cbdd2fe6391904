package cluster

import (
	"context"
	"sync"
	"time"

	"stackpilot/internal/api"
)

// FakeClient is an in-memory Client for tests in other packages. It
// records every mutation in order, serves scripted observations, and can
// inject latency and failures per node.
type FakeClient struct {
	mu           sync.Mutex
	applies      []Workload
	deletes      []Ref
	observations map[string]Observation
	applyErrs    map[string]error
	observeErrs  map[string]error
	logs         map[string]string

	// ApplyDelay stalls every Apply, exposing ordering races.
	ApplyDelay time.Duration

	// AutoReady makes applied workloads observe as ready immediately and
	// deleted ones as absent, so rollouts converge without scripting.
	AutoReady bool
}

// NewFakeClient creates an empty fake. All unseen nodes observe as
// absent.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		observations: make(map[string]Observation),
		applyErrs:    make(map[string]error),
		observeErrs:  make(map[string]error),
		logs:         make(map[string]string),
	}
}

func (f *FakeClient) Apply(ctx context.Context, w Workload) error {
	if f.ApplyDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.ApplyDelay):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.applyErrs[w.NodeID]; err != nil {
		return err
	}
	f.applies = append(f.applies, w)
	if f.AutoReady {
		f.observations[w.NodeID] = Observation{
			State:           StateReady,
			ReadyReplicas:   w.Replicas,
			DesiredReplicas: w.Replicas,
		}
	} else if _, ok := f.observations[w.NodeID]; !ok {
		f.observations[w.NodeID] = Observation{State: StateDeploying, DesiredReplicas: w.Replicas}
	}
	return nil
}

func (f *FakeClient) Delete(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, ref)
	f.observations[ref.NodeID] = Observation{State: StateAbsent}
	return nil
}

func (f *FakeClient) Observe(ctx context.Context, ref Ref) (Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.observeErrs[ref.NodeID]; err != nil {
		return Observation{}, err
	}
	obs, ok := f.observations[ref.NodeID]
	if !ok {
		return Observation{State: StateAbsent}, nil
	}
	return obs, nil
}

func (f *FakeClient) Logs(ctx context.Context, ref Ref, tailLines int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.logs[ref.NodeID]
	if !ok {
		return "", api.NewNotFoundError("pod for service node", ref.NodeID)
	}
	return out, nil
}

// SetObservation scripts the next observations for a node.
func (f *FakeClient) SetObservation(nodeID string, obs Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations[nodeID] = obs
}

// FailApply makes Apply return err for the node.
func (f *FakeClient) FailApply(nodeID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyErrs[nodeID] = err
}

// FailObserve makes Observe return err for the node. A nil err clears
// the injection.
func (f *FakeClient) FailObserve(nodeID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.observeErrs, nodeID)
		return
	}
	f.observeErrs[nodeID] = err
}

// SetLogs scripts the log tail for a node.
func (f *FakeClient) SetLogs(nodeID, out string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[nodeID] = out
}

// ApplyOrder returns the node ids of recorded applies, in order.
func (f *FakeClient) ApplyOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.applies))
	for i, w := range f.applies {
		out[i] = w.NodeID
	}
	return out
}

// Applies returns copies of all recorded apply calls.
func (f *FakeClient) Applies() []Workload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Workload{}, f.applies...)
}

// DeleteOrder returns the node ids of recorded deletes, in order.
func (f *FakeClient) DeleteOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deletes))
	for i, ref := range f.deletes {
		out[i] = ref.NodeID
	}
	return out
}
