package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"stackpilot/internal/api"
	"stackpilot/pkg/logging"
)

// Aggregator computes cluster-wide capacity stats on demand. Nothing is
// cached: each Collect call reads live cluster state, so numbers are
// valid only at the moment of the response.
type Aggregator struct {
	core    kubernetes.Interface
	metrics metricsclient.Interface
}

// NewAggregator creates an aggregator. metrics may be nil when the
// cluster has no metrics server; Used then stays zero.
func NewAggregator(core kubernetes.Interface, metrics metricsclient.Interface) *Aggregator {
	return &Aggregator{core: core, metrics: metrics}
}

// Collect queries all nodes and running pods and sums the result. If the
// node or pod listing fails the whole collection fails; partial stats
// would be silently wrong.
func (a *Aggregator) Collect(ctx context.Context) (Stats, error) {
	nodes, err := a.core.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return Stats{}, api.NewClusterUnavailable(fmt.Errorf("listing nodes: %w", err))
	}
	pods, err := a.core.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return Stats{}, api.NewClusterUnavailable(fmt.Errorf("listing pods: %w", err))
	}

	stats := Stats{NodeCount: len(nodes.Items)}
	for _, node := range nodes.Items {
		stats.Capacity = stats.Capacity.add(amountFromResourceList(node.Status.Capacity))
		stats.Allocatable = stats.Allocatable.add(amountFromResourceList(node.Status.Allocatable))
	}
	stats.Allocated = aggregateRequests(pods)

	// Actual usage needs a metrics server; without one the rest of the
	// stats are still worth returning.
	if a.metrics != nil {
		used, err := a.collectUsage(ctx)
		if err != nil {
			logging.Warn("ClusterStats", "Metrics unavailable, omitting usage: %v", err)
		} else {
			stats.Used = used
		}
	}
	return stats, nil
}

func (a *Aggregator) collectUsage(ctx context.Context) (ResourceAmount, error) {
	nodeMetrics, err := a.metrics.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return ResourceAmount{}, err
	}
	var used ResourceAmount
	for _, m := range nodeMetrics.Items {
		used = used.add(amountFromResourceList(m.Usage))
	}
	return used, nil
}

// aggregateRequests sums container resource requests across pods that
// hold their requests on a node: running or still starting up. Finished
// and terminating pods no longer count against allocation.
func aggregateRequests(pods *corev1.PodList) ResourceAmount {
	var total ResourceAmount
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		if pod.DeletionTimestamp != nil {
			continue
		}
		for _, c := range pod.Spec.Containers {
			total = total.add(amountFromResourceList(c.Resources.Requests))
		}
	}
	return total
}

func amountFromResourceList(list corev1.ResourceList) ResourceAmount {
	var out ResourceAmount
	if qty, ok := list[corev1.ResourceCPU]; ok {
		out.CPUMillis = qty.MilliValue()
	}
	if qty, ok := list[corev1.ResourceMemory]; ok {
		out.MemoryBytes = qty.Value()
	}
	return out
}

func (r ResourceAmount) add(other ResourceAmount) ResourceAmount {
	return ResourceAmount{
		CPUMillis:   r.CPUMillis + other.CPUMillis,
		MemoryBytes: r.MemoryBytes + other.MemoryBytes,
	}
}
