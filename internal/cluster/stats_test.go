package cluster

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"

	"stackpilot/internal/api"
)

func clusterNode(name, cpu, memory string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Capacity: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(cpu),
				corev1.ResourceMemory: resource.MustParse(memory),
			},
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(cpu),
				corev1.ResourceMemory: resource.MustParse(memory),
			},
		},
	}
}

func runningPod(name, cpu, memory string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name: "main",
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse(cpu),
						corev1.ResourceMemory: resource.MustParse(memory),
					},
				},
			}},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func TestCollectSumsNodesAndRequests(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset(
		clusterNode("node-a", "4", "8Gi"),
		clusterNode("node-b", "4", "8Gi"),
		clusterNode("node-c", "4", "8Gi"),
		runningPod("pod-1", "2", "1Gi"),
		runningPod("pod-2", "3", "2Gi"),
	)

	agg := NewAggregator(clientset, nil)
	stats, err := agg.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.NodeCount)
	assert.Equal(t, int64(12000), stats.Capacity.CPUMillis)
	assert.Equal(t, int64(12000), stats.Allocatable.CPUMillis)
	assert.Equal(t, int64(5000), stats.Allocated.CPUMillis)
	assert.Equal(t, int64(3*8*1024*1024*1024), stats.Capacity.MemoryBytes)
	assert.Equal(t, int64(3*1024*1024*1024), stats.Allocated.MemoryBytes)
}

func TestCollectSkipsFinishedPods(t *testing.T) {
	done := runningPod("pod-done", "4", "1Gi")
	done.Status.Phase = corev1.PodSucceeded
	clientset := k8sfake.NewSimpleClientset(
		clusterNode("node-a", "4", "8Gi"),
		runningPod("pod-1", "1", "1Gi"),
		done,
	)

	stats, err := NewAggregator(clientset, nil).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stats.Allocated.CPUMillis)
}

func TestCollectIncludesUsageWhenMetricsAvailable(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset(clusterNode("node-a", "4", "8Gi"))
	// The metrics fake lists node metrics under the resource "nodes", but
	// NewSimpleClientset seeds objects under the kind-guessed resource
	// "nodemetricses", so seed the tracker under the listed resource.
	metrics := metricsfake.NewSimpleClientset()
	require.NoError(t, metrics.Tracker().Create(
		metricsv1beta1.SchemeGroupVersion.WithResource("nodes"),
		&metricsv1beta1.NodeMetrics{
			ObjectMeta: metav1.ObjectMeta{Name: "node-a"},
			Usage: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("1500m"),
				corev1.ResourceMemory: resource.MustParse("3Gi"),
			},
		}, ""))

	stats, err := NewAggregator(clientset, metrics).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1500), stats.Used.CPUMillis)
	assert.Equal(t, int64(3*1024*1024*1024), stats.Used.MemoryBytes)
}

func TestCollectMetricsFailureIsBestEffort(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset(clusterNode("node-a", "4", "8Gi"))
	metrics := metricsfake.NewSimpleClientset()
	metrics.PrependReactor("list", "nodemetricses", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, fmt.Errorf("metrics server down")
	})

	stats, err := NewAggregator(clientset, metrics).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NodeCount)
	assert.Zero(t, stats.Used.CPUMillis)
}

func TestCollectNodeListFailure(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	clientset.PrependReactor("list", "nodes", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, fmt.Errorf("apiserver unreachable")
	})

	_, err := NewAggregator(clientset, nil).Collect(context.Background())
	assert.True(t, api.IsUnavailable(err))
}
