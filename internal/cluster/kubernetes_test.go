package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"stackpilot/internal/api"
)

func testWorkload() Workload {
	return Workload{
		Ref: Ref{
			TenantID: "acme",
			StackID:  "stk-1",
			NodeID:   "node-pg",
			Name:     "stk-1-postgres",
		},
		Image:    "postgres:16",
		Port:     5432,
		Replicas: 1,
		Env:      map[string]string{"POSTGRES_DB": "app"},
		CPU:      "500m",
		Memory:   "512Mi",
	}
}

func updateActions(clientset *k8sfake.Clientset) int {
	count := 0
	for _, action := range clientset.Actions() {
		if action.GetVerb() == "update" && action.GetResource().Resource == "deployments" {
			count++
		}
	}
	return count
}

func TestApplyCreatesDeployment(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	k := NewKubernetes(clientset, "default")

	require.NoError(t, k.Apply(context.Background(), testWorkload()))

	d, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "stk-1-postgres", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "acme", d.Labels[LabelTenant])
	assert.Equal(t, "stk-1", d.Labels[LabelStack])
	assert.Equal(t, "node-pg", d.Labels[LabelNode])
	assert.Equal(t, ManagedByValue, d.Labels[LabelManagedBy])
	require.Len(t, d.Spec.Template.Spec.Containers, 1)
	assert.Equal(t, "postgres:16", d.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, int32(1), *d.Spec.Replicas)
}

func TestApplyUnchangedIsNoOp(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	k := NewKubernetes(clientset, "default")

	require.NoError(t, k.Apply(context.Background(), testWorkload()))
	require.NoError(t, k.Apply(context.Background(), testWorkload()))

	assert.Zero(t, updateActions(clientset))
}

func TestApplyChangedUpdates(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	k := NewKubernetes(clientset, "default")

	require.NoError(t, k.Apply(context.Background(), testWorkload()))

	w := testWorkload()
	w.Replicas = 3
	require.NoError(t, k.Apply(context.Background(), w))

	assert.Equal(t, 1, updateActions(clientset))
	d, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "stk-1-postgres", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), *d.Spec.Replicas)
}

func TestApplyInvalidResourceQuantity(t *testing.T) {
	k := NewKubernetes(k8sfake.NewSimpleClientset(), "default")

	w := testWorkload()
	w.CPU = "half a core"
	err := k.Apply(context.Background(), w)
	assert.ErrorContains(t, err, "invalid cpu request")
}

func TestApplyAPIFailure(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	clientset.PrependReactor("create", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, assert.AnError
	})
	k := NewKubernetes(clientset, "default")

	err := k.Apply(context.Background(), testWorkload())
	assert.True(t, api.IsUnavailable(err))
}

func TestDeleteToleratesAbsent(t *testing.T) {
	k := NewKubernetes(k8sfake.NewSimpleClientset(), "default")
	assert.NoError(t, k.Delete(context.Background(), testWorkload().Ref))
}

func TestObserveStates(t *testing.T) {
	two := int32(2)
	tests := []struct {
		name       string
		deployment *appsv1.Deployment
		want       ResourceState
	}{
		{
			name: "ready",
			deployment: &appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{Name: "stk-1-postgres", Namespace: "default", Generation: 1},
				Spec:       appsv1.DeploymentSpec{Replicas: &two},
				Status: appsv1.DeploymentStatus{
					ObservedGeneration: 1,
					UpdatedReplicas:    2,
					ReadyReplicas:      2,
				},
			},
			want: StateReady,
		},
		{
			name: "still rolling out",
			deployment: &appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{Name: "stk-1-postgres", Namespace: "default", Generation: 2},
				Spec:       appsv1.DeploymentSpec{Replicas: &two},
				Status: appsv1.DeploymentStatus{
					ObservedGeneration: 2,
					UpdatedReplicas:    1,
					ReadyReplicas:      1,
				},
			},
			want: StateDeploying,
		},
		{
			name: "progress deadline exceeded",
			deployment: &appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{Name: "stk-1-postgres", Namespace: "default", Generation: 1},
				Spec:       appsv1.DeploymentSpec{Replicas: &two},
				Status: appsv1.DeploymentStatus{
					ObservedGeneration: 1,
					Conditions: []appsv1.DeploymentCondition{{
						Type:    appsv1.DeploymentProgressing,
						Status:  corev1.ConditionFalse,
						Reason:  "ProgressDeadlineExceeded",
						Message: "deployment exceeded its progress deadline",
					}},
				},
			},
			want: StateFailed,
		},
		{
			name: "replica failure",
			deployment: &appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{Name: "stk-1-postgres", Namespace: "default", Generation: 1},
				Spec:       appsv1.DeploymentSpec{Replicas: &two},
				Status: appsv1.DeploymentStatus{
					Conditions: []appsv1.DeploymentCondition{{
						Type:    appsv1.DeploymentReplicaFailure,
						Status:  corev1.ConditionTrue,
						Message: "pods failed scheduling",
					}},
				},
			},
			want: StateFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := NewKubernetes(k8sfake.NewSimpleClientset(tt.deployment), "default")
			obs, err := k.Observe(context.Background(), testWorkload().Ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, obs.State)
		})
	}
}

func TestObserveAbsent(t *testing.T) {
	k := NewKubernetes(k8sfake.NewSimpleClientset(), "default")
	obs, err := k.Observe(context.Background(), testWorkload().Ref)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, obs.State)
}

func TestLogsNoPods(t *testing.T) {
	k := NewKubernetes(k8sfake.NewSimpleClientset(), "default")
	_, err := k.Logs(context.Background(), testWorkload().Ref, 50)
	assert.True(t, api.IsNotFound(err))
}

func TestLogsFromLabelledPod(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "stk-1-postgres-abc",
			Namespace: "default",
			Labels:    map[string]string{LabelNode: "node-pg"},
		},
	}
	k := NewKubernetes(k8sfake.NewSimpleClientset(pod), "default")

	out, err := k.Logs(context.Background(), testWorkload().Ref, 50)
	require.NoError(t, err)
	assert.Equal(t, "fake logs", out)
}
