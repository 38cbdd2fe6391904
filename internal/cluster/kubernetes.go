package cluster

import (
	"context"
	"fmt"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"stackpilot/internal/api"
	"stackpilot/pkg/logging"
)

// Labels stamped on every resource stackpilot manages. Reconciliation and
// log retrieval select on these, and they are what makes re-deploys
// converge onto existing resources.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	ManagedByValue = "stackpilot"
	LabelTenant    = "stackpilot.io/tenant"
	LabelStack     = "stackpilot.io/stack"
	LabelNode      = "stackpilot.io/node"
)

// Kubernetes implements Client against a real (or fake) clientset. One
// Deployment per service node, named by the node's workload name.
type Kubernetes struct {
	client    kubernetes.Interface
	namespace string
}

// NewKubernetes creates a cluster client deploying into namespace.
func NewKubernetes(client kubernetes.Interface, namespace string) *Kubernetes {
	return &Kubernetes{client: client, namespace: namespace}
}

func ownerLabels(ref Ref) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelTenant:    ref.TenantID,
		LabelStack:     ref.StackID,
		LabelNode:      ref.NodeID,
	}
}

// Apply creates the node's Deployment or updates it in place. Applying an
// unchanged workload issues no mutation.
func (k *Kubernetes) Apply(ctx context.Context, w Workload) error {
	desired, err := renderDeployment(w, k.namespace)
	if err != nil {
		return err
	}

	deployments := k.client.AppsV1().Deployments(k.namespace)
	existing, err := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return api.NewClusterUnavailable(fmt.Errorf("creating deployment %s: %w", desired.Name, err))
		}
		logging.Info("Cluster", "Created deployment %s for node %s", desired.Name, w.NodeID)
		return nil
	}
	if err != nil {
		return api.NewClusterUnavailable(fmt.Errorf("getting deployment %s: %w", desired.Name, err))
	}

	if equality.Semantic.DeepEqual(existing.Spec.Replicas, desired.Spec.Replicas) &&
		equality.Semantic.DeepEqual(existing.Spec.Template.Spec.Containers, desired.Spec.Template.Spec.Containers) {
		logging.Debug("Cluster", "Deployment %s unchanged, skipping update", desired.Name)
		return nil
	}

	existing.Labels = desired.Labels
	existing.Spec.Replicas = desired.Spec.Replicas
	existing.Spec.Template = desired.Spec.Template
	if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return api.NewClusterUnavailable(fmt.Errorf("updating deployment %s: %w", desired.Name, err))
	}
	logging.Info("Cluster", "Updated deployment %s for node %s", desired.Name, w.NodeID)
	return nil
}

// Delete removes the node's Deployment. A resource that is already gone
// is not an error.
func (k *Kubernetes) Delete(ctx context.Context, ref Ref) error {
	err := k.client.AppsV1().Deployments(k.namespace).Delete(ctx, ref.Name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return api.NewClusterUnavailable(fmt.Errorf("deleting deployment %s: %w", ref.Name, err))
	}
	return nil
}

// Observe maps the node's Deployment onto the raw resource state model.
func (k *Kubernetes) Observe(ctx context.Context, ref Ref) (Observation, error) {
	d, err := k.client.AppsV1().Deployments(k.namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return Observation{State: StateAbsent}, nil
	}
	if err != nil {
		return Observation{}, api.NewClusterUnavailable(fmt.Errorf("observing deployment %s: %w", ref.Name, err))
	}

	var desired int32
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	obs := Observation{
		ReadyReplicas:   d.Status.ReadyReplicas,
		DesiredReplicas: desired,
	}

	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentReplicaFailure && cond.Status == corev1.ConditionTrue {
			obs.State = StateFailed
			obs.Message = cond.Message
			return obs, nil
		}
		if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse &&
			cond.Reason == "ProgressDeadlineExceeded" {
			obs.State = StateFailed
			obs.Message = cond.Message
			return obs, nil
		}
	}

	if d.Status.ObservedGeneration >= d.Generation &&
		d.Status.UpdatedReplicas == desired &&
		d.Status.ReadyReplicas == desired {
		obs.State = StateReady
		return obs, nil
	}

	obs.State = StateDeploying
	obs.Message = fmt.Sprintf("%d/%d replicas ready", d.Status.ReadyReplicas, desired)
	return obs, nil
}

// Logs returns the tail of the first pod belonging to the node.
func (k *Kubernetes) Logs(ctx context.Context, ref Ref, tailLines int64) (string, error) {
	selector := fmt.Sprintf("%s=%s", LabelNode, ref.NodeID)
	pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", api.NewClusterUnavailable(fmt.Errorf("listing pods for node %s: %w", ref.NodeID, err))
	}
	if len(pods.Items) == 0 {
		return "", api.NewNotFoundError("pod for service node", ref.NodeID)
	}

	req := k.client.CoreV1().Pods(k.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{TailLines: &tailLines})
	raw, err := req.Do(ctx).Raw()
	if err != nil {
		return "", api.NewClusterUnavailable(fmt.Errorf("fetching logs for pod %s: %w", pods.Items[0].Name, err))
	}
	return string(raw), nil
}

// renderDeployment turns a workload into its Deployment manifest.
func renderDeployment(w Workload, namespace string) (*appsv1.Deployment, error) {
	labels := ownerLabels(w.Ref)
	replicas := w.Replicas

	container := corev1.Container{
		Name:  w.Name,
		Image: w.Image,
	}
	if w.Port > 0 {
		container.Ports = []corev1.ContainerPort{{ContainerPort: w.Port}}
	}

	// Sorted env keeps renders deterministic so the unchanged-workload
	// comparison holds.
	keys := make([]string, 0, len(w.Env))
	for k := range w.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		container.Env = append(container.Env, corev1.EnvVar{Name: key, Value: w.Env[key]})
	}

	requests := corev1.ResourceList{}
	if w.CPU != "" {
		qty, err := resource.ParseQuantity(w.CPU)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu request %q for node %s: %w", w.CPU, w.NodeID, err)
		}
		requests[corev1.ResourceCPU] = qty
	}
	if w.Memory != "" {
		qty, err := resource.ParseQuantity(w.Memory)
		if err != nil {
			return nil, fmt.Errorf("invalid memory request %q for node %s: %w", w.Memory, w.NodeID, err)
		}
		requests[corev1.ResourceMemory] = qty
	}
	if len(requests) > 0 {
		container.Resources = corev1.ResourceRequirements{Requests: requests}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      w.Name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{LabelNode: w.NodeID},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}, nil
}
