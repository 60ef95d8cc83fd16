package k8sadapter

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator"
)

func testParams() orchestrator.JobParams {
	return orchestrator.JobParams{
		Name:   "codespace-s1",
		Image:  "yatcc/codespace:latest",
		UserID: "s1",
		Ports: []orchestrator.PortMapping{
			{Port: 80, TargetPort: 443, Name: "ide", Protocol: "TCP"},
		},
		Env:       map[string]string{"PASSWORD": "secret"},
		Resources: orchestrator.ResourceLimits{CPU: "2", Memory: "4Gi", Storage: "10Gi"},
	}
}

func TestAllocateCreatesSuspendedDeployment(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	a := NewWithClientset(clientset, "codespaces")
	ctx := context.Background()

	info, err := a.Allocate(ctx, testParams())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if info.Status != orchestrator.StatusSuspended {
		t.Fatalf("expected Suspended, got %s", info.Status)
	}
	if info.ServiceURL != orchestrator.PendingServiceURL {
		t.Fatalf("expected pending service url, got %s", info.ServiceURL)
	}

	dep, err := clientset.AppsV1().Deployments("codespaces").Get(ctx, "codespace-s1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get deployment: %v", err)
	}
	if *dep.Spec.Replicas != 0 {
		t.Fatalf("expected 0 replicas on allocate, got %d", *dep.Spec.Replicas)
	}
	if dep.Annotations[annotationSuspended] != "true" {
		t.Fatalf("expected suspended annotation")
	}
	if dep.Labels["managed-by"] != SystemTag || dep.Labels["type"] != orchestrator.TypeLabel {
		t.Fatalf("unexpected labels: %v", dep.Labels)
	}
}

func TestAllocateIsIdempotent(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	a := NewWithClientset(clientset, "codespaces")
	ctx := context.Background()

	first, err := a.Allocate(ctx, testParams())
	if err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	second, err := a.Allocate(ctx, testParams())
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("allocate not idempotent")
	}
}

func TestSubmitUnsuspendsAndRestoresReplicas(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	a := NewWithClientset(clientset, "codespaces")
	ctx := context.Background()
	params := testParams()

	if _, err := a.Allocate(ctx, params); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	dep, _ := clientset.AppsV1().Deployments("codespaces").Get(ctx, params.Name, metav1.GetOptions{})
	dep.Annotations[annotationOriginalReplicas] = "1"
	if _, err := clientset.AppsV1().Deployments("codespaces").Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	info, err := a.Submit(ctx, params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if info.Status != orchestrator.StatusRunning && info.Status != orchestrator.StatusPending {
		t.Fatalf("unexpected status after submit: %s", info.Status)
	}

	dep, err = clientset.AppsV1().Deployments("codespaces").Get(ctx, params.Name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get deployment: %v", err)
	}
	if *dep.Spec.Replicas != 1 {
		t.Fatalf("expected replicas restored to 1, got %d", *dep.Spec.Replicas)
	}
	if _, ok := dep.Annotations[annotationSuspended]; ok {
		t.Fatalf("expected suspended annotation removed")
	}
}

func TestStatusReflectsReadyReplicas(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	a := NewWithClientset(clientset, "codespaces")
	ctx := context.Background()

	one := int32(1)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "codespace-s1", Namespace: "codespaces"},
		Spec:       appsv1.DeploymentSpec{Replicas: &one},
		Status:     appsv1.DeploymentStatus{ReadyReplicas: 1},
	}
	if _, err := clientset.AppsV1().Deployments("codespaces").Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		t.Fatalf("seed create: %v", err)
	}

	status, err := a.Status(ctx, "codespace-s1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != orchestrator.StatusRunning {
		t.Fatalf("expected Running, got %s", status)
	}
}

func TestStatusNotFound(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	a := NewWithClientset(clientset, "codespaces")

	_, err := a.Status(context.Background(), "does-not-exist")
	if !apierrors.Is(err, apierrors.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestReleaseDeletesDeploymentAndService(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	a := NewWithClientset(clientset, "codespaces")
	ctx := context.Background()
	params := testParams()

	if _, err := a.Allocate(ctx, params); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Release(ctx, params.Name); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Second release on already-gone objects must still succeed (404-as-success).
	if err := a.Release(ctx, params.Name); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	if _, err := clientset.AppsV1().Deployments("codespaces").Get(ctx, params.Name, metav1.GetOptions{}); err == nil {
		t.Fatalf("expected deployment to be deleted")
	}
}

func TestInfoResolvesLoadBalancerIngress(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	a := NewWithClientset(clientset, "codespaces")
	ctx := context.Background()
	params := testParams()

	if _, err := a.Allocate(ctx, params); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	svc, err := clientset.CoreV1().Services("codespaces").Get(ctx, a.serviceName(params.Name), metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get service: %v", err)
	}
	svc.Status.LoadBalancer.Ingress = []corev1.LoadBalancerIngress{{IP: "203.0.113.5"}}
	if _, err := clientset.CoreV1().Services("codespaces").UpdateStatus(ctx, svc, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	info, err := a.Info(ctx, params.Name)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.ServiceURL != "http://203.0.113.5:80" {
		t.Fatalf("expected resolved ingress url, got %s", info.ServiceURL)
	}
}
