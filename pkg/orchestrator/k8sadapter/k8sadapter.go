// Package k8sadapter implements orchestrator.Adapter against a Kubernetes
// cluster: one Deployment plus one LoadBalancer Service per codespace,
// suspended by scaling replicas to zero and recording the prior count in
// an annotation.
package k8sadapter

import (
	"context"
	"fmt"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	codespaceerrors "github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator"
)

// SystemTag is the value of the managed-by label placed on every object
// this adapter owns.
const SystemTag = "yatcc-se"

const (
	annotationSuspended        = SystemTag + "/suspended"
	annotationOriginalReplicas = SystemTag + "/original-replicas"
	containerName              = "codespace"
)

// Adapter implements orchestrator.Adapter against a real cluster.
type Adapter struct {
	clientset kubernetes.Interface
	namespace string
}

// New builds an Adapter from a kubeconfig path (empty string loads
// in-cluster config).
func New(kubeconfigPath, namespace string) (*Adapter, error) {
	restCfg, err := loadConfig(kubeconfigPath)
	if err != nil {
		return nil, codespaceerrors.ClusterErrorf(err, "loading kubernetes config")
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, codespaceerrors.ClusterErrorf(err, "building kubernetes clientset")
	}
	return &Adapter{clientset: clientset, namespace: namespace}, nil
}

// NewWithClientset builds an Adapter around an existing clientset, for
// tests using fake.NewSimpleClientset.
func NewWithClientset(clientset kubernetes.Interface, namespace string) *Adapter {
	return &Adapter{clientset: clientset, namespace: namespace}
}

func labelsFor(userID string) map[string]string {
	return map[string]string{
		"managed-by": SystemTag,
		"user-id":    userID,
		"type":       orchestrator.TypeLabel,
	}
}

func selectorFor(userID string) string {
	return fmt.Sprintf("managed-by=%s,user-id=%s,type=%s", SystemTag, userID, orchestrator.TypeLabel)
}

func (a *Adapter) serviceName(name string) string { return name + "-svc" }

func (a *Adapter) Allocate(ctx context.Context, params orchestrator.JobParams) (orchestrator.JobInfo, error) {
	dep, err := a.clientset.AppsV1().Deployments(a.namespace).Get(ctx, params.Name, metav1.GetOptions{})
	if err == nil {
		return a.buildInfo(ctx, dep)
	}
	if !apierrors.IsNotFound(err) {
		return orchestrator.JobInfo{}, codespaceerrors.ClusterErrorf(err, "getting deployment %s", params.Name)
	}

	dep = a.buildDeployment(params, 0, true)
	dep, err = a.clientset.AppsV1().Deployments(a.namespace).Create(ctx, dep, metav1.CreateOptions{})
	if err != nil {
		return orchestrator.JobInfo{}, codespaceerrors.ClusterErrorf(err, "creating deployment %s", params.Name)
	}

	if err := a.ensureService(ctx, params); err != nil {
		return orchestrator.JobInfo{}, err
	}

	return a.buildInfo(ctx, dep)
}

func (a *Adapter) Submit(ctx context.Context, params orchestrator.JobParams) (orchestrator.JobInfo, error) {
	if _, err := a.Allocate(ctx, params); err != nil {
		return orchestrator.JobInfo{}, err
	}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, getErr := a.clientset.AppsV1().Deployments(a.namespace).Get(ctx, params.Name, metav1.GetOptions{})
		if getErr != nil {
			return getErr
		}

		replicas := int32(1)
		if raw, ok := dep.Annotations[annotationOriginalReplicas]; ok {
			if n, convErr := strconv.Atoi(raw); convErr == nil && n > 0 {
				replicas = int32(n)
			}
		}

		delete(dep.Annotations, annotationSuspended)
		delete(dep.Annotations, annotationOriginalReplicas)
		dep.Spec.Replicas = &replicas
		applyContainerSpec(dep, params)

		_, updateErr := a.clientset.AppsV1().Deployments(a.namespace).Update(ctx, dep, metav1.UpdateOptions{})
		return updateErr
	})
	if err != nil {
		return orchestrator.JobInfo{}, codespaceerrors.ClusterErrorf(err, "resuming deployment %s", params.Name)
	}

	if err := a.ensureService(ctx, params); err != nil {
		return orchestrator.JobInfo{}, err
	}

	return a.Info(ctx, params.Name)
}

func (a *Adapter) Status(ctx context.Context, name string) (orchestrator.Status, error) {
	dep, err := a.clientset.AppsV1().Deployments(a.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", codespaceerrors.NotFound(name)
		}
		return "", codespaceerrors.ClusterErrorf(err, "getting deployment %s", name)
	}
	return statusOf(dep), nil
}

func statusOf(dep *appsv1.Deployment) orchestrator.Status {
	switch {
	case dep.Status.ReadyReplicas >= 1:
		return orchestrator.StatusRunning
	case dep.Status.UnavailableReplicas > 0:
		return orchestrator.StatusFailed
	case dep.Spec.Replicas != nil && *dep.Spec.Replicas == 0:
		return orchestrator.StatusSuspended
	default:
		return orchestrator.StatusPending
	}
}

func (a *Adapter) Info(ctx context.Context, name string) (orchestrator.JobInfo, error) {
	dep, err := a.clientset.AppsV1().Deployments(a.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return orchestrator.JobInfo{}, codespaceerrors.NotFound(name)
		}
		return orchestrator.JobInfo{}, codespaceerrors.ClusterErrorf(err, "getting deployment %s", name)
	}
	return a.buildInfo(ctx, dep)
}

func (a *Adapter) buildInfo(ctx context.Context, dep *appsv1.Deployment) (orchestrator.JobInfo, error) {
	serviceURL := orchestrator.PendingServiceURL
	svc, err := a.clientset.CoreV1().Services(a.namespace).Get(ctx, a.serviceName(dep.Name), metav1.GetOptions{})
	if err == nil {
		serviceURL = ingressURL(svc)
	} else if !apierrors.IsNotFound(err) {
		return orchestrator.JobInfo{}, codespaceerrors.ClusterErrorf(err, "getting service for %s", dep.Name)
	}

	var image string
	var env map[string]string
	if len(dep.Spec.Template.Spec.Containers) > 0 {
		c := dep.Spec.Template.Spec.Containers[0]
		image = c.Image
		env = make(map[string]string, len(c.Env))
		for _, e := range c.Env {
			env[e.Name] = e.Value
		}
	}

	return orchestrator.JobInfo{
		ID:         dep.Name,
		Name:       dep.Labels["app"],
		Image:      image,
		Env:        env,
		Status:     statusOf(dep),
		CreatedAt:  dep.CreationTimestamp.Time,
		Namespace:  dep.Namespace,
		ServiceURL: serviceURL,
		UserID:     dep.Labels["user-id"],
	}, nil
}

func ingressURL(svc *corev1.Service) string {
	if len(svc.Status.LoadBalancer.Ingress) == 0 {
		return orchestrator.PendingServiceURL
	}
	ing := svc.Status.LoadBalancer.Ingress[0]
	host := ing.IP
	if host == "" {
		host = ing.Hostname
	}
	if host == "" {
		return orchestrator.PendingServiceURL
	}
	port := int32(80)
	if len(svc.Spec.Ports) > 0 {
		port = svc.Spec.Ports[0].Port
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

func (a *Adapter) Suspend(ctx context.Context, name string) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, getErr := a.clientset.AppsV1().Deployments(a.namespace).Get(ctx, name, metav1.GetOptions{})
		if getErr != nil {
			return getErr
		}

		original := int32(1)
		if dep.Spec.Replicas != nil && *dep.Spec.Replicas > 0 {
			original = *dep.Spec.Replicas
		}

		if dep.Annotations == nil {
			dep.Annotations = map[string]string{}
		}
		dep.Annotations[annotationSuspended] = "true"
		dep.Annotations[annotationOriginalReplicas] = strconv.Itoa(int(original))
		zero := int32(0)
		dep.Spec.Replicas = &zero

		_, updateErr := a.clientset.AppsV1().Deployments(a.namespace).Update(ctx, dep, metav1.UpdateOptions{})
		return updateErr
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return codespaceerrors.ClusterErrorf(err, "suspending deployment %s", name)
	}
	return nil
}

func (a *Adapter) Release(ctx context.Context, name string) error {
	err := a.clientset.AppsV1().Deployments(a.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return codespaceerrors.ClusterErrorf(err, "deleting deployment %s", name)
	}

	err = a.clientset.CoreV1().Services(a.namespace).Delete(ctx, a.serviceName(name), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return codespaceerrors.ClusterErrorf(err, "deleting service %s", a.serviceName(name))
	}
	return nil
}

func (a *Adapter) Logs(ctx context.Context, name string, tailLines int64) (string, error) {
	pods, err := a.clientset.CoreV1().Pods(a.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + name,
		Limit:         1,
	})
	if err != nil {
		return "", codespaceerrors.ClusterErrorf(err, "listing pods for %s", name)
	}
	if len(pods.Items) == 0 {
		return "", codespaceerrors.NotFound(name)
	}

	pod := pods.Items[0]
	req := a.clientset.CoreV1().Pods(a.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: containerName,
		TailLines: &tailLines,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", codespaceerrors.ClusterErrorf(err, "streaming logs for pod %s", pod.Name)
	}
	defer stream.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, readErr := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	return string(buf), nil
}

func (a *Adapter) List(ctx context.Context) ([]orchestrator.JobInfo, error) {
	selector := fmt.Sprintf("managed-by=%s,type=%s", SystemTag, orchestrator.TypeLabel)
	deployments, err := a.clientset.AppsV1().Deployments(a.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, codespaceerrors.ClusterErrorf(err, "listing deployments")
	}

	infos := make([]orchestrator.JobInfo, 0, len(deployments.Items))
	for i := range deployments.Items {
		info, err := a.buildInfo(ctx, &deployments.Items[i])
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (a *Adapter) ensureService(ctx context.Context, params orchestrator.JobParams) error {
	_, err := a.clientset.CoreV1().Services(a.namespace).Get(ctx, a.serviceName(params.Name), metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return codespaceerrors.ClusterErrorf(err, "getting service %s", a.serviceName(params.Name))
	}

	ports := make([]corev1.ServicePort, 0, len(params.Ports))
	for _, p := range params.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       p.Name,
			Port:       p.Port,
			TargetPort: intOrString(p.TargetPort),
			Protocol:   protocolOf(p.Protocol),
		})
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      a.serviceName(params.Name),
			Namespace: a.namespace,
			Labels:    labelsFor(params.UserID),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": params.Name},
			Ports:    ports,
			Type:     corev1.ServiceTypeLoadBalancer,
		},
	}
	_, err = a.clientset.CoreV1().Services(a.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return codespaceerrors.ClusterErrorf(err, "creating service %s", a.serviceName(params.Name))
	}
	return nil
}

func (a *Adapter) buildDeployment(params orchestrator.JobParams, replicas int32, suspended bool) *appsv1.Deployment {
	labels := labelsFor(params.UserID)
	podLabels := map[string]string{"app": params.Name}
	for k, v := range labels {
		podLabels[k] = v
	}

	annotations := map[string]string{}
	if suspended {
		annotations[annotationSuspended] = "true"
		annotations[annotationOriginalReplicas] = "1"
	}

	container := corev1.Container{
		Name:  containerName,
		Image: params.Image,
		Env:   envVarsOf(params.Env),
	}
	applyResources(&container, params.Resources)
	for _, p := range params.Ports {
		container.Ports = append(container.Ports, corev1.ContainerPort{
			Name:          p.Name,
			ContainerPort: p.TargetPort,
			Protocol:      protocolOf(p.Protocol),
		})
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        params.Name,
			Namespace:   a.namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": params.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{container}},
			},
		},
	}
}

func applyContainerSpec(dep *appsv1.Deployment, params orchestrator.JobParams) {
	if len(dep.Spec.Template.Spec.Containers) == 0 {
		return
	}
	c := &dep.Spec.Template.Spec.Containers[0]
	c.Image = params.Image
	c.Env = envVarsOf(params.Env)
	applyResources(c, params.Resources)
}

func envVarsOf(env map[string]string) []corev1.EnvVar {
	vars := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		vars = append(vars, corev1.EnvVar{Name: k, Value: v})
	}
	return vars
}

func applyResources(c *corev1.Container, limits orchestrator.ResourceLimits) {
	rl := corev1.ResourceList{}
	if limits.CPU != "" {
		rl[corev1.ResourceCPU] = mustParseQuantity(limits.CPU)
	}
	if limits.Memory != "" {
		rl[corev1.ResourceMemory] = mustParseQuantity(limits.Memory)
	}
	if limits.Storage != "" {
		rl[corev1.ResourceEphemeralStorage] = mustParseQuantity(limits.Storage)
	}
	c.Resources = corev1.ResourceRequirements{Limits: rl}
}

func protocolOf(p string) corev1.Protocol {
	if p == "" {
		return corev1.ProtocolTCP
	}
	return corev1.Protocol(p)
}
