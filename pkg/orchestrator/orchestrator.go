// Package orchestrator defines the declarative CRUD contract that the
// lifecycle controller drives, independent of the backing cluster
// technology. k8sadapter implements it against Kubernetes; mockadapter
// implements it in memory for tests.
package orchestrator

import (
	"context"
	"time"
)

// Status is the observed state of a workload as reported by the adapter.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusFailed    Status = "Failed"
	StatusSuspended Status = "Suspended"
	StatusStarting  Status = "Starting"
)

// PortMapping describes one exposed container port.
type PortMapping struct {
	Port       int32
	TargetPort int32
	Name       string
	Protocol   string
}

// ResourceLimits bounds a workload's cpu, memory, and ephemeral storage.
type ResourceLimits struct {
	CPU     string
	Memory  string
	Storage string
}

// JobParams is the declarative input to allocate/submit. It is entirely
// deterministic given a sid: see pkg/controller's JobParams derivation.
type JobParams struct {
	Name      string
	Image     string
	Ports     []PortMapping
	Env       map[string]string
	Resources ResourceLimits
	UserID    string
}

// JobInfo is the observed state of a workload plus its network address.
type JobInfo struct {
	ID         string
	Name       string
	Image      string
	Ports      []PortMapping
	Env        map[string]string
	Status     Status
	CreatedAt  time.Time
	Namespace  string
	ServiceURL string
	UserID     string
}

// PendingServiceURL is returned in JobInfo.ServiceURL when the load
// balancer has not yet assigned an ingress address.
const PendingServiceURL = "pending"

// TypeLabel is the value of the "type" label placed on every managed
// object, used to scope list() and label-selector lookups.
const TypeLabel = "codespace"

// Adapter is the uniform interface the lifecycle controller drives.
// Implementations must classify every error as either a NotFound error (see
// internal/apierrors) or a ClusterError; callers decide whether to retry
// or surface.
type Adapter interface {
	// Allocate creates the workload suspended (replicas=0) and its service
	// if absent; idempotent, returning the existing JobInfo if present.
	Allocate(ctx context.Context, params JobParams) (JobInfo, error)

	// Submit ensures the workload is allocated, then resumes/updates it:
	// clears the suspension annotation, restores replicas, and patches
	// env/resources to match params.
	Submit(ctx context.Context, params JobParams) (JobInfo, error)

	// Status reads the workload's current Status.
	Status(ctx context.Context, name string) (Status, error)

	// Info combines workload and service state into a JobInfo.
	Info(ctx context.Context, name string) (JobInfo, error)

	// Suspend scales the workload to zero replicas, recording the prior
	// count so a later Submit can restore it. Idempotent.
	Suspend(ctx context.Context, name string) error

	// Release deletes the workload and its service. A 404 on either is
	// treated as success.
	Release(ctx context.Context, name string) error

	// Logs returns the tail of the first pod matching the workload.
	Logs(ctx context.Context, name string, tailLines int64) (string, error)

	// List returns every JobInfo managed by this adapter instance.
	List(ctx context.Context) ([]JobInfo, error)
}
