// Package mockadapter implements orchestrator.Adapter in memory, for tests
// and for running the controller without a real cluster.
package mockadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	codespaceerrors "github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator"
)

type entry struct {
	info             orchestrator.JobInfo
	suspended        bool
	originalReplicas int
	replicas         int
}

// Adapter is a goroutine-safe in-memory orchestrator.Adapter.
type Adapter struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	forceFn map[string]orchestrator.Status // test hook: pin a name's reported status
}

// New returns an empty mock adapter.
func New() *Adapter {
	return &Adapter{
		jobs:    make(map[string]*entry),
		forceFn: make(map[string]orchestrator.Status),
	}
}

// ForceStatus pins name's Status() result for fault-injection tests. Pass
// "" to clear the pin.
func (a *Adapter) ForceStatus(name string, status orchestrator.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if status == "" {
		delete(a.forceFn, name)
		return
	}
	a.forceFn[name] = status
}

func (a *Adapter) Allocate(_ context.Context, params orchestrator.JobParams) (orchestrator.JobInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.jobs[params.Name]; ok {
		return e.info, nil
	}

	e := &entry{
		info: orchestrator.JobInfo{
			ID:        params.Name,
			Name:      params.Name,
			Image:     params.Image,
			Ports:     params.Ports,
			Env:       params.Env,
			Status:    orchestrator.StatusSuspended,
			CreatedAt: time.Now(),
			Namespace: "mock",
			UserID:    params.UserID,
		},
		suspended:        true,
		originalReplicas: 1,
		replicas:         0,
	}
	e.info.ServiceURL = orchestrator.PendingServiceURL
	a.jobs[params.Name] = e
	return e.info, nil
}

func (a *Adapter) Submit(_ context.Context, params orchestrator.JobParams) (orchestrator.JobInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.jobs[params.Name]
	if !ok {
		e = &entry{info: orchestrator.JobInfo{ID: params.Name, Name: params.Name, Namespace: "mock"}}
		a.jobs[params.Name] = e
	}

	e.suspended = false
	e.replicas = e.originalReplicas
	if e.replicas == 0 {
		e.replicas = 1
	}
	e.info.Image = params.Image
	e.info.Env = params.Env
	e.info.Ports = params.Ports
	e.info.UserID = params.UserID
	e.info.Status = orchestrator.StatusRunning
	e.info.ServiceURL = fmt.Sprintf("http://%s.mock.local", params.Name)
	return e.info, nil
}

func (a *Adapter) Status(_ context.Context, name string) (orchestrator.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.forceFn[name]; ok {
		return s, nil
	}
	e, ok := a.jobs[name]
	if !ok {
		return "", codespaceerrors.NotFound(name)
	}
	return e.info.Status, nil
}

func (a *Adapter) Info(_ context.Context, name string) (orchestrator.JobInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.jobs[name]
	if !ok {
		return orchestrator.JobInfo{}, codespaceerrors.NotFound(name)
	}
	if s, forced := a.forceFn[name]; forced {
		info := e.info
		info.Status = s
		return info, nil
	}
	return e.info, nil
}

func (a *Adapter) Suspend(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.jobs[name]
	if !ok {
		return nil
	}
	if e.replicas > 0 {
		e.originalReplicas = e.replicas
	}
	e.replicas = 0
	e.suspended = true
	e.info.Status = orchestrator.StatusSuspended
	e.info.ServiceURL = orchestrator.PendingServiceURL
	return nil
}

func (a *Adapter) Release(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.jobs, name)
	delete(a.forceFn, name)
	return nil
}

func (a *Adapter) Logs(_ context.Context, name string, tailLines int64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.jobs[name]; !ok {
		return "", codespaceerrors.NotFound(name)
	}
	return fmt.Sprintf("mock log tail (%d lines) for %s", tailLines, name), nil
}

func (a *Adapter) List(_ context.Context) ([]orchestrator.JobInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	infos := make([]orchestrator.JobInfo, 0, len(a.jobs))
	for _, e := range a.jobs {
		infos = append(infos, e.info)
	}
	return infos, nil
}

var _ orchestrator.Adapter = (*Adapter)(nil)
