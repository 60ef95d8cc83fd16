package mockadapter

import (
	"context"
	"testing"

	"github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator"
)

func TestAllocateIsIdempotent(t *testing.T) {
	a := New()
	ctx := context.Background()
	params := orchestrator.JobParams{Name: "codespace-s1", Image: "img:latest", UserID: "s1"}

	first, err := a.Allocate(ctx, params)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if first.Status != orchestrator.StatusSuspended {
		t.Fatalf("expected suspended after allocate, got %s", first.Status)
	}

	second, err := a.Allocate(ctx, params)
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("allocate not idempotent: %s != %s", second.ID, first.ID)
	}
}

func TestSubmitThenSuspendThenSubmitRestoresReplicas(t *testing.T) {
	a := New()
	ctx := context.Background()
	params := orchestrator.JobParams{Name: "codespace-s2", Image: "img:latest", UserID: "s2"}

	if _, err := a.Submit(ctx, params); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	info, err := a.Info(ctx, params.Name)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Status != orchestrator.StatusRunning {
		t.Fatalf("expected running, got %s", info.Status)
	}
	if info.ServiceURL == orchestrator.PendingServiceURL {
		t.Fatalf("expected a resolved service url after submit")
	}

	if err := a.Suspend(ctx, params.Name); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	info, _ = a.Info(ctx, params.Name)
	if info.Status != orchestrator.StatusSuspended {
		t.Fatalf("expected suspended, got %s", info.Status)
	}

	if _, err := a.Submit(ctx, params); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	info, _ = a.Info(ctx, params.Name)
	if info.Status != orchestrator.StatusRunning {
		t.Fatalf("expected running after resubmit, got %s", info.Status)
	}
}

func TestReleaseThenInfoIsNotFound(t *testing.T) {
	a := New()
	ctx := context.Background()
	params := orchestrator.JobParams{Name: "codespace-s3", UserID: "s3"}

	if _, err := a.Allocate(ctx, params); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Release(ctx, params.Name); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := a.Release(ctx, params.Name); err != nil {
		t.Fatalf("Release on missing job should be a no-op success: %v", err)
	}

	_, err := a.Info(ctx, params.Name)
	if !apierrors.Is(err, apierrors.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestForceStatusOverridesReportedStatus(t *testing.T) {
	a := New()
	ctx := context.Background()
	params := orchestrator.JobParams{Name: "codespace-s4", UserID: "s4"}

	if _, err := a.Submit(ctx, params); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	a.ForceStatus(params.Name, orchestrator.StatusFailed)

	status, err := a.Status(ctx, params.Name)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != orchestrator.StatusFailed {
		t.Fatalf("expected forced Failed status, got %s", status)
	}
}

func TestListReturnsAllAllocated(t *testing.T) {
	a := New()
	ctx := context.Background()
	for _, sid := range []string{"a", "b", "c"} {
		if _, err := a.Allocate(ctx, orchestrator.JobParams{Name: "codespace-" + sid, UserID: sid}); err != nil {
			t.Fatalf("Allocate %s: %v", sid, err)
		}
	}

	jobs, err := a.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
}
