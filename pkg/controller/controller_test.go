package controller

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/authtoken"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator/mockadapter"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/store"
)

func newTestController(t *testing.T) (*Controller, *store.Store, *mockadapter.Adapter) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter := mockadapter.New()
	codec := authtoken.NewCodec("test-secret")

	cfg := Config{
		Image:            "codespace:latest",
		CPULimit:         "2",
		MemoryLimit:      "4Gi",
		StorageLimit:     "10Gi",
		WatchConcurrency: 4,
	}

	hook := &deferredHook{}
	st := store.New(rdb, t.TempDir(), t.TempDir(), hook, logger)

	ctl := New(st, adapter, codec, cfg, logger, nil)
	hook.ctl = ctl
	return ctl, st, adapter
}

// deferredHook breaks the construction-order cycle between store.Store
// (which needs a LifecycleHook) and Controller (which needs the store):
// it forwards to ctl once the Controller exists.
type deferredHook struct{ ctl *Controller }

func (h *deferredHook) Allocate(ctx context.Context, sid string) error { return h.ctl.Allocate(ctx, sid) }
func (h *deferredHook) Release(ctx context.Context, sid string) error { return h.ctl.Release(ctx, sid) }

func createStudent(t *testing.T, ctx context.Context, st *store.Store, sid string, quota int64) {
	t.Helper()
	err := st.Create(ctx, store.Student{
		SID:     sid,
		PwdHash: "hash",
		Codespace: store.Codespace{
			TimeQuota: quota,
		},
	})
	if err != nil {
		t.Fatalf("Create %s: %v", sid, err)
	}
}

func TestStartTransitionsToRunningWithURL(t *testing.T) {
	ctl, st, _ := newTestController(t)
	ctx := context.Background()
	createStudent(t, ctx, st, "s1", 0)

	if err := ctl.Start(ctx, "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := st.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Codespace.Status != store.StatusRunning {
		t.Fatalf("expected Running, got %s", got.Codespace.Status)
	}
	if got.Codespace.URL == "" {
		t.Fatalf("expected a resolved URL after start")
	}
	if got.Codespace.LastStart == 0 {
		t.Fatalf("expected last_start to be set")
	}
}

func TestStartFailsWhenQuotaExhausted(t *testing.T) {
	ctl, st, _ := newTestController(t)
	ctx := context.Background()
	createStudent(t, ctx, st, "s1", 100)

	got, _ := st.Read(ctx, "s1")
	got.Codespace.TimeUsed = 100
	if err := st.Write(ctx, got); err != nil {
		t.Fatalf("Write: %v", err)
	}

	err := ctl.Start(ctx, "s1")
	if !apierrors.Is(err, apierrors.KindQuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
}

func TestStartIsNoopWhenAlreadyRunning(t *testing.T) {
	ctl, st, _ := newTestController(t)
	ctx := context.Background()
	createStudent(t, ctx, st, "s1", 0)

	if err := ctl.Start(ctx, "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := ctl.Start(ctx, "s1")
	if !apierrors.Is(err, apierrors.KindNoop) {
		t.Fatalf("expected second Start to report KindNoop, got: %v", err)
	}
}

func TestStopIsNoopWhenAlreadyStopped(t *testing.T) {
	ctl, st, _ := newTestController(t)
	ctx := context.Background()
	createStudent(t, ctx, st, "s1", 0)

	if err := ctl.Start(ctx, "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctl.Stop(ctx, "s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	err := ctl.Stop(ctx, "s1")
	if !apierrors.Is(err, apierrors.KindNoop) {
		t.Fatalf("expected second Stop to report KindNoop, got: %v", err)
	}
}

func TestStopAccumulatesUsageAndSuspends(t *testing.T) {
	ctl, st, adapter := newTestController(t)
	ctx := context.Background()
	createStudent(t, ctx, st, "s1", 0)

	if err := ctl.Start(ctx, "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctl.Stop(ctx, "s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, err := st.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Codespace.Status != store.StatusStopped {
		t.Fatalf("expected Stopped, got %s", got.Codespace.Status)
	}
	if got.Codespace.URL != "" {
		t.Fatalf("expected URL cleared after stop")
	}
	if got.Codespace.LastStop == 0 {
		t.Fatalf("expected last_stop to be set")
	}

	status, err := adapter.Status(ctx, "codespace-s1")
	if err != nil {
		t.Fatalf("adapter Status: %v", err)
	}
	if status != orchestrator.StatusSuspended {
		t.Fatalf("expected adapter to report suspended, got %s", status)
	}
}

func TestGetURLPendingWhileStarting(t *testing.T) {
	ctl, st, _ := newTestController(t)
	ctx := context.Background()
	createStudent(t, ctx, st, "s1", 0)

	got, _ := st.Read(ctx, "s1")
	got.Codespace.Status = store.StatusStarting
	if err := st.Write(ctx, got); err != nil {
		t.Fatalf("Write: %v", err)
	}

	res, err := ctl.GetURL(ctx, "s1")
	if err != nil {
		t.Fatalf("GetURL: %v", err)
	}
	if res.Kind != URLPending {
		t.Fatalf("expected pending, got %s", res.Kind)
	}
}

func TestWatchAllEvictsWhenQuotaExhausted(t *testing.T) {
	ctl, st, adapter := newTestController(t)
	ctx := context.Background()
	createStudent(t, ctx, st, "s1", 1)

	if err := ctl.Start(ctx, "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, _ := st.Read(ctx, "s1")
	got.Codespace.LastWatch = got.Codespace.LastStart - 10
	if err := st.Write(ctx, got); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := ctl.WatchAll(ctx); err != nil {
		t.Fatalf("WatchAll: %v", err)
	}

	after, err := st.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if after.Codespace.Status != store.StatusStopped {
		t.Fatalf("expected eviction to Stop, got %s", after.Codespace.Status)
	}

	status, err := adapter.Status(ctx, "codespace-s1")
	if err != nil {
		t.Fatalf("adapter Status: %v", err)
	}
	if status != orchestrator.StatusSuspended {
		t.Fatalf("expected adapter suspended after eviction, got %s", status)
	}
}

func TestWatchAllAccumulatesUsageWithoutEviction(t *testing.T) {
	ctl, st, _ := newTestController(t)
	ctx := context.Background()
	createStudent(t, ctx, st, "s1", 0)

	if err := ctl.Start(ctx, "s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := ctl.WatchAll(ctx); err != nil {
		t.Fatalf("WatchAll: %v", err)
	}

	after, err := st.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if after.Codespace.Status != store.StatusRunning {
		t.Fatalf("expected still Running with no quota, got %s", after.Codespace.Status)
	}
}
