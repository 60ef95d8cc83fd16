package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/controller"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/store"
)

type fakeStore struct {
	students map[string]store.Student
}

func newFakeStore() *fakeStore { return &fakeStore{students: map[string]store.Student{}} }

func (s *fakeStore) Read(_ context.Context, sid string) (store.Student, error) {
	st, ok := s.students[sid]
	if !ok {
		return store.Student{}, apierrors.NotFound(sid)
	}
	return st, nil
}

func (s *fakeStore) Write(_ context.Context, student store.Student) error {
	s.students[student.SID] = student
	return nil
}

func (s *fakeStore) Create(_ context.Context, student store.Student) error {
	if _, ok := s.students[student.SID]; ok {
		return apierrors.AlreadyExists(student.SID)
	}
	s.students[student.SID] = student
	return nil
}

func (s *fakeStore) Delete(_ context.Context, sid string) error {
	if _, ok := s.students[sid]; !ok {
		return apierrors.NotFound(sid)
	}
	delete(s.students, sid)
	return nil
}

func (s *fakeStore) AllIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.students))
	for id := range s.students {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) IterAll(_ context.Context, fn func(store.Student) error) error {
	for _, st := range s.students {
		if err := fn(st); err != nil {
			return err
		}
	}
	return nil
}

type fakeController struct {
	startErr  error
	stopErr   error
	statusRes store.Status
	urlRes    controller.URLResult
}

func (c *fakeController) Start(context.Context, string) error { return c.startErr }
func (c *fakeController) Stop(context.Context, string) error  { return c.stopErr }
func (c *fakeController) GetStatus(context.Context, string) (store.Status, error) {
	return c.statusRes, nil
}
func (c *fakeController) GetURL(context.Context, string) (controller.URLResult, error) {
	return c.urlRes, nil
}

type fakeAdapter struct {
	jobs       []orchestrator.JobInfo
	releaseErr error
	released   []string
}

func (a *fakeAdapter) Allocate(context.Context, orchestrator.JobParams) (orchestrator.JobInfo, error) {
	return orchestrator.JobInfo{}, nil
}
func (a *fakeAdapter) Submit(context.Context, orchestrator.JobParams) (orchestrator.JobInfo, error) {
	return orchestrator.JobInfo{}, nil
}
func (a *fakeAdapter) Status(context.Context, string) (orchestrator.Status, error) {
	return orchestrator.StatusRunning, nil
}
func (a *fakeAdapter) Info(context.Context, string) (orchestrator.JobInfo, error) {
	return orchestrator.JobInfo{}, nil
}
func (a *fakeAdapter) Suspend(context.Context, string) error { return nil }
func (a *fakeAdapter) Release(_ context.Context, name string) error {
	a.released = append(a.released, name)
	return a.releaseErr
}
func (a *fakeAdapter) Logs(context.Context, string, int64) (string, error) { return "", nil }
func (a *fakeAdapter) List(context.Context) ([]orchestrator.JobInfo, error) {
	return a.jobs, nil
}

func newTestHandler(fs *fakeStore, ctl *fakeController, adapter *fakeAdapter) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(fs, ctl, adapter, logger)
}

func TestBatchCreateRecordsSuccessAndFailureIndependently(t *testing.T) {
	fs := newFakeStore()
	fs.students["dup"] = store.Student{SID: "dup"}
	h := newTestHandler(fs, &fakeController{}, &fakeAdapter{})

	body := `[
		{"id":"new1","name":"Ada","mail":"ada@example.edu","pwd":"secret","time_quota":3600},
		{"id":"dup","name":"Bob","mail":"bob@example.edu","pwd":"secret","time_quota":3600}
	]`
	req := httptest.NewRequest(http.MethodPost, "/student", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result batchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(result.Success) != 1 || result.Success[0] != "new1" {
		t.Fatalf("expected new1 to succeed, got %+v", result)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "dup" {
		t.Fatalf("expected dup to fail, got %+v", result)
	}
	if _, ok := fs.students["new1"]; !ok {
		t.Fatalf("expected new1 to be created in the store")
	}
}

func TestBatchCreateRejectsOversizeID(t *testing.T) {
	fs := newFakeStore()
	h := newTestHandler(fs, &fakeController{}, &fakeAdapter{})

	longID := strings.Repeat("x", 40)
	body := `[{"id":"` + longID + `","name":"Ada","mail":"ada@example.edu","pwd":"secret"}]`
	req := httptest.NewRequest(http.MethodPost, "/student", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	var result batchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(result.Success) != 0 || len(result.Failed) != 1 {
		t.Fatalf("expected the oversize id to fail, got %+v", result)
	}
}

func TestListStudentsNeverReturnsNil(t *testing.T) {
	fs := newFakeStore()
	h := newTestHandler(fs, &fakeController{}, &fakeAdapter{})

	req := httptest.NewRequest(http.MethodGet, "/student", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected an empty JSON array for no students, got %q", rec.Body.String())
	}
}

func TestCodespaceStartMapsQuotaExceededTo402(t *testing.T) {
	fs := newFakeStore()
	fs.students["s1"] = store.Student{SID: "s1"}
	h := newTestHandler(fs, &fakeController{startErr: apierrors.QuotaExceeded("s1")}, &fakeAdapter{})

	req := httptest.NewRequest(http.MethodPost, "/student/codespace/s1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
}

func TestCodespaceStartMapsNoopTo202(t *testing.T) {
	fs := newFakeStore()
	fs.students["s1"] = store.Student{SID: "s1"}
	h := newTestHandler(fs, &fakeController{startErr: apierrors.Noop("s1")}, &fakeAdapter{})

	req := httptest.NewRequest(http.MethodPost, "/student/codespace/s1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for an already-Running start, got %d", rec.Code)
	}
}

func TestCodespaceStopMapsNoopTo202(t *testing.T) {
	fs := newFakeStore()
	fs.students["s1"] = store.Student{SID: "s1"}
	h := newTestHandler(fs, &fakeController{stopErr: apierrors.Noop("s1")}, &fakeAdapter{})

	req := httptest.NewRequest(http.MethodDelete, "/student/codespace/s1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for an already-Stopped stop, got %d", rec.Code)
	}
}

func TestSetQuotaUpdatesStoredRecord(t *testing.T) {
	fs := newFakeStore()
	fs.students["s1"] = store.Student{SID: "s1", Codespace: store.Codespace{TimeQuota: 100}}
	h := newTestHandler(fs, &fakeController{}, &fakeAdapter{})

	req := httptest.NewRequest(http.MethodPut, "/student/codespace/quota/s1", strings.NewReader(`{"time_quota":7200}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fs.students["s1"].Codespace.TimeQuota != 7200 {
		t.Fatalf("expected quota updated to 7200, got %d", fs.students["s1"].Codespace.TimeQuota)
	}
}

func TestReconcileReleasesOnlyOrphanedWorkloads(t *testing.T) {
	fs := newFakeStore()
	fs.students["known"] = store.Student{SID: "known"}
	adapter := &fakeAdapter{jobs: []orchestrator.JobInfo{
		{Name: "codespace-known", UserID: "known"},
		{Name: "codespace-ghost", UserID: "ghost"},
	}}
	h := newTestHandler(fs, &fakeController{}, adapter)

	req := httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result reconcileResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(result.Released) != 1 || result.Released[0] != "codespace-ghost" {
		t.Fatalf("expected only the ghost workload released, got %+v", result)
	}
	if len(adapter.released) != 1 || adapter.released[0] != "codespace-ghost" {
		t.Fatalf("expected adapter.Release called only for the ghost workload, got %v", adapter.released)
	}
}

func TestCodespaceRedirectRunningWithURLIs302(t *testing.T) {
	fs := newFakeStore()
	fs.students["s1"] = store.Student{SID: "s1"}
	h := newTestHandler(fs, &fakeController{urlRes: controller.URLResult{
		Kind: controller.URLKnown,
		URL:  "https://codespace-s1.example.edu",
	}}, &fakeAdapter{})

	req := httptest.NewRequest(http.MethodGet, "/student/codespace/s1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://codespace-s1.example.edu" {
		t.Fatalf("unexpected redirect location: %q", loc)
	}
}
