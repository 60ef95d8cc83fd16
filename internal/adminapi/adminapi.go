// Package adminapi is the admin-facing HTTP surface: enrollment,
// per-student and batch codespace lifecycle operations, and the
// orphaned-workload reconcile pass.
package adminapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
	"github.com/Nickchen-PUSH/yatcc-se/internal/httpserver"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/controller"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/orchestrator"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/pwdhash"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/store"
)

const (
	maxNameLen = 32
	maxMailLen = 32
	maxSIDLen  = 32
)

// Store is the subset of *store.Store the admin surface depends on.
type Store interface {
	Read(ctx context.Context, sid string) (store.Student, error)
	Write(ctx context.Context, student store.Student) error
	Create(ctx context.Context, student store.Student) error
	Delete(ctx context.Context, sid string) error
	AllIDs(ctx context.Context) ([]string, error)
	IterAll(ctx context.Context, fn func(store.Student) error) error
}

// Controller is the subset of *controller.Controller the admin surface
// depends on.
type Controller interface {
	Start(ctx context.Context, sid string) error
	Stop(ctx context.Context, sid string) error
	GetStatus(ctx context.Context, sid string) (store.Status, error)
	GetURL(ctx context.Context, sid string) (controller.URLResult, error)
}

// Handler wires the admin HTTP surface to the store, controller, and the
// raw orchestrator adapter (needed only for the reconcile pass).
type Handler struct {
	store   Store
	ctl     Controller
	adapter orchestrator.Adapter
	logger  *slog.Logger
}

// New builds an admin Handler.
func New(st Store, ctl Controller, adapter orchestrator.Adapter, logger *slog.Logger) *Handler {
	return &Handler{store: st, ctl: ctl, adapter: adapter, logger: logger}
}

// Routes returns the admin router. The caller mounts it behind admin
// authentication middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/student", h.handleListStudents)
	r.Post("/student", h.handleBatchCreate)
	r.Delete("/student", h.handleBatchDelete)
	r.Get("/student/{sid}", h.handleGetStudent)

	r.Get("/student/codespace/{sid}", h.handleCodespaceRedirect)
	r.Post("/student/codespace/{sid}", h.handleCodespaceStart)
	r.Delete("/student/codespace/{sid}", h.handleCodespaceStop)
	r.Get("/student/codespace/info/{sid}", h.handleCodespaceInfo)
	r.Put("/student/codespace/quota/{sid}", h.handleSetQuota)

	r.Post("/student/codespace", h.handleBatchStart)
	r.Delete("/student/codespace", h.handleBatchStop)

	r.Post("/admin/reconcile", h.handleReconcile)

	return r
}

// brief is the list-view projection of a student record.
type brief struct {
	SID    string       `json:"id"`
	Name   string       `json:"name"`
	Mail   string       `json:"mail"`
	Status store.Status `json:"status"`
}

func toBrief(s store.Student) brief {
	return brief{SID: s.SID, Name: s.UserInfo.Name, Mail: s.UserInfo.Mail, Status: s.Codespace.Status}
}

func (h *Handler) handleListStudents(w http.ResponseWriter, r *http.Request) {
	var briefs []brief
	err := h.store.IterAll(r.Context(), func(s store.Student) error {
		briefs = append(briefs, toBrief(s))
		return nil
	})
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "internal_error", err.Error())
		return
	}
	if briefs == nil {
		briefs = []brief{}
	}
	httpserver.Respond(w, http.StatusOK, briefs)
}

// createRequest is one element of the batch-create request body.
type createRequest struct {
	ID        string `json:"id" validate:"required,max=32"`
	Name      string `json:"name" validate:"required,max=32"`
	Mail      string `json:"mail" validate:"required,max=32"`
	Pwd       string `json:"pwd" validate:"required"`
	TimeQuota int64  `json:"time_quota" validate:"gte=0"`
}

type batchFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type batchResult struct {
	Success []string       `json:"success"`
	Failed  []batchFailure `json:"failed"`
}

func (h *Handler) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var reqs []createRequest
	if err := httpserver.Decode(r, &reqs); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result := batchResult{Success: []string{}, Failed: []batchFailure{}}
	for _, req := range reqs {
		if errs := httpserver.Validate(req); len(errs) > 0 {
			result.Failed = append(result.Failed, batchFailure{ID: req.ID, Reason: "validation failed"})
			continue
		}
		if len(req.ID) > maxSIDLen {
			result.Failed = append(result.Failed, batchFailure{ID: req.ID, Reason: "id exceeds 32 bytes"})
			continue
		}

		hash, err := pwdhash.Hash(req.Pwd)
		if err != nil {
			result.Failed = append(result.Failed, batchFailure{ID: req.ID, Reason: "hashing password failed"})
			continue
		}

		student := store.Student{
			SID:       req.ID,
			PwdHash:   hash,
			UserInfo:  store.UserInfo{Name: req.Name, Mail: req.Mail},
			Codespace: store.Codespace{TimeQuota: req.TimeQuota},
		}
		if err := h.store.Create(r.Context(), student); err != nil {
			result.Failed = append(result.Failed, batchFailure{ID: req.ID, Reason: err.Error()})
			continue
		}
		result.Success = append(result.Success, req.ID)
	}

	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SID []string `json:"sid"`
	}
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result := batchResult{Success: []string{}, Failed: []batchFailure{}}
	for _, sid := range req.SID {
		if err := h.store.Delete(r.Context(), sid); err != nil {
			result.Failed = append(result.Failed, batchFailure{ID: sid, Reason: err.Error()})
			continue
		}
		result.Success = append(result.Success, sid)
	}

	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	student, err := h.store.Read(r.Context(), sid)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "not_found", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, student)
}

// handleCodespaceRedirect implements the admin redirect contract: 302 to
// the url when Running, 307 to the management page when Starting, 303
// otherwise.
func (h *Handler) handleCodespaceRedirect(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	res, err := h.ctl.GetURL(r.Context(), sid)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "not_found", err.Error())
		return
	}

	switch res.Kind {
	case controller.URLKnown:
		http.Redirect(w, r, res.URL, http.StatusFound)
	case controller.URLPending:
		http.Redirect(w, r, "/student/codespace/info/"+sid, http.StatusTemporaryRedirect)
	default:
		http.Redirect(w, r, "/student/codespace/info/"+sid, http.StatusSeeOther)
	}
}

func (h *Handler) handleCodespaceStart(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	err := h.ctl.Start(r.Context(), sid)
	switch {
	case err == nil:
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "started"})
	case apierrors.Is(err, apierrors.KindNoop):
		httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "already_running"})
	case apierrors.Is(err, apierrors.KindQuotaExceeded):
		httpserver.RespondError(w, http.StatusPaymentRequired, "quota_exceeded", err.Error())
	case apierrors.Is(err, apierrors.KindNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "start_failed", err.Error())
	}
}

func (h *Handler) handleCodespaceStop(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	err := h.ctl.Stop(r.Context(), sid)
	switch {
	case err == nil:
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "stopped"})
	case apierrors.Is(err, apierrors.KindNoop):
		httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "already_stopped"})
	default:
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "stop_failed", err.Error())
	}
}

// codespaceInfo is the response shape for the info endpoints.
type codespaceInfo struct {
	AccessURL  any     `json:"access_url"`
	LastStart  float64 `json:"last_start"`
	LastStop   float64 `json:"last_stop"`
	TimeQuota  int64   `json:"time_quota"`
	TimeUsed   int64   `json:"time_used"`
	SpaceQuota int64   `json:"space_quota"`
	SpaceUsed  int64   `json:"space_used"`
}

func buildCodespaceInfo(student store.Student) codespaceInfo {
	var accessURL any
	switch student.Codespace.Status {
	case store.StatusRunning:
		if student.Codespace.URL != "" {
			accessURL = student.Codespace.URL
		} else {
			accessURL = true
		}
	case store.StatusStarting:
		accessURL = true
	default:
		accessURL = false
	}

	return codespaceInfo{
		AccessURL:  accessURL,
		LastStart:  student.Codespace.LastStart,
		LastStop:   student.Codespace.LastStop,
		TimeQuota:  student.Codespace.TimeQuota,
		TimeUsed:   student.Codespace.TimeUsed,
		SpaceQuota: student.Codespace.SpaceQuota,
		SpaceUsed:  student.Codespace.SpaceUsed,
	}
}

func (h *Handler) handleCodespaceInfo(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	student, err := h.store.Read(r.Context(), sid)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "not_found", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, buildCodespaceInfo(student))
}

func (h *Handler) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")

	var req struct {
		TimeQuota int64 `json:"time_quota" validate:"gte=0"`
	}
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	student, err := h.store.Read(r.Context(), sid)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "not_found", err.Error())
		return
	}
	student.Codespace.TimeQuota = req.TimeQuota
	if err := h.store.Write(r.Context(), student); err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result := batchResult{Success: []string{}, Failed: []batchFailure{}}
	for _, sid := range req.IDs {
		if err := h.ctl.Start(r.Context(), sid); err != nil {
			result.Failed = append(result.Failed, batchFailure{ID: sid, Reason: err.Error()})
			continue
		}
		result.Success = append(result.Success, sid)
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result := batchResult{Success: []string{}, Failed: []batchFailure{}}
	for _, sid := range req.IDs {
		if err := h.ctl.Stop(r.Context(), sid); err != nil {
			result.Failed = append(result.Failed, batchFailure{ID: sid, Reason: err.Error()})
			continue
		}
		result.Success = append(result.Success, sid)
	}
	httpserver.Respond(w, http.StatusOK, result)
}

// reconcileResult reports the orphaned workloads released during a pass.
type reconcileResult struct {
	Released []string `json:"released"`
}

// handleReconcile diffs the orchestrator's list() against the store's
// roster and releases any workload whose owning sid no longer has a
// record — the administrative cleanup pass for ghost workloads left by a
// crash between record deletion and workload release.
func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.store.AllIDs(ctx)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "internal_error", err.Error())
		return
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	jobs, err := h.adapter.List(ctx)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "internal_error", err.Error())
		return
	}

	result := reconcileResult{Released: []string{}}
	for _, job := range jobs {
		if known[job.UserID] {
			continue
		}
		if err := h.adapter.Release(ctx, job.Name); err != nil {
			h.logger.Warn("reconcile: releasing orphaned workload failed", "name", job.Name, "error", err)
			continue
		}
		result.Released = append(result.Released, job.Name)
	}

	httpserver.Respond(w, http.StatusOK, result)
}
