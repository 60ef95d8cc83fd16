// Package studentapi is the student-facing HTTP surface: login, profile,
// and a student's own codespace lifecycle, scoped to the sid resolved by
// the X-API-KEY token.
package studentapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
	"github.com/Nickchen-PUSH/yatcc-se/internal/httpserver"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/authtoken"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/controller"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/pwdhash"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/store"
)

// Store is the subset of *store.Store the student surface depends on.
type Store interface {
	Read(ctx context.Context, sid string) (store.Student, error)
	Write(ctx context.Context, student store.Student) error
}

// Controller is the subset of *controller.Controller the student surface
// depends on.
type Controller interface {
	Start(ctx context.Context, sid string) error
	Stop(ctx context.Context, sid string) error
	GetURL(ctx context.Context, sid string) (controller.URLResult, error)
}

// Handler wires the student HTTP surface to the store, controller, and
// auth token codec.
type Handler struct {
	store Store
	ctl   Controller
	codec *authtoken.Codec
	log   *slog.Logger
}

// New builds a student Handler.
func New(st Store, ctl Controller, codec *authtoken.Codec, logger *slog.Logger) *Handler {
	return &Handler{store: st, ctl: ctl, codec: codec, log: logger}
}

// PublicRoutes returns the unauthenticated routes (login only).
func (h *Handler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.handleLogin)
	return r
}

// Routes returns the routes requiring student authentication. The caller
// mounts this behind RequireStudentAuth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/user", h.handleGetUser)
	r.Put("/user", h.handlePutUser)
	r.Patch("/user", h.handlePatchPassword)
	r.Get("/codespace", h.handleCodespaceRedirect)
	r.Post("/codespace", h.handleCodespaceStart)
	r.Delete("/codespace", h.handleCodespaceStop)
	r.Get("/codespace/info", h.handleCodespaceInfo)
	r.Post("/codespace/keepalive", h.handleKeepalive)
	return r
}

type loginRequest struct {
	SID string `json:"sid" validate:"required"`
	Pwd string `json:"pwd" validate:"required"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	student, err := h.store.Read(r.Context(), req.SID)
	if err != nil {
		if apierrors.Is(err, apierrors.KindNotFound) {
			httpserver.RespondError(w, http.StatusForbidden, "forbidden", "unknown student")
			return
		}
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "internal_error", err.Error())
		return
	}

	if !pwdhash.Check(student.PwdHash, req.Pwd) {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "wrong password")
		return
	}

	token, err := h.codec.Encode(req.SID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "encoding token failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(token))
}

type userProfile struct {
	Name string `json:"name"`
	Mail string `json:"mail"`
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	sid := httpserver.SIDFromContext(r.Context())
	student, err := h.store.Read(r.Context(), sid)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "not_found", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, userProfile{Name: student.UserInfo.Name, Mail: student.UserInfo.Mail})
}

func (h *Handler) handlePutUser(w http.ResponseWriter, r *http.Request) {
	sid := httpserver.SIDFromContext(r.Context())

	var req struct {
		Name string `json:"name" validate:"required,max=32"`
		Mail string `json:"mail" validate:"required,max=32"`
	}
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	student, err := h.store.Read(r.Context(), sid)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "not_found", err.Error())
		return
	}
	student.UserInfo.Name = req.Name
	student.UserInfo.Mail = req.Mail
	if err := h.store.Write(r.Context(), student); err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, userProfile{Name: student.UserInfo.Name, Mail: student.UserInfo.Mail})
}

func (h *Handler) handlePatchPassword(w http.ResponseWriter, r *http.Request) {
	sid := httpserver.SIDFromContext(r.Context())

	var req struct {
		OldPwd string `json:"old_pwd" validate:"required"`
		NewPwd string `json:"new_pwd" validate:"required"`
	}
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	student, err := h.store.Read(r.Context(), sid)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "not_found", err.Error())
		return
	}

	if !pwdhash.Check(student.PwdHash, req.OldPwd) {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "old password does not match")
		return
	}

	hash, err := pwdhash.Hash(req.NewPwd)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "hashing password failed")
		return
	}
	student.PwdHash = hash
	if err := h.store.Write(r.Context(), student); err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) handleCodespaceRedirect(w http.ResponseWriter, r *http.Request) {
	sid := httpserver.SIDFromContext(r.Context())
	res, err := h.ctl.GetURL(r.Context(), sid)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "not_found", err.Error())
		return
	}

	switch res.Kind {
	case controller.URLKnown:
		http.Redirect(w, r, res.URL, http.StatusFound)
	case controller.URLPending:
		http.Redirect(w, r, "/codespace/info", http.StatusTemporaryRedirect)
	default:
		http.Redirect(w, r, "/codespace/info", http.StatusSeeOther)
	}
}

func (h *Handler) handleCodespaceStart(w http.ResponseWriter, r *http.Request) {
	sid := httpserver.SIDFromContext(r.Context())
	err := h.ctl.Start(r.Context(), sid)
	switch {
	case err == nil:
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "started"})
	case apierrors.Is(err, apierrors.KindNoop):
		httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "already_running"})
	case apierrors.Is(err, apierrors.KindQuotaExceeded):
		httpserver.RespondError(w, http.StatusPaymentRequired, "quota_exceeded", err.Error())
	default:
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "start_failed", err.Error())
	}
}

func (h *Handler) handleCodespaceStop(w http.ResponseWriter, r *http.Request) {
	sid := httpserver.SIDFromContext(r.Context())
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

type codespaceInfo struct {
	AccessURL  any     `json:"access_url"`
	LastStart  float64 `json:"last_start"`
	LastStop   float64 `json:"last_stop"`
	TimeQuota  int64   `json:"time_quota"`
	TimeUsed   int64   `json:"time_used"`
	SpaceQuota int64   `json:"space_quota"`
	SpaceUsed  int64   `json:"space_used"`
}

func (h *Handler) handleCodespaceInfo(w http.ResponseWriter, r *http.Request) {
	sid := httpserver.SIDFromContext(r.Context())
	student, err := h.store.Read(r.Context(), sid)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "not_found", err.Error())
		return
	}

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

	httpserver.Respond(w, http.StatusOK, codespaceInfo{
		AccessURL:  accessURL,
		LastStart:  student.Codespace.LastStart,
		LastStop:   student.Codespace.LastStop,
		TimeQuota:  student.Codespace.TimeQuota,
		TimeUsed:   student.Codespace.TimeUsed,
		SpaceQuota: student.Codespace.SpaceQuota,
		SpaceUsed:  student.Codespace.SpaceUsed,
	})
}

// handleKeepalive bumps last_active. Purely informational: it does not
// extend time_quota or otherwise affect eviction.
func (h *Handler) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	sid := httpserver.SIDFromContext(r.Context())
	student, err := h.store.Read(r.Context(), sid)
	if err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "not_found", err.Error())
		return
	}
	student.Codespace.LastActive = float64(time.Now().UnixNano()) / 1e9
	if err := h.store.Write(r.Context(), student); err != nil {
		httpserver.RespondError(w, apierrors.HTTPStatus(err), "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
