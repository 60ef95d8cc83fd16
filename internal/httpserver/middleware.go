package httpserver

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Nickchen-PUSH/yatcc-se/internal/apierrors"
	"github.com/Nickchen-PUSH/yatcc-se/internal/telemetry"
	"github.com/Nickchen-PUSH/yatcc-se/pkg/authtoken"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sidKey       contextKey = "sid"
)

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// SIDFromContext extracts the authenticated student id set by RequireStudentAuth.
func SIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sidKey).(string); ok {
		return v
	}
	return ""
}

// RequestID injects a unique request ID into each request's context and response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger logs every request with method, path, status, and duration.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

// Metrics records request duration to Prometheus.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		routePath := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			if pattern := routeCtx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}

		telemetry.HTTPRequestDuration.WithLabelValues(
			r.Method,
			routePath,
			strconv.Itoa(sw.status),
		).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// RequireAdminAuth compares ADM-API-KEY (header, cookie, or query) against
// adminKey in constant time. Any mismatch or absence is a 401.
func RequireAdminAuth(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("ADM-API-KEY")
			if presented == "" {
				if c, err := r.Cookie("ADM-API-KEY"); err == nil {
					presented = c.Value
				}
			}
			if presented == "" {
				presented = r.URL.Query().Get("ADM-API-KEY")
			}

			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(adminKey)) != 1 {
				RespondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid ADM-API-KEY")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireStudentAuth verifies X-API-KEY via the auth token codec and stores
// the resolved sid in the request context.
func RequireStudentAuth(codec *authtoken.Codec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-API-KEY")
			if token == "" {
				RespondError(w, http.StatusUnauthorized, "unauthorized", "missing X-API-KEY")
				return
			}

			sid, err := codec.Verify(token)
			if err != nil {
				status := http.StatusUnauthorized
				if apierrors.Is(err, apierrors.KindAuthFailed) {
					status = http.StatusUnauthorized
				}
				RespondError(w, status, "unauthorized", "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), sidKey, sid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
