package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/debitum/syncengine/internal/apperrors"
	"github.com/debitum/syncengine/internal/authtoken"
	"github.com/debitum/syncengine/internal/logging"
	"github.com/debitum/syncengine/internal/ratelimit"
)

const traceIDHeader = "X-Trace-ID"

type traceIDKey struct{}

// responseWriter wraps http.ResponseWriter to capture the status code
// written, the way the teacher's logging middleware does.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware assigns a trace id to every request, injects it into
// the request context and the response header, and logs method/path/
// status/duration once the handler returns.
func loggingMiddleware(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(traceIDHeader)
			if traceID == "" {
				traceID = uuid.NewString()
			}
			w.Header().Set(traceIDHeader, traceID)
			r = r.WithContext(context.WithValue(r.Context(), traceIDKey{}, traceID))

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r)
			duration := time.Since(start)

			if log != nil {
				log.WithField("trace_id", traceID).
					WithField("method", r.Method).
					WithField("path", r.URL.Path).
					WithField("status", wrapped.status).
					WithField("duration_ms", duration.Milliseconds()).
					Info("http request")
			}
			recordRequest(r.URL.Path, r.Method, wrapped.status, duration)
		})
	}
}

// recoveryMiddleware converts a panic in any downstream handler into a
// DEBITUM_INTERNAL response instead of crashing the process.
func recoveryMiddleware(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if log != nil {
						log.WithField("panic", rec).WithField("path", r.URL.Path).Error("recovered from panic")
					}
					writeError(w, apperrors.New(apperrors.Code("DEBITUM_INTERNAL"), "internal error", http.StatusInternalServerError))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware requires a valid `Bearer <token>` Authorization header and
// attaches the authenticated user id to the request context.
func authMiddleware(tokens *authtoken.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			var rawToken string
			switch {
			case strings.HasPrefix(header, prefix):
				rawToken = strings.TrimPrefix(header, prefix)
			case r.URL.Query().Get("token") != "":
				// Websocket handshakes can't set arbitrary headers from a
				// browser, so realtime.subscribe also accepts ?token=.
				rawToken = r.URL.Query().Get("token")
			default:
				writeError(w, apperrors.NewAuthDeclined("missing bearer token"))
				return
			}
			userID, err := tokens.Verify(rawToken)
			if err != nil {
				writeError(w, err)
				return
			}
			r = r.WithContext(withUserID(r.Context(), userID))
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware throttles requests per client IP (spec §6 rate
// limiting). A nil limiter passes every request through.
func rateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow(clientIP(r)) {
				rateLimitRejectedTotal.Inc()
				writeError(w, apperrors.NewRateLimited())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
