package server

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/token"
)

// TokenValidator checks a bearer token against an expected issuer.
type TokenValidator interface {
	Validate(ctx context.Context, raw, expectedIssuer string) (*token.Claims, error)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// recoverer turns a handler panic into a 500 with a coded body.
func recoverer(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.ErrorContext(r.Context(), "server: handler panicked",
						"path", r.URL.Path,
						"panic", p,
						"stack", string(debug.Stack()),
					)
					writeError(w, sserr.Internal("server: internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// accessLog logs each request at debug level.
func accessLog(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.DebugContext(r.Context(), "server: request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// requireToken admits requests carrying a bearer token that validates
// against issuer. A nil validator admits everything.
func requireToken(validator TokenValidator, issuer string, logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, sserr.Unauthorized("server: missing bearer token"))
				return
			}
			if _, err := validator.Validate(r.Context(), raw, issuer); err != nil {
				reason := "invalid_token"
				if kind, ok := token.KindOf(err); ok {
					reason = kind.String()
				}
				logger.WarnContext(r.Context(), "server: admin token rejected",
					"path", r.URL.Path,
					"reason", reason,
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeError(w, sserr.Unauthorized("server: invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
