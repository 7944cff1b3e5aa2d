package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/StricklySoft/cell-sts/pkg/audit"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/lifecycle"
	"github.com/StricklySoft/cell-sts/pkg/metrics"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// HealthReporter is satisfied by [*lifecycle.Process].
type HealthReporter interface {
	Info(ctx context.Context) lifecycle.Info
}

// AuditQuerier is satisfied by [*audit.PostgresRecorder].
type AuditQuerier interface {
	ByRequest(ctx context.Context, requestID string, limit int) ([]audit.Entry, error)
}

// AdminOptions selects the admin routes. Nil fields drop their route,
// except Health which is required.
type AdminOptions struct {
	Health   HealthReporter
	Gatherer prometheus.Gatherer
	// Token serves POST /token.
	Token http.Handler
	// Audit serves GET /audit/{requestID}.
	Audit AuditQuerier
	// AuditValidator, when set, guards /audit with a bearer token issued
	// by AuditIssuer.
	AuditValidator TokenValidator
	AuditIssuer    string
	Logger         *slog.Logger
}

// NewAdminHandler returns the admin router:
//
//	GET  /healthz             process state, 200 when running, 503 otherwise
//	GET  /metrics             prometheus exposition
//	POST /token               remote token endpoint
//	GET  /audit/{requestID}   recorded decisions, newest first (?limit=)
func NewAdminHandler(opts AdminOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()
	r.Use(recoverer(logger), accessLog(logger))

	r.HandleFunc("/healthz", healthz(opts.Health)).Methods(http.MethodGet, http.MethodHead)
	if opts.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(opts.Gatherer)).Methods(http.MethodGet)
	}
	if opts.Token != nil {
		r.Handle("/token", opts.Token)
	}
	if opts.Audit != nil {
		sub := r.PathPrefix("/audit").Subrouter()
		sub.Use(requireToken(opts.AuditValidator, opts.AuditIssuer, logger))
		sub.HandleFunc("/{requestID}", auditByRequest(opts.Audit, logger)).Methods(http.MethodGet)
	}

	return otelhttp.NewHandler(r, "admin")
}

// NewJWKSHandler wraps the key set publisher. The publisher answers every
// path, so no router is involved.
func NewJWKSHandler(publisher http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return otelhttp.NewHandler(recoverer(logger)(publisher), "jwks")
}

func healthz(h HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := h.Info(r.Context())
		status := http.StatusOK
		if info.State != lifecycle.StateRunning {
			status = http.StatusServiceUnavailable
		}
		for _, c := range info.Components {
			if !c.Healthy {
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, info)
	}
}

func auditByRequest(q AuditQuerier, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(mux.Vars(r)["requestID"])
		limit := defaultAuditLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, sserr.Newf(sserr.CodeValidationFormat, "server: invalid limit %q", v))
				return
			}
			limit = min(n, maxAuditLimit)
		}

		entries, err := q.ByRequest(r.Context(), requestID, limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "server: audit query failed", "request_id", requestID, "error", err)
			writeError(w, sserr.Wrap(err, sserr.CodeUnavailableDependency, "server: audit store unavailable"))
			return
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"requestId": requestID,
			"entries":   entries,
			"count":     len(entries),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err *sserr.Error) {
	writeJSON(w, err.HTTPStatus(), errorBody{Code: err.Code.String(), Message: err.Message})
}
