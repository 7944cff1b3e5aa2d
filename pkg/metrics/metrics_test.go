package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveDecision(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.ObserveDecision("inbound", "deny", "token_expired", 3*time.Millisecond)
	m.ObserveDecision("inbound", "deny", "token_expired", time.Millisecond)
	m.ObserveDecision("outbound", "ok", "", time.Millisecond)

	expected := `
# HELP cell_sts_decisions_total Check decisions by direction, outcome and denial reason
# TYPE cell_sts_decisions_total counter
cell_sts_decisions_total{direction="inbound",outcome="deny",reason="token_expired"} 2
cell_sts_decisions_total{direction="outbound",outcome="ok",reason=""} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.DecisionsTotal, strings.NewReader(expected)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.DecisionDuration))
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.JWKSFetch(nil)
	m.JWKSFetch(errors.New("refused"))
	m.ContextLookup(true)
	m.ContextLookup(false)
	m.ContextLookup(false)
	m.PolicyCall("unreachable")
	m.TokenMinted("local", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JWKSFetchesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JWKSFetchesTotal.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ContextStoreTotal.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyCallsTotal.WithLabelValues("unreachable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensMinted.WithLabelValues("local", "success")))
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("inbound", "ok", "", time.Millisecond)
		m.JWKSFetch(nil)
		m.ContextLookup(true)
		m.PolicyCall("allow")
		m.TokenMinted("remote", errors.New("x"))
	})
}

func TestHandler_ServesRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.PolicyCall("allow")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), `cell_sts_policy_calls_total{result="allow"} 1`)
}
