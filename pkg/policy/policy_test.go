package policy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/cell-sts/internal/httpx"
	"github.com/StricklySoft/cell-sts/internal/testutil"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/metrics"
)

func sampleInput() Input {
	return Input{
		RequestID:   "r1",
		Direction:   "inbound",
		Source:      Workload{Cell: "cella", Workload: "cella--orders"},
		Destination: Workload{Cell: "cellb", Workload: "cellb--hr"},
		Context:     RequestContext{Host: "hr", Path: "/employees", Protocol: "HTTP/1.1", Method: "GET"},
		Headers:     map[string]string{"authorization": "Bearer a.b.c", "x-request-id": "r1"},
		Claims:      map[string]any{"sub": "alice"},
	}
}

func policyServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func fastClient() *httpx.Client {
	return httpx.New(nil, httpx.WithTimeout(500*time.Millisecond), httpx.WithRetryDelay(time.Millisecond))
}

// ---------------------------------------------------------------------------
// Request contract
// ---------------------------------------------------------------------------

func TestAuthorize_PostsInputDocument(t *testing.T) {
	t.Parallel()

	var got map[string]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"result":{}}`)
	}))
	t.Cleanup(srv.Close)

	dec, err := NewClient(srv.URL, fastClient()).Authorize(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	input := got["input"]
	require.NotNil(t, input)
	assert.Equal(t, "r1", input["requestId"])
	assert.Equal(t, map[string]any{"cell": "cellb", "workload": "cellb--hr", "external": false}, input["destination"])
	assert.Equal(t, map[string]any{"sub": "alice"}, input["subjectClaims"])
	headers := input["requestHeaders"].(map[string]any)
	assert.NotContains(t, headers, "authorization")
	assert.Equal(t, "r1", headers["x-request-id"])
}

func TestRedact_DoesNotMutateCaller(t *testing.T) {
	t.Parallel()
	in := sampleInput()
	_ = redact(in)
	assert.Contains(t, in.Headers, "authorization")
}

// ---------------------------------------------------------------------------
// Interpretation
// ---------------------------------------------------------------------------

func TestAuthorize_Decisions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		allowed  bool
		deniedBy []string
	}{
		{"empty result", `{"result":{}}`, true, nil},
		{"missing result", `{}`, true, nil},
		{"all allow", `{"result":{"hr":{"deny":false},"geo":{"deny":false,"why":"ok"}}}`, true, nil},
		{"one deny", `{"result":{"hr":{"deny":true},"geo":{"deny":false}}}`, false, []string{"hr"}},
		{"many deny sorted", `{"result":{"zeta":{"deny":true},"alpha":{"deny":true}}}`, false, []string{"alpha", "zeta"}},
		{"non-object rule ignored", `{"result":{"allow":true,"hr":{"deny":false}}}`, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := policyServer(t, http.StatusOK, tt.body)
			dec, err := NewClient(srv.URL, fastClient()).Authorize(context.Background(), sampleInput())
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, dec.Allowed)
			assert.Equal(t, tt.deniedBy, dec.DeniedBy)
			if tt.allowed {
				assert.NoError(t, dec.Err())
			} else {
				testutil.AssertErrorCode(t, dec.Err(), sserr.CodeAuthorizationDenied)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Fail closed
// ---------------------------------------------------------------------------

func TestAuthorize_Unreachable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"not found", http.StatusNotFound, ""},
		{"bad json", http.StatusOK, "<html>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := policyServer(t, tt.status, tt.body)
			dec, err := NewClient(srv.URL, fastClient()).Authorize(context.Background(), sampleInput())
			testutil.AssertErrorCode(t, err, sserr.CodeAuthorizationPolicyUnreachable)
			assert.False(t, dec.Allowed)
		})
	}

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()
	_, err := NewClient(endpoint, fastClient()).Authorize(context.Background(), sampleInput())
	testutil.AssertErrorCode(t, err, sserr.CodeAuthorizationPolicyUnreachable)
}

func TestAuthorize_RetriesOnceOn5xx(t *testing.T) {
	t.Parallel()
	srv, calls := policyServer(t, http.StatusBadGateway, "")
	_, err := NewClient(srv.URL, fastClient()).Authorize(context.Background(), sampleInput())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAuthorize_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	client := httpx.New(nil, httpx.WithTimeout(50*time.Millisecond), httpx.WithRetryDelay(time.Millisecond))
	start := time.Now()
	_, err := NewClient(srv.URL, client).Authorize(context.Background(), sampleInput())
	testutil.AssertErrorCode(t, err, sserr.CodeAuthorizationPolicyUnreachable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAuthorize_Metrics(t *testing.T) {
	t.Parallel()
	m := metrics.New(prometheus.NewRegistry())

	allow, _ := policyServer(t, http.StatusOK, `{"result":{}}`)
	deny, _ := policyServer(t, http.StatusOK, `{"result":{"r":{"deny":true}}}`)
	down, _ := policyServer(t, http.StatusServiceUnavailable, "")

	for _, url := range []string{allow.URL, deny.URL, down.URL} {
		_, _ = NewClient(url, fastClient(), WithMetrics(m), WithLogger(testutil.DiscardLogger())).
			Authorize(context.Background(), sampleInput())
	}
	assert.Equal(t, 1.0, promtest.ToFloat64(m.PolicyCallsTotal.WithLabelValues("allow")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.PolicyCallsTotal.WithLabelValues("deny")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.PolicyCallsTotal.WithLabelValues("unreachable")))
}

func TestAllowAll(t *testing.T) {
	t.Parallel()

	var a Authorizer = AllowAll{}
	dec, err := a.Authorize(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}
