package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/cell-sts/internal/httpx"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/keys"
	"github.com/StricklySoft/cell-sts/pkg/metrics"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newMaterial(t *testing.T) *keys.Material {
	t.Helper()
	m, err := keys.Generate("cellA")
	require.NoError(t, err)
	return m
}

// countingServer publishes the given material and counts requests.
type countingServer struct {
	*httptest.Server
	hits atomic.Int32
	mu   sync.Mutex
	pub  *Publisher
}

func newCountingServer(t *testing.T, m *keys.Material) *countingServer {
	t.Helper()
	cs := &countingServer{pub: NewPublisher(keys.NewStaticProvider(m), nil)}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		cs.mu.Lock()
		pub := cs.pub
		cs.mu.Unlock()
		pub.ServeHTTP(w, r)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *countingServer) rotate(m *keys.Material) {
	cs.mu.Lock()
	cs.pub = NewPublisher(keys.NewStaticProvider(m), nil)
	cs.mu.Unlock()
}

func fastClient() *httpx.Client {
	return httpx.New(nil, httpx.WithRetryDelay(time.Millisecond))
}

// ---------------------------------------------------------------------------
// Publisher
// ---------------------------------------------------------------------------

func TestPublisher_ServesSingleRSAKey(t *testing.T) {
	t.Parallel()

	m := newMaterial(t)
	rec := httptest.NewRecorder()
	NewPublisher(keys.NewStaticProvider(m), nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/any/path", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc struct {
		Keys []map[string]string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Keys, 1)
	k := doc.Keys[0]
	assert.Equal(t, "RSA", k["kty"])
	assert.Equal(t, "sig", k["use"])
	assert.Equal(t, "RS256", k["alg"])
	assert.Equal(t, m.Thumbprint(), k["kid"])
	assert.NotEmpty(t, k["n"])
	assert.Equal(t, "AQAB", k["e"])
}

func TestPublisher_NoKeyMaterial(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewPublisher(keys.NewStaticProvider(nil), nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// ---------------------------------------------------------------------------
// RemoteKeySource
// ---------------------------------------------------------------------------

func TestRemoteKeySource_ResolveCaches(t *testing.T) {
	t.Parallel()

	m := newMaterial(t)
	srv := newCountingServer(t, m)
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	src := NewRemoteKeySource(fastClient(), WithMetrics(met))

	set, err := src.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)
	key, ok := set.Key(m.Thumbprint())
	require.True(t, ok)
	assert.True(t, key.(*rsa.PublicKey).Equal(m.PublicKey))

	again, err := src.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Same(t, set, again)
	assert.Equal(t, int32(1), srv.hits.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(met.JWKSFetchesTotal.WithLabelValues("success")))
}

func TestRemoteKeySource_ForceRefreshPicksUpNewKey(t *testing.T) {
	t.Parallel()

	first := newMaterial(t)
	srv := newCountingServer(t, first)
	src := NewRemoteKeySource(fastClient())

	_, err := src.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)

	second := newMaterial(t)
	srv.rotate(second)

	stale, err := src.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)
	_, ok := stale.Key(second.Thumbprint())
	assert.False(t, ok)

	fresh, err := src.ForceRefresh(context.Background(), srv.URL)
	require.NoError(t, err)
	_, ok = fresh.Key(second.Thumbprint())
	assert.True(t, ok)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestRemoteKeySource_ConcurrentResolveSharesFetch(t *testing.T) {
	t.Parallel()

	m := newMaterial(t)
	gate := make(chan struct{})
	var hits atomic.Int32
	pub := NewPublisher(keys.NewStaticProvider(m), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		pub.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	src := NewRemoteKeySource(httpx.New(nil, httpx.WithTimeout(5*time.Second)))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := src.Resolve(context.Background(), srv.URL)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestRemoteKeySource_CancelledCallerDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	m := newMaterial(t)
	gate := make(chan struct{})
	var hits atomic.Int32
	pub := NewPublisher(keys.NewStaticProvider(m), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		pub.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	src := NewRemoteKeySource(httpx.New(nil, httpx.WithTimeout(5*time.Second)))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := src.Resolve(firstCtx, srv.URL)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := src.Resolve(context.Background(), srv.URL)
		secondErr <- err
	}()

	cancelFirst()
	err := <-firstErr
	assert.Equal(t, sserr.CodeUnavailableKeys, sserr.GetCode(err))

	close(gate)
	require.NoError(t, <-secondErr)
	assert.Equal(t, int32(1), hits.Load())

	set, err := src.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, int32(1), hits.Load())
}

func TestRemoteKeySource_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) }},
		{"invalid json", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{")) }},
		{"empty set", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"keys":[]}`)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			src := NewRemoteKeySource(fastClient())
			_, err := src.Resolve(context.Background(), srv.URL)
			assert.Equal(t, sserr.CodeUnavailableKeys, sserr.GetCode(err))
		})
	}
}

func TestRemoteKeySource_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRemoteKeySource(fastClient()).Resolve(context.Background(), url)
	assert.Equal(t, sserr.CodeUnavailableKeys, sserr.GetCode(err))
}

func TestRemoteKeySource_SkipsEncryptionKeys(t *testing.T) {
	t.Parallel()

	m := newMaterial(t)
	other := newMaterial(t)
	doc := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: m.PublicKey, KeyID: "sig-key", Algorithm: "RS256", Use: "sig"},
		{Key: other.PublicKey, KeyID: "enc-key", Algorithm: "RSA-OAEP", Use: "enc"},
	}}
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	set, err := NewRemoteKeySource(fastClient()).Resolve(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	_, ok := set.Only()
	assert.True(t, ok)
	_, ok = set.Key("enc-key")
	assert.False(t, ok)
}
