package jwks

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/StricklySoft/cell-sts/internal/httpx"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/metrics"
)

const tracerName = "github.com/StricklySoft/cell-sts/pkg/jwks"

// KeySet is a parsed remote key set. It is immutable once fetched.
type KeySet struct {
	URI       string
	FetchedAt time.Time
	keys      map[string]any
}

// Key returns the public key published under kid.
func (k *KeySet) Key(kid string) (any, bool) {
	if k == nil {
		return nil, false
	}
	key, ok := k.keys[kid]
	return key, ok
}

// Len returns the number of usable keys.
func (k *KeySet) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}

// Only returns the key when the set holds exactly one. Tokens that carry
// no kid are verified against it.
func (k *KeySet) Only() (any, bool) {
	if k.Len() != 1 {
		return nil, false
	}
	for _, key := range k.keys {
		return key, true
	}
	return nil, false
}

// RemoteKeySource keeps one cached [KeySet] per JWKS URI. Concurrent
// fetches of the same URI share a single request. It is safe for
// concurrent use.
type RemoteKeySource struct {
	client  *httpx.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu    sync.RWMutex
	cache map[string]*KeySet
	group singleflight.Group
}

// Option configures a RemoteKeySource.
type Option func(*RemoteKeySource)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *RemoteKeySource) { s.logger = l }
}

// WithMetrics records fetch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *RemoteKeySource) { s.metrics = m }
}

// NewRemoteKeySource returns an empty cache that fetches through client.
// A nil client gets httpx defaults: 1s connect and read timeouts, a 1 MiB
// body cap and one retry.
func NewRemoteKeySource(client *httpx.Client, opts ...Option) *RemoteKeySource {
	if client == nil {
		client = httpx.New(nil)
	}
	s := &RemoteKeySource{
		client: client,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		cache:  make(map[string]*KeySet),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the cached key set for uri, fetching it on first use.
func (s *RemoteKeySource) Resolve(ctx context.Context, uri string) (*KeySet, error) {
	s.mu.RLock()
	set, ok := s.cache[uri]
	s.mu.RUnlock()
	if ok {
		return set, nil
	}
	return s.load(ctx, uri)
}

// ForceRefresh evicts uri and fetches it again. On failure the entry stays
// evicted so the next Resolve retries.
func (s *RemoteKeySource) ForceRefresh(ctx context.Context, uri string) (*KeySet, error) {
	s.Invalidate(uri)
	return s.load(ctx, uri)
}

// Invalidate drops the cached entry for uri.
func (s *RemoteKeySource) Invalidate(uri string) {
	s.mu.Lock()
	delete(s.cache, uri)
	s.mu.Unlock()
}

// load fetches uri once for every concurrent caller. The shared fetch is
// detached from the caller that started it and bounded by the HTTP
// client's timeouts; each caller still stops waiting when its own ctx ends.
func (s *RemoteKeySource) load(ctx context.Context, uri string) (*KeySet, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(uri, func() (any, error) {
		set, err := s.fetch(fetchCtx, uri)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[uri] = set
		s.mu.Unlock()
		return set, nil
	})
	select {
	case <-ctx.Done():
		return nil, sserr.Wrapf(ctx.Err(), sserr.CodeUnavailableKeys, "jwks: gave up waiting for %s", uri)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	}
}

func (s *RemoteKeySource) fetch(ctx context.Context, uri string) (set *KeySet, err error) {
	ctx, span := s.tracer.Start(ctx, "jwks.Fetch", trace.WithAttributes(attribute.String("jwks.uri", uri)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.JWKSFetch(err)
	}()

	resp, err := s.client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: uri})
	if err != nil {
		s.logger.Warn("jwks: fetch failed", "uri", uri, "error", err)
		return nil, sserr.Wrapf(err, sserr.CodeUnavailableKeys, "jwks: failed to fetch %s", uri)
	}
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("jwks: unexpected status", "uri", uri, "status", resp.StatusCode)
		return nil, sserr.Newf(sserr.CodeUnavailableKeys, "jwks: %s returned status %d", uri, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeUnavailableKeys, "jwks: %s returned an invalid key set", uri)
	}

	parsed := make(map[string]any, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Key == nil || !k.IsPublic() {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		parsed[strings.TrimSpace(k.KeyID)] = k.Key
	}
	if len(parsed) == 0 {
		return nil, sserr.Newf(sserr.CodeUnavailableKeys, "jwks: %s contained no usable keys", uri)
	}

	s.logger.Debug("jwks: fetched key set", "uri", uri, "keys", len(parsed))
	return &KeySet{URI: uri, FetchedAt: time.Now(), keys: parsed}, nil
}
