package token

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/keys"
)

const tracerName = "github.com/StricklySoft/cell-sts/pkg/token"

// DefaultTTL is the lifetime of a token minted without an explicit expiry.
const DefaultTTL = 1200 * time.Second

// Issuer signs tokens with a cell's private key. It is safe for concurrent
// use; each [Builder] it hands out is not.
type Issuer struct {
	keys            keys.Provider
	defaultIssuer   string
	defaultAudience string
	ttl             time.Duration
	now             func() time.Time
	newID           func() string
	tracer          trace.Tracer
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithDefaultIssuer overrides [DefaultGlobalIssuer].
func WithDefaultIssuer(iss string) IssuerOption {
	return func(i *Issuer) { i.defaultIssuer = iss }
}

// WithDefaultAudience overrides [DefaultAudience].
func WithDefaultAudience(aud string) IssuerOption {
	return func(i *Issuer) { i.defaultAudience = aud }
}

// WithTTL overrides [DefaultTTL].
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) { i.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer returns an Issuer backed by provider.
func NewIssuer(provider keys.Provider, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		keys:            provider,
		defaultIssuer:   DefaultGlobalIssuer,
		defaultAudience: DefaultAudience,
		ttl:             DefaultTTL,
		now:             time.Now,
		newID:           uuid.NewString,
		tracer:          otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewBuilder starts a token.
func (i *Issuer) NewBuilder() *Builder {
	return &Builder{issuer: i, ttl: i.ttl}
}

// Mint implements [Minter] using the Issuer's defaults for anything req
// leaves empty.
func (i *Issuer) Mint(ctx context.Context, req MintRequest) (string, error) {
	return i.NewBuilder().
		Subject(req.Subject).
		Issuer(req.Issuer).
		Audience(req.Audience...).
		Scope(req.Scope...).
		Build(ctx)
}

// Builder accumulates the claims of one token.
type Builder struct {
	issuer   *Issuer
	subject  string
	iss      string
	audience []string
	scope    []string
	ttl      time.Duration
	extra    map[string]any
}

// Subject sets sub.
func (b *Builder) Subject(sub string) *Builder {
	b.subject = sub
	return b
}

// Audience appends audiences. Empty strings are ignored.
func (b *Builder) Audience(aud ...string) *Builder {
	for _, a := range aud {
		if a = strings.TrimSpace(a); a != "" {
			b.audience = append(b.audience, a)
		}
	}
	return b
}

// ExpiryInSeconds sets the lifetime. Values <= 0 keep the default.
func (b *Builder) ExpiryInSeconds(secs int64) *Builder {
	if secs > 0 {
		b.ttl = time.Duration(secs) * time.Second
	}
	return b
}

// Issuer overrides the issuer default. An empty value keeps it.
func (b *Builder) Issuer(iss string) *Builder {
	if iss != "" {
		b.iss = iss
	}
	return b
}

// Scope appends scopes.
func (b *Builder) Scope(scope ...string) *Builder {
	for _, s := range scope {
		if s = strings.TrimSpace(s); s != "" {
			b.scope = append(b.scope, s)
		}
	}
	return b
}

// Claim sets a custom claim. Reserved claims (jti, iss, sub, aud, iat,
// exp, scope, keytype) cannot be set this way and are ignored.
func (b *Builder) Claim(name string, value any) *Builder {
	if _, reserved := reservedClaims[name]; reserved {
		return b
	}
	if b.extra == nil {
		b.extra = make(map[string]any)
	}
	b.extra[name] = value
	return b
}

// claims fills in the mandatory claims for a token issued at now.
func (b *Builder) claims(now time.Time) *Claims {
	iss := b.iss
	if iss == "" {
		iss = b.issuer.defaultIssuer
	}
	aud := b.audience
	if len(aud) == 0 {
		aud = []string{b.issuer.defaultAudience}
	}
	iat := now.Unix()
	return &Claims{
		ID:        b.issuer.newID(),
		Issuer:    iss,
		Subject:   b.subject,
		Audience:  append([]string(nil), aud...),
		IssuedAt:  iat,
		ExpiresAt: iat + int64(b.ttl/time.Second),
		Scope:     append([]string(nil), b.scope...),
		KeyType:   KeyTypeProduction,
		Extra:     b.extra,
	}
}

// Build signs the token with RS256. The header carries kid and x5t, both
// set to the signing certificate's thumbprint. A missing private key
// fails with [sserr.CodeInternalConfiguration].
func (b *Builder) Build(ctx context.Context) (string, error) {
	_, span := b.issuer.tracer.Start(ctx, "token.Build")
	defer span.End()

	m, err := b.issuer.keys.Material()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	c := b.claims(b.issuer.now())
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, c.Map())
	thumb := m.Thumbprint()
	t.Header["kid"] = thumb
	t.Header["x5t"] = thumb

	signed, err := t.SignedString(m.PrivateKey)
	if err != nil {
		wrapped := sserr.Wrap(err, sserr.CodeInternalConfiguration, "token: signing failed")
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return "", wrapped
	}
	return signed, nil
}
