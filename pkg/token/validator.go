package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/jwks"
)

// DefaultJWKSURLTemplate maps an issuer name to its JWKS endpoint.
const DefaultJWKSURLTemplate = "http://{issuer}:8090/"

// KeyResolver is the subset of [jwks.RemoteKeySource] the validator uses.
type KeyResolver interface {
	Resolve(ctx context.Context, uri string) (*jwks.KeySet, error)
	ForceRefresh(ctx context.Context, uri string) (*jwks.KeySet, error)
}

// Locator derives the JWKS URI of an issuer.
type Locator struct {
	// Template contains the literal "{issuer}", replaced by the issuer
	// name.
	Template string

	// GlobalIssuer and GlobalURL, when both set, route the global issuer
	// to a fixed JWKS endpoint.
	GlobalIssuer string
	GlobalURL    string
}

// URL returns the JWKS URI for issuer.
func (l Locator) URL(issuer string) string {
	if l.GlobalURL != "" && strings.EqualFold(issuer, l.GlobalIssuer) {
		return l.GlobalURL
	}
	tmpl := l.Template
	if tmpl == "" {
		tmpl = DefaultJWKSURLTemplate
	}
	return strings.ReplaceAll(tmpl, "{issuer}", strings.ToLower(issuer))
}

// Validator checks tokens presented to this cell. Checks run in a fixed
// order and the first failure wins:
//
//  1. non-empty
//  2. issuer equals the expected issuer (case-insensitive)
//  3. one audience equals this cell's name (case-insensitive)
//  4. exp is strictly after now
//  5. RS256 signature verifies against the issuer's JWKS
//
// When the signature check fails, the issuer's key set is refreshed once
// and the check repeated; a second failure is final.
type Validator struct {
	cellName string
	keys     KeyResolver
	locator  Locator
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorClock replaces time.Now.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// NewValidator returns a Validator for tokens addressed to cellName.
func NewValidator(cellName string, resolver KeyResolver, locator Locator, opts ...ValidatorOption) *Validator {
	v := &Validator{
		cellName: cellName,
		keys:     resolver,
		locator:  locator,
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every check against raw and returns its claims. Failures
// are *ValidationError values.
func (v *Validator) Validate(ctx context.Context, raw, expectedIssuer string) (claims *Claims, err error) {
	ctx, span := v.tracer.Start(ctx, "token.Validate",
		trace.WithAttributes(attribute.String("token.expected_issuer", expectedIssuer)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(raw) == "" {
		return nil, newValidationError(KindEmpty, nil, "token: no token presented")
	}

	claims, perr := ParseUnverified(raw)
	if perr != nil {
		return nil, newValidationError(KindMalformed, perr, "token: token cannot be decoded")
	}

	if !strings.EqualFold(claims.Issuer, expectedIssuer) {
		return nil, newValidationError(KindIssuerMismatch, nil,
			fmt.Sprintf("token: issuer %q does not match expected %q", claims.Issuer, expectedIssuer))
	}

	if !claims.HasAudience(v.cellName) {
		return nil, newValidationError(KindAudienceMismatch, nil,
			fmt.Sprintf("token: audience %v does not include %q", claims.Audience, v.cellName))
	}

	if !time.Unix(claims.ExpiresAt, 0).After(v.now()) {
		return nil, newValidationError(KindExpired, nil, "token: token has expired")
	}

	if err := v.verifySignature(ctx, raw, claims.Issuer); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Validator) verifySignature(ctx context.Context, raw, issuer string) *ValidationError {
	uri := v.locator.URL(issuer)

	err := v.verifyWith(ctx, raw, uri, v.keys.Resolve)
	if err == nil {
		return nil
	}
	if isFetchFailure(err) {
		return newValidationError(KindJWKSFetchFailed, err, "token: issuer keys unavailable")
	}

	v.logger.Debug("token: signature check failed, refreshing issuer keys",
		"issuer", issuer, "jwks_uri", uri, "error", err)

	err = v.verifyWith(ctx, raw, uri, v.keys.ForceRefresh)
	if err == nil {
		return nil
	}
	if isFetchFailure(err) {
		return newValidationError(KindJWKSFetchFailed, err, "token: issuer keys unavailable")
	}
	return newValidationError(KindSignatureInvalid, err, "token: signature verification failed")
}

type resolveFunc func(ctx context.Context, uri string) (*jwks.KeySet, error)

var errKeyNotFound = errors.New("token: signing key not published by issuer")

func (v *Validator) verifyWith(ctx context.Context, raw, uri string, resolve resolveFunc) error {
	_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		set, err := resolve(ctx, uri)
		if err != nil {
			return nil, err
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			kid, _ = t.Header["x5t"].(string)
		}
		if kid != "" {
			if key, ok := set.Key(kid); ok {
				return key, nil
			}
			return nil, errKeyNotFound
		}
		if key, ok := set.Only(); ok {
			return key, nil
		}
		return nil, errKeyNotFound
	},
		jwt.WithValidMethods([]string{jwks.Algorithm}),
		jwt.WithoutClaimsValidation(),
	)
	return err
}

func isFetchFailure(err error) bool {
	return sserr.HasCode(err, sserr.CodeUnavailableKeys)
}
