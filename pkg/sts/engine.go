// Package sts decides every check call a sidecar proxy sends to the Cell
// STS. Inbound calls have their bearer token validated (or compared with
// the token cached for the call chain) and authorized; outbound calls get
// a token attached that the destination cell will trust.
//
// Each step returns a *Denial value instead of failing with an error; the
// engine turns the first denial into a DENY response.
package sts

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/cell-sts/pkg/audit"
	"github.com/StricklySoft/cell-sts/pkg/contextstore"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/metrics"
	"github.com/StricklySoft/cell-sts/pkg/policy"
	"github.com/StricklySoft/cell-sts/pkg/token"
)

const tracerName = "github.com/StricklySoft/cell-sts/pkg/sts"

// Headers read from and written to proxied calls.
const (
	HeaderAuthorization = "authorization"
	HeaderSubject       = "x-subject"
	HeaderSubjectClaims = "x-subject-claims"
	bearerPrefix        = "bearer "
)

// TokenValidator is the subset of [token.Validator] the engine uses.
type TokenValidator interface {
	Validate(ctx context.Context, raw, expectedIssuer string) (*token.Claims, error)
}

// Engine is safe for concurrent use.
type Engine struct {
	cell         CellIdentity
	globalIssuer string
	validator    TokenValidator
	store        contextstore.Store
	minter       token.Minter
	minterName   string
	authorizer   policy.Authorizer
	requests     RequestValidator
	audit        audit.Recorder
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
	tracer       trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuthorizer sets the policy backend consulted on inbound calls. A nil
// authorizer keeps the default, which admits everything.
func WithAuthorizer(a policy.Authorizer) Option {
	return func(e *Engine) { e.authorizer = a }
}

// WithRequestValidator decides which inbound calls need a token.
func WithRequestValidator(v RequestValidator) Option {
	return func(e *Engine) { e.requests = v }
}

// WithGlobalIssuer sets the issuer expected from callers whose cell is
// unknown. Defaults to [token.DefaultGlobalIssuer].
func WithGlobalIssuer(iss string) Option {
	return func(e *Engine) { e.globalIssuer = iss }
}

// WithMinterName labels mint metrics ("local" or "remote").
func WithMinterName(name string) Option {
	return func(e *Engine) { e.minterName = name }
}

// WithAudit records every decision.
func WithAudit(r audit.Recorder) Option {
	return func(e *Engine) { e.audit = r }
}

// WithMetrics records decision metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an Engine for cell. validator checks presented tokens,
// store holds the identity context of call chains and minter signs
// outbound tokens.
func NewEngine(cell CellIdentity, validator TokenValidator, store contextstore.Store, minter token.Minter, opts ...Option) *Engine {
	e := &Engine{
		cell:         cell,
		globalIssuer: token.DefaultGlobalIssuer,
		validator:    validator,
		store:        store,
		minter:       minter,
		minterName:   "local",
		authorizer:   policy.AllowAll{},
		audit:        audit.Nop{},
		logger:       slog.Default(),
		now:          time.Now,
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.authorizer == nil {
		e.authorizer = policy.AllowAll{}
	}
	return e
}

// Decide runs the inbound or outbound logic for req and always returns a
// terminal response.
func (e *Engine) Decide(ctx context.Context, req *Request) *Response {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "sts.Decide", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	resp := &Response{Decision: DecisionOK}
	var denial *Denial
	switch {
	case req == nil || strings.TrimSpace(req.RequestID) == "":
		denial = deny(ReasonRequestMalformed, sserr.New(sserr.CodeValidationRequired, "sts: request id is required"))
	case req.Direction == DirectionInbound:
		denial = e.inbound(ctx, req, resp)
	case req.Direction == DirectionOutbound:
		denial = e.outbound(ctx, req, resp)
	default:
		denial = deny(ReasonRequestMalformed, sserr.New(sserr.CodeValidation, "sts: unknown call direction"))
	}

	if denial != nil {
		resp = &Response{Decision: DecisionDeny, Denial: denial, Subject: resp.Subject}
		span.RecordError(denial)
		span.SetStatus(codes.Error, denial.Reason)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	e.finish(ctx, span, req, resp, e.now().Sub(start))
	return resp
}

func (e *Engine) finish(ctx context.Context, span trace.Span, req *Request, resp *Response, elapsed time.Duration) {
	var (
		direction = DirectionUnknown.String()
		requestID string
		src, dst  string
		reason    string
	)
	if req != nil {
		direction = req.Direction.String()
		requestID = req.RequestID
		src, dst = req.Source.WorkloadName, req.Destination.WorkloadName
	}
	if resp.Denial != nil {
		reason = resp.Denial.Reason
	}

	span.SetAttributes(
		attribute.String("sts.request_id", requestID),
		attribute.String("sts.direction", direction),
		attribute.String("sts.decision", resp.Decision.String()),
	)
	e.metrics.ObserveDecision(direction, resp.Decision.String(), reason, elapsed)
	e.audit.Record(ctx, audit.Entry{
		Time:        e.now().UTC(),
		RequestID:   requestID,
		Direction:   direction,
		Source:      src,
		Destination: dst,
		Decision:    resp.Decision.String(),
		Reason:      reason,
		Subject:     resp.Subject,
		Latency:     elapsed,
	})

	if resp.Denial != nil {
		e.logger.WarnContext(ctx, "sts: call denied",
			"request_id", requestID,
			"direction", direction,
			"source", src,
			"destination", dst,
			"reason", reason,
			"code", resp.Denial.Code().String(),
			"error", resp.Denial.Err,
		)
		return
	}
	e.logger.DebugContext(ctx, "sts: call allowed",
		"request_id", requestID,
		"direction", direction,
		"decision", resp.Decision.String(),
	)
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (e *Engine) inbound(ctx context.Context, req *Request, resp *Response) *Denial {
	if e.requests != nil && !e.requests.AuthRequired(req) {
		return nil
	}

	raw, ok := bearerToken(req.Header(HeaderAuthorization))
	if !ok {
		return deny(ReasonMissingToken, sserr.Unauthorized("sts: no bearer token presented"))
	}

	claims, denial := e.resolveInbound(ctx, req, raw)
	if denial != nil {
		return denial
	}
	resp.Subject = claims.Subject

	if denial := e.authorize(ctx, req, claims); denial != nil {
		return denial
	}

	encoded, err := claims.Encode()
	if err != nil {
		return deny(ReasonInternal, err)
	}
	resp.Set(HeaderSubject, claims.Subject)
	resp.Set(HeaderSubjectClaims, encoded)
	return nil
}

// resolveInbound validates raw on a gateway entry or the first internal
// hop of a chain, and compares it with the cached token on later hops.
func (e *Engine) resolveInbound(ctx context.Context, req *Request, raw string) (*token.Claims, *Denial) {
	if IsGatewayService(e.cell.Name, req.Destination.WorkloadName) {
		return e.validateAndSeed(ctx, req, raw)
	}

	cached, found, err := e.store.Get(ctx, req.RequestID)
	if err != nil {
		return nil, deny(ReasonContextStore, err)
	}
	if !found {
		return e.validateAndSeed(ctx, req, raw)
	}
	if subtle.ConstantTimeCompare([]byte(cached), []byte(raw)) != 1 {
		return nil, deny(ReasonTokenTampered,
			sserr.New(sserr.CodeAuthenticationTampered, "sts: presented token differs from the token of the call chain"))
	}
	claims, err := token.ParseUnverified(raw)
	if err != nil {
		return nil, deny(token.KindMalformed.String(), err)
	}
	return claims, nil
}

func (e *Engine) validateAndSeed(ctx context.Context, req *Request, raw string) (*token.Claims, *Denial) {
	claims, err := e.validator.Validate(ctx, raw, e.expectedIssuer(req.Source))
	if err != nil {
		return nil, denyValidation(err)
	}
	if err := e.store.Put(ctx, req.RequestID, raw); err != nil {
		return nil, deny(ReasonContextStore, err)
	}
	return claims, nil
}

// expectedIssuer is the issuer of the source cell's STS, or the global
// issuer when the caller has no cell.
func (e *Engine) expectedIssuer(src Workload) string {
	if src.ExternalToMesh || src.CellName == "" {
		return e.globalIssuer
	}
	return IssuerNameForCell(src.CellName)
}

func (e *Engine) authorize(ctx context.Context, req *Request, claims *token.Claims) *Denial {
	dec, err := e.authorizer.Authorize(ctx, policy.Input{
		RequestID:   req.RequestID,
		Direction:   req.Direction.String(),
		Source:      policyWorkload(req.Source),
		Destination: policyWorkload(req.Destination),
		Context: policy.RequestContext{
			Host:     req.Context.Host,
			Path:     req.Context.Path,
			Protocol: req.Context.Protocol,
			Method:   req.Context.Method,
		},
		Headers: req.Headers(),
		Claims:  map[string]any(claims.Map()),
	})
	if err != nil {
		return deny(ReasonPolicyUnreachable, err)
	}
	if !dec.Allowed {
		return deny(ReasonPolicyDenied, dec.Err())
	}
	return nil
}

func policyWorkload(w Workload) policy.Workload {
	return policy.Workload{Cell: w.CellName, Workload: w.WorkloadName, External: w.ExternalToMesh}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (e *Engine) outbound(ctx context.Context, req *Request, resp *Response) *Denial {
	if req.Destination.ExternalToMesh || IsExternal(req.Destination.WorkloadName) {
		resp.Decision = DecisionPassthrough
		return nil
	}

	raw, subject, denial := e.outboundToken(ctx, req)
	if denial != nil {
		return denial
	}
	resp.Subject = subject
	resp.Set(HeaderAuthorization, "Bearer "+raw)
	return nil
}

// outboundToken picks the token for an outbound call:
//
//   - from the local gateway: a fresh token for the chain's subject,
//     which replaces the cached chain token
//   - intra-cell with a cached chain token: the cached token itself
//   - cross-cell with a cached chain token: a fresh token for its subject,
//     addressed to the destination cell only
//   - otherwise: a fresh token whose subject is this cell
func (e *Engine) outboundToken(ctx context.Context, req *Request) (raw, subject string, _ *Denial) {
	cached, found, err := e.store.Get(ctx, req.RequestID)
	if err != nil {
		return "", "", deny(ReasonContextStore, err)
	}
	destCell := req.Destination.CellName
	self := e.cell.Name

	switch {
	case IsGatewayDeployment(self, req.Source.WorkloadName):
		subject = self
		if found {
			subject = subjectOf(cached, self)
		} else if presented, ok := bearerToken(req.Header(HeaderAuthorization)); ok {
			claims, denial := e.verifyPresented(ctx, presented)
			if denial != nil {
				return "", "", denial
			}
			if claims.Subject != "" {
				subject = claims.Subject
			}
		}
		raw, subject, denial := e.mint(ctx, subject, dedup(self, destCell))
		if denial != nil {
			return "", subject, denial
		}
		// The gateway's token is what internal hops will present, so it
		// becomes the chain's context.
		if err := e.store.Put(ctx, req.RequestID, raw); err != nil {
			return "", subject, deny(ReasonContextStore, err)
		}
		return raw, subject, nil

	case found && strings.EqualFold(destCell, self):
		return cached, subjectOf(cached, ""), nil

	case found:
		return e.mint(ctx, subjectOf(cached, self), []string{destCell})

	default:
		return e.mint(ctx, self, dedup(self, destCell))
	}
}

// verifyPresented validates a token forwarded by the local gateway when
// the chain has no context yet. It must verify against the keys of the STS
// named in its iss claim, which has to be the global STS or a cell STS, and
// be addressed to this cell.
func (e *Engine) verifyPresented(ctx context.Context, raw string) (*token.Claims, *Denial) {
	expected := e.globalIssuer
	if c, err := token.ParseUnverified(raw); err == nil && isCellIssuer(c.Issuer) {
		expected = c.Issuer
	}
	claims, err := e.validator.Validate(ctx, raw, expected)
	if err != nil {
		return nil, denyValidation(err)
	}
	return claims, nil
}

func isCellIssuer(iss string) bool {
	return len(iss) > len(token.IssuerSuffix) && strings.HasSuffix(iss, token.IssuerSuffix)
}

func (e *Engine) mint(ctx context.Context, subject string, audience []string) (string, string, *Denial) {
	raw, err := e.minter.Mint(ctx, token.MintRequest{
		Subject:  subject,
		Issuer:   e.cell.IssuerName(),
		Audience: audience,
	})
	e.metrics.TokenMinted(e.minterName, err)
	if err != nil {
		return "", subject, deny(ReasonMintFailed, err)
	}
	return raw, subject, nil
}

// bearerToken strips a case-insensitive "Bearer " prefix.
func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	return raw, raw != ""
}

// subjectOf returns the sub claim of raw, or fallback when it has none.
func subjectOf(raw, fallback string) string {
	c, err := token.ParseUnverified(raw)
	if err != nil || c.Subject == "" {
		return fallback
	}
	return c.Subject
}

func dedup(names ...string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		dup := false
		for _, o := range out {
			if strings.EqualFold(o, n) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, n)
		}
	}
	return out
}
