// Package policy asks the cell's policy backend whether a call may
// proceed. The backend speaks the OPA data API shape:
//
//	POST {"input": {...}}
//	200  {"result": {"<rule>": {"deny": true|false, ...}, ...}}
//
// Any rule answering deny=true rejects the call. A backend that cannot be
// reached or answers with something undecodable also rejects the call.
package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/cell-sts/internal/httpx"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/metrics"
)

const tracerName = "github.com/StricklySoft/cell-sts/pkg/policy"

// Workload identifies one end of the call.
type Workload struct {
	Cell     string `json:"cell"`
	Workload string `json:"workload"`
	External bool   `json:"external"`
}

// RequestContext describes the proxied call.
type RequestContext struct {
	Host     string `json:"host"`
	Path     string `json:"path"`
	Protocol string `json:"protocol"`
	Method   string `json:"method"`
}

// Input is the document posted under "input".
type Input struct {
	RequestID   string            `json:"requestId"`
	Direction   string            `json:"direction"`
	Source      Workload          `json:"source"`
	Destination Workload          `json:"destination"`
	Context     RequestContext    `json:"requestContext"`
	Headers     map[string]string `json:"requestHeaders"`
	Claims      map[string]any    `json:"subjectClaims"`
}

// Decision is the interpreted backend answer.
type Decision struct {
	Allowed bool
	// DeniedBy lists the rules that answered deny=true, sorted.
	DeniedBy []string
}

// Err returns nil for an allowed decision and an
// [sserr.CodeAuthorizationDenied] error otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return sserr.Newf(sserr.CodeAuthorizationDenied, "policy: denied by %s", strings.Join(d.DeniedBy, ","))
}

// Authorizer is what the decision engine depends on.
type Authorizer interface {
	Authorize(ctx context.Context, in Input) (Decision, error)
}

// AllowAll admits every call. It stands in for a cell with no policy
// backend so the policy step still runs on every inbound decision.
type AllowAll struct{}

// Authorize implements [Authorizer].
func (AllowAll) Authorize(context.Context, Input) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Client posts to a policy endpoint. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *httpx.Client
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

var _ Authorizer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMetrics records call outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// NewClient returns a Client for endpoint. A nil http client gets httpx
// defaults (bounded timeout, one retry).
func NewClient(endpoint string, client *httpx.Client, opts ...Option) *Client {
	if client == nil {
		client = httpx.New(nil)
	}
	c := &Client{
		endpoint: endpoint,
		http:     client,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	Input Input `json:"input"`
}

type response struct {
	Result map[string]json.RawMessage `json:"result"`
}

type ruleResult struct {
	Deny bool `json:"deny"`
}

// Authorize evaluates in. The error is non-nil only when no decision could
// be obtained; it then carries [sserr.CodeAuthorizationPolicyUnreachable].
func (c *Client) Authorize(ctx context.Context, in Input) (dec Decision, err error) {
	ctx, span := c.tracer.Start(ctx, "policy.Authorize", trace.WithAttributes(
		attribute.String("policy.request_id", in.RequestID),
		attribute.String("policy.destination", in.Destination.Workload),
	))
	defer func() {
		outcome := "allow"
		switch {
		case err != nil:
			outcome = "unreachable"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case !dec.Allowed:
			outcome = "deny"
			span.SetAttributes(attribute.StringSlice("policy.denied_by", dec.DeniedBy))
		}
		span.End()
		c.metrics.PolicyCall(outcome)
	}()

	body, err := json.Marshal(request{Input: redact(in)})
	if err != nil {
		return Decision{}, sserr.Wrap(err, sserr.CodeAuthorizationPolicyUnreachable, "policy: cannot encode request")
	}

	resp, err := c.http.Do(ctx, httpx.Request{
		Method:      http.MethodPost,
		URL:         c.endpoint,
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		c.logger.Warn("policy: endpoint unreachable", "request_id", in.RequestID, "error", err)
		return Decision{}, sserr.Wrap(err, sserr.CodeAuthorizationPolicyUnreachable, "policy: endpoint unreachable")
	}
	if !resp.OK() {
		c.logger.Warn("policy: unexpected status", "request_id", in.RequestID, "status", resp.StatusCode)
		return Decision{}, sserr.Newf(sserr.CodeAuthorizationPolicyUnreachable, "policy: endpoint returned status %d", resp.StatusCode)
	}

	var out response
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Decision{}, sserr.Wrap(err, sserr.CodeAuthorizationPolicyUnreachable, "policy: undecodable response")
	}
	return interpret(out.Result), nil
}

// interpret applies the deny rule. Rule results that are not objects, or
// that omit deny, do not deny.
func interpret(result map[string]json.RawMessage) Decision {
	var denied []string
	for rule, raw := range result {
		var r ruleResult
		if json.Unmarshal(raw, &r) != nil {
			continue
		}
		if r.Deny {
			denied = append(denied, rule)
		}
	}
	if len(denied) == 0 {
		return Decision{Allowed: true}
	}
	sort.Strings(denied)
	return Decision{DeniedBy: denied}
}

// redact drops the raw bearer token; the backend gets the decoded claims.
func redact(in Input) Input {
	if _, ok := in.Headers["authorization"]; !ok {
		return in
	}
	h := make(map[string]string, len(in.Headers))
	for k, v := range in.Headers {
		if k != "authorization" {
			h[k] = v
		}
	}
	in.Headers = h
	return in
}
