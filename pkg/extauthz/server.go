// Package extauthz serves Envoy's external authorization API
// (envoy.service.auth.v3.Authorization) on top of the decision engine.
//
// Each listener (inbound and outbound) gets its own [Server]; the direction
// of a call comes from the "direction" context extension set on the Envoy
// filter, or from the server's default when the extension is absent.
package extauthz

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	rpccode "google.golang.org/genproto/googleapis/rpc/code"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"

	"github.com/StricklySoft/cell-sts/pkg/sts"
)

// Headers and attributes read from check requests.
const (
	HeaderRequestID     = "x-request-id"
	HeaderDestination   = "x-cell-destination"
	HeaderSource        = "x-cell-source"
	ExtensionDirection  = "direction"
	reasonInternalPanic = "internal_error"
)

// Decider is what [Server] delegates to. *sts.Engine implements it.
type Decider interface {
	Decide(ctx context.Context, req *sts.Request) *sts.Response
}

// Server implements authv3.AuthorizationServer. It always answers: every
// failure, including a panic in the decider, becomes a denial.
type Server struct {
	authv3.UnimplementedAuthorizationServer

	decider   Decider
	direction sts.Direction
	logger    *slog.Logger
}

// NewServer returns a Server whose calls default to direction.
func NewServer(decider Decider, direction sts.Direction, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{decider: decider, direction: direction, logger: logger}
}

// Register adds s to g.
func (s *Server) Register(g *grpc.Server) {
	authv3.RegisterAuthorizationServer(g, s)
}

// Check implements authv3.AuthorizationServer.
func (s *Server) Check(ctx context.Context, req *authv3.CheckRequest) (resp *authv3.CheckResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "extauthz: check panicked",
				"direction", s.direction.String(),
				"panic", fmt.Sprint(r),
			)
			resp, err = deniedResponse(reasonInternalPanic), nil
		}
	}()

	out := s.decider.Decide(ctx, s.normalize(req))
	switch out.Decision {
	case sts.DecisionOK:
		return okResponse(out.Headers()), nil
	case sts.DecisionPassthrough:
		return okResponse(nil), nil
	default:
		reason := "denied"
		if out.Denial != nil {
			reason = out.Denial.Reason
		}
		return deniedResponse(reason), nil
	}
}

// normalize builds the engine request from the Envoy attributes. A missing
// x-request-id leaves RequestID empty, which the engine denies.
func (s *Server) normalize(req *authv3.CheckRequest) *sts.Request {
	attrs := req.GetAttributes()
	httpReq := attrs.GetRequest().GetHttp()
	headers := httpReq.GetHeaders()

	direction := s.direction
	if v, ok := attrs.GetContextExtensions()[ExtensionDirection]; ok {
		if d, ok := sts.ParseDirection(v); ok {
			direction = d
		}
	}

	dest := lookup(headers, HeaderDestination)
	if dest == "" {
		dest = hostWorkload(httpReq.GetHost())
	}
	src := principalWorkload(attrs.GetSource().GetPrincipal())
	if src == "" {
		src = lookup(headers, HeaderSource)
	}

	return sts.NewRequest(
		strings.TrimSpace(lookup(headers, HeaderRequestID)),
		direction,
		sts.ParseWorkload(src),
		sts.ParseWorkload(dest),
		sts.RequestContext{
			Host:     httpReq.GetHost(),
			Path:     httpReq.GetPath(),
			Protocol: httpReq.GetProtocol(),
			Method:   httpReq.GetMethod(),
		},
		headers,
	)
}

// lookup finds a header regardless of case. Envoy lowercases header names,
// so the exact match almost always hits.
func lookup(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// hostWorkload reduces "cellb--hr.cellb.svc.cluster.local:8080" to
// "cellb--hr".
func hostWorkload(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return host
	}
	name, _, _ := strings.Cut(host, ".")
	return name
}

// principalWorkload returns the last path segment of a SPIFFE id such as
// "spiffe://cluster.local/ns/default/sa/cellb--hr".
func principalWorkload(principal string) string {
	principal = strings.TrimRight(strings.TrimSpace(principal), "/")
	if principal == "" {
		return ""
	}
	if i := strings.LastIndexByte(principal, '/'); i >= 0 {
		return principal[i+1:]
	}
	return principal
}

func okResponse(headers []sts.Header) *authv3.CheckResponse {
	opts := make([]*corev3.HeaderValueOption, 0, len(headers))
	for _, h := range headers {
		opts = append(opts, &corev3.HeaderValueOption{
			Header:       &corev3.HeaderValue{Key: h.Key, Value: h.Value},
			AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
		})
	}
	return &authv3.CheckResponse{
		Status: &rpcstatus.Status{Code: int32(rpccode.Code_OK)},
		HttpResponse: &authv3.CheckResponse_OkResponse{
			OkResponse: &authv3.OkHttpResponse{Headers: opts},
		},
	}
}

func deniedResponse(reason string) *authv3.CheckResponse {
	return &authv3.CheckResponse{
		Status: &rpcstatus.Status{Code: int32(rpccode.Code_PERMISSION_DENIED), Message: reason},
		HttpResponse: &authv3.CheckResponse_DeniedResponse{
			DeniedResponse: &authv3.DeniedHttpResponse{
				Status: &typev3.HttpStatus{Code: typev3.StatusCode_Forbidden},
			},
		},
	}
}
