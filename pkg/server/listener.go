// Package server hosts the network surfaces of a Cell STS process: the two
// ext_authz gRPC listeners, the JWKS endpoint and the admin HTTP server.
// Each server exposes Start and Stop hooks for [lifecycle.Process].
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
	"github.com/StricklySoft/cell-sts/pkg/lifecycle"
)

const (
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
)

// HTTPServer serves handler on addr.
type HTTPServer struct {
	name   string
	addr   string
	srv    *http.Server
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewHTTPServer returns an unstarted server. name labels logs and the
// lifecycle component.
func NewHTTPServer(name, addr string, handler http.Handler, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		name:   name,
		addr:   addr,
		logger: logger,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}
}

// Start binds the listener and serves on a background goroutine. A bind
// failure is returned synchronously.
func (s *HTTPServer) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "server: %s failed to bind %s", s.name, s.addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("server: listening", "server", s.name, "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server: serve failed", "server", s.name, "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx is done.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return sserr.Wrapf(err, sserr.CodeTimeout, "server: %s shutdown incomplete", s.name)
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Component adapts s for [lifecycle.Builder.WithComponent].
func (s *HTTPServer) Component() lifecycle.Component {
	return lifecycle.Component{Name: s.name, Start: s.Start, Stop: s.Stop}
}

// GRPCServer serves a configured [grpc.Server] on addr.
type GRPCServer struct {
	name   string
	addr   string
	srv    *grpc.Server
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewGRPCServer returns an unstarted server. Services must already be
// registered on srv.
func NewGRPCServer(name, addr string, srv *grpc.Server, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCServer{name: name, addr: addr, srv: srv, logger: logger}
}

// Start binds the listener and serves on a background goroutine.
func (s *GRPCServer) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "server: %s failed to bind %s", s.name, s.addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("server: listening", "server", s.name, "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("server: serve failed", "server", s.name, "error", err)
		}
	}()
	return nil
}

// Stop waits for in-flight Check calls. When ctx ends first the remaining
// calls are cancelled.
func (s *GRPCServer) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.srv.Stop()
		<-done
		return sserr.Wrapf(ctx.Err(), sserr.CodeTimeout, "server: %s graceful stop timed out", s.name)
	}
}

// Addr returns the bound address, or the configured one before Start.
func (s *GRPCServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Component adapts s for [lifecycle.Builder.WithComponent].
func (s *GRPCServer) Component() lifecycle.Component {
	return lifecycle.Component{Name: s.name, Start: s.Start, Stop: s.Stop}
}
