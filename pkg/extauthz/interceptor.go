package extauthz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor logs every call at debug level and turns a panic
// in any handler into an Internal status so the listener keeps serving.
// [Server.Check] recovers on its own; this covers the other services
// registered on the same gRPC server.
func UnaryServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "extauthz: handler panicked",
					"method", info.FullMethod,
					"panic", fmt.Sprint(r),
				)
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
			logger.DebugContext(ctx, "extauthz: call finished",
				"method", info.FullMethod,
				"code", status.Code(err).String(),
				"duration", time.Since(start),
			)
		}()
		return handler(ctx, req)
	}
}
