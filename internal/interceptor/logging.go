package interceptor

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// LoggingUnary logs each call with method, actor, code and duration.
func LoggingUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(ctx, logger, "unary", info.FullMethod, err, time.Since(start))
		return resp, err
	}
}

// LoggingStream logs each stream when it ends.
func LoggingStream(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(ss.Context(), logger, "stream", info.FullMethod, err, time.Since(start))
		return err
	}
}

func logCall(ctx context.Context, logger *slog.Logger, kind, method string, err error, d time.Duration) {
	code := status.Code(err)
	attrs := []any{
		"method", method,
		"actor", ActorFromContext(ctx),
		"code", code.String(),
		"duration", d,
	}
	if p, ok := peer.FromContext(ctx); ok {
		attrs = append(attrs, "peer", p.Addr.String())
	}
	if err != nil {
		logger.WarnContext(ctx, kind, append(attrs, "error", status.Convert(err).Message())...)
		return
	}
	logger.InfoContext(ctx, kind, attrs...)
}
