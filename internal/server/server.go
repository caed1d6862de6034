// Package server hosts the gRPC progress stream and health service.
package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/ocrpipe/internal/auth"
	"github.com/joseph-ayodele/ocrpipe/internal/common"
)

// TokenValidator checks bearer tokens.
type TokenValidator interface {
	Validate(token string) (auth.Claims, error)
}

// New builds a gRPC server with the progress and health services registered.
// When validator is nil streams are not authenticated.
func New(progressSvc *ProgressService, validator TokenValidator, logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	interceptors := []grpc.StreamServerInterceptor{loggingStreamInterceptor(logger)}
	if validator != nil {
		interceptors = append(interceptors, authStreamInterceptor(validator, logger))
	}
	grpcServer := grpc.NewServer(grpc.ChainStreamInterceptor(interceptors...))
	RegisterProgressServiceServer(grpcServer, progressSvc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ProgressServiceName, healthpb.HealthCheckResponse_SERVING)
	return grpcServer, healthServer
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

func authStreamInterceptor(v TokenValidator, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(srv, ss)
		}
		md, _ := metadata.FromIncomingContext(ss.Context())
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		token, ok := auth.BearerToken(header)
		if !ok {
			return common.UnauthenticatedError("missing bearer token")
		}
		claims, err := v.Validate(token)
		if err != nil {
			logger.Info("grpc auth rejected", "method", info.FullMethod, "error", err)
			if errors.Is(err, auth.ErrExpiredToken) {
				return common.UnauthenticatedError("token expired")
			}
			return common.UnauthenticatedError("invalid token")
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: auth.WithClaims(ss.Context(), claims)})
	}
}

func loggingStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		code := status.Code(err)
		logger.Debug("grpc stream finished",
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return err
	}
}
