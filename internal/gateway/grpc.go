// ABOUTME: gRPC server carrying the standard health service and reflection
// ABOUTME: Reflection needs an admin bearer token when auth is configured

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/2389/nimrod-master/internal/auth"
)

// newGRPCServer builds the gRPC server. The named service reports
// NOT_SERVING until Run marks it serving.
func newGRPCServer(verifier *auth.JWTVerifier, logger *slog.Logger) (*grpc.Server, *health.Server) {
	var tokens auth.TokenVerifier
	if verifier != nil {
		tokens = verifier
	}
	grpcLogger := logger.With("component", "grpc")

	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(tokens, grpcLogger, auth.HealthServicePrefix)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(tokens, grpcLogger, auth.HealthServicePrefix)),
	)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)

	return server, hs
}
