// ABOUTME: gRPC interceptors authenticating admin calls with the same bearer tokens as HTTP
// ABOUTME: Health checks stay open so orchestrators can probe without credentials

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// HealthServicePrefix is the method prefix of the standard gRPC health service.
const HealthServicePrefix = "/grpc.health.v1.Health/"

func exempt(method string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}

func logAuthFailure(ctx context.Context, logger *slog.Logger, method, reason string) {
	attrs := []any{"method", method, "reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer", p.Addr.String())
	}
	logger.Warn("grpc auth failed", attrs...)
}

// authenticateGRPC verifies the bearer token in the "authorization" metadata.
func authenticateGRPC(ctx context.Context, tokens TokenVerifier, method string, logger *slog.Logger) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var raw string
	if vals := md.Get("authorization"); len(vals) > 0 {
		raw = vals[0]
	}
	token, errMsg := extractBearerToken(raw)
	if errMsg != "" {
		logAuthFailure(ctx, logger, method, errMsg)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}
	subject, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(ctx, logger, method, err.Error())
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return WithAuth(ctx, &AuthContext{Subject: subject}), nil
}

// UnaryInterceptor requires a valid bearer token on every unary call whose
// method does not start with one of the exempt prefixes. A nil verifier
// lets every call through.
func UnaryInterceptor(tokens TokenVerifier, logger *slog.Logger, exemptPrefixes ...string) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if tokens == nil || exempt(info.FullMethod, exemptPrefixes) {
			return handler(ctx, req)
		}
		authed, err := authenticateGRPC(ctx, tokens, info.FullMethod, logger)
		if err != nil {
			return nil, err
		}
		return handler(authed, req)
	}
}

// StreamInterceptor is the streaming counterpart of UnaryInterceptor.
func StreamInterceptor(tokens TokenVerifier, logger *slog.Logger, exemptPrefixes ...string) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if tokens == nil || exempt(info.FullMethod, exemptPrefixes) {
			return handler(srv, ss)
		}
		authed, err := authenticateGRPC(ss.Context(), tokens, info.FullMethod, logger)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: authed})
	}
}

// wrappedServerStream overrides Context to carry the auth identity.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
