package grpc

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"showsync/broker/internal/logging"
)

// SharedSecretMetadataKey carries the admin secret on each call.
const SharedSecretMetadataKey = "x-showsync-shared-secret"

// NewServer builds a gRPC server with StateAdmin registered behind the
// shared-secret interceptors. Clients may request gzip message compression.
func NewServer(service StateAdminServer, secret string, logger *logging.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = logging.L()
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(newSharedSecretUnaryInterceptor(secret)),
		grpc.ChainStreamInterceptor(newSharedSecretStreamInterceptor(secret)),
	)
	server := grpc.NewServer(opts...)
	RegisterStateAdminServer(server, service)
	logger.Info("gRPC shared-secret authentication enabled", logging.String("service", ServiceName))
	return server
}

// WithSharedSecret attaches the admin secret to outgoing calls.
func WithSharedSecret(ctx context.Context, secret string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, SharedSecretMetadataKey, secret)
}

func newSharedSecretUnaryInterceptor(secret string) grpc.UnaryServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkSharedSecret(ctx, normalized); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func newSharedSecretStreamInterceptor(secret string) grpc.StreamServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkSharedSecret(ss.Context(), normalized); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkSharedSecret(ctx context.Context, secret string) error {
	if secret == "" {
		return status.Error(codes.Unauthenticated, "shared secret not configured")
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	candidate := extractSharedSecret(md)
	if candidate == "" {
		return status.Error(codes.Unauthenticated, "missing shared secret")
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid shared secret")
	}
	return nil
}

func extractSharedSecret(md metadata.MD) string {
	if md == nil {
		return ""
	}
	for _, value := range md.Get(SharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}
