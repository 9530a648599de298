package registry

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/darktower/conference-control/internal/crypto"
)

// KeyResolver maps a kid to raw Ed25519 public key bytes.
type KeyResolver interface {
	Key(ctx context.Context, kid string) ([]byte, error)
}

// AuthInterceptor validates the bearer token carried in gRPC metadata.
// Every defect reads as Unauthenticated with no detail, mirroring the HTTP
// middleware.
func AuthInterceptor(keys KeyResolver, clockSkew time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, errUnauthenticated
		}
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, errUnauthenticated
		}

		const prefix = "Bearer "
		header := values[0]
		if !strings.HasPrefix(header, prefix) {
			return nil, errUnauthenticated
		}
		raw := header[len(prefix):]
		if raw == "" || len(raw) > crypto.MaxTokenLength {
			return nil, errUnauthenticated
		}

		kid, err := crypto.PeekKid(raw)
		if err != nil {
			return nil, errUnauthenticated
		}
		key, err := keys.Key(ctx, kid)
		if err != nil {
			return nil, errUnauthenticated
		}
		if _, err := crypto.VerifyJWTWithRawKey(raw, key, clockSkew); err != nil {
			return nil, errUnauthenticated
		}

		return handler(ctx, req)
	}
}

var errUnauthenticated = status.Error(codes.Unauthenticated, "invalid token")
