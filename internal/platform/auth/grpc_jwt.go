package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type methodSet map[string]struct{}

func newMethodSet(methods []string) methodSet {
	s := make(methodSet, len(methods))
	for _, m := range methods {
		s[m] = struct{}{}
	}
	return s
}

func (s methodSet) has(m string) bool {
	_, ok := s[m]
	return ok
}

// authenticate resolves the caller from the "authorization" metadata entry.
func authenticate(ctx context.Context, verifier *JWTVerifier) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	token, ok := bearerToken(header)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	id, err := verifier.ParseIdentity(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return WithIdentity(ctx, id), nil
}

func UnaryJWTInterceptor(verifier *JWTVerifier, allowUnauthenticatedMethods []string) grpc.UnaryServerInterceptor {
	allow := newMethodSet(allowUnauthenticatedMethods)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if allow.has(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, verifier)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s identityStream) Context() context.Context { return s.ctx }

// StreamJWTInterceptor is the streaming counterpart, used for reflection and
// health watches.
func StreamJWTInterceptor(verifier *JWTVerifier, allowUnauthenticatedMethods []string) grpc.StreamServerInterceptor {
	allow := newMethodSet(allowUnauthenticatedMethods)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if allow.has(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), verifier)
		if err != nil {
			return err
		}
		return handler(srv, identityStream{ServerStream: ss, ctx: ctx})
	}
}
