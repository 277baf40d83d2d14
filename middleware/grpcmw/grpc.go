// Package grpcmw provides gRPC interceptors that enforce bearer-token
// authorization with the same contract as ginmw: Unauthenticated for every
// verification failure, PermissionDenied for a scope shortfall.
package grpcmw

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/audit"
	"github.com/chimerakang/iam-pipeline/authz"
)

var (
	errUnauthenticated  = status.Error(codes.Unauthenticated, "unauthorized")
	errPermissionDenied = status.Error(codes.PermissionDenied, "forbidden")
)

// AuthOption configures the auth interceptors.
type AuthOption func(*guard)

// WithVerifier replaces the client's verifier.
func WithVerifier(v iam.TokenVerifier) AuthOption {
	return func(g *guard) { g.verifier = v }
}

// WithExcludedMethods lists fully qualified methods ("/pkg.Service/Method")
// that are served without a token.
func WithExcludedMethods(methods ...string) AuthOption {
	return func(g *guard) {
		for _, m := range methods {
			g.open[m] = struct{}{}
		}
	}
}

// guard holds the state shared by the unary and stream interceptors.
type guard struct {
	client   *iam.Client
	verifier iam.TokenVerifier
	open     map[string]struct{}
}

func newGuard(client *iam.Client, opts []AuthOption) *guard {
	g := &guard{client: client, open: map[string]struct{}{}}
	for _, o := range opts {
		o(g)
	}
	if g.verifier == nil {
		g.verifier = client.Verifier()
	}
	return g
}

// admit returns ctx carrying the caller's claims, or the status error the
// call must fail with. Excluded methods pass through untouched.
func (g *guard) admit(ctx context.Context, method string) (context.Context, error) {
	if _, ok := g.open[method]; ok {
		return ctx, nil
	}
	if g.verifier == nil {
		return ctx, status.Error(codes.Internal, "token verifier not configured")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	raw := extractBearerFromMD(md)
	if raw == "" {
		return ctx, errUnauthenticated
	}

	claims, err := g.verifier.Verify(ctx, raw)
	if err == nil {
		return iam.WithClaims(ctx, claims), nil
	}

	kind := iam.KindOf(err)
	g.client.Logger().Debug("call rejected", zap.String("method", method), zap.String("reason", string(kind)))
	g.client.Audit().LogContext(ctx, audit.Event{
		Action:   audit.ActionAuthorizeDenied,
		Result:   audit.ResultDenied,
		Resource: method,
		Reason:   string(kind),
	})
	if kind == iam.KindInsufficientScope {
		return ctx, errPermissionDenied
	}
	return ctx, errUnauthenticated
}

// UnaryAuth verifies the bearer token of every unary call. Handlers read
// the claims with iam.ClaimsFromContext.
func UnaryAuth(client *iam.Client, opts ...AuthOption) grpc.UnaryServerInterceptor {
	g := newGuard(client, opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := g.admit(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuth is the streaming counterpart of UnaryAuth.
func StreamAuth(client *iam.Client, opts ...AuthOption) grpc.StreamServerInterceptor {
	g := newGuard(client, opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := g.admit(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &claimsStream{ServerStream: ss, ctx: ctx})
	}
}

// UnaryRequireScopes demands every scope in scopes. It must run after
// UnaryAuth.
func UnaryRequireScopes(scopes ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkScopes(ctx, scopes); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamRequireScopes demands every scope in scopes. It must run after
// StreamAuth.
func StreamRequireScopes(scopes ...string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkScopes(ss.Context(), scopes); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkScopes(ctx context.Context, scopes []string) error {
	claims := iam.ClaimsFromContext(ctx)
	switch {
	case claims == nil:
		return errUnauthenticated
	case !authz.Superset(claims.Scopes, scopes):
		return errPermissionDenied
	}
	return nil
}

func extractBearerFromMD(md metadata.MD) string {
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	scheme, token, ok := strings.Cut(vals[0], " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// claimsStream overrides Context so stream handlers see the claims.
type claimsStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *claimsStream) Context() context.Context { return s.ctx }
