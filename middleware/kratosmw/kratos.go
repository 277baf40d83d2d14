// Package kratosmw provides Kratos middleware that enforces bearer-token
// authorization for services built on Kratos, over either of its HTTP and
// gRPC transports. Failures map the same way as in ginmw: 401 for anything
// wrong with the token, 403 for a scope shortfall.
package kratosmw

import (
	"context"
	"strings"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"go.uber.org/zap"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/audit"
	"github.com/chimerakang/iam-pipeline/authz"
)

// Error reasons carried by rejected calls.
const (
	ReasonUnauthorized = "UNAUTHORIZED"
	ReasonForbidden    = "FORBIDDEN"
)

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	verifier           iam.TokenVerifier
	excludedOperations map[string]bool
}

// WithVerifier overrides client.Verifier().
func WithVerifier(v iam.TokenVerifier) AuthOption {
	return func(cfg *authConfig) { cfg.verifier = v }
}

// WithExcludedOperations sets operations that skip authentication (e.g. health checks).
// Operations are matched by transport.Operation() (gRPC method or HTTP route pattern).
func WithExcludedOperations(ops ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, op := range ops {
			cfg.excludedOperations[op] = true
		}
	}
}

// Auth returns Kratos middleware that verifies the bearer token of every
// call. On success the claims are available via iam.ClaimsFromContext.
func Auth(client *iam.Client, opts ...AuthOption) middleware.Middleware {
	cfg := &authConfig{excludedOperations: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.verifier == nil {
		cfg.verifier = client.Verifier()
	}

	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return nil, errors.Unauthorized(ReasonUnauthorized, "unauthorized")
			}
			op := tr.Operation()
			if cfg.excludedOperations[op] {
				return handler(ctx, req)
			}

			tokenStr := extractBearerToken(tr.RequestHeader().Get("Authorization"))
			if tokenStr == "" {
				return nil, errors.Unauthorized(ReasonUnauthorized, "unauthorized")
			}
			if cfg.verifier == nil {
				return nil, errors.InternalServer("INTERNAL", "token verifier not configured")
			}

			claims, err := cfg.verifier.Verify(ctx, tokenStr)
			if err != nil {
				kind := iam.KindOf(err)
				client.Logger().Debug("operation rejected", zap.String("operation", op), zap.String("reason", string(kind)))
				client.Audit().LogContext(ctx, audit.Event{
					Action:   audit.ActionAuthorizeDenied,
					Result:   audit.ResultDenied,
					Resource: op,
					Reason:   string(kind),
				})
				if kind == iam.KindInsufficientScope {
					return nil, errors.Forbidden(ReasonForbidden, "forbidden")
				}
				return nil, errors.Unauthorized(ReasonUnauthorized, "unauthorized")
			}

			return handler(iam.WithClaims(ctx, claims), req)
		}
	}
}

// RequireScopes returns Kratos middleware that demands every scope in
// scopes. Requires Auth middleware to run first.
func RequireScopes(scopes ...string) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			claims := iam.ClaimsFromContext(ctx)
			if claims == nil {
				return nil, errors.Unauthorized(ReasonUnauthorized, "unauthorized")
			}
			if !authz.Superset(claims.Scopes, scopes) {
				return nil, errors.Forbidden(ReasonForbidden, "forbidden")
			}
			return handler(ctx, req)
		}
	}
}

// TokenSource supplies access tokens for outgoing calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Bearer returns Kratos client-side middleware that attaches an access token
// from ts to every outgoing request. *tokenclient.Client is a TokenSource.
func Bearer(ts TokenSource) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			token, err := ts.AccessToken(ctx)
			if err != nil {
				return nil, errors.Unauthorized(ReasonUnauthorized, "failed to obtain access token").WithCause(err)
			}
			if tr, ok := transport.FromClientContext(ctx); ok {
				tr.RequestHeader().Set("Authorization", "Bearer "+token)
			}
			return handler(ctx, req)
		}
	}
}

// --- internal helpers ---

func extractBearerToken(auth string) string {
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
