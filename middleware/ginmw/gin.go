// Package ginmw provides Gin HTTP middleware that enforces bearer-token
// authorization.
//
// Failures never reveal which check rejected the token: every verification
// failure is a 401, a scope shortfall is a 403, and neither body carries
// claims.
package ginmw

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/audit"
	"github.com/chimerakang/iam-pipeline/authz"
)

// Context keys for storing IAM data in gin.Context.
const (
	KeySubject = "iam_subject"
	KeyScopes  = "iam_scopes"
	KeyClaims  = "iam_claims"
)

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	verifier      iam.TokenVerifier
	excludedPaths map[string]bool
	realm         string
}

// WithVerifier overrides client.Verifier(), typically with a verifier bound
// to a route's own policy.
func WithVerifier(v iam.TokenVerifier) AuthOption {
	return func(cfg *authConfig) { cfg.verifier = v }
}

// WithExcludedPaths sets paths that skip authentication (e.g. health checks).
func WithExcludedPaths(paths ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// WithRealm sets the realm advertised in WWW-Authenticate.
func WithRealm(realm string) AuthOption {
	return func(cfg *authConfig) { cfg.realm = realm }
}

// Auth returns Gin middleware that verifies the bearer token. On success the
// claims are stored in the gin and request contexts and written to the
// claims header; the Authorization header is removed so the raw token never
// travels further.
func Auth(client *iam.Client, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{excludedPaths: make(map[string]bool), realm: "iam"}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.verifier == nil {
		cfg.verifier = client.Verifier()
	}
	logger := client.Logger()

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}
		// Only this middleware may set the claims header.
		c.Request.Header.Del(iam.ClaimsHeader)

		tokenStr := extractBearerToken(c.Request)
		c.Request.Header.Del("Authorization")
		if tokenStr == "" {
			unauthorized(c, cfg.realm, "")
			return
		}
		if cfg.verifier == nil {
			logger.Error("token verifier not configured")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "Internal Server Error"})
			return
		}

		claims, err := cfg.verifier.Verify(c.Request.Context(), tokenStr)
		if err != nil {
			kind := iam.KindOf(err)
			logger.Debug("request rejected",
				zap.String("path", c.Request.URL.Path),
				zap.String("reason", string(kind)),
				zap.Error(err))
			client.Audit().LogContext(c.Request.Context(), audit.Event{
				Action:    audit.ActionAuthorizeDenied,
				Result:    audit.ResultDenied,
				Resource:  c.Request.Method + " " + c.Request.URL.Path,
				Reason:    string(kind),
				IP:        c.ClientIP(),
				UserAgent: c.Request.UserAgent(),
			})
			if kind == iam.KindInsufficientScope {
				forbidden(c, cfg.realm)
				return
			}
			unauthorized(c, cfg.realm, "invalid_token")
			return
		}

		header, err := iam.EncodeClaimsHeader(claims)
		if err != nil {
			logger.Error("failed to encode claims", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "Internal Server Error"})
			return
		}
		c.Request.Header.Set(iam.ClaimsHeader, header)
		c.Request = c.Request.WithContext(iam.WithClaims(c.Request.Context(), claims))
		c.Set(KeyClaims, claims)
		c.Set(KeySubject, claims.Subject)
		c.Set(KeyScopes, claims.Scopes)

		c.Next()
	}
}

// RequireScopes returns Gin middleware that demands every scope in scopes.
// Requires Auth middleware to run first.
func RequireScopes(scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			unauthorized(c, "iam", "")
			return
		}
		if !authz.Superset(claims.Scopes, scopes) {
			forbidden(c, "iam")
			return
		}
		c.Next()
	}
}

// --- Context helpers ---

// GetSubject returns the authenticated subject from the Gin context.
func GetSubject(c *gin.Context) string {
	v, _ := c.Get(KeySubject)
	s, _ := v.(string)
	return s
}

// GetScopes returns the token's scopes from the Gin context.
func GetScopes(c *gin.Context) []string {
	v, _ := c.Get(KeyScopes)
	s, _ := v.([]string)
	return s
}

// GetClaims returns the full claims from the Gin context.
func GetClaims(c *gin.Context) *iam.Claims {
	v, _ := c.Get(KeyClaims)
	cl, _ := v.(*iam.Claims)
	return cl
}

// --- internal helpers ---

func unauthorized(c *gin.Context, realm, errCode string) {
	challenge := fmt.Sprintf("Bearer realm=%q", realm)
	if errCode != "" {
		challenge += fmt.Sprintf(", error=%q", errCode)
	}
	c.Header("WWW-Authenticate", challenge)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
}

func forbidden(c *gin.Context, realm string) {
	c.Header("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q, error=%q", realm, "insufficient_scope"))
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "Forbidden"})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
