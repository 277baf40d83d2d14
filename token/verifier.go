// Package token verifies bearer tokens issued by the identity provider.
//
// Verification runs in a fixed order and stops at the first failure:
// structure, expiry, token use, signature, issuer and audience, scope.
// Successful results are cached for min(cache TTL, remaining lifetime).
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/authz"
	"github.com/chimerakang/iam-pipeline/metrics"
)

var tracer = otel.Tracer("github.com/chimerakang/iam-pipeline/token")

// Asymmetric algorithms only; an HMAC alg would let a public key act as a secret.
var allowedAlgorithms = map[jwa.SignatureAlgorithm]bool{
	jwa.RS256: true, jwa.RS384: true, jwa.RS512: true,
	jwa.PS256: true, jwa.PS384: true, jwa.PS512: true,
	jwa.ES256: true, jwa.ES384: true, jwa.ES512: true,
}

// Verifier implements iam.TokenVerifier for one authorization policy.
type Verifier struct {
	policy      iam.AuthorizationPolicy
	fingerprint string
	keys        iam.KeySource
	cache       iam.VerificationCache
	cacheTTL    time.Duration
	cacheType   string
	skew        time.Duration
	clock       iam.Clock
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// compile-time check
var _ iam.TokenVerifier = (*Verifier)(nil)

// Option configures the Verifier.
type Option func(*Verifier)

// WithCache enables result caching for up to ttl. cacheType labels metrics.
func WithCache(c iam.VerificationCache, ttl time.Duration, cacheType string) Option {
	return func(v *Verifier) {
		v.cache = c
		v.cacheTTL = ttl
		v.cacheType = cacheType
	}
}

// WithClockSkew sets the tolerance for iat in the future.
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) { v.skew = d }
}

// WithClock overrides the wall clock.
func WithClock(c iam.Clock) Option {
	return func(v *Verifier) { v.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// New creates a verifier enforcing policy with keys from ks.
func New(policy iam.AuthorizationPolicy, ks iam.KeySource, opts ...Option) (*Verifier, error) {
	if policy.Issuer == "" {
		return nil, errors.New("iam/token: policy issuer is required")
	}
	if policy.TokenUse == "" {
		policy.TokenUse = iam.TokenUseAccess
	}
	if policy.TokenUse != iam.TokenUseAccess && policy.TokenUse != iam.TokenUseID {
		return nil, fmt.Errorf("iam/token: policy cannot accept %q tokens", policy.TokenUse)
	}
	if ks == nil {
		return nil, errors.New("iam/token: key source is required")
	}

	v := &Verifier{
		policy:      policy,
		fingerprint: policy.Fingerprint(),
		keys:        ks,
		cacheTTL:    iam.DefaultCacheTTL,
		skew:        iam.DefaultClockSkew,
		clock:       iam.SystemClock,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(v)
	}
	if v.cacheType == "" {
		v.cacheType = "verification"
	}
	return v, nil
}

// Policy returns the enforced policy.
func (v *Verifier) Policy() iam.AuthorizationPolicy { return v.policy }

// Verify validates raw and returns its claims. The returned claims are a
// private copy.
func (v *Verifier) Verify(ctx context.Context, raw string) (*iam.Claims, error) {
	ctx, span := tracer.Start(ctx, "token.verify")
	defer span.End()

	start := time.Now()
	now := v.clock.Now()
	key := v.cacheKey(raw)

	if v.cache != nil {
		res, ok, err := v.cache.Get(ctx, key)
		switch {
		case err != nil:
			v.logger.Warn("verification cache read failed", zap.Error(err))
		case ok && res.Fresh(now):
			v.metrics.RecordCacheHit(v.cacheType)
			v.metrics.RecordVerification("", time.Since(start).Seconds())
			span.SetAttributes(attribute.Bool("token.cache_hit", true))
			return res.Claims.Clone(), nil
		case ok:
			// Past its deadline but not yet evicted.
			_ = v.cache.Delete(ctx, key)
		}
		v.metrics.RecordCacheMiss(v.cacheType)
	}

	claims, err := v.verify(ctx, raw, now)
	if err != nil {
		kind := iam.KindOf(err)
		v.metrics.RecordVerification(string(kind), time.Since(start).Seconds())
		span.SetAttributes(attribute.String("token.failure", string(kind)))
		span.SetStatus(codes.Error, string(kind))
		return nil, err
	}
	v.metrics.RecordVerification("", time.Since(start).Seconds())

	if v.cache != nil {
		ttl := min(v.cacheTTL, claims.ExpiresAt.Sub(now))
		if ttl > 0 {
			res := &iam.VerificationResult{
				Valid:     true,
				Claims:    claims.Clone(),
				ExpiresAt: claims.ExpiresAt,
				CachedAt:  now,
				TTL:       ttl,
			}
			if err := v.cache.Set(ctx, key, res, ttl); err != nil {
				v.logger.Warn("verification cache write failed", zap.Error(err))
			}
		}
	}
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, raw string, now time.Time) (*iam.Claims, error) {
	// structure
	alg, kid, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return nil, iam.NewError(iam.KindMalformedToken, err)
	}
	claims := claimsFromToken(tok)
	if claims.Subject == "" || claims.Issuer == "" {
		return nil, iam.Errorf(iam.KindMalformedToken, "sub and iss are required")
	}

	// expiry
	if claims.ExpiresAt.IsZero() {
		return nil, iam.Errorf(iam.KindMalformedToken, "exp is required")
	}
	if !claims.IssuedAt.IsZero() {
		if claims.IssuedAt.After(claims.ExpiresAt) {
			return nil, iam.Errorf(iam.KindMalformedToken, "iat is after exp")
		}
		if claims.IssuedAt.After(now.Add(v.skew)) {
			return nil, iam.Errorf(iam.KindMalformedToken, "iat is in the future")
		}
	}
	if !now.Before(claims.ExpiresAt) {
		return nil, iam.NewError(iam.KindExpiredToken, nil)
	}

	// token use
	if claims.TokenUse != v.policy.TokenUse {
		return nil, iam.NewError(iam.KindTokenUseMismatch, fmt.Errorf("got %q", claims.TokenUse))
	}

	// signature
	pub, err := v.keys.Key(ctx, kid)
	if err != nil {
		if iam.KindOf(err) == iam.KindInternal {
			return nil, iam.NewError(iam.KindUpstreamTimeout, err)
		}
		return nil, err
	}
	if ka := pub.Algorithm(); ka != nil && ka.String() != "" && ka.String() != alg.String() {
		return nil, iam.NewError(iam.KindSignatureInvalid, fmt.Errorf("key %q is for %s, token uses %s", kid, ka, alg))
	}
	if _, err := jws.Verify([]byte(raw), jws.WithKey(alg, pub)); err != nil {
		return nil, iam.NewError(iam.KindSignatureInvalid, err)
	}

	// issuer, audience, scope
	if err := authz.Evaluate(v.policy, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// parseHeader checks the compact form and returns alg and kid.
func parseHeader(raw string) (jwa.SignatureAlgorithm, string, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", iam.Errorf(iam.KindMalformedToken, "token must have three non-empty segments")
	}
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return "", "", iam.NewError(iam.KindMalformedToken, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return "", "", iam.Errorf(iam.KindMalformedToken, "token must carry exactly one signature")
	}
	h := sigs[0].ProtectedHeaders()
	alg := h.Algorithm()
	if !allowedAlgorithms[alg] {
		return "", "", iam.NewError(iam.KindMalformedToken, fmt.Errorf("algorithm %q not accepted", alg))
	}
	kid := h.KeyID()
	if kid == "" {
		return "", "", iam.Errorf(iam.KindMalformedToken, "kid is required")
	}
	return alg, kid, nil
}

// cacheKey namespaces the token digest by policy, so a result cached for a
// lenient route never satisfies a stricter one.
func (v *Verifier) cacheKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return v.fingerprint + ":" + hex.EncodeToString(sum[:])
}
