// Package iam is the shared core of a bearer-token authorization pipeline:
// an identity provider that issues id, access and refresh tokens, a gateway
// that verifies them, and a backend that receives the verified claims.
//
// The package defines the claim and policy types, the error kinds every
// component reports, and a Client that carries the infrastructure a gateway
// needs. Concrete implementations are injected via Option functions.
//
//	client, err := iam.NewClient(
//	    iam.Config{Issuer: "https://idp.example.com", ClientID: "web"},
//	    iam.WithKeySource(jwks.New(url)),
//	    iam.WithVerificationCache(memCache),
//	)
package iam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chimerakang/iam-pipeline/audit"
	"github.com/chimerakang/iam-pipeline/metrics"
)

// Client is the main entry point for gateway-side operations.
type Client struct {
	config   Config
	logger   *zap.Logger
	verifier TokenVerifier
	cache    VerificationCache
	keys     KeySource
	clock    Clock
	metrics  *metrics.Metrics
	audit    *audit.Logger
}

// Config holds verification behavior configuration.
type Config struct {
	// Issuer is the identity provider base URL. Tokens must carry it as iss.
	Issuer string

	// ClientID is the registered application client. Id tokens must carry it as aud.
	ClientID string

	// JWKSURL is where the public key set is published.
	// Default: Issuer + "/.well-known/jwks.json".
	JWKSURL string

	// CacheTTL bounds how long a verification result is reused.
	// Default: 5 minutes.
	CacheTTL time.Duration

	// ClockSkew is the tolerance for iat in the future. Expiry is never
	// extended by it. Default: 5 seconds.
	ClockSkew time.Duration
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTokenVerifier sets the default token verifier.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(c *Client) { c.verifier = v }
}

// WithVerificationCache sets the verification result cache.
func WithVerificationCache(vc VerificationCache) Option {
	return func(c *Client) { c.cache = vc }
}

// WithKeySource sets where public verification keys are resolved.
func WithKeySource(k KeySource) Option {
	return func(c *Client) { c.keys = k }
}

// WithClock overrides the wall clock.
func WithClock(clk Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(c *Client) { c.audit = a }
}

const (
	// DefaultCacheTTL is the default duration for caching verification results.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultClockSkew is the default tolerance for issue times in the future.
	DefaultClockSkew = 5 * time.Second

	// MaxClockSkew bounds the configurable tolerance.
	MaxClockSkew = 5 * time.Minute
)

// NewClient creates a new client with the given configuration and options.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	c := &Client{config: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = SystemClock
	}
	if c.metrics == nil {
		c.metrics = metrics.New(false)
	}
	return c, nil
}

func (cfg *Config) normalize() error {
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")
	var errs []error
	if cfg.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	} else if u, err := url.Parse(cfg.Issuer); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("issuer %q must be an absolute URL", cfg.Issuer))
	}
	if cfg.ClientID == "" {
		errs = append(errs, errors.New("client id is required"))
	}
	if cfg.CacheTTL < 0 {
		errs = append(errs, errors.New("cache ttl must not be negative"))
	}
	if cfg.ClockSkew < 0 || cfg.ClockSkew > MaxClockSkew {
		errs = append(errs, fmt.Errorf("clock skew must be within [0, %s]", MaxClockSkew))
	}
	if len(errs) > 0 {
		return fmt.Errorf("iam: invalid config: %w", errors.Join(errs...))
	}

	if cfg.JWKSURL == "" {
		cfg.JWKSURL = cfg.Issuer + "/.well-known/jwks.json"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	return nil
}

// Config returns the normalized client configuration.
func (c *Client) Config() Config { return c.config }

// Logger returns the client logger. It is never nil.
func (c *Client) Logger() *zap.Logger { return c.logger }

// Verifier returns the default token verifier, or nil if not configured.
func (c *Client) Verifier() TokenVerifier { return c.verifier }

// Cache returns the verification cache, or nil if not configured.
func (c *Client) Cache() VerificationCache { return c.cache }

// Keys returns the key source, or nil if not configured.
func (c *Client) Keys() KeySource { return c.keys }

// Clock returns the client clock. It is never nil.
func (c *Client) Clock() Clock { return c.clock }

// Metrics returns the metrics sink. It is never nil.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// Audit returns the audit logger, or nil if not configured.
func (c *Client) Audit() *audit.Logger { return c.audit }

// DefaultPolicy is the policy a verifier built from this client enforces
// when a route adds nothing: issuer match and an access token.
func (c *Client) DefaultPolicy() AuthorizationPolicy {
	return AuthorizationPolicy{
		Issuer:   c.config.Issuer,
		Audience: c.config.ClientID,
		TokenUse: TokenUseAccess,
	}
}

// HealthCheck reports whether the client can verify anything at all.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.verifier == nil && c.keys == nil {
		return errors.New("iam: neither a verifier nor a key source is configured")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("iam: health check: %w", err)
	}
	return nil
}

// Close releases all resources held by the client.
// Any injected component that implements io.Closer will be closed.
func (c *Client) Close() error {
	closers := []any{c.verifier, c.cache, c.keys}
	var errs []error
	for _, svc := range closers {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := c.audit.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
