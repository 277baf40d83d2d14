// Package gateway puts bearer-token authorization in front of upstream
// resources. Each route carries its own policy; verified claims travel
// upstream in the claims header and the raw token never does.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/authz"
	"github.com/chimerakang/iam-pipeline/middleware/ginmw"
	"github.com/chimerakang/iam-pipeline/token"
)

// Route is one protected resource.
type Route struct {
	// Method defaults to GET.
	Method string
	Path   string
	// Policy fields left empty fall back to the client's default policy.
	Policy iam.AuthorizationPolicy
	// Exactly one of Upstream and Handler is set.
	Upstream string
	Handler  gin.HandlerFunc
}

// Gateway serves the configured routes.
type Gateway struct {
	client          *iam.Client
	engine          *gin.Engine
	transport       http.RoundTripper
	upstreamTimeout time.Duration
	cacheType       string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTransport sets the transport used to reach upstreams.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) { g.transport = rt }
}

// WithUpstreamTimeout bounds each forwarded request. Default 10s.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.upstreamTimeout = d }
}

// WithCacheType labels verification cache metrics, e.g. "memory" or "redis".
func WithCacheType(name string) Option {
	return func(g *Gateway) { g.cacheType = name }
}

// New builds a Gateway. Every route's policy and upstream are checked here so
// a bad configuration fails at startup.
func New(client *iam.Client, routes []Route, opts ...Option) (*Gateway, error) {
	if client == nil {
		return nil, errors.New("iam/gateway: client is required")
	}
	g := &Gateway{
		client:          client,
		transport:       http.DefaultTransport,
		upstreamTimeout: 10 * time.Second,
		cacheType:       "verification",
	}
	for _, o := range opts {
		o(g)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), ginmw.RequestID(), ginmw.RequestLogger(client.Logger()))
	engine.GET("/healthz", g.health)
	engine.GET("/metrics", gin.WrapH(client.Metrics().Handler()))

	var errs []error
	for i, rt := range routes {
		if err := g.mount(engine, rt); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d] %s: %w", i, rt.Path, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("iam/gateway: %w", err)
	}
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not Found"})
	})
	g.engine = engine
	return g, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.engine }

func (g *Gateway) mount(engine *gin.Engine, rt Route) error {
	if rt.Path == "" || rt.Path[0] != '/' {
		return errors.New("path must start with /")
	}
	if (rt.Upstream == "") == (rt.Handler == nil) {
		return errors.New("exactly one of upstream and handler is required")
	}
	method := rt.Method
	if method == "" {
		method = http.MethodGet
	}

	verifier, err := g.verifierFor(rt.Policy)
	if err != nil {
		return err
	}
	handler := rt.Handler
	if handler == nil {
		if handler, err = g.proxy(rt.Upstream); err != nil {
			return err
		}
	}
	engine.Handle(method, rt.Path, ginmw.Auth(g.client, ginmw.WithVerifier(verifier), ginmw.WithRealm("gateway")), handler)
	return nil
}

// verifierFor builds a verifier for one route. A client without a key
// source (as in tests) falls back to its own verifier, with the route policy
// enforced on top.
func (g *Gateway) verifierFor(p iam.AuthorizationPolicy) (iam.TokenVerifier, error) {
	def := g.client.DefaultPolicy()
	if p.Issuer == "" {
		p.Issuer = def.Issuer
	}
	if p.Audience == "" {
		p.Audience = def.Audience
	}
	if p.TokenUse == "" {
		p.TokenUse = def.TokenUse
	}

	if g.client.Keys() == nil {
		if v := g.client.Verifier(); v != nil {
			return &policyVerifier{next: v, policy: p}, nil
		}
		return nil, errors.New("client has neither a key source nor a verifier")
	}
	cfg := g.client.Config()
	opts := []token.Option{
		token.WithClockSkew(cfg.ClockSkew),
		token.WithClock(g.client.Clock()),
		token.WithLogger(g.client.Logger()),
		token.WithMetrics(g.client.Metrics()),
	}
	if c := g.client.Cache(); c != nil {
		opts = append(opts, token.WithCache(c, cfg.CacheTTL, g.cacheType))
	}
	return token.New(p, g.client.Keys(), opts...)
}

// policyVerifier applies a route policy to claims from a verifier that knows
// nothing about routes.
type policyVerifier struct {
	next   iam.TokenVerifier
	policy iam.AuthorizationPolicy
}

func (v *policyVerifier) Verify(ctx context.Context, raw string) (*iam.Claims, error) {
	claims, err := v.next.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		return nil, iam.Errorf(iam.KindMalformedToken, "no claims")
	}
	if claims.TokenUse != v.policy.TokenUse {
		return nil, iam.NewError(iam.KindTokenUseMismatch, fmt.Errorf("got %q", claims.TokenUse))
	}
	if err := authz.Evaluate(v.policy, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (g *Gateway) proxy(upstream string) (gin.HandlerFunc, error) {
	target, err := url.Parse(upstream)
	if err != nil || !target.IsAbs() || target.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", upstream)
	}
	logger := g.client.Logger()
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Set(iam.ClaimsHeader, pr.In.Header.Get(iam.ClaimsHeader))
		},
		Transport: g.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream request failed", zap.String("upstream", upstream), zap.Error(err))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"message":"Bad Gateway"}`))
		},
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), g.upstreamTimeout)
		defer cancel()
		rp.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	}, nil
}

func (g *Gateway) health(c *gin.Context) {
	if err := g.client.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
