// Package stack assembles the identity provider, gateway and backend from
// configuration and runs them as HTTP servers.
package stack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/audit"
	"github.com/chimerakang/iam-pipeline/backend"
	"github.com/chimerakang/iam-pipeline/cache"
	"github.com/chimerakang/iam-pipeline/config"
	"github.com/chimerakang/iam-pipeline/gateway"
	"github.com/chimerakang/iam-pipeline/idp"
	"github.com/chimerakang/iam-pipeline/jwks"
	"github.com/chimerakang/iam-pipeline/keys"
	"github.com/chimerakang/iam-pipeline/metrics"
	"github.com/chimerakang/iam-pipeline/session"
	"github.com/chimerakang/iam-pipeline/user"
)

// Stack owns every component built from one Config.
type Stack struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger
	mailer  iam.Mailer
	clock   iam.Clock
	keys    keys.Provider

	closers []func() error
}

// Option configures a Stack.
type Option func(*Stack)

// WithMailer replaces the logging mailer.
func WithMailer(m iam.Mailer) Option {
	return func(s *Stack) { s.mailer = m }
}

// WithClock sets the clock for every component.
func WithClock(c iam.Clock) Option {
	return func(s *Stack) { s.clock = c }
}

// WithKeyProvider replaces the configured signing keys.
func WithKeyProvider(p keys.Provider) Option {
	return func(s *Stack) { s.keys = p }
}

// New creates a Stack. Nothing is connected until a component is built.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Stack {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stack{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(cfg.Metrics.Enabled),
		clock:   iam.SystemClock,
	}
	for _, o := range opts {
		o(s)
	}
	if s.mailer == nil {
		s.mailer = logMailer{logger: logger.Named("mailer")}
	}
	s.audit = audit.New(0, audit.WithZapHandler(logger), audit.WithClock(s.clock))
	return s
}

// Metrics returns the registry shared by every component.
func (s *Stack) Metrics() *metrics.Metrics { return s.metrics }

// IdP builds the identity provider and its HTTP routes.
func (s *Stack) IdP(ctx context.Context) (*idp.Provider, http.Handler, error) {
	c := s.cfg.IdP
	log := s.logger.Named("idp")

	users, err := s.userBackend(ctx, c.Users)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := s.sessionBackend(c.Sessions)
	if err != nil {
		return nil, nil, err
	}
	kp := s.keys
	if kp == nil {
		if kp, err = s.keyProvider(c); err != nil {
			return nil, nil, err
		}
	}

	svc := user.New(users,
		user.WithPasswordPolicy(c.PasswordPolicy),
		user.WithPreventUserExistenceErrors(c.PreventUserExistenceErrors),
		user.WithMailer(s.mailer),
		user.WithClock(s.clock),
		user.WithLogger(log),
		user.WithMetrics(s.metrics),
		user.WithAudit(s.audit),
	)
	p, err := idp.New(c.Config, svc, session.New(sessions, session.WithClock(s.clock)), kp,
		idp.WithClock(s.clock),
		idp.WithLogger(log),
		idp.WithMetrics(s.metrics),
		idp.WithAudit(s.audit),
	)
	if err != nil {
		return nil, nil, err
	}
	return p, idp.NewHandler(p).Routes(), nil
}

// Backend builds the greeting service.
func (s *Stack) Backend() http.Handler {
	return backend.NewRouter(s.logger.Named("backend"), s.cfg.Backend.Paths...)
}

// Gateway builds the enforcement layer. Routes without an upstream answer
// with the backend greeting in process.
func (s *Stack) Gateway(ctx context.Context) (*gateway.Gateway, error) {
	c := s.cfg.Gateway
	log := s.logger.Named("gateway")

	keySet := jwks.New(c.JWKSURL,
		jwks.WithHTTPClient(&http.Client{Timeout: c.HTTPTimeout}),
		jwks.WithClock(s.clock),
		jwks.WithLogger(log),
		jwks.WithMetrics(s.metrics),
	)
	if err := keySet.Refresh(ctx); err != nil {
		// The key set refetches on first use; an IdP that starts later is fine.
		log.Warn("initial key set fetch failed", zap.String("url", c.JWKSURL), zap.Error(err))
	}

	vc, err := s.verificationCache(c.Cache)
	if err != nil {
		return nil, err
	}
	client, err := iam.NewClient(iam.Config{
		Issuer:    c.Issuer,
		ClientID:  c.ClientID,
		JWKSURL:   c.JWKSURL,
		CacheTTL:  c.CacheTTL,
		ClockSkew: c.ClockSkew,
	},
		iam.WithLogger(log),
		iam.WithKeySource(keySet),
		iam.WithVerificationCache(vc),
		iam.WithClock(s.clock),
		iam.WithMetrics(s.metrics),
		iam.WithAudit(s.audit),
	)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, client.Close)

	routes := make([]gateway.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		rt := gateway.Route{Method: rc.Method, Path: rc.Path, Policy: rc.Policy(), Upstream: rc.Upstream}
		if rt.Upstream == "" {
			rt.Handler = backend.Handler(log)
		}
		routes = append(routes, rt)
	}
	return gateway.New(client, routes,
		gateway.WithUpstreamTimeout(c.HTTPTimeout),
		gateway.WithCacheType(c.Cache.Backend),
	)
}

// Close releases connections and flushes the audit log.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	errs = append(errs, s.audit.Close())
	return errors.Join(errs...)
}

func (s *Stack) userBackend(ctx context.Context, c config.StoreConfig) (user.Backend, error) {
	if c.Backend != config.BackendMongo {
		return user.NewMemoryBackend(), nil
	}
	b, client, err := user.Connect(ctx, c.MongoURI, c.Database, c.Collection)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Disconnect(ctx)
	})
	if err := b.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Stack) sessionBackend(c config.StoreConfig) (session.Backend, error) {
	if c.Backend != config.BackendRedis {
		return session.NewMemoryBackend(), nil
	}
	return session.NewRedisBackend(s.redis(c.RedisAddr), c.KeyPrefix), nil
}

func (s *Stack) verificationCache(c config.StoreConfig) (iam.VerificationCache, error) {
	if c.Backend == config.BackendRedis {
		return cache.NewRedis(s.redis(c.RedisAddr), c.KeyPrefix), nil
	}
	return cache.NewMemory(c.MaxEntries)
}

func (s *Stack) redis(addr string) *redis.Client {
	rc := redis.NewClient(&redis.Options{Addr: addr})
	s.closers = append(s.closers, rc.Close)
	return rc
}

func (s *Stack) keyProvider(c config.IdPConfig) (keys.Provider, error) {
	if c.SigningKeyFile != "" {
		return keys.NewFileProvider(c.SigningKeyFile)
	}
	return keys.NewGeneratingProvider(keys.WithKeyBits(c.KeyBits), keys.WithLogger(s.logger.Named("keys"))), nil
}

// Serve runs the given roles until ctx is done, then shuts them down.
func (s *Stack) Serve(ctx context.Context, roles ...config.Role) error {
	servers := make(map[config.Role]*http.Server)
	for _, r := range roles {
		var (
			h    http.Handler
			addr string
		)
		switch r {
		case config.RoleIdP:
			_, ih, err := s.IdP(ctx)
			if err != nil {
				return fmt.Errorf("build idp: %w", err)
			}
			h, addr = ih, s.cfg.Server.IdPAddr
		case config.RoleBackend:
			h, addr = s.Backend(), s.cfg.Server.BackendAddr
			if !loopback(addr) {
				s.logger.Warn("backend trusts the claims header; keep it reachable only through the gateway",
					zap.String("addr", addr))
			}
		case config.RoleGateway:
			g, err := s.Gateway(ctx)
			if err != nil {
				return fmt.Errorf("build gateway: %w", err)
			}
			h, addr = g.Handler(), s.cfg.Server.GatewayAddr
		default:
			return fmt.Errorf("unknown role %q", r)
		}
		servers[r] = &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for role, srv := range servers {
		g.Go(func() error {
			s.logger.Info("server listening", zap.String("role", string(role)), zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", role, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for role, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("%s shutdown: %w", role, err))
			}
		}
		s.logger.Info("servers stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}

// logMailer writes confirmation codes to the log. It stands in for a mail
// service in local stacks.
type logMailer struct{ logger *zap.Logger }

func (m logMailer) SendConfirmationCode(_ context.Context, email, code string) error {
	m.logger.Info("confirmation code issued", zap.String("email", email), zap.String("code", code))
	return nil
}

// loopback reports whether addr only accepts local connections.
func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
