// Package jwks provides an iam.KeySource backed by a remote JSON Web Key Set
// (RFC 7517).
//
// Keys are cached locally and refreshed when stale or when a token names an
// unknown key id. Concurrent refreshes are coalesced, every fetch carries a
// timeout, and a failed fetch is retried once with backoff before it is
// reported as iam.KindUpstreamTimeout.
package jwks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/metrics"
)

var tracer = otel.Tracer("github.com/chimerakang/iam-pipeline/jwks")

const (
	DefaultRefreshInterval    = time.Hour
	DefaultMinRefreshInterval = 10 * time.Second
	DefaultFetchTimeout       = 5 * time.Second
	DefaultRetryDelay         = 200 * time.Millisecond

	maxBodySize = 1 << 20
)

// KeySet implements iam.KeySource over a JWKS endpoint.
type KeySet struct {
	url                string
	httpClient         *http.Client
	refreshInterval    time.Duration
	minRefreshInterval time.Duration
	fetchTimeout       time.Duration
	retryDelay         time.Duration
	clock              iam.Clock
	logger             *zap.Logger
	metrics            *metrics.Metrics

	group singleflight.Group

	mu          sync.RWMutex
	set         jwk.Set
	lastFetch   time.Time
	lastAttempt time.Time
}

// compile-time check
var _ iam.KeySource = (*KeySet)(nil)

// Option configures the KeySet.
type Option func(*KeySet)

// WithHTTPClient sets a custom HTTP client for fetching the key set.
func WithHTTPClient(c *http.Client) Option {
	return func(k *KeySet) { k.httpClient = c }
}

// WithRefreshInterval sets how long fetched keys are trusted before a
// refresh. Default: 1 hour.
func WithRefreshInterval(d time.Duration) Option {
	return func(k *KeySet) { k.refreshInterval = d }
}

// WithMinRefreshInterval bounds how often an unknown kid can trigger a
// fetch. Default: 10 seconds.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(k *KeySet) { k.minRefreshInterval = d }
}

// WithFetchTimeout sets the per-attempt timeout. Default: 5 seconds.
func WithFetchTimeout(d time.Duration) Option {
	return func(k *KeySet) { k.fetchTimeout = d }
}

// WithRetryDelay sets the initial backoff before the single retry.
func WithRetryDelay(d time.Duration) Option {
	return func(k *KeySet) { k.retryDelay = d }
}

// WithClock overrides the wall clock used for staleness.
func WithClock(c iam.Clock) Option {
	return func(k *KeySet) { k.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *KeySet) { k.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(k *KeySet) { k.metrics = m }
}

// New creates a key set for url. Nothing is fetched until the first lookup
// or an explicit Refresh.
func New(url string, opts ...Option) *KeySet {
	k := &KeySet{
		url:                url,
		httpClient:         http.DefaultClient,
		refreshInterval:    DefaultRefreshInterval,
		minRefreshInterval: DefaultMinRefreshInterval,
		fetchTimeout:       DefaultFetchTimeout,
		retryDelay:         DefaultRetryDelay,
		clock:              iam.SystemClock,
		logger:             zap.NewNop(),
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Key returns the public key for kid, fetching or refreshing as needed.
// A stale key is still served when a refresh fails.
func (k *KeySet) Key(ctx context.Context, kid string) (jwk.Key, error) {
	now := k.clock.Now()

	k.mu.RLock()
	set, lastFetch, lastAttempt := k.set, k.lastFetch, k.lastAttempt
	k.mu.RUnlock()

	var key jwk.Key
	found := false
	if set != nil {
		key, found = set.LookupKeyID(kid)
	}
	stale := now.Sub(lastFetch) > k.refreshInterval

	if found && !stale {
		return key, nil
	}
	if !found && !stale && set != nil && now.Sub(lastAttempt) < k.minRefreshInterval {
		return nil, iam.NewError(iam.KindSignatureInvalid, fmt.Errorf("unknown kid %q", kid))
	}

	if err := k.Refresh(ctx); err != nil {
		if found {
			k.logger.Warn("key set refresh failed, serving stale key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok := k.set.LookupKeyID(kid); ok {
		return key, nil
	}
	return nil, iam.NewError(iam.KindSignatureInvalid, fmt.Errorf("unknown kid %q", kid))
}

// Refresh fetches the key set and replaces the cached one whole.
// Concurrent callers share one fetch.
func (k *KeySet) Refresh(ctx context.Context) error {
	_, err, _ := k.group.Do("refresh", func() (any, error) {
		k.mu.Lock()
		k.lastAttempt = k.clock.Now()
		k.mu.Unlock()

		set, err := k.fetchWithRetry(ctx)
		k.metrics.RecordJWKSFetch(err == nil)
		if err != nil {
			return nil, err
		}

		k.mu.Lock()
		k.set = set
		k.lastFetch = k.clock.Now()
		k.mu.Unlock()
		k.logger.Debug("key set refreshed", zap.String("url", k.url), zap.Int("keys", set.Len()))
		return nil, nil
	})
	return err
}

// Len returns the number of cached keys.
func (k *KeySet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.set == nil {
		return 0
	}
	return k.set.Len()
}

func (k *KeySet) fetchWithRetry(ctx context.Context) (jwk.Set, error) {
	ctx, span := tracer.Start(ctx, "jwks.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("jwks.url", k.url))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = k.retryDelay

	attempts := 0
	set, err := backoff.Retry(ctx, func() (jwk.Set, error) {
		attempts++
		return k.fetch(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(2))
	span.SetAttributes(attribute.Int("jwks.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		var ie *iam.Error
		if errors.As(err, &ie) {
			return nil, err
		}
		return nil, iam.NewError(iam.KindUpstreamTimeout, err)
	}
	return set, nil
}

// fetch performs one attempt. Undecodable key sets are permanent failures;
// transport errors and 5xx responses may be retried.
func (k *KeySet) fetch(ctx context.Context) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, k.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("iam/jwks: create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("iam/jwks: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("iam/jwks: fetch returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("iam/jwks: fetch returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("iam/jwks: read: %w", err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("iam/jwks: decode: %w", err))
	}
	set, err = signingKeys(set)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return set, nil
}

// signingKeys keeps the public signature keys that carry a kid.
func signingKeys(in jwk.Set) (jwk.Set, error) {
	out := jwk.NewSet()
	for i := 0; i < in.Len(); i++ {
		key, ok := in.Key(i)
		if !ok || key.KeyID() == "" {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
			continue
		}
		pub, err := jwk.PublicKeyOf(key)
		if err != nil {
			continue
		}
		if err := out.AddKey(pub); err != nil {
			continue
		}
	}
	if out.Len() == 0 {
		return nil, errors.New("iam/jwks: no usable signing keys found")
	}
	return out, nil
}
