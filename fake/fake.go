// Package fake provides in-memory implementations of the iam capability
// interfaces for testing.
//
// Use fake.NewClient() in unit tests to avoid network calls and key material.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	iam "github.com/chimerakang/iam-pipeline"
)

// Issuer and ClientID are the identity of tokens minted by WithUser, and
// the configuration of NewClient.
const (
	Issuer   = "http://fake.local"
	ClientID = "fake"
)

// Option configures the fake client.
type Option func(*state)

type state struct {
	mu     sync.RWMutex
	clock  iam.Clock
	users  map[string]*iam.Claims   // token → claims
	errors map[string]iam.ErrorKind // token → failure
}

// WithUser makes token verify to claims for subject with the given scopes.
// The token string is the subject.
func WithUser(subject, email string, scopes []string) Option {
	return func(s *state) {
		s.users[subject] = &iam.Claims{
			Subject:  subject,
			Email:    email,
			Scopes:   scopes,
			TokenUse: iam.TokenUseAccess,
			Issuer:   Issuer,
			ClientID: ClientID,
		}
	}
}

// WithClaims makes token verify to exactly claims.
func WithClaims(token string, claims *iam.Claims) Option {
	return func(s *state) { s.users[token] = claims }
}

// WithTokenError makes token fail verification with kind.
func WithTokenError(token string, kind iam.ErrorKind) Option {
	return func(s *state) { s.errors[token] = kind }
}

// WithClock sets the clock used for issued and expiry times.
func WithClock(c iam.Clock) Option {
	return func(s *state) { s.clock = c }
}

// NewClient creates an *iam.Client whose verifier is an in-memory fake.
func NewClient(opts ...Option) *iam.Client {
	v := NewVerifier(opts...)
	c, _ := iam.NewClient(
		iam.Config{Issuer: Issuer, ClientID: ClientID},
		iam.WithTokenVerifier(v),
		iam.WithClock(v.s.clock),
	)
	return c
}

// --- TokenVerifier ---

// Verifier treats the bearer token as a lookup key.
type Verifier struct{ s *state }

var _ iam.TokenVerifier = (*Verifier)(nil)

// NewVerifier creates a fake verifier.
func NewVerifier(opts ...Option) *Verifier {
	s := &state{
		clock:  iam.SystemClock,
		users:  make(map[string]*iam.Claims),
		errors: make(map[string]iam.ErrorKind),
	}
	for _, o := range opts {
		o(s)
	}
	return &Verifier{s: s}
}

func (f *Verifier) Verify(_ context.Context, token string) (*iam.Claims, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	if kind, ok := f.s.errors[token]; ok {
		return nil, iam.NewError(kind, fmt.Errorf("iam/fake: token %q", token))
	}
	c, ok := f.s.users[token]
	if !ok {
		return nil, iam.NewError(iam.KindMalformedToken, fmt.Errorf("iam/fake: unknown token %q", token))
	}
	out := c.Clone()
	now := f.s.clock.Now()
	if out.IssuedAt.IsZero() {
		out.IssuedAt = now
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = now.Add(time.Hour)
	}
	if !now.Before(out.ExpiresAt) {
		return nil, iam.NewError(iam.KindExpiredToken, nil)
	}
	return out, nil
}

// --- Clock ---

// Clock is a settable clock. The zero value starts at the Unix epoch.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

var _ iam.Clock = (*Clock)(nil)

// NewClock creates a clock reading t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now.IsZero() {
		return time.Unix(0, 0)
	}
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// --- Mailer ---

// Mailer records the last confirmation code sent to each address.
type Mailer struct {
	mu    sync.Mutex
	codes map[string]string
	sent  int
	err   error
}

var _ iam.Mailer = (*Mailer)(nil)

// NewMailer creates a recording mailer.
func NewMailer() *Mailer { return &Mailer{codes: make(map[string]string)} }

// FailWith makes every subsequent send fail with err.
func (m *Mailer) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Mailer) SendConfirmationCode(_ context.Context, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.codes[email] = code
	m.sent++
	return nil
}

// Code returns the last code sent to email.
func (m *Mailer) Code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

// Sent returns how many codes were delivered.
func (m *Mailer) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// --- KeySource ---

// KeySource serves fixed keys and counts lookups.
type KeySource struct {
	mu      sync.Mutex
	keys    map[string]jwk.Key
	lookups int
	err     error
}

var _ iam.KeySource = (*KeySource)(nil)

// NewKeySource creates a key source over keys, indexed by their kid.
func NewKeySource(keys ...jwk.Key) *KeySource {
	ks := &KeySource{keys: make(map[string]jwk.Key)}
	for _, k := range keys {
		ks.keys[k.KeyID()] = k
	}
	return ks
}

// FailWith makes every subsequent lookup fail with err.
func (k *KeySource) FailWith(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.err = err
}

func (k *KeySource) Key(_ context.Context, kid string) (jwk.Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lookups++
	if k.err != nil {
		return nil, k.err
	}
	key, ok := k.keys[kid]
	if !ok {
		return nil, iam.NewError(iam.KindSignatureInvalid, fmt.Errorf("iam/fake: unknown kid %q", kid))
	}
	return key, nil
}

// Lookups returns how many times Key was called.
func (k *KeySource) Lookups() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lookups
}
