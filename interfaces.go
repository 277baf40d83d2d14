package iam

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// TokenVerifier verifies a raw bearer token and returns its claims.
// Errors carry an ErrorKind retrievable with KindOf.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// VerificationCache stores successful verification results. Implementations
// must not return an entry after its ttl has elapsed; callers still check
// VerificationResult.Fresh against their own clock.
type VerificationCache interface {
	Get(ctx context.Context, key string) (*VerificationResult, bool, error)
	Set(ctx context.Context, key string, result *VerificationResult, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// KeySource resolves a public verification key by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (jwk.Key, error)
}

// Mailer delivers account confirmation codes.
type Mailer interface {
	SendConfirmationCode(ctx context.Context, email, code string) error
}

// Clock abstracts time so expiry and caching can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
