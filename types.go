package iam

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"strings"
	"time"
)

// TokenUse distinguishes the three token kinds the identity provider mints.
type TokenUse string

const (
	TokenUseID      TokenUse = "id"
	TokenUseAccess  TokenUse = "access"
	TokenUseRefresh TokenUse = "refresh"
)

// Valid reports whether u is one of the known token kinds.
func (u TokenUse) Valid() bool {
	switch u {
	case TokenUseID, TokenUseAccess, TokenUseRefresh:
		return true
	}
	return false
}

// Claims represents the verified claims of a bearer token.
type Claims struct {
	Subject       string         `json:"sub"`
	Issuer        string         `json:"iss"`
	Audience      []string       `json:"aud,omitempty"`
	TokenUse      TokenUse       `json:"token_use"`
	Scopes        []string       `json:"scopes,omitempty"`
	ClientID      string         `json:"client_id,omitempty"`
	TokenID       string         `json:"jti,omitempty"`
	Email         string         `json:"email,omitempty"`
	EmailVerified bool           `json:"email_verified,omitempty"`
	GivenName     string         `json:"given_name,omitempty"`
	IssuedAt      time.Time      `json:"iat"`
	ExpiresAt     time.Time      `json:"exp"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy of c so callers can mutate the result without
// touching a cached value.
func (c *Claims) Clone() *Claims {
	if c == nil {
		return nil
	}
	out := *c
	out.Audience = slices.Clone(c.Audience)
	out.Scopes = slices.Clone(c.Scopes)
	out.Extra = maps.Clone(c.Extra)
	return &out
}

// HasAudience reports whether aud is one of the token audiences.
func (c *Claims) HasAudience(aud string) bool {
	return slices.Contains(c.Audience, aud)
}

// VerificationResult is the outcome of a successful verification, stored in a
// VerificationCache.
type VerificationResult struct {
	Valid     bool          `json:"valid"`
	Claims    *Claims       `json:"claims,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
	CachedAt  time.Time     `json:"cached_at"`
	TTL       time.Duration `json:"ttl"`
}

// Deadline is the instant after which the result must not be served:
// the earlier of CachedAt+TTL and the token expiry.
func (r *VerificationResult) Deadline() time.Time {
	d := r.CachedAt.Add(r.TTL)
	if !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(d) {
		return r.ExpiresAt
	}
	return d
}

// Fresh reports whether the result may still be served at now.
func (r *VerificationResult) Fresh(now time.Time) bool {
	return r != nil && r.Valid && r.Claims != nil && now.Before(r.Deadline())
}

// AuthorizationPolicy is what a protected route demands of a token.
type AuthorizationPolicy struct {
	Issuer         string
	Audience       string
	TokenUse       TokenUse
	RequiredScopes []string
}

// Fingerprint identifies the policy for cache namespacing. Two policies with
// the same fingerprint accept exactly the same tokens.
func (p AuthorizationPolicy) Fingerprint() string {
	scopes := slices.Clone(p.RequiredScopes)
	slices.Sort(scopes)
	h := sha256.New()
	for _, part := range []string{p.Issuer, p.Audience, string(p.TokenUse), strings.Join(scopes, " ")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// Requirement is one rule of the password policy.
type Requirement string

const (
	RequireMinLength Requirement = "min_length"
	RequireLowercase Requirement = "lowercase"
	RequireUppercase Requirement = "uppercase"
	RequireNumbers   Requirement = "numbers"
	RequireSymbols   Requirement = "symbols"
)

// Account is a user of the identity provider.
type Account struct {
	Subject       string            `json:"sub"`
	Email         string            `json:"email"`
	EmailVerified bool              `json:"email_verified"`
	GivenName     string            `json:"given_name,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// TokenSet is what a successful grant returns.
type TokenSet struct {
	IDToken      string `json:"id_token,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}
