// Package authz evaluates an authorization policy against verified claims.
package authz

import (
	"fmt"
	"slices"
	"strings"

	iam "github.com/chimerakang/iam-pipeline"
)

// Evaluate checks issuer, then audience, then scopes. Signature and expiry
// are the caller's concern.
func Evaluate(policy iam.AuthorizationPolicy, claims *iam.Claims) error {
	if claims == nil {
		return iam.Errorf(iam.KindMalformedToken, "no claims")
	}
	if claims.Issuer != policy.Issuer {
		return iam.NewError(iam.KindIssuerMismatch, fmt.Errorf("got %q", claims.Issuer))
	}
	if err := checkAudience(policy, claims); err != nil {
		return err
	}
	if missing := Missing(claims.Scopes, policy.RequiredScopes); len(missing) > 0 {
		return iam.NewError(iam.KindInsufficientScope, fmt.Errorf("missing %s", strings.Join(missing, ",")))
	}
	return nil
}

// Access tokens name their client in client_id rather than aud, so either
// one satisfies the audience requirement.
func checkAudience(policy iam.AuthorizationPolicy, claims *iam.Claims) error {
	if policy.Audience == "" {
		return nil
	}
	if claims.HasAudience(policy.Audience) {
		return nil
	}
	if claims.TokenUse == iam.TokenUseAccess && claims.ClientID == policy.Audience {
		return nil
	}
	return iam.NewError(iam.KindAudienceMismatch, fmt.Errorf("got %v", claims.Audience))
}

// Superset reports whether have contains every element of want.
func Superset(have, want []string) bool {
	return len(Missing(have, want)) == 0
}

// Missing returns the elements of want absent from have, in want order.
func Missing(have, want []string) []string {
	var missing []string
	for _, w := range want {
		if !slices.Contains(have, w) {
			missing = append(missing, w)
		}
	}
	return missing
}

// ParseScopes normalizes a scope claim: a space-delimited string or a JSON
// array. Duplicates and empty entries are dropped.
func ParseScopes(v any) []string {
	var raw []string
	switch s := v.(type) {
	case string:
		raw = strings.Fields(s)
	case []string:
		raw = s
	case []any:
		for _, e := range s {
			if str, ok := e.(string); ok {
				raw = append(raw, strings.Fields(str)...)
			}
		}
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if r != "" && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
