package token

import (
	"github.com/lestrrat-go/jwx/v2/jwt"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/authz"
)

// Claim names minted by the identity provider beyond the registered ones.
const (
	ClaimTokenUse      = "token_use"
	ClaimScope         = "scope"
	ClaimClientID      = "client_id"
	ClaimEmail         = "email"
	ClaimEmailVerified = "email_verified"
	ClaimGivenName     = "given_name"
)

var known = map[string]bool{
	ClaimTokenUse: true, ClaimScope: true, ClaimClientID: true,
	ClaimEmail: true, ClaimEmailVerified: true, ClaimGivenName: true,
}

// claimsFromToken maps a parsed token onto iam.Claims. Unrecognized private
// claims land in Extra.
func claimsFromToken(tok jwt.Token) *iam.Claims {
	c := &iam.Claims{
		Subject:   tok.Subject(),
		Issuer:    tok.Issuer(),
		Audience:  tok.Audience(),
		TokenID:   tok.JwtID(),
		IssuedAt:  tok.IssuedAt().UTC(),
		ExpiresAt: tok.Expiration().UTC(),
	}

	private := tok.PrivateClaims()
	if v, ok := private[ClaimTokenUse].(string); ok {
		c.TokenUse = iam.TokenUse(v)
	}
	c.Scopes = authz.ParseScopes(private[ClaimScope])
	c.ClientID, _ = private[ClaimClientID].(string)
	c.Email, _ = private[ClaimEmail].(string)
	c.GivenName, _ = private[ClaimGivenName].(string)
	switch v := private[ClaimEmailVerified].(type) {
	case bool:
		c.EmailVerified = v
	case string:
		c.EmailVerified = v == "true"
	}

	for k, v := range private {
		if known[k] {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[k] = v
	}
	return c
}
