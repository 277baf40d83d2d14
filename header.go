package iam

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ClaimsHeader carries verified claims from the gateway to the backend.
const ClaimsHeader = "X-Iam-Claims"

// EncodeClaimsHeader serializes claims for ClaimsHeader.
func EncodeClaimsHeader(c *Claims) (string, error) {
	if c == nil {
		return "", fmt.Errorf("iam: nil claims")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("iam: encode claims: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeClaimsHeader parses a ClaimsHeader value.
func DecodeClaimsHeader(v string) (*Claims, error) {
	if v == "" {
		return nil, NewError(KindMalformedToken, fmt.Errorf("missing %s header", ClaimsHeader))
	}
	data, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, NewError(KindMalformedToken, err)
	}
	var c Claims
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, NewError(KindMalformedToken, err)
	}
	if c.Subject == "" {
		return nil, Errorf(KindMalformedToken, "claims carry no subject")
	}
	return &c, nil
}
