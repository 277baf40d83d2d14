// Package tenant derives the hosted login domain prefix for a tenant.
package tenant

import (
	"math/rand/v2"
	"strings"
	"time"
)

const (
	// MaxLabelLength is the longest DNS label a prefix may occupy.
	MaxLabelLength = 63

	// SuffixLength is the length of the random disambiguator.
	SuffixLength = 8

	// ReservedBrand is the product name that must not appear in a public hostname.
	ReservedBrand = "cognito"

	// BrandReplacement stands in for ReservedBrand. It must not be longer.
	BrandReplacement = "login"
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// DomainPrefix builds a DNS-label-safe prefix for the tenant's hosted login
// surface: compose, truncate, sanitize, de-brand, in that order.
// rnd supplies the suffix; pass a seeded source for reproducible output.
// A nil rnd uses a time-seeded source.
func DomainPrefix(tenantName, region string, rnd *rand.Rand) string {
	if rnd == nil {
		now := uint64(time.Now().UnixNano())
		rnd = rand.New(rand.NewPCG(now, now>>17))
	}
	composed := strings.ToLower(tenantName + "-" + region + "-" + Suffix(rnd, SuffixLength))
	return debrand(sanitize(truncate(composed, MaxLabelLength)))
}

// Suffix draws n characters from [a-z0-9].
func Suffix(rnd *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixAlphabet[rnd.IntN(len(suffixAlphabet))]
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sanitize replaces every character outside [a-z0-9-] with '-'. It works on
// bytes so a multi-byte character cut by truncate never grows the label.
func sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			b[i] = '-'
		}
	}
	return string(b)
}

func debrand(s string) string {
	return strings.ReplaceAll(s, ReservedBrand, BrandReplacement)
}
