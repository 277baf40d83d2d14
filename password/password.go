// Package password checks candidate passwords against a complexity policy.
package password

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	iam "github.com/chimerakang/iam-pipeline"
)

// Length bounds accepted for Policy.MinLength.
const (
	MinAllowedLength = 6
	MaxAllowedLength = 99
)

// Policy is a password complexity policy.
type Policy struct {
	MinLength        int  `mapstructure:"min_length"`
	RequireLowercase bool `mapstructure:"require_lowercase"`
	RequireUppercase bool `mapstructure:"require_uppercase"`
	RequireNumbers   bool `mapstructure:"require_numbers"`
	RequireSymbols   bool `mapstructure:"require_symbols"`
}

// DefaultPolicy requires eight characters with every character class.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:        8,
		RequireLowercase: true,
		RequireUppercase: true,
		RequireNumbers:   true,
		RequireSymbols:   true,
	}
}

// Validate checks the policy itself.
func (p Policy) Validate() error {
	if p.MinLength < MinAllowedLength || p.MinLength > MaxAllowedLength {
		return fmt.Errorf("password: min length %d outside [%d, %d]", p.MinLength, MinAllowedLength, MaxAllowedLength)
	}
	return nil
}

// Check returns every rule pw fails, in a stable order. An empty result
// means the password conforms.
func (p Policy) Check(pw string) []iam.Requirement {
	var lower, upper, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || r == ' ':
			symbol = true
		}
	}

	var unmet []iam.Requirement
	if utf8.RuneCountInString(pw) < p.MinLength {
		unmet = append(unmet, iam.RequireMinLength)
	}
	if p.RequireLowercase && !lower {
		unmet = append(unmet, iam.RequireLowercase)
	}
	if p.RequireUppercase && !upper {
		unmet = append(unmet, iam.RequireUppercase)
	}
	if p.RequireNumbers && !digit {
		unmet = append(unmet, iam.RequireNumbers)
	}
	if p.RequireSymbols && !symbol {
		unmet = append(unmet, iam.RequireSymbols)
	}
	return unmet
}

// Enforce is Check as an error: a *iam.Error of KindWeakPassword listing the
// unmet rules, or nil.
func (p Policy) Enforce(pw string) error {
	unmet := p.Check(pw)
	if len(unmet) == 0 {
		return nil
	}
	err := iam.NewError(iam.KindWeakPassword, nil)
	err.Unmet = unmet
	return err
}
