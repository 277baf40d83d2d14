package iam

import "context"

type ctxKey string

const (
	ctxKeySubject ctxKey = "iam_subject"
	ctxKeyScopes  ctxKey = "iam_scopes"
	ctxKeyClaims  ctxKey = "iam_claims"
)

// WithSubject stores the authenticated subject in the context.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// SubjectFromContext extracts the authenticated subject from the context.
func SubjectFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeySubject).(string)
	return v
}

// WithScopes stores the granted scopes in the context.
func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, ctxKeyScopes, scopes)
}

// ScopesFromContext extracts the granted scopes from the context.
func ScopesFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(ctxKeyScopes).([]string)
	return v
}

// WithClaims stores the full token claims in the context, along with the
// subject and scopes derived from them.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, ctxKeyClaims, claims)
	if claims != nil {
		ctx = WithSubject(ctx, claims.Subject)
		ctx = WithScopes(ctx, claims.Scopes)
	}
	return ctx
}

// ClaimsFromContext extracts the full token claims from the context.
func ClaimsFromContext(ctx context.Context) *Claims {
	v, _ := ctx.Value(ctxKeyClaims).(*Claims)
	return v
}
