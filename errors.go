package iam

import (
	"errors"
	"net/http"
	"strings"
)

// ErrorKind classifies failures across the pipeline.
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindUnverifiedAccount  ErrorKind = "unverified_account"
	KindWeakPassword       ErrorKind = "weak_password"
	KindUntrustedCallback  ErrorKind = "untrusted_callback"
	KindMalformedToken     ErrorKind = "malformed_token"
	KindExpiredToken       ErrorKind = "expired_token"
	KindTokenUseMismatch   ErrorKind = "token_use_mismatch"
	KindSignatureInvalid   ErrorKind = "signature_invalid"
	KindIssuerMismatch     ErrorKind = "issuer_mismatch"
	KindAudienceMismatch   ErrorKind = "audience_mismatch"
	KindInsufficientScope  ErrorKind = "insufficient_scope"
	KindUpstreamTimeout    ErrorKind = "upstream_timeout"
	KindRevokedToken       ErrorKind = "revoked_token"
	KindInvalidClient      ErrorKind = "invalid_client"
	KindInvalidGrant       ErrorKind = "invalid_grant"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindInternal           ErrorKind = "internal"
)

var kindMessages = map[ErrorKind]string{
	KindInvalidCredentials: "incorrect username or password",
	KindUnverifiedAccount:  "account is not confirmed",
	KindWeakPassword:       "password does not conform to policy",
	KindUntrustedCallback:  "redirect uri is not registered for this client",
	KindMalformedToken:     "token is malformed",
	KindExpiredToken:       "token has expired",
	KindTokenUseMismatch:   "token use is not accepted",
	KindSignatureInvalid:   "token signature is invalid",
	KindIssuerMismatch:     "token issuer is not trusted",
	KindAudienceMismatch:   "token audience is not accepted",
	KindInsufficientScope:  "token lacks required scope",
	KindUpstreamTimeout:    "key set is unavailable",
	KindRevokedToken:       "token has been revoked",
	KindInvalidClient:      "client authentication failed",
	KindInvalidGrant:       "grant is invalid or expired",
	KindInvalidRequest:     "request is invalid",
	KindInternal:           "internal error",
}

// Error is the error type returned across package boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
	// Unmet lists the failed password rules for KindWeakPassword.
	Unmet []Requirement
}

// NewError creates an Error with the default message for kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: kindMessages[kind], Err: err}
}

// Errorf creates an Error with a custom message.
func Errorf(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("iam: ")
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrUnverifiedAccount  = &Error{Kind: KindUnverifiedAccount}
	ErrWeakPassword       = &Error{Kind: KindWeakPassword}
	ErrUntrustedCallback  = &Error{Kind: KindUntrustedCallback}
	ErrMalformedToken     = &Error{Kind: KindMalformedToken}
	ErrExpiredToken       = &Error{Kind: KindExpiredToken}
	ErrSignatureInvalid   = &Error{Kind: KindSignatureInvalid}
	ErrIssuerMismatch     = &Error{Kind: KindIssuerMismatch}
	ErrAudienceMismatch   = &Error{Kind: KindAudienceMismatch}
	ErrInsufficientScope  = &Error{Kind: KindInsufficientScope}
	ErrUpstreamTimeout    = &Error{Kind: KindUpstreamTimeout}
	ErrRevokedToken       = &Error{Kind: KindRevokedToken}
)

// KindOf returns the kind of err. Errors that are not an *Error report
// KindInternal; nil reports the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status an outer surface should answer with.
// Every verification failure except a scope shortfall is a 401.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindMalformedToken, KindExpiredToken, KindTokenUseMismatch, KindSignatureInvalid,
		KindIssuerMismatch, KindAudienceMismatch, KindUpstreamTimeout, KindRevokedToken,
		KindInvalidCredentials, KindInvalidClient:
		return http.StatusUnauthorized
	case KindInsufficientScope, KindUnverifiedAccount:
		return http.StatusForbidden
	case KindWeakPassword, KindUntrustedCallback, KindInvalidGrant, KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
