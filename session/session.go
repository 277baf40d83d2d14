// Package session tracks refresh-token sessions so refresh tokens can be
// revoked server side.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	iam "github.com/chimerakang/iam-pipeline"
)

// ErrNotFound is returned by a Backend for an unknown session.
var ErrNotFound = errors.New("session not found")

// Session is one refresh-token lineage. Its ID is the refresh token's jti.
type Session struct {
	ID        string    `json:"id"`
	Subject   string    `json:"sub"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Backend defines the contract for pluggable session stores.
type Backend interface {
	// Put stores s, replacing any session with the same ID.
	Put(ctx context.Context, s *Session) error

	// Get returns a session by ID.
	Get(ctx context.Context, id string) (*Session, error)

	// ListBySubject returns every session of subject.
	ListBySubject(ctx context.Context, subject string) ([]*Session, error)
}

// Service manages refresh sessions over a Backend.
type Service struct {
	backend Backend
	clock   iam.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c iam.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// New creates a new Service with the given backend.
func New(backend Backend, opts ...Option) *Service {
	s := &Service{backend: backend, clock: iam.SystemClock}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create starts a session lasting ttl.
func (s *Service) Create(ctx context.Context, subject, clientID string, scopes []string, ttl time.Duration) (*Session, error) {
	if subject == "" || clientID == "" {
		return nil, fmt.Errorf("iam/session: subject and client id are required")
	}
	now := s.clock.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Subject:   subject,
		ClientID:  clientID,
		Scopes:    slices.Clone(scopes),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.backend.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("iam/session: %w", err)
	}
	return sess, nil
}

// Validate returns the session if it is live. Unknown, expired and revoked
// sessions all report KindRevokedToken.
func (s *Service) Validate(ctx context.Context, id string) (*Session, error) {
	sess, err := s.backend.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("iam/session: %w", iam.NewError(iam.KindRevokedToken, err))
	}
	if err != nil {
		return nil, fmt.Errorf("iam/session: %w", err)
	}
	if sess.Revoked || !s.clock.Now().Before(sess.ExpiresAt) {
		return nil, fmt.Errorf("iam/session: %w", iam.NewError(iam.KindRevokedToken, nil))
	}
	return sess, nil
}

// Revoke terminates a specific session. Revoking an unknown session is not
// an error.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("iam/session: sessionID cannot be empty")
	}
	sess, err := s.backend.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("iam/session: %w", err)
	}
	sess.Revoked = true
	if err := s.backend.Put(ctx, sess); err != nil {
		return fmt.Errorf("iam/session: %w", err)
	}
	return nil
}

// RevokeAll terminates every session of subject.
func (s *Service) RevokeAll(ctx context.Context, subject string) error {
	sessions, err := s.backend.ListBySubject(ctx, subject)
	if err != nil {
		return fmt.Errorf("iam/session: %w", err)
	}
	for _, sess := range sessions {
		if sess.Revoked {
			continue
		}
		sess.Revoked = true
		if err := s.backend.Put(ctx, sess); err != nil {
			return fmt.Errorf("iam/session: %w", err)
		}
	}
	return nil
}

// List returns the live sessions of subject.
func (s *Service) List(ctx context.Context, subject string) ([]*Session, error) {
	sessions, err := s.backend.ListBySubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("iam/session: %w", err)
	}
	now := s.clock.Now()
	return slices.DeleteFunc(sessions, func(sess *Session) bool {
		return sess.Revoked || !now.Before(sess.ExpiresAt)
	}), nil
}
