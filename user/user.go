// Package user manages identity provider accounts: sign up, email
// confirmation and password authentication.
package user

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/audit"
	"github.com/chimerakang/iam-pipeline/metrics"
	"github.com/chimerakang/iam-pipeline/password"
)

var (
	// ErrNotFound is returned by a Backend for an unknown account.
	ErrNotFound = errors.New("account not found")
	// ErrExists is returned by a Backend when the email is taken.
	ErrExists = errors.New("account already exists")
)

// Record is the stored form of an account.
type Record struct {
	Account          iam.Account
	PasswordHash     []byte
	ConfirmationCode string
	CodeExpiresAt    time.Time
}

// Backend defines the contract for pluggable account stores.
type Backend interface {
	Create(ctx context.Context, rec *Record) error
	GetByEmail(ctx context.Context, email string) (*Record, error)
	GetBySubject(ctx context.Context, subject string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
}

// DefaultCodeTTL is how long a confirmation code stays valid.
const DefaultCodeTTL = 24 * time.Hour

// Service implements account management over a Backend.
type Service struct {
	backend           Backend
	policy            password.Policy
	mailer            iam.Mailer
	clock             iam.Clock
	preventDisclosure bool
	codeTTL           time.Duration
	cost              int
	logger            *zap.Logger
	metrics           *metrics.Metrics
	audit             *audit.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

// Option configures a Service.
type Option func(*Service)

// WithPasswordPolicy sets the password policy. Default: password.DefaultPolicy.
func WithPasswordPolicy(p password.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithMailer sets where confirmation codes are delivered.
func WithMailer(m iam.Mailer) Option {
	return func(s *Service) { s.mailer = m }
}

// WithClock overrides the wall clock.
func WithClock(c iam.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithPreventUserExistenceErrors makes an unknown account indistinguishable
// from a wrong password. Default: true.
func WithPreventUserExistenceErrors(on bool) Option {
	return func(s *Service) { s.preventDisclosure = on }
}

// WithCodeTTL sets the confirmation code lifetime.
func WithCodeTTL(d time.Duration) Option {
	return func(s *Service) { s.codeTTL = d }
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

// New creates a Service over backend.
func New(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:           backend,
		policy:            password.DefaultPolicy(),
		clock:             iam.SystemClock,
		preventDisclosure: true,
		codeTTL:           DefaultCodeTTL,
		cost:              bcrypt.DefaultCost,
		logger:            zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Policy returns the enforced password policy.
func (s *Service) Policy() password.Policy { return s.policy }

// SignUp registers an unconfirmed account and sends a confirmation code.
// attrs may carry given_name and custom attributes.
func (s *Service) SignUp(ctx context.Context, email, pw string, attrs map[string]string) (*iam.Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		s.metrics.RecordSignUp(audit.ResultFailure)
		return nil, fmt.Errorf("iam/user: %w", err)
	}
	if err := s.policy.Enforce(pw); err != nil {
		s.metrics.RecordSignUp(audit.ResultFailure)
		return nil, fmt.Errorf("iam/user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pw), s.cost)
	if err != nil {
		return nil, fmt.Errorf("iam/user: hash password: %w", err)
	}
	code, err := newCode()
	if err != nil {
		return nil, fmt.Errorf("iam/user: %w", err)
	}

	now := s.clock.Now()
	acct := iam.Account{
		Subject:   uuid.NewString(),
		Email:     email,
		CreatedAt: now,
	}
	for k, v := range attrs {
		if k == "given_name" {
			acct.GivenName = v
			continue
		}
		if acct.Attributes == nil {
			acct.Attributes = make(map[string]string)
		}
		acct.Attributes[k] = v
	}

	rec := &Record{Account: acct, PasswordHash: hash, ConfirmationCode: code, CodeExpiresAt: now.Add(s.codeTTL)}
	if err := s.backend.Create(ctx, rec); err != nil {
		s.metrics.RecordSignUp(audit.ResultFailure)
		if errors.Is(err, ErrExists) {
			return nil, fmt.Errorf("iam/user: %w", iam.Errorf(iam.KindInvalidRequest, "an account with this email already exists"))
		}
		return nil, fmt.Errorf("iam/user: %w", err)
	}
	if err := s.deliver(ctx, email, code); err != nil {
		return nil, err
	}

	s.metrics.RecordSignUp(audit.ResultSuccess)
	s.audit.LogContext(ctx, audit.Event{Action: audit.ActionSignUp, Result: audit.ResultSuccess, Subject: acct.Subject})
	s.logger.Info("account registered", zap.String("sub", acct.Subject))
	return &acct, nil
}

// Confirm marks the account's email verified if code matches.
func (s *Service) Confirm(ctx context.Context, email, code string) error {
	rec, err := s.lookup(ctx, email)
	if err != nil {
		return err
	}
	if rec.Account.EmailVerified {
		return nil
	}
	if rec.ConfirmationCode == "" ||
		subtle.ConstantTimeCompare([]byte(code), []byte(rec.ConfirmationCode)) != 1 ||
		!s.clock.Now().Before(rec.CodeExpiresAt) {
		s.audit.LogContext(ctx, audit.Event{Action: audit.ActionConfirm, Result: audit.ResultFailure, Subject: rec.Account.Subject})
		return fmt.Errorf("iam/user: %w", iam.Errorf(iam.KindInvalidRequest, "invalid or expired confirmation code"))
	}

	rec.Account.EmailVerified = true
	rec.ConfirmationCode = ""
	rec.CodeExpiresAt = time.Time{}
	if err := s.backend.Update(ctx, rec); err != nil {
		return fmt.Errorf("iam/user: %w", err)
	}
	s.audit.LogContext(ctx, audit.Event{Action: audit.ActionConfirm, Result: audit.ResultSuccess, Subject: rec.Account.Subject})
	return nil
}

// ResendCode issues a fresh confirmation code for an unconfirmed account.
func (s *Service) ResendCode(ctx context.Context, email string) error {
	rec, err := s.lookup(ctx, email)
	if err != nil {
		return err
	}
	if rec.Account.EmailVerified {
		return fmt.Errorf("iam/user: %w", iam.Errorf(iam.KindInvalidRequest, "account is already confirmed"))
	}
	code, err := newCode()
	if err != nil {
		return fmt.Errorf("iam/user: %w", err)
	}
	rec.ConfirmationCode = code
	rec.CodeExpiresAt = s.clock.Now().Add(s.codeTTL)
	if err := s.backend.Update(ctx, rec); err != nil {
		return fmt.Errorf("iam/user: %w", err)
	}
	return s.deliver(ctx, rec.Account.Email, code)
}

// Authenticate checks a password. With existence disclosure prevented, an
// unknown email and a wrong password fail identically, including the time
// spent hashing.
func (s *Service) Authenticate(ctx context.Context, email, pw string) (*iam.Account, error) {
	normalized, _ := normalizeEmail(email)
	rec, err := s.backend.GetByEmail(ctx, normalized)
	if errors.Is(err, ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(pw))
		if s.preventDisclosure {
			return nil, invalidCredentials()
		}
		return nil, fmt.Errorf("iam/user: %w", iam.Errorf(iam.KindInvalidCredentials, "user does not exist"))
	}
	if err != nil {
		return nil, fmt.Errorf("iam/user: %w", err)
	}

	if bcrypt.CompareHashAndPassword(rec.PasswordHash, []byte(pw)) != nil {
		return nil, invalidCredentials()
	}
	if !rec.Account.EmailVerified {
		return nil, fmt.Errorf("iam/user: %w", iam.NewError(iam.KindUnverifiedAccount, nil))
	}
	acct := rec.Account
	return &acct, nil
}

// Get returns an account by subject.
func (s *Service) Get(ctx context.Context, subject string) (*iam.Account, error) {
	if subject == "" {
		return nil, fmt.Errorf("iam/user: subject cannot be empty")
	}
	rec, err := s.backend.GetBySubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("iam/user: %w", err)
	}
	acct := rec.Account
	return &acct, nil
}

func (s *Service) lookup(ctx context.Context, email string) (*Record, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return nil, fmt.Errorf("iam/user: %w", err)
	}
	rec, err := s.backend.GetByEmail(ctx, normalized)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("iam/user: %w", iam.Errorf(iam.KindInvalidRequest, "invalid or expired confirmation code"))
	}
	if err != nil {
		return nil, fmt.Errorf("iam/user: %w", err)
	}
	return rec, nil
}

func (s *Service) deliver(ctx context.Context, email, code string) error {
	if s.mailer == nil {
		s.logger.Warn("no mailer configured, confirmation code not delivered", zap.String("email", email))
		return nil
	}
	if err := s.mailer.SendConfirmationCode(ctx, email, code); err != nil {
		return fmt.Errorf("iam/user: deliver code: %w", err)
	}
	return nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), s.cost)
	})
	return s.dummyHash
}

// The message is fixed so both failure paths render the same bytes.
func invalidCredentials() error {
	return fmt.Errorf("iam/user: %w", iam.NewError(iam.KindInvalidCredentials, nil))
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", iam.Errorf(iam.KindInvalidRequest, "invalid email address")
	}
	return email, nil
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
