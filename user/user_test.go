package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/fake"
)

const strongPassword = "Abc12345!"

func newService(t *testing.T, opts ...Option) (*Service, *fake.Mailer, *fake.Clock) {
	t.Helper()
	mailer := fake.NewMailer()
	clock := fake.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	base := []Option{WithMailer(mailer), WithClock(clock), WithBcryptCost(bcrypt.MinCost)}
	return New(NewMemoryBackend(), append(base, opts...)...), mailer, clock
}

func TestSignUp_WeakPassword(t *testing.T) {
	s, mailer, _ := newService(t)
	_, err := s.SignUp(context.Background(), "alice@example.com", "abc", nil)

	var ie *iam.Error
	if !errors.As(err, &ie) || ie.Kind != iam.KindWeakPassword {
		t.Fatalf("SignUp() error = %v, want weak_password", err)
	}
	if len(ie.Unmet) == 0 {
		t.Error("Unmet should list failed rules")
	}
	if mailer.Sent() != 0 {
		t.Error("no code should be sent for a rejected sign up")
	}
}

func TestSignUp_ConfirmAuthenticate(t *testing.T) {
	ctx := context.Background()
	s, mailer, _ := newService(t)

	acct, err := s.SignUp(ctx, "Alice@Example.com", strongPassword, map[string]string{"given_name": "Alice", "custom:team": "blue"})
	if err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}
	if acct.Subject == "" || acct.EmailVerified {
		t.Fatalf("account = %+v, want unverified with subject", acct)
	}
	if acct.Email != "alice@example.com" {
		t.Errorf("Email = %q, want normalized", acct.Email)
	}
	if acct.GivenName != "Alice" || acct.Attributes["custom:team"] != "blue" {
		t.Errorf("attributes not stored: %+v", acct)
	}

	_, err = s.Authenticate(ctx, "alice@example.com", strongPassword)
	if iam.KindOf(err) != iam.KindUnverifiedAccount {
		t.Fatalf("Authenticate() before confirm kind = %q, want unverified_account", iam.KindOf(err))
	}

	if err := s.Confirm(ctx, "alice@example.com", "000000x"); iam.KindOf(err) != iam.KindInvalidRequest {
		t.Errorf("Confirm(wrong code) kind = %q, want invalid_request", iam.KindOf(err))
	}
	if err := s.Confirm(ctx, "alice@example.com", mailer.Code("alice@example.com")); err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}

	got, err := s.Authenticate(ctx, "alice@example.com", strongPassword)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if got.Subject != acct.Subject || !got.EmailVerified {
		t.Errorf("Authenticate() = %+v", got)
	}

	byID, err := s.Get(ctx, acct.Subject)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if byID.Email != "alice@example.com" {
		t.Errorf("Get().Email = %q", byID.Email)
	}
}

func TestSignUp_Duplicate(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t)
	if _, err := s.SignUp(ctx, "bob@example.com", strongPassword, nil); err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}
	_, err := s.SignUp(ctx, "bob@example.com", strongPassword, nil)
	if iam.KindOf(err) != iam.KindInvalidRequest {
		t.Errorf("duplicate SignUp() kind = %q, want invalid_request", iam.KindOf(err))
	}
}

func TestSignUp_InvalidEmail(t *testing.T) {
	s, _, _ := newService(t)
	_, err := s.SignUp(context.Background(), "not an email", strongPassword, nil)
	if iam.KindOf(err) != iam.KindInvalidRequest {
		t.Errorf("kind = %q, want invalid_request", iam.KindOf(err))
	}
}

func TestConfirm_ExpiredCode(t *testing.T) {
	ctx := context.Background()
	s, mailer, clock := newService(t, WithCodeTTL(time.Hour))
	if _, err := s.SignUp(ctx, "carol@example.com", strongPassword, nil); err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}
	code := mailer.Code("carol@example.com")
	clock.Advance(time.Hour)
	if err := s.Confirm(ctx, "carol@example.com", code); iam.KindOf(err) != iam.KindInvalidRequest {
		t.Fatalf("Confirm(expired) kind = %q, want invalid_request", iam.KindOf(err))
	}

	if err := s.ResendCode(ctx, "carol@example.com"); err != nil {
		t.Fatalf("ResendCode() error: %v", err)
	}
	if err := s.Confirm(ctx, "carol@example.com", mailer.Code("carol@example.com")); err != nil {
		t.Fatalf("Confirm(resent) error: %v", err)
	}
}

func TestAuthenticate_DisclosureParity(t *testing.T) {
	ctx := context.Background()
	s, mailer, _ := newService(t)
	if _, err := s.SignUp(ctx, "dave@example.com", strongPassword, nil); err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}
	if err := s.Confirm(ctx, "dave@example.com", mailer.Code("dave@example.com")); err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}

	_, unknown := s.Authenticate(ctx, "nobody@example.com", strongPassword)
	_, wrong := s.Authenticate(ctx, "dave@example.com", "Wrong1234!")

	if unknown == nil || wrong == nil {
		t.Fatal("both attempts must fail")
	}
	if unknown.Error() != wrong.Error() {
		t.Errorf("errors differ:\n unknown: %v\n wrong:   %v", unknown, wrong)
	}
	if iam.KindOf(unknown) != iam.KindInvalidCredentials {
		t.Errorf("kind = %q, want invalid_credentials", iam.KindOf(unknown))
	}
}

func TestAuthenticate_DisclosureAllowed(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t, WithPreventUserExistenceErrors(false))
	_, err := s.Authenticate(ctx, "nobody@example.com", strongPassword)
	if iam.KindOf(err) != iam.KindInvalidCredentials {
		t.Fatalf("kind = %q, want invalid_credentials", iam.KindOf(err))
	}
	if err.Error() == invalidCredentials().Error() {
		t.Error("with disclosure allowed, unknown account should read differently")
	}
}

func TestSignUp_MailerFailure(t *testing.T) {
	s, mailer, _ := newService(t)
	mailer.FailWith(errors.New("smtp down"))
	if _, err := s.SignUp(context.Background(), "erin@example.com", strongPassword, nil); err == nil {
		t.Fatal("SignUp() expected error when delivery fails")
	}
}

func TestGet_EmptySubject(t *testing.T) {
	s, _, _ := newService(t)
	if _, err := s.Get(context.Background(), ""); err == nil {
		t.Error("Get(\"\") expected error")
	}
}
