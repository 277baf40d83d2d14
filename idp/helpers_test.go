package idp_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/crypto/bcrypt"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/fake"
	"github.com/chimerakang/iam-pipeline/idp"
	"github.com/chimerakang/iam-pipeline/keys"
	"github.com/chimerakang/iam-pipeline/session"
	"github.com/chimerakang/iam-pipeline/token"
	"github.com/chimerakang/iam-pipeline/user"
)

const (
	testIssuer   = "https://idp.example.com"
	testClient   = "web"
	testSecret   = "s3cret"
	testCallback = "http://localhost:3000/callback"
	testEmail    = "alice@example.com"
	testPassword = "Abc12345!"
)

type env struct {
	provider *idp.Provider
	mailer   *fake.Mailer
	clock    *fake.Clock
}

func testConfig() idp.Config {
	return idp.Config{
		Issuer: testIssuer,
		Clients: []idp.ClientRegistration{{
			ID:            testClient,
			Secret:        testSecret,
			CallbackURLs:  []string{testCallback},
			AllowedScopes: []string{"openid", "email", "profile"},
			AllowedFlows:  []idp.Flow{idp.FlowCode, idp.FlowImplicit},
		}, {
			ID:            "spa",
			CallbackURLs:  []string{"https://app.example.com/cb"},
			AllowedScopes: []string{"openid"},
			AllowedFlows:  []idp.Flow{idp.FlowCode},
		}},
		Lifetimes: idp.DefaultLifetimes(),
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := fake.NewClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	mailer := fake.NewMailer()
	users := user.New(user.NewMemoryBackend(),
		user.WithMailer(mailer), user.WithClock(clock), user.WithBcryptCost(bcrypt.MinCost))
	sessions := session.New(session.NewMemoryBackend(), session.WithClock(clock))
	kp := keys.NewGeneratingProvider(keys.WithKeyBits(1024))

	p, err := idp.New(testConfig(), users, sessions, kp, idp.WithClock(clock))
	if err != nil {
		t.Fatalf("idp.New() error: %v", err)
	}
	return &env{provider: p, mailer: mailer, clock: clock}
}

// confirmedUser registers and confirms testEmail and returns its subject.
func (e *env) confirmedUser(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	acct, err := e.provider.Users().SignUp(ctx, testEmail, testPassword, map[string]string{"given_name": "Alice"})
	if err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}
	if err := e.provider.Users().Confirm(ctx, testEmail, e.mailer.Code(testEmail)); err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	return acct.Subject
}

func codeRequest() idp.AuthorizeRequest {
	return idp.AuthorizeRequest{
		ClientID:     testClient,
		ResponseType: "code",
		RedirectURI:  testCallback,
		Scope:        "openid email",
		State:        "xyz",
	}
}

// login runs the code flow up to the callback and returns the code.
func (e *env) login(t *testing.T) string {
	t.Helper()
	target, err := e.provider.Login(context.Background(), codeRequest(), testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	u, err := url.Parse(target)
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Query().Get("state"); got != "xyz" {
		t.Fatalf("state = %q, want %q", got, "xyz")
	}
	return u.Query().Get("code")
}

func (e *env) exchange(t *testing.T, code string) *iam.TokenSet {
	t.Helper()
	set, err := e.provider.Exchange(context.Background(), idp.TokenRequest{
		GrantType: idp.GrantAuthorizationCode, Code: code, RedirectURI: testCallback,
		ClientID: testClient, ClientSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("Exchange() error: %v", err)
	}
	return set
}

// verifier checks tokens against the provider's published keys.
func (e *env) verifier(t *testing.T, use iam.TokenUse) *token.Verifier {
	t.Helper()
	set, err := e.provider.JWKS(context.Background())
	if err != nil {
		t.Fatalf("JWKS() error: %v", err)
	}
	var ks []jwk.Key
	for i := 0; i < set.Len(); i++ {
		if k, ok := set.Key(i); ok {
			ks = append(ks, k)
		}
	}
	v, err := token.New(iam.AuthorizationPolicy{Issuer: testIssuer, Audience: testClient, TokenUse: use},
		fake.NewKeySource(ks...), token.WithClock(e.clock))
	if err != nil {
		t.Fatalf("token.New() error: %v", err)
	}
	return v
}

func (e *env) verify(t *testing.T, use iam.TokenUse, raw string) *iam.Claims {
	t.Helper()
	claims, err := e.verifier(t, use).Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify(%s) error: %v", use, err)
	}
	return claims
}

func expectKind(t *testing.T, err error, want iam.ErrorKind) {
	t.Helper()
	if got := iam.KindOf(err); got != want {
		t.Errorf("kind = %q, want %q (err = %v)", got, want, err)
	}
}
