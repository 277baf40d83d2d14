package tokenclient_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/fake"
	"github.com/chimerakang/iam-pipeline/idp"
	"github.com/chimerakang/iam-pipeline/keys"
	"github.com/chimerakang/iam-pipeline/session"
	"github.com/chimerakang/iam-pipeline/tokenclient"
	"github.com/chimerakang/iam-pipeline/user"
)

const (
	callback = "http://localhost:3000/callback"
	email    = "bob@example.com"
	password = "Abc12345!"
)

type idpServer struct {
	url      string
	refreshs atomic.Int32
}

func startIdP(t *testing.T) *idpServer {
	t.Helper()
	s := &idpServer{}
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			_ = r.ParseForm()
			if r.PostForm.Get("grant_type") == idp.GrantRefreshToken {
				s.refreshs.Add(1)
			}
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	s.url = srv.URL

	ctx := context.Background()
	mailer := fake.NewMailer()
	users := user.New(user.NewMemoryBackend(), user.WithMailer(mailer), user.WithBcryptCost(bcrypt.MinCost))
	if _, err := users.SignUp(ctx, email, password, nil); err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}
	if err := users.Confirm(ctx, email, mailer.Code(email)); err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}

	p, err := idp.New(idp.Config{
		Issuer: srv.URL,
		Clients: []idp.ClientRegistration{{
			ID:            "web",
			Secret:        "s3cret",
			CallbackURLs:  []string{callback},
			AllowedScopes: []string{"openid", "email"},
			AllowedFlows:  []idp.Flow{idp.FlowCode},
		}},
		Lifetimes: idp.DefaultLifetimes(),
	}, users, session.New(session.NewMemoryBackend()), keys.NewGeneratingProvider(keys.WithKeyBits(1024)))
	if err != nil {
		t.Fatalf("idp.New() error: %v", err)
	}
	handler = idp.NewHandler(p).Routes()
	return s
}

func newClient(t *testing.T, issuer string, opts ...tokenclient.Option) *tokenclient.Client {
	t.Helper()
	c, err := tokenclient.New(tokenclient.Config{
		Issuer:       issuer,
		ClientID:     "web",
		ClientSecret: "s3cret",
		RedirectURL:  callback,
		Scopes:       []string{"openid", "email"},
	}, opts...)
	if err != nil {
		t.Fatalf("tokenclient.New() error: %v", err)
	}
	return c
}

func login(t *testing.T, c *tokenclient.Client) *oauth2.Token {
	t.Helper()
	tok, err := c.Login(context.Background(), email, password, "st")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	return tok
}

func TestLogin(t *testing.T) {
	s := startIdP(t)
	c := newClient(t, s.url)
	tok := login(t, c)

	if tok.AccessToken == "" || tok.RefreshToken == "" {
		t.Fatalf("token = %+v, want access and refresh tokens", tok)
	}
	if tok.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", tok.TokenType)
	}
	if c.IDToken() == "" {
		t.Error("IDToken() is empty after an openid login")
	}

	at, err := c.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}
	if at != tok.AccessToken {
		t.Error("AccessToken() differs from the fresh login token")
	}
	if n := s.refreshs.Load(); n != 0 {
		t.Errorf("refresh grants = %d, want 0", n)
	}
}

func TestLogin_Failures(t *testing.T) {
	s := startIdP(t)

	if _, err := newClient(t, s.url).Login(context.Background(), email, "wrong-Pass1!", "st"); !errors.Is(err, iam.ErrInvalidCredentials) {
		t.Errorf("wrong password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := newClient(t, s.url).Login(context.Background(), "nobody@example.com", password, "st"); !errors.Is(err, iam.ErrInvalidCredentials) {
		t.Errorf("unknown user: err = %v, want ErrInvalidCredentials", err)
	}

	bad, err := tokenclient.New(tokenclient.Config{Issuer: s.url, ClientID: "web", RedirectURL: "http://evil.example.com/cb"})
	if err != nil {
		t.Fatalf("tokenclient.New() error: %v", err)
	}
	_, err = bad.Login(context.Background(), email, password, "st")
	if kind := iam.KindOf(err); kind != iam.KindInvalidRequest {
		t.Errorf("untrusted callback: kind = %q, want %q", kind, iam.KindInvalidRequest)
	}
}

func TestAccessToken_NotSignedIn(t *testing.T) {
	c := newClient(t, "https://idp.example.com")
	if _, err := c.AccessToken(context.Background()); !errors.Is(err, tokenclient.ErrNotSignedIn) {
		t.Errorf("AccessToken() = %v, want ErrNotSignedIn", err)
	}
}

func TestAccessToken_RefreshesOnce(t *testing.T) {
	s := startIdP(t)
	clock := fake.NewClock(time.Now())
	c := newClient(t, s.url, tokenclient.WithClock(clock))
	first := login(t, c)

	clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	got := make([]string, 10)
	errs := make([]error, 10)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = c.AccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	if n := s.refreshs.Load(); n != 1 {
		t.Errorf("refresh grants = %d, want 1", n)
	}
	for i, at := range got {
		if errs[i] != nil {
			t.Fatalf("AccessToken() error: %v", errs[i])
		}
		if at == first.AccessToken {
			t.Error("expired access token was returned")
		}
		if at != got[0] {
			t.Error("concurrent callers saw different tokens")
		}
	}
	// Refresh does not rotate the refresh token.
	if c.Token().RefreshToken != first.RefreshToken {
		t.Error("refresh token changed after refresh")
	}
}

func TestRevoke(t *testing.T) {
	s := startIdP(t)
	c := newClient(t, s.url)
	tok := login(t, c)

	if err := c.Revoke(context.Background()); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if c.Token() != nil {
		t.Error("Token() should be nil after Revoke")
	}

	// The revoked refresh token no longer works for anyone holding it.
	form := url.Values{"grant_type": {idp.GrantRefreshToken}, "refresh_token": {tok.RefreshToken},
		"client_id": {"web"}, "client_secret": {"s3cret"}}
	resp, err := http.PostForm(s.url+"/oauth2/token", form)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "invalid_grant") {
		t.Errorf("refresh after revoke = %d %s, want 400 invalid_grant", resp.StatusCode, body)
	}

	if _, err := newClient(t, s.url).Refresh(context.Background()); !errors.Is(err, tokenclient.ErrNotSignedIn) {
		t.Errorf("Refresh() without a token = %v, want ErrNotSignedIn", err)
	}
}

func TestCall(t *testing.T) {
	s := startIdP(t)
	c := newClient(t, s.url)
	tok := login(t, c)

	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+tok.AccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer resource.Close()

	resp, err := c.Call(context.Background(), http.MethodGet, resource.URL, nil)
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestAuthCodeURL(t *testing.T) {
	c := newClient(t, "https://idp.example.com/")
	u, err := url.Parse(c.AuthCodeURL("st", "n-1"))
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/oauth2/authorize" {
		t.Errorf("path = %q, want /oauth2/authorize", u.Path)
	}
	q := u.Query()
	for param, want := range map[string]string{
		"response_type": "code",
		"client_id":     "web",
		"redirect_uri":  callback,
		"scope":         "openid email",
		"nonce":         "n-1",
	} {
		if got := q.Get(param); got != want {
			t.Errorf("%s = %q, want %q", param, got, want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	for _, cfg := range []tokenclient.Config{
		{Issuer: "idp.local", ClientID: "web", RedirectURL: callback},
		{Issuer: "https://idp.example.com", RedirectURL: callback},
		{Issuer: "https://idp.example.com", ClientID: "web"},
	} {
		if _, err := tokenclient.New(cfg); err == nil {
			t.Errorf("New(%+v) = nil error, want rejection", cfg)
		}
	}
}
