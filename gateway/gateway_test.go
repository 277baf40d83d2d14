package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/backend"
	"github.com/chimerakang/iam-pipeline/cache"
	"github.com/chimerakang/iam-pipeline/fake"
	"github.com/chimerakang/iam-pipeline/keys"
	"github.com/chimerakang/iam-pipeline/metrics"
)

func init() { gin.SetMode(gin.TestMode) }

const issuer = "https://idp.example.com"

type harness struct {
	t        *testing.T
	client   *iam.Client
	clock    *fake.Clock
	signer   *keys.SigningKey
	keys     *fake.KeySource
	upstream *httptest.Server

	mu   sync.Mutex
	seen []http.Header
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	kp := keys.NewGeneratingProvider(keys.WithKeyBits(1024))
	sk, err := kp.SigningKey(ctx)
	if err != nil {
		t.Fatalf("SigningKey() error: %v", err)
	}
	pubs, err := kp.PublicKeys(ctx)
	if err != nil {
		t.Fatalf("PublicKeys() error: %v", err)
	}

	h := &harness{
		t:      t,
		clock:  fake.NewClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)),
		signer: sk,
		keys:   fake.NewKeySource(pubs...),
	}
	mem, err := cache.NewMemory(100)
	if err != nil {
		t.Fatalf("NewMemory() error: %v", err)
	}
	h.client, err = iam.NewClient(
		iam.Config{Issuer: issuer, ClientID: "web"},
		iam.WithKeySource(h.keys),
		iam.WithVerificationCache(mem),
		iam.WithClock(h.clock),
		iam.WithMetrics(metrics.New(true)),
	)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	t.Cleanup(func() { _ = h.client.Close() })

	be := backend.NewRouter(nil, "/hello", "/admin")
	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.seen = append(h.seen, r.Header.Clone())
		h.mu.Unlock()
		be.ServeHTTP(w, r)
	}))
	t.Cleanup(h.upstream.Close)
	return h
}

func (h *harness) gateway(opts ...Option) http.Handler {
	h.t.Helper()
	g, err := New(h.client, []Route{
		{Path: "/hello", Upstream: h.upstream.URL},
		{Path: "/admin", Upstream: h.upstream.URL, Policy: iam.AuthorizationPolicy{RequiredScopes: []string{"admin"}}},
		{Path: "/local", Handler: backend.Handler(h.client.Logger())},
	}, opts...)
	if err != nil {
		h.t.Fatalf("New() error: %v", err)
	}
	return g.Handler()
}

func (h *harness) token(ttl time.Duration, scope string) string {
	h.t.Helper()
	now := h.clock.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":       "user-42",
		"iss":       issuer,
		"client_id": "web",
		"token_use": "access",
		"scope":     scope,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	tok.Header["kid"] = h.signer.KeyID
	s, err := tok.SignedString(h.signer.Key)
	if err != nil {
		h.t.Fatalf("sign token: %v", err)
	}
	return s
}

func (h *harness) upstreamCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func call(g http.Handler, path, tok string, extra http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range extra {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d: %s", rec.Code, want, rec.Body.String())
	}
}

func TestGateway_ForwardsClaimsNotToken(t *testing.T) {
	h := newHarness(t)
	g := h.gateway()

	rec := call(g, "/hello", h.token(time.Hour, "openid email"), nil)
	expectStatus(t, rec, http.StatusOK)

	var resp backend.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message != backend.Greeting {
		t.Errorf("message = %q, want %q", resp.Message, backend.Greeting)
	}
	if resp.Claims.Subject != "user-42" {
		t.Errorf("sub = %q, want %q", resp.Claims.Subject, "user-42")
	}
	if !slices.Equal(resp.Claims.Scopes, []string{"openid", "email"}) {
		t.Errorf("scopes = %v, want [openid email]", resp.Claims.Scopes)
	}

	if n := h.upstreamCalls(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
	if got := h.seen[0].Get("Authorization"); got != "" {
		t.Errorf("upstream saw Authorization %q", got)
	}
	if h.seen[0].Get(iam.ClaimsHeader) == "" {
		t.Error("upstream did not receive the claims header")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response has no X-Request-ID")
	}
}

func TestGateway_Rejections(t *testing.T) {
	h := newHarness(t)
	g := h.gateway()
	forged, err := iam.EncodeClaimsHeader(&iam.Claims{Subject: "admin"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		tok    string
		extra  http.Header
		status int
		body   string
	}{
		{"no token", "/hello", "", nil, http.StatusUnauthorized, `{"message":"Unauthorized"}`},
		{"garbage", "/hello", "a.b.c", nil, http.StatusUnauthorized, `{"message":"Unauthorized"}`},
		{"forged claims header", "/hello", "", http.Header{iam.ClaimsHeader: {forged}}, http.StatusUnauthorized, `{"message":"Unauthorized"}`},
		{"missing scope", "/admin", h.token(time.Hour, "openid"), nil, http.StatusForbidden, `{"message":"Forbidden"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := call(g, tc.path, tc.tok, tc.extra)
			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
			if got := rec.Body.String(); got != tc.body {
				t.Errorf("body = %s, want %s", got, tc.body)
			}
		})
	}
	if n := h.upstreamCalls(); n != 0 {
		t.Errorf("rejected requests reached the backend %d times", n)
	}
}

func TestGateway_ExpiredTokenAfterCaching(t *testing.T) {
	h := newHarness(t)
	g := h.gateway()
	tok := h.token(10*time.Minute, "openid")

	expectStatus(t, call(g, "/hello", tok, nil), http.StatusOK)
	expectStatus(t, call(g, "/hello", tok, nil), http.StatusOK)
	// The second request is served from the verification cache.
	if n := h.keys.Lookups(); n != 1 {
		t.Errorf("key lookups = %d, want 1", n)
	}

	h.clock.Advance(10 * time.Minute)
	expectStatus(t, call(g, "/hello", tok, nil), http.StatusUnauthorized)
}

func TestGateway_ScopeRoute(t *testing.T) {
	h := newHarness(t)
	g := h.gateway()

	expectStatus(t, call(g, "/admin", h.token(time.Hour, "openid admin"), nil), http.StatusOK)
	// A token cached for /hello does not satisfy /admin by itself.
	narrow := h.token(time.Hour, "openid")
	expectStatus(t, call(g, "/hello", narrow, nil), http.StatusOK)
	expectStatus(t, call(g, "/admin", narrow, nil), http.StatusForbidden)
}

func TestGateway_InProcessHandler(t *testing.T) {
	h := newHarness(t)
	rec := call(h.gateway(), "/local", h.token(time.Hour, "openid"), nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"sub":"user-42"`) {
		t.Errorf("body = %s, want sub user-42", rec.Body.String())
	}
	if n := h.upstreamCalls(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestGateway_UpstreamDown(t *testing.T) {
	h := newHarness(t)
	g := h.gateway()
	h.upstream.Close()

	rec := call(g, "/hello", h.token(time.Hour, "openid"), nil)
	expectStatus(t, rec, http.StatusBadGateway)
	if got := rec.Body.String(); got != `{"message":"Bad Gateway"}` {
		t.Errorf("body = %s", got)
	}
}

func TestGateway_KeySetUnavailable(t *testing.T) {
	h := newHarness(t)
	h.keys.FailWith(iam.NewError(iam.KindUpstreamTimeout, nil))
	expectStatus(t, call(h.gateway(), "/hello", h.token(time.Hour, "openid"), nil), http.StatusUnauthorized)
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	g := h.gateway()
	call(g, "/hello", "a.b.c", nil)

	expectStatus(t, call(g, "/healthz", "", nil), http.StatusOK)
	rec := call(g, "/metrics", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "iam_") {
		t.Error("metrics output has no iam_ series")
	}
	expectStatus(t, call(g, "/nope", "", nil), http.StatusNotFound)
}

func TestNew_InvalidRoutes(t *testing.T) {
	h := newHarness(t)
	tests := map[string]Route{
		"relative path":     {Path: "hello", Upstream: h.upstream.URL},
		"no target":         {Path: "/hello"},
		"both targets":      {Path: "/hello", Upstream: h.upstream.URL, Handler: func(*gin.Context) {}},
		"relative upstream": {Path: "/hello", Upstream: "backend:8080"},
		"refresh tokens":    {Path: "/hello", Upstream: h.upstream.URL, Policy: iam.AuthorizationPolicy{TokenUse: iam.TokenUseRefresh}},
	}
	for name, rt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := New(h.client, []Route{rt}); err == nil {
				t.Error("New() = nil error, want rejection")
			}
		})
	}
}

func TestNew_FakeClientFallsBackToVerifier(t *testing.T) {
	client := fake.NewClient(fake.WithUser("alice", "alice@example.com", nil))
	g, err := New(client, []Route{{Path: "/local", Handler: backend.Handler(client.Logger())}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	expectStatus(t, call(g.Handler(), "/local", "alice", nil), http.StatusOK)
}

func TestNew_FakeClientEnforcesRoutePolicy(t *testing.T) {
	client := fake.NewClient(
		fake.WithUser("alice", "alice@example.com", []string{"openid"}),
		fake.WithUser("root", "root@example.com", []string{"openid", "admin"}),
		fake.WithClaims("idtok", &iam.Claims{Subject: "bob", Issuer: fake.Issuer, Audience: []string{fake.ClientID}, TokenUse: iam.TokenUseID}),
		fake.WithClaims("foreign", &iam.Claims{Subject: "eve", Issuer: "https://evil.example.com", ClientID: fake.ClientID, TokenUse: iam.TokenUseAccess}),
	)
	g, err := New(client, []Route{
		{Path: "/admin", Handler: backend.Handler(client.Logger()), Policy: iam.AuthorizationPolicy{RequiredScopes: []string{"admin"}}},
		{Path: "/local", Handler: backend.Handler(client.Logger())},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		path, token string
		want        int
	}{
		{"/admin", "alice", http.StatusForbidden},
		{"/admin", "root", http.StatusOK},
		{"/local", "idtok", http.StatusUnauthorized},
		{"/local", "foreign", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		if rec := call(g.Handler(), tc.path, tc.token, nil); rec.Code != tc.want {
			t.Errorf("%s with %s: status = %d, want %d", tc.path, tc.token, rec.Code, tc.want)
		}
	}
}
