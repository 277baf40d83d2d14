package ginmw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/fake"
)

func init() { gin.SetMode(gin.TestMode) }

// newRouter mounts Auth in front of a handler that echoes what it received.
func newRouter(client *iam.Client, opts ...AuthOption) *gin.Engine {
	r := gin.New()
	r.Use(Auth(client, opts...))
	r.GET("/hello", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sub":           GetSubject(c),
			"ctx_sub":       iam.SubjectFromContext(c.Request.Context()),
			"authorization": c.GetHeader("Authorization"),
			"claims_header": c.GetHeader(iam.ClaimsHeader),
		})
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func do(r http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": {"Bearer " + tok}}
}

func TestAuth_Success(t *testing.T) {
	client := fake.NewClient(fake.WithUser("alice", "alice@example.com", []string{"email"}))
	h := bearer("alice")
	h.Set(iam.ClaimsHeader, "forged")
	rec := do(newRouter(client), "/hello", h)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["sub"] != "alice" || body["ctx_sub"] != "alice" {
		t.Errorf("subject not propagated: %v", body)
	}
	if body["authorization"] != "" {
		t.Errorf("raw token reached the handler: %q", body["authorization"])
	}
	claims, err := iam.DecodeClaimsHeader(body["claims_header"])
	if err != nil {
		t.Fatalf("claims header not replaced: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("expected alice in claims header, got %s", claims.Subject)
	}
}

func TestAuth_FailuresCollapse(t *testing.T) {
	client := fake.NewClient(
		fake.WithTokenError("expired", iam.KindExpiredToken),
		fake.WithTokenError("badsig", iam.KindSignatureInvalid),
		fake.WithTokenError("wrongiss", iam.KindIssuerMismatch),
		fake.WithTokenError("timeout", iam.KindUpstreamTimeout),
		fake.WithTokenError("noscope", iam.KindInsufficientScope),
	)
	r := newRouter(client)

	tests := []struct {
		name   string
		header http.Header
		status int
		body   string
	}{
		{"missing", nil, http.StatusUnauthorized, `{"message":"Unauthorized"}`},
		{"not bearer", http.Header{"Authorization": {"Basic abc"}}, http.StatusUnauthorized, `{"message":"Unauthorized"}`},
		{"unknown", bearer("garbage"), http.StatusUnauthorized, `{"message":"Unauthorized"}`},
		{"expired", bearer("expired"), http.StatusUnauthorized, `{"message":"Unauthorized"}`},
		{"signature", bearer("badsig"), http.StatusUnauthorized, `{"message":"Unauthorized"}`},
		{"issuer", bearer("wrongiss"), http.StatusUnauthorized, `{"message":"Unauthorized"}`},
		{"upstream", bearer("timeout"), http.StatusUnauthorized, `{"message":"Unauthorized"}`},
		{"scope", bearer("noscope"), http.StatusForbidden, `{"message":"Forbidden"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(r, "/hello", tc.header)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if rec.Body.String() != tc.body {
				t.Errorf("expected body %s, got %s", tc.body, rec.Body.String())
			}
			if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), `Bearer realm="iam"`) {
				t.Errorf("missing challenge: %q", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestAuth_ExcludedPaths(t *testing.T) {
	r := newRouter(fake.NewClient(), WithExcludedPaths("/healthz"))
	if rec := do(r, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for excluded path, got %d", rec.Code)
	}
}

func TestAuth_WithVerifier(t *testing.T) {
	client := fake.NewClient()
	route := fake.NewVerifier(fake.WithUser("bob", "bob@example.com", nil))
	rec := do(newRouter(client, WithVerifier(route), WithRealm("api")), "/hello", bearer("bob"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected route verifier to accept, got %d", rec.Code)
	}

	rec = do(newRouter(client, WithRealm("api")), "/hello", bearer("bob"))
	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, `realm="api"`) {
		t.Errorf("expected realm api, got %q", got)
	}
}

func TestRequireScopes(t *testing.T) {
	client := fake.NewClient(fake.WithUser("alice", "alice@example.com", []string{"openid", "email"}))
	r := gin.New()
	r.Use(Auth(client))
	r.GET("/email", RequireScopes("email"), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/profile", RequireScopes("email", "profile"), func(c *gin.Context) { c.Status(http.StatusOK) })

	if rec := do(r, "/email", bearer("alice")); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := do(r, "/profile", bearer("alice")); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	for header, want := range map[string]string{
		"Bearer abc":  "abc",
		"bearer abc":  "abc",
		"Bearer":      "",
		"Basic abc":   "",
		"":            "",
		"Bearer  abc": "abc",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if got := extractBearerToken(req); got != want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
