package config

import (
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/idp"
)

func load(t *testing.T, path string) *Config {
	t.Helper()
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := load(t, "")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}

	if cfg.Server.IdPAddr != ":8080" {
		t.Errorf("IdPAddr = %q, want %q", cfg.Server.IdPAddr, ":8080")
	}
	if cfg.Server.BackendAddr != "127.0.0.1:8082" {
		t.Errorf("BackendAddr = %q, want loopback", cfg.Server.BackendAddr)
	}
	if cfg.IdP.Lifetimes != idp.DefaultLifetimes() {
		t.Errorf("Lifetimes = %+v, want %+v", cfg.IdP.Lifetimes, idp.DefaultLifetimes())
	}
	if !cfg.IdP.PreventUserExistenceErrors {
		t.Error("PreventUserExistenceErrors should default to true")
	}
	if cfg.IdP.PasswordPolicy.MinLength != 8 {
		t.Errorf("MinLength = %d, want 8", cfg.IdP.PasswordPolicy.MinLength)
	}
	if len(cfg.IdP.Clients) != 1 {
		t.Fatalf("len(Clients) = %d, want 1", len(cfg.IdP.Clients))
	}
	if got := cfg.IdP.Clients[0].AllowedFlows; !slices.Equal(got, []idp.Flow{idp.FlowCode}) {
		t.Errorf("AllowedFlows = %v, want [code]", got)
	}
	if cfg.Gateway.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want 5m", cfg.Gateway.CacheTTL)
	}
	if cfg.Gateway.ClockSkew != 5*time.Second {
		t.Errorf("ClockSkew = %v, want 5s", cfg.Gateway.ClockSkew)
	}
	if cfg.Gateway.Cache.Backend != BackendMemory {
		t.Errorf("Cache.Backend = %q, want %q", cfg.Gateway.Cache.Backend, BackendMemory)
	}
	if len(cfg.Gateway.Routes) != 1 || !slices.Equal(cfg.Gateway.Routes[0].Scopes, []string{"openid"}) {
		t.Errorf("Routes = %+v, want one route requiring openid", cfg.Gateway.Routes)
	}
	if !slices.Equal(cfg.Backend.Paths, []string{"/hello"}) {
		t.Errorf("Backend.Paths = %v, want [/hello]", cfg.Backend.Paths)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iam.yaml")
	if err := os.WriteFile(path, []byte(`
idp:
  issuer: https://idp.example.com
  lifetimes:
    access: 15m
  password_policy:
    min_length: 12
    require_symbols: false
  clients:
    - id: web
      secret: s3cret
      callback_urls: [https://app.example.com/callback]
      allowed_scopes: [openid, email]
      allowed_flows: [code, implicit]
  sessions:
    backend: redis
    redis_addr: localhost:6379
gateway:
  issuer: https://idp.example.com
  jwks_url: https://idp.example.com/.well-known/jwks.json
  cache_ttl: 90s
  routes:
    - path: /hello
      scopes: [openid]
    - path: /profile
      token_use: id
      upstream: http://backend:8082
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := load(t, path)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if cfg.IdP.Lifetimes.Access != 15*time.Minute {
		t.Errorf("Lifetimes.Access = %v, want 15m", cfg.IdP.Lifetimes.Access)
	}
	// Unset keys keep their defaults.
	if cfg.IdP.Lifetimes.ID != time.Hour {
		t.Errorf("Lifetimes.ID = %v, want 1h", cfg.IdP.Lifetimes.ID)
	}
	p := cfg.IdP.PasswordPolicy
	if p.MinLength != 12 || p.RequireSymbols || !p.RequireNumbers {
		t.Errorf("PasswordPolicy = %+v, want min 12, no symbols, numbers", p)
	}
	if cfg.IdP.Clients[0].Secret != "s3cret" {
		t.Errorf("Secret = %q, want %q", cfg.IdP.Clients[0].Secret, "s3cret")
	}
	if got := cfg.IdP.Clients[0].AllowedFlows; !slices.Equal(got, []idp.Flow{idp.FlowCode, idp.FlowImplicit}) {
		t.Errorf("AllowedFlows = %v, want [code implicit]", got)
	}
	if cfg.IdP.Sessions.Backend != BackendRedis {
		t.Errorf("Sessions.Backend = %q, want %q", cfg.IdP.Sessions.Backend, BackendRedis)
	}
	if cfg.Gateway.CacheTTL != 90*time.Second {
		t.Errorf("CacheTTL = %v, want 90s", cfg.Gateway.CacheTTL)
	}
	if len(cfg.Gateway.Routes) != 2 {
		t.Fatalf("len(Routes) = %d, want 2", len(cfg.Gateway.Routes))
	}
	want := iam.AuthorizationPolicy{TokenUse: iam.TokenUseID}
	if got := cfg.Gateway.Routes[1].Policy(); !reflect.DeepEqual(got, want) {
		t.Errorf("Policy() = %+v, want %+v", got, want)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("IAM_GATEWAY_CACHE_TTL", "1m")
	t.Setenv("IAM_IDP_ISSUER", "https://login.example.com")
	t.Setenv("IAM_LOG_LEVEL", "debug")

	cfg := load(t, "")
	if cfg.Gateway.CacheTTL != time.Minute {
		t.Errorf("CacheTTL = %v, want 1m", cfg.Gateway.CacheTTL)
	}
	if cfg.IdP.Issuer != "https://login.example.com" {
		t.Errorf("Issuer = %q, want %q", cfg.IdP.Issuer, "https://login.example.com")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := load(t, "")
	cfg.IdP.Issuer = "idp.local"
	cfg.IdP.Clients[0].CallbackURLs = []string{"https://app.example.com/*"}
	cfg.IdP.PasswordPolicy.MinLength = 3
	cfg.IdP.Users.Backend = "postgres"
	cfg.Gateway.CacheTTL = 0
	cfg.Gateway.ClockSkew = time.Hour
	cfg.Gateway.Cache.Backend = BackendRedis
	cfg.Gateway.Routes = append(cfg.Gateway.Routes,
		RouteConfig{Path: "nope"},
		RouteConfig{Path: "/r", TokenUse: iam.TokenUseRefresh},
		RouteConfig{Path: "/u", Upstream: "backend:8082"},
	)

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want errors")
	}
	for _, want := range []string{
		`issuer "idp.local"`,
		"callback",
		"password_policy",
		`backend "postgres"`,
		"cache_ttl",
		"clock_skew",
		"redis_addr",
		`path "nope"`,
		`token_use "refresh"`,
		`upstream "backend:8082"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_Roles(t *testing.T) {
	cfg := load(t, "")
	cfg.IdP.Clients = nil

	if err := cfg.Validate(RoleGateway, RoleBackend); err != nil {
		t.Errorf("Validate(gateway, backend) error: %v", err)
	}
	for _, roles := range [][]Role{{RoleIdP}, nil, {"proxy"}} {
		if err := cfg.Validate(roles...); err == nil {
			t.Errorf("Validate(%v) = nil, want error", roles)
		}
	}
}
