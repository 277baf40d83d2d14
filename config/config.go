// Package config loads the declarative configuration shared by every server
// role. Values come from an optional YAML file with IAM_ environment
// overrides, e.g. IAM_GATEWAY_CACHE_TTL=1m.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/idp"
	"github.com/chimerakang/iam-pipeline/logger"
	"github.com/chimerakang/iam-pipeline/password"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IAM"

// Role is one of the servers the binary can run.
type Role string

const (
	RoleIdP     Role = "idp"
	RoleGateway Role = "gateway"
	RoleBackend Role = "backend"
)

// AllRoles lists every role in start order.
var AllRoles = []Role{RoleIdP, RoleBackend, RoleGateway}

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Config is the whole configuration document.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	IdP     IdPConfig     `mapstructure:"idp"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Backend BackendConfig `mapstructure:"backend"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds listen addresses.
type ServerConfig struct {
	IdPAddr         string        `mapstructure:"idp_addr"`
	GatewayAddr     string        `mapstructure:"gateway_addr"`
	BackendAddr     string        `mapstructure:"backend_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// IdPConfig configures the identity provider.
type IdPConfig struct {
	idp.Config `mapstructure:",squash"`

	// StackName and Region feed the hosted login domain prefix.
	StackName string `mapstructure:"stack_name"`
	Region    string `mapstructure:"region"`

	PreventUserExistenceErrors bool            `mapstructure:"prevent_user_existence_errors"`
	PasswordPolicy             password.Policy `mapstructure:"password_policy"`

	Users    StoreConfig `mapstructure:"users"`
	Sessions StoreConfig `mapstructure:"sessions"`

	// SigningKeyFile is a PEM RSA key. Empty means a key generated at start.
	SigningKeyFile string `mapstructure:"signing_key_file"`
	KeyBits        int    `mapstructure:"key_bits"`
}

// StoreConfig selects a storage backend.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	RedisAddr  string `mapstructure:"redis_addr"`
	MongoURI   string `mapstructure:"mongo_uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	MaxEntries int64  `mapstructure:"max_entries"`
}

// GatewayConfig configures token enforcement.
type GatewayConfig struct {
	JWKSURL     string        `mapstructure:"jwks_url"`
	Issuer      string        `mapstructure:"issuer"`
	ClientID    string        `mapstructure:"client_id"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	ClockSkew   time.Duration `mapstructure:"clock_skew"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	Cache       StoreConfig   `mapstructure:"cache"`
	Routes      []RouteConfig `mapstructure:"routes"`
}

// RouteConfig is one protected route. An empty upstream serves the backend
// greeting in process.
type RouteConfig struct {
	Path     string       `mapstructure:"path"`
	Method   string       `mapstructure:"method"`
	Scopes   []string     `mapstructure:"scopes"`
	TokenUse iam.TokenUse `mapstructure:"token_use"`
	Audience string       `mapstructure:"audience"`
	Upstream string       `mapstructure:"upstream"`
}

// Policy returns the route's authorization policy. Issuer is left to the
// gateway default.
func (r RouteConfig) Policy() iam.AuthorizationPolicy {
	return iam.AuthorizationPolicy{
		Audience:       r.Audience,
		TokenUse:       r.TokenUse,
		RequiredScopes: r.Scopes,
	}
}

// BackendConfig configures the greeting service.
type BackendConfig struct {
	Paths []string `mapstructure:"paths"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads path (optional) and the environment into a Config. The result
// is not validated; call Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	return &cfg, nil
}

// SetDefaults registers every default on v. Keys must be known to viper for
// environment overrides to apply.
func SetDefaults(v *viper.Viper) {
	lt := idp.DefaultLifetimes()
	pp := password.DefaultPolicy()

	v.SetDefault("server.idp_addr", ":8080")
	v.SetDefault("server.gateway_addr", ":8081")
	v.SetDefault("server.backend_addr", "127.0.0.1:8082")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("idp.issuer", "http://localhost:8080")
	v.SetDefault("idp.stack_name", "iam")
	v.SetDefault("idp.region", "us-east-1")
	v.SetDefault("idp.lifetimes.id", lt.ID)
	v.SetDefault("idp.lifetimes.access", lt.Access)
	v.SetDefault("idp.lifetimes.refresh", lt.Refresh)
	v.SetDefault("idp.lifetimes.auth_code", lt.AuthCode)
	v.SetDefault("idp.prevent_user_existence_errors", true)
	v.SetDefault("idp.password_policy.min_length", pp.MinLength)
	v.SetDefault("idp.password_policy.require_lowercase", pp.RequireLowercase)
	v.SetDefault("idp.password_policy.require_uppercase", pp.RequireUppercase)
	v.SetDefault("idp.password_policy.require_numbers", pp.RequireNumbers)
	v.SetDefault("idp.password_policy.require_symbols", pp.RequireSymbols)
	v.SetDefault("idp.clients", []map[string]any{{
		"id":             "web",
		"callback_urls":  []string{"http://localhost:3000/callback"},
		"allowed_scopes": []string{"openid", "email", "profile"},
		"allowed_flows":  []string{string(idp.FlowCode)},
	}})
	v.SetDefault("idp.users.backend", BackendMemory)
	v.SetDefault("idp.users.database", "iam")
	v.SetDefault("idp.users.collection", "accounts")
	v.SetDefault("idp.users.mongo_uri", "")
	v.SetDefault("idp.sessions.backend", BackendMemory)
	v.SetDefault("idp.sessions.redis_addr", "")
	v.SetDefault("idp.sessions.key_prefix", "iam:session:")
	v.SetDefault("idp.signing_key_file", "")
	v.SetDefault("idp.key_bits", 2048)

	v.SetDefault("gateway.jwks_url", "http://localhost:8080/.well-known/jwks.json")
	v.SetDefault("gateway.issuer", "http://localhost:8080")
	v.SetDefault("gateway.client_id", "web")
	v.SetDefault("gateway.cache_ttl", iam.DefaultCacheTTL)
	v.SetDefault("gateway.clock_skew", iam.DefaultClockSkew)
	v.SetDefault("gateway.http_timeout", 10*time.Second)
	v.SetDefault("gateway.cache.backend", BackendMemory)
	v.SetDefault("gateway.cache.redis_addr", "")
	v.SetDefault("gateway.cache.key_prefix", "iam:verify:")
	v.SetDefault("gateway.cache.max_entries", 10000)
	v.SetDefault("gateway.routes", []map[string]any{{
		"path":   "/hello",
		"scopes": []string{"openid"},
	}})

	v.SetDefault("backend.paths", []string{"/hello"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enabled", true)
}

// Validate reports every problem for the given roles at once. No roles means
// all of them.
func (c *Config) Validate(roles ...Role) error {
	if len(roles) == 0 {
		roles = AllRoles
	}
	var errs []error
	for _, r := range roles {
		var err error
		switch r {
		case RoleIdP:
			err = c.IdP.validate()
		case RoleGateway:
			err = c.Gateway.validate()
		case RoleBackend:
			err = c.Backend.validate()
		default:
			err = fmt.Errorf("unknown role %q", r)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r, err))
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server: shutdown_timeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c IdPConfig) validate() error {
	errs := []error{c.Config.Validate()}
	if err := c.PasswordPolicy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("password_policy: %w", err))
	}
	if c.StackName == "" || c.Region == "" {
		errs = append(errs, errors.New("stack_name and region are required"))
	}
	switch c.Users.Backend {
	case BackendMemory:
	case BackendMongo:
		if c.Users.MongoURI == "" {
			errs = append(errs, errors.New("users: mongo_uri is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("users: backend %q must be memory or mongo", c.Users.Backend))
	}
	errs = append(errs, c.Sessions.validateMemoryOrRedis("sessions"))
	if c.SigningKeyFile == "" && c.KeyBits < 2048 {
		errs = append(errs, fmt.Errorf("key_bits %d must be at least 2048", c.KeyBits))
	}
	return errors.Join(errs...)
}

func (c GatewayConfig) validate() error {
	var errs []error
	for name, raw := range map[string]string{"jwks_url": c.JWKSURL, "issuer": c.Issuer} {
		if u, err := url.Parse(raw); err != nil || !u.IsAbs() || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q must be an absolute URL", name, raw))
		}
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache_ttl must be positive"))
	}
	if c.ClockSkew < 0 || c.ClockSkew > iam.MaxClockSkew {
		errs = append(errs, fmt.Errorf("clock_skew must be between 0 and %s", iam.MaxClockSkew))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http_timeout must be positive"))
	}
	errs = append(errs, c.Cache.validateMemoryOrRedis("cache"))

	if len(c.Routes) == 0 {
		errs = append(errs, errors.New("at least one route is required"))
	}
	seen := make(map[string]bool)
	for i, rt := range c.Routes {
		if !strings.HasPrefix(rt.Path, "/") {
			errs = append(errs, fmt.Errorf("routes[%d]: path %q must start with /", i, rt.Path))
		}
		key := strings.ToUpper(rt.Method) + " " + rt.Path
		if seen[key] {
			errs = append(errs, fmt.Errorf("routes[%d]: duplicate route %s", i, rt.Path))
		}
		seen[key] = true
		if rt.TokenUse != "" && rt.TokenUse != iam.TokenUseAccess && rt.TokenUse != iam.TokenUseID {
			errs = append(errs, fmt.Errorf("routes[%d]: token_use %q must be id or access", i, rt.TokenUse))
		}
		if rt.TokenUse == iam.TokenUseID && rt.Audience == "" && c.ClientID == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: id tokens need an audience", i))
		}
		if rt.Upstream != "" {
			if u, err := url.Parse(rt.Upstream); err != nil || !u.IsAbs() || u.Host == "" {
				errs = append(errs, fmt.Errorf("routes[%d]: upstream %q must be an absolute URL", i, rt.Upstream))
			}
		}
		if slices.Contains(rt.Scopes, "") {
			errs = append(errs, fmt.Errorf("routes[%d]: empty scope", i))
		}
	}
	return errors.Join(errs...)
}

func (c BackendConfig) validate() error {
	if len(c.Paths) == 0 {
		return errors.New("at least one path is required")
	}
	for _, p := range c.Paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("path %q must start with /", p)
		}
	}
	return nil
}

func (s StoreConfig) validateMemoryOrRedis(name string) error {
	switch s.Backend {
	case BackendMemory:
		return nil
	case BackendRedis:
		if s.RedisAddr == "" {
			return fmt.Errorf("%s: redis_addr is required for the redis backend", name)
		}
		return nil
	default:
		return fmt.Errorf("%s: backend %q must be memory or redis", name, s.Backend)
	}
}
