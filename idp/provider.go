// Package idp is the identity provider: it authenticates accounts, runs the
// authorization code and implicit grants and signs id, access and refresh
// tokens.
package idp

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/audit"
	"github.com/chimerakang/iam-pipeline/authz"
	"github.com/chimerakang/iam-pipeline/keys"
	"github.com/chimerakang/iam-pipeline/metrics"
	"github.com/chimerakang/iam-pipeline/session"
	"github.com/chimerakang/iam-pipeline/token"
	"github.com/chimerakang/iam-pipeline/user"
)

// Grant types accepted by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantImplicit          = "implicit"
)

// Provider issues tokens for registered clients.
type Provider struct {
	cfg      Config
	clients  map[string]*ClientRegistration
	users    *user.Service
	sessions *session.Service
	keys     keys.Provider
	codes    *codeStore
	clock    iam.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	audit    *audit.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock overrides the wall clock used for every issued timestamp.
func WithClock(c iam.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(p *Provider) { p.audit = a }
}

// New validates cfg and creates a Provider.
func New(cfg Config, users *user.Service, sessions *session.Service, kp keys.Provider, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("iam/idp: invalid config: %w", err)
	}
	if users == nil || sessions == nil || kp == nil {
		return nil, errors.New("iam/idp: users, sessions and keys are required")
	}
	p := &Provider{
		cfg:      cfg,
		clients:  make(map[string]*ClientRegistration, len(cfg.Clients)),
		users:    users,
		sessions: sessions,
		keys:     kp,
		codes:    newCodeStore(),
		clock:    iam.SystemClock,
		logger:   zap.NewNop(),
	}
	for i := range cfg.Clients {
		p.clients[cfg.Clients[i].ID] = &cfg.Clients[i]
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Issuer returns the iss value stamped on every token.
func (p *Provider) Issuer() string { return p.cfg.Issuer }

// Users returns the account directory.
func (p *Provider) Users() *user.Service { return p.users }

// Client returns a registered client.
func (p *Provider) Client(id string) (*ClientRegistration, bool) {
	c, ok := p.clients[id]
	return c, ok
}

// JWKS returns the public key set that verifies issued tokens.
func (p *Provider) JWKS(ctx context.Context) (jwk.Set, error) {
	return keys.Set(ctx, p.keys)
}

// AuthorizeRequest is the query of an authorize call.
type AuthorizeRequest struct {
	ClientID     string
	ResponseType string
	RedirectURI  string
	Scope        string
	State        string
	Nonce        string
}

// AuthorizeRequestFromValues reads an AuthorizeRequest from query or form
// values.
func AuthorizeRequestFromValues(v url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:     v.Get("client_id"),
		ResponseType: v.Get("response_type"),
		RedirectURI:  v.Get("redirect_uri"),
		Scope:        v.Get("scope"),
		State:        v.Get("state"),
		Nonce:        v.Get("nonce"),
	}
}

// Values is the inverse of AuthorizeRequestFromValues.
func (r AuthorizeRequest) Values() url.Values {
	v := url.Values{}
	for k, s := range map[string]string{
		"client_id": r.ClientID, "response_type": r.ResponseType, "redirect_uri": r.RedirectURI,
		"scope":     r.Scope, "state": r.State, "nonce": r.Nonce,
	} {
		if s != "" {
			v.Set(k, s)
		}
	}
	return v
}

// Authorization is a validated AuthorizeRequest.
type Authorization struct {
	Request AuthorizeRequest
	Client  *ClientRegistration
	Flow    Flow
	Scopes  []string
}

// ValidateAuthorizeRequest checks the client and callback first. Errors of
// kind InvalidClient or UntrustedCallback must never be answered with a
// redirect; any later error may be sent back to the callback.
func (p *Provider) ValidateAuthorizeRequest(req AuthorizeRequest) (*Authorization, error) {
	client, ok := p.clients[req.ClientID]
	if !ok {
		return nil, iam.Errorf(iam.KindInvalidClient, "unknown client")
	}
	if !client.TrustsCallback(req.RedirectURI) {
		return nil, iam.NewError(iam.KindUntrustedCallback, nil)
	}

	az := &Authorization{Request: req, Client: client}
	switch req.ResponseType {
	case "code":
		az.Flow = FlowCode
	case "token":
		az.Flow = FlowImplicit
	default:
		return az, iam.Errorf(iam.KindInvalidRequest, "unsupported response_type")
	}
	if !client.AllowsFlow(az.Flow) {
		return az, iam.Errorf(iam.KindInvalidRequest, "flow not allowed for client")
	}

	scopes, err := resolveScopes(client, req.Scope)
	if err != nil {
		return az, err
	}
	az.Scopes = scopes
	return az, nil
}

// Login authenticates the account and completes the authorization. It
// returns the URL to redirect the browser to.
func (p *Provider) Login(ctx context.Context, req AuthorizeRequest, email, password string) (string, error) {
	az, err := p.ValidateAuthorizeRequest(req)
	if err != nil {
		return "", err
	}
	acct, err := p.users.Authenticate(ctx, email, password)
	if err != nil {
		p.metrics.RecordLogin(audit.ResultFailure)
		p.audit.LogContext(ctx, audit.Event{
			Action: audit.ActionLogin, Result: audit.ResultFailure,
			ClientID: az.Client.ID, Reason: string(iam.KindOf(err)),
		})
		return "", err
	}
	p.metrics.RecordLogin(audit.ResultSuccess)
	p.audit.LogContext(ctx, audit.Event{
		Action: audit.ActionLogin, Result: audit.ResultSuccess,
		Subject: acct.Subject, ClientID: az.Client.ID,
	})
	return p.Authorize(ctx, az, acct)
}

// Authorize completes a validated authorization for an authenticated
// account: a one-time code for the code flow, tokens in the fragment for the
// implicit flow.
func (p *Provider) Authorize(ctx context.Context, az *Authorization, acct *iam.Account) (string, error) {
	now := p.clock.Now()
	switch az.Flow {
	case FlowCode:
		code := p.codes.issue(&authCode{
			clientID:    az.Client.ID,
			redirectURI: az.Request.RedirectURI,
			subject:     acct.Subject,
			scopes:      az.Scopes,
			nonce:       az.Request.Nonce,
			authTime:    now,
			expiresAt:   now.Add(p.cfg.Lifetimes.AuthCode),
		}, now)
		u, err := url.Parse(az.Request.RedirectURI)
		if err != nil {
			return "", iam.NewError(iam.KindUntrustedCallback, err)
		}
		q := u.Query()
		q.Set("code", code)
		if az.Request.State != "" {
			q.Set("state", az.Request.State)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil

	case FlowImplicit:
		set, err := p.issue(ctx, acct, az.Client.ID, az.Scopes, az.Request.Nonce, now, nil)
		if err != nil {
			return "", err
		}
		p.metrics.RecordTokensIssued(GrantImplicit)
		p.audit.LogContext(ctx, audit.Event{Action: audit.ActionTokenIssued, Result: audit.ResultSuccess, Subject: acct.Subject, ClientID: az.Client.ID, Resource: GrantImplicit})
		frag := url.Values{}
		frag.Set("access_token", set.AccessToken)
		if set.IDToken != "" {
			frag.Set("id_token", set.IDToken)
		}
		frag.Set("token_type", set.TokenType)
		frag.Set("expires_in", strconv.FormatInt(set.ExpiresIn, 10))
		if az.Request.State != "" {
			frag.Set("state", az.Request.State)
		}
		return az.Request.RedirectURI + "#" + frag.Encode(), nil
	}
	return "", iam.Errorf(iam.KindInvalidRequest, "unsupported response_type")
}

// TokenRequest is a token endpoint call.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Exchange redeems an authorization code or refresh token.
func (p *Provider) Exchange(ctx context.Context, req TokenRequest) (*iam.TokenSet, error) {
	client, err := p.authenticateClient(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	switch req.GrantType {
	case GrantAuthorizationCode:
		return p.exchangeCode(ctx, client, req)
	case GrantRefreshToken:
		return p.exchangeRefresh(ctx, client, req.RefreshToken)
	default:
		return nil, iam.Errorf(iam.KindInvalidRequest, "unsupported grant_type")
	}
}

func (p *Provider) exchangeCode(ctx context.Context, client *ClientRegistration, req TokenRequest) (*iam.TokenSet, error) {
	now := p.clock.Now()
	ac := p.codes.take(req.Code, now)
	if ac == nil {
		return nil, iam.Errorf(iam.KindInvalidGrant, "authorization code is invalid, used or expired")
	}
	if ac.clientID != client.ID || ac.redirectURI != req.RedirectURI {
		return nil, iam.Errorf(iam.KindInvalidGrant, "authorization code was issued to another client or redirect_uri")
	}
	acct, err := p.users.Get(ctx, ac.subject)
	if err != nil {
		return nil, iam.NewError(iam.KindInvalidGrant, err)
	}

	refreshTTL := p.cfg.Lifetimes.Refresh
	sess, err := p.sessions.Create(ctx, acct.Subject, client.ID, ac.scopes, refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("iam/idp: %w", err)
	}
	set, err := p.issue(ctx, acct, client.ID, ac.scopes, ac.nonce, now, sess)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordTokensIssued(GrantAuthorizationCode)
	p.audit.LogContext(ctx, audit.Event{Action: audit.ActionTokenIssued, Result: audit.ResultSuccess, Subject: acct.Subject, ClientID: client.ID, Resource: GrantAuthorizationCode})
	return set, nil
}

// exchangeRefresh mints fresh id and access tokens. The refresh token itself
// is not rotated; the caller keeps using it until it expires or is revoked.
func (p *Provider) exchangeRefresh(ctx context.Context, client *ClientRegistration, raw string) (*iam.TokenSet, error) {
	claims, err := p.parseRefreshToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if cid, _ := claims[token.ClaimClientID].(string); cid != client.ID {
		return nil, iam.Errorf(iam.KindInvalidGrant, "refresh token was issued to another client")
	}
	jti, _ := claims["jti"].(string)
	sess, err := p.sessions.Validate(ctx, jti)
	if err != nil {
		p.audit.LogContext(ctx, audit.Event{Action: audit.ActionTokenRefreshed, Result: audit.ResultDenied, ClientID: client.ID, Reason: string(iam.KindOf(err))})
		return nil, err
	}
	acct, err := p.users.Get(ctx, sess.Subject)
	if err != nil {
		return nil, iam.NewError(iam.KindInvalidGrant, err)
	}

	set, err := p.issue(ctx, acct, client.ID, sess.Scopes, "", p.clock.Now(), nil)
	if err != nil {
		return nil, err
	}
	set.RefreshToken = raw
	p.metrics.RecordTokensIssued(GrantRefreshToken)
	p.audit.LogContext(ctx, audit.Event{Action: audit.ActionTokenRefreshed, Result: audit.ResultSuccess, Subject: acct.Subject, ClientID: client.ID})
	return set, nil
}

// Revoke ends the session behind a refresh token. Tokens that do not parse
// or belong to another client are ignored.
func (p *Provider) Revoke(ctx context.Context, raw, clientID, secret string) error {
	client, err := p.authenticateClient(clientID, secret)
	if err != nil {
		return err
	}
	claims, err := p.parseRefreshToken(ctx, raw)
	if err != nil {
		p.logger.Debug("ignoring revocation of unparseable token", zap.Error(err))
		return nil
	}
	if cid, _ := claims[token.ClaimClientID].(string); cid != client.ID {
		return nil
	}
	jti, _ := claims["jti"].(string)
	if err := p.sessions.Revoke(ctx, jti); err != nil {
		return fmt.Errorf("iam/idp: %w", err)
	}
	sub, _ := claims["sub"].(string)
	p.audit.LogContext(ctx, audit.Event{Action: audit.ActionTokenRevoked, Result: audit.ResultSuccess, Subject: sub, ClientID: client.ID})
	return nil
}

func (p *Provider) authenticateClient(id, secret string) (*ClientRegistration, error) {
	client, ok := p.clients[id]
	if !ok {
		return nil, iam.NewError(iam.KindInvalidClient, nil)
	}
	if client.Secret != "" && subtle.ConstantTimeCompare([]byte(client.Secret), []byte(secret)) != 1 {
		return nil, iam.NewError(iam.KindInvalidClient, nil)
	}
	return client, nil
}

func (p *Provider) parseRefreshToken(ctx context.Context, raw string) (jwt.MapClaims, error) {
	if raw == "" {
		return nil, iam.Errorf(iam.KindInvalidRequest, "refresh_token is required")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, p.keyfunc(ctx),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodRS384.Alg(), jwt.SigningMethodRS512.Alg()}),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.clock.Now),
	)
	if err != nil {
		return nil, iam.NewError(iam.KindInvalidGrant, err)
	}
	if use, _ := claims[token.ClaimTokenUse].(string); use != string(iam.TokenUseRefresh) {
		return nil, iam.Errorf(iam.KindInvalidGrant, "not a refresh token")
	}
	return claims, nil
}

func (p *Provider) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pubs, err := p.keys.PublicKeys(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range pubs {
			if k.KeyID() != kid {
				continue
			}
			var pub rsa.PublicKey
			if err := k.Raw(&pub); err != nil {
				return nil, err
			}
			return &pub, nil
		}
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
}

// resolveScopes defaults an empty request to everything the client may ask
// for and rejects anything beyond that.
func resolveScopes(client *ClientRegistration, requested string) ([]string, error) {
	scopes := authz.ParseScopes(requested)
	if len(scopes) == 0 {
		return slices.Clone(client.AllowedScopes), nil
	}
	if missing := authz.Missing(client.AllowedScopes, scopes); len(missing) > 0 {
		return nil, iam.Errorf(iam.KindInvalidRequest, "scope not allowed: "+strings.Join(missing, " "))
	}
	return scopes, nil
}

// issue signs an access token and, when openid was granted, an id token.
// sess, when set, backs a refresh token.
func (p *Provider) issue(ctx context.Context, acct *iam.Account, clientID string, scopes []string, nonce string, now time.Time, sess *session.Session) (*iam.TokenSet, error) {
	sk, err := p.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("iam/idp: %w", err)
	}
	lt := p.cfg.Lifetimes
	set := &iam.TokenSet{TokenType: "Bearer", ExpiresIn: int64(lt.Access / time.Second)}

	set.AccessToken, err = sign(sk, jwt.MapClaims{
		"sub":               acct.Subject,
		"iss":               p.cfg.Issuer,
		token.ClaimClientID: clientID,
		token.ClaimTokenUse: string(iam.TokenUseAccess),
		token.ClaimScope:    strings.Join(scopes, " "),
		"iat":               now.Unix(),
		"exp":               now.Add(lt.Access).Unix(),
		"jti":               uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	if slices.Contains(scopes, "openid") {
		set.IDToken, err = sign(sk, idClaims(acct, p.cfg.Issuer, clientID, nonce, now, lt.ID))
		if err != nil {
			return nil, err
		}
	}

	if sess != nil {
		set.RefreshToken, err = sign(sk, jwt.MapClaims{
			"sub":               acct.Subject,
			"iss":               p.cfg.Issuer,
			token.ClaimClientID: clientID,
			token.ClaimTokenUse: string(iam.TokenUseRefresh),
			"iat":               now.Unix(),
			"exp":               sess.ExpiresAt.Unix(),
			"jti":               sess.ID,
		})
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}

func idClaims(acct *iam.Account, issuer, clientID, nonce string, now time.Time, ttl time.Duration) jwt.MapClaims {
	c := jwt.MapClaims{
		"sub":                    acct.Subject,
		"iss":                    issuer,
		"aud":                    clientID,
		token.ClaimTokenUse:      string(iam.TokenUseID),
		"iat":                    now.Unix(),
		"exp":                    now.Add(ttl).Unix(),
		"auth_time":              now.Unix(),
		"jti":                    uuid.NewString(),
		token.ClaimEmail:         acct.Email,
		token.ClaimEmailVerified: acct.EmailVerified,
	}
	if acct.GivenName != "" {
		c[token.ClaimGivenName] = acct.GivenName
	}
	if nonce != "" {
		c["nonce"] = nonce
	}
	for k, v := range acct.Attributes {
		if !strings.HasPrefix(k, "custom:") {
			k = "custom:" + k
		}
		c[k] = v
	}
	return c
}

func sign(sk *keys.SigningKey, claims jwt.MapClaims) (string, error) {
	method := jwt.GetSigningMethod(sk.Algorithm.String())
	if method == nil {
		return "", fmt.Errorf("iam/idp: unsupported signing algorithm %s", sk.Algorithm)
	}
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = sk.KeyID
	s, err := tok.SignedString(sk.Key)
	if err != nil {
		return "", fmt.Errorf("iam/idp: sign: %w", err)
	}
	return s, nil
}
