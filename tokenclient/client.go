// Package tokenclient is the relying-party side of the identity provider. It
// signs a user in through the hosted login form, exchanges the code, and
// keeps a fresh access token for calls through the gateway.
package tokenclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	iam "github.com/chimerakang/iam-pipeline"
)

// ErrNotSignedIn is returned when no token has been obtained yet.
var ErrNotSignedIn = errors.New("tokenclient: not signed in")

// Config identifies the relying party to the identity provider.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Client holds one user's tokens.
type Client struct {
	oauth         *oauth2.Config
	issuer        string
	httpClient    *http.Client
	refreshBuffer time.Duration
	clock         iam.Clock
	logger        *zap.Logger

	mu        sync.RWMutex
	token     *oauth2.Token
	expiresAt time.Time

	sf singleflight.Group
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client for every request the Client makes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRefreshBuffer sets how long before expiry the access token is renewed.
func WithRefreshBuffer(d time.Duration) Option {
	return func(c *Client) { c.refreshBuffer = d }
}

// WithClock sets the clock used for expiry decisions.
func WithClock(clk iam.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	issuer := strings.TrimSuffix(cfg.Issuer, "/")
	if u, err := url.Parse(issuer); err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("tokenclient: issuer %q must be an absolute URL", cfg.Issuer)
	}
	if cfg.ClientID == "" {
		return nil, errors.New("tokenclient: client id is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("tokenclient: redirect url is required")
	}

	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   issuer + "/oauth2/authorize",
				TokenURL:  issuer + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		issuer:        issuer,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		refreshBuffer: time.Minute,
		clock:         iam.SystemClock,
		logger:        zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// AuthCodeURL returns the authorize URL a browser is sent to.
func (c *Client) AuthCodeURL(state, nonce string) string {
	var opts []oauth2.AuthCodeOption
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// Login submits the hosted login form, follows the redirect to the callback
// and exchanges the code it carries.
func (c *Client) Login(ctx context.Context, email, password, state string) (*oauth2.Token, error) {
	form := url.Values{
		"client_id":     {c.oauth.ClientID},
		"response_type": {"code"},
		"redirect_uri":  {c.oauth.RedirectURL},
		"scope":         {strings.Join(c.oauth.Scopes, " ")},
		"state":         {state},
		"email":         {email},
		"password":      {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.issuer+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("tokenclient: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	hc := *c.httpClient
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokenclient: login request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusSeeOther {
		return nil, loginError(resp.StatusCode)
	}
	loc, err := resp.Location()
	if err != nil {
		return nil, fmt.Errorf("tokenclient: login redirect without location: %w", err)
	}
	q := loc.Query()
	if e := q.Get("error"); e != "" {
		return nil, iam.Errorf(iam.KindInvalidRequest, "authorization failed: "+e)
	}
	if q.Get("state") != state {
		return nil, iam.Errorf(iam.KindInvalidRequest, "state mismatch")
	}
	code := q.Get("code")
	if code == "" {
		return nil, iam.Errorf(iam.KindInvalidRequest, "callback without code")
	}
	return c.Exchange(ctx, code)
}

// Exchange trades an authorization code for tokens and keeps them.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := c.oauth.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return nil, retrieveError(err)
	}
	c.store(tok)
	return tok, nil
}

// Token returns the current token, or nil before sign-in.
func (c *Client) Token() *oauth2.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// IDToken returns the id token of the last grant, if one was issued.
func (c *Client) IDToken() string {
	tok := c.Token()
	if tok == nil {
		return ""
	}
	s, _ := tok.Extra("id_token").(string)
	return s
}

// AccessToken returns a valid access token, refreshing it when it is within
// the refresh buffer of expiry. Concurrent callers share one refresh.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok, exp := c.token, c.expiresAt
	c.mu.RUnlock()
	if tok == nil {
		return "", ErrNotSignedIn
	}
	if exp.IsZero() || c.clock.Now().Before(exp.Add(-c.refreshBuffer)) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		return "", iam.ErrExpiredToken
	}

	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		return c.refresh(ctx, tok.RefreshToken)
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// Refresh renews the tokens with the stored refresh token.
func (c *Client) Refresh(ctx context.Context) (*oauth2.Token, error) {
	tok := c.Token()
	if tok == nil || tok.RefreshToken == "" {
		return nil, ErrNotSignedIn
	}
	return c.refresh(ctx, tok.RefreshToken)
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ts := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		c.logger.Warn("token refresh failed", zap.Error(err))
		return nil, retrieveError(err)
	}
	c.store(tok)
	c.logger.Debug("access token refreshed")
	return tok, nil
}

// Revoke ends the session behind the refresh token and forgets the tokens.
func (c *Client) Revoke(ctx context.Context) error {
	tok := c.Token()
	if tok == nil || tok.RefreshToken == "" {
		return ErrNotSignedIn
	}
	form := url.Values{
		"token":         {tok.RefreshToken},
		"client_id":     {c.oauth.ClientID},
		"client_secret": {c.oauth.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.issuer+"/oauth2/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("tokenclient: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tokenclient: revoke request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return fmt.Errorf("tokenclient: revoke returned %d: %s", resp.StatusCode, body)
	}

	c.mu.Lock()
	c.token, c.expiresAt = nil, time.Time{}
	c.mu.Unlock()
	return nil
}

// Call sends a request to a protected resource with the current access
// token. The caller closes the response body.
func (c *Client) Call(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	at, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("tokenclient: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+at)
	return c.httpClient.Do(req)
}

// store keeps tok and pins its expiry to the client clock so refresh
// decisions do not depend on wall time.
func (c *Client) store(tok *oauth2.Token) {
	var exp time.Time
	if !tok.Expiry.IsZero() {
		exp = c.clock.Now().Add(time.Until(tok.Expiry))
	}
	c.mu.Lock()
	c.token, c.expiresAt = tok, exp
	c.mu.Unlock()
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func loginError(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return iam.ErrInvalidCredentials
	case http.StatusForbidden:
		return iam.ErrUnverifiedAccount
	case http.StatusBadRequest:
		return iam.Errorf(iam.KindInvalidRequest, "authorization request rejected")
	default:
		return fmt.Errorf("tokenclient: login returned %d", status)
	}
}

func retrieveError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant":
			return iam.NewError(iam.KindInvalidGrant, err)
		case "invalid_client":
			return iam.NewError(iam.KindInvalidClient, err)
		case "invalid_request", "unsupported_grant_type":
			return iam.NewError(iam.KindInvalidRequest, err)
		}
	}
	return fmt.Errorf("tokenclient: token request failed: %w", err)
}
