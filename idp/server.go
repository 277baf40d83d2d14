package idp

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/audit"
)

// Cache-Control max-age for the key set and discovery documents.
const (
	DefaultJWKSCacheMaxAge      = 3600
	DefaultDiscoveryCacheMaxAge = 3600
)

// Handler serves the provider's OAuth2 endpoints and hosted pages.
type Handler struct {
	provider *Provider
	logger   *zap.Logger
}

// NewHandler creates a Handler for p.
func NewHandler(p *Provider) *Handler {
	return &Handler{provider: p, logger: p.logger}
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, h.requestContext, middleware.Recoverer)

	r.Get("/oauth2/authorize", h.AuthorizeHandler)
	r.Post("/oauth2/token", h.TokenHandler)
	r.Post("/oauth2/revoke", h.RevokeHandler)

	r.Get("/login", h.LoginPageHandler)
	r.Post("/login", h.LoginHandler)
	r.Get("/signup", h.SignUpPageHandler)
	r.Post("/signup", h.SignUpHandler)
	r.Get("/confirm", h.ConfirmPageHandler)
	r.Post("/confirm", h.ConfirmHandler)

	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/openid-configuration", h.DiscoveryHandler)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if h.provider.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.provider.metrics.Handler())
	}
	return r
}

// requestContext carries chi's request id into audit events.
func (h *Handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthorizeHandler handles GET /oauth2/authorize. A valid request is sent on
// to the hosted login page.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	req := AuthorizeRequestFromValues(r.URL.Query())
	if _, err := h.provider.ValidateAuthorizeRequest(req); err != nil {
		h.authorizeError(w, r, req, err)
		return
	}
	http.Redirect(w, r, "/login?"+req.Values().Encode(), http.StatusFound)
}

// LoginPageHandler handles GET /login.
func (h *Handler) LoginPageHandler(w http.ResponseWriter, r *http.Request) {
	req := AuthorizeRequestFromValues(r.URL.Query())
	if _, err := h.provider.ValidateAuthorizeRequest(req); err != nil {
		h.authorizeError(w, r, req, err)
		return
	}
	h.render(w, http.StatusOK, "login", pageFor("Sign in", req))
}

// LoginHandler handles the hosted login form. On success the browser is
// redirected to the client's callback.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, http.StatusBadRequest, "error", page{Title: "Error", Error: "malformed form"})
		return
	}
	req := AuthorizeRequestFromValues(r.PostForm)
	target, err := h.provider.Login(r.Context(), req, r.PostForm.Get("email"), r.PostForm.Get("password"))
	if err == nil {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	switch kind := iam.KindOf(err); kind {
	case iam.KindInvalidCredentials, iam.KindUnverifiedAccount:
		// Same page, same bytes for every credential failure of a kind.
		p := pageFor("Sign in", req)
		p.Error = describe(err)
		h.render(w, iam.HTTPStatus(kind), "login", p)
	default:
		h.authorizeError(w, r, req, err)
	}
}

// SignUpPageHandler handles GET /signup.
func (h *Handler) SignUpPageHandler(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "signup", pageFor("Sign up", AuthorizeRequestFromValues(r.URL.Query())))
}

// SignUpHandler registers an account. JSON callers get a JSON answer, the
// hosted form moves on to the confirmation page.
func (h *Handler) SignUpHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.formError(w, r, "signup", "Sign up", AuthorizeRequest{}, iam.NewError(iam.KindInvalidRequest, err))
		return
	}
	req := AuthorizeRequestFromValues(r.PostForm)
	attrs := map[string]string{}
	if gn := r.PostForm.Get("given_name"); gn != "" {
		attrs["given_name"] = gn
	}
	acct, err := h.provider.Users().SignUp(r.Context(), r.PostForm.Get("email"), r.PostForm.Get("password"), attrs)
	if err != nil {
		h.formError(w, r, "signup", "Sign up", req, err)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusCreated, map[string]any{"sub": acct.Subject, "user_confirmed": acct.EmailVerified})
		return
	}
	p := pageFor("Confirm your account", req)
	p.Notice = "A confirmation code has been sent to your email."
	h.render(w, http.StatusOK, "confirm", p)
}

// ConfirmPageHandler handles GET /confirm.
func (h *Handler) ConfirmPageHandler(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "confirm", pageFor("Confirm your account", AuthorizeRequestFromValues(r.URL.Query())))
}

// ConfirmHandler verifies an email with its confirmation code.
func (h *Handler) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.formError(w, r, "confirm", "Confirm your account", AuthorizeRequest{}, iam.NewError(iam.KindInvalidRequest, err))
		return
	}
	req := AuthorizeRequestFromValues(r.PostForm)
	if err := h.provider.Users().Confirm(r.Context(), r.PostForm.Get("email"), r.PostForm.Get("code")); err != nil {
		h.formError(w, r, "confirm", "Confirm your account", req, err)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"user_confirmed": true})
		return
	}
	if req.ClientID != "" {
		http.Redirect(w, r, "/login?"+req.Values().Encode(), http.StatusFound)
		return
	}
	h.render(w, http.StatusOK, "error", page{Title: "Account confirmed", Notice: "You can now sign in."})
}

// TokenHandler handles POST /oauth2/token.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	grant := r.PostForm.Get("grant_type")
	if grant != GrantAuthorizationCode && grant != GrantRefreshToken {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("grant_type %q is not supported", grant))
		return
	}
	id, secret := clientCredentials(r)
	set, err := h.provider.Exchange(r.Context(), TokenRequest{
		GrantType:    grant,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		ClientID:     id,
		ClientSecret: secret,
	})
	if err != nil {
		h.tokenError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, set)
}

// RevokeHandler handles POST /oauth2/revoke. Unknown tokens succeed.
func (h *Handler) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	id, secret := clientCredentials(r)
	if err := h.provider.Revoke(r.Context(), r.PostForm.Get("token"), id, secret); err != nil {
		h.tokenError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// JWKSHandler handles GET /.well-known/jwks.json.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := h.provider.JWKS(r.Context())
	if err != nil {
		h.logger.Error("failed to build key set", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	writeJSON(w, http.StatusOK, set)
}

// DiscoveryDocument is the OpenID provider metadata.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// Discovery describes the provider's endpoints.
func (p *Provider) Discovery() DiscoveryDocument {
	iss := p.cfg.Issuer
	var scopes []string
	for _, c := range p.cfg.Clients {
		for _, s := range c.AllowedScopes {
			if !slices.Contains(scopes, s) {
				scopes = append(scopes, s)
			}
		}
	}
	return DiscoveryDocument{
		Issuer:                            iss,
		AuthorizationEndpoint:             iss + "/oauth2/authorize",
		TokenEndpoint:                     iss + "/oauth2/token",
		RevocationEndpoint:                iss + "/oauth2/revoke",
		JWKSURI:                           iss + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{"code", "token"},
		GrantTypesSupported:               []string{GrantAuthorizationCode, GrantImplicit, GrantRefreshToken},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		ScopesSupported:                   scopes,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
	}
}

// DiscoveryHandler handles GET /.well-known/openid-configuration.
func (h *Handler) DiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	writeJSON(w, http.StatusOK, h.provider.Discovery())
}

// authorizeError answers a failed authorization. Problems with the client or
// its callback get an error page; anything else goes back to the callback.
func (h *Handler) authorizeError(w http.ResponseWriter, r *http.Request, req AuthorizeRequest, err error) {
	kind := iam.KindOf(err)
	if kind == iam.KindInvalidClient || kind == iam.KindUntrustedCallback {
		h.provider.audit.LogContext(r.Context(), audit.Event{
			Action: audit.ActionAuthorizeDenied, Result: audit.ResultDenied,
			ClientID: req.ClientID, Resource: req.RedirectURI, Reason: string(kind),
		})
		h.render(w, http.StatusBadRequest, "error", page{Title: "Error", Error: describe(err)})
		return
	}
	if kind == iam.KindInternal {
		h.logger.Error("authorization failed", zap.Error(err))
	}

	code := "invalid_request"
	if az, verr := h.provider.ValidateAuthorizeRequest(req); az != nil && verr != nil {
		switch {
		case az.Flow == "":
			code = "unsupported_response_type"
		case !az.Client.AllowsFlow(az.Flow):
			code = "unauthorized_client"
		default:
			code = "invalid_scope"
		}
	} else if kind == iam.KindInternal {
		code = "server_error"
	}
	params := url.Values{}
	params.Set("error", code)
	params.Set("error_description", describe(err))
	if req.State != "" {
		params.Set("state", req.State)
	}
	sep := "?"
	if req.ResponseType == "token" {
		sep = "#"
	} else if strings.Contains(req.RedirectURI, "?") {
		sep = "&"
	}
	http.Redirect(w, r, req.RedirectURI+sep+params.Encode(), http.StatusFound)
}

func (h *Handler) formError(w http.ResponseWriter, r *http.Request, name, title string, req AuthorizeRequest, err error) {
	kind := iam.KindOf(err)
	if kind == iam.KindInternal {
		h.logger.Error("request failed", zap.String("page", name), zap.Error(err))
	}
	var unmet []string
	var ie *iam.Error
	if errors.As(err, &ie) {
		for _, u := range ie.Unmet {
			unmet = append(unmet, string(u))
		}
	}
	if wantsJSON(r) {
		body := map[string]any{"error": string(kind), "error_description": describe(err)}
		if len(unmet) > 0 {
			body["unmet"] = unmet
		}
		writeJSON(w, iam.HTTPStatus(kind), body)
		return
	}
	p := pageFor(title, req)
	p.Error = describe(err)
	p.Unmet = unmet
	h.render(w, iam.HTTPStatus(kind), name, p)
}

func (h *Handler) tokenError(w http.ResponseWriter, err error) {
	kind := iam.KindOf(err)
	switch kind {
	case iam.KindInvalidClient:
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", describe(err))
	case iam.KindInvalidGrant, iam.KindRevokedToken:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", describe(err))
	case iam.KindInvalidRequest:
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", describe(err))
	default:
		h.logger.Error("token endpoint failed", zap.Error(err))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) render(w http.ResponseWriter, status int, name string, p page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, name, p); err != nil {
		h.logger.Error("failed to render page", zap.String("page", name), zap.Error(err))
	}
}

func pageFor(title string, req AuthorizeRequest) page {
	v := req.Values()
	return page{Title: title, Params: v, Query: template.URL(v.Encode())}
}

// describe returns the caller-safe message of err. Wrapped causes stay in
// the logs.
func describe(err error) string {
	var ie *iam.Error
	if errors.As(err, &ie) && ie.Message != "" {
		return ie.Message
	}
	return "internal error"
}

func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
