package idp

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Flow is an OAuth2 grant a client may use at the authorize endpoint.
type Flow string

const (
	FlowCode     Flow = "code"
	FlowImplicit Flow = "implicit"
)

// ClientRegistration describes an application allowed to request tokens.
type ClientRegistration struct {
	ID     string `mapstructure:"id"`
	Secret string `mapstructure:"secret"`
	// CallbackURLs are compared byte for byte against redirect_uri.
	CallbackURLs  []string `mapstructure:"callback_urls"`
	AllowedScopes []string `mapstructure:"allowed_scopes"`
	AllowedFlows  []Flow   `mapstructure:"allowed_flows"`
}

// AllowsFlow reports whether f is enabled for the client.
func (c *ClientRegistration) AllowsFlow(f Flow) bool {
	return slices.Contains(c.AllowedFlows, f)
}

// TrustsCallback reports whether uri is registered. There is no prefix or
// wildcard matching.
func (c *ClientRegistration) TrustsCallback(uri string) bool {
	return uri != "" && slices.Contains(c.CallbackURLs, uri)
}

// Lifetimes bounds every credential the provider hands out.
type Lifetimes struct {
	ID       time.Duration `mapstructure:"id"`
	Access   time.Duration `mapstructure:"access"`
	Refresh  time.Duration `mapstructure:"refresh"`
	AuthCode time.Duration `mapstructure:"auth_code"`
}

// DefaultLifetimes returns one hour id and access tokens, 30 day refresh
// tokens and five minute authorization codes.
func DefaultLifetimes() Lifetimes {
	return Lifetimes{
		ID:       time.Hour,
		Access:   time.Hour,
		Refresh:  30 * 24 * time.Hour,
		AuthCode: 5 * time.Minute,
	}
}

// Config is the identity provider's declarative setup.
type Config struct {
	Issuer    string               `mapstructure:"issuer"`
	Clients   []ClientRegistration `mapstructure:"clients"`
	Lifetimes Lifetimes            `mapstructure:"lifetimes"`
}

// Validate reports every problem in c at once.
func (c Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.Issuer); err != nil || !u.IsAbs() || u.Host == "" {
		errs = append(errs, fmt.Errorf("issuer %q must be an absolute URL", c.Issuer))
	} else if strings.HasSuffix(c.Issuer, "/") {
		errs = append(errs, fmt.Errorf("issuer %q must not end with a slash", c.Issuer))
	}

	if len(c.Clients) == 0 {
		errs = append(errs, errors.New("at least one client is required"))
	}
	seen := make(map[string]bool)
	for i, cl := range c.Clients {
		if cl.ID == "" {
			errs = append(errs, fmt.Errorf("clients[%d]: id is required", i))
		} else if seen[cl.ID] {
			errs = append(errs, fmt.Errorf("clients[%d]: duplicate id %q", i, cl.ID))
		}
		seen[cl.ID] = true
		errs = append(errs, validateClient(i, cl)...)
	}

	l := c.Lifetimes
	for name, d := range map[string]time.Duration{"id": l.ID, "access": l.Access, "refresh": l.Refresh, "auth_code": l.AuthCode} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("lifetimes.%s must be positive", name))
		}
	}
	if l.Access > l.Refresh || l.ID > l.Refresh {
		errs = append(errs, errors.New("lifetimes.refresh must not be shorter than id or access"))
	}
	return errors.Join(errs...)
}

func validateClient(i int, cl ClientRegistration) []error {
	var errs []error
	if len(cl.CallbackURLs) == 0 {
		errs = append(errs, fmt.Errorf("clients[%d]: at least one callback url is required", i))
	}
	for _, cb := range cl.CallbackURLs {
		u, err := url.Parse(cb)
		switch {
		case err != nil || !u.IsAbs() || u.Host == "":
			errs = append(errs, fmt.Errorf("clients[%d]: callback %q must be an absolute URL", i, cb))
		case u.Fragment != "" || strings.Contains(cb, "#"):
			errs = append(errs, fmt.Errorf("clients[%d]: callback %q must not carry a fragment", i, cb))
		case strings.Contains(cb, "*"):
			errs = append(errs, fmt.Errorf("clients[%d]: callback %q must not contain a wildcard", i, cb))
		}
	}
	if len(cl.AllowedScopes) == 0 {
		errs = append(errs, fmt.Errorf("clients[%d]: at least one allowed scope is required", i))
	}
	if len(cl.AllowedFlows) == 0 {
		errs = append(errs, fmt.Errorf("clients[%d]: at least one allowed flow is required", i))
	}
	for _, f := range cl.AllowedFlows {
		if f != FlowCode && f != FlowImplicit {
			errs = append(errs, fmt.Errorf("clients[%d]: unknown flow %q (want code or implicit)", i, f))
		}
	}
	return errs
}
