package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/openkcm/common-sdk/pkg/commoncfg"

	"github.com/openkcm/acr-manager/internal/serviceerr"
)

const (
	DefaultApplicationScope = "https://graph.microsoft.com/.default"

	authorizePath = "/oauth2/v2.0/authorize"
	tokenPath     = "/oauth2/v2.0/token"
	jwksPath      = "/discovery/v2.0/keys"
	issuerPath    = "/v2.0"
)

// DefaultDelegatedScopes are requested on behalf of the signed-in admin.
var DefaultDelegatedScopes = []string{"User.Read", "Policy.Read.ConditionalAccess"}

// AuthorityConfig is the resolved identity provider registration. It is
// built once at startup and passed by value.
type AuthorityConfig struct {
	ClientID     string
	ClientSecret string
	// Authority is the tenant scoped issuer base URL without a trailing slash.
	Authority   string
	RedirectURI string
	// Issuer is the expected iss claim of ID tokens.
	Issuer string

	AuthorizeEndpoint string
	TokenEndpoint     string
	JWKSEndpoint      string

	DelegatedScopes   []string
	ApplicationScopes []string
}

// ResolveAuthority validates cfg and derives the endpoints. Any missing or
// malformed field yields a *serviceerr.ConfigError.
func ResolveAuthority(cfg Entra) (AuthorityConfig, error) {
	if cfg.ClientID == "" {
		return AuthorityConfig{}, &serviceerr.ConfigError{Field: "entra.clientID", Reason: "must be set"}
	}

	if cfg.ClientSecret.Source == "" {
		return AuthorityConfig{}, &serviceerr.ConfigError{Field: "entra.clientSecret", Reason: "must be set"}
	}
	secret, err := commoncfg.LoadValueFromSourceRef(cfg.ClientSecret)
	if err != nil {
		return AuthorityConfig{}, &serviceerr.ConfigError{Field: "entra.clientSecret", Reason: err.Error()}
	}
	if len(secret) == 0 {
		return AuthorityConfig{}, &serviceerr.ConfigError{Field: "entra.clientSecret", Reason: "must not be empty"}
	}

	authority := strings.TrimSuffix(cfg.Authority, "/")
	if cfg.TenantID != "" {
		authority += "/" + strings.Trim(cfg.TenantID, "/")
	}
	if err := checkAbsoluteURL(authority); err != nil {
		return AuthorityConfig{}, &serviceerr.ConfigError{Field: "entra.authority", Reason: err.Error()}
	}

	if err := checkAbsoluteURL(cfg.RedirectURI); err != nil {
		return AuthorityConfig{}, &serviceerr.ConfigError{Field: "entra.redirectURI", Reason: err.Error()}
	}

	delegated := cleanScopes(cfg.DelegatedScopes)
	if len(delegated) == 0 {
		delegated = slices.Clone(DefaultDelegatedScopes)
	}

	application := cleanScopes(cfg.ApplicationScopes)
	if len(application) == 0 {
		application = []string{DefaultApplicationScope}
	}

	return AuthorityConfig{
		ClientID:          cfg.ClientID,
		ClientSecret:      string(secret),
		Authority:         authority,
		RedirectURI:       cfg.RedirectURI,
		Issuer:            authority + issuerPath,
		AuthorizeEndpoint: orDefault(cfg.AuthorizeEndpoint, authority+authorizePath),
		TokenEndpoint:     orDefault(cfg.TokenEndpoint, authority+tokenPath),
		JWKSEndpoint:      orDefault(cfg.JWKSEndpoint, authority+jwksPath),
		DelegatedScopes:   delegated,
		ApplicationScopes: application,
	}, nil
}

// WithEndpoints returns a copy with the non-empty endpoints replaced.
func (a AuthorityConfig) WithEndpoints(authorize, token, jwks string) AuthorityConfig {
	a.AuthorizeEndpoint = orDefault(authorize, a.AuthorizeEndpoint)
	a.TokenEndpoint = orDefault(token, a.TokenEndpoint)
	a.JWKSEndpoint = orDefault(jwks, a.JWKSEndpoint)
	a.DelegatedScopes = slices.Clone(a.DelegatedScopes)
	a.ApplicationScopes = slices.Clone(a.ApplicationScopes)

	return a
}

// Validate reports whether the fields needed to build an authorize URL are
// present.
func (a AuthorityConfig) Validate() error {
	if a.Authority == "" || a.AuthorizeEndpoint == "" {
		return &serviceerr.ConfigError{Field: "entra.authority", Reason: "must be set"}
	}
	if a.RedirectURI == "" {
		return &serviceerr.ConfigError{Field: "entra.redirectURI", Reason: "must be set"}
	}

	return nil
}

func checkAbsoluteURL(raw string) error {
	if raw == "" {
		return errors.New("must be set")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}

	return nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}

	return def
}
