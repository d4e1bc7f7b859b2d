// Package broker performs the two OAuth2 grants against the identity
// provider: the authorization-code grant on behalf of a signed-in user and
// the client-credentials grant on behalf of the service.
package broker

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/config"
	"github.com/openkcm/acr-manager/internal/serviceerr"
)

const (
	defaultExpiryMargin = 60 * time.Second
	defaultHTTPTimeout  = 10 * time.Second
)

type Broker struct {
	auth   config.AuthorityConfig
	client *http.Client
	retry  config.Retry
	margin time.Duration
	now    func() time.Time

	// tokens holds application tokens keyed by scope set and the provider
	// key set.
	tokens *cache.Cache
	group  singleflight.Group
}

type Option func(*Broker)

func WithHTTPClient(c *http.Client) Option {
	return func(b *Broker) { b.client = c }
}

func WithRetry(r config.Retry) Option {
	return func(b *Broker) { b.retry = r }
}

// WithExpiryMargin sets how long before expiry a cached application token is
// considered stale.
func WithExpiryMargin(d time.Duration) Option {
	return func(b *Broker) { b.margin = d }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func New(auth config.AuthorityConfig, opts ...Option) *Broker {
	b := &Broker{
		auth:   auth,
		client: &http.Client{Timeout: defaultHTTPTimeout},
		retry: config.Retry{
			MaxTries:        4,
			InitialInterval: 200 * time.Millisecond,
			MaxElapsedTime:  15 * time.Second,
		},
		margin: defaultExpiryMargin,
		now:    time.Now,
		tokens: cache.New(cache.NoExpiration, 10*time.Minute),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	return b
}

// BuildAuthorizationURL returns the provider's authorize URL for the given
// state and scopes. The result only depends on its inputs and the authority
// configuration.
func (b *Broker) BuildAuthorizationURL(state string, scopes []string, opts ...oauth2.AuthCodeOption) (string, error) {
	if err := b.auth.Validate(); err != nil {
		return "", err
	}

	return b.codeConfig(scopes).AuthCodeURL(state, opts...), nil
}

// ExchangeCode redeems an authorization code. It is never retried: codes are
// single use.
func (b *Broker) ExchangeCode(ctx context.Context, code string, scopes []string, opts ...oauth2.AuthCodeOption) (DelegatedToken, error) {
	if strings.TrimSpace(code) == "" {
		return DelegatedToken{}, &serviceerr.GrantError{
			Grant:       serviceerr.GrantAuthorizationCode,
			Code:        "invalid_request",
			Description: "authorization code is empty",
		}
	}

	opts = append(slices.Clone(opts), oauth2.SetAuthURLParam("scope", strings.Join(scopes, " ")))

	tok, err := b.codeConfig(scopes).Exchange(b.clientContext(ctx), code, opts...)
	if err != nil {
		gErr := grantError(serviceerr.GrantAuthorizationCode, err)
		slogctx.Error(ctx, "Authorization code exchange failed",
			"status", gErr.StatusCode, "error_code", gErr.Code, "error_description", gErr.Description)

		return DelegatedToken{}, gErr
	}

	result := b.resultFrom(tok, scopes)
	if result.IDToken != "" {
		account, err := b.verifyIDToken(ctx, result.IDToken)
		if err != nil {
			return DelegatedToken{}, &serviceerr.GrantError{
				Grant:       serviceerr.GrantAuthorizationCode,
				Code:        "invalid_id_token",
				Description: "id token failed validation",
				Err:         err,
			}
		}
		result.Account = account
	}

	slogctx.Info(ctx, "Exchanged the auth code for tokens")

	return DelegatedToken{result: result}, nil
}

func (b *Broker) codeConfig(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     b.auth.ClientID,
		ClientSecret: b.auth.ClientSecret,
		RedirectURL:  b.auth.RedirectURI,
		Scopes:       slices.Clone(scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:   b.auth.AuthorizeEndpoint,
			TokenURL:  b.auth.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (b *Broker) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.client)
}

func (b *Broker) resultFrom(tok *oauth2.Token, requested []string) TokenResult {
	result := TokenResult{
		AccessToken: tok.AccessToken,
		ExpiresOn:   tok.Expiry,
		Scopes:      slices.Clone(requested),
	}

	if idToken, ok := tok.Extra("id_token").(string); ok {
		result.IDToken = idToken
	}

	if granted, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(granted) != "" {
		result.Scopes = strings.Fields(granted)
	}

	return result
}

func grantError(grant string, err error) *serviceerr.GrantError {
	gErr := &serviceerr.GrantError{Grant: grant, Err: err}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		gErr.Code = retrieveErr.ErrorCode
		gErr.Description = retrieveErr.ErrorDescription
		if retrieveErr.Response != nil {
			gErr.StatusCode = retrieveErr.Response.StatusCode
		}
	}

	return gErr
}
