package broker

import (
	"slices"
	"time"
)

// Account identifies the signed-in user.
type Account struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

// TokenResult is the outcome of a single grant.
type TokenResult struct {
	AccessToken string
	IDToken     string
	Account     *Account
	ExpiresOn   time.Time
	Scopes      []string
}

// DelegatedToken acts as the signed-in user. Only the authorization-code
// grant produces one.
type DelegatedToken struct {
	result TokenResult
}

// RestoreDelegatedToken rebuilds a delegated token from persisted session
// material.
func RestoreDelegatedToken(result TokenResult) DelegatedToken {
	return DelegatedToken{result: clone(result)}
}

func (t DelegatedToken) AccessToken() string  { return t.result.AccessToken }
func (t DelegatedToken) IDToken() string      { return t.result.IDToken }
func (t DelegatedToken) ExpiresOn() time.Time { return t.result.ExpiresOn }
func (t DelegatedToken) Scopes() []string     { return slices.Clone(t.result.Scopes) }
func (t DelegatedToken) IsZero() bool         { return t.result.AccessToken == "" }

func (t DelegatedToken) Account() *Account {
	if t.result.Account == nil {
		return nil
	}
	a := *t.result.Account

	return &a
}

// Result returns a copy of the underlying grant result.
func (t DelegatedToken) Result() TokenResult { return clone(t.result) }

// ApplicationToken acts as the service itself. Only the client-credentials
// grant produces one.
type ApplicationToken struct {
	result TokenResult
}

func (t ApplicationToken) AccessToken() string  { return t.result.AccessToken }
func (t ApplicationToken) ExpiresOn() time.Time { return t.result.ExpiresOn }
func (t ApplicationToken) Scopes() []string     { return slices.Clone(t.result.Scopes) }
func (t ApplicationToken) IsZero() bool         { return t.result.AccessToken == "" }

func clone(r TokenResult) TokenResult {
	r.Scopes = slices.Clone(r.Scopes)
	if r.Account != nil {
		a := *r.Account
		r.Account = &a
	}

	return r
}
