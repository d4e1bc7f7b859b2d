package session

import (
	"time"

	"github.com/openkcm/acr-manager/internal/broker"
)

// State is where a session stands in the sign-in flow.
type State string

const (
	StateAnonymous     State = "ANONYMOUS"
	StateFlowPending   State = "FLOW_PENDING"
	StateAuthenticated State = "AUTHENTICATED"
)

// Session is the per-browser record. Tokens never leave the server; the
// browser only holds the signed identifier.
type Session struct {
	ID string `json:"id"`

	IsAuthenticated bool `json:"isAuthenticated"`
	// PendingState is set only between the start of a flow and its callback.
	PendingState string `json:"pendingState,omitempty"`
	PKCEVerifier string `json:"pkceVerifier,omitempty"`

	IDToken           string          `json:"idToken,omitempty"`
	AccessToken       string          `json:"accessToken,omitempty"`
	AccessTokenExpiry time.Time       `json:"accessTokenExpiry,omitzero"`
	Scopes            []string        `json:"scopes,omitempty"`
	Account           *broker.Account `json:"account,omitempty"`

	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

func (s Session) State() State {
	switch {
	case s.IsAuthenticated:
		return StateAuthenticated
	case s.PendingState != "":
		return StateFlowPending
	default:
		return StateAnonymous
	}
}

// DelegatedToken rebuilds the signed-in user's token. It is zero for
// sessions that are not authenticated.
func (s Session) DelegatedToken() broker.DelegatedToken {
	if !s.IsAuthenticated {
		return broker.DelegatedToken{}
	}

	return broker.RestoreDelegatedToken(broker.TokenResult{
		AccessToken: s.AccessToken,
		IDToken:     s.IDToken,
		Account:     s.Account,
		ExpiresOn:   s.AccessTokenExpiry,
		Scopes:      s.Scopes,
	})
}

// clearAuthentication drops every field a completed flow sets.
func (s *Session) clearAuthentication() {
	s.IsAuthenticated = false
	s.IDToken = ""
	s.AccessToken = ""
	s.AccessTokenExpiry = time.Time{}
	s.Scopes = nil
	s.Account = nil
}

func (s *Session) clearPendingFlow() {
	s.PendingState = ""
	s.PKCEVerifier = ""
}
