// Package session keeps the per-browser sign-in state and serialises the
// flow transitions that mutate it.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/openkcm/common-sdk/pkg/commoncfg"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/broker"
	"github.com/openkcm/acr-manager/internal/config"
	"github.com/openkcm/acr-manager/internal/pkce"
	"github.com/openkcm/acr-manager/internal/serviceerr"
	"github.com/openkcm/acr-manager/internal/statetoken"
	"github.com/openkcm/acr-manager/pkg/csrf"
)

const minSecretLength = 32

// FlowStart carries what the authorize request needs from a new flow.
type FlowStart struct {
	State string
	PKCE  pkce.PKCE
}

// ExchangeFunc redeems the provider's code with the flow's PKCE verifier.
type ExchangeFunc func(ctx context.Context, verifier string) (broker.DelegatedToken, error)

type Manager struct {
	sessions Repository
	pkce     pkce.Source
	cookies  *securecookie.SecureCookie
	csrf     *csrf.Signer

	cookieTemplate config.CookieTemplate
	idleTimeout    time.Duration
	lockTimeout    time.Duration
	now            func() time.Time
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg *config.Session, sessions Repository, opts ...ManagerOption) (*Manager, error) {
	secret, err := commoncfg.LoadValueFromSourceRef(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("loading session signing secret from source ref: %w", err)
	}
	if len(secret) < minSecretLength {
		return nil, &serviceerr.ConfigError{
			Field:  "session.signingSecret",
			Reason: fmt.Sprintf("must be at least %d bytes", minSecretLength),
		}
	}

	cookies := securecookie.New(deriveKey(secret, "session-cookie"), nil)
	cookies.MaxAge(int(cfg.IdleTimeout.Seconds()))

	m := &Manager{
		sessions:       sessions,
		cookies:        cookies,
		csrf:           csrf.NewSigner(deriveKey(secret, "csrf-form"), cfg.IdleTimeout),
		cookieTemplate: cfg.CookieTemplate,
		idleTimeout:    cfg.IdleTimeout,
		lockTimeout:    cfg.LockTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// Resolve returns the live session for id, or a new anonymous session with
// a fresh identifier. New sessions are not persisted until a flow starts.
func (m *Manager) Resolve(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return m.newSession(), nil
	}

	s, err := m.sessions.LoadSession(ctx, id)
	switch {
	case errors.Is(err, serviceerr.ErrNotFound):
		return m.newSession(), nil
	case err != nil:
		return Session{}, fmt.Errorf("loading session: %w", err)
	}

	if m.expired(s) {
		slogctx.Debug(ctx, "Session idle timeout elapsed")
		return m.newSession(), nil
	}

	return s, nil
}

// BeginFlow starts a sign-in for s. Any earlier pending flow is replaced and
// any earlier authentication is dropped.
func (m *Manager) BeginFlow(ctx context.Context, s Session) (Session, FlowStart, error) {
	unlock, err := m.lock(ctx, s.ID)
	if err != nil {
		return s, FlowStart{}, err
	}
	defer unlock()

	current, err := m.sessions.LoadSession(ctx, s.ID)
	switch {
	case errors.Is(err, serviceerr.ErrNotFound):
		current = s
	case err != nil:
		return s, FlowStart{}, fmt.Errorf("loading session: %w", err)
	}

	state, err := statetoken.Generate()
	if err != nil {
		return s, FlowStart{}, err
	}
	proof := m.pkce.PKCE()

	current.clearAuthentication()
	current.PendingState = state
	current.PKCEVerifier = proof.Verifier
	current.LastAccessedAt = m.now()
	if current.CreatedAt.IsZero() {
		current.CreatedAt = current.LastAccessedAt
	}

	if err := m.store(ctx, current); err != nil {
		return s, FlowStart{}, err
	}

	return current, FlowStart{State: state, PKCE: proof}, nil
}

// CompleteFlow validates the returned state and, on a match, runs exchange
// and authenticates the session. The pending flow is consumed before
// validation so a state value can never be used twice. On any failure the
// authentication fields are left as they were.
func (m *Manager) CompleteFlow(ctx context.Context, id, receivedState string, exchange ExchangeFunc) (Session, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	s, err := m.sessions.LoadSession(ctx, id)
	switch {
	case errors.Is(err, serviceerr.ErrNotFound):
		return Session{ID: id}, serviceerr.ErrNoPendingFlow
	case err != nil:
		return Session{}, fmt.Errorf("loading session: %w", err)
	}

	expected, verifier := s.PendingState, s.PKCEVerifier
	if expected != "" {
		s.clearPendingFlow()
		s.LastAccessedAt = m.now()
		if err := m.store(ctx, s); err != nil {
			return s, err
		}
	}

	if err := statetoken.Check(expected, receivedState); err != nil {
		return s, err
	}

	tok, err := exchange(ctx, verifier)
	if err != nil {
		return s, err
	}
	if tok.AccessToken() == "" || tok.IDToken() == "" {
		return s, &serviceerr.GrantError{
			Grant:       serviceerr.GrantAuthorizationCode,
			Code:        "incomplete_response",
			Description: "token response lacks an access or id token",
		}
	}

	authenticated := s
	authenticated.IsAuthenticated = true
	authenticated.AccessToken = tok.AccessToken()
	authenticated.IDToken = tok.IDToken()
	authenticated.AccessTokenExpiry = tok.ExpiresOn()
	authenticated.Scopes = tok.Scopes()
	authenticated.Account = tok.Account()
	authenticated.LastAccessedAt = m.now()

	if err := m.store(ctx, authenticated); err != nil {
		return s, err
	}

	return authenticated, nil
}

// AbortFlow drops the pending flow of id, if any.
func (m *Manager) AbortFlow(ctx context.Context, id string) error {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := m.sessions.LoadSession(ctx, id)
	switch {
	case errors.Is(err, serviceerr.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("loading session: %w", err)
	}

	if s.PendingState == "" {
		return nil
	}

	s.clearPendingFlow()
	s.LastAccessedAt = m.now()

	return m.store(ctx, s)
}

// Terminate removes the session. Unknown identifiers are not an error.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	unlock, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.sessions.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

// Touch extends the idle expiry of an authenticated session.
func (m *Manager) Touch(ctx context.Context, id string) error {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := m.sessions.LoadSession(ctx, id)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if !s.IsAuthenticated {
		return nil
	}

	s.LastAccessedAt = m.now()

	return m.store(ctx, s)
}

func (m *Manager) CookieName() string {
	return m.cookieTemplate.Name
}

// MakeSessionCookie returns the signed cookie naming sessionID. secure
// forces the Secure attribute for requests that arrived over TLS.
func (m *Manager) MakeSessionCookie(ctx context.Context, sessionID string, secure bool) (*http.Cookie, error) {
	value, err := m.cookies.Encode(m.cookieTemplate.Name, sessionID)
	if err != nil {
		return nil, fmt.Errorf("encoding session cookie: %w", err)
	}

	sessionCookie := m.cookieTemplate.ToCookie(value)
	sessionCookie.Secure = sessionCookie.Secure || secure

	if err := sessionCookie.Valid(); err != nil {
		return nil, fmt.Errorf("invalid session cookie: %w", err)
	}

	if sessionCookie.Secure && !strings.HasPrefix(sessionCookie.Name, "__Host-") {
		slogctx.Warn(ctx, "Session cookie name does not start with __Host-; this is not recommended in production environments")
	}
	if !sessionCookie.Secure {
		slogctx.Warn(ctx, "Session cookie is not marked as Secure; this is not recommended in production environments")
	}
	if !sessionCookie.HttpOnly {
		slogctx.Warn(ctx, "Session cookie is not marked as HttpOnly; this is not recommended in production environments")
	}

	return sessionCookie, nil
}

// ExpiredSessionCookie tells the browser to drop the session cookie.
func (m *Manager) ExpiredSessionCookie(secure bool) *http.Cookie {
	c := m.cookieTemplate.ToCookie("")
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	c.Secure = c.Secure || secure

	return c
}

// DecodeSessionCookie returns the session identifier carried by value.
// Tampered and expired values are rejected.
func (m *Manager) DecodeSessionCookie(value string) (string, error) {
	var id string
	if err := m.cookies.Decode(m.cookieTemplate.Name, value, &id); err != nil {
		return "", fmt.Errorf("decoding session cookie: %w", err)
	}

	return id, nil
}

// CSRFToken returns a form token bound to sessionID. It expires with the
// session idle timeout.
func (m *Manager) CSRFToken(sessionID string) string {
	return m.csrf.Token(sessionID, m.now())
}

func (m *Manager) ValidateCSRFToken(token, sessionID string) bool {
	return m.csrf.Valid(token, sessionID, m.now())
}

func (m *Manager) newSession() Session {
	now := m.now()

	return Session{
		ID:             m.pkce.SessionID(),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

func (m *Manager) expired(s Session) bool {
	return m.idleTimeout > 0 && m.now().Sub(s.LastAccessedAt) > m.idleTimeout
}

func (m *Manager) store(ctx context.Context, s Session) error {
	if err := m.sessions.StoreSession(ctx, s, m.idleTimeout); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}

func (m *Manager) lock(ctx context.Context, id string) (func(), error) {
	if m.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}

	unlock, err := m.sessions.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("locking session: %w", err)
	}

	return unlock, nil
}

func deriveKey(secret []byte, label string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))

	return mac.Sum(nil)
}
