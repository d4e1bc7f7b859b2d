// Package sessionctx resolves the browser session of a request and makes it
// available in the request context.
package sessionctx

import (
	"context"
	"errors"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/serviceerr"
	"github.com/openkcm/acr-manager/internal/session"
)

// Using an unexported type prevents key collisions from other packages.
type contextKey string

// SessionKey is the context key for the resolved session.
const SessionKey contextKey = "session"

// SigninPath is where unauthenticated requests are sent.
const SigninPath = "/admin/signin"

// Middleware resolves the session named by the session cookie. A missing,
// tampered or expired cookie yields a fresh anonymous session. Resolution
// failures of the store answer with 500.
func Middleware(m *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var id string
			if c, err := r.Cookie(m.CookieName()); err == nil {
				if id, err = m.DecodeSessionCookie(c.Value); err != nil {
					slogctx.Debug(ctx, "Ignoring an invalid session cookie", "error", err)
				}
			}

			s, err := m.Resolve(ctx, id)
			if err != nil {
				slogctx.Error(ctx, "Failed to resolve the session", "error", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(ctx, s)))
		})
	}
}

// RequireAuthentication redirects requests without an authenticated session
// to the sign-in page. Authenticated sessions have their idle expiry
// extended and their cookie reissued.
func RequireAuthentication(m *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			s, err := FromContext(ctx)
			if err != nil || !s.IsAuthenticated {
				slogctx.Debug(ctx, "Redirecting to sign-in", "error", serviceerr.ErrUnauthorized)
				http.Redirect(w, r, SigninPath, http.StatusFound)
				return
			}

			if err := m.Touch(ctx, s.ID); err != nil {
				slogctx.Warn(ctx, "Failed to extend the session", "error", err)
			} else if c, err := m.MakeSessionCookie(ctx, s.ID, r.TLS != nil); err == nil {
				http.SetCookie(w, c)
			}

			next.ServeHTTP(w, r)
		})
	}
}

func WithSession(ctx context.Context, s session.Session) context.Context {
	return context.WithValue(ctx, SessionKey, s)
}

// FromContext is a helper function that retrieves the session from the
// context.
func FromContext(ctx context.Context) (session.Session, error) {
	s, ok := ctx.Value(SessionKey).(session.Session)
	if !ok {
		return session.Session{}, errors.New("session not found in context")
	}
	return s, nil
}
