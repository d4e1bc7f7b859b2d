// Package flow drives a browser session through the sign-in state machine:
// anonymous, flow pending, authenticated and back on sign-out.
package flow

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/broker"
	"github.com/openkcm/acr-manager/internal/serviceerr"
	"github.com/openkcm/acr-manager/internal/session"
)

const (
	PathHome      = "/"
	PathSignin    = "/admin/signin"
	PathDashboard = "/admin/dashboard"
)

// Result names the transition a request ended with.
type Result string

const (
	ResultInitiated           Result = "initiated"
	ResultInitiationFailed    Result = "initiation_failed"
	ResultSignedIn            Result = "signed_in"
	ResultProviderError       Result = "provider_error"
	ResultNoCode              Result = "no_code"
	ResultStateMismatch       Result = "state_mismatch"
	ResultTokenExchangeFailed Result = "token_exchange_failed"
	ResultSignedOut           Result = "signed_out"
)

// TokenBroker is the part of *broker.Broker the flow needs.
type TokenBroker interface {
	BuildAuthorizationURL(state string, scopes []string, opts ...oauth2.AuthCodeOption) (string, error)
	ExchangeCode(ctx context.Context, code string, scopes []string, opts ...oauth2.AuthCodeOption) (broker.DelegatedToken, error)
}

// Outcome tells the HTTP layer where to send the browser and which session
// the cookie should name.
type Outcome struct {
	Result   Result
	Redirect string
	// Session is zero when no cookie should be written.
	Session     session.Session
	ClearCookie bool
	Err         error
}

// CallbackParams are the query parameters of the provider redirect.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

type Controller struct {
	broker   TokenBroker
	sessions *session.Manager
	scopes   []string
	audit    *otlpaudit.AuditLogger
	meter    metric.Meter
	outcomes metric.Int64Counter
}

type Option func(*Controller)

func WithAuditLogger(l *otlpaudit.AuditLogger) Option {
	return func(c *Controller) { c.audit = l }
}

func WithMeter(m metric.Meter) Option {
	return func(c *Controller) { c.meter = m }
}

func NewController(b TokenBroker, sessions *session.Manager, delegatedScopes []string, opts ...Option) (*Controller, error) {
	c := &Controller{
		broker:   b,
		sessions: sessions,
		scopes:   slices.Clone(delegatedScopes),
		meter:    otel.Meter("kms20/acr-manager"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	outcomes, err := c.meter.Int64Counter(
		"auth.flow.outcomes",
		metric.WithDescription("Sign-in flow transitions by outcome"),
		metric.WithUnit("transition"),
	)
	if err != nil {
		return nil, err
	}
	c.outcomes = outcomes

	return c, nil
}

// Initiate starts a flow for s and returns the provider's authorize URL as
// the redirect target. On failure the session stays anonymous.
func (c *Controller) Initiate(ctx context.Context, s session.Session) Outcome {
	updated, start, err := c.sessions.BeginFlow(ctx, s)
	if err != nil {
		slogctx.Error(ctx, "Failed to begin a sign-in flow", "error", err)
		return c.record(ctx, Outcome{Result: ResultInitiationFailed, Redirect: signinError(string(serviceerr.CodeInitiationFailed)), Err: err})
	}

	authURL, err := c.broker.BuildAuthorizationURL(start.State, c.scopes,
		oauth2.S256ChallengeOption(start.PKCE.Verifier),
	)
	if err != nil {
		slogctx.Error(ctx, "Failed to build the authorization URL", "error", err)
		if abortErr := c.sessions.AbortFlow(ctx, updated.ID); abortErr != nil {
			slogctx.Warn(ctx, "Failed to abort the sign-in flow", "error", abortErr)
		}
		return c.record(ctx, Outcome{Result: ResultInitiationFailed, Redirect: signinError(string(serviceerr.CodeInitiationFailed)), Err: err})
	}

	slogctx.Info(ctx, "Redirecting to the identity provider")

	return c.record(ctx, Outcome{Result: ResultInitiated, Redirect: authURL, Session: updated})
}

// Callback handles the provider redirect for the session sessionID.
func (c *Controller) Callback(ctx context.Context, sessionID string, params CallbackParams) Outcome {
	if params.Error != "" {
		reason := params.ErrorDescription
		if reason == "" {
			reason = params.Error
		}
		slogctx.Warn(ctx, "Identity provider returned an error", "error_code", params.Error, "error_description", params.ErrorDescription)
		c.abort(ctx, sessionID)
		c.auditFailure(ctx, sessionID, "provider error: "+params.Error)

		return c.record(ctx, Outcome{Result: ResultProviderError, Redirect: signinError(reason)})
	}

	if strings.TrimSpace(params.Code) == "" {
		c.abort(ctx, sessionID)
		c.auditFailure(ctx, sessionID, "no authorization code")

		return c.record(ctx, Outcome{Result: ResultNoCode, Redirect: signinError(string(serviceerr.CodeNoCode)), Err: serviceerr.ErrNoCode})
	}

	exchange := func(ctx context.Context, verifier string) (broker.DelegatedToken, error) {
		var opts []oauth2.AuthCodeOption
		if verifier != "" {
			opts = append(opts, oauth2.VerifierOption(verifier))
		}
		return c.broker.ExchangeCode(ctx, params.Code, c.scopes, opts...)
	}

	s, err := c.sessions.CompleteFlow(ctx, sessionID, params.State, exchange)
	switch {
	case err == nil:
		slogctx.Info(ctx, "Admin signed in")
		c.auditSuccess(ctx, s)
		return c.record(ctx, Outcome{Result: ResultSignedIn, Redirect: PathDashboard, Session: s})
	case serviceerr.CodeOf(err) == serviceerr.CodeStateMismatch:
		slogctx.Warn(ctx, "Rejected a callback", "error", err)
		c.auditFailure(ctx, sessionID, "state mismatch")
		return c.record(ctx, Outcome{Result: ResultStateMismatch, Redirect: signinError(string(serviceerr.CodeStateMismatch)), Err: err})
	default:
		slogctx.Error(ctx, "Failed to complete the sign-in flow", "error", err)
		c.auditFailure(ctx, sessionID, "token exchange failed")
		return c.record(ctx, Outcome{Result: ResultTokenExchangeFailed, Redirect: signinError(string(serviceerr.CodeTokenExchangeFailed)), Err: err})
	}
}

// Signout ends the session from any state.
func (c *Controller) Signout(ctx context.Context, sessionID string) Outcome {
	out := Outcome{Result: ResultSignedOut, Redirect: PathHome, ClearCookie: true}
	if err := c.sessions.Terminate(ctx, sessionID); err != nil {
		slogctx.Error(ctx, "Failed to terminate the session", "error", err)
		out.Err = err
	}

	return c.record(ctx, out)
}

func (c *Controller) abort(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := c.sessions.AbortFlow(ctx, sessionID); err != nil && !errors.Is(err, context.Canceled) {
		slogctx.Warn(ctx, "Failed to abort the sign-in flow", "error", err)
	}
}

func (c *Controller) record(ctx context.Context, out Outcome) Outcome {
	c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(out.Result))))
	return out
}

// signinError returns the sign-in page URL carrying reason, percent encoded
// the way encodeURIComponent does for spaces.
func signinError(reason string) string {
	return PathSignin + "?error=" + strings.ReplaceAll(url.QueryEscape(reason), "+", "%20")
}
