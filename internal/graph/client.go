// Package graph reads the signed-in user's profile and the tenant's
// authentication context class references from Microsoft Graph.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/broker"
	"github.com/openkcm/acr-manager/internal/config"
)

const (
	pathMe       = "v1.0/me"
	pathContexts = "v1.0/identity/conditionalAccess/authenticationContextClassReferences"

	maxErrorBody = 4 << 10
)

var (
	ErrInvalidContextID = errors.New("invalid authentication context id")
	ErrMissingToken     = errors.New("missing access token")

	contextIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Profile is the subset of the Graph user resource the dashboard shows.
type Profile struct {
	ID                string `json:"id,omitempty"`
	DisplayName       string `json:"displayName,omitempty"`
	Mail              string `json:"mail,omitempty"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
}

// Name is the display name, falling back to the principal name.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserPrincipalName
}

// Email is the mail address, falling back to the principal name.
func (p Profile) Email() string {
	if p.Mail != "" {
		return p.Mail
	}
	return p.UserPrincipalName
}

// AuthenticationContext is a conditional access authentication context
// class reference.
type AuthenticationContext struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	IsAvailable bool   `json:"isAvailable"`
}

// StatusError is returned for any non-2xx Graph response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("graph responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("graph responded with status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

type Client struct {
	endpoint string
	http     *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func NewClient(cfg config.Graph, opts ...Option) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://graph.microsoft.com/"
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

// GetProfile returns the profile of the user the delegated token acts for.
func (c *Client) GetProfile(ctx context.Context, tok broker.DelegatedToken) (Profile, error) {
	var p Profile
	if err := c.get(ctx, tok.AccessToken(), pathMe, &p); err != nil {
		return Profile{}, fmt.Errorf("fetching user profile: %w", err)
	}

	return p, nil
}

// ListAuthenticationContexts returns every authentication context defined
// in the tenant.
func (c *Client) ListAuthenticationContexts(ctx context.Context, tok broker.ApplicationToken) ([]AuthenticationContext, error) {
	var page struct {
		Value []AuthenticationContext `json:"value"`
	}
	if err := c.get(ctx, tok.AccessToken(), pathContexts, &page); err != nil {
		return nil, fmt.Errorf("listing authentication contexts: %w", err)
	}

	if page.Value == nil {
		return []AuthenticationContext{}, nil
	}

	return page.Value, nil
}

// GetAuthenticationContext returns the context with the given id. Ids are
// validated before they become part of the request path.
func (c *Client) GetAuthenticationContext(ctx context.Context, tok broker.ApplicationToken, id string) (AuthenticationContext, error) {
	if !contextIDPattern.MatchString(id) {
		return AuthenticationContext{}, ErrInvalidContextID
	}

	var ac AuthenticationContext
	if err := c.get(ctx, tok.AccessToken(), pathContexts+"/"+id, &ac); err != nil {
		return AuthenticationContext{}, fmt.Errorf("fetching authentication context: %w", err)
	}

	return ac, nil
}

func (c *Client) get(ctx context.Context, accessToken, path string, out any) error {
	if accessToken == "" {
		return ErrMissingToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("creating a new HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing an http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := statusError(resp)
		slogctx.Warn(ctx, "Graph request failed", "path", path, "status", statusErr.StatusCode, "error_code", statusErr.Code)
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding graph response: %w", err)
	}

	return nil
}

func statusError(resp *http.Response) *StatusError {
	statusErr := &StatusError{StatusCode: resp.StatusCode}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body); err == nil {
		statusErr.Code = body.Error.Code
		statusErr.Message = body.Error.Message
	}

	return statusErr
}
