package server

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/acr-manager/internal/apitest/graphtest"
	"github.com/openkcm/acr-manager/internal/apitest/idptest"
	"github.com/openkcm/acr-manager/internal/authcontext"
	authcontextmock "github.com/openkcm/acr-manager/internal/authcontext/mock"
	"github.com/openkcm/acr-manager/internal/broker"
	"github.com/openkcm/acr-manager/internal/config"
	"github.com/openkcm/acr-manager/internal/flow"
	"github.com/openkcm/acr-manager/internal/graph"
	"github.com/openkcm/acr-manager/internal/session"
	sessionmock "github.com/openkcm/acr-manager/internal/session/mock"
)

const testRedirectURI = "http://localhost:3000/admin/redirect"

var (
	csrfPattern = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)
	ada         = idptest.Identity{Name: "Ada Admin", Username: "ada@example.com"}
)

func testConfig() *config.Config {
	return &config.Config{
		BaseConfig: commoncfg.BaseConfig{
			Application: commoncfg.Application{
				Name: "test-app",
			},
		},
		HTTP: config.HTTPServer{
			Address:         "localhost:0",
			ShutdownTimeout: time.Second,
		},
		Session: config.Session{
			IdleTimeout: time.Hour,
			LockTimeout: time.Second,
			CookieTemplate: config.CookieTemplate{
				Name:     "acr_session",
				MaxAge:   3600,
				Path:     "/",
				HTTPOnly: true,
				SameSite: config.CookieSameSiteLax,
			},
			SigningSecret: commoncfg.SourceRef{Source: "embedded", Value: "12345678901234567890123456789012"},
		},
	}
}

type testEnv struct {
	srv      *httptest.Server
	handler  http.Handler
	idp      *idptest.Server
	graph    *graphtest.Server
	sessions *sessionmock.Repository
	saved    *authcontextmock.Repository
	client   *http.Client
}

func newTestEnv(t *testing.T, savedOpts ...authcontextmock.RepositoryOption) testEnv {
	t.Helper()

	cfg := testConfig()
	require.NoError(t, initMeters(t.Context(), cfg))

	idp := idptest.Start(t)
	g := graphtest.Start(t)
	auth := idp.AuthorityConfig(testRedirectURI)

	b := broker.New(auth)
	sessionRepo := sessionmock.NewInMemRepository()
	manager, err := session.NewManager(&cfg.Session, sessionRepo)
	require.NoError(t, err)

	controller, err := flow.NewController(b, manager, auth.DelegatedScopes)
	require.NoError(t, err)

	savedRepo := authcontextmock.NewInMemRepository(savedOpts...)
	contexts := authcontext.NewService(savedRepo, graph.NewClient(g.Config()), b, auth.ApplicationScopes)

	handler := createHTTPServer(t.Context(), cfg, NewHandler(controller, manager, contexts)).Handler
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return testEnv{
		srv:      srv,
		handler:  handler,
		idp:      idp,
		graph:    g,
		sessions: sessionRepo,
		saved:    savedRepo,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (e testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()

	resp, err := e.client.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func (e testEnv) post(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()

	resp, err := e.client.PostForm(e.srv.URL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

// signIn runs the whole browser flow and returns the dashboard body.
func (e testEnv) signIn(t *testing.T) string {
	t.Helper()

	resp, _ := e.get(t, "/admin/signin/initiate")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	code, state, err := e.idp.Authorize(resp.Header.Get("Location"), ada)
	require.NoError(t, err)

	resp, _ = e.get(t, "/admin/redirect?"+url.Values{"code": {code}, "state": {state}}.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/admin/dashboard", resp.Header.Get("Location"))

	resp, body := e.get(t, "/admin/dashboard")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return body
}

func csrfToken(t *testing.T, body string) string {
	t.Helper()

	m := csrfPattern.FindStringSubmatch(body)
	require.Len(t, m, 2, "dashboard carries a csrf token")

	return m[1]
}

func TestInitiate(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.get(t, "/admin/signin/initiate")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, e.idp.Authority()+"/oauth2/v2.0/authorize", location.Scheme+"://"+location.Host+location.Path)

	q := location.Query()
	assert.Equal(t, idptest.ClientID, q.Get("client_id"))
	assert.Equal(t, testRedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("state"))

	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, "acr_session", c.Name)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 3600, c.MaxAge)
	assert.Equal(t, "/", c.Path)
	assert.False(t, c.Secure)
}

func TestInitiate_SecureUnderTLS(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "https://acr.example.com/admin/signin/initiate", nil)
	req.TLS = &tls.ConnectionState{}
	rec := httptest.NewRecorder()

	e.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].Secure)
}

func TestSignIn_EndToEnd(t *testing.T) {
	e := newTestEnv(t)

	body := e.signIn(t)
	assert.Contains(t, body, "Ada Admin")
	for _, c := range graphtest.DefaultContexts {
		assert.Contains(t, body, c.DisplayName)
	}
	assert.Equal(t, 1, e.idp.Calls(idptest.GrantAuthorizationCode))

	resp, _ := e.post(t, "/admin/contexts/save", url.Values{
		"csrf_token":       {csrfToken(t, body)},
		"selectedContexts": {"c1", "c3"},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/admin/dashboard?success=contexts_saved", resp.Header.Get("Location"))

	saved, err := e.saved.List(t.Context())
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "c1", saved[0].ID)
	assert.Equal(t, "c3", saved[1].ID)

	_, body = e.get(t, "/admin/dashboard?success=contexts_saved")
	assert.Contains(t, body, "Authentication contexts saved.")
	assert.Contains(t, body, `value="c1" checked`)
	assert.NotContains(t, body, `value="c2" checked`)

	_, body = e.get(t, "/user")
	assert.Contains(t, body, "Require MFA")
	assert.Contains(t, body, "Trusted location")
	assert.NotContains(t, body, "Compliant device")
}

func TestCallback(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		query        func(authorizeURL string, idp *idptest.Server) url.Values
		wantLocation string
		wantExchange int
	}{
		{
			name: "Provider error carries the description",
			path: "/admin/redirect",
			query: func(string, *idptest.Server) url.Values {
				return url.Values{"error": {"access_denied"}, "error_description": {"User declined"}}
			},
			wantLocation: "/admin/signin?error=User%20declined",
		},
		{
			name: "Provider error without description carries the code",
			path: "/admin/redirect",
			query: func(string, *idptest.Server) url.Values {
				return url.Values{"error": {"access_denied"}}
			},
			wantLocation: "/admin/signin?error=access_denied",
		},
		{
			name: "Missing code",
			path: "/admin/redirect",
			query: func(authorizeURL string, _ *idptest.Server) url.Values {
				u, _ := url.Parse(authorizeURL)
				return url.Values{"state": {u.Query().Get("state")}}
			},
			wantLocation: "/admin/signin?error=no_code",
		},
		{
			name: "State mismatch never exchanges the code",
			path: "/admin/redirect",
			query: func(authorizeURL string, idp *idptest.Server) url.Values {
				code, _, _ := idp.Authorize(authorizeURL, ada)
				return url.Values{"code": {code}, "state": {"forged"}}
			},
			wantLocation: "/admin/signin?error=state_mismatch",
		},
		{
			name: "Unknown code fails the exchange",
			path: "/admin/redirect",
			query: func(authorizeURL string, _ *idptest.Server) url.Values {
				u, _ := url.Parse(authorizeURL)
				return url.Values{"code": {"unknown"}, "state": {u.Query().Get("state")}}
			},
			wantLocation: "/admin/signin?error=token_exchange_failed",
			wantExchange: 1,
		},
		{
			name: "Alias redirect path completes the flow",
			path: "/auth/redirect",
			query: func(authorizeURL string, idp *idptest.Server) url.Values {
				code, state, _ := idp.Authorize(authorizeURL, ada)
				return url.Values{"code": {code}, "state": {state}}
			},
			wantLocation: "/admin/dashboard",
			wantExchange: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)

			resp, _ := e.get(t, "/admin/signin/initiate")
			require.Equal(t, http.StatusFound, resp.StatusCode)

			resp, _ = e.get(t, tt.path+"?"+tt.query(resp.Header.Get("Location"), e.idp).Encode())
			require.Equal(t, http.StatusFound, resp.StatusCode)
			assert.Equal(t, tt.wantLocation, resp.Header.Get("Location"))
			assert.Equal(t, tt.wantExchange, e.idp.Calls(idptest.GrantAuthorizationCode))
		})
	}
}

func TestCallback_WithoutSession(t *testing.T) {
	e := newTestEnv(t)

	code := e.idp.IssueCode(ada)
	resp, _ := e.get(t, "/admin/redirect?"+url.Values{"code": {code}, "state": {"anything"}}.Encode())

	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/admin/signin?error=state_mismatch", resp.Header.Get("Location"))
	assert.Zero(t, e.idp.Calls(idptest.GrantAuthorizationCode))
}

func TestCallback_Replay(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.get(t, "/admin/signin/initiate")
	code, state, err := e.idp.Authorize(resp.Header.Get("Location"), ada)
	require.NoError(t, err)
	callback := "/admin/redirect?" + url.Values{"code": {code}, "state": {state}}.Encode()

	resp, _ = e.get(t, callback)
	require.Equal(t, "/admin/dashboard", resp.Header.Get("Location"))

	resp, _ = e.get(t, callback)
	assert.Equal(t, "/admin/signin?error=state_mismatch", resp.Header.Get("Location"))
	assert.Equal(t, 1, e.idp.Calls(idptest.GrantAuthorizationCode))

	resp, _ = e.get(t, "/admin/dashboard")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "the replay leaves the sign-in intact")
}

func TestSigninPage(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.get(t, "/admin/signin?"+url.Values{"error": {`<script>alert("x")</script>`}}.Encode())

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, "&lt;script&gt;")
	assert.NotContains(t, body, "<script>alert")
	assert.Contains(t, body, `href="/admin/signin/initiate"`)
}

func TestDashboard_RequiresSignIn(t *testing.T) {
	e := newTestEnv(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/admin/dashboard"},
		{http.MethodPost, "/admin/contexts/save"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req, err := http.NewRequestWithContext(t.Context(), tc.method, e.srv.URL+tc.path, nil)
			require.NoError(t, err)

			resp, err := e.client.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, http.StatusFound, resp.StatusCode)
			assert.Equal(t, "/admin/signin", resp.Header.Get("Location"))
		})
	}
}

func TestDashboard_GraphFailure(t *testing.T) {
	e := newTestEnv(t)
	e.graph.Fail("authenticationContextClassReferences", http.StatusForbidden)

	body := e.signIn(t)

	assert.Contains(t, body, "Failed to load authentication contexts. Please check your permissions.")
	assert.Contains(t, body, "Ada Admin", "the name falls back to the id token account")
	assert.Contains(t, body, "No authentication contexts found.")
}

func TestSaveContexts(t *testing.T) {
	tests := []struct {
		name         string
		form         func(token string) url.Values
		savedOpts    []authcontextmock.RepositoryOption
		wantStatus   int
		wantLocation string
	}{
		{
			name:       "Rejects a missing csrf token",
			form:       func(string) url.Values { return url.Values{"selectedContexts": {"c1"}} },
			wantStatus: http.StatusForbidden,
		},
		{
			name: "Rejects a forged csrf token",
			form: func(string) url.Values {
				return url.Values{"csrf_token": {"00.00"}, "selectedContexts": {"c1"}}
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name:         "Rejects an empty selection",
			form:         func(token string) url.Values { return url.Values{"csrf_token": {token}} },
			wantStatus:   http.StatusFound,
			wantLocation: "/admin/dashboard?error=invalid_selection",
		},
		{
			name: "Reports a failing store",
			form: func(token string) url.Values {
				return url.Values{"csrf_token": {token}, "selectedContexts": {"c1"}}
			},
			savedOpts:    []authcontextmock.RepositoryOption{authcontextmock.WithSaveError(assert.AnError)},
			wantStatus:   http.StatusFound,
			wantLocation: "/admin/dashboard?error=save_failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, tt.savedOpts...)
			token := csrfToken(t, e.signIn(t))

			resp, _ := e.post(t, "/admin/contexts/save", tt.form(token))

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantLocation, resp.Header.Get("Location"))
			assert.Zero(t, e.saved.Saves())
		})
	}

	t.Run("Shows the error on the dashboard", func(t *testing.T) {
		e := newTestEnv(t)
		e.signIn(t)

		_, body := e.get(t, "/admin/dashboard?error=invalid_selection")
		assert.Contains(t, body, "Select at least one authentication context.")
	})
}

func TestSignout(t *testing.T) {
	e := newTestEnv(t)
	e.signIn(t)

	resp, _ := e.get(t, "/admin/signout")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "acr_session", cookies[0].Name)
	assert.Negative(t, cookies[0].MaxAge)

	resp, _ = e.get(t, "/admin/dashboard")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/admin/signin", resp.Header.Get("Location"))

	resp, _ = e.get(t, "/admin/signout")
	assert.Equal(t, http.StatusFound, resp.StatusCode, "signing out twice")
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestUserPage(t *testing.T) {
	t.Run("Lists nothing before a selection is saved", func(t *testing.T) {
		e := newTestEnv(t)

		resp, body := e.get(t, "/user")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "No authentication contexts have been configured yet.")
	})

	t.Run("Reports a failing store", func(t *testing.T) {
		e := newTestEnv(t, authcontextmock.WithListError(assert.AnError))

		resp, body := e.get(t, "/user")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "Failed to load configuration")
	})
}

func TestNotFound(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.get(t, "/does/not/exist")

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "The page you are looking for does not exist.")
}

func TestRecoverer(t *testing.T) {
	handler := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "An error occurred")
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestStartHTTPServer_ContextCancellation(t *testing.T) {
	t.Run("gracefully shuts down when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())

		cfg := testConfig()
		manager, err := session.NewManager(&cfg.Session, sessionmock.NewInMemRepository())
		require.NoError(t, err)

		errChan := make(chan error, 1)
		go func() {
			errChan <- StartHTTPServer(ctx, cfg, NewHandler(nil, manager, nil))
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-errChan:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Server did not shut down within timeout")
		}
	})

	t.Run("fails on an unusable address", func(t *testing.T) {
		cfg := testConfig()
		cfg.HTTP.Address = "bogus://nowhere"

		err := StartHTTPServer(t.Context(), cfg, NewHandler(nil, nil, nil))
		assert.Error(t, err)
	})
}

func TestCreateHTTPServer(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.Address = "localhost:8080"
	cfg.HTTP.ReadHeaderTimeout = 3 * time.Second

	server := createHTTPServer(t.Context(), cfg, NewHandler(nil, nil, nil))

	require.NotNil(t, server)
	assert.Equal(t, "localhost:8080", server.Addr)
	assert.Equal(t, 3*time.Second, server.ReadHeaderTimeout)
	assert.NotNil(t, server.Handler)
}
