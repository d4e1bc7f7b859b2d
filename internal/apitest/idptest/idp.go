// Package idptest runs an in-process identity provider speaking the Entra v2
// authorize, token and key set endpoints.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/openkcm/acr-manager/internal/config"
)

const (
	ClientID     = "test-client-id"
	ClientSecret = "test-client-secret" // NOSONAR
	KeyID        = "test-key"

	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"

	tenantPath = "/tenant"
)

// Identity is the user a code is issued for.
type Identity struct {
	Name     string
	Username string
}

type issuedCode struct {
	identity  Identity
	challenge string
	redeemed  bool
}

type Server struct {
	*httptest.Server

	key *rsa.PrivateKey

	mu             sync.Mutex
	codes          map[string]*issuedCode
	calls          map[string]int
	appFailures    []int
	appLifetime    time.Duration
	omitIDToken    bool
	issuer         string
	appTokenSerial int
}

// Start runs the provider until the test ends.
func Start(t testing.TB) *Server {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating signing key: %v", err)
	}

	s := &Server{
		key:         key,
		codes:       make(map[string]*issuedCode),
		calls:       make(map[string]int),
		appLifetime: time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+tenantPath+"/v2.0/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("GET "+tenantPath+"/discovery/v2.0/keys", s.handleKeys)
	mux.HandleFunc("POST "+tenantPath+"/oauth2/v2.0/token", s.handleToken)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

func (s *Server) Authority() string {
	return s.URL + tenantPath
}

// AuthorityConfig returns a resolved configuration pointing at the provider.
func (s *Server) AuthorityConfig(redirectURI string) config.AuthorityConfig {
	return config.AuthorityConfig{
		ClientID:          ClientID,
		ClientSecret:      ClientSecret,
		Authority:         s.Authority(),
		RedirectURI:       redirectURI,
		Issuer:            s.Authority() + "/v2.0",
		AuthorizeEndpoint: s.Authority() + "/oauth2/v2.0/authorize",
		TokenEndpoint:     s.Authority() + "/oauth2/v2.0/token",
		JWKSEndpoint:      s.Authority() + "/discovery/v2.0/keys",
		DelegatedScopes:   []string{"User.Read", "Policy.Read.ConditionalAccess"},
		ApplicationScopes: []string{config.DefaultApplicationScope},
	}
}

// IssueCode mints a one-time authorization code without a PKCE binding.
func (s *Server) IssueCode(id Identity) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := uuid.NewString()
	s.codes[code] = &issuedCode{identity: id}

	return code
}

// Authorize plays the browser leg: it accepts an authorize URL built by the
// application and returns the code and state the provider would redirect
// back with.
func (s *Server) Authorize(authorizeURL string, id Identity) (code, state string, err error) {
	u, err := url.Parse(authorizeURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing authorize url: %w", err)
	}

	q := u.Query()
	if q.Get("client_id") != ClientID || q.Get("response_type") != "code" {
		return "", "", fmt.Errorf("unexpected authorize request: %s", u.RawQuery)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code = uuid.NewString()
	s.codes[code] = &issuedCode{identity: id, challenge: q.Get("code_challenge")}

	return code, q.Get("state"), nil
}

// FailClientCredentials makes the next client credentials requests answer
// with the given statuses, in order.
func (s *Server) FailClientCredentials(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appFailures = append(s.appFailures, statuses...)
}

func (s *Server) SetAppTokenLifetime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appLifetime = d
}

// OmitIDToken makes code redemptions answer without an id token.
func (s *Server) OmitIDToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitIDToken = true
}

// SetIDTokenIssuer makes ID tokens carry iss, as a token minted for
// another tenant with the same signing keys would.
func (s *Server) SetIDTokenIssuer(iss string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuer = iss
}

// Calls returns how many token requests were made for grant.
func (s *Server) Calls(grant string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[grant]
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.Authority() + "/v2.0",
		"authorization_endpoint":                s.Authority() + "/oauth2/v2.0/authorize",
		"token_endpoint":                        s.Authority() + "/oauth2/v2.0/token",
		"jwks_uri":                              s.Authority() + "/discovery/v2.0/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	grant := r.PostForm.Get("grant_type")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[grant]++

	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		writeError(w, http.StatusUnauthorized, "invalid_client", "AADSTS7000215: Invalid client secret provided.")
		return
	}

	switch grant {
	case GrantAuthorizationCode:
		s.redeemCode(w, r.PostForm)
	case GrantClientCredentials:
		s.issueAppToken(w, r.PostForm)
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", grant)
	}
}

func (s *Server) redeemCode(w http.ResponseWriter, form url.Values) {
	issued, ok := s.codes[form.Get("code")]
	if !ok || issued.redeemed {
		writeError(w, http.StatusBadRequest, "invalid_grant", "AADSTS54005: OAuth2 Authorization code was already redeemed.")
		return
	}
	issued.redeemed = true

	if issued.challenge != "" {
		sum := sha256.Sum256([]byte(form.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != issued.challenge {
			writeError(w, http.StatusBadRequest, "invalid_grant", "AADSTS501481: The Code_Verifier does not match the code_challenge.")
			return
		}
	}

	resp := map[string]any{
		"access_token": "delegated-" + uuid.NewString(),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        form.Get("scope"),
	}

	if !s.omitIDToken {
		idToken, err := s.signIDToken(issued.identity)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		resp["id_token"] = idToken
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) issueAppToken(w http.ResponseWriter, form url.Values) {
	if len(s.appFailures) > 0 {
		status := s.appFailures[0]
		s.appFailures = s.appFailures[1:]
		writeError(w, status, "temporarily_unavailable", http.StatusText(status))
		return
	}

	s.appTokenSerial++
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": fmt.Sprintf("app-token-%d", s.appTokenSerial),
		"token_type":   "Bearer",
		"expires_in":   int(s.appLifetime.Seconds()),
		"scope":        form.Get("scope"),
	})
}

func (s *Server) signIDToken(id Identity) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: s.key, KeyID: KeyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	issuer := s.Authority() + "/v2.0"
	if s.issuer != "" {
		issuer = s.issuer
	}

	now := time.Now()
	standard := jwt.Claims{
		Issuer:    issuer,
		Subject:   strings.ToLower(id.Username),
		Audience:  jwt.Audience{ClientID},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
	}
	custom := map[string]any{
		"name":               id.Name,
		"preferred_username": id.Username,
	}

	return jwt.Signed(signer).Claims(standard).Claims(custom).Serialize()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}
