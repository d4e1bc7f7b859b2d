// Package graphtest runs an in-process Microsoft Graph serving the user
// profile and the authentication context class references.
package graphtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/openkcm/acr-manager/internal/config"
)

const (
	// DelegatedPrefix marks access tokens issued to a signed-in user.
	DelegatedPrefix = "delegated-"
	// ApplicationPrefix marks access tokens issued to the service itself.
	ApplicationPrefix = "app-token-"
)

type Context struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	IsAvailable bool   `json:"isAvailable"`
}

type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail,omitempty"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type Server struct {
	*httptest.Server

	mu       sync.Mutex
	user     User
	contexts []Context
	failures map[string]int
	requests []string
}

// DefaultContexts are served until SetContexts is called.
var DefaultContexts = []Context{
	{ID: "c1", DisplayName: "Require MFA", Description: "Step up to multi-factor", IsAvailable: true},
	{ID: "c2", DisplayName: "Compliant device", Description: "Managed device required", IsAvailable: true},
	{ID: "c3", DisplayName: "Trusted location", IsAvailable: false},
}

// Start runs the server until the test ends.
func Start(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		user: User{
			ID:                "00000000-0000-0000-0000-000000000001",
			DisplayName:       "Ada Admin",
			Mail:              "ada@example.com",
			UserPrincipalName: "ada@example.onmicrosoft.com",
		},
		contexts: slices.Clone(DefaultContexts),
		failures: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1.0/me", s.handleMe)
	mux.HandleFunc("GET /v1.0/identity/conditionalAccess/authenticationContextClassReferences", s.handleList)
	mux.HandleFunc("GET /v1.0/identity/conditionalAccess/authenticationContextClassReferences/{id}", s.handleGet)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// Config points a graph client at the server.
func (s *Server) Config() config.Graph {
	return config.Graph{Endpoint: s.URL + "/"}
}

func (s *Server) SetUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

func (s *Server) SetContexts(contexts ...Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = slices.Clone(contexts)
}

// Fail makes every request whose path ends in suffix answer with status.
func (s *Server) Fail(suffix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[suffix] = status
}

// Requests returns the request paths served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, DelegatedPrefix) {
		return
	}

	s.mu.Lock()
	user := s.user
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, ApplicationPrefix) {
		return
	}

	s.mu.Lock()
	contexts := slices.Clone(s.contexts)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"@odata.context": "https://graph.microsoft.com/v1.0/$metadata#identity/conditionalAccess/authenticationContextClassReferences",
		"value":          contexts,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, ApplicationPrefix) {
		return
	}

	id := r.PathValue("id")

	s.mu.Lock()
	i := slices.IndexFunc(s.contexts, func(c Context) bool { return c.ID == id })
	var found Context
	if i >= 0 {
		found = s.contexts[i]
	}
	s.mu.Unlock()

	if i < 0 {
		writeError(w, http.StatusNotFound, "ResourceNotFound", "Resource '"+id+"' does not exist")
		return
	}

	writeJSON(w, http.StatusOK, found)
}

// admit records the request and checks its bearer token carries prefix.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, prefix string) bool {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path)
	var status int
	for suffix, st := range s.failures {
		if strings.HasSuffix(r.URL.Path, suffix) {
			status = st
			break
		}
	}
	s.mu.Unlock()

	if status != 0 {
		writeError(w, status, "ServiceUnavailable", http.StatusText(status))
		return false
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "InvalidAuthenticationToken", "Access token is empty.")
		return false
	}
	if !strings.HasPrefix(token, prefix) {
		writeError(w, http.StatusForbidden, "Authorization_RequestDenied", "Insufficient privileges to complete the operation.")
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}
