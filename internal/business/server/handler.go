package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/authcontext"
	"github.com/openkcm/acr-manager/internal/flow"
	"github.com/openkcm/acr-manager/internal/middleware/sessionctx"
	"github.com/openkcm/acr-manager/internal/serviceerr"
	"github.com/openkcm/acr-manager/internal/session"
)

const (
	csrfField      = "csrf_token"
	selectionField = "selectedContexts"

	successContextsSaved = "contexts_saved"
)

var dashboardMessages = map[string]string{
	successContextsSaved:                     "Authentication contexts saved.",
	string(serviceerr.CodeInvalidSelection): "Select at least one authentication context.",
	string(serviceerr.CodeSaveFailed):       "Failed to save the selection.",
}

// Handler serves the browser facing pages and the sign-in flow.
type Handler struct {
	flow     *flow.Controller
	sessions *session.Manager
	contexts *authcontext.Service
}

func NewHandler(controller *flow.Controller, sessions *session.Manager, contexts *authcontext.Service) *Handler {
	return &Handler{
		flow:     controller,
		sessions: sessions,
		contexts: contexts,
	}
}

// Routes registers every page on r.
func (h *Handler) Routes(r chi.Router) {
	r.NotFound(h.notFound)
	r.MethodNotAllowed(h.notFound)

	r.Get("/", h.index)
	r.Get("/user", h.user)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/signin", h.signin)
		r.Get("/signin/initiate", h.initiate)
		r.Get("/redirect", h.callback)
		r.Get("/signout", h.signout)

		r.Group(func(r chi.Router) {
			r.Use(sessionctx.RequireAuthentication(h.sessions))
			r.Get("/dashboard", h.dashboard)
			r.Post("/contexts/save", h.saveContexts)
		})
	})

	// Some app registrations name this redirect URI.
	r.Get("/auth/redirect", h.callback)
}

func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	s := currentSession(r)
	render(r.Context(), w, http.StatusOK, "index.html", page{
		Title:    "Entra ACR Management",
		SignedIn: s.IsAuthenticated,
	})
}

func (h *Handler) signin(w http.ResponseWriter, r *http.Request) {
	s := currentSession(r)
	render(r.Context(), w, http.StatusOK, "signin.html", page{
		Title:    "Admin Sign In",
		Error:    r.URL.Query().Get("error"),
		SignedIn: s.IsAuthenticated,
	})
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	out := h.flow.Initiate(r.Context(), currentSession(r))
	h.finish(w, r, out)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out := h.flow.Callback(r.Context(), currentSession(r).ID, flow.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	h.finish(w, r, out)
}

func (h *Handler) signout(w http.ResponseWriter, r *http.Request) {
	out := h.flow.Signout(r.Context(), currentSession(r).ID)
	h.finish(w, r, out)
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := currentSession(r)

	data := dashboardPage{
		page: page{
			Title:    "Admin Dashboard",
			SignedIn: true,
			Error:    dashboardMessage(r.URL.Query().Get("error")),
			Success:  dashboardMessage(r.URL.Query().Get("success")),
		},
		CSRFToken: h.sessions.CSRFToken(s.ID),
	}

	view, err := h.contexts.Dashboard(ctx, s)
	if err != nil {
		slogctx.Error(ctx, "Failed to load the dashboard", "error", err)
		data.Error = "Failed to load authentication contexts. Please check your permissions."
		data.Success = ""
	}
	data.View = view

	render(ctx, w, http.StatusOK, "dashboard.html", data)
}

func (h *Handler) saveContexts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := currentSession(r)

	if err := r.ParseForm(); err != nil {
		slogctx.Warn(ctx, "Failed to parse the selection form", "error", err)
		redirectDashboard(w, r, "error", string(serviceerr.CodeInvalidSelection))
		return
	}

	if !h.sessions.ValidateCSRFToken(r.PostForm.Get(csrfField), s.ID) {
		slogctx.Warn(ctx, "Rejected a selection", "error", serviceerr.ErrInvalidCSRFToken)
		renderError(ctx, w, serviceerr.ErrInvalidCSRFToken.HTTPStatus(), "Forbidden", "The form has expired. Reload the dashboard and try again.")
		return
	}

	err := h.contexts.SaveSelection(ctx, r.PostForm[selectionField])
	switch {
	case err == nil:
		redirectDashboard(w, r, "success", successContextsSaved)
	case errors.Is(err, serviceerr.ErrInvalidSelection):
		redirectDashboard(w, r, "error", string(serviceerr.CodeInvalidSelection))
	default:
		slogctx.Error(ctx, "Failed to save the selection", "error", err)
		redirectDashboard(w, r, "error", string(serviceerr.CodeSaveFailed))
	}
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data := userPage{
		page: page{Title: "User Interface", SignedIn: currentSession(r).IsAuthenticated},
	}

	contexts, err := h.contexts.Saved(ctx)
	if err != nil {
		slogctx.Error(ctx, "Failed to load the saved contexts", "error", err)
		data.Error = "Failed to load configuration"
	}
	data.Contexts = contexts

	render(ctx, w, http.StatusOK, "user.html", data)
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	renderError(r.Context(), w, http.StatusNotFound, "Page Not Found", "The page you are looking for does not exist.")
}

// finish applies a flow outcome: it writes or clears the session cookie and
// redirects with 302.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, out flow.Outcome) {
	ctx := r.Context()
	secure := r.TLS != nil

	switch {
	case out.ClearCookie:
		http.SetCookie(w, h.sessions.ExpiredSessionCookie(secure))
	case out.Session.ID != "":
		c, err := h.sessions.MakeSessionCookie(ctx, out.Session.ID, secure)
		if err != nil {
			slogctx.Error(ctx, "Failed to make the session cookie", "error", err)
			renderError(ctx, w, http.StatusInternalServerError, "Error", "An error occurred")
			return
		}
		http.SetCookie(w, c)
	}

	http.Redirect(w, r, out.Redirect, http.StatusFound)
}

func currentSession(r *http.Request) session.Session {
	s, err := sessionctx.FromContext(r.Context())
	if err != nil {
		return session.Session{}
	}
	return s
}

func redirectDashboard(w http.ResponseWriter, r *http.Request, key, code string) {
	http.Redirect(w, r, fmt.Sprintf("%s?%s=%s", flow.PathDashboard, key, code), http.StatusFound)
}

func dashboardMessage(code string) string {
	if code == "" {
		return ""
	}
	if msg, ok := dashboardMessages[code]; ok {
		return msg
	}
	return code
}
