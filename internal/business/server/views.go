package server

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/authcontext"
)

//go:embed templates/*.html
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

// page carries what the shared layout renders. Error and Success are
// escaped by html/template.
type page struct {
	Title    string
	Error    string
	Success  string
	SignedIn bool
}

type dashboardPage struct {
	page
	View      authcontext.DashboardView
	CSRFToken string
}

type userPage struct {
	page
	Contexts []authcontext.AuthenticationContext
}

type errorPage struct {
	page
	Message string
}

// render executes the named template into a buffer first so a failing
// template never leaves a half written page.
func render(ctx context.Context, w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		slogctx.Error(ctx, "Failed to render a page", "template", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func renderError(ctx context.Context, w http.ResponseWriter, status int, title, message string) {
	render(ctx, w, status, "error.html", errorPage{
		page:    page{Title: title},
		Message: message,
	})
}
