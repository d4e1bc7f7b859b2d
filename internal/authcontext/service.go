package authcontext

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/broker"
	"github.com/openkcm/acr-manager/internal/graph"
	"github.com/openkcm/acr-manager/internal/serviceerr"
	"github.com/openkcm/acr-manager/internal/session"
)

const (
	fallbackName = "Admin"
	fetchLimit   = 4
)

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Directory is the part of the Graph client the service reads from.
type Directory interface {
	GetProfile(ctx context.Context, tok broker.DelegatedToken) (graph.Profile, error)
	ListAuthenticationContexts(ctx context.Context, tok broker.ApplicationToken) ([]graph.AuthenticationContext, error)
	GetAuthenticationContext(ctx context.Context, tok broker.ApplicationToken, id string) (graph.AuthenticationContext, error)
}

// TokenSource hands out application tokens.
type TokenSource interface {
	AcquireClientCredentials(ctx context.Context, scopes []string) (broker.ApplicationToken, error)
}

type User struct {
	Name  string
	Email string
}

// DashboardView is everything the dashboard page shows.
type DashboardView struct {
	User     User
	Contexts []graph.AuthenticationContext
	SavedIDs []string
}

func (v DashboardView) IsSaved(id string) bool {
	return slices.Contains(v.SavedIDs, id)
}

type Service struct {
	repository Repository
	directory  Directory
	tokens     TokenSource
	scopes     []string
	now        func() time.Time
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, directory Directory, tokens TokenSource, applicationScopes []string, opts ...ServiceOption) *Service {
	s := &Service{
		repository: repo,
		directory:  directory,
		tokens:     tokens,
		scopes:     slices.Clone(applicationScopes),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Dashboard collects the signed-in user's profile, the tenant's contexts
// and the saved selection. On error the returned view still names the user
// from the session account, with empty lists.
func (s *Service) Dashboard(ctx context.Context, sess session.Session) (DashboardView, error) {
	view, err := s.dashboard(ctx, sess)
	if err != nil {
		return fallbackView(sess), err
	}

	return view, nil
}

func (s *Service) dashboard(ctx context.Context, sess session.Session) (DashboardView, error) {
	profile, err := s.directory.GetProfile(ctx, sess.DelegatedToken())
	if err != nil {
		return DashboardView{}, err
	}

	tok, err := s.tokens.AcquireClientCredentials(ctx, s.scopes)
	if err != nil {
		return DashboardView{}, fmt.Errorf("acquiring application token: %w", err)
	}

	contexts, err := s.directory.ListAuthenticationContexts(ctx, tok)
	if err != nil {
		return DashboardView{}, err
	}

	saved, err := s.repository.List(ctx)
	if err != nil {
		return DashboardView{}, fmt.Errorf("listing saved contexts: %w", err)
	}

	savedIDs := make([]string, 0, len(saved))
	for _, ac := range saved {
		savedIDs = append(savedIDs, ac.ID)
	}

	return DashboardView{
		User:     User{Name: profile.Name(), Email: profile.Email()},
		Contexts: contexts,
		SavedIDs: savedIDs,
	}, nil
}

// SaveSelection fetches every selected context from the directory and
// replaces the saved set with the ones that could be fetched.
func (s *Service) SaveSelection(ctx context.Context, ids []string) error {
	ids = unique(ids)
	if len(ids) == 0 {
		return serviceerr.ErrInvalidSelection
	}

	tok, err := s.tokens.AcquireClientCredentials(ctx, s.scopes)
	if err != nil {
		return fmt.Errorf("acquiring application token: %w", err)
	}

	fetched := make([]*graph.AuthenticationContext, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchLimit)
	for i, id := range ids {
		g.Go(func() error {
			ac, err := s.directory.GetAuthenticationContext(gctx, tok, id)
			if err != nil {
				slogctx.Warn(ctx, "Skipping an authentication context that could not be fetched",
					"context_id", unsafeIDChars.ReplaceAllString(id, ""), "error", err)
				return nil
			}
			fetched[i] = &ac
			return nil
		})
	}
	_ = g.Wait()

	savedAt := s.now().UTC()
	contexts := make([]AuthenticationContext, 0, len(ids))
	for _, ac := range fetched {
		if ac == nil {
			continue
		}
		contexts = append(contexts, AuthenticationContext{
			ID:          ac.ID,
			DisplayName: ac.DisplayName,
			Description: ac.Description,
			IsAvailable: ac.IsAvailable,
			SavedAt:     savedAt,
		})
	}

	if err := s.repository.Save(ctx, contexts); err != nil {
		return fmt.Errorf("saving contexts: %w", err)
	}

	slogctx.Info(ctx, "Saved authentication contexts", "selected", len(ids), "saved", len(contexts))

	return nil
}

// Saved returns the curated set for the read-only user page.
func (s *Service) Saved(ctx context.Context) ([]AuthenticationContext, error) {
	contexts, err := s.repository.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing saved contexts: %w", err)
	}

	return contexts, nil
}

func fallbackView(sess session.Session) DashboardView {
	user := User{Name: fallbackName}
	if sess.Account != nil {
		if sess.Account.Name != "" {
			user.Name = sess.Account.Name
		}
		user.Email = sess.Account.Username
	}

	return DashboardView{
		User:     user,
		Contexts: []graph.AuthenticationContext{},
		SavedIDs: []string{},
	}
}

// unique drops blanks and repeats, keeping the first occurrence.
func unique(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}

	return out
}
