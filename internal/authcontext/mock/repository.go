package authcontextmock

import (
	"context"
	"slices"
	"sync"

	"github.com/openkcm/acr-manager/internal/authcontext"
	"github.com/openkcm/acr-manager/internal/serviceerr"
)

type RepositoryOption func(*Repository)

type Repository struct {
	mu       sync.Mutex
	contexts []authcontext.AuthenticationContext
	saves    int

	saveErr, listErr, getErr, clearErr error
}

func WithContexts(contexts ...authcontext.AuthenticationContext) RepositoryOption {
	return func(r *Repository) { r.contexts = slices.Clone(contexts) }
}
func WithSaveError(err error) RepositoryOption {
	return func(r *Repository) { r.saveErr = err }
}
func WithListError(err error) RepositoryOption {
	return func(r *Repository) { r.listErr = err }
}
func WithGetError(err error) RepositoryOption {
	return func(r *Repository) { r.getErr = err }
}
func WithClearError(err error) RepositoryOption {
	return func(r *Repository) { r.clearErr = err }
}

var _ = authcontext.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) Save(_ context.Context, contexts []authcontext.AuthenticationContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.saveErr != nil {
		return r.saveErr
	}
	r.contexts = slices.Clone(contexts)
	r.saves++
	return nil
}

func (r *Repository) List(_ context.Context) ([]authcontext.AuthenticationContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listErr != nil {
		return nil, r.listErr
	}
	if r.contexts == nil {
		return []authcontext.AuthenticationContext{}, nil
	}
	return slices.Clone(r.contexts), nil
}

func (r *Repository) Get(_ context.Context, id string) (authcontext.AuthenticationContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.getErr != nil {
		return authcontext.AuthenticationContext{}, r.getErr
	}
	i := slices.IndexFunc(r.contexts, func(ac authcontext.AuthenticationContext) bool { return ac.ID == id })
	if i < 0 {
		return authcontext.AuthenticationContext{}, serviceerr.ErrNotFound
	}
	return r.contexts[i], nil
}

func (r *Repository) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clearErr != nil {
		return r.clearErr
	}
	r.contexts = nil
	return nil
}

// Saves returns how many times Save succeeded.
func (r *Repository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}
