package authcontext

import "context"

// Repository stores the curated set. Save replaces the whole set at once.
type Repository interface {
	Save(ctx context.Context, contexts []AuthenticationContext) error
	List(ctx context.Context) ([]AuthenticationContext, error)
	Get(ctx context.Context, id string) (AuthenticationContext, error)
	Clear(ctx context.Context) error
}
