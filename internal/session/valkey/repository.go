package sessionvalkey

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/session"
)

type ObjectType string

const (
	objectTypeSession ObjectType = "session"
	objectTypeLock    ObjectType = "lock"
)

const (
	defaultLockTTL  = 30 * time.Second
	defaultLockWait = 10 * time.Second
)

var (
	ErrGetSession    = errors.New("getting session from store")
	ErrStoreSession  = errors.New("setting session into storage")
	ErrDeleteSession = errors.New("deleting session from store")
	ErrLockSession   = errors.New("locking session")
)

type Repository struct {
	store *store

	lockTTL  time.Duration
	lockWait time.Duration
}

var _ = session.Repository(&Repository{})

type Option func(*Repository)

// WithLockTTL bounds how long a crashed holder can keep a session locked.
func WithLockTTL(d time.Duration) Option {
	return func(r *Repository) { r.lockTTL = d }
}

// WithLockWait bounds how long Lock keeps retrying a held lock.
func WithLockWait(d time.Duration) Option {
	return func(r *Repository) { r.lockWait = d }
}

func NewRepository(valkeyClient valkey.Client, prefix string, opts ...Option) *Repository {
	r := &Repository{
		store:    newStore(valkeyClient, prefix),
		lockTTL:  defaultLockTTL,
		lockWait: defaultLockWait,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	var s session.Session
	if err := r.store.Get(ctx, objectTypeSession, sessionID, &s); err != nil {
		return session.Session{}, errors.Join(ErrGetSession, err)
	}

	return s, nil
}

func (r *Repository) StoreSession(ctx context.Context, s session.Session, ttl time.Duration) error {
	if err := r.store.Set(ctx, objectTypeSession, s.ID, s, ttl); err != nil {
		return errors.Join(ErrStoreSession, err)
	}

	return nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.store.Destroy(ctx, objectTypeSession, sessionID); err != nil {
		return errors.Join(ErrDeleteSession, err)
	}

	return nil
}

// Lock takes a lease on the session with SET NX PX, polling with backoff
// while another request holds it.
func (r *Repository) Lock(ctx context.Context, sessionID string) (func(), error) {
	token := uuid.NewString()

	operation := func() (struct{}, error) {
		err := r.store.SetNX(ctx, objectTypeLock, sessionID, token, r.lockTTL)
		if errors.Is(err, errKeyExists) {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 10 * time.Millisecond
	expBackoff.MaxInterval = 250 * time.Millisecond

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(r.lockWait),
	); err != nil {
		return nil, errors.Join(ErrLockSession, err)
	}

	unlock := func() {
		if err := r.store.Release(context.WithoutCancel(ctx), objectTypeLock, sessionID, token); err != nil {
			slogctx.Error(ctx, "Failed to release session lock", "error", err)
		}
	}

	return unlock, nil
}
