package sessionmock

import (
	"context"
	"sync"
	"time"

	"github.com/openkcm/acr-manager/internal/serviceerr"
	"github.com/openkcm/acr-manager/internal/session"
)

type RepositoryOption func(*Repository)

// Repository keeps sessions in memory. Expiry is not enforced; the manager
// applies the idle timeout itself.
type Repository struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	ttls     map[string]time.Duration
	locks    map[string]*sync.Mutex
	stores   int

	loadSessionErr, storeSessionErr, deleteSessionErr, lockErr error
}

func WithSession(sess session.Session) RepositoryOption {
	return func(r *Repository) { r.sessions[sess.ID] = sess }
}
func WithLoadSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.loadSessionErr = err }
}
func WithStoreSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.storeSessionErr = err }
}
func WithDeleteSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteSessionErr = err }
}
func WithLockError(err error) RepositoryOption {
	return func(r *Repository) { r.lockErr = err }
}

var _ = session.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		sessions: make(map[string]session.Session),
		ttls:     make(map[string]time.Duration),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loadSessionErr != nil {
		return session.Session{}, r.loadSessionErr
	}
	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	return session.Session{}, serviceerr.ErrNotFound
}

func (r *Repository) StoreSession(_ context.Context, sess session.Session, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.storeSessionErr != nil {
		return r.storeSessionErr
	}
	r.sessions[sess.ID] = sess
	r.ttls[sess.ID] = ttl
	r.stores++
	return nil
}

func (r *Repository) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleteSessionErr != nil {
		return r.deleteSessionErr
	}
	delete(r.sessions, sessionID)
	delete(r.ttls, sessionID)
	return nil
}

func (r *Repository) Lock(ctx context.Context, sessionID string) (func(), error) {
	r.mu.Lock()
	if r.lockErr != nil {
		r.mu.Unlock()
		return nil, r.lockErr
	}
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	r.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return l.Unlock, nil
	case <-ctx.Done():
		// Hand the lock back once the pending acquisition completes.
		go func() {
			<-acquired
			l.Unlock()
		}()
		return nil, ctx.Err()
	}
}

// Session returns the stored record, if any.
func (r *Repository) Session(sessionID string) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	return s, ok
}

// TTL returns the expiry of the last write for sessionID.
func (r *Repository) TTL(sessionID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ttls[sessionID]
}

// Stores counts successful writes.
func (r *Repository) Stores() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stores
}

// SetStoreSessionError changes the injected write error after construction.
func (r *Repository) SetStoreSessionError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.storeSessionErr = err
}
