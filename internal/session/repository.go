package session

import (
	"context"
	"time"
)

type Repository interface {
	// LoadSession returns serviceerr.ErrNotFound when no live record exists.
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	// StoreSession writes the record; it expires after ttl without a write.
	StoreSession(ctx context.Context, s Session, ttl time.Duration) error
	// DeleteSession succeeds for unknown identifiers.
	DeleteSession(ctx context.Context, sessionID string) error
	// Lock serialises read-modify-write sequences on one session. The
	// returned function releases the lock.
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}
