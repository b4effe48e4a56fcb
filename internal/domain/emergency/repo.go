package emergency

import (
	"context"
	"time"
)

// Repository persists live sessions keyed by request id.
type Repository interface {
	// Create fails with apperr.ErrConflict when the request id is taken.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, requestID string) (*Session, error)
	GetByTokenHash(ctx context.Context, hash string) (*Session, error)
	// Delete removes a session; a missing one is apperr.ErrNotFound.
	Delete(ctx context.Context, requestID string) error
	MarkReviewed(ctx context.Context, requestID, reviewedBy, notes string, at time.Time) error
	MarkNotificationDegraded(ctx context.Context, requestID string) error
	ListActive(ctx context.Context, now time.Time) ([]*Session, error)
	// DeleteExpired removes and returns sessions whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) ([]*Session, error)
	Count(ctx context.Context) (int, error)
}
