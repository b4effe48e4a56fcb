package relationship

import (
	"context"
	"time"
)

// Repository persists relationships, their status trail and access requests.
type Repository interface {
	Create(ctx context.Context, r *Relationship) error
	GetByID(ctx context.Context, id string) (*Relationship, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Relationship, error)
	ListByPair(ctx context.Context, relatedPersonID, patientID string) ([]*Relationship, error)
	// UpdateStatus moves id from one status to another and appends the trail
	// entry. It fails with ErrConflict when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from Status, entry TrailEntry, activatedAt *time.Time) error
	Count(ctx context.Context) (int, error)

	CreateAccessRequest(ctx context.Context, ar *AccessRequest) error
	GetAccessRequest(ctx context.Context, id string) (*AccessRequest, error)
	ListAccessRequests(ctx context.Context, relationshipID string) ([]*AccessRequest, error)
}
