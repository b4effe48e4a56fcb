package relationship

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/phiaccess/internal/platform/apperr"
)

type memoryRepo struct {
	mu            sync.RWMutex
	relationships map[string]*Relationship
	requests      map[string]*AccessRequest
}

// NewMemoryRepo returns an in-process Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		relationships: make(map[string]*Relationship),
		requests:      make(map[string]*AccessRequest),
	}
}

func cloneRelationship(r *Relationship) *Relationship {
	c := *r
	c.Permissions = append([]Permission{}, r.Permissions...)
	c.AuditTrail = append([]TrailEntry{}, r.AuditTrail...)
	if r.ActivatedAt != nil {
		t := *r.ActivatedAt
		c.ActivatedAt = &t
	}
	return &c
}

func (m *memoryRepo) Create(_ context.Context, r *Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.relationships[r.RelationshipID]; ok {
		return apperr.Conflict("relationship %s already exists", r.RelationshipID)
	}
	m.relationships[r.RelationshipID] = cloneRelationship(r)
	return nil
}

func (m *memoryRepo) GetByID(_ context.Context, id string) (*Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relationships[id]
	if !ok {
		return nil, apperr.NotFound("relationship %s", id)
	}
	return cloneRelationship(r), nil
}

func (m *memoryRepo) list(match func(r *Relationship) bool) []*Relationship {
	m.mu.RLock()
	var out []*Relationship
	for _, r := range m.relationships {
		if match(r) {
			out = append(out, cloneRelationship(r))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EstablishedDate.Equal(out[j].EstablishedDate) {
			return out[i].EstablishedDate.Before(out[j].EstablishedDate)
		}
		return out[i].RelationshipID < out[j].RelationshipID
	})
	return out
}

func (m *memoryRepo) ListByPatient(_ context.Context, patientID string) ([]*Relationship, error) {
	return m.list(func(r *Relationship) bool { return r.PatientID == patientID }), nil
}

func (m *memoryRepo) ListByPair(_ context.Context, relatedPersonID, patientID string) ([]*Relationship, error) {
	return m.list(func(r *Relationship) bool {
		return r.RelatedPersonID == relatedPersonID && r.PatientID == patientID
	}), nil
}

func (m *memoryRepo) UpdateStatus(_ context.Context, id string, from Status, entry TrailEntry, activatedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relationships[id]
	if !ok {
		return apperr.NotFound("relationship %s", id)
	}
	if r.Status != from {
		return apperr.Conflict("relationship %s is %s, expected %s", id, r.Status, from)
	}
	r.Status = entry.ToStatus
	r.LastUpdated = entry.Timestamp
	if activatedAt != nil {
		t := *activatedAt
		r.ActivatedAt = &t
	}
	r.AuditTrail = append(r.AuditTrail, entry)
	return nil
}

func (m *memoryRepo) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relationships), nil
}

func (m *memoryRepo) CreateAccessRequest(_ context.Context, ar *AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *ar
	m.requests[ar.RequestID] = &c
	return nil
}

func (m *memoryRepo) GetAccessRequest(_ context.Context, id string) (*AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ar, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("access request %s", id)
	}
	c := *ar
	return &c, nil
}

func (m *memoryRepo) ListAccessRequests(_ context.Context, relationshipID string) ([]*AccessRequest, error) {
	m.mu.RLock()
	var out []*AccessRequest
	for _, ar := range m.requests {
		if ar.RelationshipID == relationshipID {
			c := *ar
			out = append(out, &c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out, nil
}
