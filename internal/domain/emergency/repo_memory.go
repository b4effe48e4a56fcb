package emergency

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/phiaccess/internal/platform/apperr"
)

type memoryRepo struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byToken  map[string]string
}

// NewMemoryRepo returns an in-process Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
	}
}

func cloneSession(s *Session) *Session {
	c := *s
	c.Restrictions = append([]string{}, s.Restrictions...)
	if s.ReviewDeadline != nil {
		t := *s.ReviewDeadline
		c.ReviewDeadline = &t
	}
	if s.ReviewedAt != nil {
		t := *s.ReviewedAt
		c.ReviewedAt = &t
	}
	return &c
}

func (m *memoryRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.RequestID]; ok {
		return apperr.Conflict("emergency access request %s already exists", s.RequestID)
	}
	m.sessions[s.RequestID] = cloneSession(s)
	m.byToken[s.TokenHash] = s.RequestID
	return nil
}

func (m *memoryRepo) Get(_ context.Context, requestID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[requestID]
	if !ok {
		return nil, apperr.NotFound("emergency access session %s", requestID)
	}
	return cloneSession(s), nil
}

func (m *memoryRepo) GetByTokenHash(_ context.Context, hash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[hash]
	if !ok {
		return nil, apperr.NotFound("emergency access token")
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *memoryRepo) deleteLocked(id string) {
	if s, ok := m.sessions[id]; ok {
		delete(m.byToken, s.TokenHash)
		delete(m.sessions, id)
	}
}

func (m *memoryRepo) Delete(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[requestID]; !ok {
		return apperr.NotFound("emergency access session %s", requestID)
	}
	m.deleteLocked(requestID)
	return nil
}

func (m *memoryRepo) MarkReviewed(_ context.Context, requestID, reviewedBy, notes string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[requestID]
	if !ok {
		return apperr.NotFound("emergency access session %s", requestID)
	}
	if s.ReviewedAt != nil {
		return apperr.Conflict("emergency access session %s already reviewed", requestID)
	}
	t := at
	s.ReviewedAt = &t
	s.ReviewedBy = reviewedBy
	s.ReviewNotes = notes
	return nil
}

func (m *memoryRepo) MarkNotificationDegraded(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[requestID]
	if !ok {
		return apperr.NotFound("emergency access session %s", requestID)
	}
	s.NotificationDegraded = true
	return nil
}

func sortByCreated(out []*Session) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
}

func (m *memoryRepo) ListActive(_ context.Context, now time.Time) ([]*Session, error) {
	m.mu.RLock()
	out := []*Session{}
	for _, s := range m.sessions {
		if s.Active(now) {
			out = append(out, cloneSession(s))
		}
	}
	m.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

func (m *memoryRepo) DeleteExpired(_ context.Context, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	var out []*Session
	for id, s := range m.sessions {
		if !s.Active(now) {
			out = append(out, cloneSession(s))
			m.deleteLocked(id)
		}
	}
	m.mu.Unlock()
	sortByCreated(out)
	return out, nil
}

func (m *memoryRepo) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}
