package relationship

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phiaccess/internal/domain/audit"
	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/cache"
	"github.com/ehr/phiaccess/internal/platform/hipaa"
)

// SystemActor is recorded as changed_by for automatic transitions.
const SystemActor = "system"

// TxFunc runs fn so that repository and audit writes commit together.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// Config tunes the directory.
type Config struct {
	// TTL expires active relationships this long after activation. Zero disables expiry.
	TTL                    time.Duration
	MinJustificationLength int
}

// Service provides business logic for the relationship directory.
type Service struct {
	repo       Repository
	audit      audit.Recorder
	locker     cache.Locker
	classifier *hipaa.PHIClassifier
	tx         TxFunc
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService creates a new relationship directory service.
func NewService(repo Repository, rec audit.Recorder, locker cache.Locker, classifier *hipaa.PHIClassifier, cfg Config, logger zerolog.Logger) *Service {
	if cfg.MinJustificationLength <= 0 {
		cfg.MinJustificationLength = 20
	}
	return &Service{
		repo:       repo,
		audit:      rec,
		locker:     locker,
		classifier: classifier,
		tx:         func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) },
		cfg:        cfg,
		logger:     logger.With().Str("component", "relationship").Logger(),
		now:        time.Now,
	}
}

// SetTx makes status changes and their audit entries commit atomically.
func (s *Service) SetTx(tx TxFunc) { s.tx = tx }

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func required(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return apperr.Validation("%s required", strings.Join(missing, ", "))
}

// Create validates in and stores a pending relationship.
func (s *Service) Create(ctx context.Context, in CreateInput, src audit.Source) (*Relationship, error) {
	if err := required(map[string]string{
		"patient_id":          in.PatientID,
		"related_person_id":   in.RelatedPersonID,
		"related_person_name": in.RelatedPersonName,
		"relationship_type":   in.RelationshipType,
		"access_level":        in.AccessLevel,
		"created_by":          in.CreatedBy,
	}); err != nil {
		return nil, err
	}
	relType, err := ParseRelationshipType(in.RelationshipType)
	if err != nil {
		return nil, err
	}
	level, err := ParseAccessLevel(in.AccessLevel)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rel := &Relationship{
		RelationshipID:    uuid.NewString(),
		PatientID:         in.PatientID,
		RelatedPersonID:   in.RelatedPersonID,
		RelatedPersonName: in.RelatedPersonName,
		ContactPhone:      in.ContactPhone,
		ContactEmail:      in.ContactEmail,
		RelationshipType:  relType,
		AccessLevel:       level,
		Status:            StatusPending,
		Permissions:       PermissionsFor(relType, level),
		Notes:             in.Notes,
		ConsentDocumentID: in.ConsentDocumentID,
		CreatedBy:         in.CreatedBy,
		EstablishedDate:   now,
		LastUpdated:       now,
		AuditTrail: []TrailEntry{{
			Action:    audit.ActionRelationshipCreated,
			ToStatus:  StatusPending,
			ChangedBy: in.CreatedBy,
			Timestamp: now,
		}},
	}

	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, rel); err != nil {
			return err
		}
		_, err := s.audit.Record(ctx, src.Apply(&audit.Entry{
			Service:         audit.ServiceRelationships,
			EventType:       audit.EventRelationshipChange,
			Action:          audit.ActionRelationshipCreated,
			Description:     fmt.Sprintf("%s relationship created with %s access", relType, level),
			RelationshipID:  rel.RelationshipID,
			PatientID:       rel.PatientID,
			UserID:          in.CreatedBy,
			DataSensitivity: audit.SensitivityMedium,
			Timestamp:       now,
		}))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("relationship_id", rel.RelationshipID).
		Str("relationship_type", string(relType)).
		Str("access_level", string(level)).
		Str("created_by", in.CreatedBy).
		Msg("relationship created")
	return rel, nil
}

// Get returns the relationship, applying TTL expiry first.
func (s *Service) Get(ctx context.Context, id string) (*Relationship, error) {
	rel, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(ctx, rel)
}

// ListByPatient returns every relationship of a patient.
func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]*Relationship, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	rels, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.expireAll(ctx, rels)
}

// Lookup returns the relationship between a related person and a patient,
// preferring an active one.
func (s *Service) Lookup(ctx context.Context, relatedPersonID, patientID string) (*Relationship, error) {
	rels, err := s.repo.ListByPair(ctx, relatedPersonID, patientID)
	if err != nil {
		return nil, err
	}
	rels, err = s.expireAll(ctx, rels)
	if err != nil {
		return nil, err
	}
	var best *Relationship
	for _, rel := range rels {
		switch {
		case best == nil:
			best = rel
		case rel.Status == StatusActive && best.Status != StatusActive:
			best = rel
		case (rel.Status == StatusActive) == (best.Status == StatusActive) && rel.LastUpdated.After(best.LastUpdated):
			best = rel
		}
	}
	if best == nil {
		return nil, apperr.NotFound("no relationship between %s and patient %s", relatedPersonID, patientID)
	}
	return best, nil
}

// Count returns the number of stored relationships.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

func (s *Service) expireAll(ctx context.Context, rels []*Relationship) ([]*Relationship, error) {
	out := make([]*Relationship, 0, len(rels))
	for _, rel := range rels {
		r, err := s.expireIfDue(ctx, rel)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) due(rel *Relationship, now time.Time) bool {
	if s.cfg.TTL <= 0 || rel.Status != StatusActive || rel.ActivatedAt == nil {
		return false
	}
	return !now.Before(rel.ActivatedAt.Add(s.cfg.TTL))
}

func (s *Service) expireIfDue(ctx context.Context, rel *Relationship) (*Relationship, error) {
	if !s.due(rel, s.now().UTC()) {
		return rel, nil
	}
	updated, err := s.transition(ctx, rel.RelationshipID, StatusExpired, SystemActor,
		fmt.Sprintf("relationship ttl of %s elapsed", s.cfg.TTL), audit.Source{}, true)
	if errors.Is(err, apperr.ErrValidation) {
		// Another caller moved it first.
		return s.repo.GetByID(ctx, rel.RelationshipID)
	}
	return updated, err
}

// UpdateStatus applies a requested status change.
func (s *Service) UpdateStatus(ctx context.Context, id string, upd StatusUpdate, src audit.Source) (*Relationship, error) {
	if err := required(map[string]string{
		"status":        upd.Status,
		"changed_by":    upd.ChangedBy,
		"justification": upd.Justification,
	}); err != nil {
		return nil, err
	}
	to, err := ParseStatus(upd.Status)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, to, upd.ChangedBy, upd.Justification, src, false)
}

// transition serializes on the relationship id, checks the state machine and
// writes the trail entry and audit entry together.
func (s *Service) transition(ctx context.Context, id string, to Status, changedBy, justification string, src audit.Source, automatic bool) (*Relationship, error) {
	unlock, err := s.locker.Lock(ctx, "relationship:"+id)
	if err != nil {
		if errors.Is(err, cache.ErrLockTimeout) {
			return nil, apperr.Unavailable("relationship %s is busy", id)
		}
		return nil, apperr.FromContext(err)
	}
	defer unlock()

	rel, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !automatic && to != StatusExpired && s.due(rel, now) {
		if rel, err = s.applyTransition(ctx, rel, StatusExpired, SystemActor,
			fmt.Sprintf("relationship ttl of %s elapsed", s.cfg.TTL), audit.Source{}, now); err != nil {
			return nil, err
		}
	}
	if automatic && !s.due(rel, now) {
		return nil, apperr.Validation("relationship %s is no longer due for expiry", id)
	}
	if rel.Status == to {
		return nil, apperr.Validation("relationship %s is already %s", id, to)
	}
	if !CanTransition(rel.Status, to) {
		return nil, apperr.Validation("cannot change relationship status from %s to %s", rel.Status, to)
	}
	return s.applyTransition(ctx, rel, to, changedBy, justification, src, now)
}

func (s *Service) applyTransition(ctx context.Context, rel *Relationship, to Status, changedBy, justification string, src audit.Source, now time.Time) (*Relationship, error) {
	from := rel.Status
	entry := TrailEntry{
		Action:        audit.ActionStatusChanged,
		FromStatus:    from,
		ToStatus:      to,
		ChangedBy:     changedBy,
		Justification: justification,
		Timestamp:     now,
	}
	var activatedAt *time.Time
	if to == StatusActive {
		activatedAt = &now
	}

	severity := audit.SeverityInfo
	if to == StatusRevoked || to == StatusSuspended {
		severity = audit.SeverityWarning
	}
	err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.UpdateStatus(ctx, rel.RelationshipID, from, entry, activatedAt); err != nil {
			return err
		}
		_, err := s.audit.Record(ctx, src.Apply(&audit.Entry{
			Service:         audit.ServiceRelationships,
			EventType:       audit.EventRelationshipChange,
			Action:          audit.ActionStatusChanged,
			Description:     fmt.Sprintf("relationship status changed from %s to %s", from, to),
			Severity:        severity,
			RelationshipID:  rel.RelationshipID,
			PatientID:       rel.PatientID,
			UserID:          changedBy,
			Justification:   justification,
			DataSensitivity: audit.SensitivityMedium,
			Timestamp:       now,
		}))
		return err
	})
	if err != nil {
		return nil, err
	}

	rel.Status = to
	rel.LastUpdated = now
	if activatedAt != nil {
		rel.ActivatedAt = activatedAt
	}
	rel.AuditTrail = append(rel.AuditTrail, entry)

	s.logger.Info().
		Str("relationship_id", rel.RelationshipID).
		Str("from_status", string(from)).
		Str("to_status", string(to)).
		Str("changed_by", changedBy).
		Msg("relationship status changed")
	return rel, nil
}

// CreateAccessRequest records a pending request to exercise a permission of
// an active relationship. Policy denials are audited before being returned.
func (s *Service) CreateAccessRequest(ctx context.Context, relationshipID string, in AccessRequestInput, src audit.Source) (*AccessRequest, error) {
	if err := required(map[string]string{
		"requested_by":       in.RequestedBy,
		"patient_id":         in.PatientID,
		"access_type":        in.AccessType,
		"resource_requested": in.ResourceRequested,
		"justification":      in.Justification,
	}); err != nil {
		return nil, err
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(in.Justification)); n < s.cfg.MinJustificationLength {
		return nil, apperr.Validation("justification must be at least %d characters, got %d", s.cfg.MinJustificationLength, n)
	}
	perm, err := ParsePermission(in.AccessType)
	if err != nil {
		return nil, err
	}

	rel, err := s.Get(ctx, relationshipID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	phi := s.classifier.IsPHI(in.ResourceRequested)
	entry := &audit.Entry{
		Service:          audit.ServiceRelationships,
		EventType:        audit.EventAccessRequest,
		RelationshipID:   rel.RelationshipID,
		PatientID:        in.PatientID,
		UserID:           in.RequestedBy,
		AccessType:       string(perm),
		ResourceAccessed: in.ResourceRequested,
		Justification:    in.Justification,
		PHIAccessed:      phi,
		Timestamp:        now,
	}
	src.Apply(entry)

	var denial error
	switch {
	case rel.RelatedPersonID != in.RequestedBy:
		denial = apperr.Forbidden("%s is not the related person on relationship %s", in.RequestedBy, rel.RelationshipID)
	case rel.PatientID != in.PatientID:
		denial = apperr.Forbidden("relationship %s does not cover patient %s", rel.RelationshipID, in.PatientID)
	case rel.Status != StatusActive:
		denial = apperr.Forbidden("relationship %s is %s", rel.RelationshipID, rel.Status)
	case !rel.Grants(perm):
		denial = apperr.Forbidden("relationship %s does not grant %s", rel.RelationshipID, perm)
	}
	if denial != nil {
		entry.Action = audit.ActionAccessRequestDenied
		entry.Description = denial.Error()
		entry.PHIAccessed = false
		entry.Severity = audit.SeverityWarning
		if _, err := s.audit.Record(ctx, entry); err != nil {
			return nil, err
		}
		s.logger.Warn().
			Str("relationship_id", rel.RelationshipID).
			Str("requested_by", in.RequestedBy).
			Str("access_type", string(perm)).
			Str("status", string(rel.Status)).
			Msg("relationship access request denied")
		return nil, denial
	}

	ar := &AccessRequest{
		RequestID:         uuid.NewString(),
		RelationshipID:    rel.RelationshipID,
		PatientID:         in.PatientID,
		RequestedBy:       in.RequestedBy,
		AccessType:        perm,
		ResourceRequested: in.ResourceRequested,
		Justification:     in.Justification,
		PHIRequested:      phi,
		Status:            AccessRequestPending,
		CreatedAt:         now,
	}
	entry.Action = audit.ActionAccessRequestCreated
	entry.Description = fmt.Sprintf("access request for %s created, pending review", perm)
	entry.RequestID = ar.RequestID
	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateAccessRequest(ctx, ar); err != nil {
			return err
		}
		_, err := s.audit.Record(ctx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ar, nil
}

func (s *Service) GetAccessRequest(ctx context.Context, id string) (*AccessRequest, error) {
	return s.repo.GetAccessRequest(ctx, id)
}

func (s *Service) ListAccessRequests(ctx context.Context, relationshipID string) ([]*AccessRequest, error) {
	if _, err := s.repo.GetByID(ctx, relationshipID); err != nil {
		return nil, err
	}
	reqs, err := s.repo.ListAccessRequests(ctx, relationshipID)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []*AccessRequest{}
	}
	return reqs, nil
}
