package relationship

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/db"
	"github.com/ehr/phiaccess/internal/platform/hipaa"
)

type repoPG struct {
	pool   *pgxpool.Pool
	cipher *hipaa.FieldCipher
}

// NewRepoPG returns a Repository over the relationships tables. Contact
// columns are sealed with cipher when it is non-nil.
func NewRepoPG(pool *pgxpool.Pool, cipher *hipaa.FieldCipher) Repository {
	return &repoPG{pool: pool, cipher: cipher}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const relCols = `relationship_id, patient_id, related_person_id, related_person_name,
	contact_phone, contact_email, relationship_type, access_level, status, permissions,
	notes, consent_document_id, created_by, established_date, activated_at, last_updated`

func (r *repoPG) scanRelationship(row pgx.Row) (*Relationship, error) {
	var rel Relationship
	var perms []string
	err := row.Scan(&rel.RelationshipID, &rel.PatientID, &rel.RelatedPersonID, &rel.RelatedPersonName,
		&rel.ContactPhone, &rel.ContactEmail, &rel.RelationshipType, &rel.AccessLevel, &rel.Status, &perms,
		&rel.Notes, &rel.ConsentDocumentID, &rel.CreatedBy, &rel.EstablishedDate, &rel.ActivatedAt, &rel.LastUpdated)
	if err != nil {
		return nil, err
	}
	rel.Permissions = make([]Permission, 0, len(perms))
	for _, p := range perms {
		rel.Permissions = append(rel.Permissions, Permission(p))
	}
	rel.AuditTrail = []TrailEntry{}
	if rel.ContactPhone, err = r.cipher.OpenPtr(rel.ContactPhone); err != nil {
		return nil, err
	}
	if rel.ContactEmail, err = r.cipher.OpenPtr(rel.ContactEmail); err != nil {
		return nil, err
	}
	return &rel, nil
}

func permStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func (r *repoPG) insertTrail(ctx context.Context, id string, e TrailEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO relationship_audit_trail (relationship_id, action, from_status, to_status, changed_by, justification, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, e.Action, string(e.FromStatus), string(e.ToStatus), e.ChangedBy, e.Justification, e.Timestamp)
	return err
}

func (r *repoPG) Create(ctx context.Context, rel *Relationship) error {
	phone, err := r.cipher.SealPtr(rel.ContactPhone)
	if err != nil {
		return err
	}
	email, err := r.cipher.SealPtr(rel.ContactEmail)
	if err != nil {
		return err
	}
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO relationships (`+relCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			rel.RelationshipID, rel.PatientID, rel.RelatedPersonID, rel.RelatedPersonName,
			phone, email, string(rel.RelationshipType), string(rel.AccessLevel), string(rel.Status),
			permStrings(rel.Permissions), rel.Notes, rel.ConsentDocumentID, rel.CreatedBy,
			rel.EstablishedDate, rel.ActivatedAt, rel.LastUpdated)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return apperr.Conflict("relationship %s already exists", rel.RelationshipID)
			}
			return apperr.FromContext(fmt.Errorf("insert relationship: %w", err))
		}
		for _, e := range rel.AuditTrail {
			if err := r.insertTrail(ctx, rel.RelationshipID, e); err != nil {
				return apperr.FromContext(fmt.Errorf("insert relationship trail: %w", err))
			}
		}
		return nil
	})
}

func (r *repoPG) loadTrail(ctx context.Context, rels ...*Relationship) error {
	for _, rel := range rels {
		rows, err := r.conn(ctx).Query(ctx, `
			SELECT action, from_status, to_status, changed_by, justification, occurred_at
			FROM relationship_audit_trail WHERE relationship_id = $1 ORDER BY seq`, rel.RelationshipID)
		if err != nil {
			return apperr.FromContext(fmt.Errorf("query relationship trail: %w", err))
		}
		for rows.Next() {
			var e TrailEntry
			if err := rows.Scan(&e.Action, &e.FromStatus, &e.ToStatus, &e.ChangedBy, &e.Justification, &e.Timestamp); err != nil {
				rows.Close()
				return fmt.Errorf("scan relationship trail: %w", err)
			}
			rel.AuditTrail = append(rel.AuditTrail, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperr.FromContext(err)
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Relationship, error) {
	rel, err := r.scanRelationship(r.conn(ctx).QueryRow(ctx, `SELECT `+relCols+` FROM relationships WHERE relationship_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("relationship %s", id)
	}
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("get relationship: %w", err))
	}
	if err := r.loadTrail(ctx, rel); err != nil {
		return nil, err
	}
	return rel, nil
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Relationship, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("list relationships: %w", err))
	}
	var out []*Relationship
	for rows.Next() {
		rel, err := r.scanRelationship(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, rel)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.FromContext(err)
	}
	if err := r.loadTrail(ctx, out...); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string) ([]*Relationship, error) {
	return r.query(ctx, `SELECT `+relCols+` FROM relationships WHERE patient_id = $1
		ORDER BY established_date, relationship_id`, patientID)
}

func (r *repoPG) ListByPair(ctx context.Context, relatedPersonID, patientID string) ([]*Relationship, error) {
	return r.query(ctx, `SELECT `+relCols+` FROM relationships WHERE related_person_id = $1 AND patient_id = $2
		ORDER BY established_date, relationship_id`, relatedPersonID, patientID)
}

func (r *repoPG) UpdateStatus(ctx context.Context, id string, from Status, entry TrailEntry, activatedAt *time.Time) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE relationships SET status = $3, last_updated = $4, activated_at = COALESCE($5, activated_at)
			WHERE relationship_id = $1 AND status = $2`,
			id, string(from), string(entry.ToStatus), entry.Timestamp, activatedAt)
		if err != nil {
			return apperr.FromContext(fmt.Errorf("update relationship status: %w", err))
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM relationships WHERE relationship_id = $1)`, id).Scan(&exists); err != nil {
				return apperr.FromContext(fmt.Errorf("check relationship: %w", err))
			}
			if !exists {
				return apperr.NotFound("relationship %s", id)
			}
			return apperr.Conflict("relationship %s is no longer %s", id, from)
		}
		if err := r.insertTrail(ctx, id, entry); err != nil {
			return apperr.FromContext(fmt.Errorf("insert relationship trail: %w", err))
		}
		return nil
	})
}

func (r *repoPG) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM relationships`).Scan(&n); err != nil {
		return 0, apperr.FromContext(fmt.Errorf("count relationships: %w", err))
	}
	return n, nil
}

const arCols = `request_id, relationship_id, patient_id, requested_by, access_type,
	resource_requested, justification, phi_requested, status, created_at`

func scanAccessRequest(row pgx.Row) (*AccessRequest, error) {
	var ar AccessRequest
	err := row.Scan(&ar.RequestID, &ar.RelationshipID, &ar.PatientID, &ar.RequestedBy, &ar.AccessType,
		&ar.ResourceRequested, &ar.Justification, &ar.PHIRequested, &ar.Status, &ar.CreatedAt)
	return &ar, err
}

func (r *repoPG) CreateAccessRequest(ctx context.Context, ar *AccessRequest) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO access_requests (`+arCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ar.RequestID, ar.RelationshipID, ar.PatientID, ar.RequestedBy, string(ar.AccessType),
		ar.ResourceRequested, ar.Justification, ar.PHIRequested, ar.Status, ar.CreatedAt)
	if err != nil {
		return apperr.FromContext(fmt.Errorf("insert access request: %w", err))
	}
	return nil
}

func (r *repoPG) GetAccessRequest(ctx context.Context, id string) (*AccessRequest, error) {
	ar, err := scanAccessRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+arCols+` FROM access_requests WHERE request_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("access request %s", id)
	}
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("get access request: %w", err))
	}
	return ar, nil
}

func (r *repoPG) ListAccessRequests(ctx context.Context, relationshipID string) ([]*AccessRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+arCols+` FROM access_requests WHERE relationship_id = $1
		ORDER BY created_at, request_id`, relationshipID)
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("list access requests: %w", err))
	}
	defer rows.Close()
	var out []*AccessRequest
	for rows.Next() {
		ar, err := scanAccessRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access request: %w", err)
		}
		out = append(out, ar)
	}
	return out, apperr.FromContext(rows.Err())
}
