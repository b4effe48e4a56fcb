package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository over the emergency_sessions table.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const sessionCols = `request_id, user_id, requested_by, access_type, emergency_level, justification,
	patient_id, resource_accessed, supervisor_id, token_hash, restrictions, risk_score,
	relationship_validated, relationship_id, permission_level, phi_accessed, review_required,
	review_deadline, supervisor_notified, notification_degraded, compliance_status, audit_trail_id,
	created_at, expires_at, reviewed_at, reviewed_by, review_notes`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.RequestID, &s.UserID, &s.RequestedBy, &s.AccessType, &s.EmergencyLevel, &s.Justification,
		&s.PatientID, &s.ResourceAccessed, &s.SupervisorID, &s.TokenHash, &s.Restrictions, &s.RiskScore,
		&s.RelationshipValidated, &s.RelationshipID, &s.PermissionLevel, &s.PHIAccessed, &s.ReviewRequired,
		&s.ReviewDeadline, &s.SupervisorNotified, &s.NotificationDegraded, &s.ComplianceStatus, &s.AuditTrailID,
		&s.CreatedAt, &s.ExpiresAt, &s.ReviewedAt, &s.ReviewedBy, &s.ReviewNotes)
	if err != nil {
		return nil, err
	}
	if s.Restrictions == nil {
		s.Restrictions = []string{}
	}
	return &s, nil
}

func (r *repoPG) Create(ctx context.Context, s *Session) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO emergency_sessions (`+sessionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		s.RequestID, s.UserID, s.RequestedBy, string(s.AccessType), string(s.EmergencyLevel), s.Justification,
		s.PatientID, s.ResourceAccessed, s.SupervisorID, s.TokenHash, s.Restrictions, s.RiskScore,
		s.RelationshipValidated, s.RelationshipID, s.PermissionLevel, s.PHIAccessed, s.ReviewRequired,
		s.ReviewDeadline, s.SupervisorNotified, s.NotificationDegraded, string(s.ComplianceStatus), s.AuditTrailID,
		s.CreatedAt, s.ExpiresAt, s.ReviewedAt, s.ReviewedBy, s.ReviewNotes)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("emergency access request %s already exists", s.RequestID)
		}
		return apperr.FromContext(fmt.Errorf("insert emergency session: %w", err))
	}
	return nil
}

func (r *repoPG) getWhere(ctx context.Context, where string, arg interface{}, what string) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM emergency_sessions WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("%s", what)
	}
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("get emergency session: %w", err))
	}
	return s, nil
}

func (r *repoPG) Get(ctx context.Context, requestID string) (*Session, error) {
	return r.getWhere(ctx, "request_id = $1", requestID, "emergency access session "+requestID)
}

func (r *repoPG) GetByTokenHash(ctx context.Context, hash string) (*Session, error) {
	return r.getWhere(ctx, "token_hash = $1", hash, "emergency access token")
}

func (r *repoPG) Delete(ctx context.Context, requestID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM emergency_sessions WHERE request_id = $1`, requestID)
	if err != nil {
		return apperr.FromContext(fmt.Errorf("delete emergency session: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("emergency access session %s", requestID)
	}
	return nil
}

func (r *repoPG) MarkReviewed(ctx context.Context, requestID, reviewedBy, notes string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE emergency_sessions SET reviewed_at = $2, reviewed_by = $3, review_notes = $4
		WHERE request_id = $1 AND reviewed_at IS NULL`, requestID, at, reviewedBy, notes)
	if err != nil {
		return apperr.FromContext(fmt.Errorf("mark session reviewed: %w", err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, requestID); err != nil {
			return err
		}
		return apperr.Conflict("emergency access session %s already reviewed", requestID)
	}
	return nil
}

func (r *repoPG) MarkNotificationDegraded(ctx context.Context, requestID string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE emergency_sessions SET notification_degraded = TRUE WHERE request_id = $1`, requestID)
	if err != nil {
		return apperr.FromContext(fmt.Errorf("flag degraded notification: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("emergency access session %s", requestID)
	}
	return nil
}

func collect(rows pgx.Rows) ([]*Session, error) {
	defer rows.Close()
	out := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) ListActive(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+sessionCols+` FROM emergency_sessions
		WHERE expires_at > $1 ORDER BY created_at, request_id`, now)
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("list active sessions: %w", err))
	}
	out, err := collect(rows)
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("scan active sessions: %w", err))
	}
	return out, nil
}

func (r *repoPG) DeleteExpired(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		DELETE FROM emergency_sessions WHERE expires_at <= $1
		RETURNING `+sessionCols, now)
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("purge expired sessions: %w", err))
	}
	out, err := collect(rows)
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("scan purged sessions: %w", err))
	}
	sortByCreated(out)
	return out, nil
}

func (r *repoPG) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM emergency_sessions`).Scan(&n); err != nil {
		return 0, apperr.FromContext(fmt.Errorf("count sessions: %w", err))
	}
	return n, nil
}
