package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/db"
	"github.com/ehr/phiaccess/pkg/pagination"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by the audit_entries table.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

const entryCols = `audit_id, service, event_type, action, description, severity,
	request_id, relationship_id, patient_id, user_id, access_type, emergency_level,
	compliance_status, resource_accessed, justification, occurred_at, client_ip, user_agent,
	phi_accessed, data_sensitivity, compliance_violation, risk_score, review_required,
	review_deadline, retention_policy`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.AuditID, &e.Service, &e.EventType, &e.Action, &e.Description, &e.Severity,
		&e.RequestID, &e.RelationshipID, &e.PatientID, &e.UserID, &e.AccessType, &e.EmergencyLevel,
		&e.ComplianceStatus, &e.ResourceAccessed, &e.Justification, &e.Timestamp, &e.ClientIP, &e.UserAgent,
		&e.PHIAccessed, &e.DataSensitivity, &e.ComplianceViolation, &e.RiskScore, &e.ReviewRequired,
		&e.ReviewDeadline, &e.RetentionPolicy)
	if err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.ReviewDeadline != nil {
		d := e.ReviewDeadline.UTC()
		e.ReviewDeadline = &d
	}
	return &e, nil
}

func (r *storePG) Append(ctx context.Context, e *Entry) error {
	_, err := db.QuerierFrom(ctx, r.pool).Exec(ctx, `
		INSERT INTO audit_entries (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		e.AuditID, e.Service, e.EventType, e.Action, e.Description, e.Severity,
		e.RequestID, e.RelationshipID, e.PatientID, e.UserID, e.AccessType, e.EmergencyLevel,
		e.ComplianceStatus, e.ResourceAccessed, e.Justification, e.Timestamp, e.ClientIP, e.UserAgent,
		e.PHIAccessed, e.DataSensitivity, e.ComplianceViolation, e.RiskScore, e.ReviewRequired,
		e.ReviewDeadline, e.RetentionPolicy)
	if err != nil {
		return apperr.FromContext(fmt.Errorf("append audit entry: %w", err))
	}
	return nil
}

// whereClause renders f as a parameterized conjunction.
func whereClause(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	eq := func(col, val string) {
		if val != "" {
			args = append(args, val)
			conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	eq("service", f.Service)
	eq("event_type", f.EventType)
	eq("action", f.Action)
	eq("user_id", f.UserID)
	eq("severity", f.Severity)
	eq("request_id", f.RequestID)
	eq("relationship_id", f.RelationshipID)
	eq("patient_id", f.PatientID)
	if f.PHIOnly {
		conds = append(conds, "phi_accessed")
	}
	if f.Start != nil {
		args = append(args, *f.Start)
		conds = append(conds, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if f.End != nil {
		args = append(args, *f.End)
		conds = append(conds, fmt.Sprintf("occurred_at < $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *storePG) Query(ctx context.Context, f Filter) ([]*Entry, int, int, error) {
	q := db.QuerierFrom(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&total); err != nil {
		return nil, 0, 0, apperr.FromContext(fmt.Errorf("count audit entries: %w", err))
	}

	where, args := whereClause(f)
	var filtered int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&filtered); err != nil {
		return nil, 0, 0, apperr.FromContext(fmt.Errorf("count filtered audit entries: %w", err))
	}

	p := pagination.Normalize(f.Limit, f.Offset, pagination.AuditDefaultLimit, pagination.AuditMaxLimit)
	args = append(args, p.Limit, p.Offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM audit_entries%s
		ORDER BY occurred_at DESC, audit_id DESC LIMIT $%d OFFSET $%d`, entryCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, 0, apperr.FromContext(fmt.Errorf("query audit entries: %w", err))
	}
	defer rows.Close()
	entries := make([]*Entry, 0, p.Limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, apperr.FromContext(err)
	}
	return entries, filtered, total, nil
}

func (r *storePG) Range(ctx context.Context, from, to time.Time) ([]*Entry, error) {
	rows, err := db.QuerierFrom(ctx, r.pool).Query(ctx, `SELECT `+entryCols+` FROM audit_entries
		WHERE occurred_at >= $1 AND occurred_at < $2 ORDER BY occurred_at ASC, audit_id ASC`, from, to)
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("range audit entries: %w", err))
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, apperr.FromContext(rows.Err())
}

func (r *storePG) Stats(ctx context.Context) (*Stats, error) {
	q := db.QuerierFrom(ctx, r.pool)
	st := newStats()
	err := q.QueryRow(ctx, `SELECT COUNT(*),
			COUNT(*) FILTER (WHERE phi_accessed),
			COUNT(*) FILTER (WHERE compliance_violation),
			COUNT(*) FILTER (WHERE review_required)
		FROM audit_entries`).Scan(&st.TotalEntries, &st.PHIAccessEvents, &st.ComplianceViolations, &st.ReviewRequired)
	if err != nil {
		return nil, apperr.FromContext(fmt.Errorf("audit stats: %w", err))
	}

	groups := []struct {
		col string
		dst map[string]int
	}{
		{"action", st.ByAction},
		{"service", st.ByService},
		{"severity", st.BySeverity},
		{"retention_policy", st.ByRetentionPolicy},
	}
	for _, g := range groups {
		if err := groupCount(ctx, q, g.col, g.dst); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func groupCount(ctx context.Context, q db.Querier, col string, dst map[string]int) error {
	rows, err := q.Query(ctx, `SELECT `+col+`, COUNT(*) FROM audit_entries GROUP BY `+col)
	if err != nil {
		return apperr.FromContext(fmt.Errorf("audit stats by %s: %w", col, err))
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan audit stats by %s: %w", col, err)
		}
		dst[key] = n
	}
	return apperr.FromContext(rows.Err())
}
