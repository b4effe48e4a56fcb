package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/cache"
	"github.com/ehr/phiaccess/internal/platform/metrics"
	"github.com/ehr/phiaccess/pkg/pagination"
)

// Recorder is the write side of the audit log used by the other domains.
type Recorder interface {
	Record(ctx context.Context, e *Entry) (*Entry, error)
}

const (
	// reviewLookback bounds how far before a report window review-required
	// entries are scanned for deadlines falling inside it.
	reviewLookback = 24 * time.Hour
	alertWindow    = 24 * time.Hour
	reportCacheTTL = 24 * time.Hour
)

// Options carries the optional collaborators of Service.
type Options struct {
	Cache     cache.ReportCache
	Metrics   *metrics.Collector
	Penalties *Penalties
	Now       func() time.Time
}

// Service provides the audit log, compliance reports and alerting.
type Service struct {
	store     Store
	cache     cache.ReportCache
	metrics   *metrics.Collector
	penalties Penalties
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates a new audit service over store.
func NewService(store Store, logger zerolog.Logger, opts Options) *Service {
	s := &Service{
		store:     store,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		penalties: DefaultPenalties(),
		logger:    logger.With().Str("component", "audit").Logger(),
		now:       opts.Now,
	}
	if s.cache == nil {
		s.cache = cache.NopReportCache{}
	}
	if opts.Penalties != nil {
		s.penalties = *opts.Penalties
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Record validates, normalizes and appends e. The stored entry is returned.
func (s *Service) Record(ctx context.Context, e *Entry) (*Entry, error) {
	if e == nil {
		return nil, apperr.InvalidAuditEntry("entry is required")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.normalize(s.now().UTC())
	if err := s.store.Append(ctx, e); err != nil {
		s.metrics.RecordDependencyFailure("audit_store")
		s.logger.Error().Err(err).Str("audit_id", e.AuditID).Str("action", e.Action).Msg("audit append failed")
		return nil, apperr.FromContext(err)
	}
	s.metrics.RecordAuditEvent(e.Service, e.Action, e.ComplianceViolation)

	ev := s.logger.Info()
	if e.ComplianceViolation || e.Severity == SeverityCritical {
		ev = s.logger.Warn()
	}
	ev.Str("audit_id", e.AuditID).
		Str("service", e.Service).
		Str("action", e.Action).
		Str("entity_id", e.EntityID()).
		Str("user_id", e.UserID).
		Bool("phi_accessed", e.PHIAccessed).
		Bool("compliance_violation", e.ComplianceViolation).
		Int("risk_score", e.RiskScore).
		Msg("audit entry recorded")
	return e, nil
}

// Query returns one page of entries matching f.
func (s *Service) Query(ctx context.Context, f Filter) (*QueryResult, error) {
	entries, filtered, total, err := s.store.Query(ctx, f)
	if err != nil {
		return nil, apperr.FromContext(err)
	}
	if entries == nil {
		entries = []*Entry{}
	}
	p := pagination.Normalize(f.Limit, f.Offset, pagination.AuditDefaultLimit, pagination.AuditMaxLimit)
	return &QueryResult{Entries: entries, Total: total, Filtered: filtered, Limit: p.Limit, Offset: p.Offset}, nil
}

// GenerateReport builds the report for the window ending at end. A zero end
// means the report runs up to now inclusive. Reports for closed windows are served from the cache when one
// is configured.
func (s *Service) GenerateReport(ctx context.Context, period Period, end time.Time) (*Report, error) {
	now := s.now().UTC()
	if end.IsZero() {
		// Round up so entries logged earlier in the current second are inside
		// the half-open window. Such a window is still open and never cached.
		end = now.Truncate(time.Second).Add(time.Second)
	}
	start, end := ReportWindow(period, end)
	key := fmt.Sprintf("%s:%d:%d", period, start.Unix(), end.Unix())
	closed := !end.After(now)

	if closed {
		if raw, ok, err := s.cache.Get(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("report_key", key).Msg("report cache read failed")
		} else if ok {
			var cached Report
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	entries, err := s.store.Range(ctx, start.Add(-reviewLookback), end)
	if err != nil {
		s.metrics.RecordDependencyFailure("audit_store")
		return nil, apperr.FromContext(err)
	}
	r := BuildReport(period, start, end, entries, s.penalties)
	s.metrics.SetComplianceScore(string(period), r.ComplianceScore)

	if closed {
		if raw, err := json.Marshal(r); err == nil {
			if err := s.cache.Set(ctx, key, raw, reportCacheTTL); err != nil {
				s.logger.Warn().Err(err).Str("report_key", key).Msg("report cache write failed")
			}
		}
	}

	s.logger.Info().
		Str("report_id", r.ReportID).
		Str("period", string(period)).
		Int("total_events", r.TotalEvents).
		Int("compliance_score", r.ComplianceScore).
		Int("findings", len(r.AuditFindings)).
		Msg("compliance report generated")
	return r, nil
}

// ExportReport writes the report for the window ending at end as XLSX.
func (s *Service) ExportReport(ctx context.Context, period Period, end time.Time, w io.Writer) (*Report, error) {
	r, err := s.GenerateReport(ctx, period, end)
	if err != nil {
		return nil, err
	}
	if err := WriteReportXLSX(r, w); err != nil {
		return nil, fmt.Errorf("export report %s: %w", r.ReportID, err)
	}
	return r, nil
}

// Alert kinds.
const (
	AlertComplianceViolation = "compliance_violation"
	AlertOverdueReview       = "overdue_review"
	AlertPendingReview       = "pending_review"
)

// Alert is an unresolved condition from the alert window.
type Alert struct {
	AuditID        string    `json:"audit_id"`
	Kind           string    `json:"kind"`
	Severity       string    `json:"severity"`
	Service        string    `json:"service"`
	Action         string    `json:"action"`
	EntityID       string    `json:"entity_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	EmergencyLevel string    `json:"emergency_level,omitempty"`
	RiskScore      int       `json:"risk_score"`
	Timestamp      time.Time `json:"timestamp"`
	ReviewDeadline time.Time `json:"review_deadline"`
}

// Alerts lists active alerts with counts.
type Alerts struct {
	Alerts      []Alert        `json:"alerts"`
	Total       int            `json:"total"`
	BySeverity  map[string]int `json:"by_severity"`
	ByKind      map[string]int `json:"by_kind"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
}

// ActiveAlerts returns violations and unresolved reviews from the last 24h.
func (s *Service) ActiveAlerts(ctx context.Context) (*Alerts, error) {
	now := s.now().UTC()
	from := now.Add(-alertWindow)
	entries, err := s.store.Range(ctx, from, now.Add(time.Nanosecond))
	if err != nil {
		return nil, apperr.FromContext(err)
	}
	return buildAlerts(entries, from, now), nil
}

func buildAlerts(sorted []*Entry, from, now time.Time) *Alerts {
	out := &Alerts{
		Alerts:      []Alert{},
		BySeverity:  make(map[string]int),
		ByKind:      make(map[string]int),
		WindowStart: from,
		WindowEnd:   now,
	}
	resolvedAfter := make(map[string]time.Time)
	for _, e := range sorted {
		if e.resolves() && e.EntityID() != "" {
			resolvedAfter[e.EntityID()] = e.Timestamp
		}
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		e := sorted[i]
		if !e.ComplianceViolation && !e.ReviewRequired {
			continue
		}
		a := Alert{
			AuditID:        e.AuditID,
			Service:        e.Service,
			Action:         e.Action,
			EntityID:       e.EntityID(),
			UserID:         e.UserID,
			EmergencyLevel: e.EmergencyLevel,
			RiskScore:      e.RiskScore,
			Timestamp:      e.Timestamp,
			ReviewDeadline: e.Deadline(),
		}
		switch {
		case e.ComplianceViolation:
			a.Kind, a.Severity = AlertComplianceViolation, SeverityCritical
		default:
			if last, ok := resolvedAfter[a.EntityID]; ok && last.After(e.Timestamp) {
				continue
			}
			if now.After(a.ReviewDeadline) {
				a.Kind, a.Severity = AlertOverdueReview, SeverityError
			} else {
				a.Kind, a.Severity = AlertPendingReview, SeverityWarning
			}
		}
		out.Alerts = append(out.Alerts, a)
		out.BySeverity[a.Severity]++
		out.ByKind[a.Kind]++
	}
	out.Total = len(out.Alerts)
	return out
}

// Stats returns aggregate counts over the whole log.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, apperr.FromContext(err)
	}
	return st, nil
}
