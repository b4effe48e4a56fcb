package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/phiaccess/internal/platform/apperr"
)

// Period is the length of a compliance report window.
type Period string

const (
	PeriodHourly Period = "hourly"
	PeriodDaily  Period = "daily"
	PeriodWeekly Period = "weekly"
)

// ParsePeriod accepts hourly, daily or weekly. Empty means daily.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return PeriodDaily, nil
	case PeriodHourly, PeriodDaily, PeriodWeekly:
		return Period(s), nil
	}
	return "", apperr.Validation("report period must be hourly, daily or weekly, got %q", s)
}

func (p Period) Duration() time.Duration {
	switch p {
	case PeriodHourly:
		return time.Hour
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// reportNamespace scopes name-based report ids.
var reportNamespace = uuid.MustParse("5b0c6f1e-8d0b-4c53-9a51-0f6c5c0b7f3a")

// Finding kinds.
const (
	FindingComplianceViolation = "compliance_violation"
	FindingMissedReview        = "missed_review"
	FindingHighRiskAccess      = "high_risk_access"
)

// Penalties weight the compliance score.
type Penalties struct {
	Violation     int
	HighRisk      int
	MissedReview  int
	RiskThreshold int
}

// DefaultPenalties returns the stock scoring weights.
func DefaultPenalties() Penalties {
	return Penalties{Violation: 10, HighRisk: 5, MissedReview: 15, RiskThreshold: 70}
}

// Finding is one flagged condition inside a report window.
type Finding struct {
	Kind        string    `json:"kind"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	AuditID     string    `json:"audit_id,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	Count       int       `json:"count,omitempty"`
}

// Report is a compliance summary over [WindowStart, WindowEnd).
type Report struct {
	ReportID         string         `json:"report_id"`
	GeneratedAt      time.Time      `json:"generated_at"`
	ReportPeriod     Period         `json:"report_period"`
	WindowStart      time.Time      `json:"window_start"`
	WindowEnd        time.Time      `json:"window_end"`
	TotalEvents      int            `json:"total_events"`
	TotalAccesses    int            `json:"total_accesses"`
	GrantedAccesses  int            `json:"granted_accesses"`
	DeniedAccesses   int            `json:"denied_accesses"`
	EventsByType     map[string]int `json:"events_by_type"`
	EventsByService  map[string]int `json:"events_by_service"`
	EventsBySeverity map[string]int `json:"events_by_severity"`
	AccessesByLevel  map[string]int `json:"accesses_by_level"`
	PHIAccessEvents  int            `json:"phi_access_events"`
	SecurityEvents   int            `json:"security_events"`
	ComplianceScore  int            `json:"compliance_score"`
	ViolationCount   int            `json:"violation_count"`
	HighRiskAccesses int            `json:"high_risk_accesses"`
	MissedReviews    int            `json:"missed_reviews"`
	AuditFindings    []Finding      `json:"audit_findings"`
	Recommendations  []string       `json:"recommendations"`
}

// ComplianceScore is 100 minus the weighted penalties, floored at 0.
func ComplianceScore(p Penalties, violations, highRisk, missedReviews int) int {
	score := 100 - (p.Violation*violations + p.HighRisk*highRisk + p.MissedReview*missedReviews)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ReportWindow returns [end-period, end) with end truncated to the second.
func ReportWindow(period Period, end time.Time) (time.Time, time.Time) {
	end = end.UTC().Truncate(time.Second)
	return end.Add(-period.Duration()), end
}

// ReportID is stable for a given period and window.
func ReportID(period Period, start, end time.Time) string {
	name := fmt.Sprintf("%s|%d|%d", period, start.Unix(), end.Unix())
	return uuid.NewSHA1(reportNamespace, []byte(name)).String()
}

// BuildReport aggregates entries into a report for [start, end). entries
// must cover [start-lookback, end) so that reviews opened before the window
// and due inside it are seen.
func BuildReport(period Period, start, end time.Time, entries []*Entry, p Penalties) *Report {
	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	sortOldestFirst(sorted)

	r := &Report{
		ReportID:         ReportID(period, start, end),
		GeneratedAt:      end,
		ReportPeriod:     period,
		WindowStart:      start,
		WindowEnd:        end,
		EventsByType:     make(map[string]int),
		EventsByService:  make(map[string]int),
		EventsBySeverity: make(map[string]int),
		AccessesByLevel:  make(map[string]int),
		AuditFindings:    []Finding{},
		Recommendations:  []string{},
	}

	var highRiskFirst time.Time
	for _, e := range sorted {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		r.TotalEvents++
		r.EventsByType[e.EventType]++
		r.EventsByService[e.Service]++
		r.EventsBySeverity[e.Severity]++
		if e.PHIAccessed {
			r.PHIAccessEvents++
		}
		if e.EventType == EventSecurity || e.ComplianceViolation {
			r.SecurityEvents++
		}
		if e.EventType == EventAccessDecision {
			r.TotalAccesses++
			if e.EmergencyLevel != "" {
				r.AccessesByLevel[e.EmergencyLevel]++
			}
			switch e.Action {
			case ActionAccessGranted:
				r.GrantedAccesses++
			case ActionAccessDenied:
				r.DeniedAccesses++
			}
			if e.RiskScore >= p.RiskThreshold {
				if r.HighRiskAccesses == 0 {
					highRiskFirst = e.Timestamp
				}
				r.HighRiskAccesses++
			}
		}
		if e.ComplianceViolation {
			r.ViolationCount++
			r.AuditFindings = append(r.AuditFindings, Finding{
				Kind:        FindingComplianceViolation,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("%s by %s service flagged as a compliance violation (%s)", e.Action, e.Service, e.ComplianceStatus),
				AuditID:     e.AuditID,
				EntityID:    e.EntityID(),
				OccurredAt:  e.Timestamp,
			})
		}
	}

	for _, e := range missedReviews(sorted, start, end) {
		r.MissedReviews++
		r.AuditFindings = append(r.AuditFindings, Finding{
			Kind:        FindingMissedReview,
			Severity:    SeverityError,
			Description: fmt.Sprintf("%s required review by %s but no review was recorded", e.Action, e.Deadline().Format(time.RFC3339)),
			AuditID:     e.AuditID,
			EntityID:    e.EntityID(),
			OccurredAt:  e.Deadline(),
		})
	}

	if r.HighRiskAccesses > 0 {
		r.AuditFindings = append(r.AuditFindings, Finding{
			Kind:        FindingHighRiskAccess,
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("%d access decisions scored at or above risk %d", r.HighRiskAccesses, p.RiskThreshold),
			OccurredAt:  highRiskFirst,
			Count:       r.HighRiskAccesses,
		})
	}

	sort.SliceStable(r.AuditFindings, func(i, j int) bool {
		a, b := r.AuditFindings[i], r.AuditFindings[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.AuditID < b.AuditID
	})

	r.ComplianceScore = ComplianceScore(p, r.ViolationCount, r.HighRiskAccesses, r.MissedReviews)
	r.Recommendations = recommendations(r)
	return r
}

// missedReviews returns review-required entries whose deadline falls inside
// [start, end) with no resolving entry for the same entity before end. Each
// missed review is counted in exactly one window.
func missedReviews(sorted []*Entry, start, end time.Time) []*Entry {
	var missed []*Entry
	for i, e := range sorted {
		if !e.ReviewRequired || !e.Timestamp.Before(end) {
			continue
		}
		deadline := e.Deadline()
		if deadline.Before(start) || !deadline.Before(end) {
			continue
		}
		id := e.EntityID()
		resolved := false
		for _, later := range sorted[i+1:] {
			if !later.Timestamp.Before(end) {
				break
			}
			if id != "" && later.EntityID() == id && later.resolves() {
				resolved = true
				break
			}
		}
		if !resolved {
			missed = append(missed, e)
		}
	}
	return missed
}

func recommendations(r *Report) []string {
	out := []string{}
	if r.ViolationCount > 0 {
		out = append(out, fmt.Sprintf("Investigate %d compliance violation(s) and document corrective action.", r.ViolationCount))
	}
	if r.MissedReviews > 0 {
		out = append(out, fmt.Sprintf("Complete %d overdue supervisor review(s); escalate reviewers who missed the window.", r.MissedReviews))
	}
	if r.HighRiskAccesses > 0 {
		out = append(out, "Review high-risk emergency access patterns and confirm each was clinically justified.")
	}
	if r.TotalAccesses > 0 && r.DeniedAccesses*2 > r.TotalAccesses {
		out = append(out, "More than half of access requests were denied; retrain staff on emergency access justification requirements.")
	}
	if len(out) == 0 {
		out = append(out, "No action required.")
	}
	return out
}
