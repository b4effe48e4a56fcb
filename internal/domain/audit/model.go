package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/hipaa"
)

// Services that write to the log.
const (
	ServiceEmergencyAccess = "emergency_access"
	ServiceRelationships   = "relationship_directory"
)

// Event types group actions for querying and reporting.
const (
	EventAccessDecision     = "access_decision"
	EventSessionLifecycle   = "session_lifecycle"
	EventRelationshipChange = "relationship_change"
	EventAccessRequest      = "access_request"
	EventSecurity           = "security"
)

// Controlled action vocabulary.
const (
	ActionRelationshipCreated  = "RELATIONSHIP_CREATED"
	ActionStatusChanged        = "STATUS_CHANGED"
	ActionAccessRequestCreated = "ACCESS_REQUEST_CREATED"
	ActionAccessRequestDenied  = "ACCESS_REQUEST_DENIED"
	ActionAccessGranted        = "access_granted"
	ActionAccessDenied         = "access_denied"
	ActionAccessRevoked        = "access_revoked"
	ActionAccessReviewed       = "access_reviewed"
	ActionAccessExpired        = "access_expired"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

const (
	SensitivityLow      = "low"
	SensitivityMedium   = "medium"
	SensitivityHigh     = "high"
	SensitivityCritical = "critical"
)

// DefaultReviewWindow is the deadline applied to review-required entries that
// arrive without one.
const DefaultReviewWindow = 4 * time.Hour

var (
	validSeverities    = map[string]bool{SeverityInfo: true, SeverityWarning: true, SeverityError: true, SeverityCritical: true}
	validSensitivities = map[string]bool{SensitivityLow: true, SensitivityMedium: true, SensitivityHigh: true, SensitivityCritical: true}
)

// Entry is one immutable row of the audit log.
type Entry struct {
	AuditID             string     `json:"audit_id"`
	Service             string     `json:"service"`
	EventType           string     `json:"event_type"`
	Action              string     `json:"action"`
	Description         string     `json:"description"`
	Severity            string     `json:"severity"`
	RequestID           string     `json:"request_id,omitempty"`
	RelationshipID      string     `json:"relationship_id,omitempty"`
	PatientID           string     `json:"patient_id,omitempty"`
	UserID              string     `json:"user_id,omitempty"`
	AccessType          string     `json:"access_type,omitempty"`
	EmergencyLevel      string     `json:"emergency_level,omitempty"`
	ComplianceStatus    string     `json:"compliance_status,omitempty"`
	ResourceAccessed    string     `json:"resource_accessed,omitempty"`
	Justification       string     `json:"justification,omitempty"`
	Timestamp           time.Time  `json:"timestamp"`
	ClientIP            string     `json:"client_ip,omitempty"`
	UserAgent           string     `json:"user_agent,omitempty"`
	PHIAccessed         bool       `json:"phi_accessed"`
	DataSensitivity     string     `json:"data_sensitivity"`
	ComplianceViolation bool       `json:"compliance_violation"`
	RiskScore           int        `json:"risk_score"`
	ReviewRequired      bool       `json:"review_required"`
	ReviewDeadline      *time.Time `json:"review_deadline,omitempty"`
	RetentionPolicy     string     `json:"retention_policy"`
}

// EntityID is the id of the session or relationship the entry is about.
func (e *Entry) EntityID() string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return e.RelationshipID
}

// Deadline returns the review deadline, defaulting for review-required
// entries that carry none.
func (e *Entry) Deadline() time.Time {
	if e.ReviewDeadline != nil {
		return *e.ReviewDeadline
	}
	return e.Timestamp.Add(DefaultReviewWindow)
}

// resolves reports whether e closes an open review for its entity.
func (e *Entry) resolves() bool {
	switch e.Action {
	case ActionAccessReviewed, ActionAccessRevoked, ActionStatusChanged:
		return true
	}
	return false
}

// Validate rejects malformed entries with ErrInvalidAuditEntry.
func (e *Entry) Validate() error {
	if strings.TrimSpace(e.Action) == "" {
		return apperr.InvalidAuditEntry("action is required")
	}
	if strings.TrimSpace(e.Service) == "" {
		return apperr.InvalidAuditEntry("service is required")
	}
	if strings.TrimSpace(e.Description) == "" {
		return apperr.InvalidAuditEntry("description is required")
	}
	if e.Severity != "" && !validSeverities[e.Severity] {
		return apperr.InvalidAuditEntry("unknown severity %q", e.Severity)
	}
	if e.DataSensitivity != "" && !validSensitivities[e.DataSensitivity] {
		return apperr.InvalidAuditEntry("unknown data_sensitivity %q", e.DataSensitivity)
	}
	if e.RiskScore < 0 || e.RiskScore > 100 {
		return apperr.InvalidAuditEntry("risk_score must be within 0..100, got %d", e.RiskScore)
	}
	return nil
}

// normalize fills defaults and derived fields. Retention is always recomputed
// from PHIAccessed.
func (e *Entry) normalize(now time.Time) {
	if e.AuditID == "" {
		e.AuditID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.DataSensitivity == "" {
		e.DataSensitivity = SensitivityLow
	}
	if e.PHIAccessed && (e.DataSensitivity == SensitivityLow || e.DataSensitivity == SensitivityMedium) {
		e.DataSensitivity = SensitivityHigh
	}
	if e.ComplianceViolation {
		e.ReviewRequired = true
	}
	if e.ReviewRequired && e.ReviewDeadline == nil {
		d := e.Timestamp.Add(DefaultReviewWindow)
		e.ReviewDeadline = &d
	}
	if e.ReviewDeadline != nil {
		d := e.ReviewDeadline.UTC()
		e.ReviewDeadline = &d
	}
	e.RetentionPolicy = hipaa.PolicyFor(e.PHIAccessed)
}

// Source identifies where an audited request came from.
type Source struct {
	ClientIP  string
	UserAgent string
}

// Apply copies the source onto e.
func (s Source) Apply(e *Entry) *Entry {
	e.ClientIP = s.ClientIP
	e.UserAgent = s.UserAgent
	return e
}

// Filter is a conjunction of optional predicates over entries.
type Filter struct {
	Service        string     `json:"service,omitempty"`
	EventType      string     `json:"event_type,omitempty"`
	Action         string     `json:"action,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Severity       string     `json:"severity,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
	RelationshipID string     `json:"relationship_id,omitempty"`
	PatientID      string     `json:"patient_id,omitempty"`
	PHIOnly        bool       `json:"phi_only,omitempty"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
	Limit          int        `json:"limit"`
	Offset         int        `json:"offset"`
}

// Matches reports whether e satisfies every set predicate. Start is
// inclusive, End exclusive.
func (f Filter) Matches(e *Entry) bool {
	if f.Service != "" && e.Service != f.Service {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if f.RelationshipID != "" && e.RelationshipID != f.RelationshipID {
		return false
	}
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.PHIOnly && !e.PHIAccessed {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && !e.Timestamp.Before(*f.End) {
		return false
	}
	return true
}

// QueryResult is one page of a filtered query. Total counts the whole log,
// Filtered counts entries matching the filter.
type QueryResult struct {
	Entries  []*Entry `json:"entries"`
	Total    int      `json:"total"`
	Filtered int      `json:"filtered"`
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
}

// Stats are aggregate counts over the whole log. They carry no identifiers.
type Stats struct {
	TotalEntries         int            `json:"total_entries"`
	PHIAccessEvents      int            `json:"phi_access_events"`
	ComplianceViolations int            `json:"compliance_violations"`
	ReviewRequired       int            `json:"review_required"`
	ByAction             map[string]int `json:"by_action"`
	ByService            map[string]int `json:"by_service"`
	BySeverity           map[string]int `json:"by_severity"`
	ByRetentionPolicy    map[string]int `json:"by_retention_policy"`
}

func newStats() *Stats {
	return &Stats{
		ByAction:          make(map[string]int),
		ByService:         make(map[string]int),
		BySeverity:        make(map[string]int),
		ByRetentionPolicy: make(map[string]int),
	}
}

func (s *Stats) add(e *Entry) {
	s.TotalEntries++
	if e.PHIAccessed {
		s.PHIAccessEvents++
	}
	if e.ComplianceViolation {
		s.ComplianceViolations++
	}
	if e.ReviewRequired {
		s.ReviewRequired++
	}
	s.ByAction[e.Action]++
	s.ByService[e.Service]++
	s.BySeverity[e.Severity]++
	s.ByRetentionPolicy[e.RetentionPolicy]++
}
