// Package policy decides emergency access requests. Decide is a pure function
// of the request and the facts gathered for it; Engine gathers those facts
// (rate window, relationship oracle, PHI classification) and calls Decide.
package policy

import (
	"strings"
	"time"

	"github.com/ehr/phiaccess/internal/domain/audit"
	"github.com/ehr/phiaccess/internal/platform/apperr"
)

// AccessType is the kind of emergency access being requested.
type AccessType string

const (
	AccessCrisisIntervention   AccessType = "crisis_intervention"
	AccessMedicalEmergency     AccessType = "medical_emergency"
	AccessSafetyOverride       AccessType = "safety_override"
	AccessTherapeuticUrgent    AccessType = "therapeutic_urgent"
	AccessRelationshipOverride AccessType = "relationship_override"
	AccessSystemMaintenance    AccessType = "system_maintenance"
	AccessComplianceAudit      AccessType = "compliance_audit"
)

// AllAccessTypes lists every access type a request may name.
var AllAccessTypes = []AccessType{
	AccessCrisisIntervention, AccessMedicalEmergency, AccessSafetyOverride, AccessTherapeuticUrgent,
	AccessRelationshipOverride, AccessSystemMaintenance, AccessComplianceAudit,
}

// ParseAccessType returns the AccessType named s or a validation error.
func ParseAccessType(s string) (AccessType, error) {
	for _, t := range AllAccessTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", apperr.Validation("unknown access_type %q", s)
}

// strict access types need a longer justification.
func (t AccessType) strict() bool {
	switch t {
	case AccessCrisisIntervention, AccessMedicalEmergency, AccessSafetyOverride, AccessRelationshipOverride:
		return true
	}
	return false
}

// directPHI access types reach clinical data by their nature.
func (t AccessType) directPHI() bool {
	return t == AccessCrisisIntervention || t == AccessMedicalEmergency
}

// Level is the urgency of an emergency request, ordered low < moderate < high < critical.
type Level string

const (
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// AllLevels lists the emergency levels from least to most urgent.
var AllLevels = []Level{LevelLow, LevelModerate, LevelHigh, LevelCritical}

// ParseLevel returns the Level named s or a validation error.
func ParseLevel(s string) (Level, error) {
	for _, l := range AllLevels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", apperr.Validation("unknown emergency_level %q", s)
}

// Rank orders levels; unknown levels rank below low.
func (l Level) Rank() int {
	for i, v := range AllLevels {
		if v == l {
			return i
		}
	}
	return -1
}

// TTL is the session lifetime granted at this level.
func (l Level) TTL() time.Duration {
	switch l {
	case LevelCritical:
		return 4 * time.Hour
	case LevelHigh:
		return 2 * time.Hour
	case LevelModerate:
		return 4 * time.Hour
	default:
		return 30 * time.Minute
	}
}

// ReviewWindow is how soon a supervisor must review a grant at this level.
// Low-level grants need prior approval instead and return zero.
func (l Level) ReviewWindow() time.Duration {
	switch l {
	case LevelCritical:
		return time.Hour
	case LevelHigh:
		return 2 * time.Hour
	case LevelModerate:
		return 4 * time.Hour
	default:
		return 0
	}
}

// Sensitivity maps the level onto the audit data sensitivity scale.
func (l Level) Sensitivity() string {
	switch l {
	case LevelCritical:
		return audit.SensitivityCritical
	case LevelHigh:
		return audit.SensitivityHigh
	case LevelModerate:
		return audit.SensitivityMedium
	default:
		return audit.SensitivityLow
	}
}

// ComplianceStatus is the outcome label attached to every decision.
type ComplianceStatus string

const (
	StatusGrantedWithMonitoring       ComplianceStatus = "granted_with_monitoring"
	StatusRejectedInvalidRequest      ComplianceStatus = "rejected_invalid_request"
	StatusRejectedRelationshipRevoked ComplianceStatus = "rejected_relationship_revoked"
	StatusRejectedPolicyViolation     ComplianceStatus = "rejected_policy_violation"
	StatusRejectedRateLimited         ComplianceStatus = "rejected_rate_limited"
)

// Restriction tags.
const (
	RestrictFullAudit           = "full_audit_required"
	RestrictReview1h            = "requires_supervisor_review_within_1_hour"
	RestrictReview2h            = "requires_supervisor_review_within_2_hours"
	RestrictReview4h            = "requires_supervisor_review_within_4_hours"
	RestrictLimitedPHI          = "limited_phi_access"
	RestrictReadOnly            = "read_only_access"
	RestrictNoPHI               = "no_phi_access"
	RestrictSupervisorApproval  = "requires_supervisor_approval"
	RestrictNoRelationshipCheck = "no_relationship_validation"
	RestrictHighAuditScrutiny   = "high_audit_scrutiny"
)

// Request is an emergency access request as submitted.
type Request struct {
	RequestID        string     `json:"request_id,omitempty"`
	UserID           string     `json:"user_id"`
	AccessType       AccessType `json:"access_type"`
	EmergencyLevel   Level      `json:"emergency_level"`
	Justification    string     `json:"justification"`
	PatientID        string     `json:"patient_id,omitempty"`
	ResourceAccessed string     `json:"resource_accessed"`
	RequestedBy      string     `json:"requested_by"`
	SupervisorID     string     `json:"supervisor_id,omitempty"`
}

// Validate checks the request is well formed. Failures here are not policy
// decisions and are not audited.
func (r *Request) Validate() error {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"user_id", r.UserID},
		{"requested_by", r.RequestedBy},
		{"resource_accessed", r.ResourceAccessed},
		{"access_type", string(r.AccessType)},
		{"emergency_level", string(r.EmergencyLevel)},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return apperr.Validation("%s required", strings.Join(missing, ", "))
	}
	if _, err := ParseAccessType(string(r.AccessType)); err != nil {
		return err
	}
	if _, err := ParseLevel(string(r.EmergencyLevel)); err != nil {
		return err
	}
	return nil
}

// Decision is the outcome of evaluating a Request.
type Decision struct {
	Granted               bool             `json:"access_granted"`
	ComplianceStatus      ComplianceStatus `json:"compliance_status"`
	Reason                string           `json:"reason,omitempty"`
	Restrictions          []string         `json:"restrictions"`
	RiskScore             int              `json:"risk_score"`
	ReviewRequired        bool             `json:"review_required"`
	ReviewWindow          time.Duration    `json:"-"`
	TTL                   time.Duration    `json:"-"`
	RelationshipValidated bool             `json:"relationship_validated"`
	RelationshipID        string           `json:"relationship_id,omitempty"`
	PermissionLevel       string           `json:"permission_level"`
	PHIAccessed           bool             `json:"phi_accessed"`
	DataSensitivity       string           `json:"data_sensitivity"`
	ComplianceViolation   bool             `json:"compliance_violation"`
	NotifySupervisor      bool             `json:"-"`
}
