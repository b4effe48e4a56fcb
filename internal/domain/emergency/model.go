package emergency

import (
	"time"

	"github.com/ehr/phiaccess/internal/domain/policy"
)

// Session is a live emergency access grant. Revoked sessions are deleted, so
// a stored session is never revoked.
type Session struct {
	RequestID             string                  `json:"request_id"`
	UserID                string                  `json:"user_id"`
	RequestedBy           string                  `json:"requested_by"`
	AccessType            policy.AccessType       `json:"access_type"`
	EmergencyLevel        policy.Level            `json:"emergency_level"`
	Justification         string                  `json:"justification"`
	PatientID             string                  `json:"patient_id,omitempty"`
	ResourceAccessed      string                  `json:"resource_accessed"`
	SupervisorID          string                  `json:"supervisor_id,omitempty"`
	TokenHash             string                  `json:"-"`
	Restrictions          []string                `json:"restrictions"`
	RiskScore             int                     `json:"risk_score"`
	RelationshipValidated bool                    `json:"relationship_validated"`
	RelationshipID        string                  `json:"relationship_id,omitempty"`
	PermissionLevel       string                  `json:"permission_level"`
	PHIAccessed           bool                    `json:"phi_accessed"`
	ReviewRequired        bool                    `json:"review_required"`
	ReviewDeadline        *time.Time              `json:"review_deadline,omitempty"`
	SupervisorNotified    bool                    `json:"supervisor_notified"`
	NotificationDegraded  bool                    `json:"notification_degraded"`
	ComplianceStatus      policy.ComplianceStatus `json:"compliance_status"`
	AuditTrailID          string                  `json:"audit_trail_id"`
	CreatedAt             time.Time               `json:"created_at"`
	ExpiresAt             time.Time               `json:"expires_at"`
	ReviewedAt            *time.Time              `json:"reviewed_at,omitempty"`
	ReviewedBy            string                  `json:"reviewed_by,omitempty"`
	ReviewNotes           string                  `json:"review_notes,omitempty"`
}

// Active reports whether the session still confers access at now.
func (s *Session) Active(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Grant is the answer to an emergency access request, granted or not.
type Grant struct {
	RequestID             string                  `json:"request_id"`
	AccessGranted         bool                    `json:"access_granted"`
	AccessToken           string                  `json:"access_token,omitempty"`
	ExpiresAt             *time.Time              `json:"expires_at,omitempty"`
	Restrictions          []string                `json:"restrictions"`
	RiskScore             int                     `json:"risk_score"`
	ReviewRequired        bool                    `json:"review_required"`
	ReviewDeadline        *time.Time              `json:"review_deadline,omitempty"`
	RelationshipValidated bool                    `json:"relationship_validated"`
	PermissionLevel       string                  `json:"permission_level"`
	SupervisorNotified    bool                    `json:"supervisor_notified"`
	NotificationDegraded  bool                    `json:"notification_degraded"`
	ComplianceStatus      policy.ComplianceStatus `json:"compliance_status"`
	Reason                string                  `json:"reason,omitempty"`
	AuditTrailID          string                  `json:"audit_trail_id"`
}

// StatusView is what a status check reveals about a session.
type StatusView struct {
	RequestID        string       `json:"request_id"`
	Active           bool         `json:"active"`
	UserID           string       `json:"user_id"`
	PatientID        string       `json:"patient_id,omitempty"`
	EmergencyLevel   policy.Level `json:"emergency_level"`
	Restrictions     []string     `json:"restrictions"`
	ExpiresAt        time.Time    `json:"expires_at"`
	RemainingSeconds int64        `json:"remaining_seconds"`
	ReviewRequired   bool         `json:"review_required"`
	ReviewDeadline   *time.Time   `json:"review_deadline,omitempty"`
	Reviewed         bool         `json:"reviewed"`
}

func newStatusView(s *Session, now time.Time) *StatusView {
	v := &StatusView{
		RequestID:      s.RequestID,
		Active:         s.Active(now),
		UserID:         s.UserID,
		PatientID:      s.PatientID,
		EmergencyLevel: s.EmergencyLevel,
		Restrictions:   append([]string{}, s.Restrictions...),
		ExpiresAt:      s.ExpiresAt,
		ReviewRequired: s.ReviewRequired,
		ReviewDeadline: s.ReviewDeadline,
		Reviewed:       s.ReviewedAt != nil,
	}
	if v.Active {
		v.RemainingSeconds = int64(s.ExpiresAt.Sub(now) / time.Second)
	}
	return v
}

// Revocation identifies who closed a session and why.
type Revocation struct {
	RevokedBy string `json:"revoked_by"`
	Reason    string `json:"reason"`
	// Overseer may revoke sessions of other users.
	Overseer bool `json:"-"`
}

// Review is a supervisor's sign-off on a session.
type Review struct {
	ReviewedBy string `json:"reviewed_by"`
	Notes      string `json:"notes"`
}
