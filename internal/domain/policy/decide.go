package policy

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ehr/phiaccess/internal/domain/audit"
)

// Config holds the decision thresholds.
type Config struct {
	Weights Weights
	// MinJustification applies to every access type; strict types add StrictExtra.
	MinJustification int
	StrictExtra      int
	ReviewThreshold  int
	NotifyModerate   bool
}

func DefaultConfig() Config {
	return Config{
		Weights:          DefaultWeights(),
		MinJustification: 20,
		StrictExtra:      10,
		ReviewThreshold:  70,
	}
}

// MinJustificationFor returns the minimum justification length for t.
func (c Config) MinJustificationFor(t AccessType) int {
	if t.strict() {
		return c.MinJustification + c.StrictExtra
	}
	return c.MinJustification
}

// Facts are what the engine learned about a request before deciding.
type Facts struct {
	RateLimited  bool
	Relationship *RelationshipInfo
	PHIAccessed  bool
}

func (f Facts) validated() bool {
	return f.Relationship != nil && f.Relationship.Found && f.Relationship.Active
}

func justificationLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}

// Decide evaluates a validated request against its facts. The result depends
// only on its arguments.
func Decide(cfg Config, req Request, facts Facts) *Decision {
	validated := facts.validated()
	minLen := cfg.MinJustificationFor(req.AccessType)

	d := &Decision{
		RelationshipValidated: validated,
		DataSensitivity:       req.EmergencyLevel.Sensitivity(),
		RiskScore:             RiskScore(cfg.Weights, req, validated, minLen),
		Restrictions:          []string{},
		PermissionLevel:       "none",
	}
	if facts.Relationship != nil && facts.Relationship.Found {
		d.RelationshipID = facts.Relationship.RelationshipID
	}
	switch {
	case facts.RateLimited:
		d.reject(StatusRejectedRateLimited, true, "emergency access request limit reached for this hour")
	case justificationLen(req.Justification) < minLen:
		d.reject(StatusRejectedInvalidRequest, false,
			fmt.Sprintf("justification must be at least %d characters for %s", minLen, req.AccessType))
	case req.AccessType == AccessRelationshipOverride && strings.TrimSpace(req.PatientID) == "":
		d.reject(StatusRejectedInvalidRequest, false, "relationship_override requires patient_id")
	case req.AccessType == AccessRelationshipOverride && facts.Relationship != nil && facts.Relationship.Found &&
		(facts.Relationship.Status == "revoked" || facts.Relationship.Status == "suspended"):
		d.reject(StatusRejectedRelationshipRevoked, true,
			fmt.Sprintf("relationship %s is %s", facts.Relationship.RelationshipID, facts.Relationship.Status))
	case req.AccessType == AccessSystemMaintenance && facts.PHIAccessed:
		d.reject(StatusRejectedPolicyViolation, true, "system_maintenance access may not reach PHI")
	default:
		d.Granted = true
		d.ComplianceStatus = StatusGrantedWithMonitoring
		d.Restrictions = Restrictions(req.EmergencyLevel, req.AccessType, validated)
		d.PermissionLevel = permissionLevel(req.EmergencyLevel)
		d.TTL = req.EmergencyLevel.TTL()
		d.ReviewWindow = req.EmergencyLevel.ReviewWindow()
		// Only a grant reaches the resource, so only a grant carries the PHI flag.
		d.PHIAccessed = facts.PHIAccessed
		if d.PHIAccessed && (d.DataSensitivity == audit.SensitivityLow || d.DataSensitivity == audit.SensitivityMedium) {
			d.DataSensitivity = audit.SensitivityHigh
		}
	}

	d.ReviewRequired = d.ComplianceViolation || (d.Granted && d.RiskScore >= cfg.ReviewThreshold)
	if d.Granted {
		switch req.EmergencyLevel {
		case LevelHigh, LevelCritical:
			d.NotifySupervisor = true
		case LevelModerate:
			d.NotifySupervisor = cfg.NotifyModerate
		}
		if d.RiskScore >= cfg.ReviewThreshold {
			d.NotifySupervisor = true
		}
	}
	return d
}

func (d *Decision) reject(status ComplianceStatus, violation bool, reason string) {
	d.Granted = false
	d.ComplianceStatus = status
	d.ComplianceViolation = violation
	d.Reason = reason
}
