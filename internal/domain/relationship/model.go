package relationship

import (
	"time"

	"github.com/ehr/phiaccess/internal/platform/apperr"
)

// RelationshipType is the kind of standing relationship a person has to a patient.
type RelationshipType string

const (
	TypePrimaryTherapist    RelationshipType = "primary_therapist"
	TypeSecondaryTherapist  RelationshipType = "secondary_therapist"
	TypePsychiatrist        RelationshipType = "psychiatrist"
	TypeCaseManager         RelationshipType = "case_manager"
	TypeFamilyPrimary       RelationshipType = "family_primary"
	TypeFamilySecondary     RelationshipType = "family_secondary"
	TypeGuardianLegal       RelationshipType = "guardian_legal"
	TypeGuardianMedical     RelationshipType = "guardian_medical"
	TypeEmergencyContact    RelationshipType = "emergency_contact"
	TypeAuthorizedCaregiver RelationshipType = "authorized_caregiver"
)

// AllTypes lists every relationship type.
var AllTypes = []RelationshipType{
	TypePrimaryTherapist, TypeSecondaryTherapist, TypePsychiatrist, TypeCaseManager,
	TypeFamilyPrimary, TypeFamilySecondary, TypeGuardianLegal, TypeGuardianMedical,
	TypeEmergencyContact, TypeAuthorizedCaregiver,
}

func ParseRelationshipType(s string) (RelationshipType, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", apperr.Validation("unknown relationship_type %q", s)
}

// AccessLevel bounds what a relationship type may do.
type AccessLevel string

const (
	LevelFull          AccessLevel = "full"
	LevelLimited       AccessLevel = "limited"
	LevelReadOnly      AccessLevel = "read_only"
	LevelEmergencyOnly AccessLevel = "emergency_only"
	LevelNone          AccessLevel = "none"
)

var AllLevels = []AccessLevel{LevelFull, LevelLimited, LevelReadOnly, LevelEmergencyOnly, LevelNone}

func ParseAccessLevel(s string) (AccessLevel, error) {
	for _, l := range AllLevels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", apperr.Validation("unknown access_level %q", s)
}

// Status is the lifecycle state of a relationship.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusActive, StatusSuspended, StatusRevoked, StatusExpired:
		return st, nil
	}
	return "", apperr.Validation("unknown status %q", s)
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusSuspended, StatusRevoked},
	StatusActive:    {StatusSuspended, StatusRevoked, StatusExpired},
	StatusSuspended: {StatusActive, StatusRevoked, StatusExpired},
}

// CanTransition reports whether a relationship may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TrailEntry records one status change of a relationship.
type TrailEntry struct {
	Action        string    `json:"action"`
	FromStatus    Status    `json:"from_status,omitempty"`
	ToStatus      Status    `json:"to_status"`
	ChangedBy     string    `json:"changed_by"`
	Justification string    `json:"justification,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Relationship links a related person to a patient.
type Relationship struct {
	RelationshipID    string           `json:"relationship_id"`
	PatientID         string           `json:"patient_id"`
	RelatedPersonID   string           `json:"related_person_id"`
	RelatedPersonName string           `json:"related_person_name"`
	ContactPhone      *string          `json:"contact_phone,omitempty"`
	ContactEmail      *string          `json:"contact_email,omitempty"`
	RelationshipType  RelationshipType `json:"relationship_type"`
	AccessLevel       AccessLevel      `json:"access_level"`
	Status            Status           `json:"status"`
	Permissions       []Permission     `json:"permissions"`
	Notes             string           `json:"notes,omitempty"`
	ConsentDocumentID *string          `json:"consent_document_id,omitempty"`
	CreatedBy         string           `json:"created_by"`
	EstablishedDate   time.Time        `json:"established_date"`
	ActivatedAt       *time.Time       `json:"activated_at,omitempty"`
	LastUpdated       time.Time        `json:"last_updated"`
	AuditTrail        []TrailEntry     `json:"audit_trail"`
}

// EffectivePermissions is the stored permission set while active, empty otherwise.
func (r *Relationship) EffectivePermissions() []Permission {
	if r.Status != StatusActive {
		return []Permission{}
	}
	out := make([]Permission, len(r.Permissions))
	copy(out, r.Permissions)
	return out
}

// Grants reports whether the relationship currently confers p.
func (r *Relationship) Grants(p Permission) bool {
	for _, have := range r.EffectivePermissions() {
		if have == p {
			return true
		}
	}
	return false
}

// View is a relationship annotated with its effective permissions.
type View struct {
	*Relationship
	EffectivePermissions []Permission `json:"effective_permissions"`
}

func NewView(r *Relationship) View {
	return View{Relationship: r, EffectivePermissions: r.EffectivePermissions()}
}

// CreateInput carries the fields a caller may set on a new relationship.
type CreateInput struct {
	PatientID         string  `json:"patient_id"`
	RelatedPersonID   string  `json:"related_person_id"`
	RelatedPersonName string  `json:"related_person_name"`
	ContactPhone      *string `json:"contact_phone,omitempty"`
	ContactEmail      *string `json:"contact_email,omitempty"`
	RelationshipType  string  `json:"relationship_type"`
	AccessLevel       string  `json:"access_level"`
	Notes             string  `json:"notes,omitempty"`
	ConsentDocumentID *string `json:"consent_document_id,omitempty"`
	CreatedBy         string  `json:"created_by"`
}

// StatusUpdate is a requested status change.
type StatusUpdate struct {
	Status        string `json:"status"`
	ChangedBy     string `json:"changed_by"`
	Justification string `json:"justification"`
}

const AccessRequestPending = "pending"

// AccessRequest asks to exercise a relationship permission. It stays pending
// until a reviewer resolves it.
type AccessRequest struct {
	RequestID         string     `json:"request_id"`
	RelationshipID    string     `json:"relationship_id"`
	PatientID         string     `json:"patient_id"`
	RequestedBy       string     `json:"requested_by"`
	AccessType        Permission `json:"access_type"`
	ResourceRequested string     `json:"resource_requested"`
	Justification     string     `json:"justification"`
	PHIRequested      bool       `json:"phi_requested"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
}

// AccessRequestInput carries the fields of a new access request.
type AccessRequestInput struct {
	RequestedBy       string `json:"requested_by"`
	PatientID         string `json:"patient_id"`
	AccessType        string `json:"access_type"`
	ResourceRequested string `json:"resource_requested"`
	Justification     string `json:"justification"`
}
