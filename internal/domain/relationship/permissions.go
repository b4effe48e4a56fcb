package relationship

import (
	"sort"

	"github.com/ehr/phiaccess/internal/platform/apperr"
)

// Permission is a capability a relationship can confer.
type Permission string

const (
	PermReadTherapyNotes       Permission = "read_therapy_notes"
	PermWriteTherapyNotes      Permission = "write_therapy_notes"
	PermReadTreatmentPlan      Permission = "read_treatment_plan"
	PermWriteTreatmentPlan     Permission = "write_treatment_plan"
	PermAccessCrisisInfo       Permission = "access_crisis_info"
	PermReadAllRecords         Permission = "read_all_records"
	PermMakeTreatmentDecisions Permission = "make_treatment_decisions"
	PermEmergencyContact       Permission = "emergency_contact"
	PermReadBasicInfo          Permission = "read_basic_info"
	PermReceiveUpdates         Permission = "receive_updates"
	PermCrisisNotification     Permission = "crisis_notification"
)

var AllPermissions = []Permission{
	PermReadTherapyNotes, PermWriteTherapyNotes, PermReadTreatmentPlan, PermWriteTreatmentPlan,
	PermAccessCrisisInfo, PermReadAllRecords, PermMakeTreatmentDecisions, PermEmergencyContact,
	PermReadBasicInfo, PermReceiveUpdates, PermCrisisNotification,
}

func ParsePermission(s string) (Permission, error) {
	for _, p := range AllPermissions {
		if string(p) == s {
			return p, nil
		}
	}
	return "", apperr.Validation("unknown access_type %q", s)
}

// typeClass groups relationship types that share a permission table.
type typeClass int

const (
	classClinical typeClass = iota
	classCareCoordination
	classGuardian
	classFamily
	classContact
)

var classOf = map[RelationshipType]typeClass{
	TypePrimaryTherapist:    classClinical,
	TypeSecondaryTherapist:  classClinical,
	TypePsychiatrist:        classClinical,
	TypeCaseManager:         classCareCoordination,
	TypeGuardianLegal:       classGuardian,
	TypeGuardianMedical:     classGuardian,
	TypeFamilyPrimary:       classFamily,
	TypeFamilySecondary:     classFamily,
	TypeEmergencyContact:    classContact,
	TypeAuthorizedCaregiver: classContact,
}

// permissionTable holds one row per (class, level). Within a class read_only
// and emergency_only are subsets of limited, which is a subset of full.
var permissionTable = map[typeClass]map[AccessLevel][]Permission{
	classClinical: {
		LevelFull:          {PermReadTherapyNotes, PermWriteTherapyNotes, PermReadTreatmentPlan, PermWriteTreatmentPlan, PermAccessCrisisInfo},
		LevelLimited:       {PermReadTherapyNotes, PermReadTreatmentPlan, PermAccessCrisisInfo},
		LevelReadOnly:      {PermReadTherapyNotes, PermReadTreatmentPlan},
		LevelEmergencyOnly: {PermAccessCrisisInfo},
		LevelNone:          {},
	},
	classCareCoordination: {
		LevelFull:          {PermReadTreatmentPlan, PermWriteTreatmentPlan, PermAccessCrisisInfo, PermReadBasicInfo, PermReceiveUpdates},
		LevelLimited:       {PermReadTreatmentPlan, PermAccessCrisisInfo, PermReadBasicInfo, PermReceiveUpdates},
		LevelReadOnly:      {PermReadTreatmentPlan, PermReadBasicInfo},
		LevelEmergencyOnly: {PermAccessCrisisInfo},
		LevelNone:          {},
	},
	classGuardian: {
		LevelFull:          {PermReadAllRecords, PermMakeTreatmentDecisions, PermAccessCrisisInfo, PermEmergencyContact, PermCrisisNotification},
		LevelLimited:       {PermReadAllRecords, PermAccessCrisisInfo, PermEmergencyContact, PermCrisisNotification},
		LevelReadOnly:      {PermReadAllRecords},
		LevelEmergencyOnly: {PermEmergencyContact, PermCrisisNotification},
		LevelNone:          {},
	},
	classFamily: {
		LevelFull:          {PermReadBasicInfo, PermReceiveUpdates, PermEmergencyContact, PermCrisisNotification, PermAccessCrisisInfo},
		LevelLimited:       {PermReadBasicInfo, PermReceiveUpdates, PermEmergencyContact, PermCrisisNotification},
		LevelReadOnly:      {PermReadBasicInfo},
		LevelEmergencyOnly: {PermEmergencyContact, PermCrisisNotification},
		LevelNone:          {},
	},
	classContact: {
		LevelFull:          {PermEmergencyContact, PermCrisisNotification, PermReceiveUpdates, PermReadBasicInfo},
		LevelLimited:       {PermEmergencyContact, PermCrisisNotification, PermReceiveUpdates},
		LevelReadOnly:      {PermReceiveUpdates},
		LevelEmergencyOnly: {PermEmergencyContact, PermCrisisNotification},
		LevelNone:          {},
	},
}

// PermissionsFor derives the permission set of a (type, level) pair. The
// result is sorted and freshly allocated.
func PermissionsFor(t RelationshipType, l AccessLevel) []Permission {
	class, ok := classOf[t]
	if !ok {
		return []Permission{}
	}
	row := permissionTable[class][l]
	out := make([]Permission, len(row))
	copy(out, row)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
