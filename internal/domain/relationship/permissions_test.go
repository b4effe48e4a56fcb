package relationship

import "testing"

func permSet(ps []Permission) map[Permission]bool {
	out := make(map[Permission]bool, len(ps))
	for _, p := range ps {
		out[p] = true
	}
	return out
}

func subset(a, b []Permission) bool {
	bs := permSet(b)
	for _, p := range a {
		if !bs[p] {
			return false
		}
	}
	return true
}

func TestPermissionsFor_EveryPairDefined(t *testing.T) {
	for _, rt := range AllTypes {
		for _, lvl := range AllLevels {
			ps := PermissionsFor(rt, lvl)
			if ps == nil {
				t.Errorf("%s/%s: nil permission set", rt, lvl)
			}
			if lvl == LevelNone && len(ps) != 0 {
				t.Errorf("%s/none: expected no permissions, got %v", rt, ps)
			}
			if lvl != LevelNone && len(ps) == 0 {
				t.Errorf("%s/%s: expected permissions", rt, lvl)
			}
		}
	}
}

func TestPermissionsFor_LevelsNest(t *testing.T) {
	for _, rt := range AllTypes {
		full := PermissionsFor(rt, LevelFull)
		limited := PermissionsFor(rt, LevelLimited)
		if !subset(limited, full) {
			t.Errorf("%s: limited %v not within full %v", rt, limited, full)
		}
		if ro := PermissionsFor(rt, LevelReadOnly); !subset(ro, limited) {
			t.Errorf("%s: read_only %v not within limited %v", rt, ro, limited)
		}
		if eo := PermissionsFor(rt, LevelEmergencyOnly); !subset(eo, limited) {
			t.Errorf("%s: emergency_only %v not within limited %v", rt, eo, limited)
		}
	}
}

func TestPermissionsFor_ReturnsCopy(t *testing.T) {
	ps := PermissionsFor(TypePrimaryTherapist, LevelFull)
	ps[0] = "tampered"
	again := PermissionsFor(TypePrimaryTherapist, LevelFull)
	if again[0] == "tampered" {
		t.Fatal("expected table to be unaffected by caller mutation")
	}
}

func TestPermissionsFor_PrimaryTherapistFull(t *testing.T) {
	ps := permSet(PermissionsFor(TypePrimaryTherapist, LevelFull))
	for _, want := range []Permission{PermReadTherapyNotes, PermWriteTherapyNotes, PermAccessCrisisInfo} {
		if !ps[want] {
			t.Errorf("expected %s in primary_therapist/full", want)
		}
	}
}

func TestPermissionsFor_EmergencyContact(t *testing.T) {
	ps := permSet(PermissionsFor(TypeEmergencyContact, LevelEmergencyOnly))
	if len(ps) != 2 || !ps[PermEmergencyContact] || !ps[PermCrisisNotification] {
		t.Errorf("unexpected emergency_contact/emergency_only set %v", ps)
	}
}

func TestParsePermission(t *testing.T) {
	if p, err := ParsePermission("read_therapy_notes"); err != nil || p != PermReadTherapyNotes {
		t.Errorf("got %q, %v", p, err)
	}
	if _, err := ParsePermission("read_everything"); err == nil {
		t.Error("expected error for unknown permission")
	}
}
