package policy

var levelRestrictions = map[Level][]string{
	LevelCritical: {RestrictFullAudit, RestrictReview1h},
	LevelHigh:     {RestrictLimitedPHI, RestrictReview2h},
	LevelModerate: {RestrictLimitedPHI, RestrictReadOnly, RestrictReview4h},
	LevelLow:      {RestrictReadOnly, RestrictNoPHI, RestrictSupervisorApproval},
}

// Restrictions derives the restriction tags for a granted request.
func Restrictions(level Level, accessType AccessType, validated bool) []string {
	base := levelRestrictions[level]
	out := make([]string, 0, len(base)+2)
	out = append(out, base...)
	if accessType == AccessRelationshipOverride && !validated {
		out = append(out, RestrictNoRelationshipCheck, RestrictHighAuditScrutiny)
	}
	return out
}

// permissionLevel summarizes what a grant at level may touch.
func permissionLevel(level Level) string {
	switch level {
	case LevelCritical:
		return "full"
	case LevelHigh:
		return "limited_phi"
	case LevelModerate:
		return "read_only"
	default:
		return "minimal"
	}
}
