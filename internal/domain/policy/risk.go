package policy

// Weights tune the risk score.
type Weights struct {
	BaseLow      int
	BaseModerate int
	BaseHigh     int
	BaseCritical int
	NoSupervisor int
	Unvalidated  int
	Terse        int
	DirectPHI    int
	StrongCredit int
}

func DefaultWeights() Weights {
	return Weights{
		BaseLow:      10,
		BaseModerate: 30,
		BaseHigh:     60,
		BaseCritical: 85,
		NoSupervisor: 10,
		Unvalidated:  10,
		Terse:        10,
		DirectPHI:    5,
		StrongCredit: 10,
	}
}

func (w Weights) base(l Level) int {
	switch l {
	case LevelCritical:
		return w.BaseCritical
	case LevelHigh:
		return w.BaseHigh
	case LevelModerate:
		return w.BaseModerate
	default:
		return w.BaseLow
	}
}

// strongJustification is the length at which a justification earns the
// supervisor credit.
const strongJustification = 100

// RiskScore scores a request within [0, 100]. A justification shorter than
// twice minLen counts as terse.
func RiskScore(w Weights, req Request, validated bool, minLen int) int {
	score := w.base(req.EmergencyLevel)
	n := justificationLen(req.Justification)
	hasSupervisor := req.SupervisorID != ""

	if !hasSupervisor {
		score += w.NoSupervisor
	}
	if !validated {
		score += w.Unvalidated
	}
	if n < 2*minLen {
		score += w.Terse
	}
	if req.AccessType.directPHI() {
		score += w.DirectPHI
	}
	if hasSupervisor && n >= strongJustification {
		score -= w.StrongCredit
	}
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
