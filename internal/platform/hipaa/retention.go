package hipaa

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Retention classes attached to every audit entry.
const (
	PolicyHIPAAPHI7Years = "hipaa_phi_7_years"
	PolicyStandard1Year  = "standard_1_year"
)

// RetentionPolicy defines how long an audit record of a given class is retained.
type RetentionPolicy struct {
	Name          string `json:"name"`
	RetentionDays int    `json:"retention_days"`
	ArchiveAfter  int    `json:"archive_after_days,omitempty"` // days before archival
	Description   string `json:"description"`
}

// RetentionStatus represents the lifecycle state of a record under its policy.
type RetentionStatus struct {
	State      string    `json:"state"`      // "active", "archive_eligible", "purge_eligible"
	ExpiresAt  time.Time `json:"expires_at"` // when current state expires
	PolicyName string    `json:"policy_name"`
}

// Retention state constants.
const (
	RetentionStateActive          = "active"
	RetentionStateArchiveEligible = "archive_eligible"
	RetentionStatePurgeEligible   = "purge_eligible"
)

// PolicyFor returns the retention class for an audit record. Records that
// touched PHI are kept seven years; everything else one year.
func PolicyFor(phiAccessed bool) string {
	if phiAccessed {
		return PolicyHIPAAPHI7Years
	}
	return PolicyStandard1Year
}

// DefaultRetentionPolicies returns the two audit retention classes.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{
			Name:          PolicyHIPAAPHI7Years,
			RetentionDays: 2555, // 7 years
			ArchiveAfter:  1095, // 3 years
			Description:   "Audit records of PHI access: 7 years (exceeds the HIPAA 6-year minimum)",
		},
		{
			Name:          PolicyStandard1Year,
			RetentionDays: 365,
			Description:   "Audit records without PHI access: 1 year",
		},
	}
}

// RetentionService answers retention questions for the audit archival job and
// the admin API. It never deletes anything itself.
type RetentionService struct {
	mu       sync.RWMutex
	policies map[string]RetentionPolicy
	logger   zerolog.Logger
}

// NewRetentionService creates a new RetentionService with the given policies.
func NewRetentionService(policies []RetentionPolicy, logger zerolog.Logger) *RetentionService {
	policyMap := make(map[string]RetentionPolicy, len(policies))
	for _, p := range policies {
		policyMap[p.Name] = p
	}
	return &RetentionService{
		policies: policyMap,
		logger:   logger.With().Str("component", "retention-service").Logger(),
	}
}

// GetPolicy returns the retention policy with the given name, or nil if not found.
func (s *RetentionService) GetPolicy(name string) *RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[name]
	if !ok {
		return nil
	}
	return &p
}

// GetAllPolicies returns all configured retention policies ordered by name.
func (s *RetentionService) GetAllPolicies() []RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]RetentionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// CheckRetention reports where a record created at createdAt sits in its
// policy's lifecycle as of now.
func (s *RetentionService) CheckRetention(policyName string, createdAt, now time.Time) RetentionStatus {
	s.mu.RLock()
	policy, ok := s.policies[policyName]
	s.mu.RUnlock()

	if !ok {
		s.logger.Warn().Str("policy", policyName).Msg("unknown retention policy")
		return RetentionStatus{State: RetentionStateActive, PolicyName: "unknown"}
	}

	purgeAt := createdAt.AddDate(0, 0, policy.RetentionDays)
	if !now.Before(purgeAt) {
		return RetentionStatus{
			State:      RetentionStatePurgeEligible,
			ExpiresAt:  purgeAt,
			PolicyName: policy.Name,
		}
	}

	if policy.ArchiveAfter > 0 {
		archiveAt := createdAt.AddDate(0, 0, policy.ArchiveAfter)
		if !now.Before(archiveAt) {
			return RetentionStatus{
				State:      RetentionStateArchiveEligible,
				ExpiresAt:  purgeAt,
				PolicyName: policy.Name,
			}
		}
		return RetentionStatus{
			State:      RetentionStateActive,
			ExpiresAt:  archiveAt,
			PolicyName: policy.Name,
		}
	}

	return RetentionStatus{
		State:      RetentionStateActive,
		ExpiresAt:  purgeAt,
		PolicyName: policy.Name,
	}
}
