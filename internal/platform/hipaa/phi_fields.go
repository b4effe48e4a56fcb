package hipaa

import "strings"

// PHIResourceRule marks a family of resource identifiers as carrying Protected
// Health Information. A resource matches when its normalized path starts with
// Prefix or contains Keyword as a path segment.
type PHIResourceRule struct {
	Category string
	Prefix   string
	Keyword  string
}

// DefaultPHIResources returns the resource families treated as PHI: anything
// patient-identifying or clinical. Operational resources (system configuration,
// audit logs, service health) are deliberately absent.
func DefaultPHIResources() []PHIResourceRule {
	return []PHIResourceRule{
		{Category: "demographics", Prefix: "patient"},
		{Category: "demographics", Keyword: "patient_info"},
		{Category: "clinical", Prefix: "medical_record"},
		{Category: "clinical", Keyword: "therapy_notes"},
		{Category: "clinical", Keyword: "treatment_plan"},
		{Category: "clinical", Keyword: "crisis_info"},
		{Category: "clinical", Keyword: "diagnosis"},
		{Category: "clinical", Keyword: "medication"},
		{Category: "clinical", Keyword: "lab_results"},
		{Category: "clinical", Keyword: "assessment"},
		{Category: "clinical", Keyword: "clinical"},
		{Category: "communications", Keyword: "conversation_history"},
		{Category: "communications", Keyword: "chat_history"},
		{Category: "contact", Keyword: "emergency_contact"},
	}
}

// PHIClassifier decides whether a requested resource references PHI.
type PHIClassifier struct {
	rules []PHIResourceRule
}

// NewPHIClassifier builds a classifier from the given rules.
func NewPHIClassifier(rules []PHIResourceRule) *PHIClassifier {
	return &PHIClassifier{rules: rules}
}

// IsPHI reports whether resource references patient-identifying or clinical data.
func (c *PHIClassifier) IsPHI(resource string) bool {
	return c.Category(resource) != ""
}

// Category returns the PHI category of resource, or "" when it is not PHI.
func (c *PHIClassifier) Category(resource string) string {
	norm := normalizeResource(resource)
	if norm == "" {
		return ""
	}
	segments := strings.FieldsFunc(norm, func(r rune) bool { return r == '/' || r == ':' || r == '.' })
	for _, rule := range c.rules {
		if rule.Prefix != "" && strings.HasPrefix(norm, rule.Prefix) {
			return rule.Category
		}
		if rule.Keyword != "" {
			for _, seg := range segments {
				if seg == rule.Keyword {
					return rule.Category
				}
			}
		}
	}
	return ""
}

func normalizeResource(resource string) string {
	r := strings.ToLower(strings.TrimSpace(resource))
	r = strings.TrimPrefix(r, "/")
	r = strings.TrimPrefix(r, "api/v1/")
	return strings.ReplaceAll(r, "-", "_")
}
