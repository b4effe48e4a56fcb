package policy

import "context"

// RelationshipInfo is what the oracle knows about a (related person, patient) pair.
type RelationshipInfo struct {
	Found            bool     `json:"found"`
	Active           bool     `json:"active"`
	Status           string   `json:"status,omitempty"`
	RelationshipID   string   `json:"relationship_id,omitempty"`
	RelationshipType string   `json:"relationship_type,omitempty"`
	Permissions      []string `json:"permissions,omitempty"`
}

// RelationshipOracle reports whether a related person holds a relationship
// with a patient. A missing relationship is Found=false, not an error.
type RelationshipOracle interface {
	Lookup(ctx context.Context, relatedPersonID, patientID string) (RelationshipInfo, error)
}

// OracleFunc adapts a function to RelationshipOracle.
type OracleFunc func(ctx context.Context, relatedPersonID, patientID string) (RelationshipInfo, error)

func (f OracleFunc) Lookup(ctx context.Context, relatedPersonID, patientID string) (RelationshipInfo, error) {
	return f(ctx, relatedPersonID, patientID)
}
