package main

import (
	"context"
	"errors"

	"github.com/ehr/phiaccess/internal/domain/policy"
	"github.com/ehr/phiaccess/internal/domain/relationship"
	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/directory"
)

// localOracle answers relationship lookups from this service's own directory.
func localOracle(svc *relationship.Service) policy.OracleFunc {
	return func(ctx context.Context, relatedPersonID, patientID string) (policy.RelationshipInfo, error) {
		rel, err := svc.Lookup(ctx, relatedPersonID, patientID)
		if errors.Is(err, apperr.ErrNotFound) {
			return policy.RelationshipInfo{Found: false}, nil
		}
		if err != nil {
			return policy.RelationshipInfo{}, err
		}
		perms := make([]string, 0, len(rel.EffectivePermissions()))
		for _, p := range rel.EffectivePermissions() {
			perms = append(perms, string(p))
		}
		return policy.RelationshipInfo{
			Found:            true,
			Active:           rel.Status == relationship.StatusActive,
			Status:           string(rel.Status),
			RelationshipID:   rel.RelationshipID,
			RelationshipType: string(rel.RelationshipType),
			Permissions:      perms,
		}, nil
	}
}

// directoryOracle delegates lookups to an external relationship directory.
func directoryOracle(c *directory.Client) policy.OracleFunc {
	return func(ctx context.Context, relatedPersonID, patientID string) (policy.RelationshipInfo, error) {
		v, err := c.Validate(ctx, relatedPersonID, patientID)
		if err != nil {
			return policy.RelationshipInfo{}, err
		}
		return policy.RelationshipInfo{
			Found:            v.Exists,
			Active:           v.Active,
			Status:           v.Status,
			RelationshipID:   v.RelationshipID,
			RelationshipType: v.RelationshipType,
			Permissions:      v.Permissions,
		}, nil
	}
}
