//go:build integration

package integration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ehr/phiaccess/internal/domain/audit"
	"github.com/ehr/phiaccess/internal/domain/relationship"
	"github.com/ehr/phiaccess/internal/platform/apperr"
	"github.com/ehr/phiaccess/internal/platform/cache"
	"github.com/ehr/phiaccess/internal/platform/hipaa"
)

func newRelationshipService(auditSvc *audit.Service) *relationship.Service {
	svc := relationship.NewService(relationship.NewRepoPG(testPool, nil), auditSvc, cache.NewLocalLocker(),
		hipaa.NewPHIClassifier(hipaa.DefaultPHIResources()), relationship.Config{}, testLogger())
	svc.SetTx(runInTx)
	return svc
}

func createTherapist(t *testing.T, svc *relationship.Service) *relationship.Relationship {
	t.Helper()
	rel, err := svc.Create(context.Background(), relationship.CreateInput{
		PatientID:         "patient-1",
		RelatedPersonID:   "therapist-1",
		RelatedPersonName: "Dr. Rivera",
		RelationshipType:  "primary_therapist",
		AccessLevel:       "full",
		CreatedBy:         "admin-1",
	}, audit.Source{ClientIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("create relationship: %v", err)
	}
	return rel
}

func TestRelationshipPG_CreateAndGet(t *testing.T) {
	resetTables(t)
	auditSvc := newAuditService(nil)
	svc := newRelationshipService(auditSvc)
	ctx := context.Background()

	rel := createTherapist(t, svc)
	got, err := svc.Get(ctx, rel.RelationshipID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != relationship.StatusPending || got.RelatedPersonName != "Dr. Rivera" {
		t.Errorf("unexpected relationship %+v", got)
	}
	if len(got.Permissions) == 0 {
		t.Error("expected permissions to round-trip through text[]")
	}
	if len(got.AuditTrail) != 1 {
		t.Errorf("expected one trail entry, got %d", len(got.AuditTrail))
	}
	if n := countAction(t, auditSvc, audit.ActionRelationshipCreated); n != 1 {
		t.Errorf("expected one RELATIONSHIP_CREATED entry, got %d", n)
	}

	if _, err := svc.Get(ctx, "not-a-relationship"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRelationshipPG_TransitionsAreOrdered(t *testing.T) {
	resetTables(t)
	svc := newRelationshipService(newAuditService(nil))
	ctx := context.Background()
	rel := createTherapist(t, svc)

	steps := []relationship.Status{relationship.StatusActive, relationship.StatusSuspended, relationship.StatusActive, relationship.StatusRevoked}
	for _, to := range steps {
		if _, err := svc.UpdateStatus(ctx, rel.RelationshipID, relationship.StatusUpdate{
			Status: string(to), ChangedBy: "sup-1", Justification: "care team change",
		}, audit.Source{}); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	got, err := svc.Get(ctx, rel.RelationshipID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.AuditTrail) != len(steps)+1 {
		t.Fatalf("expected %d trail entries, got %d", len(steps)+1, len(got.AuditTrail))
	}
	for i, to := range steps {
		if got.AuditTrail[i+1].ToStatus != to {
			t.Errorf("trail[%d]: expected %s, got %s", i+1, to, got.AuditTrail[i+1].ToStatus)
		}
	}
	if got.ActivatedAt == nil {
		t.Error("expected activated_at to be set")
	}
}

func TestRelationshipPG_ConcurrentActivationHasOneWinner(t *testing.T) {
	resetTables(t)
	auditSvc := newAuditService(nil)
	ctx := context.Background()
	rel := createTherapist(t, newRelationshipService(auditSvc))

	// Separate services do not share the in-process locker, so the
	// repository compare-and-set is what decides the race.
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc := newRelationshipService(auditSvc)
			_, err := svc.UpdateStatus(ctx, rel.RelationshipID, relationship.StatusUpdate{
				Status: string(relationship.StatusActive), ChangedBy: "sup-1", Justification: "consent received",
			}, audit.Source{})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one activation to win, got %d", wins)
	}
	if n := countAction(t, auditSvc, audit.ActionStatusChanged); n != 1 {
		t.Errorf("expected one STATUS_CHANGED entry, got %d", n)
	}
}

func TestRelationshipPG_AccessRequests(t *testing.T) {
	resetTables(t)
	auditSvc := newAuditService(nil)
	svc := newRelationshipService(auditSvc)
	ctx := context.Background()
	rel := createTherapist(t, svc)
	if _, err := svc.UpdateStatus(ctx, rel.RelationshipID, relationship.StatusUpdate{
		Status: string(relationship.StatusActive), ChangedBy: "sup-1", Justification: "consent received",
	}, audit.Source{}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	ar, err := svc.CreateAccessRequest(ctx, rel.RelationshipID, relationship.AccessRequestInput{
		PatientID:         "patient-1",
		RequestedBy:       "therapist-1",
		AccessType:        string(relationship.PermReadTherapyNotes),
		ResourceRequested: "therapy_notes/patient-1",
		Justification:     "Reviewing last session before today's appointment.",
	}, audit.Source{})
	if err != nil {
		t.Fatalf("create access request: %v", err)
	}

	fetched, err := svc.GetAccessRequest(ctx, ar.RequestID)
	if err != nil || fetched.Status != relationship.AccessRequestPending {
		t.Fatalf("unexpected access request %+v, %v", fetched, err)
	}
	list, err := svc.ListAccessRequests(ctx, rel.RelationshipID)
	if err != nil || len(list) != 1 {
		t.Errorf("expected one access request, got %d, %v", len(list), err)
	}
	if n := countAction(t, auditSvc, audit.ActionAccessRequestCreated); n != 1 {
		t.Errorf("expected one ACCESS_REQUEST_CREATED entry, got %d", n)
	}
}

func TestRelationshipPG_ContactDetailsSealedAtRest(t *testing.T) {
	resetTables(t)
	cipher, err := hipaa.NewFieldCipher(strings.Repeat("0f", 32), 1)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	svc := relationship.NewService(relationship.NewRepoPG(testPool, cipher), newAuditService(nil), cache.NewLocalLocker(),
		hipaa.NewPHIClassifier(hipaa.DefaultPHIResources()), relationship.Config{}, testLogger())
	ctx := context.Background()

	phone := "+1-555-0100"
	rel, err := svc.Create(ctx, relationship.CreateInput{
		PatientID:         "patient-1",
		RelatedPersonID:   "kin-1",
		RelatedPersonName: "Sam Ortiz",
		ContactPhone:      &phone,
		RelationshipType:  "emergency_contact",
		AccessLevel:       "emergency_only",
		CreatedBy:         "admin-1",
	}, audit.Source{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var stored *string
	var email *string
	if err := testPool.QueryRow(ctx, `SELECT contact_phone, contact_email FROM relationships WHERE relationship_id = $1`,
		rel.RelationshipID).Scan(&stored, &email); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if stored == nil || !strings.HasPrefix(*stored, "v1:") {
		t.Errorf("expected sealed phone column, got %v", stored)
	}
	if email != nil {
		t.Errorf("expected NULL email, got %q", *email)
	}

	got, err := svc.Get(ctx, rel.RelationshipID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContactPhone == nil || *got.ContactPhone != phone {
		t.Errorf("expected phone to open to %q, got %v", phone, got.ContactPhone)
	}
}
