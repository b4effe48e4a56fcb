//go:build integration

package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ehr/phiaccess/internal/domain/audit"
	"github.com/ehr/phiaccess/internal/platform/apperr"
)

func appendEntries(t *testing.T, svc *audit.Service, base time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := &audit.Entry{
			Service:     audit.ServiceEmergencyAccess,
			EventType:   audit.EventAccessDecision,
			Action:      audit.ActionAccessGranted,
			Description: fmt.Sprintf("grant %d", i),
			UserID:      fmt.Sprintf("clin-%d", i%2),
			PatientID:   "patient-1",
			RequestID:   fmt.Sprintf("req-%d", i),
			PHIAccessed: i%2 == 0,
			RiskScore:   50 + i*10,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := svc.Record(ctx, e); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
}

func TestAuditPG_QueryAndStats(t *testing.T) {
	resetTables(t)
	clock := newClock()
	svc := newAuditService(clock)
	base := clock.Now().Add(-time.Hour)
	appendEntries(t, svc, base)
	ctx := context.Background()

	res, err := svc.Query(ctx, audit.Filter{UserID: "clin-0", Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 5 || res.Filtered != 3 || len(res.Entries) != 2 {
		t.Errorf("unexpected page total=%d filtered=%d len=%d", res.Total, res.Filtered, len(res.Entries))
	}
	if !res.Entries[0].Timestamp.After(res.Entries[1].Timestamp) {
		t.Error("expected newest first")
	}

	start := base.Add(2 * time.Minute)
	res, err = svc.Query(ctx, audit.Filter{Start: &start, PHIOnly: true})
	if err != nil {
		t.Fatalf("query window: %v", err)
	}
	if res.Filtered != 2 {
		t.Errorf("expected two PHI entries from minute 2, got %d", res.Filtered)
	}
	for _, e := range res.Entries {
		if e.DataSensitivity != audit.SensitivityHigh || e.RetentionPolicy == "" {
			t.Errorf("expected PHI defaults to persist, got %+v", e)
		}
	}

	st, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalEntries != 5 || st.PHIAccessEvents != 3 || st.ByAction[audit.ActionAccessGranted] != 5 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestAuditPG_EntriesAreAppendOnly(t *testing.T) {
	resetTables(t)
	svc := newAuditService(nil)
	stored, err := svc.Record(context.Background(), &audit.Entry{
		Service: audit.ServiceRelationships, EventType: audit.EventRelationshipChange,
		Action: audit.ActionRelationshipCreated, Description: "created", UserID: "admin-1",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	ctx := context.Background()
	if _, err := testPool.Exec(ctx, `UPDATE audit_entries SET description = 'edited' WHERE audit_id = $1`, stored.AuditID); err == nil {
		t.Error("expected update to be rejected")
	}
	if _, err := testPool.Exec(ctx, `DELETE FROM audit_entries WHERE audit_id = $1`, stored.AuditID); err == nil {
		t.Error("expected delete to be rejected")
	}

	if _, err := svc.Record(ctx, &audit.Entry{Service: "x", Description: "missing action"}); !errors.Is(err, apperr.ErrInvalidAuditEntry) {
		t.Errorf("expected ErrInvalidAuditEntry, got %v", err)
	}
}

func TestAuditPG_ReportIsDeterministicAndExports(t *testing.T) {
	resetTables(t)
	clock := newClock()
	svc := newAuditService(clock)
	appendEntries(t, svc, clock.Now().Add(-30*time.Minute))
	ctx := context.Background()

	end := clock.Now()
	first, err := svc.GenerateReport(ctx, audit.PeriodHourly, end)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	second, err := svc.GenerateReport(ctx, audit.PeriodHourly, end)
	if err != nil {
		t.Fatalf("report again: %v", err)
	}
	if first.ReportID != second.ReportID || first.TotalEvents != 5 || second.ComplianceScore != first.ComplianceScore {
		t.Errorf("expected identical reports, got %+v and %+v", first, second)
	}

	var buf bytes.Buffer
	if _, err := svc.ExportReport(ctx, audit.PeriodHourly, end, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	if idx, err := f.GetSheetIndex("Summary"); err != nil || idx < 0 {
		t.Errorf("expected a Summary sheet, got %d, %v", idx, err)
	}
}
