package audit

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary   = "Summary"
	sheetBreakdown = "Breakdown"
	sheetFindings  = "Findings"
)

// WriteReportXLSX renders r as a workbook with Summary, Breakdown and
// Findings sheets.
func WriteReportXLSX(r *Report, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return fmt.Errorf("rename summary sheet: %w", err)
	}
	for _, name := range []string{sheetBreakdown, sheetFindings} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	summary := [][]interface{}{
		{"Field", "Value"},
		{"Report ID", r.ReportID},
		{"Period", string(r.ReportPeriod)},
		{"Window Start", r.WindowStart.Format(time.RFC3339)},
		{"Window End", r.WindowEnd.Format(time.RFC3339)},
		{"Generated At", r.GeneratedAt.Format(time.RFC3339)},
		{"Compliance Score", r.ComplianceScore},
		{"Total Events", r.TotalEvents},
		{"Total Accesses", r.TotalAccesses},
		{"Granted Accesses", r.GrantedAccesses},
		{"Denied Accesses", r.DeniedAccesses},
		{"PHI Access Events", r.PHIAccessEvents},
		{"Security Events", r.SecurityEvents},
		{"Violations", r.ViolationCount},
		{"High-Risk Accesses", r.HighRiskAccesses},
		{"Missed Reviews", r.MissedReviews},
	}
	for _, rec := range r.Recommendations {
		summary = append(summary, []interface{}{"Recommendation", rec})
	}
	if err := writeRows(f, sheetSummary, summary, headerStyle, []float64{22, 80}); err != nil {
		return err
	}

	breakdown := [][]interface{}{{"Dimension", "Key", "Count"}}
	for _, dim := range []struct {
		name   string
		counts map[string]int
	}{
		{"event_type", r.EventsByType},
		{"service", r.EventsByService},
		{"severity", r.EventsBySeverity},
		{"emergency_level", r.AccessesByLevel},
	} {
		keys := make([]string, 0, len(dim.counts))
		for k := range dim.counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			breakdown = append(breakdown, []interface{}{dim.name, k, dim.counts[k]})
		}
	}
	if err := writeRows(f, sheetBreakdown, breakdown, headerStyle, []float64{18, 28, 10}); err != nil {
		return err
	}

	findings := [][]interface{}{{"Kind", "Severity", "Occurred At", "Entity", "Audit ID", "Count", "Description"}}
	for _, fd := range r.AuditFindings {
		findings = append(findings, []interface{}{
			fd.Kind, fd.Severity, fd.OccurredAt.Format(time.RFC3339), fd.EntityID, fd.AuditID, fd.Count, fd.Description,
		})
	}
	if err := writeRows(f, sheetFindings, findings, headerStyle, []float64{22, 10, 22, 38, 38, 8, 80}); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// writeRows writes rows starting at A1, styles the header row and freezes it.
func writeRows(f *excelize.File, sheet string, rows [][]interface{}, headerStyle int, widths []float64) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("%s: cell name: %w", sheet, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s: write row %d: %w", sheet, i+1, err)
		}
	}
	last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
	if err != nil {
		return fmt.Errorf("%s: header range: %w", sheet, err)
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("%s: header style: %w", sheet, err)
	}
	for i, width := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("%s: column name: %w", sheet, err)
		}
		if err := f.SetColWidth(sheet, col, col, width); err != nil {
			return fmt.Errorf("%s: column width: %w", sheet, err)
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("%s: freeze header: %w", sheet, err)
	}
	return nil
}
