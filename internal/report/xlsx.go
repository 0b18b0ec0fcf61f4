package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	resultsSheet = "Results"
	summarySheet = "Summary"
)

var resultsHeader = []string{
	"Identity", "File", "Status", "Password", "Alias",
	"Public Key MD5", "Public Key SHA1", "Keystore Type", "Elapsed", "Error",
}

// WriteXLSX renders the report as a two-sheet workbook: a Results sheet
// with one row per item and a Summary sheet with batch aggregates. The
// layout mirrors the JSON rendering; both are views over the same model.
func (r *Report) WriteXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(resultsSheet)
	if err != nil {
		return fmt.Errorf("create results sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	if err := f.SetSheetRow(resultsSheet, "A1", &resultsHeader); err != nil {
		return fmt.Errorf("write results header: %w", err)
	}
	for i, rec := range r.Records {
		row := []any{
			rec.Identity,
			rec.FilePath,
			string(rec.Status),
			rec.RecoveredSecret,
			rec.Alias,
			rec.FingerprintMD5,
			rec.FingerprintSHA1,
			rec.KeystoreFormat,
			elapsedCell(rec.Elapsed),
			rec.Error,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("results row %d: %w", i+2, err)
		}
		if err := f.SetSheetRow(resultsSheet, cell, &row); err != nil {
			return fmt.Errorf("write results row %d: %w", i+2, err)
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	summaryRows := [][]any{
		{"Session", r.Summary.SessionID},
		{"Root path", r.Summary.RootPath},
		{"Generated", r.Summary.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Total items", r.Summary.Total},
		{"Cracked", r.Summary.Cracked},
		{"Exhausted", r.Summary.Exhausted},
		{"Errored", r.Summary.Errored},
		{"Pending", r.Summary.Pending},
	}
	stages := make([]string, 0, len(r.Summary.StageElapsed))
	for stage := range r.Summary.StageElapsed {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		summaryRows = append(summaryRows, []any{"Elapsed: " + stage, r.Summary.StageElapsed[stage].String()})
	}
	for i, row := range summaryRows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("summary row %d: %w", i+1, err)
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("write summary row %d: %w", i+1, err)
		}
	}

	// Wide columns for paths and fingerprints.
	if err := f.SetColWidth(resultsSheet, "A", "B", 32); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := f.SetColWidth(resultsSheet, "F", "G", 44); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func elapsedCell(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}
