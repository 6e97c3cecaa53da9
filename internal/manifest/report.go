package manifest

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"
)

// Result is the outcome of submitting one Entry.
type Result struct {
	Entry  Entry
	JobID  string
	Status string
	Error  string
}

// Summary counts results per status.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

func Summarize(results []Result) Summary {
	s := Summary{Total: len(results), ByStatus: map[string]int{}}
	for _, r := range results {
		s.ByStatus[r.Status]++
	}
	return s
}

// WriteReport writes one row per result plus a per-status totals sheet.
func WriteReport(path string, results []Result) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Results"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	header := []interface{}{"row", "path", "language", "summary", "job_id", "status", "error"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, r := range results {
		row := []interface{}{r.Entry.Row, r.Entry.Path, r.Entry.Language, r.Entry.GenerateSummary, r.JobID, r.Status, r.Error}
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return err
		}
	}

	const totals = "Totals"
	if _, err := f.NewSheet(totals); err != nil {
		return err
	}
	sum := Summarize(results)
	statuses := make([]string, 0, len(sum.ByStatus))
	for st := range sum.ByStatus {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)
	for i, st := range statuses {
		row := []interface{}{st, sum.ByStatus[st]}
		if err := f.SetSheetRow(totals, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return err
		}
	}
	last := []interface{}{"total", sum.Total}
	if err := f.SetSheetRow(totals, fmt.Sprintf("A%d", len(statuses)+1), &last); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}
