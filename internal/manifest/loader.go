package manifest

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Entry is one file to submit in a batch.
type Entry struct {
	Row             int
	Path            string
	Language        string
	GenerateSummary bool
}

// Load reads the first sheet of an xlsx manifest. Columns are detected by
// header: path (or file/audio), language (or lang) and summary. Rows without
// a path are skipped.
func Load(path string) ([]Entry, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	pathIdx, langIdx, summaryIdx := -1, -1, -1
	for i, h := range rows[0] {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "path") || strings.Contains(l, "file") || strings.Contains(l, "audio"):
			if pathIdx == -1 {
				pathIdx = i
			}
		case strings.Contains(l, "lang"):
			if langIdx == -1 {
				langIdx = i
			}
		case strings.Contains(l, "summary"):
			if summaryIdx == -1 {
				summaryIdx = i
			}
		}
	}
	// headerless single-column sheets still work
	if pathIdx == -1 {
		pathIdx = 0
	}

	var out []Entry
	for i, r := range rows {
		if i == 0 {
			continue
		}
		e := Entry{Row: i + 1, Path: cell(r, pathIdx), Language: cell(r, langIdx)}
		if e.Path == "" {
			continue
		}
		e.GenerateSummary = truthy(cell(r, summaryIdx))
		out = append(out, e)
	}
	return out, nil
}

func cell(r []string, idx int) string {
	if idx < 0 || idx >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[idx])
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "y", "yes", "true", "x":
		return true
	}
	return false
}
