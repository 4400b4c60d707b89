package feed

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
)

// ReadExcel parses a dataset workbook into candidate records. Only the first
// sheet is read; dashboard exports put the data there.
func ReadExcel(path string, ingestedAt time.Time) ([]inspection.Record, int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open workbook %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, 0, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, 0, fmt.Errorf("read sheet %s of %s: %w", sheets[0], path, err)
	}
	if len(rows) == 0 {
		return nil, 0, fmt.Errorf("workbook %s is empty", path)
	}
	return recordsFromRows(rows[0], rows[1:], filepath.Base(path), ingestedAt)
}
