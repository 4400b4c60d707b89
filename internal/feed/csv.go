package feed

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
)

var candidateDelimiters = []rune{',', ';', '|', '\t'}

const sniffSampleBytes = 131072

// sniffDelimiter picks the candidate delimiter occurring most often in the
// sample's first line, defaulting to comma. Semicolon-delimited European
// exports of the same dataset are common.
func sniffDelimiter(data []byte) rune {
	if len(data) > sniffSampleBytes {
		data = data[:sniffSampleBytes]
	}
	line := string(data)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// ReadCSV parses a dataset CSV export into candidate records. The delimiter
// is sniffed, a UTF-8 BOM is tolerated, and rows with the wrong field count
// are skipped instead of aborting the whole file.
func ReadCSV(data []byte, sourceDocument string, ingestedAt time.Time) ([]inspection.Record, int, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("parse %s: %w", sourceDocument, err)
	}
	if len(rows) == 0 {
		return nil, 0, fmt.Errorf("dataset %s is empty", sourceDocument)
	}

	headers := rows[0]
	body := make([][]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		body = append(body, row)
	}
	return recordsFromRows(headers, body, sourceDocument, ingestedAt)
}
