// Package feed consumes the compliance dashboard's tabular inspection
// dataset. The dataset ships in several CSV variants and as Excel exports,
// with drifting header names, so columns resolve through normalized candidate
// lists rather than fixed positions.
package feed

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
)

var headerCleanPattern = regexp.MustCompile(`[^a-z0-9/ ]+`)
var spaceCollapsePattern = regexp.MustCompile(`\s+`)

// normalizeHeader lowercases and strips punctuation so "FEI Number",
// "fei_number" and "FEI-Number" all resolve to the same key. The slash is
// kept for "country/area".
func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = headerCleanPattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceCollapsePattern.ReplaceAllString(s, " "))
}

// Candidate header names per logical column, first match wins. These cover
// the dashboard dataset variants seen in production exports.
var columnCandidates = map[string][]string{
	"inspection_id":       {"inspection id", "record id", "recordid", "id"},
	"registration_number": {"fei number", "fei", "fei_number"},
	"firm_name":           {"legal name", "firm name", "name"},
	"street_address":      {"address", "street address", "address line 1"},
	"city":                {"city"},
	"state":               {"state"},
	"country":             {"country/area", "country area", "country"},
	"zip_code":            {"zip", "zipcode", "zip code", "postal code"},
	"inspection_date":     {"inspection date", "record date", "date", "inspection start date"},
	"inspection_end_date": {"inspection end date", "end date"},
	"fiscal_year":         {"fiscal year", "fy"},
	"classification":      {"classification", "final classification"},
	"inspection_type":     {"record type", "inspection type", "product type", "project area"},
	"source_url":          {"download", "url", "link"},
}

var dateFormats = []string{
	"01/02/2006",
	"2006-01-02",
	"01-02-2006",
	"02-01-2006",
	"2006/01/02",
}

// cleanDate normalizes to YYYY-MM-DD when the value matches a known format;
// unrecognized values pass through unchanged rather than being dropped.
func cleanDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, fmt := range dateFormats {
		if t, err := time.Parse(fmt, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

type columnIndex map[string]int

// buildColumnIndex maps each logical column to its position in the header
// row. Duplicate normalized headers keep the first occurrence.
func buildColumnIndex(headers []string) columnIndex {
	normalized := map[string]int{}
	for i, h := range headers {
		n := normalizeHeader(h)
		if n == "" {
			continue
		}
		if _, ok := normalized[n]; !ok {
			normalized[n] = i
		}
	}
	idx := columnIndex{}
	for logical, candidates := range columnCandidates {
		for _, c := range candidates {
			if pos, ok := normalized[normalizeHeader(c)]; ok {
				idx[logical] = pos
				break
			}
		}
	}
	return idx
}

func (idx columnIndex) get(row []string, logical string) string {
	pos, ok := idx[logical]
	if !ok || pos >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[pos])
}

var classificationValues = map[string]inspection.Classification{
	"OAI": inspection.ClassificationOAI,
	"VAI": inspection.ClassificationVAI,
	"NAI": inspection.ClassificationNAI,
}

func parseClassification(s string) inspection.Classification {
	s = strings.ToUpper(strings.TrimSpace(s))
	if c, ok := classificationValues[s]; ok {
		return c
	}
	// Dataset variants spell the long form.
	switch {
	case strings.HasPrefix(s, "OFFICIAL ACTION"):
		return inspection.ClassificationOAI
	case strings.HasPrefix(s, "VOLUNTARY ACTION"):
		return inspection.ClassificationVAI
	case strings.HasPrefix(s, "NO ACTION"):
		return inspection.ClassificationNAI
	}
	return inspection.ClassificationUnclassified
}

func parseInspectionType(s string) inspection.InspectionType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "483", "FORM 483", "FORM483", "FDA 483":
		return inspection.TypeForm483
	case "EIR", "ESTABLISHMENT INSPECTION REPORT":
		return inspection.TypeEIR
	case "":
		return inspection.TypeForm483
	}
	return inspection.TypeOther
}

var digitsOnly = regexp.MustCompile(`^\d+$`)

// recordsFromRows converts parsed rows to candidate records. Rows without a
// resolvable identity (no inspection id, no media id in the download URL, and
// no firm name to synthesize from) are skipped and counted.
func recordsFromRows(headers []string, rows [][]string, sourceDocument string, ingestedAt time.Time) ([]inspection.Record, int, error) {
	idx := buildColumnIndex(headers)
	if _, ok := idx["registration_number"]; !ok {
		if _, ok := idx["firm_name"]; !ok {
			return nil, 0, fmt.Errorf("dataset %s: no recognizable identity columns in header %v", sourceDocument, headers)
		}
	}

	var out []inspection.Record
	skipped := 0
	for _, row := range rows {
		rec := inspection.Record{
			RegistrationNumber: idx.get(row, "registration_number"),
			FirmName:           idx.get(row, "firm_name"),
			StreetAddress:      idx.get(row, "street_address"),
			City:               idx.get(row, "city"),
			State:              idx.get(row, "state"),
			Country:            idx.get(row, "country"),
			ZipCode:            idx.get(row, "zip_code"),
			InspectionDate:     cleanDate(idx.get(row, "inspection_date")),
			InspectionEndDate:  cleanDate(idx.get(row, "inspection_end_date")),
			FiscalYear:         idx.get(row, "fiscal_year"),
			Classification:     parseClassification(idx.get(row, "classification")),
			InspectionType:     parseInspectionType(idx.get(row, "inspection_type")),
			SourceKind:         inspection.SourceTabularFeed,
			SourceDocument:     sourceDocument,
			IngestedAt:         ingestedAt,
		}

		rawID := idx.get(row, "inspection_id")
		switch {
		case digitsOnly.MatchString(rawID):
			rec.InspectionID = rawID
		default:
			if id := inspection.MediaIDFromURL(idx.get(row, "source_url")); id != "" {
				rec.InspectionID = id
			} else if rec.FirmName != "" || rec.RegistrationNumber != "" {
				rec.InspectionID = inspection.SynthesizeID(rec.FirmName, rec.RegistrationNumber, sourceDocument)
			} else {
				skipped++
				continue
			}
		}
		out = append(out, rec)
	}
	return out, skipped, nil
}
