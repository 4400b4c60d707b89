package store

import (
	"context"
	"fmt"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
)

// ListFilter narrows and pages the dashboard listing.
type ListFilter struct {
	Classification string
	Status         string
	Limit          int
	Offset         int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListInspections returns one page ordered by ingested_at descending, plus
// the total row count matching the filter.
func (s *Store) ListInspections(ctx context.Context, filter ListFilter) ([]inspection.Record, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := "1=1"
	args := []any{}
	if filter.Classification != "" {
		where += " AND classification = ?"
		args = append(args, filter.Classification)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM inspections WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count inspections: %w", err)
	}

	query := `
		SELECT inspection_id, registration_number, firm_name, street_address,
			city, state, country, zip_code, inspection_date,
			inspection_end_date, fiscal_year, inspection_type,
			classification, justification, compliance_programs, source_kind,
			source_document, ingested_at, status, validation_issues,
			field_sources
		FROM inspections WHERE ` + where + `
		ORDER BY ingested_at DESC, inspection_id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryxContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list inspections: %w", err)
	}
	defer rows.Close()

	var out []inspection.Record
	for rows.Next() {
		rec, err := scanInspection(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// SummaryCounts are the dashboard's aggregate numbers.
type SummaryCounts struct {
	Total            int            `json:"total"`
	ByClassification map[string]int `json:"by_classification"`
	ByStatus         map[string]int `json:"by_status"`
	Observations     int            `json:"observations"`
	CriticalFindings int            `json:"critical_findings"`
}

func (s *Store) Summary(ctx context.Context) (SummaryCounts, error) {
	out := SummaryCounts{
		ByClassification: map[string]int{},
		ByStatus:         map[string]int{},
	}
	if err := s.db.GetContext(ctx, &out.Total, `SELECT COUNT(*) FROM inspections`); err != nil {
		return out, fmt.Errorf("count total: %w", err)
	}
	if err := s.countsInto(ctx, out.ByClassification, `SELECT classification, COUNT(*) FROM inspections GROUP BY classification`); err != nil {
		return out, err
	}
	if err := s.countsInto(ctx, out.ByStatus, `SELECT status, COUNT(*) FROM inspections GROUP BY status`); err != nil {
		return out, err
	}
	if err := s.db.GetContext(ctx, &out.Observations, `SELECT COUNT(*) FROM observations`); err != nil {
		return out, fmt.Errorf("count observations: %w", err)
	}
	if err := s.db.GetContext(ctx, &out.CriticalFindings, `SELECT COUNT(*) FROM observations WHERE severity = ?`, string(inspection.SeverityCritical)); err != nil {
		return out, fmt.Errorf("count critical findings: %w", err)
	}
	return out, nil
}

func (s *Store) countsInto(ctx context.Context, dst map[string]int, query string) error {
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return fmt.Errorf("summary counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dst[key] = n
	}
	return rows.Err()
}
