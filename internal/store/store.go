// Package store persists reconciled inspection and observation records in
// SQLite under idempotent upsert semantics.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
)

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS inspections (
	inspection_id       TEXT PRIMARY KEY,
	registration_number TEXT NOT NULL DEFAULT '',
	firm_name           TEXT NOT NULL DEFAULT '',
	street_address      TEXT NOT NULL DEFAULT '',
	city                TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL DEFAULT '',
	country             TEXT NOT NULL DEFAULT '',
	zip_code            TEXT NOT NULL DEFAULT '',
	inspection_date     TEXT NOT NULL DEFAULT '',
	inspection_end_date TEXT NOT NULL DEFAULT '',
	fiscal_year         TEXT NOT NULL DEFAULT '',
	inspection_type     TEXT NOT NULL DEFAULT 'FORM483',
	classification      TEXT NOT NULL DEFAULT 'UNCLASSIFIED',
	justification       TEXT NOT NULL DEFAULT '',
	compliance_programs TEXT NOT NULL DEFAULT '[]',
	source_kind         TEXT NOT NULL,
	source_document     TEXT NOT NULL DEFAULT '',
	ingested_at         TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'ACCEPTED',
	validation_issues   TEXT NOT NULL DEFAULT '[]',
	field_sources       TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_inspections_registration
	ON inspections (registration_number);

CREATE TABLE IF NOT EXISTS observations (
	observation_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	inspection_id   TEXT NOT NULL REFERENCES inspections (inspection_id) ON DELETE CASCADE,
	sequence_number INTEGER NOT NULL,
	severity        TEXT NOT NULL,
	violation_code  TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL DEFAULT '',
	is_repeat       INTEGER NOT NULL DEFAULT 0,
	rationale_text  TEXT NOT NULL DEFAULT '',
	action_required TEXT NOT NULL DEFAULT '',
	confidence      REAL NOT NULL DEFAULT 0,
	UNIQUE (inspection_id, sequence_number)
);
`

// OrphanObservationError reports an observation write whose inspection_id
// has no corresponding inspection row. The enclosing transaction is rolled
// back, so the observations table is left unchanged.
type OrphanObservationError struct {
	InspectionID string
}

func (e *OrphanObservationError) Error() string {
	return fmt.Sprintf("no inspection row for inspection_id %q", e.InspectionID)
}

type Store struct {
	db *sqlx.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, locks: map[string]*sync.Mutex{}}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LockIdentity serializes writes for one inspection_id. Concurrent documents
// resolving to different identities proceed independently; two pipeline runs
// for the same identity must not interleave their merge and write steps.
func (s *Store) LockIdentity(inspectionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[inspectionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[inspectionID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// timeLayout is fixed width (nanoseconds never truncated) so the stored
// text sorts lexicographically in chronological order; ORDER BY ingested_at
// depends on that.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func marshalJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// UpsertInspection is idempotent by inspection_id: calling it twice with
// identical input produces no change, and ingested_at keeps its first-write
// value.
func (s *Store) UpsertInspection(ctx context.Context, rec inspection.Record) error {
	if rec.InspectionID == "" {
		return errors.New("inspection_id is required")
	}
	if rec.Classification == "" {
		rec.Classification = inspection.ClassificationUnclassified
	}
	if rec.InspectionType == "" {
		rec.InspectionType = inspection.TypeForm483
	}
	if rec.Status == "" {
		rec.Status = inspection.StatusAccepted
	}
	programs := rec.ComplianceProgs
	if programs == nil {
		programs = []string{}
	}
	issues := rec.ValidationIssues
	if issues == nil {
		issues = []inspection.Issue{}
	}
	fieldSources := rec.FieldSources
	if fieldSources == nil {
		fieldSources = map[string]inspection.SourceKind{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inspections (
			inspection_id, registration_number, firm_name, street_address,
			city, state, country, zip_code, inspection_date,
			inspection_end_date, fiscal_year, inspection_type,
			classification, justification, compliance_programs, source_kind,
			source_document, ingested_at, status, validation_issues,
			field_sources
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (inspection_id) DO UPDATE SET
			registration_number = excluded.registration_number,
			firm_name           = excluded.firm_name,
			street_address      = excluded.street_address,
			city                = excluded.city,
			state               = excluded.state,
			country             = excluded.country,
			zip_code            = excluded.zip_code,
			inspection_date     = excluded.inspection_date,
			inspection_end_date = excluded.inspection_end_date,
			fiscal_year         = excluded.fiscal_year,
			inspection_type     = excluded.inspection_type,
			classification      = excluded.classification,
			justification       = excluded.justification,
			compliance_programs = excluded.compliance_programs,
			source_kind         = excluded.source_kind,
			source_document     = excluded.source_document,
			status              = excluded.status,
			validation_issues   = excluded.validation_issues,
			field_sources       = excluded.field_sources`,
		rec.InspectionID,
		rec.RegistrationNumber,
		rec.FirmName,
		rec.StreetAddress,
		rec.City,
		rec.State,
		rec.Country,
		rec.ZipCode,
		rec.InspectionDate,
		rec.InspectionEndDate,
		rec.FiscalYear,
		string(rec.InspectionType),
		string(rec.Classification),
		rec.Justification,
		marshalJSON(programs),
		string(rec.SourceKind),
		rec.SourceDocument,
		timeToString(rec.IngestedAt),
		string(rec.Status),
		marshalJSON(issues),
		marshalJSON(fieldSources),
	)
	if err != nil {
		return fmt.Errorf("upsert inspection %s: %w", rec.InspectionID, err)
	}
	return nil
}

// GetInspection returns the persisted record, or ok=false when the identity
// has never been ingested.
func (s *Store) GetInspection(ctx context.Context, inspectionID string) (inspection.Record, bool, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT inspection_id, registration_number, firm_name, street_address,
			city, state, country, zip_code, inspection_date,
			inspection_end_date, fiscal_year, inspection_type,
			classification, justification, compliance_programs, source_kind,
			source_document, ingested_at, status, validation_issues,
			field_sources
		FROM inspections WHERE inspection_id = ?`, inspectionID)
	rec, err := scanInspection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inspection.Record{}, false, nil
	}
	if err != nil {
		return inspection.Record{}, false, fmt.Errorf("get inspection %s: %w", inspectionID, err)
	}
	return rec, true, nil
}

// FindByRegistration returns the most recently ingested record for a
// registration number, used to join PDF extractions onto feed rows.
func (s *Store) FindByRegistration(ctx context.Context, registrationNumber string) (inspection.Record, bool, error) {
	if registrationNumber == "" {
		return inspection.Record{}, false, nil
	}
	row := s.db.QueryRowxContext(ctx, `
		SELECT inspection_id, registration_number, firm_name, street_address,
			city, state, country, zip_code, inspection_date,
			inspection_end_date, fiscal_year, inspection_type,
			classification, justification, compliance_programs, source_kind,
			source_document, ingested_at, status, validation_issues,
			field_sources
		FROM inspections WHERE registration_number = ?
		ORDER BY ingested_at DESC LIMIT 1`, registrationNumber)
	rec, err := scanInspection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inspection.Record{}, false, nil
	}
	if err != nil {
		return inspection.Record{}, false, fmt.Errorf("find by registration %s: %w", registrationNumber, err)
	}
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInspection(row rowScanner) (inspection.Record, error) {
	var rec inspection.Record
	var programsJSON, issuesJSON, sourcesJSON, ingestedAt string
	var inspectionType, classification, sourceKind, status string
	err := row.Scan(
		&rec.InspectionID,
		&rec.RegistrationNumber,
		&rec.FirmName,
		&rec.StreetAddress,
		&rec.City,
		&rec.State,
		&rec.Country,
		&rec.ZipCode,
		&rec.InspectionDate,
		&rec.InspectionEndDate,
		&rec.FiscalYear,
		&inspectionType,
		&classification,
		&rec.Justification,
		&programsJSON,
		&sourceKind,
		&rec.SourceDocument,
		&ingestedAt,
		&status,
		&issuesJSON,
		&sourcesJSON,
	)
	if err != nil {
		return inspection.Record{}, err
	}
	rec.InspectionType = inspection.InspectionType(inspectionType)
	rec.Classification = inspection.Classification(classification)
	rec.SourceKind = inspection.SourceKind(sourceKind)
	rec.Status = inspection.RecordStatus(status)
	_ = json.Unmarshal([]byte(programsJSON), &rec.ComplianceProgs)
	_ = json.Unmarshal([]byte(issuesJSON), &rec.ValidationIssues)
	_ = json.Unmarshal([]byte(sourcesJSON), &rec.FieldSources)
	rec.IngestedAt, _ = time.Parse(time.RFC3339Nano, ingestedAt)
	return rec, nil
}

// ReplaceObservations swaps an inspection's full observation set inside one
// transaction, so no duplicate or stale rows survive a reprocessing pass.
// Returns OrphanObservationError when the inspection row does not exist.
func (s *Store) ReplaceObservations(ctx context.Context, inspectionID string, observations []inspection.Observation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace observations: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM inspections WHERE inspection_id = ?`, inspectionID).Scan(&exists); err != nil {
		return fmt.Errorf("check inspection %s: %w", inspectionID, err)
	}
	if exists == 0 {
		return &OrphanObservationError{InspectionID: inspectionID}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE inspection_id = ?`, inspectionID); err != nil {
		return fmt.Errorf("delete observations for %s: %w", inspectionID, err)
	}
	for _, obs := range observations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO observations (
				inspection_id, sequence_number, severity, violation_code,
				category, is_repeat, rationale_text, action_required, confidence
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inspectionID,
			obs.SequenceNumber,
			string(obs.Severity),
			obs.ViolationCode,
			obs.Category,
			boolToInt(obs.IsRepeat),
			obs.RationaleText,
			obs.ActionRequired,
			obs.Confidence,
		)
		if err != nil {
			return fmt.Errorf("insert observation %d for %s: %w", obs.SequenceNumber, inspectionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace observations: %w", err)
	}
	return nil
}

// ListObservations returns an inspection's observations in sequence order.
func (s *Store) ListObservations(ctx context.Context, inspectionID string) ([]inspection.Observation, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT observation_id, inspection_id, sequence_number, severity,
			violation_code, category, is_repeat, rationale_text,
			action_required, confidence
		FROM observations WHERE inspection_id = ?
		ORDER BY sequence_number`, inspectionID)
	if err != nil {
		return nil, fmt.Errorf("list observations for %s: %w", inspectionID, err)
	}
	defer rows.Close()
	var out []inspection.Observation
	for rows.Next() {
		var obs inspection.Observation
		var severity string
		var isRepeat int
		if err := rows.Scan(
			&obs.ObservationID,
			&obs.InspectionID,
			&obs.SequenceNumber,
			&severity,
			&obs.ViolationCode,
			&obs.Category,
			&isRepeat,
			&obs.RationaleText,
			&obs.ActionRequired,
			&obs.Confidence,
		); err != nil {
			return nil, err
		}
		obs.Severity = inspection.Severity(severity)
		obs.IsRepeat = isRepeat != 0
		out = append(out, obs)
	}
	return out, rows.Err()
}

// DeleteInspection removes an inspection by explicit operator action; its
// observations cascade.
func (s *Store) DeleteInspection(ctx context.Context, inspectionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inspections WHERE inspection_id = ?`, inspectionID); err != nil {
		return fmt.Errorf("delete inspection %s: %w", inspectionID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
