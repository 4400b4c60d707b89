package inspection

import "time"

type Classification string

const (
	ClassificationOAI          Classification = "OAI"
	ClassificationVAI          Classification = "VAI"
	ClassificationNAI          Classification = "NAI"
	ClassificationUnclassified Classification = "UNCLASSIFIED"
)

// ClassificationNames maps the three-tier disposition codes to their
// dashboard labels.
var ClassificationNames = map[Classification]string{
	ClassificationOAI: "Official Action Indicated",
	ClassificationVAI: "Voluntary Action Indicated",
	ClassificationNAI: "No Action Indicated",
}

func ValidClassification(c Classification) bool {
	switch c {
	case ClassificationOAI, ClassificationVAI, ClassificationNAI, ClassificationUnclassified:
		return true
	}
	return false
}

type InspectionType string

const (
	TypeForm483 InspectionType = "FORM483"
	TypeEIR     InspectionType = "EIR"
	TypeOther   InspectionType = "OTHER"
)

type Severity string

const (
	SeverityCritical    Severity = "CRITICAL"
	SeveritySignificant Severity = "SIGNIFICANT"
	SeverityStandard    Severity = "STANDARD"
)

func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeveritySignificant, SeverityStandard:
		return true
	}
	return false
}

// SourceKind identifies where a candidate record came from. Identity fields
// merge by descending priority: tabular feed, then PDF extraction, then model
// inference. Analytical fields invert this; only the model produces them.
type SourceKind string

const (
	SourceTabularFeed    SourceKind = "TABULAR_FEED"
	SourcePDFExtraction  SourceKind = "PDF_EXTRACTION"
	SourceModelInference SourceKind = "MODEL_INFERENCE"
)

// IdentityPriority returns the rank of a source for identity fields.
// Higher wins. Unknown sources rank below everything.
func IdentityPriority(s SourceKind) int {
	switch s {
	case SourceTabularFeed:
		return 3
	case SourcePDFExtraction:
		return 2
	case SourceModelInference:
		return 1
	}
	return 0
}

type RecordStatus string

const (
	StatusAccepted       RecordStatus = "ACCEPTED"
	StatusFlagged        RecordStatus = "FLAGGED"
	StatusNeedsReview    RecordStatus = "NEEDS_MANUAL_REVIEW"
	StatusNeedsReprocess RecordStatus = "NEEDS_REPROCESS"
)

// CompliancePrograms is the FDA compliance program code to name mapping used
// in prompts and on the dashboard.
var CompliancePrograms = map[string]string{
	"7356.002": "Drug Manufacturing Inspections",
	"7356.008": "Compounding Pharmacy Inspections",
	"7346.832": "Sterile Drug Products",
	"7356.014": "Drug Quality Assurance",
	"7356.001": "Drug GMP Inspections",
	"7356.003": "Active Pharmaceutical Ingredient (API) Inspections",
	"7346.844": "Non-Sterile Drug Products",
	"7356.009": "Human Drug Outlets",
}

// Record is one inspection event. RegistrationNumber is the FEI-style numeric
// firm identifier and may be empty when no source produced one.
type Record struct {
	InspectionID       string         `json:"inspection_id" db:"inspection_id"`
	RegistrationNumber string         `json:"registration_number,omitempty" db:"registration_number"`
	FirmName           string         `json:"firm_name" db:"firm_name"`
	StreetAddress      string         `json:"street_address,omitempty" db:"street_address"`
	City               string         `json:"city,omitempty" db:"city"`
	State              string         `json:"state,omitempty" db:"state"`
	Country            string         `json:"country,omitempty" db:"country"`
	ZipCode            string         `json:"zip_code,omitempty" db:"zip_code"`
	InspectionDate     string         `json:"inspection_date,omitempty" db:"inspection_date"`
	InspectionEndDate  string         `json:"inspection_end_date,omitempty" db:"inspection_end_date"`
	FiscalYear         string         `json:"fiscal_year,omitempty" db:"fiscal_year"`
	InspectionType     InspectionType `json:"inspection_type" db:"inspection_type"`
	Classification     Classification `json:"classification" db:"classification"`
	Justification      string         `json:"classification_justification,omitempty" db:"justification"`
	ComplianceProgs    []string       `json:"compliance_programs,omitempty" db:"-"`
	SourceKind         SourceKind     `json:"source_kind" db:"source_kind"`
	SourceDocument     string         `json:"source_document,omitempty" db:"source_document"`
	IngestedAt         time.Time      `json:"ingested_at" db:"ingested_at"`
	Status             RecordStatus   `json:"status" db:"status"`
	ValidationIssues   []Issue        `json:"validation_issues,omitempty" db:"-"`

	// FieldSources tracks, per identity field, the source that last wrote
	// it, so a later low-priority source can fill gaps without overwriting.
	FieldSources map[string]SourceKind `json:"field_sources,omitempty" db:"-"`
}

// Observation is one finding within an inspection. SequenceNumber is 1-based
// in order of appearance in the source document.
type Observation struct {
	ObservationID  int64    `json:"observation_id" db:"observation_id"`
	InspectionID   string   `json:"inspection_id" db:"inspection_id"`
	SequenceNumber int      `json:"sequence_number" db:"sequence_number"`
	Severity       Severity `json:"severity" db:"severity"`
	ViolationCode  string   `json:"violation_code,omitempty" db:"violation_code"`
	Category       string   `json:"category,omitempty" db:"category"`
	IsRepeat       bool     `json:"is_repeat" db:"is_repeat"`
	RationaleText  string   `json:"rationale_text,omitempty" db:"rationale_text"`
	ActionRequired string   `json:"action_required,omitempty" db:"action_required"`
	Confidence     float64  `json:"confidence" db:"confidence"`
}

// Issue is a single validation finding attached to a flagged record.
type Issue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Conflict records a field-level disagreement between two candidate records
// of equal source priority. Conflicts are transient: they ride on the
// document outcome for manual adjudication and are never persisted.
type Conflict struct {
	InspectionID string     `json:"inspection_id"`
	Field        string     `json:"field"`
	Existing     string     `json:"existing"`
	Incoming     string     `json:"incoming"`
	ExistingFrom SourceKind `json:"existing_from"`
	IncomingFrom SourceKind `json:"incoming_from"`
	Resolution   string     `json:"resolution"`
}
