package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joelkehle/inspection-bridge/internal/classifier"
	"github.com/joelkehle/inspection-bridge/internal/inspection"
	"github.com/joelkehle/inspection-bridge/internal/normalizer"
	"github.com/joelkehle/inspection-bridge/internal/store"
)

type scriptedCaller struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	idx       int
}

func (f *scriptedCaller) GenerateJSON(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.idx
	f.idx++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	if len(f.responses) > 0 {
		return f.responses[len(f.responses)-1], nil
	}
	return "", nil
}

const goodResponse = `{
  "overall_classification": "OAI",
  "classification_justification": "Critical sterility failures.",
  "relevant_compliance_programs": ["7356.002"],
  "violations": [
    {"observation_number": 1, "classification": "Critical", "violation_code": "21 CFR 211.113",
     "rationale": "Media fill failures", "risk_level": "High",
     "compliance_program": "7356.002", "is_repeat": false, "action_required": "Remediate"},
    {"observation_number": 2, "classification": "Standard", "violation_code": "21 CFR 211.22",
     "rationale": "SOP lapses", "risk_level": "Low",
     "compliance_program": "7356.002", "is_repeat": false, "action_required": "Update SOPs"}
  ]
}`

const documentText = `FIRM NAME: Sterile Compounding Associates LLC
FEI NUMBER: 3002808888

OBSERVATION 1
Media fills failed repeatedly.

OBSERVATION 2
SOPs were not reviewed.

EMPLOYEE(S) SIGNATURE
DATE ISSUED: 03/14/2024`

func testRunner(t *testing.T, caller classifier.Caller) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	engine := classifier.NewEngineWithBackoff(caller, time.Millisecond)
	return NewRunner(normalizer.New(), engine, st, 2), st
}

func TestRunAcceptedDocument(t *testing.T) {
	runner, st := testRunner(t, &scriptedCaller{responses: []string{goodResponse}})
	summary, err := runner.Run(context.Background(), []normalizer.Document{
		{Data: []byte(documentText), Name: "FDA_189344.pdf"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Accepted != 1 || summary.Fatal != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	out := summary.Outcomes[0]
	if out.Kind != OutcomeAccepted || out.InspectionID != "189344" {
		t.Fatalf("outcome = %+v", out)
	}

	rec, found, err := st.GetInspection(context.Background(), "189344")
	if err != nil || !found {
		t.Fatalf("persisted record: found=%v err=%v", found, err)
	}
	if rec.Classification != inspection.ClassificationOAI {
		t.Errorf("classification = %s", rec.Classification)
	}
	if rec.FirmName != "Sterile Compounding Associates LLC" {
		t.Errorf("firm name = %q", rec.FirmName)
	}
	if rec.FieldSources["classification"] != inspection.SourceModelInference {
		t.Errorf("classification provenance = %s", rec.FieldSources["classification"])
	}
	if rec.FieldSources["firm_name"] != inspection.SourcePDFExtraction {
		t.Errorf("firm_name provenance = %s", rec.FieldSources["firm_name"])
	}

	obs, err := st.ListObservations(context.Background(), "189344")
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("observations = %d", len(obs))
	}
}

func TestRunReprocessingIsIdempotent(t *testing.T) {
	runner, st := testRunner(t, &scriptedCaller{responses: []string{goodResponse}})
	doc := normalizer.Document{Data: []byte(documentText), Name: "FDA_189344.pdf"}

	if _, err := runner.Run(context.Background(), []normalizer.Document{doc}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := runner.Run(context.Background(), []normalizer.Document{doc}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	_, total, err := st.ListInspections(context.Background(), store.ListFilter{})
	if err != nil {
		t.Fatalf("ListInspections: %v", err)
	}
	if total != 1 {
		t.Fatalf("duplicate rows after reprocess: %d", total)
	}
	obs, err := st.ListObservations(context.Background(), "189344")
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("duplicate observations after reprocess: %d", len(obs))
	}
}

func TestRunClassificationFailurePersistsSkeleton(t *testing.T) {
	authErr := errors.New("status code: 401, authentication failed")
	runner, st := testRunner(t, &scriptedCaller{errs: []error{authErr, authErr, authErr}})
	summary, err := runner.Run(context.Background(), []normalizer.Document{
		{Data: []byte(documentText), Name: "FDA_189344.pdf"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.NeedsReprocess != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if ids := summary.AffectedIDs(OutcomeNeedsReprocess); len(ids) != 1 || ids[0] != "189344" {
		t.Fatalf("affected ids = %v", ids)
	}

	rec, found, err := st.GetInspection(context.Background(), "189344")
	if err != nil || !found {
		t.Fatalf("skeleton record: found=%v err=%v", found, err)
	}
	if rec.Status != inspection.StatusNeedsReprocess {
		t.Errorf("status = %s", rec.Status)
	}
	if rec.Classification != inspection.ClassificationUnclassified {
		t.Errorf("classification = %s", rec.Classification)
	}
	if rec.FirmName == "" {
		t.Error("identity candidates should persist for the retry")
	}
}

func TestClassificationFailureLeavesPriorRecordIntact(t *testing.T) {
	// First run accepts; every later call returns an unparsable response,
	// exhausting all retries.
	caller := &scriptedCaller{responses: []string{goodResponse, "not json"}}
	runner, st := testRunner(t, caller)
	ctx := context.Background()
	doc := normalizer.Document{Data: []byte(documentText), Name: "FDA_189344.pdf"}

	if _, err := runner.Run(ctx, []normalizer.Document{doc}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	summary, err := runner.Run(ctx, []normalizer.Document{doc})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.NeedsReprocess != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Outcomes[0].Attempts != 3 {
		t.Errorf("attempts = %d", summary.Outcomes[0].Attempts)
	}

	rec, found, err := st.GetInspection(ctx, "189344")
	if err != nil || !found {
		t.Fatalf("record after failed rerun: found=%v err=%v", found, err)
	}
	if rec.Classification != inspection.ClassificationOAI {
		t.Errorf("prior classification lost: %s", rec.Classification)
	}
	if rec.Justification == "" {
		t.Error("prior justification lost")
	}
	if rec.Status != inspection.StatusNeedsReprocess {
		t.Errorf("status = %s", rec.Status)
	}
	obs, err := st.ListObservations(ctx, "189344")
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("prior observations lost: %d", len(obs))
	}
}

func TestIngestFeedThenDocumentMergesIdentity(t *testing.T) {
	runner, st := testRunner(t, &scriptedCaller{responses: []string{goodResponse}})
	ctx := context.Background()

	feedRow := inspection.Record{
		InspectionID:       "189344",
		RegistrationNumber: "3002808888",
		FirmName:           "STERILE COMPOUNDING ASSOCIATES LLC",
		City:               "Maitland",
		State:              "FL",
		InspectionDate:     "2024-03-10",
		InspectionType:     inspection.TypeForm483,
		SourceKind:         inspection.SourceTabularFeed,
		SourceDocument:     "inspections.csv",
		IngestedAt:         time.Now().UTC(),
	}
	if _, _, err := runner.IngestFeed(ctx, []inspection.Record{feedRow}); err != nil {
		t.Fatalf("IngestFeed: %v", err)
	}

	summary, err := runner.Run(ctx, []normalizer.Document{
		{Data: []byte(documentText), Name: "FDA_189344.pdf"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Fatal != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	rec, _, err := st.GetInspection(ctx, "189344")
	if err != nil {
		t.Fatalf("GetInspection: %v", err)
	}
	// Feed outranks extraction on identity; model provides the analysis.
	if rec.FirmName != "STERILE COMPOUNDING ASSOCIATES LLC" {
		t.Errorf("firm name = %q", rec.FirmName)
	}
	if rec.City != "Maitland" || rec.InspectionDate != "2024-03-10" {
		t.Errorf("feed identity lost: %+v", rec)
	}
	if rec.Classification != inspection.ClassificationOAI {
		t.Errorf("classification = %s", rec.Classification)
	}
}

func TestDocumentWithoutMediaIDJoinsByRegistration(t *testing.T) {
	runner, st := testRunner(t, &scriptedCaller{responses: []string{goodResponse}})
	ctx := context.Background()

	feedRow := inspection.Record{
		InspectionID:       "777001",
		RegistrationNumber: "3002808888",
		FirmName:           "Sterile Compounding Associates LLC",
		SourceKind:         inspection.SourceTabularFeed,
		SourceDocument:     "inspections.csv",
		IngestedAt:         time.Now().UTC(),
	}
	if _, _, err := runner.IngestFeed(ctx, []inspection.Record{feedRow}); err != nil {
		t.Fatalf("IngestFeed: %v", err)
	}

	summary, err := runner.Run(ctx, []normalizer.Document{
		{Data: []byte(documentText), Name: "unlabeled_scan.pdf"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Outcomes[0].InspectionID != "777001" {
		t.Fatalf("document did not join existing row: %+v", summary.Outcomes[0])
	}
	_, total, err := st.ListInspections(ctx, store.ListFilter{})
	if err != nil {
		t.Fatalf("ListInspections: %v", err)
	}
	if total != 1 {
		t.Fatalf("rows = %d", total)
	}
}

func TestIngestFeedReportsUnresolvedConflicts(t *testing.T) {
	runner, st := testRunner(t, &scriptedCaller{})
	ctx := context.Background()

	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	row := inspection.Record{
		InspectionID:       "189344",
		RegistrationNumber: "3002808888",
		FirmName:           "Acme Pharmaceuticals Inc",
		City:               "Maitland",
		SourceKind:         inspection.SourceTabularFeed,
		SourceDocument:     "feed_a.csv",
		IngestedAt:         at,
	}
	disagreeing := row
	disagreeing.City = "Orlando"
	disagreeing.SourceDocument = "feed_b.csv"

	_, conflicts, err := runner.IngestFeed(ctx, []inspection.Record{row, disagreeing})
	if err != nil {
		t.Fatalf("IngestFeed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %+v", conflicts)
	}
	c := conflicts[0]
	if c.Field != "city" || c.Existing != "Maitland" || c.Incoming != "Orlando" {
		t.Errorf("conflict = %+v", c)
	}
	if !strings.HasPrefix(c.Resolution, "unresolved") {
		t.Errorf("resolution = %q", c.Resolution)
	}

	rec, _, err := st.GetInspection(ctx, "189344")
	if err != nil {
		t.Fatalf("GetInspection: %v", err)
	}
	if rec.Status != inspection.StatusNeedsReview {
		t.Errorf("status = %s", rec.Status)
	}
	if rec.City != "Maitland" {
		t.Errorf("existing value not kept: %q", rec.City)
	}
}

func TestRunLowConfidenceDocumentFlagged(t *testing.T) {
	clean := `{"overall_classification": "NAI", "classification_justification": "nothing found", "relevant_compliance_programs": [], "violations": []}`
	runner, _ := testRunner(t, &scriptedCaller{responses: []string{clean}})
	summary, err := runner.Run(context.Background(), []normalizer.Document{
		{Data: []byte("FIRM NAME: Acme Pharmaceuticals Inc\nfree text, no structure"), Name: "scan_0001.pdf"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := summary.Outcomes[0]
	if !out.NeedsReview {
		t.Error("low-confidence extraction should mark review")
	}
	if out.Kind != OutcomeFlagged || out.Status != inspection.StatusFlagged {
		t.Fatalf("outcome = %+v", out)
	}
}
