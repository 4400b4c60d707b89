package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord() inspection.Record {
	return inspection.Record{
		InspectionID:       "189344",
		RegistrationNumber: "3002808888",
		FirmName:           "Sterile Compounding Associates LLC",
		City:               "Maitland",
		State:              "FL",
		InspectionDate:     "2024-03-14",
		InspectionType:     inspection.TypeForm483,
		Classification:     inspection.ClassificationOAI,
		Justification:      "critical sterility failures",
		ComplianceProgs:    []string{"7356.002"},
		SourceKind:         inspection.SourceModelInference,
		SourceDocument:     "FDA_189344.pdf",
		IngestedAt:         time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		Status:             inspection.StatusAccepted,
		FieldSources: map[string]inspection.SourceKind{
			"firm_name":      inspection.SourcePDFExtraction,
			"classification": inspection.SourceModelInference,
		},
	}
}

func sampleObservations() []inspection.Observation {
	return []inspection.Observation{
		{InspectionID: "189344", SequenceNumber: 1, Severity: inspection.SeverityCritical,
			ViolationCode: "21 CFR 211.113", IsRepeat: true, RationaleText: "media fill failures", Confidence: 1.0},
		{InspectionID: "189344", SequenceNumber: 2, Severity: inspection.SeverityStandard,
			ViolationCode: "21 CFR 211.22", RationaleText: "SOP review lapses", Confidence: 1.0},
	}
}

func TestUpsertAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord()
	if err := s.UpsertInspection(ctx, rec); err != nil {
		t.Fatalf("UpsertInspection: %v", err)
	}
	got, found, err := s.GetInspection(ctx, rec.InspectionID)
	if err != nil || !found {
		t.Fatalf("GetInspection: found=%v err=%v", found, err)
	}
	if got.FirmName != rec.FirmName || got.Classification != rec.Classification {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.ComplianceProgs) != 1 || got.ComplianceProgs[0] != "7356.002" {
		t.Errorf("programs = %v", got.ComplianceProgs)
	}
	if got.FieldSources["firm_name"] != inspection.SourcePDFExtraction {
		t.Errorf("field sources lost: %v", got.FieldSources)
	}
	if !got.IngestedAt.Equal(rec.IngestedAt) {
		t.Errorf("ingested_at = %v", got.IngestedAt)
	}
}

func TestUpsertIdempotentPreservesIngestedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord()
	if err := s.UpsertInspection(ctx, rec); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	rec2 := rec
	rec2.IngestedAt = rec.IngestedAt.Add(48 * time.Hour)
	rec2.Justification = "updated justification"
	if err := s.UpsertInspection(ctx, rec2); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, _, err := s.GetInspection(ctx, rec.InspectionID)
	if err != nil {
		t.Fatalf("GetInspection: %v", err)
	}
	if got.Justification != "updated justification" {
		t.Error("update did not apply")
	}
	if !got.IngestedAt.Equal(rec.IngestedAt) {
		t.Errorf("ingested_at must keep first-write value, got %v", got.IngestedAt)
	}

	_, total, err := s.ListInspections(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListInspections: %v", err)
	}
	if total != 1 {
		t.Fatalf("duplicate rows after upsert: %d", total)
	}
}

func TestGetMissingInspection(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.GetInspection(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetInspection: %v", err)
	}
	if found {
		t.Fatal("missing row reported as found")
	}
}

func TestReplaceObservations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertInspection(ctx, sampleRecord()); err != nil {
		t.Fatalf("UpsertInspection: %v", err)
	}
	if err := s.ReplaceObservations(ctx, "189344", sampleObservations()); err != nil {
		t.Fatalf("ReplaceObservations: %v", err)
	}

	replacement := []inspection.Observation{
		{InspectionID: "189344", SequenceNumber: 1, Severity: inspection.SeveritySignificant, RationaleText: "reassessed"},
	}
	if err := s.ReplaceObservations(ctx, "189344", replacement); err != nil {
		t.Fatalf("second ReplaceObservations: %v", err)
	}

	obs, err := s.ListObservations(ctx, "189344")
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("stale observations survived: %d", len(obs))
	}
	if obs[0].Severity != inspection.SeveritySignificant {
		t.Errorf("observation = %+v", obs[0])
	}
}

func TestReplaceObservationsOrphan(t *testing.T) {
	s := openTestStore(t)
	err := s.ReplaceObservations(context.Background(), "ghost", sampleObservations())
	var orphan *OrphanObservationError
	if !errors.As(err, &orphan) {
		t.Fatalf("expected OrphanObservationError, got %v", err)
	}
	if orphan.InspectionID != "ghost" {
		t.Errorf("orphan id = %q", orphan.InspectionID)
	}
	obs, err := s.ListObservations(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if len(obs) != 0 {
		t.Fatal("orphan write left rows behind")
	}
}

func TestDeleteInspectionCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertInspection(ctx, sampleRecord()); err != nil {
		t.Fatalf("UpsertInspection: %v", err)
	}
	if err := s.ReplaceObservations(ctx, "189344", sampleObservations()); err != nil {
		t.Fatalf("ReplaceObservations: %v", err)
	}
	if err := s.DeleteInspection(ctx, "189344"); err != nil {
		t.Fatalf("DeleteInspection: %v", err)
	}
	obs, err := s.ListObservations(ctx, "189344")
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if len(obs) != 0 {
		t.Fatalf("observations did not cascade: %d", len(obs))
	}
}

func TestListInspectionsFilterAndPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, class := range []inspection.Classification{
		inspection.ClassificationOAI,
		inspection.ClassificationVAI,
		inspection.ClassificationOAI,
		inspection.ClassificationNAI,
	} {
		rec := sampleRecord()
		rec.InspectionID = string(rune('A' + i))
		rec.Classification = class
		rec.IngestedAt = base.Add(time.Duration(i) * time.Hour)
		if err := s.UpsertInspection(ctx, rec); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	oai, total, err := s.ListInspections(ctx, ListFilter{Classification: "OAI"})
	if err != nil {
		t.Fatalf("ListInspections: %v", err)
	}
	if total != 2 || len(oai) != 2 {
		t.Fatalf("OAI filter: total=%d len=%d", total, len(oai))
	}

	page, total, err := s.ListInspections(ctx, ListFilter{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("ListInspections: %v", err)
	}
	if total != 4 || len(page) != 2 {
		t.Fatalf("page 1: total=%d len=%d", total, len(page))
	}
	// Newest first.
	if page[0].InspectionID != "D" {
		t.Errorf("ordering: first = %s", page[0].InspectionID)
	}

	page2, _, err := s.ListInspections(ctx, ListFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListInspections: %v", err)
	}
	if len(page2) != 2 || page2[0].InspectionID == page[0].InspectionID {
		t.Fatalf("page 2 overlaps page 1")
	}
}

func TestFindByRegistrationOrdersMixedPrecisionTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Whole-second and fractional timestamps must still sort chronologically
	// in the stored text form.
	older := sampleRecord()
	older.InspectionID = "100001"
	older.IngestedAt = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	newer := sampleRecord()
	newer.InspectionID = "100002"
	newer.IngestedAt = time.Date(2024, 3, 15, 10, 0, 0, 500_000_000, time.UTC)
	for _, rec := range []inspection.Record{older, newer} {
		if err := s.UpsertInspection(ctx, rec); err != nil {
			t.Fatalf("UpsertInspection %s: %v", rec.InspectionID, err)
		}
	}

	got, found, err := s.FindByRegistration(ctx, older.RegistrationNumber)
	if err != nil || !found {
		t.Fatalf("FindByRegistration: found=%v err=%v", found, err)
	}
	if got.InspectionID != "100002" {
		t.Errorf("most recent pick = %s, want 100002", got.InspectionID)
	}

	page, _, err := s.ListInspections(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListInspections: %v", err)
	}
	if page[0].InspectionID != "100002" {
		t.Errorf("listing order: first = %s, want 100002", page[0].InspectionID)
	}
}

func TestSummaryCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord()
	if err := s.UpsertInspection(ctx, rec); err != nil {
		t.Fatalf("UpsertInspection: %v", err)
	}
	flagged := sampleRecord()
	flagged.InspectionID = "200000"
	flagged.Classification = inspection.ClassificationVAI
	flagged.Status = inspection.StatusFlagged
	if err := s.UpsertInspection(ctx, flagged); err != nil {
		t.Fatalf("UpsertInspection: %v", err)
	}
	if err := s.ReplaceObservations(ctx, "189344", sampleObservations()); err != nil {
		t.Fatalf("ReplaceObservations: %v", err)
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Total != 2 || sum.ByClassification["OAI"] != 1 || sum.ByClassification["VAI"] != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.ByStatus["FLAGGED"] != 1 {
		t.Errorf("status counts = %v", sum.ByStatus)
	}
	if sum.Observations != 2 || sum.CriticalFindings != 1 {
		t.Errorf("observation counts = %+v", sum)
	}
}

func TestLockIdentitySerializes(t *testing.T) {
	s := openTestStore(t)
	unlock := s.LockIdentity("189344")
	done := make(chan struct{})
	go func() {
		u := s.LockIdentity("189344")
		u()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock never released")
	}
}
