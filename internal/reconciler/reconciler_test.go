package reconciler

import (
	"testing"
	"time"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
)

var (
	earlier = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	later   = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
)

func feedRecord() inspection.Record {
	return inspection.Record{
		InspectionID:       "189344",
		FirmName:           "Sterile Compounding Associates LLC",
		RegistrationNumber: "3002808888",
		City:               "Maitland",
		State:              "FL",
		Classification:     inspection.ClassificationVAI,
		SourceKind:         inspection.SourceTabularFeed,
		IngestedAt:         earlier,
	}
}

func TestMergeInitialStampsProvenance(t *testing.T) {
	merged, conflicts := Merge(nil, feedRecord())
	if len(conflicts) != 0 {
		t.Fatalf("conflicts on initial merge: %v", conflicts)
	}
	if merged.FieldSources["firm_name"] != inspection.SourceTabularFeed {
		t.Errorf("firm_name source = %s", merged.FieldSources["firm_name"])
	}
	if _, ok := merged.FieldSources["street_address"]; ok {
		t.Error("empty field should not be stamped")
	}
}

func TestMergeLowerPriorityFillsEmptyIdentityField(t *testing.T) {
	existing, _ := Merge(nil, feedRecord())
	incoming := inspection.Record{
		InspectionID:  "189344",
		StreetAddress: "1200 Industrial Parkway",
		SourceKind:    inspection.SourcePDFExtraction,
		IngestedAt:    later,
	}
	merged, conflicts := Merge(&existing, incoming)
	if len(conflicts) != 0 {
		t.Fatalf("conflicts: %v", conflicts)
	}
	if merged.StreetAddress != "1200 Industrial Parkway" {
		t.Error("empty field should be filled by lower-priority source")
	}
	if merged.FieldSources["street_address"] != inspection.SourcePDFExtraction {
		t.Errorf("street_address source = %s", merged.FieldSources["street_address"])
	}
}

func TestMergeLowerPriorityDoesNotOverwriteIdentityField(t *testing.T) {
	existing, _ := Merge(nil, feedRecord())
	incoming := inspection.Record{
		InspectionID: "189344",
		FirmName:     "STERILE COMPOUNDING ASSOC",
		SourceKind:   inspection.SourcePDFExtraction,
		IngestedAt:   later,
	}
	merged, conflicts := Merge(&existing, incoming)
	if merged.FirmName != "Sterile Compounding Associates LLC" {
		t.Errorf("firm name overwritten to %q", merged.FirmName)
	}
	if len(conflicts) != 0 {
		t.Fatalf("lower priority loss is not a conflict: %v", conflicts)
	}
}

func TestMergeModelOverridesFeedClassification(t *testing.T) {
	existing, _ := Merge(nil, feedRecord())
	incoming := inspection.Record{
		InspectionID:   "189344",
		Classification: inspection.ClassificationOAI,
		Justification:  "critical sterility failures",
		SourceKind:     inspection.SourceModelInference,
		IngestedAt:     later,
	}
	merged, conflicts := Merge(&existing, incoming)
	if len(conflicts) != 0 {
		t.Fatalf("conflicts: %v", conflicts)
	}
	if merged.Classification != inspection.ClassificationOAI {
		t.Errorf("classification = %s", merged.Classification)
	}
	if merged.FirmName != "Sterile Compounding Associates LLC" {
		t.Error("identity fields must survive an analytical update")
	}
}

func TestMergeFeedDoesNotOverrideModelClassification(t *testing.T) {
	base, _ := Merge(nil, inspection.Record{
		InspectionID:   "189344",
		Classification: inspection.ClassificationOAI,
		SourceKind:     inspection.SourceModelInference,
		IngestedAt:     earlier,
	})
	feed := feedRecord()
	feed.IngestedAt = later
	merged, _ := Merge(&base, feed)
	if merged.Classification != inspection.ClassificationOAI {
		t.Errorf("model classification lost: %s", merged.Classification)
	}
}

func TestMergeEqualPriorityTieBreakByIngestedAt(t *testing.T) {
	existing, _ := Merge(nil, feedRecord())
	incoming := feedRecord()
	incoming.FirmName = "Sterile Compounding Associates, LLC"
	incoming.IngestedAt = later
	merged, conflicts := Merge(&existing, incoming)
	if merged.FirmName != "Sterile Compounding Associates, LLC" {
		t.Errorf("newer value should win: %q", merged.FirmName)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v", conflicts)
	}
	if conflicts[0].Field != "firm_name" {
		t.Errorf("conflict field = %s", conflicts[0].Field)
	}
}

func TestMergeEqualPriorityOlderIncomingKeepsExisting(t *testing.T) {
	newer := feedRecord()
	newer.IngestedAt = later
	existing, _ := Merge(nil, newer)
	incoming := feedRecord()
	incoming.FirmName = "Different Name Entirely Ltd"
	incoming.IngestedAt = earlier
	merged, conflicts := Merge(&existing, incoming)
	if merged.FirmName != "Sterile Compounding Associates LLC" {
		t.Errorf("existing newer value should be kept: %q", merged.FirmName)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v", conflicts)
	}
}

func TestMergeEqualPriorityEqualTimestampUnresolved(t *testing.T) {
	existing, _ := Merge(nil, feedRecord())
	incoming := feedRecord()
	incoming.FirmName = "Different Name Entirely Ltd"
	merged, conflicts := Merge(&existing, incoming)
	if merged.FirmName != "Sterile Compounding Associates LLC" {
		t.Errorf("existing value should be kept: %q", merged.FirmName)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v", conflicts)
	}
	if got := conflicts[0].Resolution; len(got) < 10 || got[:10] != "unresolved" {
		t.Errorf("resolution = %q", got)
	}
}

func TestMergeAgreementIsNotConflict(t *testing.T) {
	existing, _ := Merge(nil, feedRecord())
	incoming := feedRecord()
	incoming.IngestedAt = later
	_, conflicts := Merge(&existing, incoming)
	if len(conflicts) != 0 {
		t.Fatalf("same values should agree: %v", conflicts)
	}
}

func TestMergeUnclassifiedIncomingSkipped(t *testing.T) {
	existing, _ := Merge(nil, feedRecord())
	incoming := inspection.Record{
		InspectionID:   "189344",
		Classification: inspection.ClassificationUnclassified,
		SourceKind:     inspection.SourceModelInference,
		IngestedAt:     later,
	}
	merged, _ := Merge(&existing, incoming)
	if merged.Classification != inspection.ClassificationVAI {
		t.Errorf("UNCLASSIFIED must not overwrite: %s", merged.Classification)
	}
}

func TestMergeDoesNotMutateCaller(t *testing.T) {
	existing, _ := Merge(nil, feedRecord())
	snapshot := existing.FieldSources["firm_name"]
	incoming := inspection.Record{
		InspectionID:  "189344",
		StreetAddress: "1200 Industrial Parkway",
		SourceKind:    inspection.SourcePDFExtraction,
		IngestedAt:    later,
	}
	_, _ = Merge(&existing, incoming)
	if _, ok := existing.FieldSources["street_address"]; ok {
		t.Error("caller's FieldSources map was mutated")
	}
	if existing.FieldSources["firm_name"] != snapshot {
		t.Error("caller's record changed")
	}
}

func TestMergeCompliancePrograms(t *testing.T) {
	existing, _ := Merge(nil, feedRecord())
	incoming := inspection.Record{
		InspectionID:    "189344",
		ComplianceProgs: []string{"7356.002"},
		SourceKind:      inspection.SourceModelInference,
		IngestedAt:      later,
	}
	merged, _ := Merge(&existing, incoming)
	if len(merged.ComplianceProgs) != 1 || merged.ComplianceProgs[0] != "7356.002" {
		t.Fatalf("programs = %v", merged.ComplianceProgs)
	}
	if merged.FieldSources["compliance_programs"] != inspection.SourceModelInference {
		t.Errorf("programs source = %s", merged.FieldSources["compliance_programs"])
	}
}
