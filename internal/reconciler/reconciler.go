// Package reconciler merges candidate records describing the same inspection
// arriving from different sources. There is one ordered priority table for
// the whole system: identity fields trust the tabular feed first, analytical
// fields trust model inference first. Priority applies per field, not per
// record, so a low-priority source can still fill a field the higher-priority
// source left empty.
package reconciler

import (
	"github.com/joelkehle/inspection-bridge/internal/inspection"
)

type fieldDef struct {
	name string
	get  func(*inspection.Record) string
	set  func(*inspection.Record, string)
}

var identityFields = []fieldDef{
	{"firm_name",
		func(r *inspection.Record) string { return r.FirmName },
		func(r *inspection.Record, v string) { r.FirmName = v }},
	{"registration_number",
		func(r *inspection.Record) string { return r.RegistrationNumber },
		func(r *inspection.Record, v string) { r.RegistrationNumber = v }},
	{"street_address",
		func(r *inspection.Record) string { return r.StreetAddress },
		func(r *inspection.Record, v string) { r.StreetAddress = v }},
	{"city",
		func(r *inspection.Record) string { return r.City },
		func(r *inspection.Record, v string) { r.City = v }},
	{"state",
		func(r *inspection.Record) string { return r.State },
		func(r *inspection.Record, v string) { r.State = v }},
	{"country",
		func(r *inspection.Record) string { return r.Country },
		func(r *inspection.Record, v string) { r.Country = v }},
	{"zip_code",
		func(r *inspection.Record) string { return r.ZipCode },
		func(r *inspection.Record, v string) { r.ZipCode = v }},
	{"inspection_date",
		func(r *inspection.Record) string { return r.InspectionDate },
		func(r *inspection.Record, v string) { r.InspectionDate = v }},
	{"inspection_end_date",
		func(r *inspection.Record) string { return r.InspectionEndDate },
		func(r *inspection.Record, v string) { r.InspectionEndDate = v }},
	{"fiscal_year",
		func(r *inspection.Record) string { return r.FiscalYear },
		func(r *inspection.Record, v string) { r.FiscalYear = v }},
}

var analyticalFields = []fieldDef{
	{"classification",
		func(r *inspection.Record) string { return string(r.Classification) },
		func(r *inspection.Record, v string) { r.Classification = inspection.Classification(v) }},
	{"justification",
		func(r *inspection.Record) string { return r.Justification },
		func(r *inspection.Record, v string) { r.Justification = v }},
}

// analyticalPriority inverts the identity ordering: only model inference
// produces analytical fields, so it is authoritative over the feed's coarse
// classification column.
func analyticalPriority(s inspection.SourceKind) int {
	switch s {
	case inspection.SourceModelInference:
		return 3
	case inspection.SourceTabularFeed:
		return 2
	case inspection.SourcePDFExtraction:
		return 1
	}
	return 0
}

// Merge folds an incoming candidate into the current persisted record for
// the same identity. When existing is nil the incoming record becomes the
// initial state with per-field provenance stamped. The returned conflicts
// are equal-priority disagreements retained for manual resolution.
func Merge(existing *inspection.Record, incoming inspection.Record) (inspection.Record, []inspection.Conflict) {
	if existing == nil {
		initial := incoming
		initial.FieldSources = map[string]inspection.SourceKind{}
		stampSources(&initial, incoming.SourceKind)
		if initial.Classification == "" {
			initial.Classification = inspection.ClassificationUnclassified
		}
		return initial, nil
	}

	merged := *existing
	if merged.FieldSources == nil {
		merged.FieldSources = map[string]inspection.SourceKind{}
		stampSources(&merged, existing.SourceKind)
	} else {
		// Copy so the caller's record is not mutated through the map.
		fs := make(map[string]inspection.SourceKind, len(merged.FieldSources))
		for k, v := range merged.FieldSources {
			fs[k] = v
		}
		merged.FieldSources = fs
	}

	var conflicts []inspection.Conflict
	conflicts = append(conflicts, mergeFields(&merged, existing, incoming, identityFields, inspection.IdentityPriority)...)
	conflicts = append(conflicts, mergeFields(&merged, existing, incoming, analyticalFields, analyticalPriority)...)

	// Compliance programs travel with the classification: authoritative
	// source replaces, anything else only fills an empty set.
	if len(incoming.ComplianceProgs) > 0 {
		cur := merged.FieldSources["compliance_programs"]
		if cur == "" || analyticalPriority(incoming.SourceKind) >= analyticalPriority(cur) {
			merged.ComplianceProgs = append([]string(nil), incoming.ComplianceProgs...)
			merged.FieldSources["compliance_programs"] = incoming.SourceKind
		}
	}

	if merged.Classification == "" {
		merged.Classification = inspection.ClassificationUnclassified
	}
	return merged, conflicts
}

func mergeFields(merged, existing *inspection.Record, incoming inspection.Record, fields []fieldDef, priority func(inspection.SourceKind) int) []inspection.Conflict {
	var conflicts []inspection.Conflict
	inc := incoming
	for _, f := range fields {
		incVal := f.get(&inc)
		if incVal == "" || incVal == string(inspection.ClassificationUnclassified) {
			continue
		}
		curVal := f.get(merged)
		curSource, tracked := merged.FieldSources[f.name]
		if curVal == "" || curVal == string(inspection.ClassificationUnclassified) || !tracked {
			f.set(merged, incVal)
			merged.FieldSources[f.name] = incoming.SourceKind
			continue
		}
		incPrio, curPrio := priority(incoming.SourceKind), priority(curSource)
		switch {
		case incPrio > curPrio:
			f.set(merged, incVal)
			merged.FieldSources[f.name] = incoming.SourceKind
		case incPrio < curPrio:
			// Existing value outranks the incoming one; nothing to record.
		case incVal == curVal:
			// Equal priority, same value: agreement, not a conflict.
		default:
			conflicts = append(conflicts, resolveTie(merged, existing, incoming, f, curVal, incVal, curSource))
		}
	}
	return conflicts
}

// resolveTie handles equal-priority disagreement: most-recent ingested_at
// wins when the timestamps differ; otherwise the existing value is kept and
// the conflict is left for manual adjudication.
func resolveTie(merged, existing *inspection.Record, incoming inspection.Record, f fieldDef, curVal, incVal string, curSource inspection.SourceKind) inspection.Conflict {
	c := inspection.Conflict{
		InspectionID: merged.InspectionID,
		Field:        f.name,
		Existing:     curVal,
		Incoming:     incVal,
		ExistingFrom: curSource,
		IncomingFrom: incoming.SourceKind,
	}
	switch {
	case incoming.IngestedAt.After(existing.IngestedAt):
		f.set(merged, incVal)
		merged.FieldSources[f.name] = incoming.SourceKind
		c.Resolution = "tie-break: most recent ingested_at, incoming value applied"
	case incoming.IngestedAt.Before(existing.IngestedAt):
		c.Resolution = "tie-break: most recent ingested_at, existing value kept"
	default:
		c.Resolution = "unresolved: equal priority and equal timestamp, manual adjudication required"
	}
	return c
}

func stampSources(r *inspection.Record, source inspection.SourceKind) {
	for _, f := range identityFields {
		if f.get(r) != "" {
			r.FieldSources[f.name] = source
		}
	}
	for _, f := range analyticalFields {
		if v := f.get(r); v != "" && v != string(inspection.ClassificationUnclassified) {
			r.FieldSources[f.name] = source
		}
	}
	if len(r.ComplianceProgs) > 0 {
		r.FieldSources["compliance_programs"] = source
	}
}
