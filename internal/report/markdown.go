// Package report renders inspection analyses as markdown and as printable
// PDF via headless Chromium.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
	"github.com/joelkehle/inspection-bridge/internal/pipeline"
)

// InspectionMarkdown builds the per-inspection report body.
func InspectionMarkdown(rec inspection.Record, observations []inspection.Observation) string {
	var b strings.Builder
	firm := rec.FirmName
	if firm == "" {
		firm = rec.InspectionID
	}
	fmt.Fprintf(&b, "# Inspection Report: %s\n\n", firm)

	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	writeRow := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "| %s | %s |\n", label, value)
		}
	}
	writeRow("Inspection ID", rec.InspectionID)
	writeRow("Registration Number (FEI)", rec.RegistrationNumber)
	writeRow("Address", joinNonEmpty(", ", rec.StreetAddress, rec.City, rec.State, rec.ZipCode, rec.Country))
	writeRow("Inspection Date", rec.InspectionDate)
	writeRow("Inspection End Date", rec.InspectionEndDate)
	writeRow("Fiscal Year", rec.FiscalYear)
	writeRow("Type", string(rec.InspectionType))
	writeRow("Classification", classificationLine(rec.Classification))
	writeRow("Status", string(rec.Status))
	writeRow("Source Document", rec.SourceDocument)
	b.WriteString("\n")

	if rec.Justification != "" {
		b.WriteString("## Classification Justification\n\n")
		b.WriteString(rec.Justification)
		b.WriteString("\n\n")
	}

	if len(rec.ComplianceProgs) > 0 {
		b.WriteString("## Relevant Compliance Programs\n\n")
		for _, code := range rec.ComplianceProgs {
			desc := inspection.CompliancePrograms[code]
			if desc != "" {
				fmt.Fprintf(&b, "- %s: %s\n", code, desc)
			} else {
				fmt.Fprintf(&b, "- %s\n", code)
			}
		}
		b.WriteString("\n")
	}

	if len(observations) > 0 {
		b.WriteString("## Observations\n\n")
		b.WriteString("| # | Severity | Violation Code | Repeat | Rationale | Action Required |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, obs := range observations {
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s |\n",
				obs.SequenceNumber,
				string(obs.Severity),
				cellOrDash(obs.ViolationCode),
				yesNo(obs.IsRepeat),
				cellOrDash(tableEscape(obs.RationaleText)),
				cellOrDash(tableEscape(obs.ActionRequired)),
			)
		}
		b.WriteString("\n")
	}

	if len(rec.ValidationIssues) > 0 {
		b.WriteString("## Validation Issues\n\n")
		for _, issue := range rec.ValidationIssues {
			fmt.Fprintf(&b, "- **%s**: %s\n", issue.Field, issue.Reason)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// BatchMarkdown builds the run-summary report.
func BatchMarkdown(summary pipeline.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Batch Run %s\n\n", summary.RunID)
	fmt.Fprintf(&b, "Started %s, finished %s.\n\n",
		summary.Started.Format(time.RFC3339),
		summary.Finished.Format(time.RFC3339))

	b.WriteString("| Outcome | Count |\n|---|---|\n")
	fmt.Fprintf(&b, "| Accepted | %d |\n", summary.Accepted)
	fmt.Fprintf(&b, "| Flagged | %d |\n", summary.Flagged)
	fmt.Fprintf(&b, "| Needs reprocess | %d |\n", summary.NeedsReprocess)
	fmt.Fprintf(&b, "| Fatal | %d |\n\n", summary.Fatal)
	if summary.FeedRows > 0 || summary.FeedSkipped > 0 {
		fmt.Fprintf(&b, "Feed rows ingested: %d (skipped %d without resolvable identity).\n\n",
			summary.FeedRows, summary.FeedSkipped)
	}

	if len(summary.Outcomes) > 0 {
		b.WriteString("## Documents\n\n")
		b.WriteString("| Document | Inspection | Outcome | Status | Detail |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, o := range summary.Outcomes {
			detail := o.Error
			if detail == "" && len(o.Issues) > 0 {
				detail = fmt.Sprintf("%d validation issue(s)", len(o.Issues))
			}
			if len(o.Conflicts) > 0 {
				detail = joinNonEmpty("; ", detail, fmt.Sprintf("%d reconciliation conflict(s)", len(o.Conflicts)))
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				cellOrDash(o.SourceDocument),
				cellOrDash(o.InspectionID),
				string(o.Kind),
				cellOrDash(string(o.Status)),
				cellOrDash(tableEscape(detail)),
			)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func classificationLine(c inspection.Classification) string {
	if name, ok := inspection.ClassificationNames[c]; ok && name != "" {
		return fmt.Sprintf("%s (%s)", string(c), name)
	}
	return string(c)
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func cellOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func tableEscape(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
