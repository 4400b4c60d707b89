// Package validator checks classified records against format and domain
// constraints. Failures downgrade a record to FLAGGED; nothing is silently
// dropped or auto-corrected, because observations are evidence.
package validator

import (
	"fmt"
	"regexp"

	"github.com/joelkehle/inspection-bridge/internal/classifier"
	"github.com/joelkehle/inspection-bridge/internal/inspection"
	"github.com/joelkehle/inspection-bridge/internal/normalizer"
)

var (
	cfrCitationPattern = regexp.MustCompile(`^\d{2} CFR \d+(\.\d+)?$`)
	registrationShape  = regexp.MustCompile(`^\d+$`)
)

const (
	registrationMinDigits = 9
	registrationMaxDigits = 11

	// Below this agreement score the declared findings diverge too far from
	// the document's own observation markers to trust unreviewed.
	minExtractionAgreement = 0.5
)

type Verdict struct {
	Status inspection.RecordStatus
	Issues []inspection.Issue
}

// Validate applies every rule; all must pass for ACCEPTED. Any failure
// yields FLAGGED, and the record still persists, carrying its issues.
func Validate(res classifier.Result, doc normalizer.NormalizedDocument) Verdict {
	var issues []inspection.Issue
	add := func(field, reason string) {
		issues = append(issues, inspection.Issue{Field: field, Reason: reason})
	}

	if !inspection.ValidClassification(res.Classification) {
		add("classification", fmt.Sprintf("%q not in enumerated set", res.Classification))
	}

	hasCritical := false
	seen := map[int]bool{}
	maxSeq := 0
	for _, f := range res.Findings {
		if f.Severity == inspection.SeverityCritical {
			hasCritical = true
		}
		if !inspection.ValidSeverity(f.Severity) {
			add("severity", fmt.Sprintf("observation %d: missing or invalid severity", f.SequenceNumber))
		}
		if f.ViolationCode != "" && !cfrCitationPattern.MatchString(f.ViolationCode) {
			// Kept, not dropped: the code stays on the observation and the
			// record carries the flag.
			add("violation_code", fmt.Sprintf("observation %d: %q does not match CFR citation pattern", f.SequenceNumber, f.ViolationCode))
		}
		if seen[f.SequenceNumber] {
			add("sequence_number", fmt.Sprintf("duplicate sequence number %d", f.SequenceNumber))
		}
		seen[f.SequenceNumber] = true
		if f.SequenceNumber > maxSeq {
			maxSeq = f.SequenceNumber
		}
	}
	for seq := 1; seq <= maxSeq; seq++ {
		if !seen[seq] {
			add("sequence_number", fmt.Sprintf("gap in sequence numbers: %d missing", seq))
		}
	}

	if reg := doc.Candidates.RegistrationNumber; reg != "" {
		if !registrationShape.MatchString(reg) {
			add("registration_number", fmt.Sprintf("%q is not numeric", reg))
		} else if len(reg) < registrationMinDigits || len(reg) > registrationMaxDigits {
			add("registration_number", fmt.Sprintf("length %d outside %d-%d digits", len(reg), registrationMinDigits, registrationMaxDigits))
		}
	}

	if hasCritical && res.Classification == inspection.ClassificationNAI {
		// Requires human sign-off; never auto-escalated.
		add("classification", "CRITICAL severity observation present with classification NAI")
	}

	if res.ExtractionAgreement < minExtractionAgreement {
		add("extraction_agreement", fmt.Sprintf("declared findings diverge from observation markers (agreement %.2f)", res.ExtractionAgreement))
	}

	if len(issues) > 0 {
		return Verdict{Status: inspection.StatusFlagged, Issues: issues}
	}
	return Verdict{Status: inspection.StatusAccepted}
}
