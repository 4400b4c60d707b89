package classifier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
	"github.com/joelkehle/inspection-bridge/internal/normalizer"
)

const responseSchemaPrompt = `Required JSON schema:
{
  "overall_classification": "OAI" | "VAI" | "NAI",
  "classification_justification": "Detailed explanation of why this classification was assigned",
  "relevant_compliance_programs": ["7356.002", "7356.008", ...],
  "violations": [
    {
      "observation_number": 1,
      "classification": "Critical" | "Significant" | "Standard",
      "violation_code": "21 CFR 211.xxx or applicable regulation",
      "rationale": "Explanation of violation classification",
      "risk_level": "High" | "Medium" | "Low",
      "compliance_program": "7356.002",
      "is_repeat": false,
      "action_required": "Description of required action"
    }
  ]
}`

const classificationGuidelines = `Classification Guidelines:
- OAI (Official Action Indicated): Critical violations, repeat violations, systemic failures, patient safety risks
- VAI (Voluntary Action Indicated): Significant violations that require corrective action but don't pose immediate risk
- NAI (No Action Indicated): Minor violations or no significant issues found

Violation Classification:
- Critical: Sterile product contamination, immediate patient safety risks, failure investigations
- Significant: Environmental monitoring issues, trend analysis failures, quality system deficiencies
- Standard: Documentation issues, laboratory procedures, minor cGMP violations`

const maxObservationChars = 2000

// buildPrompt assembles the fixed instruction template for one document:
// firm identity block, numbered observation texts, response schema, and the
// classification guidelines.
func buildPrompt(doc normalizer.NormalizedDocument, observations []sourceObservation) string {
	firm := doc.Candidates.FirmName
	if firm == "" {
		firm = "Not specified"
	}
	reg := doc.Candidates.RegistrationNumber
	if reg == "" {
		reg = "Not specified"
	}

	var obsText strings.Builder
	for i, obs := range observations {
		if i > 0 {
			obsText.WriteString("\n\n")
		}
		fmt.Fprintf(&obsText, "Observation %d: %s", obs.Number, obs.Content)
	}

	var programs strings.Builder
	codes := make([]string, 0, len(inspection.CompliancePrograms))
	for code := range inspection.CompliancePrograms {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(&programs, "- %s: %s\n", code, inspection.CompliancePrograms[code])
	}

	return fmt.Sprintf(`Analyze these Form 483 inspection observations.

Firm Information:
- Firm Name: %s
- Registration Number (FEI): %s
- Form Type: 483

Observations:
%s

Known compliance programs:
%s
%s

%s

Return ONLY valid JSON, no additional text.`,
		firm, reg, obsText.String(), programs.String(), responseSchemaPrompt, classificationGuidelines)
}

type sourceObservation struct {
	Number  int
	Content string
}

// splitObservations carves the normalized text into its numbered observation
// blocks. When the document has no observation markers the whole text goes to
// the model as a single block, matching how review-worthy scans still get a
// best-effort pass.
func splitObservations(doc normalizer.NormalizedDocument) []sourceObservation {
	matches := observationSplitPattern.FindAllStringSubmatchIndex(doc.Text, -1)
	if len(matches) == 0 {
		content := doc.Text
		if len(content) > 5000 {
			content = content[:5000]
		}
		return []sourceObservation{{Number: 1, Content: strings.TrimSpace(content)}}
	}
	out := make([]sourceObservation, 0, len(matches))
	for i, m := range matches {
		num := 0
		fmt.Sscanf(doc.Text[m[2]:m[3]], "%d", &num)
		start := m[1]
		end := len(doc.Text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		content := strings.TrimSpace(doc.Text[start:end])
		if len(content) > maxObservationChars {
			content = content[:maxObservationChars]
		}
		out = append(out, sourceObservation{Number: num, Content: content})
	}
	return out
}
