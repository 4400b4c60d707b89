package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
	"github.com/joelkehle/inspection-bridge/internal/normalizer"
)

const maxAttempts = 3

var observationSplitPattern = regexp.MustCompile(`(?im)^\s*OBSERVATION\s+(\d+)[:\.]?\s*`)

// violationPayload is one entry of the model's violations array, exactly as
// the completion service emits it.
type violationPayload struct {
	ObservationNumber int    `json:"observation_number"`
	Classification    string `json:"classification"`
	ViolationCode     string `json:"violation_code"`
	Rationale         string `json:"rationale"`
	RiskLevel         string `json:"risk_level"`
	ComplianceProgram string `json:"compliance_program"`
	IsRepeat          bool   `json:"is_repeat"`
	ActionRequired    string `json:"action_required"`
}

// responsePayload is the completion service's response contract. Violations
// is a pointer so a missing key is distinguishable from an empty list; a
// missing key is a schema violation, not zero findings.
type responsePayload struct {
	OverallClassification       string              `json:"overall_classification"`
	ClassificationJustification string              `json:"classification_justification"`
	RelevantCompliancePrograms  []string            `json:"relevant_compliance_programs"`
	Violations                  *[]violationPayload `json:"violations"`
}

// Finding is a typed per-observation violation entry after schema
// acceptance.
type Finding struct {
	SequenceNumber int
	Severity       inspection.Severity
	ViolationCode  string
	Category       string
	RiskLevel      string
	IsRepeat       bool
	Rationale      string
	ActionRequired string
}

// Result is an accepted, schema-valid analysis for one document.
type Result struct {
	Classification      inspection.Classification
	Justification       string
	CompliancePrograms  []string
	Findings            []Finding
	ExtractionAgreement float64
	Attempts            int
}

type Engine struct {
	caller  Caller
	backoff time.Duration
}

func NewEngine(caller Caller) *Engine {
	return &Engine{caller: caller, backoff: backoffBase}
}

// NewEngineWithBackoff overrides the base delay between retry attempts.
func NewEngineWithBackoff(caller Caller, base time.Duration) *Engine {
	return &Engine{caller: caller, backoff: base}
}

// Classify issues one completion request per document and enforces the
// response schema before accepting. Schema-violating responses retry with a
// feedback suffix, transient transport failures retry as-is; every retry
// waits out the attempt's exponential backoff delay, and both paths are
// bounded by the shared attempt budget. Classification is atomic per
// document: no partial result is ever returned.
func (e *Engine) Classify(ctx context.Context, doc normalizer.NormalizedDocument) (Result, error) {
	observations := splitObservations(doc)
	prompt := buildPrompt(doc, observations)

	feedback := ""
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fullPrompt := prompt
		if feedback != "" {
			fullPrompt += "\n\n" + feedback
		}

		raw, err := e.caller.GenerateJSON(ctx, fullPrompt)
		if err != nil {
			class := classifyTransportError(err)
			if !retryable(class) {
				return Result{}, &FailedError{Attempts: attempt, Reason: "non-retryable transport failure", Err: err}
			}
			lastErr = err
			if attempt < maxAttempts {
				if serr := e.pause(ctx, attempt); serr != nil {
					return Result{}, &FailedError{Attempts: attempt, Reason: "cancelled during backoff", Err: serr}
				}
				continue
			}
			return Result{}, &FailedError{Attempts: attempt, Reason: "transport failure", Err: lastErr}
		}

		raw = strings.TrimSpace(raw)
		if raw == "" {
			lastErr = fmt.Errorf("empty response")
			feedback = "Your previous response was empty. Respond with valid JSON."
			if attempt < maxAttempts {
				if serr := e.pause(ctx, attempt); serr != nil {
					return Result{}, &FailedError{Attempts: attempt, Reason: "cancelled during backoff", Err: serr}
				}
				continue
			}
			return Result{}, &FailedError{Attempts: attempt, Reason: "empty response"}
		}

		var payload responsePayload
		if err := json.Unmarshal([]byte(stripCodeFences(raw)), &payload); err != nil {
			lastErr = err
			feedback = "Your previous response was not valid JSON. Respond with only valid JSON matching the schema."
			if attempt < maxAttempts {
				if serr := e.pause(ctx, attempt); serr != nil {
					return Result{}, &FailedError{Attempts: attempt, Reason: "cancelled during backoff", Err: serr}
				}
				continue
			}
			return Result{}, &FailedError{Attempts: attempt, Reason: "unparsable response", Err: lastErr}
		}
		if err := validatePayload(payload); err != nil {
			lastErr = err
			feedback = fmt.Sprintf("Your previous response violated the schema: %s. Fix these issues and return the full JSON object.", err)
			if attempt < maxAttempts {
				if serr := e.pause(ctx, attempt); serr != nil {
					return Result{}, &FailedError{Attempts: attempt, Reason: "cancelled during backoff", Err: serr}
				}
				continue
			}
			return Result{}, &FailedError{Attempts: attempt, Reason: "schema violation", Err: lastErr}
		}

		res := buildResult(payload, doc)
		res.Attempts = attempt
		return res, nil
	}
	return Result{}, &FailedError{Attempts: maxAttempts, Reason: "retries exhausted", Err: lastErr}
}

// pause waits out the attempt's backoff delay or reports the context's end,
// whichever comes first.
func (e *Engine) pause(ctx context.Context, attempt int) error {
	return sleepCtx(ctx, backoffDelay(e.backoff, attempt))
}

// validatePayload rejects anything non-conforming rather than coercing it;
// the model's output is an untrusted payload.
func validatePayload(p responsePayload) error {
	switch p.OverallClassification {
	case "OAI", "VAI", "NAI":
	default:
		return fmt.Errorf("overall_classification %q not in enumerated set", p.OverallClassification)
	}
	if strings.TrimSpace(p.ClassificationJustification) == "" {
		return fmt.Errorf("classification_justification is required")
	}
	if p.Violations == nil {
		return fmt.Errorf("violations key is required")
	}
	for i, v := range *p.Violations {
		if v.ObservationNumber < 1 {
			return fmt.Errorf("violations[%d].observation_number must be >= 1", i)
		}
		switch v.Classification {
		case "Critical", "Significant", "Standard":
		default:
			return fmt.Errorf("violations[%d].classification %q not in enumerated set", i, v.Classification)
		}
	}
	return nil
}

func buildResult(p responsePayload, doc normalizer.NormalizedDocument) Result {
	res := Result{
		Classification:     inspection.Classification(p.OverallClassification),
		Justification:      strings.TrimSpace(p.ClassificationJustification),
		CompliancePrograms: dedupePrograms(p.RelevantCompliancePrograms),
	}
	for _, v := range *p.Violations {
		res.Findings = append(res.Findings, Finding{
			SequenceNumber: v.ObservationNumber,
			Severity:       severityFromModel(v.Classification),
			ViolationCode:  strings.TrimSpace(v.ViolationCode),
			Category:       strings.TrimSpace(v.ComplianceProgram),
			RiskLevel:      strings.TrimSpace(v.RiskLevel),
			IsRepeat:       v.IsRepeat,
			Rationale:      strings.TrimSpace(v.Rationale),
			ActionRequired: strings.TrimSpace(v.ActionRequired),
		})
	}
	res.ExtractionAgreement = extractionAgreement(len(res.Findings), doc.ObservationMarkers)
	return res
}

func severityFromModel(s string) inspection.Severity {
	switch s {
	case "Critical":
		return inspection.SeverityCritical
	case "Significant":
		return inspection.SeveritySignificant
	default:
		return inspection.SeverityStandard
	}
}

func dedupePrograms(codes []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// extractionAgreement cross-checks the number of declared violations against
// the distinct observation markers found during normalization. The model is
// not deterministic, so this is the closest thing to a confidence score the
// engine can attach.
func extractionAgreement(declared, markers int) float64 {
	if declared == 0 && markers == 0 {
		return 1.0
	}
	max := math.Max(float64(declared), float64(markers))
	if max == 0 {
		return 1.0
	}
	diff := math.Abs(float64(declared) - float64(markers))
	return 1.0 - diff/max
}
