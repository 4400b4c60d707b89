package normalizer

import (
	"context"
	"regexp"
	"strings"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
)

// ReviewConfidenceThreshold is the extraction confidence below which a
// document is routed to manual review. Extraction still emits best-effort
// candidates; partial data remains useful after review.
const ReviewConfidenceThreshold = 0.80

// Document is a raw inspection document: either a file on disk or an
// in-memory payload, plus the identifier recorded as source_document.
type Document struct {
	Path string
	Data []byte
	Name string
}

// Candidates are identity fields recovered by pattern matching. Empty fields
// mean no rule matched; they are hints, not authoritative values.
type Candidates struct {
	FirmName           string `json:"firm_name,omitempty"`
	RegistrationNumber string `json:"registration_number,omitempty"`
	Address            string `json:"address,omitempty"`
}

// NormalizedDocument is the canonical text stream handed to the
// classification engine, with confidence metadata for downstream validation.
type NormalizedDocument struct {
	Text                 string     `json:"text"`
	SourceDocument       string     `json:"source_document"`
	MediaID              string     `json:"media_id,omitempty"`
	Candidates           Candidates `json:"identity_candidates"`
	ExtractionConfidence float64    `json:"extraction_confidence"`
	NeedsReview          bool       `json:"needs_review"`
	ObservationMarkers   int        `json:"observation_markers"`
	ExtractionMethod     string     `json:"extraction_method"`
	Truncated            bool       `json:"truncated"`
}

var (
	observationMarkerPattern = regexp.MustCompile(`(?im)^\s*OBSERVATION\s+(\d+)\b`)
	headerBlockPattern       = regexp.MustCompile(`(?i)(?:FIRM\s*NAME|LEGAL\s*NAME|NAME\s*OF\s*FIRM|ESTABLISHMENT\s*NAME)`)
	signatureBlockPattern    = regexp.MustCompile(`(?i)(?:EMPLOYEE\(S\)\s*SIGNATURE|DATE\s*ISSUED|SEE\s*REVERSE\s*OF\s*THIS\s*PAGE)`)

	// The district office box shares labels with the firm header and has to
	// go before header-field matching, or its city/state bleeds into the
	// firm name.
	districtBoxPattern = regexp.MustCompile(`(?is)(DISTRICT\s+ADDRESS\s+AND\s+PHONE\s+NUMBER.*?)(?:\n\s*\n|NAME\s+AND\s+TITLE\s+OF\s+INDIVIDUAL|FIRM\s+NAME|STREET\s+ADDRESS|CITY[, ]\s*STATE|$)`)

	feiInlinePattern = regexp.MustCompile(`(?i)\bFEI\s*(?:NUMBER|NO\.?|#)?\s*[:\-]?\s*([0-9][0-9\-\s]{5,})\b`)
	feiLabelPattern  = regexp.MustCompile(`(?i)\bFEI\s*(?:NUMBER|NO\.?|#)?\b`)
	nonDigitPattern  = regexp.MustCompile(`\D+`)
	wsPattern        = regexp.MustCompile(`\s+`)

	firmNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)FIRM\s*NAME[:\s]+([^\n\r]+?)(?:\n|$|FEI|Record|Date|Establishment)`),
		regexp.MustCompile(`(?i)Legal\s*Name[:\s]+([^\n\r]+?)(?:\n|$|FEI|Record|Date|Establishment)`),
		regexp.MustCompile(`(?i)Establishment\s*Name[:\s]+([^\n\r]+?)(?:\n|$|FEI|Record|Date)`),
		regexp.MustCompile(`(?i)Name\s*of\s*Firm[:\s]+([^\n\r]+?)(?:\n|$|FEI|Record|Date)`),
		regexp.MustCompile(`(?m)^([A-Z][A-Za-z0-9\s&\.,\-\(\)]+(?:Inc|LLC|Ltd|Limited|Corporation|Corp|Company|Co|GmbH|Pharmaceuticals?|Laboratories?))\b`),
	}

	addressPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)STREET\s*ADDRESS[:\s]+([^\n\r]+)`),
		regexp.MustCompile(`(?i)\bADDRESS[:\s]+([^\n\r]+)`),
	}

	addressKeywords = []string{"STREET", "ADDRESS", "CITY", "STATE", "ZIP", "POSTAL"}
)

type Normalizer struct{}

func New() *Normalizer { return &Normalizer{} }

// Normalize converts a raw document into a canonical text stream with
// confidence-scored identity candidates. It never fails hard on a
// low-confidence document; only an unreadable payload returns an error.
func (n *Normalizer) Normalize(ctx context.Context, doc Document) (NormalizedDocument, error) {
	ext, err := ExtractText(ctx, doc.Path, doc.Data)
	if err != nil {
		return NormalizedDocument{}, err
	}

	name := doc.Name
	if name == "" && doc.Path != "" {
		name = baseName(doc.Path)
	}

	out := NormalizedDocument{
		Text:             ext.Text,
		SourceDocument:   name,
		MediaID:          inspection.MediaIDFromFilename(name),
		ExtractionMethod: ext.Method,
		Truncated:        ext.Truncated,
	}

	header := headerWindow(ext.Text)
	scrubbed := districtBoxPattern.ReplaceAllString(header, "")

	out.Candidates.RegistrationNumber = findFEI(ext.Text)
	out.Candidates.FirmName = findFirmName(scrubbed)
	out.Candidates.Address = findAddress(scrubbed)

	out.ObservationMarkers = countObservationMarkers(ext.Text)
	out.ExtractionConfidence = scoreConfidence(ext.Text, out.ObservationMarkers)
	out.NeedsReview = out.ExtractionConfidence < ReviewConfidenceThreshold
	return out, nil
}

// scoreConfidence is the fraction of expected structural markers present:
// header block, observation numbering, signature/footer block.
func scoreConfidence(text string, markers int) float64 {
	found := 0
	if headerBlockPattern.MatchString(text) {
		found++
	}
	if markers > 0 {
		found++
	}
	if signatureBlockPattern.MatchString(text) {
		found++
	}
	return float64(found) / 3.0
}

func countObservationMarkers(text string) int {
	seen := map[string]bool{}
	for _, m := range observationMarkerPattern.FindAllStringSubmatch(text, -1) {
		seen[m[1]] = true
	}
	return len(seen)
}

// findFEI handles inline labels, two-line layouts where the digits sit under
// the label, and loose digits near "FEI" text, in that order.
func findFEI(text string) string {
	if m := feiInlinePattern.FindStringSubmatch(text); m != nil {
		if d := onlyDigits(m[1]); feiPlausible(d) {
			return d
		}
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !feiLabelPattern.MatchString(line) {
			continue
		}
		for j := i + 1; j <= i+2 && j < len(lines); j++ {
			if d := onlyDigits(lines[j]); feiPlausible(d) {
				return d
			}
		}
	}
	for _, line := range lines {
		if strings.Contains(strings.ToUpper(line), "FEI") {
			if d := onlyDigits(line); feiPlausible(d) {
				return d
			}
		}
	}
	return ""
}

func feiPlausible(digits string) bool {
	return len(digits) >= 6 && len(digits) <= 12
}

func findFirmName(header string) string {
	for _, p := range firmNamePatterns {
		m := p.FindStringSubmatch(header)
		if m == nil {
			continue
		}
		name := cleanField(m[1])
		name = strings.TrimRight(name, ",-. ")
		if plausibleFirmName(name) {
			return name
		}
	}
	return ""
}

func plausibleFirmName(name string) bool {
	if len(name) <= 5 || len(name) >= 150 {
		return false
	}
	upper := strings.ToUpper(name)
	if strings.HasPrefix(upper, "HTTP") {
		return false
	}
	for _, kw := range addressKeywords {
		if strings.Contains(upper, kw) {
			return false
		}
	}
	return true
}

func findAddress(header string) string {
	for _, p := range addressPatterns {
		if m := p.FindStringSubmatch(header); m != nil {
			addr := cleanField(m[1])
			if len(addr) > 5 {
				return addr
			}
		}
	}
	return ""
}

func headerWindow(text string) string {
	if len(text) > 6000 {
		return text[:6000]
	}
	return text
}

func cleanField(s string) string {
	return strings.TrimSpace(wsPattern.ReplaceAllString(s, " "))
}

func onlyDigits(s string) string {
	return nonDigitPattern.ReplaceAllString(s, "")
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
