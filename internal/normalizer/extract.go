package normalizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode"
)

const (
	maxDocumentBytes = 20 * 1024 * 1024
	maxTextRun       = 60000
)

// ExtractionResult carries extracted text plus how it was obtained, so the
// normalizer can fold the method into its confidence scoring.
type ExtractionResult struct {
	Text      string
	Method    string
	Truncated bool
}

// ExtractText pulls a text stream out of a raw document. PDFs on disk go
// through pdftotext; anything else falls back to scanning the payload for
// printable runs. Never returns partial text alongside an error.
func ExtractText(ctx context.Context, path string, data []byte) (ExtractionResult, error) {
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return ExtractionResult{}, err
		}
		if info.Size() > maxDocumentBytes {
			return ExtractionResult{}, fmt.Errorf("document too large: %d bytes", info.Size())
		}
		if text, err := runPdfToText(ctx, path); err == nil && strings.TrimSpace(text) != "" {
			return truncateExtraction(text, "pdftotext"), nil
		}
		blob, err := os.ReadFile(path)
		if err != nil {
			return ExtractionResult{}, err
		}
		data = blob
	}
	if len(data) > maxDocumentBytes {
		return ExtractionResult{}, fmt.Errorf("document too large: %d bytes", len(data))
	}
	if looksLikeText(data) {
		return truncateExtraction(string(data), "plain-text"), nil
	}
	fallback := extractPrintableText(data)
	if strings.TrimSpace(fallback) == "" {
		return ExtractionResult{}, errors.New("no extractable text found")
	}
	return truncateExtraction(fallback, "byte-fallback"), nil
}

func runPdfToText(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", path, "-")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func looksLikeText(blob []byte) bool {
	if len(blob) == 0 {
		return false
	}
	if bytes.HasPrefix(blob, []byte("%PDF")) {
		return false
	}
	sample := blob
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	printable := 0
	for _, c := range sample {
		r := rune(c)
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			printable++
		}
	}
	return printable*100 >= len(sample)*95
}

func extractPrintableText(blob []byte) string {
	var runs []string
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		if len(s) >= 24 {
			runs = append(runs, s)
		}
		b.Reset()
	}
	for _, c := range blob {
		r := rune(c)
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	joined := strings.Join(runs, "\n")
	joined = strings.ReplaceAll(joined, "\x00", "")
	return strings.TrimSpace(joined)
}

func truncateExtraction(text, method string) ExtractionResult {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= maxTextRun {
		return ExtractionResult{Text: trimmed, Method: method}
	}
	prefix := trimmed[:maxTextRun]
	// Avoid cutting in the middle of a rune sequence.
	prefix = string(bytes.Runes([]byte(prefix)))
	return ExtractionResult{
		Text:      prefix + "\n\n[TRUNCATED]",
		Method:    method,
		Truncated: true,
	}
}
