package inspection

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	mediaIDFilePattern = regexp.MustCompile(`FDA_(\d+)(?:_result)?\.(?:pdf|json)`)
	mediaIDAnyPattern  = regexp.MustCompile(`FDA_(\d+)`)
	mediaIDURLPattern  = regexp.MustCompile(`/media/(\d+)/download`)
)

// MediaIDFromFilename extracts the dataset media ID from filenames like
// FDA_189344.pdf or FDA_189344_result.json. Returns "" when absent.
func MediaIDFromFilename(name string) string {
	if m := mediaIDFilePattern.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	if m := mediaIDAnyPattern.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return ""
}

// MediaIDFromURL extracts the media ID from a dataset download URL.
func MediaIDFromURL(url string) string {
	if m := mediaIDURLPattern.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}

// SynthesizeID builds a deterministic inspection ID from identity parts when
// no external ID exists. Same inputs always produce the same ID, so repeated
// ingestion of the same document converges on one row.
func SynthesizeID(parts ...string) string {
	h := sha1.Sum([]byte(strings.Join(parts, "||")))
	n, err := strconv.ParseUint(hex.EncodeToString(h[:])[:12], 16, 64)
	if err != nil {
		// Unreachable for hex input; keep a stable fallback anyway.
		return "SYN_" + hex.EncodeToString(h[:6])
	}
	return fmt.Sprintf("SYN_%09d", n%1_000_000_000)
}
