// Package extract recovers JSON objects from free-text model output.
//
// Models asked for "JSON only" still wrap the object in prose, markdown
// fences, or leave trailing commas behind. Each fallback here targets one
// of those observed failure modes; anything beyond that is treated as a
// terminal extraction failure rather than guessed at.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const previewLen = 160

var (
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	fencedBlock   = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// ExtractionError reports that no JSON object could be recovered.
type ExtractionError struct {
	Length  int
	Preview string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("no JSON object recovered from %d bytes of model output (preview: %q)", e.Length, e.Preview)
}

// Extract parses a raw model response into a JSON object. The fallbacks are
// ordered and the first success wins:
//
//  1. direct parse of the trimmed text
//  2. strip trailing commas before } or ] and re-parse
//  3. the contents of a fenced code block, with steps 1-2
//  4. the substring from the first { to the last }, with steps 1-2
//
// Extraction is all or nothing; a failure never yields a partial object.
func Extract(raw string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(raw)

	if obj, ok := tryParse(trimmed); ok {
		return obj, nil
	}
	if block := fencedContents(trimmed); block != "" {
		if obj, ok := tryParse(block); ok {
			return obj, nil
		}
	}
	if inner := braceSlice(trimmed); inner != "" {
		if obj, ok := tryParse(inner); ok {
			return obj, nil
		}
	}

	preview := trimmed
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	return nil, &ExtractionError{Length: len(raw), Preview: preview}
}

// tryParse attempts a strict parse, then once more with trailing commas
// removed. It never mutates its input.
func tryParse(s string) (map[string]interface{}, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj, true
	}
	cleaned := trailingComma.ReplaceAllString(s, "$1")
	if cleaned != s {
		obj = nil
		if err := json.Unmarshal([]byte(cleaned), &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

func fencedContents(s string) string {
	m := fencedBlock.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func braceSlice(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
