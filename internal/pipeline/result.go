package pipeline

import (
	"regexp"
	"strings"

	"github.com/nimblecart/ghostwriter/internal/extract"
)

// Result is the reviewer's final output split into its parts. Meta and
// Review are nil when the corresponding block is absent or does not
// contain recoverable JSON; the body is still usable on its own.
type Result struct {
	Body   string                 `json:"body"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
	Review map[string]interface{} `json:"review,omitempty"`
}

var (
	metaBlock   = regexp.MustCompile(`(?s)<!--meta(.*?)meta-->`)
	reviewBlock = regexp.MustCompile(`(?s)<!--review(.*?)review-->`)
)

// ParseResult splits the final pipeline output into body text and the
// embedded meta and review blocks. Both blocks are stripped from the
// body whether or not their contents parse.
func ParseResult(raw string) Result {
	res := Result{}
	body := raw
	if m := metaBlock.FindStringSubmatch(body); m != nil {
		res.Meta = parseBlock(m[1])
		body = metaBlock.ReplaceAllString(body, "")
	}
	if m := reviewBlock.FindStringSubmatch(body); m != nil {
		res.Review = parseBlock(m[1])
		body = reviewBlock.ReplaceAllString(body, "")
	}
	res.Body = strings.TrimSpace(body)
	return res
}

func parseBlock(content string) map[string]interface{} {
	parsed, err := extract.Extract(content)
	if err != nil {
		return nil
	}
	return parsed
}
