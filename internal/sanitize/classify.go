package sanitize

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Kind is the sniffed content type of a generated file.
type Kind int

const (
	Unknown Kind = iota
	Markup
	Stylesheet
	Script
	StructuredData
)

func (k Kind) String() string {
	switch k {
	case Markup:
		return "markup"
	case Stylesheet:
		return "stylesheet"
	case Script:
		return "script"
	case StructuredData:
		return "structuredData"
	default:
		return "unknown"
	}
}

// IsCode reports whether prose stripping applies to k.
func (k Kind) IsCode() bool {
	return k == Markup || k == Stylesheet || k == Script
}

type rule struct {
	kind  Kind
	match func(string) bool
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{Markup, isMarkup},
	{StructuredData, isStructuredData},
	{Script, isScript},
	{Stylesheet, isStylesheet},
}

// Classify sniffs content. It never looks at the file path.
func Classify(content string) Kind {
	for _, r := range rules {
		if r.match(content) {
			return r.kind
		}
	}
	return Unknown
}

// Matches reports whether content satisfies the rule for kind.
func Matches(kind Kind, content string) bool {
	for _, r := range rules {
		if r.kind == kind {
			return r.match(content)
		}
	}
	return false
}

func isMarkup(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "<!doctype html") || strings.Contains(lower, "<html")
}

func isStructuredData(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return false
	}
	return json.Valid([]byte(trimmed))
}

var scriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bfunction\b\s*\*?\s*[A-Za-z_$]*\s*\(`),
	regexp.MustCompile(`\bexport\s+(default|const|let|function|class|async|interface|type)\b`),
	regexp.MustCompile(`\bimport\s+[^;]*\bfrom\s+['"]`),
	regexp.MustCompile(`\)\s*=>|\b[A-Za-z_$][\w$]*\s*=>`),
	regexp.MustCompile(`(?m)^\s*(const|let|var)\s+[A-Za-z_$][\w$]*\s*[=:]`),
	regexp.MustCompile(`\b(document|window|console)\.[A-Za-z]+`),
	regexp.MustCompile(`\baddEventListener\s*\(`),
	regexp.MustCompile(`\brequire\s*\(\s*['"]`),
}

func isScript(content string) bool {
	for _, p := range scriptPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

var (
	cssRule         = regexp.MustCompile(`[^{};]+\{[^{}]*:[^{}]*\}`)
	cssCommentBlock = regexp.MustCompile(`(?s)^/\*.*\*/$`)
)

// isStylesheet accepts a pure comment block or text where brace, colon and
// semicolon density is high enough and at least one selector block exists.
func isStylesheet(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || isMarkup(trimmed) {
		return false
	}
	if cssCommentBlock.MatchString(trimmed) && strings.Count(trimmed, "*/") == 1 {
		return true
	}
	if !cssRule.MatchString(trimmed) {
		return false
	}
	var symbols, visible int
	for _, r := range trimmed {
		switch r {
		case '{', '}', ':', ';':
			symbols++
		}
		if r > ' ' {
			visible++
		}
	}
	return visible > 0 && float64(symbols)/float64(visible) >= 0.03
}
