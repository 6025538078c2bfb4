package sanitize

import (
	"regexp"
	"strings"
)

var (
	fenceLine    = regexp.MustCompile("^\\s*(```|~~~)")
	headingLine  = regexp.MustCompile(`^\s{0,3}#{1,6}\s+\S`)
	bulletLine   = regexp.MustCompile(`^\s*[-*+]\s+\S`)
	numberedLine = regexp.MustCompile(`^\s*\d{1,3}[.)]\s+\S`)
	quoteLine    = regexp.MustCompile(`^\s*>\s+\S`)
	boldLine     = regexp.MustCompile(`^\s*\*\*[^*]+\*\*:?\s*$`)
	fillerLine   = regexp.MustCompile(`(?i)^\s*(this file|this code|to configure|here is|here's|below is|the following|note:|make sure|you can|in this file|explanation:)`)
)

// endsInCode reports whether the trimmed line ends like a statement or markup.
func endsInCode(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	return strings.ContainsRune(";{}(),[]>=", rune(trimmed[len(trimmed)-1]))
}

// proseRule reports whether a line outside any block comment is prose.
type proseRule func(line string) bool

var proseRules = []proseRule{
	func(l string) bool { return fenceLine.MatchString(l) },
	func(l string) bool { return headingLine.MatchString(l) },
	func(l string) bool { return boldLine.MatchString(l) },
	func(l string) bool { return bulletLine.MatchString(l) && !endsInCode(l) },
	func(l string) bool { return numberedLine.MatchString(l) && !endsInCode(l) },
	func(l string) bool { return quoteLine.MatchString(l) && !endsInCode(l) },
	func(l string) bool { return fillerLine.MatchString(l) && !endsInCode(l) },
}

// continuesExpression reports whether a line leaves an expression open, so
// that a following "+ b" or "- 1" line is an operand rather than a bullet.
func continuesExpression(prev string) bool {
	trimmed := strings.TrimSpace(prev)
	if trimmed == "" || strings.HasPrefix(trimmed, "//") {
		return false
	}
	return !strings.ContainsRune(";{})", rune(trimmed[len(trimmed)-1]))
}

func isProse(line string) bool {
	for _, r := range proseRules {
		if r(line) {
			return true
		}
	}
	return false
}

// commentTracker follows /* */ and <!-- --> blocks across lines.
type commentTracker struct {
	closer string
}

// scan consumes one line. It reports whether the line is inside or touches a
// block comment, in which case it must be kept verbatim.
func (c *commentTracker) scan(line string) bool {
	touched := c.closer != ""
	rest := line
	for rest != "" {
		if c.closer != "" {
			i := strings.Index(rest, c.closer)
			if i < 0 {
				return true
			}
			rest = rest[i+len(c.closer):]
			c.closer = ""
			touched = true
			continue
		}
		js := strings.Index(rest, "/*")
		html := strings.Index(rest, "<!--")
		switch {
		case js >= 0 && (html < 0 || js < html):
			c.closer = "*/"
			rest = rest[js+2:]
		case html >= 0:
			c.closer = "-->"
			rest = rest[html+4:]
		default:
			return touched
		}
		touched = true
	}
	return touched
}

// StripProse removes explanatory prose the generator interleaves with code.
// Content of non-code kinds is returned unchanged.
func StripProse(content string, kind Kind) string {
	if !kind.IsCode() {
		return content
	}
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if kind == Markup {
		content = trimOutsideDocument(content)
	}

	var (
		tracker commentTracker
		prev    string
	)
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if tracker.scan(line) {
			kept = append(kept, line)
			continue
		}
		operand := kind != Markup && bulletLine.MatchString(line) && continuesExpression(prev)
		if !operand && isProse(line) {
			continue
		}
		kept = append(kept, line)
		if strings.TrimSpace(line) != "" {
			prev = line
		}
	}

	for len(kept) > 0 && strings.TrimSpace(kept[0]) == "" {
		kept = kept[1:]
	}
	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, "\n") + "\n"
}

// trimOutsideDocument drops text before the doctype or <html> tag and after
// the closing </html>.
func trimOutsideDocument(content string) string {
	lower := asciiLower(content)
	start := strings.Index(lower, "<!doctype")
	if i := strings.Index(lower, "<html"); i >= 0 && (start < 0 || i < start) {
		start = i
	}
	if start > 0 {
		content = content[start:]
		lower = lower[start:]
	}
	if end := strings.LastIndex(lower, "</html>"); end >= 0 {
		content = content[:end+len("</html>")]
	}
	return content
}

// asciiLower lowercases A-Z only, so byte offsets stay aligned with s.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
