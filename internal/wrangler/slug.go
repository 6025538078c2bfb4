// Package wrangler synthesizes the serverless deployment manifest and
// provisions the key-value namespace that backs static assets.
package wrangler

import "strings"

const maxSlugLen = 63

// Slug maps s onto the host's naming rules: lowercase letters, digits and
// single hyphens, at most 63 characters. An empty result becomes "app".
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	if out == "" {
		return "app"
	}
	return out
}

// NamespaceTitle is the deterministic title of a project's asset namespace.
func NamespaceTitle(project string) string {
	return project + "-ASSETS"
}
