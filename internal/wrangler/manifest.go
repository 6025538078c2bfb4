package wrangler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	EntryHandlerPath         = "src/index.ts"
	ManifestPath             = "wrangler.toml"
	AssetsBinding            = "ASSETS"
	StaticBucket             = "./public"
	DefaultCompatibilityDate = "2024-09-23"
)

// Manifest is everything that goes into wrangler.toml. Optional blocks are
// rendered only when their fields are set.
type Manifest struct {
	Name              string
	Main              string
	CompatibilityDate string
	AccountID         string
	Vars              map[string]string
	KVNamespaceID     string
	SiteBucket        string
}

var bareKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Render produces the manifest text. Output is deterministic: vars are
// emitted in key order and every value is a TOML basic string.
func Render(m Manifest) string {
	if m.Main == "" {
		m.Main = EntryHandlerPath
	}
	if m.CompatibilityDate == "" {
		m.CompatibilityDate = DefaultCompatibilityDate
	}
	name := m.Name
	if name == "" {
		name = "app"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "name = %s\n", quote(name))
	fmt.Fprintf(&b, "main = %s\n", quote(m.Main))
	fmt.Fprintf(&b, "compatibility_date = %s\n", quote(m.CompatibilityDate))
	if m.AccountID != "" {
		fmt.Fprintf(&b, "account_id = %s\n", quote(m.AccountID))
	}
	if len(m.Vars) > 0 {
		keys := make([]string, 0, len(m.Vars))
		for k := range m.Vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n[vars]\n")
		for _, k := range keys {
			key := k
			if !bareKey.MatchString(k) {
				key = quote(k)
			}
			fmt.Fprintf(&b, "%s = %s\n", key, quote(m.Vars[k]))
		}
	}
	if m.KVNamespaceID != "" {
		b.WriteString("\n[[kv_namespaces]]\n")
		fmt.Fprintf(&b, "binding = %s\n", quote(AssetsBinding))
		fmt.Fprintf(&b, "id = %s\n", quote(m.KVNamespaceID))
	}
	if m.SiteBucket != "" {
		b.WriteString("\n[site]\n")
		fmt.Fprintf(&b, "bucket = %s\n", quote(m.SiteBucket))
	}
	return b.String()
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\u%04X`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

type manifestDoc struct {
	Name              string         `toml:"name"`
	Main              string         `toml:"main"`
	CompatibilityDate string         `toml:"compatibility_date"`
	AccountID         string         `toml:"account_id"`
	Vars              map[string]any `toml:"vars"`
	KVNamespaces      []struct {
		Binding string `toml:"binding"`
		ID      string `toml:"id"`
	} `toml:"kv_namespaces"`
	Site struct {
		Bucket string `toml:"bucket"`
	} `toml:"site"`
}

// Parse reads a manifest. Non-string vars are formatted with %v; nested
// tables under [vars] are ignored.
func Parse(content string) (Manifest, error) {
	var doc manifestDoc
	if err := toml.Unmarshal([]byte(content), &doc); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m := Manifest{
		Name:              doc.Name,
		Main:              doc.Main,
		CompatibilityDate: doc.CompatibilityDate,
		AccountID:         doc.AccountID,
		SiteBucket:        doc.Site.Bucket,
	}
	for k, v := range doc.Vars {
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		if m.Vars == nil {
			m.Vars = make(map[string]string)
		}
		m.Vars[k] = fmt.Sprint(v)
	}
	for _, ns := range doc.KVNamespaces {
		if ns.Binding == AssetsBinding {
			m.KVNamespaceID = ns.ID
		}
	}
	return m, nil
}
