package sanitize

import (
	"fmt"
	"path"
	"strings"
	"unicode"
)

const maxPathLen = 255

const (
	staticDir     = "public/"
	handlerDir    = "src/"
	workflowDir   = ".github/workflows/"
	IndexPath     = "public/index.html"
	StylesPath    = "public/styles.css"
	ScriptPath    = "public/app.js"
	WorkflowPath  = ".github/workflows/deploy.yml"
	HandlerPath   = "src/index.ts"
	ManifestPath  = "wrangler.toml"
	assetsBinding = "ASSETS"
)

// NormalizePath cleans a generator-supplied path. It rejects empty paths,
// parent segments, non-printable characters and overlong paths.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, `\`, "/")
	for _, r := range p {
		if !unicode.IsPrint(r) {
			return "", fmt.Errorf("path %q contains non-printable characters", p)
		}
	}
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("path %q escapes the project root", p)
		}
		segs = append(segs, seg)
	}
	if len(segs) == 0 {
		return "", fmt.Errorf("path is empty")
	}
	out := strings.Join(segs, "/")
	if len(out) > maxPathLen {
		return "", fmt.Errorf("path %q exceeds %d bytes", out[:32]+"...", maxPathLen)
	}
	return out, nil
}

// role is where a file ends up in the canonical layout.
type role int

const (
	roleKeep role = iota
	roleAsset
	roleHandler
	roleWorkflow
	roleManifest
)

// passThrough extensions are never content-sniffed or rerouted.
var passThrough = map[string]bool{
	".md": true, ".txt": true, ".json": true, ".jsonc": true, ".yml": true, ".yaml": true,
	".toml": true, ".lock": true, ".gitignore": true, ".env": true, ".svg": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true, ".webp": true,
}

var backendDirs = map[string]bool{
	"backend": true, "server": true, "worker": true, "workers": true, "api": true, "functions": true,
}

func kindFromExt(p string) Kind {
	switch strings.ToLower(path.Ext(p)) {
	case ".html", ".htm":
		return Markup
	case ".css":
		return Stylesheet
	case ".js", ".mjs", ".cjs", ".ts", ".tsx", ".jsx":
		return Script
	case ".json":
		return StructuredData
	}
	return Unknown
}

func isManifestName(p string) bool {
	switch path.Base(p) {
	case "wrangler.toml", "wrangler.json", "wrangler.jsonc":
		return true
	}
	return false
}

func isTypeScript(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".ts", ".tsx":
		return true
	}
	return false
}

// isBackendFragment reports whether a script outside public/ and src/ looks
// like a piece of the entry handler.
func isBackendFragment(p, content string) bool {
	if hasDefaultExport(content) {
		return true
	}
	segs := strings.Split(p, "/")
	if len(segs) > 1 && backendDirs[strings.ToLower(segs[0])] {
		return true
	}
	base := strings.ToLower(path.Base(p))
	return len(segs) == 1 && (strings.Contains(base, "worker") || strings.HasPrefix(base, "chunk_"))
}

// route picks the canonical destination of a normalized path.
func route(p string, kind Kind, content string) (string, role) {
	switch {
	case isManifestName(p):
		return ManifestPath, roleManifest
	case strings.HasPrefix(p, workflowDir):
		ext := strings.ToLower(path.Ext(p))
		if ext == ".yml" || ext == ".yaml" {
			return p, roleWorkflow
		}
		return p, roleKeep
	case strings.HasPrefix(p, handlerDir):
		if isHandlerIndex(p) && kind == Script {
			return p, roleHandler
		}
		return p, roleKeep
	case strings.HasPrefix(p, staticDir):
		return p, roleAsset
	case passThrough[strings.ToLower(path.Ext(p))] || path.Ext(p) == "" && strings.HasPrefix(path.Base(p), "."):
		return p, roleKeep
	}

	switch kind {
	case Script:
		if isBackendFragment(p, content) {
			return p, roleHandler
		}
		if isTypeScript(p) {
			return moduleTarget(p), roleKeep
		}
		return staticTarget(p, ScriptPath, ".js", ".mjs"), roleAsset
	case Markup:
		return staticTarget(p, IndexPath, ".html", ".htm"), roleAsset
	case Stylesheet:
		return staticTarget(p, StylesPath, ".css"), roleAsset
	}
	return p, roleKeep
}

// moduleTarget moves a helper module under src/ with its directories, so it
// can never take the entry handler's place.
func moduleTarget(p string) string {
	dest := handlerDir + p
	if isHandlerIndex(dest) {
		dest = handlerDir + "lib/" + p
	}
	return dest
}

func isHandlerIndex(p string) bool {
	if path.Dir(p) != "src" {
		return false
	}
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base)) == "index"
}

// staticTarget keeps the base name when its extension matches, else falls
// back to the canonical name.
func staticTarget(p, canonical string, exts ...string) string {
	ext := strings.ToLower(path.Ext(p))
	for _, want := range exts {
		if ext == want {
			return staticDir + path.Base(p)
		}
	}
	return canonical
}
