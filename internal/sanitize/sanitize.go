// Package sanitize turns arbitrary generator output into the canonical
// deployable layout. It never fails: every rule degrades to a safe default.
package sanitize

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"mvpforge/internal/domain"
	"mvpforge/internal/wrangler"
)

type Options struct {
	// ProjectName is the slug used as the manifest name.
	ProjectName       string
	Branding          domain.Branding
	CompatibilityDate string
	AccountID         string
}

// Report describes what Sanitize changed.
type Report struct {
	Warnings []string `json:"warnings,omitempty"`
	// Dropped lists input paths that were removed, with the reason.
	Dropped []string `json:"dropped,omitempty"`
	// InvalidPaths lists inputs whose path failed validation.
	InvalidPaths    []string          `json:"invalidPaths,omitempty"`
	Synthesized     []string          `json:"synthesized,omitempty"`
	HasStaticAssets bool              `json:"hasStaticAssets"`
	UsesKV          bool              `json:"usesKv"`
	ManifestVars    map[string]string `json:"manifestVars,omitempty"`
}

func (r *Report) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) drop(p, reason string) {
	r.Dropped = append(r.Dropped, p+": "+reason)
}

type candidate struct {
	path    string
	content string
}

// Sanitize normalizes files into a CanonicalProject holding exactly one entry
// handler, one manifest and one CI workflow, plus index, stylesheet and script
// whenever any static asset exists. Running it on its own output yields the
// same file set.
func Sanitize(files []domain.GeneratedFile, opts Options) (*domain.CanonicalProject, Report) {
	var report Report
	project := domain.NewCanonicalProject()
	var existingHandlers, fragments []candidate
	var workflows []candidate

	for _, f := range files {
		p, err := NormalizePath(f.Path)
		if err != nil {
			report.InvalidPaths = append(report.InvalidPaths, f.Path)
			report.warn("dropped file with invalid path: %v", err)
			continue
		}

		if isManifestName(p) {
			adoptManifest(p, f.Content, &report)
			continue
		}

		kind := Unknown
		if !passThrough[strings.ToLower(path.Ext(p))] {
			kind = Classify(f.Content)
			// The extension breaks ties, e.g. a script that embeds markup.
			if extKind := kindFromExt(p); kind == Unknown || extKind != kind && Matches(extKind, f.Content) {
				kind = extKind
			}
		}

		content := StripProse(f.Content, kind)
		if strings.TrimSpace(content) == "" {
			report.drop(p, "empty after cleanup")
			continue
		}

		dest, r := route(p, kind, content)
		switch r {
		case roleHandler:
			if isHandlerIndex(p) {
				existingHandlers = append(existingHandlers, candidate{p, content})
			} else {
				fragments = append(fragments, candidate{p, content})
			}
		case roleWorkflow:
			workflows = append(workflows, candidate{p, content})
		default:
			if dest != p {
				report.warn("moved %s to %s", p, dest)
			}
			project.Set(dest, content)
		}
	}

	mergeHandler(project, append(existingHandlers, fragments...), &report)
	pickWorkflow(project, workflows, &report)

	report.HasStaticAssets = project.HasPrefix(staticDir)
	if report.HasStaticAssets {
		backfillAssets(project, themeFrom(opts.ProjectName, opts.Branding), &report)
	}
	handler, _ := project.Get(HandlerPath)
	report.UsesKV = usesKV(handler)

	m := wrangler.Manifest{
		Name:              wrangler.Slug(opts.ProjectName),
		Main:              HandlerPath,
		CompatibilityDate: opts.CompatibilityDate,
		AccountID:         opts.AccountID,
		Vars:              report.ManifestVars,
	}
	if report.HasStaticAssets {
		m.SiteBucket = wrangler.StaticBucket
	}
	project.Set(ManifestPath, wrangler.Render(m))
	return project, report
}

// adoptManifest keeps the [vars] table of a well-formed manifest. The rest is
// always rendered from options.
func adoptManifest(p, content string, report *Report) {
	var vars map[string]string
	switch path.Ext(p) {
	case ".toml":
		m, err := wrangler.Parse(content)
		if err != nil {
			report.warn("replaced invalid manifest %s with default", p)
			return
		}
		vars = m.Vars
	default:
		var doc struct {
			Vars map[string]any `json:"vars"`
		}
		if err := json.Unmarshal([]byte(content), &doc); err != nil {
			report.warn("replaced invalid manifest %s with default", p)
			return
		}
		for k, v := range doc.Vars {
			switch v.(type) {
			case map[string]any, []any, nil:
				continue
			}
			if vars == nil {
				vars = make(map[string]string)
			}
			vars[k] = fmt.Sprint(v)
		}
	}
	if len(vars) == 0 {
		return
	}
	if report.ManifestVars == nil {
		report.ManifestVars = make(map[string]string)
	}
	for k, v := range vars {
		report.ManifestVars[k] = v
	}
}

// mergeHandler writes the first structurally valid candidate to src/index.ts
// and discards the rest. With no valid candidate the default handler is used.
func mergeHandler(project *domain.CanonicalProject, candidates []candidate, report *Report) {
	chosen := ""
	for _, c := range candidates {
		if chosen == "" && ValidHandler(c.content) {
			chosen = c.path
			project.Set(HandlerPath, c.content)
			if c.path != HandlerPath {
				report.warn("using %s as entry handler", c.path)
			}
			continue
		}
		report.drop(c.path, "not used as entry handler")
	}
	if chosen == "" {
		project.Set(HandlerPath, DefaultHandler)
		report.Synthesized = append(report.Synthesized, HandlerPath)
		if len(candidates) > 0 {
			report.warn("no valid entry handler among %d candidates, using default", len(candidates))
		}
	}
}

func validWorkflow(content string) bool {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return false
	}
	_, ok := doc["jobs"]
	return ok
}

func pickWorkflow(project *domain.CanonicalProject, workflows []candidate, report *Report) {
	chosen := false
	for _, w := range workflows {
		if !chosen && validWorkflow(w.content) {
			project.Set(WorkflowPath, w.content)
			chosen = true
			if w.path != WorkflowPath {
				report.warn("moved workflow %s to %s", w.path, WorkflowPath)
			}
			continue
		}
		report.drop(w.path, "extra or invalid workflow")
	}
	if !chosen {
		project.Set(WorkflowPath, DefaultWorkflow)
		report.Synthesized = append(report.Synthesized, WorkflowPath)
	}
}

func backfillAssets(project *domain.CanonicalProject, t theme, report *Report) {
	for _, a := range []struct {
		path    string
		content func() string
	}{
		{IndexPath, func() string { return defaultIndex(t) }},
		{StylesPath, func() string { return defaultStyles(t) }},
		{ScriptPath, func() string { return defaultScript }},
	} {
		if project.Has(a.path) {
			continue
		}
		project.Set(a.path, a.content())
		report.Synthesized = append(report.Synthesized, a.path)
	}
}
