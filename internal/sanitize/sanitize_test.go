package sanitize

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvpforge/internal/domain"
)

var opts = Options{ProjectName: "todo-app", Branding: domain.Branding{Name: "Todo", Palette: []string{"#112233", "not-a-color"}}}

func contents(p *domain.CanonicalProject) map[string]string {
	out := make(map[string]string, p.Len())
	for _, f := range p.Files() {
		out[f.Path] = f.Content
	}
	return out
}

func assertInvariants(t *testing.T, p *domain.CanonicalProject) {
	t.Helper()
	files := contents(p)
	for path, content := range files {
		assert.NotEmpty(t, strings.TrimSpace(content), "empty file %s", path)
	}
	assert.Contains(t, files, HandlerPath)
	assert.Contains(t, files, ManifestPath)
	assert.Contains(t, files, WorkflowPath)
	var handlers, manifests, workflows int
	for path := range files {
		switch {
		case strings.HasPrefix(path, "src/index."):
			handlers++
		case strings.HasPrefix(path, "wrangler."):
			manifests++
		case strings.HasPrefix(path, ".github/workflows/"):
			workflows++
		}
	}
	assert.Equal(t, 1, handlers)
	assert.Equal(t, 1, manifests)
	assert.Equal(t, 1, workflows)
	if p.HasPrefix("public/") {
		assert.Contains(t, files, IndexPath)
		assert.Contains(t, files, StylesPath)
		assert.Contains(t, files, ScriptPath)
	}
	assert.True(t, ValidHandler(files[HandlerPath]), "handler must be valid")
}

func TestSanitizeStripsProseFromIndex(t *testing.T) {
	project, report := Sanitize([]domain.GeneratedFile{{
		Path:    "public/index.html",
		Content: "<!DOCTYPE html>\n<html>\n<body>\n## What this page does\n- shows a greeting\n<p>Hi</p>\n</body>\n</html>",
	}}, opts)

	index, ok := project.Get(IndexPath)
	require.True(t, ok)
	assert.Contains(t, index, "<p>Hi</p>")
	assert.NotContains(t, index, "What this page does")
	assert.NotContains(t, index, "shows a greeting")
	assert.True(t, report.HasStaticAssets)
	assert.True(t, report.UsesKV)
	assertInvariants(t, project)
}

func TestSanitizeMergesBackendChunkOnce(t *testing.T) {
	handler := "export default {\n  async fetch(request: Request): Promise<Response> {\n    return new Response(\"<html>hello</html>\");\n  },\n};\n"
	project, _ := Sanitize([]domain.GeneratedFile{
		{Path: "backend/chunk_1.ts", Content: handler},
		{Path: "public/index.html", Content: "<!DOCTYPE html><html><body>x</body></html>"},
	}, opts)

	got, ok := project.Get(HandlerPath)
	require.True(t, ok)
	assert.Equal(t, handler, got)
	var occurrences int
	for _, f := range project.Files() {
		occurrences += strings.Count(f.Content, "async fetch(request: Request)")
	}
	assert.Equal(t, 1, occurrences)
	assert.False(t, project.Has("backend/chunk_1.ts"))
	assertInvariants(t, project)
}

func TestSanitizePrefersExistingEntryHandler(t *testing.T) {
	existing := "export default {\n  fetch() {\n    return new Response(\"src\");\n  },\n};\n"
	fragment := "export default {\n  fetch() {\n    return new Response(\"fragment\");\n  },\n};\n"
	project, report := Sanitize([]domain.GeneratedFile{
		{Path: "worker.js", Content: fragment},
		{Path: "src/index.js", Content: existing},
	}, opts)
	got, _ := project.Get(HandlerPath)
	assert.Equal(t, existing, got)
	assert.False(t, project.Has("src/index.js"))
	assert.False(t, project.Has("worker.js"))
	assert.Equal(t, []string{"worker.js: not used as entry handler"}, report.Dropped)
}

func TestSanitizeSynthesizesHandlerWhenCandidatesInvalid(t *testing.T) {
	project, report := Sanitize([]domain.GeneratedFile{
		{Path: "backend/chunk_1.ts", Content: "export default {\n  fetch( {\n"},
		{Path: "backend/chunk_2.ts", Content: "const helper = () => 1;\n"},
	}, opts)
	got, _ := project.Get(HandlerPath)
	assert.Equal(t, DefaultHandler, got)
	assert.Contains(t, report.Synthesized, HandlerPath)
	assert.NotEmpty(t, report.Warnings)
	assert.False(t, report.HasStaticAssets)
	assertInvariants(t, project)
}

func TestSanitizeRoutesFrontendAssets(t *testing.T) {
	project, _ := Sanitize([]domain.GeneratedFile{
		{Path: "./index.html", Content: "<!DOCTYPE html><html><body>home</body></html>"},
		{Path: "css\\main.css", Content: "body { margin: 0; }"},
		{Path: "script.txt.js", Content: "document.title = 'x';"},
		{Path: "style", Content: "h1 { color: red; }"},
		{Path: "README.md", Content: "# Todo\n- docs"},
		{Path: "package.json", Content: `{"name":"todo"}`},
		{Path: "lib/util.ts", Content: "export const add = (a: number, b: number) => a + b;\n"},
	}, opts)
	files := contents(project)
	assert.Contains(t, files, "public/index.html")
	assert.Contains(t, files, "public/main.css")
	assert.Contains(t, files, "public/script.txt.js")
	assert.Equal(t, "h1 { color: red; }\n", files[StylesPath])
	assert.Equal(t, "# Todo\n- docs", files["README.md"])
	assert.Equal(t, `{"name":"todo"}`, files["package.json"])
	assert.Contains(t, files, "src/lib/util.ts")
	assert.Contains(t, files, ScriptPath)
	assertInvariants(t, project)
}

func TestSanitizeHelperModulesDoNotReplaceHandler(t *testing.T) {
	lib := "export const add = (a: number, b: number) => a + b;\n"
	for _, p := range []string{"lib/index.ts", "index.ts"} {
		t.Run(p, func(t *testing.T) {
			project, report := Sanitize([]domain.GeneratedFile{{Path: p, Content: lib}}, opts)
			files := contents(project)
			assert.Equal(t, lib, files["src/lib/index.ts"])
			assert.NotEqual(t, lib, files[HandlerPath])
			assert.True(t, ValidHandler(files[HandlerPath]))
			assert.Empty(t, report.Dropped)
			assertInvariants(t, project)
		})
	}
}

func TestSanitizeDedupesLastWriteWins(t *testing.T) {
	project, _ := Sanitize([]domain.GeneratedFile{
		{Path: "public/app.js", Content: "const v = 1;"},
		{Path: "public/app.js", Content: "const v = 2;"},
	}, opts)
	got, _ := project.Get(ScriptPath)
	assert.Equal(t, "const v = 2;\n", got)
}

func TestSanitizeDropsEmptyAndInvalid(t *testing.T) {
	project, report := Sanitize([]domain.GeneratedFile{
		{Path: "public/app.js", Content: "## Notes\n- nothing here\n"},
		{Path: "../escape.js", Content: "const a = 1;"},
		{Path: "bad\x00name.js", Content: "const a = 1;"},
		{Path: "   ", Content: "const a = 1;"},
		{Path: strings.Repeat("a", 300) + ".js", Content: "const a = 1;"},
		{Path: "notes.txt", Content: "  \n\t"},
	}, opts)
	assert.False(t, project.Has(ScriptPath))
	assert.False(t, project.Has("notes.txt"))
	assert.Len(t, report.InvalidPaths, 4)
	assert.Len(t, report.Dropped, 2)
	assertInvariants(t, project)
}

func TestSanitizeWorkflowSelection(t *testing.T) {
	custom := "name: CI\non: push\njobs:\n  test:\n    runs-on: ubuntu-latest\n    steps:\n      - run: echo ok\n"
	project, report := Sanitize([]domain.GeneratedFile{
		{Path: ".github/workflows/broken.yml", Content: "name: [unclosed"},
		{Path: ".github/workflows/nojobs.yaml", Content: "name: nothing\n"},
		{Path: ".github/workflows/ci.yml", Content: custom},
		{Path: ".github/workflows/extra.yml", Content: custom},
	}, opts)
	got, _ := project.Get(WorkflowPath)
	assert.Equal(t, custom, got)
	assert.Len(t, report.Dropped, 3)
	assertInvariants(t, project)

	project, report = Sanitize(nil, opts)
	got, _ = project.Get(WorkflowPath)
	assert.Equal(t, DefaultWorkflow, got)
	assert.Contains(t, report.Synthesized, WorkflowPath)
}

func TestSanitizeManifestKeepsVarsOnly(t *testing.T) {
	project, report := Sanitize([]domain.GeneratedFile{
		{Path: "wrangler.toml", Content: "name = \"whatever\"\nmain = \"dist/worker.js\"\n[vars]\nAPI_URL = \"https://api.example.com\"\n"},
		{Path: "public/index.html", Content: "<!DOCTYPE html><html></html>"},
	}, opts)
	manifest, _ := project.Get(ManifestPath)
	want := "name = \"todo-app\"\n" +
		"main = \"src/index.ts\"\n" +
		"compatibility_date = \"2024-09-23\"\n" +
		"\n[vars]\nAPI_URL = \"https://api.example.com\"\n" +
		"\n[site]\nbucket = \"./public\"\n"
	assert.Equal(t, want, manifest)
	assert.Equal(t, map[string]string{"API_URL": "https://api.example.com"}, report.ManifestVars)
}

func TestSanitizeReplacesInvalidManifest(t *testing.T) {
	project, report := Sanitize([]domain.GeneratedFile{
		{Path: "wrangler.toml", Content: "this is = = not toml"},
		{Path: "wrangler.json", Content: `{"vars": {"MODE": "prod", "N": 2}}`},
	}, opts)
	manifest, _ := project.Get(ManifestPath)
	assert.Contains(t, manifest, "MODE = \"prod\"")
	assert.Contains(t, manifest, "N = \"2\"")
	assert.NotEmpty(t, report.Warnings)
	assert.False(t, project.Has("wrangler.json"))
}

func TestSanitizeBackfillUsesBranding(t *testing.T) {
	project, report := Sanitize([]domain.GeneratedFile{
		{Path: "public/logo.svg", Content: "<svg xmlns=\"http://www.w3.org/2000/svg\"></svg>"},
	}, Options{ProjectName: "x", Branding: domain.Branding{Name: "<Acme>", Palette: []string{"#abcdef"}}})
	index, _ := project.Get(IndexPath)
	styles, _ := project.Get(StylesPath)
	assert.Contains(t, index, "&lt;Acme&gt;")
	assert.Contains(t, styles, "--primary: #abcdef;")
	assert.ElementsMatch(t, []string{HandlerPath, WorkflowPath, IndexPath, StylesPath, ScriptPath}, report.Synthesized)
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := [][]domain.GeneratedFile{
		nil,
		{{Path: "index.html", Content: "Sure! Here is the page.\n<!DOCTYPE html><html><body><p>Hi</p></body></html>\nEnjoy!"}},
		{
			{Path: "backend/chunk_1.ts", Content: "export default {\n  fetch() {\n    return new Response(\"ok\");\n  },\n};\n"},
			{Path: "style.css", Content: "Here is the stylesheet:\n```css\nbody { color: red; }\n```"},
			{Path: "wrangler.toml", Content: "[vars]\nA = \"1\"\n"},
			{Path: ".github/workflows/ci.yml", Content: "jobs:\n  x:\n    runs-on: ubuntu-latest\n"},
			{Path: "docs/notes.md", Content: "# Notes\n"},
		},
	}
	for i, files := range inputs {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			once, _ := Sanitize(files, opts)
			twice, _ := Sanitize(once.Files(), opts)
			if diff := cmp.Diff(contents(once), contents(twice)); diff != "" {
				t.Fatalf("second pass changed output (-first +second):\n%s", diff)
			}
			assertInvariants(t, once)
		})
	}
}

func TestNormalizePath(t *testing.T) {
	good := map[string]string{
		"./public/index.html":   "public/index.html",
		"/src//index.ts":        "src/index.ts",
		`public\css\site.css`:   "public/css/site.css",
		" a/./b.js ":            "a/b.js",
		".github/workflows/x.y": ".github/workflows/x.y",
	}
	for in, want := range good {
		got, err := NormalizePath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "./", "../x", "a/../../b", "a\tb", strings.Repeat("x", 256)} {
		_, err := NormalizePath(in)
		assert.Error(t, err, in)
	}
}

func TestValidHandler(t *testing.T) {
	assert.True(t, ValidHandler(DefaultHandler))
	assert.True(t, ValidHandler("export default function handler() { return 1; }\n"))
	assert.False(t, ValidHandler("export const x = 1;\n"))
	assert.False(t, ValidHandler("export default {\n  fetch( {\n"))
	assert.False(t, ValidHandler("function f() {\n  // export default in a comment\n}\n"))
}
