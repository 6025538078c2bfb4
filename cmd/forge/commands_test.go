package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvpforge/internal/config"
	"mvpforge/internal/domain"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		dest := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
		require.NoError(t, os.WriteFile(dest, []byte(content), 0o644))
	}
}

func TestSanitizeCommandWritesCanonicalProject(t *testing.T) {
	ws := t.TempDir()
	in := filepath.Join(t.TempDir(), "Todo App")
	out := filepath.Join(t.TempDir(), "out")
	writeTree(t, in, map[string]string{
		"public/index.html": "<html><body>todo</body></html>",
		"src/index.ts":      "export default { async fetch() { return new Response('ok') } }",
		".git/HEAD":         "ref: refs/heads/main",
	})

	stdout, err := runCLI(t, "-w", ws, "--json", "sanitize", "--dir", in, "--out", out)
	require.NoError(t, err)

	var res struct {
		Fingerprint string   `json:"fingerprint"`
		Paths       []string `json:"paths"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.NotEmpty(t, res.Fingerprint)
	assert.Contains(t, res.Paths, "wrangler.toml")
	assert.Contains(t, res.Paths, "public/index.html")
	assert.NotContains(t, res.Paths, ".git/HEAD")

	manifest, err := os.ReadFile(filepath.Join(out, "wrangler.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), `name = "todo-app"`)
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	ws := t.TempDir()
	_, err := runCLI(t, "-w", ws, "config", "init")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(ws, config.FileName))
	require.NoError(t, err)

	_, err = runCLI(t, "-w", ws, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = runCLI(t, "-w", ws, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestConfigShowMasksSecrets(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, config.FileName), []byte("github:\n  owner: acme\n  token: ghp_secret\n"), 0o600))

	out, err := runCLI(t, "-w", ws, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "ghp_secret")
	assert.Contains(t, out, redacted)
	assert.Contains(t, out, "acme")
}

func TestBuildsListEmptyWorkspace(t *testing.T) {
	ws := t.TempDir()
	out, err := runCLI(t, "-w", ws, "--json", "builds", "list")
	require.NoError(t, err)
	var items []domain.Build
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	assert.Empty(t, items)
}

func TestParseTargets(t *testing.T) {
	specs := parseTargets([]string{"public/index.html=landing page", " src/index.ts ", "=orphan"})
	assert.Equal(t, []domain.FileSpec{
		{Path: "public/index.html", Description: "landing page"},
		{Path: "src/index.ts"},
	}, specs)
}

func TestReadFilesSkipsHiddenDirectories(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a.js":                         "1",
		".cache/b.js":                  "2",
		".github/workflows/deploy.yml": "on: push",
	})
	files, err := readFiles(dir)
	require.NoError(t, err)
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{"a.js", ".github/workflows/deploy.yml"}, paths)

	_, err = readFiles(t.TempDir())
	assert.Error(t, err)
}
