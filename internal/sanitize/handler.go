package sanitize

import (
	"context"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

var defaultExport = regexp.MustCompile(`(?m)^\s*export\s+default\b`)

func hasDefaultExport(content string) bool {
	return defaultExport.MatchString(content)
}

// ValidHandler reports whether content parses as TypeScript without error
// nodes and has a top-level default export.
func ValidHandler(content string) bool {
	if !hasDefaultExport(content) {
		return false
	}
	// Parsers are not safe for concurrent use; Sanitize may run on many
	// goroutines at once.
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(typescript.GetLanguage())

	src := []byte(content)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil || tree == nil {
		return false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return false
	}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() != "export_statement" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			if child.Child(j).Type() == "default" {
				return true
			}
		}
	}
	return false
}

// usesKV reports whether handler code reads the asset namespace binding.
func usesKV(handler string) bool {
	return strings.Contains(handler, "env."+assetsBinding) || strings.Contains(handler, "__STATIC_CONTENT")
}
