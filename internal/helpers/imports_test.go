package helpers

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modulePath = "godown-edge-go"

// imports lists the non-test imports of the package in dir
func imports(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var out []string
	fset := token.NewFileSet()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		require.NoError(t, err)
		for _, imp := range f.Imports {
			path, err := strconv.Unquote(imp.Path.Value)
			require.NoError(t, err)
			out = append(out, path)
		}
	}
	return out
}

// linksOpenCV walks module-local imports from pkg and reports the first package that
// pulls in gocv
func linksOpenCV(t *testing.T, root, pkg string, seen map[string]bool) string {
	if seen[pkg] {
		return ""
	}
	seen[pkg] = true

	rel := strings.TrimPrefix(strings.TrimPrefix(pkg, modulePath), "/")
	for _, imp := range imports(t, filepath.Join(root, filepath.FromSlash(rel))) {
		if strings.HasPrefix(imp, "gocv.io/") {
			return pkg
		}
		if strings.HasPrefix(imp, modulePath+"/") {
			if culprit := linksOpenCV(t, root, imp, seen); culprit != "" {
				return culprit
			}
		}
	}
	return ""
}

func TestCorePackagesBuildWithoutOpenCV(t *testing.T) {
	root, err := filepath.Abs(filepath.Join("..", ".."))
	require.NoError(t, err)

	for _, pkg := range []string{
		"internal/helpers",
		"internal/services/rules",
		"internal/services/dispatch",
		"internal/services/camera",
		"internal/api",
	} {
		t.Run(pkg, func(t *testing.T) {
			culprit := linksOpenCV(t, root, modulePath+"/"+pkg, map[string]bool{})
			assert.Empty(t, culprit, "gocv reached through %s", culprit)
		})
	}
}
