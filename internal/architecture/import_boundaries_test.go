package architecture_test

import (
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	modulePath = "duck-adhoc"
	moduleRoot = "../.."
)

type layerRule struct {
	sourcePrefix string
	forbidden    []string
	hint         string
}

var rules = []layerRule{
	{
		sourcePrefix: modulePath + "/internal/domain",
		forbidden:    []string{modulePath + "/internal", modulePath + "/cmd"},
		hint:         "domain may only import domain",
	},
	{
		sourcePrefix: modulePath + "/internal/service",
		forbidden: []string{
			modulePath + "/internal/api",
			modulePath + "/internal/app",
			modulePath + "/internal/db",
			modulePath + "/internal/engine",
			modulePath + "/internal/middleware",
			modulePath + "/cmd",
		},
		hint: "service should depend on domain, config, metrics and service packages",
	},
	{
		sourcePrefix: modulePath + "/internal/api",
		forbidden: []string{
			modulePath + "/internal/app",
			modulePath + "/internal/db",
			modulePath + "/internal/engine",
			modulePath + "/cmd",
		},
		hint: "api should depend on service, middleware and domain packages",
	},
	{
		sourcePrefix: modulePath + "/internal/db",
		forbidden: []string{
			modulePath + "/internal/api",
			modulePath + "/internal/app",
			modulePath + "/internal/service",
			modulePath + "/internal/engine",
			modulePath + "/internal/middleware",
			modulePath + "/cmd",
		},
		hint: "db should depend on domain and db-local packages",
	},
	{
		sourcePrefix: modulePath + "/internal/engine",
		forbidden: []string{
			modulePath + "/internal/api",
			modulePath + "/internal/app",
			modulePath + "/internal/service",
			modulePath + "/internal/db",
			modulePath + "/internal/middleware",
			modulePath + "/cmd",
		},
		hint: "engine should depend on domain and engine-local packages",
	},
	{
		sourcePrefix: modulePath + "/internal/middleware",
		forbidden: []string{
			modulePath + "/internal/api",
			modulePath + "/internal/app",
			modulePath + "/internal/service",
			modulePath + "/internal/db",
			modulePath + "/internal/engine",
		},
		hint: "middleware should depend on domain and middleware-local packages",
	},
	{
		sourcePrefix: modulePath + "/internal/metrics",
		forbidden:    []string{modulePath + "/internal", modulePath + "/cmd"},
		hint:         "metrics must stay a leaf package",
	},
}

func TestImportBoundaries(t *testing.T) {
	violations := make([]string, 0)
	fset := token.NewFileSet()

	err := filepath.WalkDir(moduleRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), "_") || (strings.HasPrefix(d.Name(), ".") && path != moduleRoot) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		sourcePkg := packageImportPath(path)
		rule, ok := findRule(sourcePkg)
		if !ok {
			return nil
		}

		parsed, parseErr := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		require.NoErrorf(t, parseErr, "parse imports for %s", path)

		for _, imp := range parsed.Imports {
			importPath := strings.Trim(imp.Path.Value, "\"")
			if hasPathPrefix(importPath, rule.sourcePrefix) {
				continue
			}
			if violatesRule(importPath, rule.forbidden) {
				violations = append(violations,
					sourcePkg+" imports "+importPath+" via "+path+"; allowed direction: "+rule.hint)
			}
		}
		return nil
	})
	require.NoError(t, err)

	if len(violations) > 0 {
		sort.Strings(violations)
		t.Fatalf("%s", strings.Join(violations, "\n"))
	}
}

func TestImportBoundaries_SeesSources(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join(moduleRoot, "internal", "domain", "*.go"))
	require.NoError(t, err)
	require.NotEmpty(t, matches, "walk root must be the module root")
}

func packageImportPath(file string) string {
	rel, _ := filepath.Rel(moduleRoot, filepath.Dir(file))
	return modulePath + "/" + filepath.ToSlash(rel)
}

func findRule(sourcePkg string) (layerRule, bool) {
	for _, rule := range rules {
		if hasPathPrefix(sourcePkg, rule.sourcePrefix) {
			return rule, true
		}
	}
	return layerRule{}, false
}

func violatesRule(importPath string, forbidden []string) bool {
	for _, prefix := range forbidden {
		if hasPathPrefix(importPath, prefix) {
			return true
		}
	}
	return false
}

func hasPathPrefix(value string, prefix string) bool {
	return value == prefix || strings.HasPrefix(value, prefix+"/")
}
