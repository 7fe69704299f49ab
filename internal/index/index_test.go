package index

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"restruct/internal/config"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return root
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Namespace = "example.com/app"
	return cfg
}

func TestBuildGroupsFilesByDirectory(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/a/a.go":      "package a\n",
		"pkg/a/a2.go":     "package a\n",
		"pkg/a/README.md": "docs\n",
		"pkg/b/b.go":      "package b\n",
		"main.go":         "package main\n",
	})

	idx, err := Build(root, testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	units := idx.Units()
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}

	a := idx.Unit("pkg/a")
	if a == nil {
		t.Fatal("unit pkg/a not found")
	}
	if a.DeclaredName != "a" {
		t.Errorf("declared name = %q, want %q", a.DeclaredName, "a")
	}
	if len(a.Files) != 3 {
		t.Errorf("pkg/a has %d files, want 3", len(a.Files))
	}
	if got := idx.FileUnit("pkg/a/README.md"); got != "pkg/a" {
		t.Errorf("README unit = %q, want pkg/a", got)
	}
	if f := idx.File("pkg/a/README.md"); f == nil || f.Source {
		t.Error("README.md should be tracked but not a source file")
	}

	if rootUnit := idx.Unit(RootUnitID); rootUnit == nil {
		t.Error("root-level files should form the root pseudo-unit")
	}
}

func TestBuildDeclConflict(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/a/a.go": "package a\n",
		"pkg/a/b.go": "package b\n",
	})

	_, err := Build(root, testConfig())
	var scanErr *ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("expected ScanError for conflicting declarations, got %v", err)
	}
}

func TestBuildCaseCollision(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/util/u.go": "package util\n",
		"pkg/Util/u.go": "package util\n",
	})

	_, err := Build(root, testConfig())
	var scanErr *ScanError
	if err == nil {
		// Fixture dirs collapse on a case-insensitive filesystem; nothing
		// left to detect there.
		t.Skip("filesystem is case-insensitive")
	}
	if !errors.As(err, &scanErr) {
		t.Fatalf("expected ScanError for case collision, got %v", err)
	}
}

func TestReferencesToIsExact(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/a/a.go":    "package a\n",
		"pkg/ab/ab.go":  "package ab\n",
		"pkg/a/b/b.go":  "package b\n",
		"use/use.go": `package use

import (
	"example.com/app/pkg/a"
	"example.com/app/pkg/ab"
	"example.com/app/pkg/a/b"
)
`,
	})

	idx, err := Build(root, testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tests := []struct {
		unitID string
		want   int
	}{
		{"pkg/a", 1},
		{"pkg/ab", 1},
		{"pkg/a/b", 1},
		{"pkg", 0},
	}
	for _, tt := range tests {
		if got := len(idx.ReferencesTo(tt.unitID)); got != tt.want {
			t.Errorf("ReferencesTo(%q) = %d, want %d", tt.unitID, got, tt.want)
		}
	}

	refs := idx.ReferencesTo("pkg/a")
	if refs[0].Line != 4 {
		t.Errorf("reference line = %d, want 4", refs[0].Line)
	}
}

func TestReferenceBoundaries(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/a/a.go": "package a\n",
		"use/use.go": `package use

// myexample.com/app/pkg/a is not a reference to our namespace.
// example.com/app/pkg/a is.
var s = "example.com/app/pkg/a"
`,
	})

	idx, err := Build(root, testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := len(idx.ReferencesTo("pkg/a")); got != 2 {
		t.Errorf("ReferencesTo(pkg/a) = %d, want 2", got)
	}
}

func TestValidateDangling(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/a/a.go": "package a\n\nimport \"example.com/app/pkg/gone\"\n",
	})

	idx, err := Build(root, testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	err = idx.Validate()
	var dangling *DanglingReferenceError
	if !errors.As(err, &dangling) {
		t.Fatalf("expected DanglingReferenceError, got %v", err)
	}
	if dangling.UnitID != "pkg/gone" {
		t.Errorf("dangling unit = %q, want pkg/gone", dangling.UnitID)
	}
}

func TestLayerAssignment(t *testing.T) {
	cfg := testConfig()
	cfg.Layers = []config.LayerRule{
		{Name: "core", Paths: []string{"internal/core/**"}},
		{Name: "api", Paths: []string{"internal/api/**"}},
	}

	root := writeTree(t, map[string]string{
		"internal/core/c.go":      "package core\n",
		"internal/core/deep/d.go": "package deep\n",
		"internal/api/a.go":       "package api\n",
		"tools/t.go":              "package tools\n",
	})

	idx, err := Build(root, cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tests := []struct {
		unitID string
		want   string
	}{
		{"internal/core", "core"},
		{"internal/core/deep", "core"},
		{"internal/api", "api"},
		{"tools", config.LayerUnassigned},
	}
	for _, tt := range tests {
		u := idx.Unit(tt.unitID)
		if u == nil {
			t.Fatalf("unit %q not found", tt.unitID)
		}
		if u.Layer != tt.want {
			t.Errorf("layer of %q = %q, want %q", tt.unitID, u.Layer, tt.want)
		}
	}
}

func TestIdentifierTracksContent(t *testing.T) {
	files := map[string]string{
		"pkg/a/a.go": "package a\n",
		"pkg/b/b.go": "package b\n",
	}
	root1 := writeTree(t, files)
	root2 := writeTree(t, files)

	idx1, err := Build(root1, testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	idx2, err := Build(root2, testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx1.Identifier() != idx2.Identifier() {
		t.Error("identical trees should produce equal identifiers")
	}

	if err := os.WriteFile(filepath.Join(root2, "pkg/a/a.go"), []byte("package a\n\nvar X = 1\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	idx3, err := Build(root2, testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx3.Identifier() == idx1.Identifier() {
		t.Error("changed content should change the identifier")
	}
}

func TestSymbolExtraction(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/a/a.go": `package a

func Exported() {}

func internal() {}

type Thing struct{}
`,
	})

	idx, err := Build(root, testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	u := idx.Unit("pkg/a")
	if len(u.Symbols) != 2 {
		t.Fatalf("got %d symbols, want 2", len(u.Symbols))
	}
	if u.Symbols[0].Name != "Exported" || u.Symbols[1].Name != "Thing" {
		t.Errorf("symbols = %v", u.Symbols)
	}
}

func TestBuildIgnoresConfiguredDirs(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/a/a.go":          "package a\n",
		"vendor/dep/dep.go":   "package dep\n",
		".restruct/state":     "x\n",
		"build/out.go":        "package out\n",
		".gitignore":          "build/\n",
	})

	idx, err := Build(root, testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, id := range []string{"vendor/dep", ".restruct", "build"} {
		if idx.Has(id) {
			t.Errorf("unit %q should be ignored", id)
		}
	}
	if !idx.Has("pkg/a") {
		t.Error("pkg/a should be indexed")
	}
}
