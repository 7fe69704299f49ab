package rewrite

import (
	"os"
	"path/filepath"
	"testing"

	"restruct/internal/config"
	"restruct/internal/index"
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

func buildIndex(t *testing.T, root string) *index.Index {
	t.Helper()
	cfg := config.Default()
	cfg.Namespace = "example.com/app"
	idx, err := index.Build(root, cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return idx
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(content)
}

func TestRewriteWholeIdentifierOnly(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/a/a.go":   "package a\n",
		"pkg/ab/b.go":  "package ab\n",
		"pkg/a/c/c.go": "package c\n",
		"use/use.go": `package use

import (
	"example.com/app/pkg/a"
	"example.com/app/pkg/ab"
	"example.com/app/pkg/a/c"
)
`,
	})

	idx := buildIndex(t, root)
	res, err := Rewrite(idx, "pkg/a", "internal/a")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if res.FilesChanged != 1 || res.OccurrencesChanged != 1 {
		t.Errorf("result = %+v, want 1 file / 1 occurrence", res)
	}

	got := readFile(t, root, "use/use.go")
	want := `package use

import (
	"example.com/app/internal/a"
	"example.com/app/pkg/ab"
	"example.com/app/pkg/a/c"
)
`
	if got != want {
		t.Errorf("rewritten content:\n%s\nwant:\n%s", got, want)
	}
}

func TestRewriteIsIdempotent(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/a/a.go": "package a\n",
		"use/use.go": "package use\n\nimport \"example.com/app/pkg/a\"\n",
	})

	idx := buildIndex(t, root)
	if _, err := Rewrite(idx, "pkg/a", "pkg/b"); err != nil {
		t.Fatalf("first rewrite: %v", err)
	}
	after := readFile(t, root, "use/use.go")

	// The index still lists the old occurrences, but matching re-scans the
	// file content, so a second pass changes nothing.
	res, err := Rewrite(idx, "pkg/a", "pkg/b")
	if err != nil {
		t.Fatalf("second rewrite: %v", err)
	}
	if res.FilesChanged != 0 || res.OccurrencesChanged != 0 {
		t.Errorf("second pass result = %+v, want zero changes", res)
	}
	if got := readFile(t, root, "use/use.go"); got != after {
		t.Error("second pass modified the file")
	}
}

func TestRewriteAdjacentReferences(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/a/a.go": "package a\n",
		"use/use.go": "package use\n\n// example.com/app/pkg/a example.com/app/pkg/a\n",
	})

	idx := buildIndex(t, root)
	res, err := Rewrite(idx, "pkg/a", "pkg/z")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if res.OccurrencesChanged != 2 {
		t.Errorf("occurrences = %d, want 2", res.OccurrencesChanged)
	}
	got := readFile(t, root, "use/use.go")
	want := "package use\n\n// example.com/app/pkg/z example.com/app/pkg/z\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFilesReportsCounts(t *testing.T) {
	root := writeTree(t, map[string]string{
		"one.go": "package main\n\n// example.com/app/x/y example.com/app/x/y\n",
		"two.go": "package main\n\n// example.com/app/x/y\n",
	})

	res, err := Files(root, "example.com/app", []string{"one.go", "two.go"}, "x/y", "x/z")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if res.FilesChanged != 2 {
		t.Errorf("files changed = %d, want 2", res.FilesChanged)
	}
	if res.OccurrencesChanged != 3 {
		t.Errorf("occurrences = %d, want 3", res.OccurrencesChanged)
	}
}

func TestRewritePreservesMode(t *testing.T) {
	root := writeTree(t, map[string]string{
		"run.go": "package main\n\n// example.com/app/x/y\n",
	})
	abs := filepath.Join(root, "run.go")
	if err := os.Chmod(abs, 0755); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	if _, err := Files(root, "example.com/app", []string{"run.go"}, "x/y", "x/z"); err != nil {
		t.Fatalf("Files: %v", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
}
