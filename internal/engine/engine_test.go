package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"restruct/internal/config"
	"restruct/internal/index"
	"restruct/internal/plan"
	"restruct/internal/verify"
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

func treeID(t *testing.T, root string, cfg *config.Config) string {
	t.Helper()
	idx, err := index.Build(root, cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return idx.Identifier()
}

// failAfter fails verification once n operations have already passed it.
func failAfter(n int) verify.Verifier {
	calls := 0
	return verify.VerifierFunc(func(context.Context, string) error {
		calls++
		if calls > n {
			return errors.New("build broke")
		}
		return nil
	})
}

var batchFixture = map[string]string{
	"pkg/a/a.go": "package a\n",
	"pkg/b/b.go": "package b\n\nimport \"example.com/app/pkg/a\"\n",
	"pkg/c/c.go": "package c\n\nimport \"example.com/app/pkg/b\"\n",
	"use/u.go":   "package use\n\nimport \"example.com/app/pkg/c\"\n",
}

func TestRunCommitsBatch(t *testing.T) {
	cfg := testConfig()
	root := writeTree(t, batchFixture)

	rep, err := Run(context.Background(), Config{
		Root: root,
		Cfg:  cfg,
		Moves: []plan.Move{
			{Src: "pkg/a", Dst: "internal/a"},
			{Src: "pkg/b", Dst: "internal/b"},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != StateCommitted {
		t.Fatalf("state = %q, err %q", rep.State, rep.Err)
	}
	if len(rep.Ops) != 2 {
		t.Fatalf("ops = %v", rep.Ops)
	}
	if rep.TreeBefore == "" || rep.TreeAfter == "" || rep.TreeBefore == rep.TreeAfter {
		t.Error("tree identifiers should be recorded and differ")
	}

	content, err := os.ReadFile(filepath.Join(root, "internal/b/b.go"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(content), "example.com/app/internal/a") {
		t.Errorf("cross-unit reference not rewritten: %q", content)
	}
}

func TestRunRollsBackWholeBatchOnLateFailure(t *testing.T) {
	cfg := testConfig()
	root := writeTree(t, batchFixture)
	before := treeID(t, root, cfg)

	rep, err := Run(context.Background(), Config{
		Root: root,
		Cfg:  cfg,
		Moves: []plan.Move{
			{Src: "pkg/a", Dst: "internal/a"},
			{Src: "pkg/b", Dst: "internal/b"},
			{Src: "pkg/c", Dst: "internal/c"},
		},
		Verifier: failAfter(2),
	})
	if err == nil {
		t.Fatal("expected a run error")
	}
	if rep.State != StateRolledBack {
		t.Fatalf("state = %q", rep.State)
	}

	// Every operation, committed ones included, must be undone.
	for _, op := range rep.Ops {
		if op.Status != "rolled-back" {
			t.Errorf("op %s -> %s status = %q", op.Src, op.Dst, op.Status)
		}
	}
	if got := treeID(t, root, cfg); got != before {
		t.Error("tree is not byte-identical after batch rollback")
	}
}

func TestRunRoundTripRestoresIdentifier(t *testing.T) {
	cfg := testConfig()
	root := writeTree(t, batchFixture)
	before := treeID(t, root, cfg)

	there := Config{Root: root, Cfg: cfg, Moves: []plan.Move{{Src: "pkg/a", Dst: "internal/a"}}}
	if rep, err := Run(context.Background(), there); err != nil || rep.State != StateCommitted {
		t.Fatalf("forward move: state %v, err %v", rep.State, err)
	}

	back := Config{Root: root, Cfg: cfg, Moves: []plan.Move{{Src: "internal/a", Dst: "pkg/a"}}}
	if rep, err := Run(context.Background(), back); err != nil || rep.State != StateCommitted {
		t.Fatalf("reverse move: state %v, err %v", rep.State, err)
	}

	if got := treeID(t, root, cfg); got != before {
		t.Error("round-trip move did not restore the original tree")
	}
}

func TestRunOrdersDependentMoves(t *testing.T) {
	cfg := testConfig()
	root := writeTree(t, batchFixture)

	// pkg/a -> pkg/b only works once pkg/b has been vacated.
	rep, err := Run(context.Background(), Config{
		Root: root,
		Cfg:  cfg,
		Moves: []plan.Move{
			{Src: "pkg/a", Dst: "pkg/b"},
			{Src: "pkg/b", Dst: "pkg/b2"},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != StateCommitted {
		t.Fatalf("state = %q, err %q", rep.State, rep.Err)
	}
	if rep.Ops[0].Src != "pkg/b" {
		t.Errorf("execution order = %v, want pkg/b first", rep.Ops)
	}
}

func TestRunRejectsCycle(t *testing.T) {
	cfg := testConfig()
	root := writeTree(t, batchFixture)

	_, err := Run(context.Background(), Config{
		Root: root,
		Cfg:  cfg,
		Moves: []plan.Move{
			{Src: "pkg/a", Dst: "pkg/b"},
			{Src: "pkg/b", Dst: "pkg/a"},
		},
	})
	var cycle *plan.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
}

func TestRunLayerDeclarationMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Layers = []config.LayerRule{
		{Name: "core", Paths: []string{"internal/**"}},
	}
	root := writeTree(t, batchFixture)
	before := treeID(t, root, cfg)

	_, err := Run(context.Background(), Config{
		Root:  root,
		Cfg:   cfg,
		Moves: []plan.Move{{Src: "pkg/a", Dst: "internal/a", Layer: "api"}},
	})
	if err == nil || !strings.Contains(err.Error(), "declared layer") {
		t.Fatalf("expected layer mismatch error, got %v", err)
	}
	if got := treeID(t, root, cfg); got != before {
		t.Error("planning failure must not touch the tree")
	}
}

func TestRunRollsBackOnBlockingViolations(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDepth = 2
	root := writeTree(t, batchFixture)
	before := treeID(t, root, cfg)

	// The destination depth exceeds the limit, which only the post-run
	// validation catches.
	rep, err := Run(context.Background(), Config{
		Root:  root,
		Cfg:   cfg,
		Moves: []plan.Move{{Src: "pkg/a", Dst: "internal/deep/nest/a"}},
	})
	if err == nil {
		t.Fatal("expected a run error")
	}
	if rep.State != StateRolledBack {
		t.Fatalf("state = %q", rep.State)
	}
	if got := treeID(t, root, cfg); got != before {
		t.Error("tree is not byte-identical after validation rollback")
	}
}

func TestRunCancelledContext(t *testing.T) {
	cfg := testConfig()
	root := writeTree(t, batchFixture)
	before := treeID(t, root, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := Run(ctx, Config{
		Root:  root,
		Cfg:   cfg,
		Moves: []plan.Move{{Src: "pkg/a", Dst: "internal/a"}},
	})
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if rep.State != StateRolledBack {
		t.Fatalf("state = %q", rep.State)
	}
	if got := treeID(t, root, cfg); got != before {
		t.Error("cancelled run modified the tree")
	}
}

func TestCheckReportsViolations(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDepth = 1
	root := writeTree(t, batchFixture)

	_, violations, err := Check(Config{Root: root, Cfg: cfg})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(violations) == 0 {
		t.Error("expected depth violations for two-segment references")
	}
}
