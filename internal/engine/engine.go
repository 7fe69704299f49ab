// Package engine orchestrates a restructuring run: plan, execute, validate,
// and either commit the whole batch or roll it back to the starting state.
package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"restruct/internal/check"
	"restruct/internal/config"
	"restruct/internal/executor"
	"restruct/internal/gitio"
	"restruct/internal/index"
	"restruct/internal/plan"
	"restruct/internal/verify"
)

// State is the lifecycle phase of a run. Every run ends in Committed or
// RolledBack.
type State string

const (
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateValidating State = "validating"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled-back"
)

// DefaultBackupDir receives one backup pack per executed operation.
const DefaultBackupDir = ".restruct/backups"

// StructuralError marks a failure that means the tree itself is unsound,
// as opposed to a run that was cleanly rolled back.
type StructuralError struct {
	Err error
}

func (e *StructuralError) Error() string { return e.Err.Error() }
func (e *StructuralError) Unwrap() error { return e.Err }

// Config describes one engine run.
type Config struct {
	Root  string
	Cfg   *config.Config
	Moves []plan.Move

	// Verifier runs after each operation. Nil selects the configured build
	// command, or a no-op when none is configured.
	Verifier verify.Verifier

	// AllowDirty skips the clean-worktree guard.
	AllowDirty bool

	// BackupDir overrides DefaultBackupDir. Relative paths are resolved
	// against Root.
	BackupDir string
}

// OpLog records the outcome of one operation within a run. Committed here
// means the operation itself succeeded; a later batch rollback still undoes
// it, which the run state reflects.
type OpLog struct {
	Index              int    `json:"index"`
	Src                string `json:"src"`
	Dst                string `json:"dst"`
	Status             string `json:"status"`
	Reason             string `json:"reason,omitempty"`
	FilesChanged       int    `json:"filesChanged"`
	OccurrencesChanged int    `json:"occurrencesChanged"`
	Backup             string `json:"backup,omitempty"`
}

// Report is the full outcome of a run.
type Report struct {
	State      State             `json:"state"`
	Ops        []OpLog           `json:"ops,omitempty"`
	Violations []check.Violation `json:"violations,omitempty"`
	TreeBefore string            `json:"treeBefore,omitempty"`
	TreeAfter  string            `json:"treeAfter,omitempty"`
	GitHead    string            `json:"gitHead,omitempty"`
	Err        string            `json:"error,omitempty"`
}

// Run executes a batch of moves against the tree at ec.Root. The batch is
// atomic: the first failure undoes every operation, committed ones included,
// and the returned report carries state rolled-back with the failure reason.
// A non-nil error with state rolled-back is the normal failure path;
// structural errors are wrapped in StructuralError or returned as their
// concrete scan, dangling, or cycle types.
func Run(ctx context.Context, ec Config) (*Report, error) {
	rep := &Report{State: StatePlanning}

	if ec.Cfg.RequireCleanTree && !ec.AllowDirty {
		if err := guardWorktree(ec.Root, rep); err != nil {
			return rep, err
		}
	} else if head, err := gitHead(ec.Root); err == nil {
		rep.GitHead = head
	}

	idx, err := index.Build(ec.Root, ec.Cfg)
	if err != nil {
		return fail(rep, err)
	}
	if err := idx.Validate(); err != nil {
		return fail(rep, err)
	}
	rep.TreeBefore = idx.Identifier()

	ordered, err := plan.Plan(ec.Moves, idx.Has)
	if err != nil {
		return fail(rep, err)
	}

	// Declared layers must agree with what the configuration will assign to
	// the destination, so a plan cannot silently change a unit's layer.
	for _, op := range ordered {
		if op.Layer == "" {
			continue
		}
		if got := index.LayerFor(op.Dst, ec.Cfg); got != op.Layer {
			return fail(rep, fmt.Errorf("move %s -> %s: declared layer %q but destination maps to %q", op.Src, op.Dst, op.Layer, got))
		}
	}

	verifier := ec.Verifier
	if verifier == nil {
		if len(ec.Cfg.Verify.Command) > 0 {
			verifier = verify.NewCommand(ec.Cfg.Verify.Command, ec.Cfg.VerifyTimeout())
		} else {
			verifier = verify.Nop()
		}
	}
	backupDir := ec.BackupDir
	if backupDir == "" {
		backupDir = DefaultBackupDir
	}
	ex := executor.New(ec.Root, resolveUnder(ec.Root, backupDir), verifier)

	rep.State = StateExecuting
	var committed []*executor.CommitResult
	var failure error

	for i, op := range ordered {
		if err := ctx.Err(); err != nil {
			failure = fmt.Errorf("run cancelled before %s -> %s: %w", op.Src, op.Dst, err)
			break
		}

		// The index is rebuilt before each operation so reference positions
		// reflect the rewrites of earlier operations in the batch.
		if i > 0 {
			idx, err = index.Build(ec.Root, ec.Cfg)
			if err != nil {
				failure = err
				break
			}
		}

		res, err := ex.Execute(ctx, idx, op)
		if err != nil {
			// The operation's own reversal failed. The tree needs operator
			// attention; still unwind what earlier operations changed.
			rollback(ec.Root, committed, rep)
			rep.State = StateRolledBack
			rep.Err = err.Error()
			return rep, err
		}

		log := OpLog{
			Index:              i,
			Src:                op.Src,
			Dst:                op.Dst,
			Status:             string(res.Status),
			Reason:             res.Reason,
			FilesChanged:       res.FilesChanged,
			OccurrencesChanged: res.OccurrencesChanged,
		}
		if res.Backup != nil {
			log.Backup = res.Backup.Path
		}
		rep.Ops = append(rep.Ops, log)

		if res.Status != executor.StatusCommitted {
			failure = fmt.Errorf("operation %s -> %s failed: %s", op.Src, op.Dst, res.Reason)
			break
		}
		committed = append(committed, res)
	}

	if failure != nil {
		rollback(ec.Root, committed, rep)
		rep.State = StateRolledBack
		rep.Err = failure.Error()
		return rep, failure
	}

	rep.State = StateValidating
	after, err := index.Build(ec.Root, ec.Cfg)
	if err == nil {
		err = after.Validate()
	}
	if err != nil {
		rollback(ec.Root, committed, rep)
		rep.State = StateRolledBack
		rep.Err = err.Error()
		return rep, fmt.Errorf("post-run validation: %w", err)
	}

	rules, err := check.FromConfig(ec.Cfg)
	if err != nil {
		rollback(ec.Root, committed, rep)
		rep.State = StateRolledBack
		rep.Err = err.Error()
		return rep, err
	}
	rep.Violations = check.CheckAll(after, rules)
	if check.HasBlocking(rep.Violations) {
		rollback(ec.Root, committed, rep)
		rep.State = StateRolledBack
		rep.Err = "blocking invariant violations after run"
		return rep, fmt.Errorf("blocking invariant violations after run")
	}

	rep.TreeAfter = after.Identifier()
	rep.State = StateCommitted
	return rep, nil
}

// Check builds the index for ec.Root and evaluates the configured rules
// without mutating anything.
func Check(ec Config) (*index.Index, []check.Violation, error) {
	idx, err := index.Build(ec.Root, ec.Cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := idx.Validate(); err != nil {
		return nil, nil, err
	}
	rules, err := check.FromConfig(ec.Cfg)
	if err != nil {
		return nil, nil, err
	}
	return idx, check.CheckAll(idx, rules), nil
}

// guardWorktree refuses to run against a dirty git worktree. A root outside
// any repository passes the guard.
func guardWorktree(root string, rep *Report) error {
	repo, err := gitio.Open(root)
	if err != nil {
		if err == gitio.ErrNotARepository {
			return nil
		}
		return err
	}
	if head, err := repo.Head(); err == nil {
		rep.GitHead = head
	}
	clean, err := repo.IsClean()
	if err != nil {
		return err
	}
	if !clean {
		return &StructuralError{Err: fmt.Errorf("worktree has uncommitted changes; commit or stash them first, or pass --allow-dirty")}
	}
	return nil
}

// gitHead returns the HEAD hash for reporting, or "" when unavailable.
func gitHead(root string) (string, error) {
	repo, err := gitio.Open(root)
	if err != nil {
		return "", err
	}
	return repo.Head()
}

// rollback undoes committed operations in reverse order and marks their log
// entries. Undo failures are recorded but do not stop the remaining undos.
func rollback(root string, committed []*executor.CommitResult, rep *Report) {
	undone := make(map[string]bool, len(committed))
	for i := len(committed) - 1; i >= 0; i-- {
		res := committed[i]
		if err := res.Undo(root); err != nil {
			rep.Err = fmt.Sprintf("rollback of %s -> %s failed: %v", res.Op.Src, res.Op.Dst, err)
			continue
		}
		undone[res.Op.Src] = true
	}
	for i := range rep.Ops {
		if undone[rep.Ops[i].Src] {
			rep.Ops[i].Status = string(executor.StatusRolledBack)
			if rep.Ops[i].Reason == "" {
				rep.Ops[i].Reason = "undone by batch rollback"
			}
		}
	}
}

// fail records a planning-phase error; nothing has been mutated yet.
func fail(rep *Report, err error) (*Report, error) {
	rep.State = StateRolledBack
	rep.Err = err.Error()
	return rep, err
}

// resolveUnder joins a possibly relative directory with the tree root.
func resolveUnder(root, dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}
