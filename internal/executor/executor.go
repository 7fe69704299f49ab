// Package executor performs one validated move: stage, rewrite, delete,
// verify, with exact reversal on failure.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"restruct/internal/index"
	"restruct/internal/plan"
	"restruct/internal/rewrite"
	"restruct/internal/snapshot"
	"restruct/internal/verify"
)

// Status is the terminal state of one executed operation. An operation is
// never left in progress once Execute returns.
type Status string

const (
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled-back"
)

// CommitResult reports the outcome of one move operation. For committed
// operations it retains everything needed to undo the move later, so the
// orchestrator can reverse a whole batch.
type CommitResult struct {
	Op                 plan.Move
	Status             Status
	Reason             string
	FilesChanged       int
	OccurrencesChanged int

	// Backup holds the pre-move bytes of every file the operation touched.
	Backup *snapshot.Pack
	// Created lists root-relative paths staged at the destination.
	Created []string
}

// Undo reverses a committed operation: staged files are removed and every
// touched file is restored byte-identical from the backup pack.
func (r *CommitResult) Undo(root string) error {
	for _, rel := range r.Created {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing staged %s: %w", rel, err)
		}
		removeEmptyParents(root, rel)
	}
	if err := r.Backup.Restore(root); err != nil {
		return fmt.Errorf("restoring backup: %w", err)
	}
	return nil
}

// Executor runs move operations against one tree.
type Executor struct {
	Root      string
	BackupDir string
	Verifier  verify.Verifier
}

// New creates an executor. backupDir receives one persisted pack per
// operation; verifier may be verify.Nop().
func New(root, backupDir string, v verify.Verifier) *Executor {
	return &Executor{Root: root, BackupDir: backupDir, Verifier: v}
}

// Execute performs one move. The returned result always has a terminal
// status. A non-nil error means the reversal itself failed and the tree
// needs operator attention; any other failure is reported through the
// result with Status rolled-back.
func (e *Executor) Execute(ctx context.Context, idx *index.Index, op plan.Move) (*CommitResult, error) {
	res := &CommitResult{Op: op}

	unit := idx.Unit(op.Src)
	if unit == nil {
		return nil, fmt.Errorf("move source %q: no such unit", op.Src)
	}
	if unit.ID == index.RootUnitID {
		return nil, fmt.Errorf("the tree root is not relocatable")
	}

	refs := idx.ReferencesTo(op.Src)
	touched := make([]string, 0, len(unit.Files)+len(refs))
	touched = append(touched, unit.Files...)
	for _, r := range refs {
		touched = append(touched, r.File)
	}

	backup, err := snapshot.Take(e.Root, "move-"+op.Src, touched)
	if err != nil {
		return nil, fmt.Errorf("backing up before move: %w", err)
	}
	if e.BackupDir != "" {
		if err := backup.Write(e.BackupDir); err != nil {
			return nil, fmt.Errorf("persisting backup: %w", err)
		}
	}
	res.Backup = backup

	// Step 1: stage destination by duplicating source content.
	if err := e.stage(res, unit); err != nil {
		return e.reverse(res, err)
	}

	// Step 2: rewrite every reference to the new identifier. References
	// inside the unit's own files are rewritten in their staged copies;
	// the originals are about to be deleted.
	inUnit := make(map[string]bool, len(unit.Files))
	for _, f := range unit.Files {
		inUnit[f] = true
	}
	seen := make(map[string]bool)
	var rewriteFiles []string
	for _, r := range refs {
		target := r.File
		if inUnit[target] {
			target = stagedPath(unit.ID, op.Dst, target)
		}
		if !seen[target] {
			seen[target] = true
			rewriteFiles = append(rewriteFiles, target)
		}
	}
	rres, err := rewrite.Files(e.Root, idx.Namespace, rewriteFiles, op.Src, op.Dst)
	if err != nil {
		return e.reverse(res, err)
	}
	res.FilesChanged = rres.FilesChanged
	res.OccurrencesChanged = rres.OccurrencesChanged

	// Step 3: remove the original source content.
	if err := e.removeSource(unit); err != nil {
		return e.reverse(res, err)
	}

	// Step 4: external build verification. A timeout is a failure.
	if err := e.Verifier.Verify(ctx, e.Root); err != nil {
		return e.reverse(res, err)
	}

	res.Status = StatusCommitted
	return res, nil
}

// stage copies every file of the unit to its destination path.
func (e *Executor) stage(res *CommitResult, unit *index.Unit) error {
	for _, rel := range unit.Files {
		dstRel := stagedPath(unit.ID, res.Op.Dst, rel)
		dstAbs := filepath.Join(e.Root, filepath.FromSlash(dstRel))
		if _, err := os.Stat(dstAbs); err == nil {
			return fmt.Errorf("destination file %s already exists", dstRel)
		}

		srcAbs := filepath.Join(e.Root, filepath.FromSlash(rel))
		content, err := os.ReadFile(srcAbs)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		info, err := os.Stat(srcAbs)
		if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(dstAbs), 0755); err != nil {
			return fmt.Errorf("creating destination directory: %w", err)
		}
		if err := os.WriteFile(dstAbs, content, info.Mode().Perm()); err != nil {
			return fmt.Errorf("staging %s: %w", dstRel, err)
		}
		res.Created = append(res.Created, dstRel)
	}
	return nil
}

// removeSource deletes the unit's files and its directory. Any file left in
// the directory afterwards means the move was incomplete: the engine treats
// that as a failed rewrite, not a warning.
func (e *Executor) removeSource(unit *index.Unit) error {
	for _, rel := range unit.Files {
		if err := os.Remove(filepath.Join(e.Root, filepath.FromSlash(rel))); err != nil {
			return fmt.Errorf("removing %s: %w", rel, err)
		}
	}

	dirAbs := filepath.Join(e.Root, filepath.FromSlash(unit.ID))
	entries, err := os.ReadDir(dirAbs)
	if err != nil {
		return fmt.Errorf("reading source directory after move: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return &rewrite.Error{
				File:   unit.ID + "/" + entry.Name(),
				Reason: "file left behind after move; rewrite incomplete",
			}
		}
		// Subdirectories are separate units and stay where they are.
	}
	if len(entries) == 0 {
		if err := os.Remove(dirAbs); err != nil {
			return fmt.Errorf("removing empty source directory: %w", err)
		}
		removeEmptyParents(e.Root, unit.ID)
	}
	return nil
}

// reverse undoes the partial effects of a failed operation and reports the
// failure through the result.
func (e *Executor) reverse(res *CommitResult, cause error) (*CommitResult, error) {
	if err := res.Undo(e.Root); err != nil {
		return nil, fmt.Errorf("rolling back %s -> %s after %v: %w", res.Op.Src, res.Op.Dst, cause, err)
	}
	res.Status = StatusRolledBack
	res.Reason = cause.Error()
	res.Created = nil
	return res, nil
}

// stagedPath maps a file under the source unit to its destination path.
func stagedPath(srcID, dst, rel string) string {
	return dst + "/" + strings.TrimPrefix(rel, srcID+"/")
}

// removeEmptyParents removes now-empty directories above a removed file,
// stopping at the tree root or the first non-empty directory.
func removeEmptyParents(root, rel string) {
	dir := filepath.Dir(filepath.FromSlash(rel))
	for dir != "." && dir != string(filepath.Separator) {
		abs := filepath.Join(root, dir)
		entries, err := os.ReadDir(abs)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(abs); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
