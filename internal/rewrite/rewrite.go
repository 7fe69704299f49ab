// Package rewrite performs in-place reference rewriting across the tree.
package rewrite

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"restruct/internal/index"
)

// Error indicates a reference could not be safely rewritten.
type Error struct {
	File   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rewrite failed in %s: %s", e.File, e.Reason)
}

// Result reports what a rewrite pass touched.
type Result struct {
	FilesChanged       int
	OccurrencesChanged int
}

// Rewrite replaces every reference to oldID with newID, in place, across all
// files the index reports as referencing oldID. Matching re-scans current
// file content, so running the same rewrite twice is a no-op.
func Rewrite(idx *index.Index, oldID, newID string) (*Result, error) {
	if oldID == newID {
		return &Result{}, nil
	}
	seen := make(map[string]bool)
	var files []string
	for _, r := range idx.ReferencesTo(oldID) {
		if !seen[r.File] {
			seen[r.File] = true
			files = append(files, r.File)
		}
	}
	sort.Strings(files)
	return Files(idx.Root, idx.Namespace, files, oldID, newID)
}

// Files rewrites references to oldID in an explicit list of root-relative
// files. Files with no remaining occurrence are left untouched. Matching
// uses the same scanner as the index: the greedy path capture means "a/b"
// never matches inside "a/bc" or "a/b/c".
func Files(root, ns string, files []string, oldID, newID string) (*Result, error) {
	if oldID == newID {
		return &Result{}, nil
	}
	re := index.RefPattern(ns)

	res := &Result{}
	for _, rel := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		content, err := os.ReadFile(abs)
		if err != nil {
			return res, &Error{File: rel, Reason: fmt.Sprintf("reading file: %v", err)}
		}

		updated, n := replaceRefs(re, content, oldID, newID)
		if n == 0 {
			continue
		}

		if _, remaining := replaceRefs(re, updated, oldID, newID); remaining > 0 {
			return res, &Error{File: rel, Reason: fmt.Sprintf("occurrences of %q remain after rewrite", oldID)}
		}

		info, err := os.Stat(abs)
		if err != nil {
			return res, &Error{File: rel, Reason: fmt.Sprintf("stat file: %v", err)}
		}
		if err := os.WriteFile(abs, updated, info.Mode().Perm()); err != nil {
			return res, &Error{File: rel, Reason: fmt.Sprintf("writing file: %v", err)}
		}

		res.FilesChanged++
		res.OccurrencesChanged += n
	}
	return res, nil
}

// replaceRefs substitutes the unit path of every match whose captured path
// equals oldID, leaving all surrounding bytes untouched, and returns the
// occurrence count.
func replaceRefs(re *regexp.Regexp, content []byte, oldID, newID string) ([]byte, int) {
	matches := re.FindAllSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content, 0
	}

	var buf bytes.Buffer
	buf.Grow(len(content))
	last := 0
	count := 0
	for _, m := range matches {
		pathStart, pathEnd := m[4], m[5]
		if !bytes.Equal(content[pathStart:pathEnd], []byte(oldID)) {
			continue
		}
		buf.Write(content[last:pathStart])
		buf.WriteString(newID)
		last = pathEnd
		count++
	}
	if count == 0 {
		return content, 0
	}
	buf.Write(content[last:])
	return buf.Bytes(), count
}
