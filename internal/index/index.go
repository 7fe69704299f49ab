// Package index builds the in-memory catalogue of relocatable units and the
// references that point to each of them.
package index

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"lukechampine.com/blake3"

	"restruct/internal/config"
	"restruct/internal/ignore"
)

// ScanError indicates the tree could not be turned into a consistent index:
// unreadable root, conflicting unit declarations, or colliding identifiers.
type ScanError struct {
	Path   string
	Reason string
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan failed at %s: %s", e.Path, e.Reason)
}

// DanglingReferenceError indicates a reference that resolves to no unit.
type DanglingReferenceError struct {
	File   string
	Line   int
	UnitID string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("%s:%d: dangling reference to %q", e.File, e.Line, e.UnitID)
}

// File is a single tracked file in the tree.
type File struct {
	Path    string // root-relative, forward slashes
	UnitID  string
	Source  bool // scanned for declarations and references
	Content []byte
}

// Symbol is an exported top-level declaration found in a source file.
type Symbol struct {
	Name string
	File string
	Line int
}

// Unit is a relocatable grouping of files, identified by its directory path
// relative to the tree root.
type Unit struct {
	ID           string
	DeclaredName string
	Layer        string
	Files        []string // sorted, root-relative
	Symbols      []Symbol // sorted by (file, line)
}

// Reference is one occurrence of a unit identifier inside a source file.
type Reference struct {
	File   string
	UnitID string
	Line   int // 1-based
	Col    int // 1-based, bytes
	Offset int // byte offset of the namespace prefix
	Length int // byte length including the namespace prefix
}

// Index is the canonical catalogue of units and references for one run.
// It is rebuilt from scratch on every invocation.
type Index struct {
	Root      string
	Namespace string

	units      map[string]*Unit
	files      map[string]*File
	refs       []Reference
	byTarget   map[string][]Reference
	identifier string
}

// RootUnitID is the identifier of the pseudo-unit holding root-level files.
const RootUnitID = "."

// segmentClass matches characters that may appear inside a path segment.
// A reference ends at the first character outside this class that is not a
// path separator.
const segmentClass = `A-Za-z0-9_.\-`

// RefPattern compiles the reference matcher for a namespace. Group 1 is the
// (possibly empty) boundary before the namespace, group 2 the unit path. The
// path capture is greedy, so a match can never end inside an identifier: the
// rewriter relies on this to guarantee whole-segment matching.
func RefPattern(ns string) *regexp.Regexp {
	return regexp.MustCompile(
		`(^|[^` + segmentClass + `/])` + regexp.QuoteMeta(ns) +
			`/([` + segmentClass + `]+(?:/[` + segmentClass + `]+)*)`)
}

// Build scans the tree under root and constructs the index.
func Build(root string, cfg *config.Config) (*Index, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, &ScanError{Path: root, Reason: err.Error()}
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, &ScanError{Path: root, Reason: fmt.Sprintf("unreadable root: %v", err)}
	}
	if !info.IsDir() {
		return nil, &ScanError{Path: root, Reason: "root is not a directory"}
	}

	ign, err := ignore.LoadFromDir(absRoot)
	if err != nil {
		return nil, &ScanError{Path: root, Reason: fmt.Sprintf("loading ignore patterns: %v", err)}
	}

	paths, err := collectPaths(absRoot, ign)
	if err != nil {
		return nil, err
	}

	sourceExt := make(map[string]bool, len(cfg.SourceExts))
	for _, ext := range cfg.SourceExts {
		sourceExt[strings.ToLower(ext)] = true
	}

	files, err := readFiles(absRoot, paths, sourceExt)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		Root:      absRoot,
		Namespace: cfg.Namespace,
		units:     make(map[string]*Unit),
		files:     make(map[string]*File),
		byTarget:  make(map[string][]Reference),
	}

	declRe := regexp.MustCompile(cfg.DeclPatternOrDefault())
	symRe := regexp.MustCompile(cfg.SymbolPatternOrDefault())

	for _, f := range files {
		idx.files[f.Path] = f
		unitID := path.Dir(f.Path)
		f.UnitID = unitID

		u := idx.units[unitID]
		if u == nil {
			u = &Unit{ID: unitID, Layer: layerFor(unitID, cfg)}
			idx.units[unitID] = u
		}
		u.Files = append(u.Files, f.Path)

		if !f.Source {
			continue
		}

		if m := declRe.FindSubmatch(f.Content); m != nil {
			name := string(m[1])
			if u.DeclaredName != "" && u.DeclaredName != name {
				return nil, &ScanError{
					Path:   f.Path,
					Reason: fmt.Sprintf("ambiguous unit %q: declares %q but sibling files declare %q", unitID, name, u.DeclaredName),
				}
			}
			u.DeclaredName = name
		}

		for _, m := range symRe.FindAllSubmatchIndex(f.Content, -1) {
			u.Symbols = append(u.Symbols, Symbol{
				Name: string(f.Content[m[2]:m[3]]),
				File: f.Path,
				Line: lineAt(f.Content, m[2]),
			})
		}
	}

	if err := idx.checkCollisions(); err != nil {
		return nil, err
	}

	refRe := RefPattern(cfg.Namespace)
	for _, f := range files {
		if !f.Source {
			continue
		}
		for _, m := range refRe.FindAllSubmatchIndex(f.Content, -1) {
			start := m[3] // namespace begins where the boundary group ends
			idx.refs = append(idx.refs, Reference{
				File:   f.Path,
				UnitID: string(f.Content[m[4]:m[5]]),
				Line:   lineAt(f.Content, start),
				Col:    colAt(f.Content, start),
				Offset: start,
				Length: m[1] - start,
			})
		}
	}

	sort.Slice(idx.refs, func(i, j int) bool {
		if idx.refs[i].File != idx.refs[j].File {
			return idx.refs[i].File < idx.refs[j].File
		}
		return idx.refs[i].Offset < idx.refs[j].Offset
	})
	for _, r := range idx.refs {
		idx.byTarget[r.UnitID] = append(idx.byTarget[r.UnitID], r)
	}

	for _, u := range idx.units {
		sort.Strings(u.Files)
		sort.Slice(u.Symbols, func(i, j int) bool {
			if u.Symbols[i].File != u.Symbols[j].File {
				return u.Symbols[i].File < u.Symbols[j].File
			}
			return u.Symbols[i].Line < u.Symbols[j].Line
		})
	}

	idx.identifier = treeIdentifier(files)
	return idx, nil
}

// collectPaths walks the tree and returns root-relative paths of all
// non-ignored regular files.
func collectPaths(absRoot string, ign *ignore.Matcher) ([]string, error) {
	var paths []string
	err := filepath.Walk(absRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if ign.Match(rel, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, &ScanError{Path: absRoot, Reason: fmt.Sprintf("walking tree: %v", err)}
	}
	sort.Strings(paths)
	return paths, nil
}

// readFiles loads file contents with a bounded worker pool. The result is
// ordered by path regardless of read completion order.
func readFiles(absRoot string, paths []string, sourceExt map[string]bool) ([]*File, error) {
	files := make([]*File, len(paths))

	var wg sync.WaitGroup
	sem := make(chan struct{}, 8)
	var mu sync.Mutex
	var firstErr error

	for i, rel := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rel string) {
			defer wg.Done()
			defer func() { <-sem }()
			content, err := os.ReadFile(filepath.Join(absRoot, filepath.FromSlash(rel)))
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = &ScanError{Path: rel, Reason: fmt.Sprintf("reading file: %v", err)}
				}
				mu.Unlock()
				return
			}
			files[i] = &File{
				Path:    rel,
				Source:  sourceExt[strings.ToLower(path.Ext(rel))],
				Content: content,
			}
		}(i, rel)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return files, nil
}

// checkCollisions rejects unit identifiers that differ only by case. On a
// case-insensitive filesystem such pairs alias each other, which is the
// signature of a stale copy left behind by a copy-based move.
func (idx *Index) checkCollisions() error {
	byFold := make(map[string]string, len(idx.units))
	ids := make([]string, 0, len(idx.units))
	for id := range idx.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fold := strings.ToLower(id)
		if prev, ok := byFold[fold]; ok && prev != id {
			return &ScanError{
				Path:   id,
				Reason: fmt.Sprintf("ambiguous unit: identifier collides with %q", prev),
			}
		}
		byFold[fold] = id
	}
	return nil
}

// LayerFor returns the layer a unit path would be assigned under the given
// configuration. It works for paths that do not exist yet, such as move
// destinations.
func LayerFor(unitID string, cfg *config.Config) string {
	return layerFor(unitID, cfg)
}

// layerFor assigns a unit to the first layer whose patterns match its path.
func layerFor(unitID string, cfg *config.Config) string {
	for _, l := range cfg.Layers {
		for _, pattern := range l.Paths {
			if matchPath(pattern, unitID) {
				return l.Name
			}
		}
	}
	return config.LayerUnassigned
}

// matchPath matches a unit path against a doublestar pattern, treating
// "a/**" as also matching "a" itself.
func matchPath(pattern, p string) bool {
	if ok, _ := doublestar.Match(pattern, p); ok {
		return true
	}
	if trimmed, found := strings.CutSuffix(pattern, "/**"); found {
		if ok, _ := doublestar.Match(trimmed, p); ok {
			return true
		}
	}
	return false
}

// treeIdentifier hashes all paths and contents, sorted by path, giving a
// stable identity for the tree state.
func treeIdentifier(files []*File) string {
	hasher := blake3.New(32, nil)
	for _, f := range files {
		hasher.Write([]byte(f.Path))
		hasher.Write([]byte{'\n'})
		hasher.Write(f.Content)
		hasher.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// lineAt returns the 1-based line number of a byte offset.
func lineAt(content []byte, offset int) int {
	line := 1
	for _, b := range content[:offset] {
		if b == '\n' {
			line++
		}
	}
	return line
}

// colAt returns the 1-based byte column of a byte offset.
func colAt(content []byte, offset int) int {
	col := 1
	for i := offset - 1; i >= 0; i-- {
		if content[i] == '\n' {
			break
		}
		col++
	}
	return col
}

// Units returns all units sorted by identifier.
func (idx *Index) Units() []*Unit {
	units := make([]*Unit, 0, len(idx.units))
	for _, u := range idx.units {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units
}

// Unit returns a unit by identifier, or nil.
func (idx *Index) Unit(id string) *Unit {
	return idx.units[id]
}

// Has reports whether a unit identifier exists in the index.
func (idx *Index) Has(id string) bool {
	_, ok := idx.units[id]
	return ok
}

// Files returns all tracked files sorted by path.
func (idx *Index) Files() []*File {
	files := make([]*File, 0, len(idx.files))
	for _, f := range idx.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// File returns a tracked file by root-relative path, or nil.
func (idx *Index) File(path string) *File {
	return idx.files[path]
}

// FileUnit returns the identifier of the unit owning a file, or "".
func (idx *Index) FileUnit(path string) string {
	if f := idx.files[path]; f != nil {
		return f.UnitID
	}
	return ""
}

// References returns every reference in the tree, ordered by file and offset.
func (idx *Index) References() []Reference {
	out := make([]Reference, len(idx.refs))
	copy(out, idx.refs)
	return out
}

// ReferencesTo returns the exact set of references to a unit identifier.
// Matches are whole-identifier only: references to "a/bc" or "a/b/c" are
// never returned for "a/b".
func (idx *Index) ReferencesTo(unitID string) []Reference {
	refs := idx.byTarget[unitID]
	out := make([]Reference, len(refs))
	copy(out, refs)
	return out
}

// Validate checks that every reference resolves to an existing unit. The
// first dangling reference is returned as a hard error.
func (idx *Index) Validate() error {
	for _, r := range idx.refs {
		if _, ok := idx.units[r.UnitID]; !ok {
			return &DanglingReferenceError{File: r.File, Line: r.Line, UnitID: r.UnitID}
		}
	}
	return nil
}

// Identifier returns the blake3 identity of the scanned tree state. Two
// byte-identical trees produce equal identifiers.
func (idx *Index) Identifier() string {
	return idx.identifier
}
