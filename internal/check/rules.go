package check

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"restruct/internal/config"
	"restruct/internal/index"
)

// DepthRule flags references whose identifier has more than Max path
// segments beyond RootPrefix. The prefix itself is never counted.
type DepthRule struct {
	Max        int
	RootPrefix string
}

// Name implements Rule.
func (r *DepthRule) Name() string { return "max-depth" }

// Check implements Rule.
func (r *DepthRule) Check(idx *index.Index) []Violation {
	var vs []Violation
	for _, ref := range idx.References() {
		n := r.depth(ref.UnitID)
		if n > r.Max {
			vs = append(vs, violationf(r.Name(), Blocking, ref.UnitID, ref.File,
				"reference %s:%d has %d segments beyond %q (max %d)",
				ref.File, ref.Line, n, r.RootPrefix, r.Max))
		}
	}
	return vs
}

// depth counts the path segments of a unit identifier past the root prefix.
func (r *DepthRule) depth(unitID string) int {
	rest := unitID
	if r.RootPrefix != "" {
		if unitID == r.RootPrefix {
			return 0
		}
		if strings.HasPrefix(unitID, r.RootPrefix+"/") {
			rest = unitID[len(r.RootPrefix)+1:]
		}
	}
	if rest == "" {
		return 0
	}
	return strings.Count(rest, "/") + 1
}

// LayerRule enforces the layer dependency ordering: a unit may reference
// units in its own layer or any layer earlier in Order, never later.
// Unassigned units are exempt on either side.
type LayerRule struct {
	Order []string
}

// Name implements Rule.
func (r *LayerRule) Name() string { return "layer-order" }

// Check implements Rule.
func (r *LayerRule) Check(idx *index.Index) []Violation {
	rank := make(map[string]int, len(r.Order))
	for i, name := range r.Order {
		rank[name] = i
	}

	var vs []Violation
	for _, ref := range idx.References() {
		src := idx.Unit(idx.FileUnit(ref.File))
		dst := idx.Unit(ref.UnitID)
		if src == nil || dst == nil {
			continue // dangling references are the index's hard error, not ours
		}
		srcRank, srcOK := rank[src.Layer]
		dstRank, dstOK := rank[dst.Layer]
		if !srcOK || !dstOK {
			continue
		}
		if dstRank > srcRank {
			vs = append(vs, violationf(r.Name(), Blocking, src.ID, ref.File,
				"%s-layer unit %q references %s-layer unit %q at %s:%d",
				src.Layer, src.ID, dst.Layer, dst.ID, ref.File, ref.Line))
		}
	}
	return vs
}

// DuplicateRule flags exported symbols declared in more than one unit.
// The first declaration (by unit, file, line) is canonical; every extra
// declaration is exactly one blocking violation.
type DuplicateRule struct {
	Allow []string
}

// Name implements Rule.
func (r *DuplicateRule) Name() string { return "duplicate-definition" }

// Check implements Rule.
func (r *DuplicateRule) Check(idx *index.Index) []Violation {
	allowed := make(map[string]bool, len(r.Allow))
	for _, name := range r.Allow {
		allowed[name] = true
	}

	type decl struct {
		unitID string
		sym    index.Symbol
	}
	first := make(map[string]decl)
	var vs []Violation

	for _, u := range idx.Units() {
		seenInUnit := make(map[string]bool)
		for _, sym := range u.Symbols {
			if allowed[sym.Name] {
				continue
			}
			if seenInUnit[sym.Name] {
				continue // redeclaration inside one unit is the compiler's problem
			}
			seenInUnit[sym.Name] = true

			prev, ok := first[sym.Name]
			if !ok {
				first[sym.Name] = decl{unitID: u.ID, sym: sym}
				continue
			}
			vs = append(vs, violationf(r.Name(), Blocking, u.ID, sym.File,
				"symbol %q declared at %s:%d duplicates declaration in unit %q (%s:%d)",
				sym.Name, sym.File, sym.Line, prev.unitID, prev.sym.File, prev.sym.Line))
		}
	}
	sortViolations(vs)
	return vs
}

// ForbiddenRule flags file content matching configured textual patterns,
// each at its own severity. Patterns may be scoped to path globs.
type ForbiddenRule struct {
	entries []forbiddenEntry
}

type forbiddenEntry struct {
	name     string
	re       *regexp.Regexp
	severity Severity
	paths    []string
}

// NewForbiddenRule compiles the configured forbidden patterns.
func NewForbiddenRule(rules []config.ForbiddenRule) (*ForbiddenRule, error) {
	fr := &ForbiddenRule{}
	for _, fc := range rules {
		re, err := regexp.Compile(fc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling forbidden pattern %q: %w", fc.Name, err)
		}
		fr.entries = append(fr.entries, forbiddenEntry{
			name:     fc.Name,
			re:       re,
			severity: Severity(fc.Severity),
			paths:    fc.Paths,
		})
	}
	return fr, nil
}

// Name implements Rule.
func (r *ForbiddenRule) Name() string { return "forbidden-pattern" }

// Check implements Rule.
func (r *ForbiddenRule) Check(idx *index.Index) []Violation {
	var vs []Violation
	for _, f := range idx.Files() {
		if !f.Source {
			continue
		}
		for _, e := range r.entries {
			if !e.matchPath(f.Path) {
				continue
			}
			if loc := e.re.FindIndex(f.Content); loc != nil {
				vs = append(vs, violationf(e.name, e.severity, f.UnitID, f.Path,
					"file %s matches forbidden pattern %q", f.Path, e.re.String()))
			}
		}
	}
	return vs
}

// matchPath reports whether a file is in scope for this entry.
func (e *forbiddenEntry) matchPath(path string) bool {
	if len(e.paths) == 0 {
		return true
	}
	for _, pattern := range e.paths {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}
