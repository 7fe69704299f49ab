// Package ignore provides gitignore-style pattern matching for tree filtering.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern represents a single ignore pattern with its properties.
type Pattern struct {
	pattern  string
	negated  bool
	dirOnly  bool
	anchored bool // Pattern starts with / (matches from root only)
}

// Matcher holds compiled ignore patterns and provides matching functionality.
type Matcher struct {
	patterns []Pattern
}

// NewMatcher creates a new empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// AddPattern adds a single pattern string to the matcher.
func (m *Matcher) AddPattern(line string) {
	line = strings.TrimSpace(line)

	// Skip empty lines and comments
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	p := Pattern{}

	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}

	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}

	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = line[1:]
	}

	// Patterns without slashes match the basename at any level
	if !p.anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}

	p.pattern = line
	m.patterns = append(m.patterns, p)
}

// AddPatterns adds multiple pattern strings to the matcher.
func (m *Matcher) AddPatterns(lines []string) {
	for _, line := range lines {
		m.AddPattern(line)
	}
}

// LoadFile loads patterns from a gitignore-style file. Missing files are
// silently skipped.
func (m *Matcher) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		m.AddPattern(scanner.Text())
	}
	return scanner.Err()
}

// Match checks if a path should be ignored. The path must be relative to
// the scanned root, with forward slashes. isDir indicates whether the path
// is a directory.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")

	ignored := false
	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			// A file is ignored when a parent directory matches.
			if m.matchParent(p.pattern, path) {
				ignored = !p.negated
			}
			continue
		}
		if m.matchPattern(p.pattern, path) {
			ignored = !p.negated
		}
	}
	return ignored
}

// matchParent checks if any proper ancestor of path matches the pattern.
func (m *Matcher) matchParent(pattern, path string) bool {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if m.matchPattern(pattern, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

// matchPattern checks if a path matches a single pattern.
func (m *Matcher) matchPattern(pattern, path string) bool {
	matched, _ := doublestar.Match(pattern, path)
	if matched {
		return true
	}
	// "vendor" should also match "vendor/foo/bar.go"
	if !strings.HasSuffix(pattern, "/**") {
		matched, _ = doublestar.Match(pattern+"/**", path)
	}
	return matched
}

// defaults are directories and files a restructuring run must never scan or
// rewrite: VCS metadata, the engine's own working directory, build output.
var defaults = []string{
	".git/",
	".restruct/",
	".svn/",
	".hg/",
	"vendor/",
	"node_modules/",
	"dist/",
	"bin/",
	"*.swp",
	"*.bak",
	"*.orig",
	"*.tmp",
	".DS_Store",
}

// LoadFromDir builds a matcher for a tree root: built-in defaults, then
// .gitignore, then .restructignore (which takes precedence via negation).
func LoadFromDir(dir string) (*Matcher, error) {
	m := NewMatcher()
	m.AddPatterns(defaults)

	if err := m.LoadFile(filepath.Join(dir, ".gitignore")); err != nil {
		return nil, err
	}
	if err := m.LoadFile(filepath.Join(dir, ".restructignore")); err != nil {
		return nil, err
	}
	return m, nil
}

// Compile creates a matcher from a list of pattern strings, with no defaults.
func Compile(patterns []string) *Matcher {
	m := NewMatcher()
	m.AddPatterns(patterns)
	return m
}
