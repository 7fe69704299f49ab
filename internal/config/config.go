// Package config provides the run configuration for the restructuring engine.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the name of the committed project configuration file.
const DefaultFile = "restruct.yaml"

// LayerUnassigned is the layer of units matching no layer rule. Unassigned
// units are exempt from layer-ordering checks.
const LayerUnassigned = "unassigned"

// LayerRule defines an architectural layer with its path patterns.
// The order of LayerRule entries in the config is the dependency ordering:
// a layer may reference its own layer or any layer listed before it.
type LayerRule struct {
	Name  string   `yaml:"name"`
	Paths []string `yaml:"paths"`
}

// ForbiddenRule defines a textual pattern that must not appear in the tree.
type ForbiddenRule struct {
	Name     string   `yaml:"name"`
	Pattern  string   `yaml:"pattern"`
	Severity string   `yaml:"severity"`
	Paths    []string `yaml:"paths,omitempty"`
}

// VerifyConfig configures the external build-verification command.
type VerifyConfig struct {
	Command []string `yaml:"command,omitempty"`
	Timeout string   `yaml:"timeout,omitempty"`
}

// Config holds the full engine configuration.
type Config struct {
	// Namespace is the reference-namespace prefix of the tree, e.g. the
	// module path. Only identifiers under this prefix are treated as
	// references to relocatable units.
	Namespace string `yaml:"namespace"`

	// SourceExts lists the file extensions scanned for references and
	// declarations. Other files are carried along with their unit but
	// never rewritten.
	SourceExts []string `yaml:"source_exts"`

	// MaxDepth is the maximum number of path segments a reference may have
	// beyond RootPrefix. Zero disables the depth rule.
	MaxDepth int `yaml:"max_depth"`

	// RootPrefix is the unit-path prefix that is never counted by the
	// depth rule.
	RootPrefix string `yaml:"root_prefix,omitempty"`

	Layers    []LayerRule     `yaml:"layers,omitempty"`
	Forbidden []ForbiddenRule `yaml:"forbidden,omitempty"`

	// DuplicateAllow lists exported symbol names that may legitimately be
	// declared in more than one unit.
	DuplicateAllow []string `yaml:"duplicate_allow,omitempty"`

	// DeclPattern captures the declared unit name from a source file
	// (submatch 1). Defaults to a Go package clause.
	DeclPattern string `yaml:"decl_pattern,omitempty"`

	// SymbolPattern captures exported top-level declarations (submatch 1)
	// for the duplicate-definition rule.
	SymbolPattern string `yaml:"symbol_pattern,omitempty"`

	Verify VerifyConfig `yaml:"verify,omitempty"`

	// RequireCleanTree refuses to mutate a git worktree with uncommitted
	// changes.
	RequireCleanTree bool `yaml:"require_clean_tree"`
}

const (
	defaultDeclPattern   = `(?m)^package\s+([A-Za-z_][A-Za-z0-9_]*)`
	defaultSymbolPattern = `(?m)^(?:func|type)\s+([A-Z][A-Za-z0-9_]*)`
	defaultTimeout       = 2 * time.Minute
)

// Severity values accepted in forbidden rules.
const (
	SeverityBlocking = "blocking"
	SeverityWarning  = "warning"
)

// Default returns a configuration with sensible defaults and no namespace.
func Default() *Config {
	return &Config{
		SourceExts:       []string{".go"},
		MaxDepth:         4,
		RequireCleanTree: true,
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("config: namespace is required")
	}
	if len(c.SourceExts) == 0 {
		return fmt.Errorf("config: source_exts must not be empty")
	}
	if _, err := regexp.Compile(c.DeclPatternOrDefault()); err != nil {
		return fmt.Errorf("config: decl_pattern: %w", err)
	}
	if _, err := regexp.Compile(c.SymbolPatternOrDefault()); err != nil {
		return fmt.Errorf("config: symbol_pattern: %w", err)
	}
	seen := make(map[string]bool)
	for _, l := range c.Layers {
		if l.Name == "" {
			return fmt.Errorf("config: layer with empty name")
		}
		if seen[l.Name] {
			return fmt.Errorf("config: duplicate layer %q", l.Name)
		}
		seen[l.Name] = true
	}
	for _, f := range c.Forbidden {
		if f.Name == "" {
			return fmt.Errorf("config: forbidden rule with empty name")
		}
		if _, err := regexp.Compile(f.Pattern); err != nil {
			return fmt.Errorf("config: forbidden rule %q: %w", f.Name, err)
		}
		switch f.Severity {
		case SeverityBlocking, SeverityWarning:
		default:
			return fmt.Errorf("config: forbidden rule %q: severity must be %q or %q", f.Name, SeverityBlocking, SeverityWarning)
		}
	}
	if c.Verify.Timeout != "" {
		if _, err := time.ParseDuration(c.Verify.Timeout); err != nil {
			return fmt.Errorf("config: verify.timeout: %w", err)
		}
	}
	return nil
}

// DeclPatternOrDefault returns the declared-name pattern, falling back to a
// Go package clause.
func (c *Config) DeclPatternOrDefault() string {
	if c.DeclPattern != "" {
		return c.DeclPattern
	}
	return defaultDeclPattern
}

// SymbolPatternOrDefault returns the exported-declaration pattern.
func (c *Config) SymbolPatternOrDefault() string {
	if c.SymbolPattern != "" {
		return c.SymbolPattern
	}
	return defaultSymbolPattern
}

// VerifyTimeout returns the configured verification timeout.
func (c *Config) VerifyTimeout() time.Duration {
	if c.Verify.Timeout == "" {
		return defaultTimeout
	}
	d, err := time.ParseDuration(c.Verify.Timeout)
	if err != nil {
		return defaultTimeout
	}
	return d
}

// LayerNames returns the configured layer ordering, lowest first.
func (c *Config) LayerNames() []string {
	names := make([]string, 0, len(c.Layers))
	for _, l := range c.Layers {
		names = append(names, l.Name)
	}
	return names
}

// LayerRank returns the position of a layer in the ordering, or -1 for
// unassigned or unknown layers.
func (c *Config) LayerRank(name string) int {
	for i, l := range c.Layers {
		if l.Name == name {
			return i
		}
	}
	return -1
}
