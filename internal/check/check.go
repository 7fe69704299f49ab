// Package check evaluates structural invariants over a unit index.
package check

import (
	"fmt"
	"sort"
	"sync"

	"restruct/internal/config"
	"restruct/internal/index"
)

// Severity classifies a violation.
type Severity string

const (
	// Blocking violations fail the run and trigger rollback.
	Blocking Severity = "blocking"
	// Warning violations are reported but never halt a run.
	Warning Severity = "warning"
)

// Violation is one finding produced by a rule. Violations are produced
// fresh on every check run and never persisted by the checker itself.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	UnitID   string   `json:"unit,omitempty"`
	File     string   `json:"file,omitempty"`
	Detail   string   `json:"detail"`
}

// Rule is a pure evaluator over an index.
type Rule interface {
	Name() string
	Check(idx *index.Index) []Violation
}

// FromConfig builds the configured rule set in evaluation order.
func FromConfig(cfg *config.Config) ([]Rule, error) {
	var rules []Rule
	if cfg.MaxDepth > 0 {
		rules = append(rules, &DepthRule{Max: cfg.MaxDepth, RootPrefix: cfg.RootPrefix})
	}
	if len(cfg.Layers) > 0 {
		rules = append(rules, &LayerRule{Order: cfg.LayerNames()})
	}
	rules = append(rules, &DuplicateRule{Allow: cfg.DuplicateAllow})
	if len(cfg.Forbidden) > 0 {
		fr, err := NewForbiddenRule(cfg.Forbidden)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fr)
	}
	return rules, nil
}

// CheckAll runs every rule and concatenates the results in rule order.
// Rules only read the index, so they evaluate concurrently.
func CheckAll(idx *index.Index, rules []Rule) []Violation {
	results := make([][]Violation, len(rules))

	var wg sync.WaitGroup
	for i, r := range rules {
		wg.Add(1)
		go func(i int, r Rule) {
			defer wg.Done()
			results[i] = r.Check(idx)
		}(i, r)
	}
	wg.Wait()

	var all []Violation
	for _, vs := range results {
		all = append(all, vs...)
	}
	return all
}

// HasBlocking reports whether any violation is blocking.
func HasBlocking(vs []Violation) bool {
	for _, v := range vs {
		if v.Severity == Blocking {
			return true
		}
	}
	return false
}

// GroupByRule returns violations grouped by rule name, with rule names in
// first-seen order.
func GroupByRule(vs []Violation) ([]string, map[string][]Violation) {
	var order []string
	groups := make(map[string][]Violation)
	for _, v := range vs {
		if _, ok := groups[v.Rule]; !ok {
			order = append(order, v.Rule)
		}
		groups[v.Rule] = append(groups[v.Rule], v)
	}
	return order, groups
}

// sortViolations orders violations deterministically within a rule.
func sortViolations(vs []Violation) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].File != vs[j].File {
			return vs[i].File < vs[j].File
		}
		if vs[i].UnitID != vs[j].UnitID {
			return vs[i].UnitID < vs[j].UnitID
		}
		return vs[i].Detail < vs[j].Detail
	})
}

func violationf(rule string, sev Severity, unitID, file, format string, args ...interface{}) Violation {
	return Violation{
		Rule:     rule,
		Severity: sev,
		UnitID:   unitID,
		File:     file,
		Detail:   fmt.Sprintf(format, args...),
	}
}
