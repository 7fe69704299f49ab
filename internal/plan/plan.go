// Package plan orders a batch of move operations so no move collides with a
// still-unmoved source.
package plan

import (
	"fmt"
	"strings"
)

// Move is one requested relocation of a unit.
type Move struct {
	Src   string `yaml:"src" json:"src"`
	Dst   string `yaml:"dst" json:"dst"`
	Layer string `yaml:"layer,omitempty" json:"layer,omitempty"`
}

// File is the on-disk shape of a batch plan.
type File struct {
	Moves []Move `yaml:"moves"`
}

// CycleError indicates an unsatisfiable move ordering.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("move cycle with no safe ordering: %s", strings.Join(e.Members, " -> "))
}

// Plan validates a batch and returns it in a safe, deterministic execution
// order. A move whose destination is another pending move's source runs
// after that move has vacated the path. Moves with no ordering dependency
// keep their input order. exists reports whether a unit identifier is
// currently present in the tree.
func Plan(moves []Move, exists func(string) bool) ([]Move, error) {
	if err := validate(moves, exists); err != nil {
		return nil, err
	}

	bySrc := make(map[string]int, len(moves))
	for i, m := range moves {
		bySrc[m.Src] = i
	}

	// Edge i -> j: move i must run before move j (j's destination is i's
	// source, so i has to vacate it first).
	succ := make([][]int, len(moves))
	indeg := make([]int, len(moves))
	for j, m := range moves {
		if i, ok := bySrc[m.Dst]; ok && i != j {
			succ[i] = append(succ[i], j)
			indeg[j]++
		}
	}

	ordered := make([]Move, 0, len(moves))
	done := make([]bool, len(moves))
	for len(ordered) < len(moves) {
		next := -1
		for i := range moves {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			var members []string
			for i, m := range moves {
				if !done[i] {
					members = append(members, fmt.Sprintf("%s->%s", m.Src, m.Dst))
				}
			}
			return nil, &CycleError{Members: members}
		}
		done[next] = true
		ordered = append(ordered, moves[next])
		for _, j := range succ[next] {
			indeg[j]--
		}
	}
	return ordered, nil
}

// validate rejects structurally impossible batches before any ordering.
func validate(moves []Move, exists func(string) bool) error {
	srcs := make(map[string]bool, len(moves))
	dsts := make(map[string]bool, len(moves))
	for _, m := range moves {
		if m.Src == "" || m.Dst == "" {
			return fmt.Errorf("move with empty source or destination")
		}
		if m.Src == m.Dst {
			return fmt.Errorf("move %q: source and destination are the same", m.Src)
		}
		if srcs[m.Src] {
			return fmt.Errorf("unit %q is the source of more than one move", m.Src)
		}
		srcs[m.Src] = true
		if dsts[m.Dst] {
			return fmt.Errorf("path %q is the destination of more than one move", m.Dst)
		}
		dsts[m.Dst] = true
		if !exists(m.Src) {
			return fmt.Errorf("move source %q: no such unit", m.Src)
		}
	}
	for _, m := range moves {
		// A destination that is currently occupied is only legal when a
		// pending move vacates it first.
		if exists(m.Dst) && !srcs[m.Dst] {
			return fmt.Errorf("move destination %q collides with an existing unit", m.Dst)
		}
	}
	return nil
}
