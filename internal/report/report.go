// Package report renders run results as stable tab-separated text or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"

	"restruct/internal/check"
	"restruct/internal/engine"
	"restruct/internal/index"
)

// WriteViolations prints one line per violation, grouped by rule in
// first-seen order. The format is fixed so downstream tooling can parse it.
func WriteViolations(w io.Writer, vs []check.Violation) error {
	order, groups := check.GroupByRule(vs)
	for _, rule := range order {
		for _, v := range groups[rule] {
			unit := v.UnitID
			if unit == "" {
				unit = "-"
			}
			file := v.File
			if file == "" {
				file = "-"
			}
			if _, err := fmt.Fprintf(w, "violation\t%s\t%s\t%s\t%s\t%s\n",
				v.Rule, v.Severity, unit, file, v.Detail); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteRun prints the per-operation log and the final result line.
func WriteRun(w io.Writer, rep *engine.Report) error {
	for _, op := range rep.Ops {
		if op.Reason != "" {
			if _, err := fmt.Fprintf(w, "op\t%d\t%s\t%s\t%s\t%s\n",
				op.Index, op.Src, op.Dst, op.Status, op.Reason); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "op\t%d\t%s\t%s\t%s\n",
			op.Index, op.Src, op.Dst, op.Status); err != nil {
			return err
		}
	}
	if err := WriteViolations(w, rep.Violations); err != nil {
		return err
	}
	if rep.Err != "" {
		if _, err := fmt.Fprintf(w, "result\t%s\t%s\n", rep.State, rep.Err); err != nil {
			return err
		}
		return nil
	}
	_, err := fmt.Fprintf(w, "result\t%s\n", rep.State)
	return err
}

// WriteUnits prints one line per unit: identifier, declared name, layer, and
// file count.
func WriteUnits(w io.Writer, idx *index.Index) error {
	for _, u := range idx.Units() {
		name := u.DeclaredName
		if name == "" {
			name = "-"
		}
		if _, err := fmt.Fprintf(w, "unit\t%s\t%s\t%s\t%d\n",
			u.ID, name, u.Layer, len(u.Files)); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON renders any report value as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// UnitSummary is the JSON shape of one indexed unit.
type UnitSummary struct {
	ID           string `json:"id"`
	DeclaredName string `json:"declaredName,omitempty"`
	Layer        string `json:"layer"`
	Files        int    `json:"files"`
	References   int    `json:"references"`
}

// ScanSummary is the JSON shape of a scan result.
type ScanSummary struct {
	Tree  string        `json:"tree"`
	Units []UnitSummary `json:"units"`
}

// Summarize builds the JSON scan summary from an index.
func Summarize(idx *index.Index) *ScanSummary {
	s := &ScanSummary{Tree: idx.Identifier()}
	for _, u := range idx.Units() {
		s.Units = append(s.Units, UnitSummary{
			ID:           u.ID,
			DeclaredName: u.DeclaredName,
			Layer:        u.Layer,
			Files:        len(u.Files),
			References:   len(idx.ReferencesTo(u.ID)),
		})
	}
	return s
}
