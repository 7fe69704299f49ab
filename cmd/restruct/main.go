// Package main provides the restruct CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"restruct/internal/check"
	"restruct/internal/config"
	"restruct/internal/engine"
	"restruct/internal/history"
	"restruct/internal/index"
	"restruct/internal/plan"
	"restruct/internal/report"
	"restruct/internal/verify"
)

// Version is the current restruct CLI version.
var Version = "0.3.0"

// Exit codes: 0 success, 1 failed run or blocking violations, 2 structural
// errors (scan failures, dangling references, move cycles).
const (
	exitFailure    = 1
	exitStructural = 2
)

const violationsMetric = "violations"

var (
	flagRoot       string
	flagConfig     string
	flagJSON       bool
	flagAllowDirty bool
	flagNoVerify   bool
	flagLayer      string
	flagBaseline   bool
	flagDiffBase   bool
)

var rootCmd = &cobra.Command{
	Use:     "restruct",
	Short:   "Restruct - invariant-checked codebase restructuring",
	Long:    `Restruct indexes a source tree into relocatable units, checks structural invariants, and executes batches of unit moves with reference rewriting and automatic rollback.`,
	Version: Version,

	SilenceUsage:  true,
	SilenceErrors: true,
}

var initCmd = &cobra.Command{
	Use:   "init NAMESPACE",
	Short: "Write a starter configuration file",
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

var scanCmd = &cobra.Command{
	Use:   "scan [path]",
	Short: "Index the tree and list its units",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScan,
}

var checkCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Evaluate structural invariants without changing anything",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

var moveCmd = &cobra.Command{
	Use:   "move SRC DST",
	Short: "Move one unit and rewrite every reference to it",
	Args:  cobra.ExactArgs(2),
	RunE:  runMove,
}

var applyCmd = &cobra.Command{
	Use:   "apply PLAN",
	Short: "Execute a batch plan file atomically",
	Long: `Execute a batch of moves from a YAML plan file.

The plan is ordered automatically so no move collides with a still-unmoved
source. The batch is atomic: the first failure rolls back every operation,
already committed ones included.

Plan format:
  moves:
    - src: internal/old
      dst: internal/new
    - src: pkg/util
      dst: internal/util
      layer: core`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", ".", "tree root to operate on")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default <root>/restruct.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit JSON instead of text")

	checkCmd.Flags().BoolVar(&flagBaseline, "baseline", false, "save per-unit violation counts as the new baseline")
	checkCmd.Flags().BoolVar(&flagDiffBase, "against-baseline", false, "show per-unit violation count changes against the last baseline")

	moveCmd.Flags().StringVar(&flagLayer, "layer", "", "layer the destination must map to")
	moveCmd.Flags().BoolVar(&flagAllowDirty, "allow-dirty", false, "run even with uncommitted git changes")
	moveCmd.Flags().BoolVar(&flagNoVerify, "no-verify", false, "skip the external build verification")

	applyCmd.Flags().BoolVar(&flagAllowDirty, "allow-dirty", false, "run even with uncommitted git changes")
	applyCmd.Flags().BoolVar(&flagNoVerify, "no-verify", false, "skip the external build verification")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(applyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "restruct: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates structural errors from ordinary failures.
func exitCode(err error) int {
	var scanErr *index.ScanError
	var dangling *index.DanglingReferenceError
	var cycle *plan.CycleError
	var structural *engine.StructuralError
	if errors.As(err, &scanErr) || errors.As(err, &dangling) ||
		errors.As(err, &cycle) || errors.As(err, &structural) {
		return exitStructural
	}
	return exitFailure
}

// rootArg resolves the tree root from an optional positional argument,
// falling back to --root.
func rootArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return flagRoot
}

// loadConfig resolves and loads the configuration for a tree root.
func loadConfig(root string) (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = filepath.Join(root, config.DefaultFile)
	}
	return config.Load(path)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := flagConfig
	if path == "" {
		path = filepath.Join(flagRoot, config.DefaultFile)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	cfg := config.Default()
	cfg.Namespace = args[0]
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	root := rootArg(args)
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	idx, err := index.Build(root, cfg)
	if err != nil {
		return err
	}
	if err := idx.Validate(); err != nil {
		return err
	}

	if flagJSON {
		return report.WriteJSON(os.Stdout, report.Summarize(idx))
	}
	return report.WriteUnits(os.Stdout, idx)
}

func runCheck(cmd *cobra.Command, args []string) error {
	root := rootArg(args)
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	idx, violations, err := engine.Check(engine.Config{Root: root, Cfg: cfg})
	if err != nil {
		return err
	}

	if flagBaseline || flagDiffBase {
		if err := checkBaseline(root, idx, violations); err != nil {
			return err
		}
	}

	if flagJSON {
		if err := report.WriteJSON(os.Stdout, violations); err != nil {
			return err
		}
	} else if err := report.WriteViolations(os.Stdout, violations); err != nil {
		return err
	}

	if check.HasBlocking(violations) {
		return fmt.Errorf("blocking invariant violations")
	}
	return nil
}

// checkBaseline saves or diffs per-unit violation counts in the history
// database under the tree root.
func checkBaseline(root string, idx *index.Index, violations []check.Violation) error {
	db, err := history.Open(filepath.Join(root, history.DefaultPath))
	if err != nil {
		return err
	}
	defer db.Close()

	counts := make(map[string]int)
	for _, v := range violations {
		if v.UnitID != "" {
			counts[v.UnitID]++
		}
	}

	if flagDiffBase {
		deltas, err := db.DiffBaseline(violationsMetric, counts)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			fmt.Printf("delta\t%s\t%d\t%d\n", d.UnitID, d.Before, d.After)
		}
	}
	if flagBaseline {
		runID, err := db.RecordRun("baseline", idx.Identifier(), idx.Identifier(), "")
		if err != nil {
			return err
		}
		if err := db.SaveBaseline(runID, violationsMetric, counts); err != nil {
			return err
		}
	}
	return nil
}

func runMove(cmd *cobra.Command, args []string) error {
	return runEngine(cmd, []plan.Move{{Src: args[0], Dst: args[1], Layer: flagLayer}})
}

func runApply(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading plan file: %w", err)
	}
	var pf plan.File
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing plan file: %w", err)
	}
	if len(pf.Moves) == 0 {
		return fmt.Errorf("plan file contains no moves")
	}
	return runEngine(cmd, pf.Moves)
}

// runEngine executes a batch and reports the outcome. The run is recorded in
// the history database on a best-effort basis.
func runEngine(cmd *cobra.Command, moves []plan.Move) error {
	cfg, err := loadConfig(flagRoot)
	if err != nil {
		return err
	}

	ec := engine.Config{
		Root:       flagRoot,
		Cfg:        cfg,
		Moves:      moves,
		AllowDirty: flagAllowDirty,
	}
	if flagNoVerify {
		ec.Verifier = verify.Nop()
	}

	rep, runErr := engine.Run(cmd.Context(), ec)

	if db, err := history.Open(filepath.Join(flagRoot, history.DefaultPath)); err == nil {
		db.RecordRun(string(rep.State), rep.TreeBefore, rep.TreeAfter, rep.GitHead)
		db.Close()
	}

	if flagJSON {
		if err := report.WriteJSON(os.Stdout, rep); err != nil {
			return err
		}
	} else if err := report.WriteRun(os.Stdout, rep); err != nil {
		return err
	}
	return runErr
}
