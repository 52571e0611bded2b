// Command aether-opt runs the optimizing middle-end over a lowered MIR
// program file and writes back the rewritten program plus the analysis
// report consumed by later code motion and by diagnostics tooling.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/aether-sub002/internal/mir"
	"github.com/GoogleCloudPlatform/aether-sub002/internal/optimizer"
)

type options struct {
	input      string
	output     string
	reportPath string
	maxIter    int
	watch      bool
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "aether-opt: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "aether-opt <program.yaml>",
		Short:         "Optimize a lowered MIR program",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.input = args[0]
			logger, err := buildLogger(opts.verbose)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if err := runOnce(logger, opts); err != nil {
				if !opts.watch {
					return err
				}
				logger.Error("initial run failed", zap.Error(err))
			}
			if opts.watch {
				return watchLoop(logger, opts)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "path for the optimized program (default: stdout)")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "path for the YAML analysis report")
	cmd.Flags().IntVar(&opts.maxIter, "max-iterations", optimizer.DefaultMaxIterations, "pipeline fixpoint iteration ceiling")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "re-run whenever the input file changes")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func runOnce(logger *zap.Logger, opts *options) error {
	data, err := os.ReadFile(opts.input)
	if err != nil {
		return errors.Wrap(err, "read input")
	}
	prog, err := mir.DecodeProgram(data)
	if err != nil {
		return err
	}

	mgr := optimizer.NewManager(optimizer.Config{
		MaxIterations: opts.maxIter,
		Logger:        logger,
	})
	result, err := mgr.Run(prog)
	if err != nil {
		return err
	}
	logger.Info("optimization finished",
		zap.Int("rounds", result.Rounds),
		zap.Int("functions", len(prog.Functions)),
		zap.Int("constants_propagated", mgr.ConstantPropagation().Propagated()))

	out, err := mir.EncodeProgram(prog)
	if err != nil {
		return err
	}
	if opts.output == "" {
		if _, err := os.Stdout.Write(out); err != nil {
			return errors.Wrap(err, "write output")
		}
	} else if err := os.WriteFile(opts.output, out, 0o644); err != nil {
		return errors.Wrap(err, "write output")
	}

	if opts.reportPath != "" {
		data, err := renderReport(prog, result)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.reportPath, data, 0o644); err != nil {
			return errors.Wrap(err, "write report")
		}
	}
	return nil
}

func watchLoop(logger *zap.Logger, opts *options) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "start watcher")
	}
	defer watcher.Close()

	// Watch the directory: editors commonly replace the file, which
	// drops a watch registered on the file itself.
	dir := filepath.Dir(opts.input)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	target := filepath.Clean(opts.input)
	logger.Info("watching for changes", zap.String("path", target))

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Info("input changed, re-optimizing", zap.String("op", ev.Op.String()))
			if err := runOnce(logger, opts); err != nil {
				logger.Error("run failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watch error", zap.Error(err))
		}
	}
}

// Report document shapes. Everything is keyed by function name; opaque
// function handles stay internal to the process.

type reportDoc struct {
	Functions []functionReportDoc `yaml:"functions"`
	CallGraph []callEdgeDoc       `yaml:"call_graph,omitempty"`
}

type functionReportDoc struct {
	Name    string          `yaml:"name"`
	Summary summaryDoc      `yaml:"summary"`
	Loops   []loopReportDoc `yaml:"loops,omitempty"`
}

type summaryDoc struct {
	ReadsMemory     bool     `yaml:"reads_memory"`
	WritesMemory    bool     `yaml:"writes_memory"`
	PerformsIO      bool     `yaml:"performs_io"`
	MayThrow        bool     `yaml:"may_throw"`
	CallsFunctions  bool     `yaml:"calls_functions"`
	IsRecursive     bool     `yaml:"is_recursive"`
	MayNotTerminate bool     `yaml:"may_not_terminate"`
	EscapingParams  []int    `yaml:"escaping_params,omitempty"`
	ReadsGlobals    []string `yaml:"reads_globals,omitempty"`
	WritesGlobals   []string `yaml:"writes_globals,omitempty"`
}

type loopReportDoc struct {
	Header         int           `yaml:"header"`
	Depth          int           `yaml:"depth"`
	Blocks         []int         `yaml:"blocks"`
	Exits          []int         `yaml:"exits,omitempty"`
	IterationCount *int64        `yaml:"iteration_count,omitempty"`
	BasicIVs       []basicIVDoc  `yaml:"basic_induction_vars,omitempty"`
	DerivedIVs     []derivedDoc  `yaml:"derived_induction_vars,omitempty"`
	Dependences    int           `yaml:"dependences"`
	Hoistable      []hoistDoc    `yaml:"hoist_candidates,omitempty"`
}

type basicIVDoc struct {
	Local int   `yaml:"local"`
	Step  int64 `yaml:"step"`
}

type derivedDoc struct {
	Local      int   `yaml:"local"`
	Base       int   `yaml:"base"`
	Multiplier int64 `yaml:"multiplier"`
	Offset     int64 `yaml:"offset"`
}

type hoistDoc struct {
	Block       int     `yaml:"block"`
	Statement   int     `yaml:"statement"`
	SafeToHoist bool    `yaml:"safe_to_hoist"`
	Profit      float64 `yaml:"profit"`
}

type callEdgeDoc struct {
	Caller string `yaml:"caller"`
	Callee string `yaml:"callee"`
}

func renderReport(prog *mir.Program, result *optimizer.Result) ([]byte, error) {
	doc := reportDoc{}
	for _, id := range prog.FuncIDs() {
		fd := functionReportDoc{Name: prog.FuncName(id)}
		if s, ok := result.Summaries[id]; ok {
			fd.Summary = summaryDoc{
				ReadsMemory:     s.Effects.ReadsMemory,
				WritesMemory:    s.Effects.WritesMemory,
				PerformsIO:      s.Effects.PerformsIO,
				MayThrow:        s.Effects.MayThrow,
				CallsFunctions:  s.Effects.CallsFunctions,
				IsRecursive:     s.IsRecursive,
				MayNotTerminate: s.MayNotTerminate,
				EscapingParams:  sortedInts(s.EscapingParams),
				ReadsGlobals:    sortedKeys(s.ReadsGlobals),
				WritesGlobals:   sortedKeys(s.WritesGlobals),
			}
		}
		if rep, ok := result.Reports[id]; ok {
			for _, la := range rep.Loops {
				ld := loopReportDoc{
					Header:         int(la.Loop.Header),
					Depth:          la.Loop.Depth,
					Blocks:         sortedBlocks(la.Loop.Blocks),
					Exits:          sortedBlocks(la.Loop.Exits),
					IterationCount: la.Loop.IterationCount,
					Dependences:    len(la.Dependences),
				}
				for _, iv := range la.Basic {
					ld.BasicIVs = append(ld.BasicIVs, basicIVDoc{Local: int(iv.Variable.Local), Step: iv.Step})
				}
				for _, dv := range la.Derived {
					ld.DerivedIVs = append(ld.DerivedIVs, derivedDoc{
						Local:      int(dv.Variable.Local),
						Base:       int(dv.Base.Local),
						Multiplier: dv.Multiplier,
						Offset:     dv.Offset,
					})
				}
				for _, inv := range la.Invariants {
					ld.Hoistable = append(ld.Hoistable, hoistDoc{
						Block:       int(inv.Block),
						Statement:   inv.StatementIndex,
						SafeToHoist: inv.SafeToHoist,
						Profit:      inv.HoistProfit,
					})
				}
				fd.Loops = append(fd.Loops, ld)
			}
		}
		doc.Functions = append(doc.Functions, fd)
	}

	for _, caller := range prog.FuncIDs() {
		var callees []mir.FuncID
		for callee := range result.CallGraph.Callees[caller] {
			callees = append(callees, callee)
		}
		sort.Slice(callees, func(i, j int) bool { return callees[i] < callees[j] })
		for _, callee := range callees {
			doc.CallGraph = append(doc.CallGraph, callEdgeDoc{
				Caller: prog.FuncName(caller),
				Callee: prog.FuncName(callee),
			})
		}
	}
	return yaml.Marshal(&doc)
}

func sortedInts(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedBlocks(set map[mir.BlockID]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, int(k))
	}
	sort.Ints(out)
	return out
}
