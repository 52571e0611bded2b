// Package optimizer implements the optimizing middle-end: a pipeline of
// analysis-and-transform passes over MIR programs. The manager runs
// whole-program interprocedural analysis once up front, then iterates the
// per-function passes to a fixpoint under a bounded iteration ceiling.
package optimizer

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/aether-sub002/internal/mir"
)

// Pass is a single per-function transformation unit. RunOnFunction
// mutates the function in place and reports whether any rewrite occurred.
type Pass interface {
	Name() string
	RunOnFunction(fn *mir.Function) (bool, error)
}

// ErrNoConvergence tags a fixpoint that failed to stabilize within its
// bound. The underlying lattices are finite and monotone, so a breach is
// an optimizer defect, not a property of the input program.
var ErrNoConvergence = errors.New("optimization fixpoint did not converge")

// Config controls the pipeline.
type Config struct {
	// MaxIterations bounds the number of full per-function rounds. A
	// breach is reported as ErrNoConvergence, never silently truncated.
	MaxIterations int
	Logger        *zap.Logger
}

// DefaultMaxIterations matches the ceiling the rest of the toolchain uses
// for pass pipelines.
const DefaultMaxIterations = 10

// Result is the pipeline's read-only output surface for downstream
// stages: the per-function loop/dependence/hoist report for code motion,
// and the call graph and summaries for diagnostics tooling.
type Result struct {
	Rounds    int
	Reports   map[mir.FuncID]*FunctionReport
	CallGraph *CallGraph
	Summaries map[mir.FuncID]*FunctionSummary
}

// Manager owns the configured pipeline.
type Manager struct {
	interproc *InterproceduralAnalysisPass
	constprop *ConstantPropagationPass
	loops     *LoopOptimizationPass
	passes    []Pass
	maxIter   int
	log       *zap.Logger
}

// NewManager builds the standard pipeline: interprocedural analysis,
// then constant propagation and loop optimization per function.
func NewManager(cfg Config) *Manager {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	interproc := NewInterproceduralAnalysis()
	constprop := NewConstantPropagation()
	loops := NewLoopOptimization(interproc)
	return &Manager{
		interproc: interproc,
		constprop: constprop,
		loops:     loops,
		passes:    []Pass{constprop, loops},
		maxIter:   cfg.MaxIterations,
		log:       cfg.Logger,
	}
}

// Run optimizes the program in place and returns the analysis result.
// Structural IR violations and fixpoint ceiling breaches are fatal;
// unsupported constructs are skipped conservatively inside the passes.
func (m *Manager) Run(prog *mir.Program) (*Result, error) {
	if err := prog.Validate(); err != nil {
		return nil, errors.Wrap(err, "pipeline input")
	}

	if err := m.interproc.Run(prog); err != nil {
		return nil, errors.Wrapf(err, "pass %s", m.interproc.Name())
	}

	res := &Result{Reports: make(map[mir.FuncID]*FunctionReport)}
	converged := false

	for round := 1; round <= m.maxIter; round++ {
		res.Rounds = round
		roundChanged := false

		for _, id := range prog.FuncIDs() {
			fn := prog.Functions[id]
			for _, pass := range m.passes {
				changed, err := pass.RunOnFunction(fn)
				if err != nil {
					return nil, errors.Wrapf(err, "pass %s on function %q", pass.Name(), fn.Name)
				}
				roundChanged = roundChanged || changed
			}
			res.Reports[id] = m.loops.TakeReport()
		}

		m.log.Debug("optimization round finished",
			zap.Int("round", round),
			zap.Bool("changed", roundChanged))

		if !roundChanged {
			converged = true
			break
		}

		// A rewrite may have changed a function's observable effects;
		// summaries are rebuilt from scratch before the next round.
		if err := m.interproc.Run(prog); err != nil {
			return nil, errors.Wrapf(err, "pass %s", m.interproc.Name())
		}
	}

	if !converged {
		m.log.Error("pipeline hit iteration ceiling", zap.Int("rounds", m.maxIter))
		return nil, errors.Wrapf(ErrNoConvergence, "pipeline after %d rounds", m.maxIter)
	}

	res.CallGraph = m.interproc.CallGraph()
	res.Summaries = m.interproc.Summaries()
	return res, nil
}

// ConstantPropagation exposes the pipeline's constant propagation pass,
// mainly so callers can read its counters.
func (m *Manager) ConstantPropagation() *ConstantPropagationPass { return m.constprop }
