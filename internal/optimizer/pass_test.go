package optimizer

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GoogleCloudPlatform/aether-sub002/internal/mir"
)

func TestManagerRunsToFixpoint(t *testing.T) {
	prog := mir.NewProgram()
	b := mir.NewBuilder()
	b.StartFunction("main", nil, mir.IntType())
	x := b.NewLocal(mir.IntType(), false)
	y := b.NewLocal(mir.IntType(), false)
	b.Push(&mir.Assign{Place: mir.Place{Local: x}, Rvalue: &mir.Use{Operand: intConst(42)}})
	b.Push(&mir.Assign{Place: mir.Place{Local: y}, Rvalue: &mir.Use{Operand: copyOf(x)}})
	b.SetTerminator(&mir.Return{Value: copyOf(y)})
	fn := b.FinishFunction()
	id := prog.AddFunction(fn)

	mgr := NewManager(Config{Logger: zaptest.NewLogger(t)})
	res, err := mgr.Run(prog)
	require.NoError(t, err)

	// Round one rewrites, round two observes the quiescent program.
	require.Equal(t, 2, res.Rounds)
	require.Equal(t, 1, mgr.ConstantPropagation().Propagated())

	c, ok := assignAt(fn, mir.Entry, 1).Rvalue.(*mir.Use).Operand.(*mir.Const)
	require.True(t, ok)
	require.Equal(t, mir.IntValue(42), c.Constant.Value)

	require.NotNil(t, res.CallGraph)
	require.Contains(t, res.Summaries, id)
	require.Contains(t, res.Reports, id)
}

func TestManagerConvergesInOneRoundWhenNothingApplies(t *testing.T) {
	prog := mir.NewProgram()
	prog.AddFunction(leafFn("noop"))

	mgr := NewManager(Config{})
	res, err := mgr.Run(prog)
	require.NoError(t, err)
	require.Equal(t, 1, res.Rounds)
}

func TestManagerReportsLoopsPerFunction(t *testing.T) {
	prog := mir.NewProgram()
	fn, _ := countingLoop(0, 10, 1, nil)
	id := prog.AddFunction(fn)

	mgr := NewManager(Config{})
	res, err := mgr.Run(prog)
	require.NoError(t, err)

	report := res.Reports[id]
	require.NotNil(t, report)
	require.Len(t, report.Loops, 1)
	require.Len(t, report.Loops[0].Basic, 1)
}

func TestManagerPuritySummariesGateHoisting(t *testing.T) {
	prog := mir.NewProgram()
	sqrtID := prog.DeclareExternal(&mir.ExternalFunction{Name: "sqrt", Pure: true})
	readID := prog.DeclareExternal(&mir.ExternalFunction{Name: "read_line", PerformsIO: true})

	var pureRes, dirtyRes mir.LocalID
	fn, _ := countingLoop(0, 10, 1, func(b *mir.Builder, _ mir.LocalID) {
		pureRes = b.NewLocal(mir.FloatType(), false)
		dirtyRes = b.NewLocal(mir.StringType(), false)
		b.Push(&mir.Assign{Place: mir.Place{Local: pureRes}, Rvalue: &mir.Call{
			Callee: sqrtID, Args: []mir.Operand{intConst(2)},
		}})
		b.Push(&mir.Assign{Place: mir.Place{Local: dirtyRes}, Rvalue: &mir.Call{Callee: readID}})
	})
	id := prog.AddFunction(fn)

	mgr := NewManager(Config{})
	res, err := mgr.Run(prog)
	require.NoError(t, err)

	byTarget := make(map[mir.LocalID]InvariantStatement)
	for _, cand := range res.Reports[id].Loops[0].Invariants {
		byTarget[cand.Statement.(*mir.Assign).Place.Local] = cand
	}
	require.True(t, byTarget[pureRes].SafeToHoist, "a proven-pure external call may move")
	require.False(t, byTarget[dirtyRes].SafeToHoist, "an I/O call must stay in place")
}

func TestManagerRejectsMalformedInput(t *testing.T) {
	prog := mir.NewProgram()
	prog.AddFunction(&mir.Function{
		Name:   "broken",
		Blocks: map[mir.BlockID]*mir.BasicBlock{mir.Entry: {}},
	})

	mgr := NewManager(Config{})
	_, err := mgr.Run(prog)
	require.Error(t, err)
	require.True(t, errors.Is(err, mir.ErrMalformedIR))
}

func TestManagerDefaultsIterationCeiling(t *testing.T) {
	mgr := NewManager(Config{MaxIterations: -5})
	require.Equal(t, DefaultMaxIterations, mgr.maxIter)
}

// churnPass claims a rewrite on every run, so the pipeline can never
// observe a clean round.
type churnPass struct{}

func (churnPass) Name() string                              { return "churn" }
func (churnPass) RunOnFunction(*mir.Function) (bool, error) { return true, nil }

func TestManagerReportsCeilingBreach(t *testing.T) {
	prog := mir.NewProgram()
	prog.AddFunction(leafFn("victim"))

	mgr := NewManager(Config{MaxIterations: 3})
	mgr.passes = []Pass{churnPass{}}

	_, err := mgr.Run(prog)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoConvergence))
	require.Contains(t, err.Error(), "3 rounds")
}
