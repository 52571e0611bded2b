package optimizer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/aether-sub002/internal/mir"
)

// countingLoop builds the canonical counted loop
//
//	bb0: i := init; goto bb1
//	bb1: t := i < limit; if t then bb2 else bb3
//	bb2: <extra body statements>; i := i + step; goto bb1
//	bb3: return
//
// and returns the function plus the counter local. body is invoked with
// the builder positioned at the start of bb2.
func countingLoop(init, limit, step int64, body func(b *mir.Builder, i mir.LocalID)) (*mir.Function, mir.LocalID) {
	b := mir.NewBuilder()
	b.StartFunction("count", nil, mir.UnitType())
	i := b.NewLocal(mir.IntType(), true)
	cond := b.NewLocal(mir.BoolType(), false)

	header := b.NewBlock()
	bodyBlk := b.NewBlock()
	exit := b.NewBlock()

	b.Push(&mir.Assign{Place: mir.Place{Local: i}, Rvalue: &mir.Use{Operand: intConst(init)}})
	b.SetTerminator(&mir.Goto{Target: header})

	b.SwitchTo(header)
	b.Push(&mir.Assign{Place: mir.Place{Local: cond}, Rvalue: &mir.BinaryOp{
		Op: mir.OpLt, Left: copyOf(i), Right: intConst(limit),
	}})
	b.SetTerminator(&mir.CondBranch{Cond: copyOf(cond), True: bodyBlk, False: exit})

	b.SwitchTo(bodyBlk)
	if body != nil {
		body(b, i)
	}
	b.Push(&mir.Assign{Place: mir.Place{Local: i}, Rvalue: &mir.BinaryOp{
		Op: mir.OpAdd, Left: copyOf(i), Right: intConst(step),
	}})
	b.SetTerminator(&mir.Goto{Target: header})

	b.SwitchTo(exit)
	b.SetTerminator(&mir.Return{})
	return b.FinishFunction(), i
}

func analyzeLoops(t *testing.T, fn *mir.Function, purity PurityOracle) *FunctionReport {
	t.Helper()
	require.NoError(t, fn.Validate())
	pass := NewLoopOptimization(purity)
	changed, err := pass.RunOnFunction(fn)
	require.NoError(t, err)
	require.False(t, changed, "loop analysis must not rewrite the IR")
	return pass.TakeReport()
}

func TestDetectNaturalLoop(t *testing.T) {
	b := mir.NewBuilder()
	b.StartFunction("spin", nil, mir.UnitType())
	cond := b.NewLocal(mir.BoolType(), false)
	mid := b.NewBlock()
	tail := b.NewBlock()
	exit := b.NewBlock()
	b.SetTerminator(&mir.CondBranch{Cond: copyOf(cond), True: mid, False: exit})
	b.SwitchTo(mid)
	b.SetTerminator(&mir.Goto{Target: tail})
	b.SwitchTo(tail)
	b.SetTerminator(&mir.Goto{Target: mir.Entry})
	b.SwitchTo(exit)
	b.SetTerminator(&mir.Return{})
	fn := b.FinishFunction()

	report := analyzeLoops(t, fn, nil)
	require.Len(t, report.Loops, 1)

	loop := report.Loops[0].Loop
	require.Equal(t, mir.Entry, loop.Header)
	require.Equal(t, map[mir.BlockID]bool{0: true, 1: true, 2: true}, loop.Blocks)
	require.Equal(t, map[mir.BlockID]bool{exit: true}, loop.Exits)
	require.Equal(t, []BackEdge{{Tail: tail, Header: mir.Entry}}, loop.BackEdges)
	require.Equal(t, 1, loop.Depth)
	require.Nil(t, loop.Preheader, "the entry block cannot have a preheader")
}

func TestAcyclicFunctionHasNoLoops(t *testing.T) {
	b := mir.NewBuilder()
	b.StartFunction("straight", nil, mir.UnitType())
	cond := b.NewLocal(mir.BoolType(), false)
	left := b.NewBlock()
	right := b.NewBlock()
	join := b.NewBlock()
	b.SetTerminator(&mir.CondBranch{Cond: copyOf(cond), True: left, False: right})
	b.SwitchTo(left)
	b.SetTerminator(&mir.Goto{Target: join})
	b.SwitchTo(right)
	b.SetTerminator(&mir.Goto{Target: join})
	b.SwitchTo(join)
	b.SetTerminator(&mir.Return{})
	fn := b.FinishFunction()

	report := analyzeLoops(t, fn, nil)
	require.Empty(t, report.Loops)
}

func TestNestedLoopDepths(t *testing.T) {
	b := mir.NewBuilder()
	b.StartFunction("nest", nil, mir.UnitType())
	cond := b.NewLocal(mir.BoolType(), false)
	outer := b.NewBlock()
	inner := b.NewBlock()
	innerTail := b.NewBlock()
	outerTail := b.NewBlock()
	exit := b.NewBlock()

	b.SetTerminator(&mir.Goto{Target: outer})
	b.SwitchTo(outer)
	b.SetTerminator(&mir.CondBranch{Cond: copyOf(cond), True: inner, False: exit})
	b.SwitchTo(inner)
	b.SetTerminator(&mir.CondBranch{Cond: copyOf(cond), True: innerTail, False: outerTail})
	b.SwitchTo(innerTail)
	b.SetTerminator(&mir.Goto{Target: inner})
	b.SwitchTo(outerTail)
	b.SetTerminator(&mir.Goto{Target: outer})
	b.SwitchTo(exit)
	b.SetTerminator(&mir.Return{})
	fn := b.FinishFunction()

	report := analyzeLoops(t, fn, nil)
	require.Len(t, report.Loops, 2)

	outerLoop := report.Loops[0].Loop
	innerLoop := report.Loops[1].Loop
	require.Equal(t, outer, outerLoop.Header)
	require.Equal(t, inner, innerLoop.Header)
	require.Equal(t, 1, outerLoop.Depth)
	require.Equal(t, 2, innerLoop.Depth)
	require.Same(t, outerLoop, innerLoop.Parent)
	require.Contains(t, outerLoop.Children, innerLoop)
	require.True(t, outerLoop.Blocks[inner])
	require.False(t, innerLoop.Blocks[outerTail])
}

func TestBasicInductionVariable(t *testing.T) {
	fn, i := countingLoop(0, 10, 1, nil)

	report := analyzeLoops(t, fn, nil)
	require.Len(t, report.Loops, 1)
	analysis := report.Loops[0]
	loop := analysis.Loop

	require.NotNil(t, loop.Preheader)
	require.Equal(t, mir.Entry, *loop.Preheader)
	require.Equal(t, []BackEdge{{Tail: 2, Header: 1}}, loop.BackEdges)

	require.Len(t, analysis.Basic, 1)
	iv := analysis.Basic[0]
	require.Equal(t, mir.Place{Local: i}, iv.Variable)
	require.Equal(t, int64(1), iv.Step)
	require.Equal(t, mir.BlockID(2), iv.IncrementBlock)
	require.Equal(t, 0, iv.IncrementStatement)
	initVal, ok := iv.InitialValue.(*mir.Const)
	require.True(t, ok)
	require.Equal(t, mir.IntValue(0), initVal.Constant.Value)

	require.NotNil(t, loop.Bounds)
	require.Equal(t, LoopBounds{Initial: 0, Limit: 10, Step: 1}, *loop.Bounds)
	require.NotNil(t, loop.IterationCount)
	require.Equal(t, int64(10), *loop.IterationCount)
}

func TestIterationCountRoundsUpForLargerStep(t *testing.T) {
	fn, _ := countingLoop(2, 9, 3, nil)
	report := analyzeLoops(t, fn, nil)
	loop := report.Loops[0].Loop

	// 2, 5, 8: three iterations under i < 9.
	require.NotNil(t, loop.IterationCount)
	require.Equal(t, int64(3), *loop.IterationCount)
}

func TestNoIterationCountForUnknownLimit(t *testing.T) {
	b := mir.NewBuilder()
	b.StartFunction("dynamic", []mir.Param{{Name: "n", Type: mir.IntType()}}, mir.UnitType())
	n := mir.LocalID(0)
	i := b.NewLocal(mir.IntType(), true)
	cond := b.NewLocal(mir.BoolType(), false)
	header := b.NewBlock()
	body := b.NewBlock()
	exit := b.NewBlock()
	b.Push(&mir.Assign{Place: mir.Place{Local: i}, Rvalue: &mir.Use{Operand: intConst(0)}})
	b.SetTerminator(&mir.Goto{Target: header})
	b.SwitchTo(header)
	b.Push(&mir.Assign{Place: mir.Place{Local: cond}, Rvalue: &mir.BinaryOp{
		Op: mir.OpLt, Left: copyOf(i), Right: copyOf(n),
	}})
	b.SetTerminator(&mir.CondBranch{Cond: copyOf(cond), True: body, False: exit})
	b.SwitchTo(body)
	b.Push(&mir.Assign{Place: mir.Place{Local: i}, Rvalue: &mir.BinaryOp{
		Op: mir.OpAdd, Left: copyOf(i), Right: intConst(1),
	}})
	b.SetTerminator(&mir.Goto{Target: header})
	b.SwitchTo(exit)
	b.SetTerminator(&mir.Return{})
	fn := b.FinishFunction()

	report := analyzeLoops(t, fn, nil)
	loop := report.Loops[0].Loop
	require.Len(t, report.Loops[0].Basic, 1, "i is still a basic induction variable")
	require.Nil(t, loop.Bounds)
	require.Nil(t, loop.IterationCount, "a dynamic limit proves nothing")
}

func TestDerivedInductionVariableChain(t *testing.T) {
	var scaled, offset mir.LocalID
	fn, i := countingLoop(0, 10, 1, func(b *mir.Builder, i mir.LocalID) {
		scaled = b.NewLocal(mir.IntType(), false)
		offset = b.NewLocal(mir.IntType(), false)
		b.Push(&mir.Assign{Place: mir.Place{Local: scaled}, Rvalue: &mir.BinaryOp{
			Op: mir.OpMul, Left: copyOf(i), Right: intConst(4),
		}})
		b.Push(&mir.Assign{Place: mir.Place{Local: offset}, Rvalue: &mir.BinaryOp{
			Op: mir.OpAdd, Left: copyOf(scaled), Right: intConst(10),
		}})
	})

	report := analyzeLoops(t, fn, nil)
	derived := report.Loops[0].Derived
	require.Len(t, derived, 2)

	require.Equal(t, DerivedInductionVar{
		Variable:   mir.Place{Local: scaled},
		Base:       mir.Place{Local: i},
		Multiplier: 4,
		Offset:     0,
	}, derived[0])
	require.Equal(t, DerivedInductionVar{
		Variable:   mir.Place{Local: offset},
		Base:       mir.Place{Local: i},
		Multiplier: 4,
		Offset:     10,
	}, derived[1])
}

func TestFlowDependenceDistance(t *testing.T) {
	fn, _ := countingLoop(2, 100, 1, func(b *mir.Builder, i mir.LocalID) {
		arr := b.NewLocal(mir.Type{Kind: mir.TypeNamed, Name: "array"}, true)
		lagged := b.NewLocal(mir.IntType(), false)
		sink := b.NewLocal(mir.IntType(), false)
		b.Push(&mir.Assign{
			Place:  mir.Place{Local: arr, Projection: []mir.Projection{mir.Index{Local: i}}},
			Rvalue: &mir.Use{Operand: intConst(1)},
		})
		b.Push(&mir.Assign{Place: mir.Place{Local: lagged}, Rvalue: &mir.BinaryOp{
			Op: mir.OpSub, Left: copyOf(i), Right: intConst(2),
		}})
		b.Push(&mir.Assign{Place: mir.Place{Local: sink}, Rvalue: &mir.Use{Operand: &mir.Copy{
			Place: mir.Place{Local: arr, Projection: []mir.Projection{mir.Index{Local: lagged}}},
		}}})
	})

	report := analyzeLoops(t, fn, nil)
	deps := report.Loops[0].Dependences
	require.Len(t, deps, 1)

	want := Dependence{
		Source:    StatementRef{Block: 2, Statement: 0},
		Sink:      StatementRef{Block: 2, Statement: 2},
		Distance:  []int64{2},
		Direction: []DependenceDirection{DirLess},
		Kind:      DepFlow,
	}
	require.Empty(t, cmp.Diff(want, deps[0]))
}

func TestDereferencePairsAreAlwaysDependent(t *testing.T) {
	var ptr mir.LocalID
	fn, _ := countingLoop(0, 10, 1, func(b *mir.Builder, i mir.LocalID) {
		ptr = b.NewLocal(mir.Type{Kind: mir.TypeRef, Name: "int"}, false)
		sink := b.NewLocal(mir.IntType(), false)
		b.Push(&mir.Assign{
			Place:  mir.Place{Local: ptr, Projection: []mir.Projection{mir.Deref{}}},
			Rvalue: &mir.Use{Operand: intConst(0)},
		})
		b.Push(&mir.Assign{Place: mir.Place{Local: sink}, Rvalue: &mir.Use{Operand: &mir.Copy{
			Place: mir.Place{Local: ptr, Projection: []mir.Projection{mir.Deref{}}},
		}}})
	})

	report := analyzeLoops(t, fn, nil)
	deps := report.Loops[0].Dependences
	require.Len(t, deps, 1)
	require.Equal(t, []DependenceDirection{DirAny}, deps[0].Direction)
	require.Empty(t, deps[0].Distance, "an unresolved pair carries no distance vector")
	require.Equal(t, DepFlow, deps[0].Kind)
}

type purityTable map[mir.FuncID]bool

func (p purityTable) CallIsPure(id mir.FuncID) bool { return p[id] }

func TestInvariantStatementSelection(t *testing.T) {
	var inv, varying mir.LocalID
	fn, _ := countingLoop(0, 10, 1, func(b *mir.Builder, i mir.LocalID) {
		inv = b.NewLocal(mir.IntType(), false)
		varying = b.NewLocal(mir.IntType(), false)
		b.Push(&mir.Assign{Place: mir.Place{Local: inv}, Rvalue: &mir.BinaryOp{
			Op: mir.OpAdd, Left: intConst(2), Right: intConst(3),
		}})
		b.Push(&mir.Assign{Place: mir.Place{Local: varying}, Rvalue: &mir.BinaryOp{
			Op: mir.OpMul, Left: copyOf(i), Right: intConst(2),
		}})
	})

	report := analyzeLoops(t, fn, nil)
	invariants := report.Loops[0].Invariants
	require.Len(t, invariants, 1, "only the all-constant statement is invariant")

	cand := invariants[0]
	require.Equal(t, mir.BlockID(2), cand.Block)
	require.Equal(t, 0, cand.StatementIndex)
	require.True(t, cand.SafeToHoist)
	require.Equal(t, 3.0, cand.HoistProfit, "binary op at depth 1")
}

func TestCallInvariantRequiresProvenPurity(t *testing.T) {
	callee := mir.FuncID(7)
	build := func() *mir.Function {
		fn, _ := countingLoop(0, 10, 1, func(b *mir.Builder, _ mir.LocalID) {
			res := b.NewLocal(mir.IntType(), false)
			b.Push(&mir.Assign{Place: mir.Place{Local: res}, Rvalue: &mir.Call{
				Callee: callee, Args: []mir.Operand{intConst(5)},
			}})
		})
		return fn
	}

	report := analyzeLoops(t, build(), purityTable{callee: true})
	require.Len(t, report.Loops[0].Invariants, 1)
	cand := report.Loops[0].Invariants[0]
	require.True(t, cand.SafeToHoist)
	require.Equal(t, 10.0, cand.HoistProfit)

	report = analyzeLoops(t, build(), nil)
	require.Len(t, report.Loops[0].Invariants, 1)
	require.False(t, report.Loops[0].Invariants[0].SafeToHoist,
		"without a purity proof the call stays put")
}

func TestGlobalReadingCallIsNotHoistable(t *testing.T) {
	prog := mir.NewProgram()
	b := mir.NewBuilder()
	b.StartFunction("readg", nil, mir.IntType())
	res := b.NewLocal(mir.IntType(), false)
	b.Push(&mir.Assign{Place: mir.Place{Local: res}, Rvalue: &mir.Use{
		Operand: &mir.Copy{Place: mir.Place{Global: "g"}},
	}})
	b.SetTerminator(&mir.Return{Value: copyOf(res)})
	readgID := prog.AddFunction(b.FinishFunction())

	fn, _ := countingLoop(0, 10, 1, func(b *mir.Builder, i mir.LocalID) {
		got := b.NewLocal(mir.IntType(), false)
		b.Push(&mir.Assign{Place: mir.Place{Local: got}, Rvalue: &mir.Call{Callee: readgID}})
		b.Push(&mir.Assign{Place: mir.Place{Global: "g"}, Rvalue: &mir.Use{Operand: copyOf(i)}})
	})

	interproc := NewInterproceduralAnalysis()
	require.NoError(t, interproc.Run(prog))
	require.False(t, interproc.CallIsPure(readgID),
		"a callee reading memory sees the loop's own stores move past it")

	report := analyzeLoops(t, fn, interproc)
	require.Len(t, report.Loops[0].Invariants, 1)
	require.False(t, report.Loops[0].Invariants[0].SafeToHoist)
}

func TestInvariantTargetRedefinedInLoopIsNotHoistable(t *testing.T) {
	var twice mir.LocalID
	fn, _ := countingLoop(0, 10, 1, func(b *mir.Builder, _ mir.LocalID) {
		twice = b.NewLocal(mir.IntType(), true)
		b.Push(&mir.Assign{Place: mir.Place{Local: twice}, Rvalue: &mir.Use{Operand: intConst(1)}})
		b.Push(&mir.Assign{Place: mir.Place{Local: twice}, Rvalue: &mir.Use{Operand: intConst(2)}})
	})

	report := analyzeLoops(t, fn, nil)
	for _, cand := range report.Loops[0].Invariants {
		require.False(t, cand.SafeToHoist, "a multiply-defined target cannot leave the loop")
	}
}
