package optimizer

import (
	"sort"

	"github.com/GoogleCloudPlatform/aether-sub002/internal/mir"
)

// LoopInfo describes one natural loop of the current CFG. It is built
// fresh per run and must not outlive a pass that changes control flow,
// since block identities may be invalidated.
type LoopInfo struct {
	Header    mir.BlockID
	Preheader *mir.BlockID
	Blocks    map[mir.BlockID]bool
	Exits     map[mir.BlockID]bool
	BackEdges []BackEdge
	Depth     int
	Parent    *LoopInfo
	Children  []*LoopInfo
	Bounds    *LoopBounds
	// IterationCount is set only when a concrete static bound is proven.
	IterationCount *int64
}

// BackEdge is a tail→header CFG edge where the header dominates the tail.
type BackEdge struct {
	Tail   mir.BlockID
	Header mir.BlockID
}

// LoopBounds captures a counted loop's statically known control values.
type LoopBounds struct {
	Initial int64
	Limit   int64
	Step    int64
}

// BasicInductionVar is a loop counter: one update site of the form
// place := place ± constant, with a known value entering the loop.
type BasicInductionVar struct {
	Variable           mir.Place
	InitialValue       mir.Operand
	Step               int64
	IncrementBlock     mir.BlockID
	IncrementStatement int
}

// DerivedInductionVar is an affine function of a basic induction
// variable: Multiplier*Base + Offset, with both coefficients static.
type DerivedInductionVar struct {
	Variable   mir.Place
	Base       mir.Place
	Multiplier int64
	Offset     int64
}

// StatementRef addresses a statement by block and index.
type StatementRef struct {
	Block     mir.BlockID
	Statement int
}

// DependenceDirection classifies the iteration-order relation of two
// accesses at one nesting level.
type DependenceDirection int

const (
	// DirLess: the source iteration precedes the sink iteration.
	DirLess DependenceDirection = iota
	// DirEqual: both accesses fall in the same iteration.
	DirEqual
	// DirGreater: the source iteration follows the sink iteration.
	DirGreater
	// DirAny is the worst case: the relation could not be resolved
	// statically, which forbids any reordering that needs independence.
	DirAny
)

func (d DependenceDirection) String() string {
	switch d {
	case DirLess:
		return "<"
	case DirEqual:
		return "="
	case DirGreater:
		return ">"
	default:
		return "*"
	}
}

// DependenceType classifies a dependence by access order.
type DependenceType int

const (
	DepFlow DependenceType = iota // write then read
	DepAnti                       // read then write
	DepOutput                     // write then write
)

func (t DependenceType) String() string {
	switch t {
	case DepFlow:
		return "flow"
	case DepAnti:
		return "anti"
	default:
		return "output"
	}
}

// Dependence relates two memory-touching statements. It is a safety
// oracle only; nothing mutates it.
type Dependence struct {
	Source    StatementRef
	Sink      StatementRef
	Distance  []int64
	Direction []DependenceDirection
	Kind      DependenceType
}

// InvariantStatement is a hoist candidate: every value it reads is fixed
// for the whole loop. SafeToHoist additionally requires the statement to
// be effect-free (or its callee proven pure); HoistProfit only ranks
// candidates and never affects correctness.
type InvariantStatement struct {
	Block          mir.BlockID
	StatementIndex int
	Statement      mir.Statement
	SafeToHoist    bool
	HoistProfit    float64
}

// LoopAnalysis bundles everything classified for one loop.
type LoopAnalysis struct {
	Loop        *LoopInfo
	Basic       []BasicInductionVar
	Derived     []DerivedInductionVar
	Dependences []Dependence
	Invariants  []InvariantStatement
}

// FunctionReport is the transformation contract handed to the later
// code-motion stage: this pass classifies, it does not relocate.
type FunctionReport struct {
	Loops []*LoopAnalysis
}

// PurityOracle answers whether a call can be treated as pure. The
// interprocedural pass implements it from its summaries.
type PurityOracle interface {
	CallIsPure(id mir.FuncID) bool
}

// LoopOptimizationPass discovers natural loops, classifies induction
// variables, computes memory dependences, and selects invariant hoisting
// candidates. It rewrites nothing itself.
type LoopOptimizationPass struct {
	purity PurityOracle
	report *FunctionReport
}

// NewLoopOptimization returns a fresh pass. A nil oracle means no call is
// ever treated as pure.
func NewLoopOptimization(purity PurityOracle) *LoopOptimizationPass {
	return &LoopOptimizationPass{purity: purity}
}

// Name implements Pass.
func (p *LoopOptimizationPass) Name() string { return "loop-optimization" }

// TakeReport returns the report of the most recent run and clears it.
func (p *LoopOptimizationPass) TakeReport() *FunctionReport {
	r := p.report
	p.report = nil
	if r == nil {
		r = &FunctionReport{}
	}
	return r
}

// RunOnFunction implements Pass. The loop model is rebuilt from the
// current CFG on every run.
func (p *LoopOptimizationPass) RunOnFunction(fn *mir.Function) (bool, error) {
	cfg := buildCFG(fn)
	loops := detectLoops(cfg)

	report := &FunctionReport{}
	for _, loop := range loops {
		analysis := &LoopAnalysis{Loop: loop}
		analysis.Basic = p.classifyBasicIVs(fn, loop)
		analysis.Derived = p.classifyDerivedIVs(fn, loop, analysis.Basic)
		p.deriveBounds(fn, cfg, loop, analysis.Basic)
		analysis.Dependences = p.analyzeDependences(fn, loop, analysis)
		analysis.Invariants = p.findInvariants(fn, loop, analysis)
		report.Loops = append(report.Loops, analysis)
	}
	p.report = report

	// Classification only; the IR is never rewritten here.
	return false, nil
}

// detectLoops finds every natural loop: a back edge is an edge
// (tail, header) where header dominates tail, and the body is the set of
// blocks that reach the tail without passing through the header.
func detectLoops(cfg *controlFlowGraph) []*LoopInfo {
	dom := cfg.dominators()

	tailsByHeader := make(map[mir.BlockID][]mir.BlockID)
	var headers []mir.BlockID
	for _, b := range cfg.blocks {
		for _, succ := range cfg.succs[b] {
			if dom[b][succ] {
				if _, seen := tailsByHeader[succ]; !seen {
					headers = append(headers, succ)
				}
				tailsByHeader[succ] = append(tailsByHeader[succ], b)
			}
		}
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i] < headers[j] })

	loops := make([]*LoopInfo, 0, len(headers))
	for _, header := range headers {
		loop := &LoopInfo{
			Header: header,
			Blocks: map[mir.BlockID]bool{header: true},
			Exits:  make(map[mir.BlockID]bool),
			Depth:  1,
		}
		for _, tail := range tailsByHeader[header] {
			loop.BackEdges = append(loop.BackEdges, BackEdge{Tail: tail, Header: header})
		}

		// Worklist from the tails, walking predecessors, never past the
		// header.
		work := append([]mir.BlockID(nil), tailsByHeader[header]...)
		for len(work) > 0 {
			b := work[len(work)-1]
			work = work[:len(work)-1]
			if loop.Blocks[b] {
				continue
			}
			loop.Blocks[b] = true
			work = append(work, cfg.preds[b]...)
		}

		for b := range loop.Blocks {
			for _, succ := range cfg.succs[b] {
				if !loop.Blocks[succ] {
					loop.Exits[succ] = true
				}
			}
		}

		loop.Preheader = findPreheader(cfg, loop)
		loops = append(loops, loop)
	}

	linkLoopNesting(loops)
	return loops
}

// findPreheader returns the unique out-of-loop predecessor of the header
// whose only successor is the header, if there is one.
func findPreheader(cfg *controlFlowGraph, loop *LoopInfo) *mir.BlockID {
	var outside []mir.BlockID
	for _, pred := range cfg.preds[loop.Header] {
		if !loop.Blocks[pred] {
			outside = append(outside, pred)
		}
	}
	if len(outside) != 1 {
		return nil
	}
	pre := outside[0]
	succs := cfg.succs[pre]
	if len(succs) != 1 || succs[0] != loop.Header {
		return nil
	}
	return &pre
}

// linkLoopNesting establishes parent/child relations by block-set
// containment: the parent of a loop is the smallest strictly containing
// loop.
func linkLoopNesting(loops []*LoopInfo) {
	for _, inner := range loops {
		var parent *LoopInfo
		for _, outer := range loops {
			if outer == inner || len(outer.Blocks) <= len(inner.Blocks) {
				continue
			}
			if !containsAll(outer.Blocks, inner.Blocks) {
				continue
			}
			if parent == nil || len(outer.Blocks) < len(parent.Blocks) {
				parent = outer
			}
		}
		if parent != nil {
			inner.Parent = parent
			parent.Children = append(parent.Children, inner)
		}
	}
	// Depths follow the parent chain; roots are depth 1.
	var setDepth func(l *LoopInfo)
	setDepth = func(l *LoopInfo) {
		if l.Parent != nil {
			l.Depth = l.Parent.Depth + 1
		} else {
			l.Depth = 1
		}
		for _, c := range l.Children {
			setDepth(c)
		}
	}
	for _, l := range loops {
		if l.Parent == nil {
			setDepth(l)
		}
	}
}

func containsAll(outer, inner map[mir.BlockID]bool) bool {
	for b := range inner {
		if !outer[b] {
			return false
		}
	}
	return true
}

// classifyBasicIVs finds locals with exactly one in-loop update of the
// form x := x ± c whose value entering the loop is a known operand from
// the preheader.
func (p *LoopOptimizationPass) classifyBasicIVs(fn *mir.Function, loop *LoopInfo) []BasicInductionVar {
	type updateSite struct {
		ref  StatementRef
		step int64
		ok   bool
	}
	updates := make(map[mir.LocalID][]updateSite)

	forEachLoopStatement(fn, loop, func(ref StatementRef, stmt mir.Statement) {
		assign, ok := stmt.(*mir.Assign)
		if !ok || !assign.Place.IsBare() {
			return
		}
		local := assign.Place.Local
		step, stepOK := incrementStep(assign.Rvalue, local)
		updates[local] = append(updates[local], updateSite{ref: ref, step: step, ok: stepOK})
	})

	var ivs []BasicInductionVar
	for local, sites := range updates {
		if len(sites) != 1 || !sites[0].ok {
			continue
		}
		init, ok := preheaderValue(fn, loop, local)
		if !ok {
			continue
		}
		ivs = append(ivs, BasicInductionVar{
			Variable:           mir.Place{Local: local},
			InitialValue:       init,
			Step:               sites[0].step,
			IncrementBlock:     sites[0].ref.Block,
			IncrementStatement: sites[0].ref.Statement,
		})
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Variable.Local < ivs[j].Variable.Local })
	return ivs
}

// incrementStep matches x := x + c and x := x - c for the given local.
func incrementStep(rv mir.Rvalue, local mir.LocalID) (int64, bool) {
	bin, ok := rv.(*mir.BinaryOp)
	if !ok {
		return 0, false
	}
	switch bin.Op {
	case mir.OpAdd:
		if operandIsLocal(bin.Left, local) {
			if c, ok := operandIntConst(bin.Right); ok {
				return c, true
			}
		}
		if operandIsLocal(bin.Right, local) {
			if c, ok := operandIntConst(bin.Left); ok {
				return c, true
			}
		}
	case mir.OpSub:
		if operandIsLocal(bin.Left, local) {
			if c, ok := operandIntConst(bin.Right); ok {
				return -c, true
			}
		}
	}
	return 0, false
}

// preheaderValue returns the operand last assigned to the local in the
// loop's preheader, if the loop has one and the assignment is a plain Use.
func preheaderValue(fn *mir.Function, loop *LoopInfo, local mir.LocalID) (mir.Operand, bool) {
	if loop.Preheader == nil {
		return nil, false
	}
	blk, ok := fn.Blocks[*loop.Preheader]
	if !ok {
		return nil, false
	}
	for i := len(blk.Statements) - 1; i >= 0; i-- {
		assign, ok := blk.Statements[i].(*mir.Assign)
		if !ok || !assign.Place.IsBare() || assign.Place.Local != local {
			continue
		}
		if use, ok := assign.Rvalue.(*mir.Use); ok {
			return use.Operand, true
		}
		return nil, false
	}
	return nil, false
}

// classifyDerivedIVs finds locals whose every in-loop definition is an
// affine function of one basic induction variable. Chains through other
// derived variables are folded, so j := t + 10 with t := 4*i classifies
// j as 4*i + 10.
func (p *LoopOptimizationPass) classifyDerivedIVs(fn *mir.Function, loop *LoopInfo, basic []BasicInductionVar) []DerivedInductionVar {
	isBasic := make(map[mir.LocalID]bool, len(basic))
	for _, iv := range basic {
		isBasic[iv.Variable.Local] = true
	}

	type affine struct {
		base       mir.LocalID
		multiplier int64
		offset     int64
	}

	defs := make(map[mir.LocalID][]mir.Rvalue)
	forEachLoopStatement(fn, loop, func(_ StatementRef, stmt mir.Statement) {
		if assign, ok := stmt.(*mir.Assign); ok && assign.Place.IsBare() {
			defs[assign.Place.Local] = append(defs[assign.Place.Local], assign.Rvalue)
		}
	})

	derived := make(map[mir.LocalID]affine)

	// resolve reads an operand as an affine function of a basic IV, using
	// basic IVs directly and previously classified derived IVs.
	resolve := func(o mir.Operand) (affine, bool) {
		place, ok := operandBarePlace(o)
		if !ok {
			return affine{}, false
		}
		if isBasic[place.Local] {
			return affine{base: place.Local, multiplier: 1}, true
		}
		if a, ok := derived[place.Local]; ok {
			return a, true
		}
		return affine{}, false
	}

	classify := func(rv mir.Rvalue) (affine, bool) {
		switch rv := rv.(type) {
		case *mir.Use:
			return resolve(rv.Operand)
		case *mir.BinaryOp:
			switch rv.Op {
			case mir.OpMul:
				if a, ok := resolve(rv.Left); ok {
					if c, ok := operandIntConst(rv.Right); ok {
						return affine{base: a.base, multiplier: a.multiplier * c, offset: a.offset * c}, true
					}
				}
				if a, ok := resolve(rv.Right); ok {
					if c, ok := operandIntConst(rv.Left); ok {
						return affine{base: a.base, multiplier: a.multiplier * c, offset: a.offset * c}, true
					}
				}
			case mir.OpAdd:
				if a, ok := resolve(rv.Left); ok {
					if c, ok := operandIntConst(rv.Right); ok {
						return affine{base: a.base, multiplier: a.multiplier, offset: a.offset + c}, true
					}
				}
				if a, ok := resolve(rv.Right); ok {
					if c, ok := operandIntConst(rv.Left); ok {
						return affine{base: a.base, multiplier: a.multiplier, offset: a.offset + c}, true
					}
				}
			case mir.OpSub:
				if a, ok := resolve(rv.Left); ok {
					if c, ok := operandIntConst(rv.Right); ok {
						return affine{base: a.base, multiplier: a.multiplier, offset: a.offset - c}, true
					}
				}
			}
		}
		return affine{}, false
	}

	// Chains resolve in dependency order; iterate until nothing new
	// classifies. Bounded by the candidate count.
	for round := 0; round <= len(defs); round++ {
		changed := false
		for local, rvs := range defs {
			if isBasic[local] {
				continue
			}
			if _, done := derived[local]; done {
				continue
			}
			var a affine
			allAffine := true
			for i, rv := range rvs {
				got, ok := classify(rv)
				if !ok {
					allAffine = false
					break
				}
				if i == 0 {
					a = got
				} else if got != a {
					allAffine = false
					break
				}
			}
			if allAffine && len(rvs) > 0 {
				derived[local] = a
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	out := make([]DerivedInductionVar, 0, len(derived))
	for local, a := range derived {
		out = append(out, DerivedInductionVar{
			Variable:   mir.Place{Local: local},
			Base:       mir.Place{Local: a.base},
			Multiplier: a.multiplier,
			Offset:     a.offset,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variable.Local < out[j].Variable.Local })
	return out
}

// deriveBounds proves a static iteration count for the narrow counted
// case: constant initial value and step, and an in-loop comparison of the
// induction variable against a constant limit feeding a conditional exit.
// Everything else leaves IterationCount unset.
func (p *LoopOptimizationPass) deriveBounds(fn *mir.Function, cfg *controlFlowGraph, loop *LoopInfo, basic []BasicInductionVar) {
	for _, iv := range basic {
		initConst, ok := operandIntConst(iv.InitialValue)
		if !ok || iv.Step == 0 {
			continue
		}
		limit, strict, ok := findExitLimit(fn, cfg, loop, iv.Variable.Local)
		if !ok {
			continue
		}
		if iv.Step <= 0 {
			// Down-counting bounds are not proven here.
			continue
		}
		bound := limit
		if !strict {
			bound++
		}
		if bound <= initConst {
			zero := int64(0)
			loop.Bounds = &LoopBounds{Initial: initConst, Limit: limit, Step: iv.Step}
			loop.IterationCount = &zero
			return
		}
		n := (bound - initConst + iv.Step - 1) / iv.Step
		loop.Bounds = &LoopBounds{Initial: initConst, Limit: limit, Step: iv.Step}
		loop.IterationCount = &n
		return
	}
}

// findExitLimit looks for t := iv < K (or <=) inside the loop with a
// conditional branch on t leaving the loop.
func findExitLimit(fn *mir.Function, cfg *controlFlowGraph, loop *LoopInfo, iv mir.LocalID) (limit int64, strict bool, ok bool) {
	for b := range loop.Blocks {
		blk := fn.Blocks[b]
		cond, isCond := blk.Terminator.(*mir.CondBranch)
		if !isCond {
			continue
		}
		exits := !loop.Blocks[cond.True] || !loop.Blocks[cond.False]
		if !exits {
			continue
		}
		condPlace, isPlace := operandBarePlace(cond.Cond)
		if !isPlace {
			continue
		}
		for _, stmt := range blk.Statements {
			assign, isAssign := stmt.(*mir.Assign)
			if !isAssign || !assign.Place.IsBare() || assign.Place.Local != condPlace.Local {
				continue
			}
			bin, isBin := assign.Rvalue.(*mir.BinaryOp)
			if !isBin || (bin.Op != mir.OpLt && bin.Op != mir.OpLe) {
				continue
			}
			if !operandIsLocal(bin.Left, iv) {
				continue
			}
			k, isConst := operandIntConst(bin.Right)
			if !isConst {
				continue
			}
			return k, bin.Op == mir.OpLt, true
		}
	}
	return 0, false, false
}

// memAccess is one memory-touching operand or target within the loop.
type memAccess struct {
	ref      StatementRef
	write    bool
	place    mir.Place
	resolved bool  // index expression is affine in a loop IV
	mul      int64 // multiplier of the IV in the index
	off      int64 // offset of the index expression
	base     mir.LocalID
	hasDeref bool
}

// analyzeDependences classifies distance and direction for pairs of
// memory-touching statements inside the loop, using induction-variable
// index expressions where available. Unresolvable pairs get the
// worst-case direction.
func (p *LoopOptimizationPass) analyzeDependences(fn *mir.Function, loop *LoopInfo, analysis *LoopAnalysis) []Dependence {
	accesses := p.collectAccesses(fn, loop, analysis)

	var deps []Dependence
	for i := 0; i < len(accesses); i++ {
		for j := i + 1; j < len(accesses); j++ {
			src, snk := accesses[i], accesses[j]
			if !src.write && !snk.write {
				continue
			}
			dep, ok := classifyPair(src, snk)
			if ok {
				deps = append(deps, dep)
			}
		}
	}
	return deps
}

func (p *LoopOptimizationPass) collectAccesses(fn *mir.Function, loop *LoopInfo, analysis *LoopAnalysis) []memAccess {
	affineOf := func(idx mir.LocalID) (mul, off int64, ok bool) {
		for _, iv := range analysis.Basic {
			if iv.Variable.Local == idx {
				return 1, 0, true
			}
		}
		for _, dv := range analysis.Derived {
			if dv.Variable.Local == idx {
				return dv.Multiplier, dv.Offset, true
			}
		}
		return 0, 0, false
	}

	build := func(ref StatementRef, place mir.Place, write bool) (memAccess, bool) {
		if place.IsBare() {
			return memAccess{}, false
		}
		a := memAccess{ref: ref, write: write, place: place, base: place.Local}
		for _, proj := range place.Projection {
			switch proj := proj.(type) {
			case mir.Deref:
				a.hasDeref = true
			case mir.Index:
				if mul, off, ok := affineOf(proj.Local); ok && !a.resolved {
					a.resolved, a.mul, a.off = true, mul, off
				}
			}
		}
		if len(place.Projection) != 1 {
			// Only a single-index access path has a meaningful affine
			// index; anything deeper is unresolved.
			a.resolved = false
		}
		return a, true
	}

	var out []memAccess
	forEachLoopStatement(fn, loop, func(ref StatementRef, stmt mir.Statement) {
		assign, ok := stmt.(*mir.Assign)
		if !ok {
			return
		}
		if a, ok := build(ref, assign.Place, true); ok {
			out = append(out, a)
		}
		forEachOperand(assign.Rvalue, func(o mir.Operand) {
			var place mir.Place
			switch o := o.(type) {
			case *mir.Copy:
				place = o.Place
			case *mir.Move:
				place = o.Place
			default:
				return
			}
			if a, ok := build(ref, place, false); ok {
				out = append(out, a)
			}
		})
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ref.Block != out[j].ref.Block {
			return out[i].ref.Block < out[j].ref.Block
		}
		return out[i].ref.Statement < out[j].ref.Statement
	})
	return out
}

func classifyPair(src, snk memAccess) (Dependence, bool) {
	kind := DepFlow
	switch {
	case src.write && snk.write:
		kind = DepOutput
	case src.write && !snk.write:
		kind = DepFlow
	default:
		kind = DepAnti
	}

	sameBase := false
	switch {
	case src.place.IsGlobal() && snk.place.IsGlobal():
		sameBase = src.place.Global == snk.place.Global
	case !src.place.IsGlobal() && !snk.place.IsGlobal():
		sameBase = src.base == snk.base
	}

	// A dereference can reach anything; pairs involving one are always
	// conservatively dependent.
	if src.hasDeref || snk.hasDeref {
		return Dependence{Source: src.ref, Sink: snk.ref, Direction: []DependenceDirection{DirAny}, Kind: kind}, true
	}
	if !sameBase {
		return Dependence{}, false
	}

	if src.resolved && snk.resolved && src.mul == snk.mul && src.mul != 0 {
		diff := src.off - snk.off
		if diff%src.mul != 0 {
			// The accesses never touch the same element.
			return Dependence{}, false
		}
		d := diff / src.mul
		dir := DirEqual
		if d > 0 {
			dir = DirLess
		} else if d < 0 {
			dir = DirGreater
		}
		return Dependence{
			Source:    src.ref,
			Sink:      snk.ref,
			Distance:  []int64{d},
			Direction: []DependenceDirection{dir},
			Kind:      kind,
		}, true
	}
	return Dependence{Source: src.ref, Sink: snk.ref, Direction: []DependenceDirection{DirAny}, Kind: kind}, true
}

// findInvariants selects statements whose every read operand is a
// literal or defined outside the loop. Reads of the loop-varying
// induction variables themselves are never invariant; they carry an
// in-loop definition and fail the defs check like any other varying
// local.
func (p *LoopOptimizationPass) findInvariants(fn *mir.Function, loop *LoopInfo, analysis *LoopAnalysis) []InvariantStatement {
	defsInLoop := make(map[mir.LocalID]int)
	forEachLoopStatement(fn, loop, func(_ StatementRef, stmt mir.Statement) {
		if assign, ok := stmt.(*mir.Assign); ok && assign.Place.IsBare() {
			defsInLoop[assign.Place.Local]++
		}
	})

	operandInvariant := func(o mir.Operand) bool {
		switch o := o.(type) {
		case *mir.Const:
			return true
		case *mir.Copy:
			return o.Place.IsBare() && defsInLoop[o.Place.Local] == 0
		case *mir.Move:
			return o.Place.IsBare() && defsInLoop[o.Place.Local] == 0
		default:
			return false
		}
	}

	var out []InvariantStatement
	forEachLoopStatement(fn, loop, func(ref StatementRef, stmt mir.Statement) {
		assign, ok := stmt.(*mir.Assign)
		if !ok || !assign.Place.IsBare() {
			return
		}

		var cost float64
		pure := false
		switch rv := assign.Rvalue.(type) {
		case *mir.Use:
			cost, pure = 1, true
		case *mir.UnaryOp:
			cost, pure = 2, true
		case *mir.BinaryOp:
			cost, pure = 3, true
		case *mir.Cast:
			cost, pure = 2, true
		case *mir.Call:
			cost = 10
			pure = rv.Callee != mir.InvalidFunc && p.purity != nil && p.purity.CallIsPure(rv.Callee)
		default:
			// Ref, Aggregate, Discriminant: not modeled as candidates.
			return
		}

		invariant := true
		forEachOperand(assign.Rvalue, func(o mir.Operand) {
			if !operandInvariant(o) {
				invariant = false
			}
		})
		if !invariant {
			return
		}

		// A target redefined elsewhere in the loop cannot leave it.
		singleDef := defsInLoop[assign.Place.Local] == 1

		out = append(out, InvariantStatement{
			Block:          ref.Block,
			StatementIndex: ref.Statement,
			Statement:      stmt,
			SafeToHoist:    pure && singleDef,
			HoistProfit:    float64(loop.Depth) * cost,
		})
	})
	return out
}

// forEachLoopStatement visits the statements of the loop's blocks in
// ascending block order.
func forEachLoopStatement(fn *mir.Function, loop *LoopInfo, visit func(StatementRef, mir.Statement)) {
	ids := make([]mir.BlockID, 0, len(loop.Blocks))
	for b := range loop.Blocks {
		ids = append(ids, b)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, b := range ids {
		blk, ok := fn.Blocks[b]
		if !ok {
			continue
		}
		for i, stmt := range blk.Statements {
			visit(StatementRef{Block: b, Statement: i}, stmt)
		}
	}
}

// forEachOperand visits every operand read by an rvalue.
func forEachOperand(rv mir.Rvalue, visit func(mir.Operand)) {
	switch rv := rv.(type) {
	case *mir.Use:
		visit(rv.Operand)
	case *mir.UnaryOp:
		visit(rv.Operand)
	case *mir.BinaryOp:
		visit(rv.Left)
		visit(rv.Right)
	case *mir.Cast:
		visit(rv.Operand)
	case *mir.Call:
		if rv.Func != nil {
			visit(rv.Func)
		}
		for _, a := range rv.Args {
			visit(a)
		}
	case *mir.Aggregate:
		for _, e := range rv.Elems {
			visit(e)
		}
	case *mir.Ref, *mir.Discriminant:
		// Place-taking rvalues read no operands.
	}
}

func operandIsLocal(o mir.Operand, local mir.LocalID) bool {
	place, ok := operandBarePlace(o)
	return ok && place.Local == local
}

func operandBarePlace(o mir.Operand) (mir.Place, bool) {
	switch o := o.(type) {
	case *mir.Copy:
		if o.Place.IsBare() {
			return o.Place, true
		}
	case *mir.Move:
		if o.Place.IsBare() {
			return o.Place, true
		}
	}
	return mir.Place{}, false
}

func operandIntConst(o mir.Operand) (int64, bool) {
	c, ok := o.(*mir.Const)
	if !ok || c.Constant.Value.Kind != mir.ConstInt {
		return 0, false
	}
	return c.Constant.Value.Int, true
}
