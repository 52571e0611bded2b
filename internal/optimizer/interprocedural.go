package optimizer

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/GoogleCloudPlatform/aether-sub002/internal/mir"
)

// CallGraph records who calls whom. Callees and Callers are symmetric
// duals: B ∈ Callees[A] exactly when A ∈ Callers[B]. Every function in
// the program has an entry in both maps, including leaves.
type CallGraph struct {
	Callees map[mir.FuncID]map[mir.FuncID]bool
	Callers map[mir.FuncID]map[mir.FuncID]bool
}

// NewCallGraph returns an empty graph.
func NewCallGraph() *CallGraph {
	return &CallGraph{
		Callees: make(map[mir.FuncID]map[mir.FuncID]bool),
		Callers: make(map[mir.FuncID]map[mir.FuncID]bool),
	}
}

// EnsureNode registers a function with empty edge sets.
func (g *CallGraph) EnsureNode(id mir.FuncID) {
	if g.Callees[id] == nil {
		g.Callees[id] = make(map[mir.FuncID]bool)
	}
	if g.Callers[id] == nil {
		g.Callers[id] = make(map[mir.FuncID]bool)
	}
}

// AddEdge records caller→callee, maintaining both directions.
func (g *CallGraph) AddEdge(caller, callee mir.FuncID) {
	g.EnsureNode(caller)
	g.EnsureNode(callee)
	g.Callees[caller][callee] = true
	g.Callers[callee][caller] = true
}

// SideEffects are a function's coarse observable behaviors.
type SideEffects struct {
	ReadsMemory    bool
	WritesMemory   bool
	PerformsIO     bool
	MayThrow       bool
	CallsFunctions bool
}

// FunctionSummary is the per-function fact base consumed by the other
// passes and by downstream tooling. Summaries only widen across fixpoint
// iterations; a summary is discarded and rebuilt whenever the IR changes
// in a way that could affect effects.
type FunctionSummary struct {
	Name            string
	Effects         SideEffects
	EscapingParams  map[int]bool
	ReadsGlobals    map[string]bool
	WritesGlobals   map[string]bool
	Calls           map[mir.FuncID]bool
	MayNotTerminate bool
	IsRecursive     bool

	// Unresolved reads/writes: the location could not be pinned to a
	// parameter or global, so it aliases every tracked location.
	readsUnknown  bool
	writesUnknown bool
}

func newSummary(name string) *FunctionSummary {
	return &FunctionSummary{
		Name:           name,
		EscapingParams: make(map[int]bool),
		ReadsGlobals:   make(map[string]bool),
		WritesGlobals:  make(map[string]bool),
		Calls:          make(map[mir.FuncID]bool),
	}
}

// AbstractLocationKind tags an AbstractLocation.
type AbstractLocationKind int

const (
	LocParameter AbstractLocationKind = iota
	LocGlobal
	LocUnknown
)

// AbstractLocation coarsely identifies where a value could live: a
// specific parameter, a named global, or Unknown — the top element,
// assumed to alias everything.
type AbstractLocation struct {
	Kind   AbstractLocationKind
	Func   mir.FuncID
	Index  int
	Global string
}

// ParameterLocation identifies a function parameter by position.
func ParameterLocation(fn mir.FuncID, index int) AbstractLocation {
	return AbstractLocation{Kind: LocParameter, Func: fn, Index: index}
}

// GlobalLocation identifies a named module global.
func GlobalLocation(name string) AbstractLocation {
	return AbstractLocation{Kind: LocGlobal, Global: name}
}

// UnknownLocation is the top element.
func UnknownLocation() AbstractLocation {
	return AbstractLocation{Kind: LocUnknown}
}

// callSite records, per argument position, which caller parameters flow
// into the call. Used by the escape fixpoint.
type callSite struct {
	callee mir.FuncID
	args   [][]int
}

// localFacts are the flow-insensitive facts of one function body,
// independent of any callee summary.
type localFacts struct {
	summary   *FunctionSummary
	callSites []callSite
	hasCycle  bool
	selfCall  bool
}

// InterproceduralAnalysisPass builds the whole-program call graph and
// per-function side-effect and escape summaries. Cyclic call components
// are resolved by SCC decomposition plus a bounded worklist fixpoint,
// never by host-language recursion over the call graph.
type InterproceduralAnalysisPass struct {
	graph     *CallGraph
	summaries map[mir.FuncID]*FunctionSummary
}

// NewInterproceduralAnalysis returns a fresh pass.
func NewInterproceduralAnalysis() *InterproceduralAnalysisPass {
	return &InterproceduralAnalysisPass{
		graph:     NewCallGraph(),
		summaries: make(map[mir.FuncID]*FunctionSummary),
	}
}

// Name identifies the pass.
func (p *InterproceduralAnalysisPass) Name() string { return "interprocedural-analysis" }

// CallGraph exposes the finalized graph, read-only.
func (p *InterproceduralAnalysisPass) CallGraph() *CallGraph { return p.graph }

// Summaries exposes the finalized summary map, read-only.
func (p *InterproceduralAnalysisPass) Summaries() map[mir.FuncID]*FunctionSummary {
	return p.summaries
}

// Run rebuilds the call graph and all summaries from scratch.
func (p *InterproceduralAnalysisPass) Run(prog *mir.Program) error {
	if err := p.BuildCallGraph(prog); err != nil {
		return err
	}
	_, err := p.ComputeSummaries(prog)
	return err
}

// BuildCallGraph scans every function for call sites. All functions get
// nodes up front so isolated functions still satisfy the symmetry
// invariant.
func (p *InterproceduralAnalysisPass) BuildCallGraph(prog *mir.Program) error {
	p.graph = NewCallGraph()
	for id := range prog.Functions {
		p.graph.EnsureNode(id)
	}
	for id := range prog.Externals {
		p.graph.EnsureNode(id)
	}
	for id, fn := range prog.Functions {
		for _, blockID := range fn.BlockIDs() {
			for _, stmt := range fn.Blocks[blockID].Statements {
				assign, ok := stmt.(*mir.Assign)
				if !ok {
					continue
				}
				call, ok := assign.Rvalue.(*mir.Call)
				if !ok || call.Callee == mir.InvalidFunc {
					continue
				}
				p.graph.AddEdge(id, call.Callee)
			}
		}
	}
	return nil
}

// ComputeSummaries processes functions in reverse topological order of
// the call graph's SCC condensation and runs a bounded fixpoint within
// each cyclic component.
func (p *InterproceduralAnalysisPass) ComputeSummaries(prog *mir.Program) (map[mir.FuncID]*FunctionSummary, error) {
	p.summaries = make(map[mir.FuncID]*FunctionSummary)

	// Externals are leaves with summaries taken from their declared
	// attributes.
	for id, ext := range prog.Externals {
		s := newSummary(ext.Name)
		if !ext.Pure {
			s.Effects.ReadsMemory = true
			s.Effects.WritesMemory = true
			s.readsUnknown = true
			s.writesUnknown = true
			s.MayNotTerminate = true
		}
		s.Effects.PerformsIO = ext.PerformsIO
		s.Effects.MayThrow = ext.MayThrow
		p.summaries[id] = s
	}

	facts := make(map[mir.FuncID]*localFacts, len(prog.Functions))
	for id, fn := range prog.Functions {
		facts[id] = p.collectLocalFacts(prog, id, fn)
	}

	sccs := p.condense(prog)
	for _, scc := range sccs {
		if err := p.solveSCC(prog, scc, facts); err != nil {
			return nil, err
		}
	}

	// Unresolved writes alias every tracked location.
	for _, s := range p.summaries {
		if s.writesUnknown {
			for name := range prog.Globals {
				s.WritesGlobals[name] = true
			}
		}
		if s.readsUnknown {
			for name := range prog.Globals {
				s.ReadsGlobals[name] = true
			}
		}
	}
	return p.summaries, nil
}

// CallIsPure implements PurityOracle: a call is pure when its summary
// proves it cannot touch caller-visible memory, perform I/O, throw, or
// diverge. Reads disqualify too: a callee reading a global the loop
// mutates would observe different values after motion.
func (p *InterproceduralAnalysisPass) CallIsPure(id mir.FuncID) bool {
	s, ok := p.summaries[id]
	if !ok {
		return false
	}
	return !s.Effects.ReadsMemory && !s.Effects.WritesMemory &&
		!s.Effects.PerformsIO && !s.Effects.MayThrow && !s.MayNotTerminate
}

func (p *InterproceduralAnalysisPass) collectLocalFacts(prog *mir.Program, id mir.FuncID, fn *mir.Function) *localFacts {
	f := &localFacts{summary: newSummary(fn.Name)}
	s := f.summary

	paramOf := make(map[mir.LocalID]int, len(fn.Params))
	for i, param := range fn.Params {
		paramOf[param.Local] = i
	}

	f.hasCycle = buildCFG(fn).hasCycle()

	recordWrite := func(place mir.Place) {
		loc, visible := resolveLocation(id, paramOf, place)
		if !visible {
			return
		}
		switch loc.Kind {
		case LocGlobal:
			s.Effects.WritesMemory = true
			s.WritesGlobals[loc.Global] = true
		case LocParameter:
			// A write through a parameter reaches caller-visible memory.
			s.Effects.WritesMemory = true
		case LocUnknown:
			s.Effects.WritesMemory = true
			s.writesUnknown = true
		}
	}
	recordRead := func(place mir.Place) {
		loc, visible := resolveLocation(id, paramOf, place)
		if !visible {
			return
		}
		switch loc.Kind {
		case LocGlobal:
			s.Effects.ReadsMemory = true
			s.ReadsGlobals[loc.Global] = true
		case LocParameter:
			s.Effects.ReadsMemory = true
		case LocUnknown:
			s.Effects.ReadsMemory = true
			s.readsUnknown = true
		}
	}
	// alias maps a local to the parameter whose value it currently holds.
	// Tracked within a block only, the same contract constant propagation
	// uses, so an operand escapes its source parameter even when the value
	// took a detour through a plain copy.
	var alias map[mir.LocalID]int
	operandParamIdx := func(o mir.Operand) (int, bool) {
		place, ok := operandBarePlace(o)
		if !ok {
			return 0, false
		}
		if idx, ok := paramOf[place.Local]; ok {
			return idx, true
		}
		idx, ok := alias[place.Local]
		return idx, ok
	}
	escapeOperand := func(o mir.Operand) {
		if idx, ok := operandParamIdx(o); ok {
			s.EscapingParams[idx] = true
		}
	}

	for _, blockID := range fn.BlockIDs() {
		blk := fn.Blocks[blockID]
		alias = make(map[mir.LocalID]int)
		for _, stmt := range blk.Statements {
			assign, ok := stmt.(*mir.Assign)
			if !ok {
				continue
			}
			if !assign.Place.IsBare() {
				recordWrite(assign.Place)
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
				if !place.IsBare() {
					recordRead(place)
				}
			})

			switch rv := assign.Rvalue.(type) {
			case *mir.Call:
				s.Effects.CallsFunctions = true
				if rv.Callee == mir.InvalidFunc {
					// Indirect call: worst case on every axis.
					s.Effects.ReadsMemory = true
					s.Effects.WritesMemory = true
					s.Effects.PerformsIO = true
					s.Effects.MayThrow = true
					s.readsUnknown = true
					s.writesUnknown = true
					s.MayNotTerminate = true
					for _, a := range rv.Args {
						escapeOperand(a)
					}
					break
				}
				s.Calls[rv.Callee] = true
				if rv.Callee == id {
					f.selfCall = true
				}
				if ext, ok := prog.Externals[rv.Callee]; ok && !ext.Pure {
					// A non-pure external could retain anything handed
					// to it.
					for _, a := range rv.Args {
						escapeOperand(a)
					}
				}
				site := callSite{callee: rv.Callee, args: make([][]int, len(rv.Args))}
				for i, a := range rv.Args {
					if idx, ok := operandParamIdx(a); ok {
						site.args[i] = append(site.args[i], idx)
					}
				}
				f.callSites = append(f.callSites, site)
			case *mir.Ref:
				// Address taken: the referent can no longer be tracked.
				if idx, ok := paramOf[rv.Place.Local]; ok && !rv.Place.IsGlobal() {
					s.EscapingParams[idx] = true
				}
			}

			// Anything stored to a global escapes with it.
			if assign.Place.IsGlobal() {
				forEachOperand(assign.Rvalue, escapeOperand)
			}

			// A plain copy of a parameter makes the target carry its
			// value; any other assignment clears the binding.
			if assign.Place.IsBare() {
				delete(alias, assign.Place.Local)
				if use, ok := assign.Rvalue.(*mir.Use); ok {
					if idx, ok := operandParamIdx(use.Operand); ok {
						alias[assign.Place.Local] = idx
					}
				}
			}
		}

		switch term := blk.Terminator.(type) {
		case *mir.Assert:
			s.Effects.MayThrow = true
		case *mir.Return:
			if term.Value != nil {
				escapeOperand(term.Value)
			}
		}
	}
	return f
}

// resolveLocation abstracts a non-bare place to where its memory lives.
// The second result is false for projections into the function's own
// local storage, which are invisible to callers and carry no
// caller-observable memory effect.
func resolveLocation(fn mir.FuncID, paramOf map[mir.LocalID]int, place mir.Place) (AbstractLocation, bool) {
	if place.IsGlobal() {
		return GlobalLocation(place.Global), true
	}
	if idx, ok := paramOf[place.Local]; ok {
		return ParameterLocation(fn, idx), true
	}
	for _, proj := range place.Projection {
		if _, ok := proj.(mir.Deref); ok {
			// A dereference of an untracked local: could point anywhere.
			return UnknownLocation(), true
		}
	}
	return AbstractLocation{}, false
}

// solveSCC runs the summary fixpoint for one strongly-connected
// component. Effect bits travel at most one call-graph hop per sweep, so
// that lattice converges within |SCC|+1 rounds; a breach is an optimizer
// defect. Escape sets have a taller lattice (one bit per parameter, and a
// rotated self-call advances one parameter at a time), so they are
// saturated separately afterwards with no round bound.
func (p *InterproceduralAnalysisPass) solveSCC(prog *mir.Program, scc []mir.FuncID, facts map[mir.FuncID]*localFacts) error {
	recursive := len(scc) > 1
	if !recursive {
		recursive = facts[scc[0]].selfCall
	}

	// Optimistic start: all-false, empty sets.
	for _, id := range scc {
		p.summaries[id] = newSummary(facts[id].summary.Name)
	}

	maxRounds := len(scc) + 1
	for round := 0; ; round++ {
		changed := false
		for _, id := range scc {
			next := p.synthesize(prog, id, facts[id], recursive)
			if !summariesEqual(next, p.summaries[id]) {
				p.summaries[id] = next
				changed = true
			}
		}
		if !changed {
			p.saturateEscapes(scc, facts)
			return nil
		}
		if round+1 >= maxRounds {
			return errors.Mark(
				errors.AssertionFailedf("summary fixpoint for SCC of %d function(s) still changing after %d rounds", len(scc), maxRounds),
				ErrNoConvergence)
		}
	}
}

// saturateEscapes propagates argument escapes through the component's call
// sites until nothing new escapes. Every pass that keeps going marks at
// least one new (function, parameter) pair and the sets only grow, so the
// loop terminates after at most the component's total parameter count.
func (p *InterproceduralAnalysisPass) saturateEscapes(scc []mir.FuncID, facts map[mir.FuncID]*localFacts) {
	for {
		changed := false
		for _, id := range scc {
			s := p.summaries[id]
			for _, site := range facts[id].callSites {
				cs, ok := p.summaries[site.callee]
				if !ok {
					continue
				}
				for argIdx, params := range site.args {
					if !cs.EscapingParams[argIdx] {
						continue
					}
					for _, paramIdx := range params {
						if !s.EscapingParams[paramIdx] {
							s.EscapingParams[paramIdx] = true
							changed = true
						}
					}
				}
			}
		}
		if !changed {
			return
		}
	}
}

// synthesize unions a function's local effects with the current
// summaries of everything it calls.
func (p *InterproceduralAnalysisPass) synthesize(prog *mir.Program, id mir.FuncID, f *localFacts, recursive bool) *FunctionSummary {
	next := cloneSummary(f.summary)
	next.IsRecursive = recursive

	for callee := range p.graph.Callees[id] {
		cs, ok := p.summaries[callee]
		if !ok {
			continue
		}
		mergeCalleeEffects(next, cs)
	}

	// Termination cannot be proven for recursion or CFG cycles here;
	// true is the safe default.
	if recursive || f.hasCycle {
		next.MayNotTerminate = true
	}
	return next
}

func cloneSummary(s *FunctionSummary) *FunctionSummary {
	out := newSummary(s.Name)
	out.Effects = s.Effects
	out.MayNotTerminate = s.MayNotTerminate
	out.IsRecursive = s.IsRecursive
	out.readsUnknown = s.readsUnknown
	out.writesUnknown = s.writesUnknown
	for k := range s.EscapingParams {
		out.EscapingParams[k] = true
	}
	for k := range s.ReadsGlobals {
		out.ReadsGlobals[k] = true
	}
	for k := range s.WritesGlobals {
		out.WritesGlobals[k] = true
	}
	for k := range s.Calls {
		out.Calls[k] = true
	}
	return out
}

// mergeCalleeEffects widens a caller's summary with a callee's
// caller-visible effects. The callee's call set and escaping parameters
// are its own and do not transfer.
func mergeCalleeEffects(dst, callee *FunctionSummary) {
	dst.Effects.ReadsMemory = dst.Effects.ReadsMemory || callee.Effects.ReadsMemory
	dst.Effects.WritesMemory = dst.Effects.WritesMemory || callee.Effects.WritesMemory
	dst.Effects.PerformsIO = dst.Effects.PerformsIO || callee.Effects.PerformsIO
	dst.Effects.MayThrow = dst.Effects.MayThrow || callee.Effects.MayThrow
	dst.MayNotTerminate = dst.MayNotTerminate || callee.MayNotTerminate
	dst.readsUnknown = dst.readsUnknown || callee.readsUnknown
	dst.writesUnknown = dst.writesUnknown || callee.writesUnknown
	for name := range callee.ReadsGlobals {
		dst.ReadsGlobals[name] = true
	}
	for name := range callee.WritesGlobals {
		dst.WritesGlobals[name] = true
	}
}

func summariesEqual(a, b *FunctionSummary) bool {
	if a.Effects != b.Effects ||
		a.MayNotTerminate != b.MayNotTerminate ||
		a.IsRecursive != b.IsRecursive ||
		a.readsUnknown != b.readsUnknown ||
		a.writesUnknown != b.writesUnknown {
		return false
	}
	return intSetEqual(a.EscapingParams, b.EscapingParams) &&
		stringSetEqual(a.ReadsGlobals, b.ReadsGlobals) &&
		stringSetEqual(a.WritesGlobals, b.WritesGlobals) &&
		funcSetEqual(a.Calls, b.Calls)
}

func intSetEqual(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func stringSetEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func funcSetEqual(a, b map[mir.FuncID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// condense computes the SCCs of the defined-function call graph with an
// iterative Tarjan walk. Components come out callee-first, which is
// exactly the reverse topological order the summary computation needs.
func (p *InterproceduralAnalysisPass) condense(prog *mir.Program) [][]mir.FuncID {
	nodes := prog.FuncIDs()
	succs := make(map[mir.FuncID][]mir.FuncID, len(nodes))
	for _, id := range nodes {
		var out []mir.FuncID
		for callee := range p.graph.Callees[id] {
			if _, defined := prog.Functions[callee]; defined {
				out = append(out, callee)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		succs[id] = out
	}

	const unvisited = -1
	index := make(map[mir.FuncID]int, len(nodes))
	low := make(map[mir.FuncID]int, len(nodes))
	onStack := make(map[mir.FuncID]bool, len(nodes))
	for _, id := range nodes {
		index[id] = unvisited
	}

	var (
		counter int
		stack   []mir.FuncID
		sccs    [][]mir.FuncID
	)

	type frame struct {
		node mir.FuncID
		next int
	}

	for _, root := range nodes {
		if index[root] != unvisited {
			continue
		}
		frames := []frame{{node: root}}
		index[root] = counter
		low[root] = counter
		counter++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			top := &frames[len(frames)-1]
			n := top.node
			if top.next < len(succs[n]) {
				child := succs[n][top.next]
				top.next++
				if index[child] == unvisited {
					index[child] = counter
					low[child] = counter
					counter++
					stack = append(stack, child)
					onStack[child] = true
					frames = append(frames, frame{node: child})
				} else if onStack[child] {
					if index[child] < low[n] {
						low[n] = index[child]
					}
				}
				continue
			}

			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := frames[len(frames)-1].node
				if low[n] < low[parent] {
					low[parent] = low[n]
				}
			}
			if low[n] == index[n] {
				var scc []mir.FuncID
				for {
					m := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[m] = false
					scc = append(scc, m)
					if m == n {
						break
					}
				}
				sort.Slice(scc, func(i, j int) bool { return scc[i] < scc[j] })
				sccs = append(sccs, scc)
			}
		}
	}
	return sccs
}
