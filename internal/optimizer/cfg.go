package optimizer

import (
	"github.com/GoogleCloudPlatform/aether-sub002/internal/mir"
)

// controlFlowGraph is the block-level view of one function, rebuilt fresh
// whenever an analysis needs it. Block identities are only meaningful
// against the CFG they were computed from.
type controlFlowGraph struct {
	blocks []mir.BlockID
	succs  map[mir.BlockID][]mir.BlockID
	preds  map[mir.BlockID][]mir.BlockID
}

func buildCFG(fn *mir.Function) *controlFlowGraph {
	cfg := &controlFlowGraph{
		blocks: fn.BlockIDs(),
		succs:  make(map[mir.BlockID][]mir.BlockID),
		preds:  make(map[mir.BlockID][]mir.BlockID),
	}
	for _, id := range cfg.blocks {
		cfg.succs[id] = fn.Blocks[id].Terminator.Successors()
	}
	for _, id := range cfg.blocks {
		for _, succ := range cfg.succs[id] {
			cfg.preds[succ] = append(cfg.preds[succ], id)
		}
	}
	return cfg
}

// dominators computes the full dominator sets by forward dataflow:
// dom(entry) = {entry}, dom(b) = {b} ∪ ⋂ dom(preds(b)), iterated to a
// fixpoint. The sets are small at this IR's scale; the simple formulation
// is preferred over Lengauer-Tarjan.
func (cfg *controlFlowGraph) dominators() map[mir.BlockID]map[mir.BlockID]bool {
	dom := make(map[mir.BlockID]map[mir.BlockID]bool, len(cfg.blocks))
	all := make(map[mir.BlockID]bool, len(cfg.blocks))
	for _, id := range cfg.blocks {
		all[id] = true
	}
	for _, id := range cfg.blocks {
		if id == mir.Entry {
			dom[id] = map[mir.BlockID]bool{id: true}
			continue
		}
		full := make(map[mir.BlockID]bool, len(all))
		for b := range all {
			full[b] = true
		}
		dom[id] = full
	}

	changed := true
	for changed {
		changed = false
		for _, id := range cfg.blocks {
			if id == mir.Entry {
				continue
			}
			next := intersectPreds(dom, cfg.preds[id], all)
			next[id] = true
			if !sameSet(next, dom[id]) {
				dom[id] = next
				changed = true
			}
		}
	}
	return dom
}

func intersectPreds(dom map[mir.BlockID]map[mir.BlockID]bool, preds []mir.BlockID, all map[mir.BlockID]bool) map[mir.BlockID]bool {
	if len(preds) == 0 {
		// Unreachable block; dominated by everything by convention.
		out := make(map[mir.BlockID]bool, len(all))
		for b := range all {
			out[b] = true
		}
		return out
	}
	out := make(map[mir.BlockID]bool, len(dom[preds[0]]))
	for b := range dom[preds[0]] {
		out[b] = true
	}
	for _, p := range preds[1:] {
		for b := range out {
			if !dom[p][b] {
				delete(out, b)
			}
		}
	}
	return out
}

func sameSet(a, b map[mir.BlockID]bool) bool {
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

// hasCycle reports whether the CFG contains any cycle, using an explicit
// stack so deep graphs cannot overflow the host stack.
func (cfg *controlFlowGraph) hasCycle() bool {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[mir.BlockID]int, len(cfg.blocks))

	type frame struct {
		block mir.BlockID
		next  int
	}
	for _, start := range cfg.blocks {
		if state[start] != unvisited {
			continue
		}
		stack := []frame{{block: start}}
		state[start] = inStack
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succs := cfg.succs[top.block]
			if top.next < len(succs) {
				s := succs[top.next]
				top.next++
				switch state[s] {
				case inStack:
					return true
				case unvisited:
					state[s] = inStack
					stack = append(stack, frame{block: s})
				}
				continue
			}
			state[top.block] = done
			stack = stack[:len(stack)-1]
		}
	}
	return false
}
