package optimizer

import (
	"github.com/GoogleCloudPlatform/aether-sub002/internal/mir"
)

// ConstantPropagationPass forward-substitutes known literal values for
// copies and moves of bare locals. Propagation is intra-block only: the
// binding map starts empty at every block and is discarded at the block
// boundary, so no control-flow reasoning is needed or performed.
type ConstantPropagationPass struct {
	changed    bool
	propagated int
}

// NewConstantPropagation returns a fresh pass.
func NewConstantPropagation() *ConstantPropagationPass {
	return &ConstantPropagationPass{}
}

// Name implements Pass.
func (p *ConstantPropagationPass) Name() string { return "constant-propagation" }

// Propagated reports how many operands have been substituted since the
// pass was constructed.
func (p *ConstantPropagationPass) Propagated() int { return p.propagated }

// RunOnFunction implements Pass.
func (p *ConstantPropagationPass) RunOnFunction(fn *mir.Function) (bool, error) {
	p.changed = false
	for _, id := range fn.BlockIDs() {
		p.runOnBlock(fn.Blocks[id])
	}
	return p.changed, nil
}

func (p *ConstantPropagationPass) runOnBlock(blk *mir.BasicBlock) {
	// Known literal values of bare locals within this block. Places with
	// projections never appear: mutation through one projected place can
	// alias another, so they are neither sources nor sinks.
	known := make(map[mir.LocalID]mir.ConstantValue)

	for _, stmt := range blk.Statements {
		assign, ok := stmt.(*mir.Assign)
		if !ok {
			// Nop and storage markers neither produce nor consume values.
			continue
		}

		// Substitute into the rvalue first, then decide what the
		// assignment does to the target's binding.
		p.propagateInRvalue(assign.Rvalue, known)

		if use, ok := assign.Rvalue.(*mir.Use); ok {
			if c, ok := use.Operand.(*mir.Const); ok {
				if assign.Place.IsBare() {
					known[assign.Place.Local] = c.Constant.Value
				}
				continue
			}
		}
		// Assigned something non-literal: the target's value is no longer
		// statically known.
		if assign.Place.IsBare() {
			delete(known, assign.Place.Local)
		}
	}
}

func (p *ConstantPropagationPass) propagateInRvalue(rv mir.Rvalue, known map[mir.LocalID]mir.ConstantValue) {
	switch rv := rv.(type) {
	case *mir.Use:
		p.propagateInOperand(&rv.Operand, known)
	case *mir.UnaryOp:
		p.propagateInOperand(&rv.Operand, known)
	case *mir.BinaryOp:
		p.propagateInOperand(&rv.Left, known)
		p.propagateInOperand(&rv.Right, known)
	case *mir.Cast:
		p.propagateInOperand(&rv.Operand, known)
	case *mir.Call, *mir.Ref, *mir.Aggregate, *mir.Discriminant:
		// Not modeled; skipped conservatively.
	}
}

func (p *ConstantPropagationPass) propagateInOperand(op *mir.Operand, known map[mir.LocalID]mir.ConstantValue) {
	var place mir.Place
	switch o := (*op).(type) {
	case *mir.Copy:
		place = o.Place
	case *mir.Move:
		place = o.Place
	default:
		return
	}
	if !place.IsBare() {
		return
	}
	val, ok := known[place.Local]
	if !ok {
		return
	}
	// The substituted constant is typed by its own value tag. Kinds
	// without a primitive type (char, unit) are left unsubstituted rather
	// than guessed.
	t, ok := val.PrimitiveType()
	if !ok {
		return
	}
	*op = &mir.Const{Constant: mir.Constant{Type: t, Value: val}}
	p.changed = true
	p.propagated++
}
