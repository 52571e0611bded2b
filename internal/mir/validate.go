package mir

import (
	"github.com/cockroachdb/errors"
)

// ErrMalformedIR tags structural IR violations: a producer handed the
// optimizer a program that breaks the invariants of the data model. These
// are compiler-internal errors, never user diagnostics.
var ErrMalformedIR = errors.New("malformed IR")

// Validate checks the whole program's structural invariants.
func (p *Program) Validate() error {
	for id, fn := range p.Functions {
		if err := fn.Validate(); err != nil {
			return errors.Wrapf(err, "function %q (#%d)", fn.Name, id)
		}
	}
	return nil
}

// Validate checks a single function: the entry block exists, every block
// is terminated, branch targets resolve, and every referenced local is
// declared.
func (f *Function) Validate() error {
	if _, ok := f.Blocks[Entry]; !ok {
		return errors.Wrap(ErrMalformedIR, "missing entry block")
	}
	for _, id := range f.BlockIDs() {
		blk := f.Blocks[id]
		if blk.Terminator == nil {
			return errors.Wrapf(ErrMalformedIR, "block bb%d has no terminator", id)
		}
		for _, succ := range blk.Terminator.Successors() {
			if _, ok := f.Blocks[succ]; !ok {
				return errors.Wrapf(ErrMalformedIR, "block bb%d branches to undefined bb%d", id, succ)
			}
		}
		for i, s := range blk.Statements {
			if err := f.checkStatement(s); err != nil {
				return errors.Wrapf(err, "bb%d statement %d", id, i)
			}
		}
		if err := f.checkTerminatorOperands(blk.Terminator); err != nil {
			return errors.Wrapf(err, "bb%d terminator", id)
		}
	}
	return nil
}

func (f *Function) checkStatement(s Statement) error {
	switch s := s.(type) {
	case *Assign:
		if err := f.checkPlace(s.Place); err != nil {
			return err
		}
		return f.checkRvalue(s.Rvalue)
	case *Nop:
		return nil
	case *StorageLive:
		return f.checkLocal(s.Local)
	case *StorageDead:
		return f.checkLocal(s.Local)
	default:
		return nil
	}
}

func (f *Function) checkTerminatorOperands(t Terminator) error {
	switch t := t.(type) {
	case *CondBranch:
		return f.checkOperand(t.Cond)
	case *SwitchInt:
		return f.checkOperand(t.Discr)
	case *Return:
		if t.Value != nil {
			return f.checkOperand(t.Value)
		}
		return nil
	case *Assert:
		return f.checkOperand(t.Cond)
	default:
		return nil
	}
}

func (f *Function) checkRvalue(r Rvalue) error {
	switch r := r.(type) {
	case *Use:
		return f.checkOperand(r.Operand)
	case *UnaryOp:
		return f.checkOperand(r.Operand)
	case *BinaryOp:
		if err := f.checkOperand(r.Left); err != nil {
			return err
		}
		return f.checkOperand(r.Right)
	case *Cast:
		return f.checkOperand(r.Operand)
	case *Call:
		if r.Callee == InvalidFunc && r.Func == nil {
			return errors.Wrap(ErrMalformedIR, "indirect call with no callee operand")
		}
		for _, a := range r.Args {
			if err := f.checkOperand(a); err != nil {
				return err
			}
		}
		return nil
	case *Ref:
		return f.checkPlace(r.Place)
	case *Aggregate:
		for _, e := range r.Elems {
			if err := f.checkOperand(e); err != nil {
				return err
			}
		}
		return nil
	case *Discriminant:
		return f.checkPlace(r.Place)
	default:
		return nil
	}
}

func (f *Function) checkOperand(o Operand) error {
	switch o := o.(type) {
	case *Copy:
		return f.checkPlace(o.Place)
	case *Move:
		return f.checkPlace(o.Place)
	case *Const:
		return nil
	default:
		return nil
	}
}

func (f *Function) checkPlace(p Place) error {
	if !p.IsGlobal() {
		if err := f.checkLocal(p.Local); err != nil {
			return err
		}
	}
	for _, proj := range p.Projection {
		if idx, ok := proj.(Index); ok {
			if err := f.checkLocal(idx.Local); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Function) checkLocal(l LocalID) error {
	if l < 0 || int(l) >= len(f.Locals) {
		return errors.Wrapf(ErrMalformedIR, "undeclared local _%d", l)
	}
	return nil
}
