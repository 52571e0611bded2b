// Package mir defines the mid-level IR operated on by the optimizer.
// It sits between the typed AST produced by the front-end and the
// architecture-independent output handed to code generation. The model is
// place-based rather than SSA: statements assign rvalues to places, and
// every basic block ends in exactly one terminator.
package mir

import (
	"fmt"
	"sort"
	"strings"
)

// FuncID is a stable opaque handle for a function. Handles are arena
// indices assigned by the owning Program, never name strings, so renames
// and duplications upstream cannot alias two functions.
type FuncID int

// InvalidFunc marks an unresolved callee (indirect calls).
const InvalidFunc FuncID = -1

// LocalID identifies a local slot within one function.
type LocalID int

// BlockID identifies a basic block within one function. Block 0 is the
// unique entry block.
type BlockID int

// Program owns every function of a compilation unit. Functions see each
// other only through this map (and the call graph built from it), never
// through direct references.
type Program struct {
	Functions map[FuncID]*Function
	Externals map[FuncID]*ExternalFunction
	Globals   map[string]*GlobalConstant
	Types     map[string]*TypeDef

	byName map[string]FuncID
	nextID FuncID
}

// NewProgram returns an empty program.
func NewProgram() *Program {
	return &Program{
		Functions: make(map[FuncID]*Function),
		Externals: make(map[FuncID]*ExternalFunction),
		Globals:   make(map[string]*GlobalConstant),
		Types:     make(map[string]*TypeDef),
		byName:    make(map[string]FuncID),
	}
}

// AddFunction registers fn and returns its handle. Defined and external
// functions share one handle arena so call sites can refer to either.
func (p *Program) AddFunction(fn *Function) FuncID {
	id := p.nextID
	p.nextID++
	p.Functions[id] = fn
	p.byName[fn.Name] = id
	return id
}

// DeclareExternal registers an externally defined function.
func (p *Program) DeclareExternal(ext *ExternalFunction) FuncID {
	id := p.nextID
	p.nextID++
	p.Externals[id] = ext
	p.byName[ext.Name] = id
	return id
}

// FuncByName resolves a name to a handle. Intended for the decoder and for
// tests; optimization passes work on handles only.
func (p *Program) FuncByName(name string) (FuncID, bool) {
	id, ok := p.byName[name]
	return id, ok
}

// FuncName returns the display name behind a handle.
func (p *Program) FuncName(id FuncID) string {
	if fn, ok := p.Functions[id]; ok {
		return fn.Name
	}
	if ext, ok := p.Externals[id]; ok {
		return ext.Name
	}
	return fmt.Sprintf("<func#%d>", id)
}

// FuncIDs returns the handles of all defined functions in ascending order.
func (p *Program) FuncIDs() []FuncID {
	ids := make([]FuncID, 0, len(p.Functions))
	for id := range p.Functions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GlobalConstant is a module-level constant declaration.
type GlobalConstant struct {
	Name  string
	Type  Type
	Value ConstantValue
}

// ExternalFunction declares a function defined outside this program. The
// effect attributes are trusted by interprocedural analysis; a call to an
// external without Pure set is treated as having arbitrary effects.
type ExternalFunction struct {
	Name       string
	Params     []Type
	Return     Type
	Pure       bool
	PerformsIO bool
	MayThrow   bool
}

// TypeDef is an opaque user type definition carried through unchanged.
type TypeDef struct {
	Name       string
	Underlying Type
}

// Function is a collection of basic blocks over a set of declared locals.
// Parameters occupy the first len(Params) local slots.
type Function struct {
	Name   string
	Params []Param
	Return Type
	// Locals is ordered by LocalID; Locals[i] declares local i.
	Locals []LocalDecl
	Blocks map[BlockID]*BasicBlock
}

// Param binds a parameter name to its local slot.
type Param struct {
	Local LocalID
	Name  string
	Type  Type
}

// LocalDecl records the declared type and mutability of one local.
type LocalDecl struct {
	Name    string
	Type    Type
	Mutable bool
}

// Entry is the ID of the entry block.
const Entry BlockID = 0

// BlockIDs returns the function's block IDs in ascending order.
func (f *Function) BlockIDs() []BlockID {
	ids := make([]BlockID, 0, len(f.Blocks))
	for id := range f.Blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BasicBlock is a straight-line statement sequence ending in one
// terminator. Statements never branch.
type BasicBlock struct {
	Statements []Statement
	Terminator Terminator
}

// Statement is a closed sum. Passes must match every variant and either
// handle it or conservatively skip it; adding a variant without updating
// the passes is a compile-time hole, not a silent no-op.
type Statement interface{ isStatement() }

// Assign stores the value of an rvalue into a place. This is the only
// statement the optimizer inspects deeply.
type Assign struct {
	Place  Place
	Rvalue Rvalue
}

// Nop does nothing and is carried through unchanged.
type Nop struct{}

// StorageLive marks the start of a local's live range.
type StorageLive struct{ Local LocalID }

// StorageDead marks the end of a local's live range.
type StorageDead struct{ Local LocalID }

func (*Assign) isStatement()      {}
func (*Nop) isStatement()         {}
func (*StorageLive) isStatement() {}
func (*StorageDead) isStatement() {}

// Terminator ends a basic block. Successors reports the possible branch
// targets in the CFG.
type Terminator interface {
	isTerminator()
	Successors() []BlockID
}

// Goto branches unconditionally.
type Goto struct{ Target BlockID }

// CondBranch branches on a boolean operand.
type CondBranch struct {
	Cond  Operand
	True  BlockID
	False BlockID
}

// SwitchInt branches on an integer discriminant. Values and Targets are
// parallel; Otherwise is taken when no value matches.
type SwitchInt struct {
	Discr     Operand
	Values    []int64
	Targets   []BlockID
	Otherwise BlockID
}

// Return leaves the function. Value is nil for unit-returning functions.
type Return struct{ Value Operand }

// Unreachable marks a block the front-end proved cannot be reached.
type Unreachable struct{}

// Assert checks a condition and continues at Target when it holds; a
// failed assert unwinds. Functions containing asserts may throw.
type Assert struct {
	Cond     Operand
	Expected bool
	Target   BlockID
}

func (*Goto) isTerminator()        {}
func (*CondBranch) isTerminator()  {}
func (*SwitchInt) isTerminator()   {}
func (*Return) isTerminator()      {}
func (*Unreachable) isTerminator() {}
func (*Assert) isTerminator()      {}

func (t *Goto) Successors() []BlockID       { return []BlockID{t.Target} }
func (t *CondBranch) Successors() []BlockID { return []BlockID{t.True, t.False} }
func (t *SwitchInt) Successors() []BlockID {
	out := make([]BlockID, 0, len(t.Targets)+1)
	out = append(out, t.Targets...)
	return append(out, t.Otherwise)
}
func (t *Return) Successors() []BlockID      { return nil }
func (t *Unreachable) Successors() []BlockID { return nil }
func (t *Assert) Successors() []BlockID      { return []BlockID{t.Target} }

// Rvalue is the right-hand side of an assignment. Closed sum; variants the
// passes do not model (Aggregate, Discriminant, Ref) are conservatively
// skipped, never folded.
type Rvalue interface{ isRvalue() }

// Use yields the value of an operand unchanged.
type Use struct{ Operand Operand }

// UnaryOp applies a unary operator to an operand.
type UnaryOp struct {
	Op      UnOpKind
	Operand Operand
}

// BinaryOp applies a binary operator to two operands.
type BinaryOp struct {
	Op    BinOpKind
	Left  Operand
	Right Operand
}

// Cast converts an operand to a target type.
type Cast struct {
	Operand Operand
	Target  Type
}

// Call invokes Callee with Args. Callee is InvalidFunc for indirect calls,
// in which case Func carries the callee value.
type Call struct {
	Callee FuncID
	Func   Operand
	Args   []Operand
}

// Ref takes the address of a place.
type Ref struct {
	Mutable bool
	Place   Place
}

// Aggregate builds a composite value from element operands.
type Aggregate struct{ Elems []Operand }

// Discriminant reads the variant tag of an enum place.
type Discriminant struct{ Place Place }

func (*Use) isRvalue()          {}
func (*UnaryOp) isRvalue()      {}
func (*BinaryOp) isRvalue()     {}
func (*Cast) isRvalue()         {}
func (*Call) isRvalue()         {}
func (*Ref) isRvalue()          {}
func (*Aggregate) isRvalue()    {}
func (*Discriminant) isRvalue() {}

// Operand is a value reference inside an rvalue: a copy, a move, or a
// literal constant.
type Operand interface{ isOperand() }

// Copy reads a place, leaving it valid.
type Copy struct{ Place Place }

// Move reads a place, invalidating it. Move legality was established by
// the borrow checker before lowering; the optimizer only preserves it.
type Move struct{ Place Place }

// Const is a literal constant operand.
type Const struct{ Constant Constant }

func (*Copy) isOperand()  {}
func (*Move) isOperand()  {}
func (*Const) isOperand() {}

// Place is an addressable location: a base plus an ordered projection
// chain. The base is a local slot unless Global is set, in which case it
// names a module-level global. Any projection (or a global base) makes a
// place potentially aliasing; only bare places participate in value
// tracking.
type Place struct {
	Local      LocalID
	Global     string
	Projection []Projection
}

// IsBare reports whether the place is a plain local with no projections.
// Propagation, induction-variable, and hoisting analyses track bare
// places only.
func (p Place) IsBare() bool { return p.Global == "" && len(p.Projection) == 0 }

// IsGlobal reports whether the place's base is a module global.
func (p Place) IsGlobal() bool { return p.Global != "" }

// Projection is one step of a place's access path.
type Projection interface{ isProjection() }

// Field projects a struct field by index.
type Field struct{ Index int }

// Index projects an element by the value of another local.
type Index struct{ Local LocalID }

// Deref follows a reference.
type Deref struct{}

func (Field) isProjection() {}
func (Index) isProjection() {}
func (Deref) isProjection() {}

// Constant is a typed literal.
type Constant struct {
	Type  Type
	Value ConstantValue
}

// ConstantKind tags a ConstantValue.
type ConstantKind int

const (
	ConstInt ConstantKind = iota
	ConstFloat
	ConstBool
	ConstString
	ConstChar
	ConstUnit
)

// ConstantValue is a literal value. The struct is comparable so values can
// key maps and compare with ==.
type ConstantValue struct {
	Kind  ConstantKind
	Int   int64
	Float float64
	Bool  bool
	Str   string
	Rune  rune
}

// IntValue returns an integer literal.
func IntValue(v int64) ConstantValue { return ConstantValue{Kind: ConstInt, Int: v} }

// FloatValue returns a float literal.
func FloatValue(v float64) ConstantValue { return ConstantValue{Kind: ConstFloat, Float: v} }

// BoolValue returns a boolean literal.
func BoolValue(v bool) ConstantValue { return ConstantValue{Kind: ConstBool, Bool: v} }

// StringValue returns a string literal.
func StringValue(v string) ConstantValue { return ConstantValue{Kind: ConstString, Str: v} }

// PrimitiveType derives the primitive type implied by the value's own tag.
// Only the four foldable kinds have one; Char and Unit report false and
// must be left untouched by substitution.
func (v ConstantValue) PrimitiveType() (Type, bool) {
	switch v.Kind {
	case ConstInt:
		return IntType(), true
	case ConstFloat:
		return FloatType(), true
	case ConstBool:
		return BoolType(), true
	case ConstString:
		return StringType(), true
	default:
		return Type{}, false
	}
}

// UnOpKind enumerates unary operators.
type UnOpKind int

const (
	OpNeg UnOpKind = iota
	OpNot
)

// BinOpKind enumerates binary operators.
type BinOpKind int

const (
	OpAdd BinOpKind = iota
	OpSub
	OpMul
	OpDiv
	OpRem
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (k BinOpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpDiv:
		return "div"
	case OpRem:
		return "rem"
	case OpEq:
		return "eq"
	case OpNe:
		return "ne"
	case OpLt:
		return "lt"
	case OpLe:
		return "le"
	case OpGt:
		return "gt"
	case OpGe:
		return "ge"
	default:
		return "binop?"
	}
}

// TypeKind classifies a type.
type TypeKind int

const (
	TypeUnknown TypeKind = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeString
	TypeChar
	TypeUnit
	TypeRef
	TypeNamed
)

// Type is a lightweight type representation. Name identifies user types
// and reference targets.
type Type struct {
	Kind TypeKind
	Name string
}

// IntType returns the integer primitive.
func IntType() Type { return Type{Kind: TypeInt} }

// FloatType returns the float primitive.
func FloatType() Type { return Type{Kind: TypeFloat} }

// BoolType returns the boolean primitive.
func BoolType() Type { return Type{Kind: TypeBool} }

// StringType returns the string primitive.
func StringType() Type { return Type{Kind: TypeString} }

// UnitType returns the unit type.
func UnitType() Type { return Type{Kind: TypeUnit} }

func (t Type) String() string {
	switch t.Kind {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeChar:
		return "char"
	case TypeUnit:
		return "unit"
	case TypeRef:
		return "&" + t.Name
	case TypeNamed:
		return t.Name
	default:
		return "<unknown>"
	}
}

func (p *Program) String() string {
	if p == nil {
		return "<nil-program>"
	}
	var b strings.Builder
	for _, id := range p.FuncIDs() {
		b.WriteString(p.Functions[id].String())
		b.WriteByte('\n')
	}
	return b.String()
}

func (f *Function) String() string {
	if f == nil {
		return "<nil-func>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "fn %s(", f.Name)
	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "_%d: %s", p.Local, p.Type)
	}
	fmt.Fprintf(&b, ") -> %s {\n", f.Return)
	for _, id := range f.BlockIDs() {
		fmt.Fprintf(&b, "bb%d:\n", id)
		b.WriteString(f.Blocks[id].String())
	}
	b.WriteString("}\n")
	return b.String()
}

func (bb *BasicBlock) String() string {
	if bb == nil {
		return ""
	}
	var b strings.Builder
	for _, s := range bb.Statements {
		fmt.Fprintf(&b, "  %s\n", stmtString(s))
	}
	fmt.Fprintf(&b, "  %s\n", termString(bb.Terminator))
	return b.String()
}

func stmtString(s Statement) string {
	switch s := s.(type) {
	case *Assign:
		return fmt.Sprintf("%s = %s", s.Place, rvalueString(s.Rvalue))
	case *Nop:
		return "nop"
	case *StorageLive:
		return fmt.Sprintf("live _%d", s.Local)
	case *StorageDead:
		return fmt.Sprintf("dead _%d", s.Local)
	default:
		return "<stmt>"
	}
}

func termString(t Terminator) string {
	switch t := t.(type) {
	case *Goto:
		return fmt.Sprintf("goto bb%d", t.Target)
	case *CondBranch:
		return fmt.Sprintf("if %s then bb%d else bb%d", operandString(t.Cond), t.True, t.False)
	case *SwitchInt:
		var b strings.Builder
		fmt.Fprintf(&b, "switch %s [", operandString(t.Discr))
		for i, v := range t.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%d: bb%d", v, t.Targets[i])
		}
		fmt.Fprintf(&b, "] else bb%d", t.Otherwise)
		return b.String()
	case *Return:
		if t.Value == nil {
			return "return"
		}
		return fmt.Sprintf("return %s", operandString(t.Value))
	case *Unreachable:
		return "unreachable"
	case *Assert:
		return fmt.Sprintf("assert(%s == %v) -> bb%d", operandString(t.Cond), t.Expected, t.Target)
	case nil:
		return "<missing terminator>"
	default:
		return "<term>"
	}
}

func rvalueString(r Rvalue) string {
	switch r := r.(type) {
	case *Use:
		return operandString(r.Operand)
	case *UnaryOp:
		op := "-"
		if r.Op == OpNot {
			op = "!"
		}
		return op + operandString(r.Operand)
	case *BinaryOp:
		return fmt.Sprintf("%s(%s, %s)", r.Op, operandString(r.Left), operandString(r.Right))
	case *Cast:
		return fmt.Sprintf("%s as %s", operandString(r.Operand), r.Target)
	case *Call:
		var b strings.Builder
		if r.Callee != InvalidFunc {
			fmt.Fprintf(&b, "call #%d(", r.Callee)
		} else {
			fmt.Fprintf(&b, "call %s(", operandString(r.Func))
		}
		for i, a := range r.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(operandString(a))
		}
		b.WriteString(")")
		return b.String()
	case *Ref:
		if r.Mutable {
			return "&mut " + r.Place.String()
		}
		return "&" + r.Place.String()
	case *Aggregate:
		parts := make([]string, len(r.Elems))
		for i, e := range r.Elems {
			parts[i] = operandString(e)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *Discriminant:
		return "discriminant(" + r.Place.String() + ")"
	default:
		return "<rvalue>"
	}
}

func operandString(o Operand) string {
	switch o := o.(type) {
	case *Copy:
		return "copy " + o.Place.String()
	case *Move:
		return "move " + o.Place.String()
	case *Const:
		return o.Constant.Value.String()
	default:
		return "<operand>"
	}
}

func (p Place) String() string {
	var b strings.Builder
	if p.Global != "" {
		b.WriteString("@" + p.Global)
	} else {
		fmt.Fprintf(&b, "_%d", p.Local)
	}
	for _, proj := range p.Projection {
		switch proj := proj.(type) {
		case Field:
			fmt.Fprintf(&b, ".%d", proj.Index)
		case Index:
			fmt.Fprintf(&b, "[_%d]", proj.Local)
		case Deref:
			b.WriteString(".*")
		}
	}
	return b.String()
}

func (v ConstantValue) String() string {
	switch v.Kind {
	case ConstInt:
		return fmt.Sprintf("%d", v.Int)
	case ConstFloat:
		return fmt.Sprintf("%g", v.Float)
	case ConstBool:
		return fmt.Sprintf("%t", v.Bool)
	case ConstString:
		return fmt.Sprintf("%q", v.Str)
	case ConstChar:
		return fmt.Sprintf("%q", v.Rune)
	case ConstUnit:
		return "()"
	default:
		return "<const?>"
	}
}
