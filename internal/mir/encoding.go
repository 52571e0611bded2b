package mir

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// On-disk program format. The lowering stage emits it and the optimizer
// driver consumes it. Functions are referenced by name in the file; opaque
// handles are assigned at decode time, so handles never leak into
// artifacts.

type programDoc struct {
	Functions []functionDoc `yaml:"functions"`
	Externals []externalDoc `yaml:"externals,omitempty"`
	Globals   []globalDoc   `yaml:"globals,omitempty"`
	Types     []typeDefDoc  `yaml:"types,omitempty"`
}

type functionDoc struct {
	Name   string     `yaml:"name"`
	Params []paramDoc `yaml:"params,omitempty"`
	Return string     `yaml:"return,omitempty"`
	Locals []localDoc `yaml:"locals,omitempty"`
	Blocks []blockDoc `yaml:"blocks"`
}

type paramDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type localDoc struct {
	Name    string `yaml:"name,omitempty"`
	Type    string `yaml:"type"`
	Mutable bool   `yaml:"mutable,omitempty"`
}

type blockDoc struct {
	ID         int       `yaml:"id"`
	Statements []stmtDoc `yaml:"statements,omitempty"`
	Terminator termDoc   `yaml:"terminator"`
}

type stmtDoc struct {
	Assign *assignDoc `yaml:"assign,omitempty"`
	Nop    bool       `yaml:"nop,omitempty"`
	Live   *int       `yaml:"live,omitempty"`
	Dead   *int       `yaml:"dead,omitempty"`
}

type assignDoc struct {
	Place  placeDoc  `yaml:"place"`
	Rvalue rvalueDoc `yaml:"rvalue"`
}

type rvalueDoc struct {
	Use          *operandDoc  `yaml:"use,omitempty"`
	Unary        *unaryDoc    `yaml:"unary,omitempty"`
	Binary       *binaryDoc   `yaml:"binary,omitempty"`
	Cast         *castDoc     `yaml:"cast,omitempty"`
	Call         *callDoc     `yaml:"call,omitempty"`
	Ref          *refDoc      `yaml:"ref,omitempty"`
	Aggregate    []operandDoc `yaml:"aggregate,omitempty"`
	Discriminant *placeDoc    `yaml:"discriminant,omitempty"`
}

type unaryDoc struct {
	Op      string     `yaml:"op"`
	Operand operandDoc `yaml:"operand"`
}

type binaryDoc struct {
	Op    string     `yaml:"op"`
	Left  operandDoc `yaml:"left"`
	Right operandDoc `yaml:"right"`
}

type castDoc struct {
	Operand operandDoc `yaml:"operand"`
	To      string     `yaml:"to"`
}

type callDoc struct {
	Callee string       `yaml:"callee,omitempty"`
	Func   *operandDoc  `yaml:"func,omitempty"`
	Args   []operandDoc `yaml:"args,omitempty"`
}

type refDoc struct {
	Mutable bool     `yaml:"mutable,omitempty"`
	Place   placeDoc `yaml:"place"`
}

type operandDoc struct {
	Copy  *placeDoc `yaml:"copy,omitempty"`
	Move  *placeDoc `yaml:"move,omitempty"`
	Const *constDoc `yaml:"const,omitempty"`
}

type placeDoc struct {
	Local      int       `yaml:"local,omitempty"`
	Global     string    `yaml:"global,omitempty"`
	Projection []projDoc `yaml:"projection,omitempty"`
}

type projDoc struct {
	Field *int `yaml:"field,omitempty"`
	Index *int `yaml:"index,omitempty"`
	Deref bool `yaml:"deref,omitempty"`
}

type constDoc struct {
	Int    *int64   `yaml:"int,omitempty"`
	Float  *float64 `yaml:"float,omitempty"`
	Bool   *bool    `yaml:"bool,omitempty"`
	String *string  `yaml:"string,omitempty"`
	Char   *string  `yaml:"char,omitempty"`
	Unit   bool     `yaml:"unit,omitempty"`
	Type   string   `yaml:"type,omitempty"`
}

type termDoc struct {
	Goto        *int       `yaml:"goto,omitempty"`
	If          *condDoc   `yaml:"if,omitempty"`
	Switch      *switchDoc `yaml:"switch,omitempty"`
	Return      *returnDoc `yaml:"return,omitempty"`
	Unreachable bool       `yaml:"unreachable,omitempty"`
	Assert      *assertDoc `yaml:"assert,omitempty"`
}

type condDoc struct {
	Cond  operandDoc `yaml:"cond"`
	True  int        `yaml:"true"`
	False int        `yaml:"false"`
}

type switchDoc struct {
	Discr     operandDoc `yaml:"discr"`
	Values    []int64    `yaml:"values"`
	Targets   []int      `yaml:"targets"`
	Otherwise int        `yaml:"otherwise"`
}

type returnDoc struct {
	Value *operandDoc `yaml:"value,omitempty"`
}

type assertDoc struct {
	Cond     operandDoc `yaml:"cond"`
	Expected bool       `yaml:"expected"`
	Target   int        `yaml:"target"`
}

type externalDoc struct {
	Name     string   `yaml:"name"`
	Params   []string `yaml:"params,omitempty"`
	Return   string   `yaml:"return,omitempty"`
	Pure     bool     `yaml:"pure,omitempty"`
	IO       bool     `yaml:"io,omitempty"`
	MayThrow bool     `yaml:"may_throw,omitempty"`
}

type globalDoc struct {
	Name  string   `yaml:"name"`
	Type  string   `yaml:"type"`
	Value constDoc `yaml:"value"`
}

type typeDefDoc struct {
	Name       string `yaml:"name"`
	Underlying string `yaml:"underlying,omitempty"`
}

// DecodeProgram parses a YAML-encoded program.
func DecodeProgram(data []byte) (*Program, error) {
	var doc programDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode program")
	}
	prog := NewProgram()

	// Register names first so call sites can resolve forward references.
	for _, fd := range doc.Functions {
		fn := &Function{Name: fd.Name, Blocks: make(map[BlockID]*BasicBlock)}
		prog.AddFunction(fn)
	}
	for _, ed := range doc.Externals {
		ext := &ExternalFunction{
			Name:       ed.Name,
			Return:     parseType(ed.Return),
			Pure:       ed.Pure,
			PerformsIO: ed.IO,
			MayThrow:   ed.MayThrow,
		}
		for _, p := range ed.Params {
			ext.Params = append(ext.Params, parseType(p))
		}
		prog.DeclareExternal(ext)
	}
	for _, gd := range doc.Globals {
		val, err := decodeConstValue(gd.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "global %q", gd.Name)
		}
		prog.Globals[gd.Name] = &GlobalConstant{Name: gd.Name, Type: parseType(gd.Type), Value: val}
	}
	for _, td := range doc.Types {
		prog.Types[td.Name] = &TypeDef{Name: td.Name, Underlying: parseType(td.Underlying)}
	}

	for _, fd := range doc.Functions {
		id, _ := prog.FuncByName(fd.Name)
		if err := decodeFunction(prog, prog.Functions[id], fd); err != nil {
			return nil, errors.Wrapf(err, "function %q", fd.Name)
		}
	}
	return prog, nil
}

// EncodeProgram renders a program back to its YAML form.
func EncodeProgram(prog *Program) ([]byte, error) {
	doc := programDoc{}
	for _, id := range prog.FuncIDs() {
		doc.Functions = append(doc.Functions, encodeFunction(prog, prog.Functions[id]))
	}
	for _, ext := range sortedExternals(prog) {
		ed := externalDoc{
			Name:     ext.Name,
			Return:   ext.Return.String(),
			Pure:     ext.Pure,
			IO:       ext.PerformsIO,
			MayThrow: ext.MayThrow,
		}
		for _, p := range ext.Params {
			ed.Params = append(ed.Params, p.String())
		}
		doc.Externals = append(doc.Externals, ed)
	}
	for _, name := range sortedGlobalNames(prog) {
		g := prog.Globals[name]
		doc.Globals = append(doc.Globals, globalDoc{
			Name:  g.Name,
			Type:  g.Type.String(),
			Value: encodeConstValue(g.Value),
		})
	}
	for _, name := range sortedTypeNames(prog) {
		t := prog.Types[name]
		doc.Types = append(doc.Types, typeDefDoc{Name: t.Name, Underlying: t.Underlying.String()})
	}
	return yaml.Marshal(&doc)
}

func sortedExternals(prog *Program) []*ExternalFunction {
	ids := make([]FuncID, 0, len(prog.Externals))
	for id := range prog.Externals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*ExternalFunction, len(ids))
	for i, id := range ids {
		out[i] = prog.Externals[id]
	}
	return out
}

func sortedGlobalNames(prog *Program) []string {
	names := make([]string, 0, len(prog.Globals))
	for n := range prog.Globals {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedTypeNames(prog *Program) []string {
	names := make([]string, 0, len(prog.Types))
	for n := range prog.Types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func decodeFunction(prog *Program, fn *Function, fd functionDoc) error {
	fn.Return = parseType(fd.Return)
	for _, pd := range fd.Params {
		local := LocalID(len(fn.Locals))
		fn.Locals = append(fn.Locals, LocalDecl{Name: pd.Name, Type: parseType(pd.Type)})
		fn.Params = append(fn.Params, Param{Local: local, Name: pd.Name, Type: parseType(pd.Type)})
	}
	for _, ld := range fd.Locals {
		fn.Locals = append(fn.Locals, LocalDecl{Name: ld.Name, Type: parseType(ld.Type), Mutable: ld.Mutable})
	}
	for _, bd := range fd.Blocks {
		blk := &BasicBlock{}
		for _, sd := range bd.Statements {
			s, err := decodeStatement(prog, sd)
			if err != nil {
				return errors.Wrapf(err, "block %d", bd.ID)
			}
			blk.Statements = append(blk.Statements, s)
		}
		term, err := decodeTerminator(bd.Terminator)
		if err != nil {
			return errors.Wrapf(err, "block %d", bd.ID)
		}
		blk.Terminator = term
		fn.Blocks[BlockID(bd.ID)] = blk
	}
	return nil
}

func decodeStatement(prog *Program, sd stmtDoc) (Statement, error) {
	switch {
	case sd.Assign != nil:
		rv, err := decodeRvalue(prog, sd.Assign.Rvalue)
		if err != nil {
			return nil, err
		}
		return &Assign{Place: decodePlace(sd.Assign.Place), Rvalue: rv}, nil
	case sd.Nop:
		return &Nop{}, nil
	case sd.Live != nil:
		return &StorageLive{Local: LocalID(*sd.Live)}, nil
	case sd.Dead != nil:
		return &StorageDead{Local: LocalID(*sd.Dead)}, nil
	default:
		return nil, errors.New("statement with no variant set")
	}
}

func decodeRvalue(prog *Program, rd rvalueDoc) (Rvalue, error) {
	switch {
	case rd.Use != nil:
		op, err := decodeOperand(*rd.Use)
		if err != nil {
			return nil, err
		}
		return &Use{Operand: op}, nil
	case rd.Unary != nil:
		op, err := decodeOperand(rd.Unary.Operand)
		if err != nil {
			return nil, err
		}
		kind := OpNeg
		if rd.Unary.Op == "not" {
			kind = OpNot
		}
		return &UnaryOp{Op: kind, Operand: op}, nil
	case rd.Binary != nil:
		left, err := decodeOperand(rd.Binary.Left)
		if err != nil {
			return nil, err
		}
		right, err := decodeOperand(rd.Binary.Right)
		if err != nil {
			return nil, err
		}
		op, err := parseBinOp(rd.Binary.Op)
		if err != nil {
			return nil, err
		}
		return &BinaryOp{Op: op, Left: left, Right: right}, nil
	case rd.Cast != nil:
		op, err := decodeOperand(rd.Cast.Operand)
		if err != nil {
			return nil, err
		}
		return &Cast{Operand: op, Target: parseType(rd.Cast.To)}, nil
	case rd.Call != nil:
		call := &Call{Callee: InvalidFunc}
		if rd.Call.Callee != "" {
			id, ok := prog.FuncByName(rd.Call.Callee)
			if !ok {
				return nil, errors.Newf("call to undeclared function %q", rd.Call.Callee)
			}
			call.Callee = id
		} else if rd.Call.Func != nil {
			op, err := decodeOperand(*rd.Call.Func)
			if err != nil {
				return nil, err
			}
			call.Func = op
		} else {
			return nil, errors.New("call with neither callee nor func")
		}
		for _, ad := range rd.Call.Args {
			a, err := decodeOperand(ad)
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, a)
		}
		return call, nil
	case rd.Ref != nil:
		return &Ref{Mutable: rd.Ref.Mutable, Place: decodePlace(rd.Ref.Place)}, nil
	case rd.Aggregate != nil:
		agg := &Aggregate{}
		for _, ed := range rd.Aggregate {
			e, err := decodeOperand(ed)
			if err != nil {
				return nil, err
			}
			agg.Elems = append(agg.Elems, e)
		}
		return agg, nil
	case rd.Discriminant != nil:
		return &Discriminant{Place: decodePlace(*rd.Discriminant)}, nil
	default:
		return nil, errors.New("rvalue with no variant set")
	}
}

func decodeOperand(od operandDoc) (Operand, error) {
	switch {
	case od.Copy != nil:
		return &Copy{Place: decodePlace(*od.Copy)}, nil
	case od.Move != nil:
		return &Move{Place: decodePlace(*od.Move)}, nil
	case od.Const != nil:
		val, err := decodeConstValue(*od.Const)
		if err != nil {
			return nil, err
		}
		t := parseType(od.Const.Type)
		if od.Const.Type == "" {
			if pt, ok := val.PrimitiveType(); ok {
				t = pt
			}
		}
		return &Const{Constant: Constant{Type: t, Value: val}}, nil
	default:
		return nil, errors.New("operand with no variant set")
	}
}

func decodePlace(pd placeDoc) Place {
	p := Place{Local: LocalID(pd.Local), Global: pd.Global}
	for _, proj := range pd.Projection {
		switch {
		case proj.Field != nil:
			p.Projection = append(p.Projection, Field{Index: *proj.Field})
		case proj.Index != nil:
			p.Projection = append(p.Projection, Index{Local: LocalID(*proj.Index)})
		case proj.Deref:
			p.Projection = append(p.Projection, Deref{})
		}
	}
	return p
}

func decodeConstValue(cd constDoc) (ConstantValue, error) {
	switch {
	case cd.Int != nil:
		return IntValue(*cd.Int), nil
	case cd.Float != nil:
		return FloatValue(*cd.Float), nil
	case cd.Bool != nil:
		return BoolValue(*cd.Bool), nil
	case cd.String != nil:
		return StringValue(*cd.String), nil
	case cd.Char != nil:
		r := []rune(*cd.Char)
		if len(r) != 1 {
			return ConstantValue{}, errors.Newf("char constant %q is not a single rune", *cd.Char)
		}
		return ConstantValue{Kind: ConstChar, Rune: r[0]}, nil
	case cd.Unit:
		return ConstantValue{Kind: ConstUnit}, nil
	default:
		return ConstantValue{}, errors.New("constant with no value set")
	}
}

func decodeTerminator(td termDoc) (Terminator, error) {
	switch {
	case td.Goto != nil:
		return &Goto{Target: BlockID(*td.Goto)}, nil
	case td.If != nil:
		cond, err := decodeOperand(td.If.Cond)
		if err != nil {
			return nil, err
		}
		return &CondBranch{Cond: cond, True: BlockID(td.If.True), False: BlockID(td.If.False)}, nil
	case td.Switch != nil:
		discr, err := decodeOperand(td.Switch.Discr)
		if err != nil {
			return nil, err
		}
		sw := &SwitchInt{Discr: discr, Values: td.Switch.Values, Otherwise: BlockID(td.Switch.Otherwise)}
		for _, t := range td.Switch.Targets {
			sw.Targets = append(sw.Targets, BlockID(t))
		}
		return sw, nil
	case td.Return != nil:
		ret := &Return{}
		if td.Return.Value != nil {
			v, err := decodeOperand(*td.Return.Value)
			if err != nil {
				return nil, err
			}
			ret.Value = v
		}
		return ret, nil
	case td.Unreachable:
		return &Unreachable{}, nil
	case td.Assert != nil:
		cond, err := decodeOperand(td.Assert.Cond)
		if err != nil {
			return nil, err
		}
		return &Assert{Cond: cond, Expected: td.Assert.Expected, Target: BlockID(td.Assert.Target)}, nil
	default:
		return nil, errors.New("terminator with no variant set")
	}
}

func encodeFunction(prog *Program, fn *Function) functionDoc {
	fd := functionDoc{Name: fn.Name, Return: fn.Return.String()}
	for _, p := range fn.Params {
		fd.Params = append(fd.Params, paramDoc{Name: p.Name, Type: p.Type.String()})
	}
	for i, l := range fn.Locals {
		if i < len(fn.Params) {
			continue
		}
		fd.Locals = append(fd.Locals, localDoc{Name: l.Name, Type: l.Type.String(), Mutable: l.Mutable})
	}
	for _, id := range fn.BlockIDs() {
		blk := fn.Blocks[id]
		bd := blockDoc{ID: int(id), Terminator: encodeTerminator(blk.Terminator)}
		for _, s := range blk.Statements {
			bd.Statements = append(bd.Statements, encodeStatement(prog, s))
		}
		fd.Blocks = append(fd.Blocks, bd)
	}
	return fd
}

func encodeStatement(prog *Program, s Statement) stmtDoc {
	switch s := s.(type) {
	case *Assign:
		return stmtDoc{Assign: &assignDoc{Place: encodePlace(s.Place), Rvalue: encodeRvalue(prog, s.Rvalue)}}
	case *Nop:
		return stmtDoc{Nop: true}
	case *StorageLive:
		l := int(s.Local)
		return stmtDoc{Live: &l}
	case *StorageDead:
		l := int(s.Local)
		return stmtDoc{Dead: &l}
	default:
		return stmtDoc{Nop: true}
	}
}

func encodeRvalue(prog *Program, r Rvalue) rvalueDoc {
	switch r := r.(type) {
	case *Use:
		od := encodeOperand(r.Operand)
		return rvalueDoc{Use: &od}
	case *UnaryOp:
		op := "neg"
		if r.Op == OpNot {
			op = "not"
		}
		return rvalueDoc{Unary: &unaryDoc{Op: op, Operand: encodeOperand(r.Operand)}}
	case *BinaryOp:
		return rvalueDoc{Binary: &binaryDoc{
			Op:    r.Op.String(),
			Left:  encodeOperand(r.Left),
			Right: encodeOperand(r.Right),
		}}
	case *Cast:
		return rvalueDoc{Cast: &castDoc{Operand: encodeOperand(r.Operand), To: r.Target.String()}}
	case *Call:
		cd := &callDoc{}
		if r.Callee != InvalidFunc {
			cd.Callee = prog.FuncName(r.Callee)
		} else if r.Func != nil {
			od := encodeOperand(r.Func)
			cd.Func = &od
		}
		for _, a := range r.Args {
			cd.Args = append(cd.Args, encodeOperand(a))
		}
		return rvalueDoc{Call: cd}
	case *Ref:
		return rvalueDoc{Ref: &refDoc{Mutable: r.Mutable, Place: encodePlace(r.Place)}}
	case *Aggregate:
		var elems []operandDoc
		for _, e := range r.Elems {
			elems = append(elems, encodeOperand(e))
		}
		return rvalueDoc{Aggregate: elems}
	case *Discriminant:
		pd := encodePlace(r.Place)
		return rvalueDoc{Discriminant: &pd}
	default:
		return rvalueDoc{}
	}
}

func encodeOperand(o Operand) operandDoc {
	switch o := o.(type) {
	case *Copy:
		pd := encodePlace(o.Place)
		return operandDoc{Copy: &pd}
	case *Move:
		pd := encodePlace(o.Place)
		return operandDoc{Move: &pd}
	case *Const:
		cd := encodeConstValue(o.Constant.Value)
		cd.Type = o.Constant.Type.String()
		return operandDoc{Const: &cd}
	default:
		return operandDoc{}
	}
}

func encodePlace(p Place) placeDoc {
	pd := placeDoc{Local: int(p.Local), Global: p.Global}
	for _, proj := range p.Projection {
		switch proj := proj.(type) {
		case Field:
			f := proj.Index
			pd.Projection = append(pd.Projection, projDoc{Field: &f})
		case Index:
			i := int(proj.Local)
			pd.Projection = append(pd.Projection, projDoc{Index: &i})
		case Deref:
			pd.Projection = append(pd.Projection, projDoc{Deref: true})
		}
	}
	return pd
}

func encodeConstValue(v ConstantValue) constDoc {
	switch v.Kind {
	case ConstInt:
		i := v.Int
		return constDoc{Int: &i}
	case ConstFloat:
		f := v.Float
		return constDoc{Float: &f}
	case ConstBool:
		b := v.Bool
		return constDoc{Bool: &b}
	case ConstString:
		s := v.Str
		return constDoc{String: &s}
	case ConstChar:
		s := string(v.Rune)
		return constDoc{Char: &s}
	default:
		return constDoc{Unit: true}
	}
}

func encodeTerminator(t Terminator) termDoc {
	switch t := t.(type) {
	case *Goto:
		g := int(t.Target)
		return termDoc{Goto: &g}
	case *CondBranch:
		return termDoc{If: &condDoc{Cond: encodeOperand(t.Cond), True: int(t.True), False: int(t.False)}}
	case *SwitchInt:
		sd := &switchDoc{Discr: encodeOperand(t.Discr), Values: t.Values, Otherwise: int(t.Otherwise)}
		for _, tgt := range t.Targets {
			sd.Targets = append(sd.Targets, int(tgt))
		}
		return termDoc{Switch: sd}
	case *Return:
		rd := &returnDoc{}
		if t.Value != nil {
			od := encodeOperand(t.Value)
			rd.Value = &od
		}
		return termDoc{Return: rd}
	case *Unreachable:
		return termDoc{Unreachable: true}
	case *Assert:
		return termDoc{Assert: &assertDoc{Cond: encodeOperand(t.Cond), Expected: t.Expected, Target: int(t.Target)}}
	default:
		return termDoc{}
	}
}

func parseType(s string) Type {
	switch s {
	case "int":
		return IntType()
	case "float":
		return FloatType()
	case "bool":
		return BoolType()
	case "string":
		return StringType()
	case "char":
		return Type{Kind: TypeChar}
	case "unit", "":
		return UnitType()
	}
	if strings.HasPrefix(s, "&") {
		return Type{Kind: TypeRef, Name: strings.TrimPrefix(s, "&")}
	}
	return Type{Kind: TypeNamed, Name: s}
}

func parseBinOp(s string) (BinOpKind, error) {
	switch s {
	case "add":
		return OpAdd, nil
	case "sub":
		return OpSub, nil
	case "mul":
		return OpMul, nil
	case "div":
		return OpDiv, nil
	case "rem":
		return OpRem, nil
	case "eq":
		return OpEq, nil
	case "ne":
		return OpNe, nil
	case "lt":
		return OpLt, nil
	case "le":
		return OpLe, nil
	case "gt":
		return OpGt, nil
	case "ge":
		return OpGe, nil
	default:
		return 0, errors.Newf("unknown binary operator %q", s)
	}
}
