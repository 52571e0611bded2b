package mir

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestBuilderProducesValidFunction(t *testing.T) {
	b := NewBuilder()
	b.StartFunction("add_one", []Param{{Name: "x", Type: IntType()}}, IntType())
	out := b.NewLocal(IntType(), false)
	b.Push(&Assign{
		Place: Place{Local: out},
		Rvalue: &BinaryOp{
			Op:    OpAdd,
			Left:  &Copy{Place: Place{Local: 0}},
			Right: &Const{Constant: Constant{Type: IntType(), Value: IntValue(1)}},
		},
	})
	b.SetTerminator(&Return{Value: &Copy{Place: Place{Local: out}}})
	fn := b.FinishFunction()

	require.NoError(t, fn.Validate())
	require.Len(t, fn.Params, 1)
	require.Equal(t, LocalID(0), fn.Params[0].Local)
	require.Equal(t, LocalID(1), out)
	require.Len(t, fn.Blocks, 1)
}

func TestBuilderFirstTerminatorWins(t *testing.T) {
	b := NewBuilder()
	b.StartFunction("f", nil, UnitType())
	b.SetTerminator(&Return{})
	b.SetTerminator(&Unreachable{})
	fn := b.FinishFunction()

	_, isReturn := fn.Blocks[Entry].Terminator.(*Return)
	require.True(t, isReturn)
}

func TestValidateRejectsUnterminatedBlock(t *testing.T) {
	fn := &Function{
		Name:   "broken",
		Blocks: map[BlockID]*BasicBlock{Entry: {}},
	}
	err := fn.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedIR))
	require.Contains(t, err.Error(), "no terminator")
}

func TestValidateRejectsUndeclaredLocal(t *testing.T) {
	fn := &Function{
		Name: "broken",
		Blocks: map[BlockID]*BasicBlock{
			Entry: {
				Statements: []Statement{
					&Assign{Place: Place{Local: 7}, Rvalue: &Use{Operand: &Const{Constant: Constant{Type: IntType(), Value: IntValue(1)}}}},
				},
				Terminator: &Return{},
			},
		},
	}
	err := fn.Validate()
	require.True(t, errors.Is(err, ErrMalformedIR))
	require.Contains(t, err.Error(), "undeclared local")
}

func TestValidateRejectsDanglingBranchTarget(t *testing.T) {
	fn := &Function{
		Name: "broken",
		Blocks: map[BlockID]*BasicBlock{
			Entry: {Terminator: &Goto{Target: 9}},
		},
	}
	err := fn.Validate()
	require.True(t, errors.Is(err, ErrMalformedIR))
}

func TestProgramValidateNamesFunction(t *testing.T) {
	prog := NewProgram()
	prog.AddFunction(&Function{Name: "oops", Blocks: map[BlockID]*BasicBlock{Entry: {}}})
	err := prog.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), `"oops"`)
}

func TestFunctionIdentityIsArenaIndex(t *testing.T) {
	prog := NewProgram()
	a := prog.AddFunction(&Function{Name: "f", Blocks: map[BlockID]*BasicBlock{Entry: {Terminator: &Return{}}}})
	ext := prog.DeclareExternal(&ExternalFunction{Name: "print", PerformsIO: true})
	b := prog.AddFunction(&Function{Name: "g", Blocks: map[BlockID]*BasicBlock{Entry: {Terminator: &Return{}}}})

	require.NotEqual(t, a, b)
	require.NotEqual(t, a, ext)
	require.Equal(t, "f", prog.FuncName(a))
	require.Equal(t, "print", prog.FuncName(ext))

	got, ok := prog.FuncByName("g")
	require.True(t, ok)
	require.Equal(t, b, got)
}

func TestPrimitiveTypeFollowsValueTag(t *testing.T) {
	cases := []struct {
		value ConstantValue
		want  TypeKind
		ok    bool
	}{
		{IntValue(3), TypeInt, true},
		{FloatValue(2.5), TypeFloat, true},
		{BoolValue(true), TypeBool, true},
		{StringValue("s"), TypeString, true},
		{ConstantValue{Kind: ConstChar, Rune: 'a'}, TypeUnknown, false},
		{ConstantValue{Kind: ConstUnit}, TypeUnknown, false},
	}
	for _, tc := range cases {
		got, ok := tc.value.PrimitiveType()
		require.Equal(t, tc.ok, ok, "value %v", tc.value)
		if ok {
			require.Equal(t, tc.want, got.Kind)
		}
	}
}

func TestBarePlaces(t *testing.T) {
	require.True(t, Place{Local: 3}.IsBare())
	require.False(t, Place{Local: 3, Projection: []Projection{Field{Index: 0}}}.IsBare())
	require.False(t, Place{Global: "g"}.IsBare())
	require.True(t, Place{Global: "g"}.IsGlobal())
}

func TestFunctionStringDump(t *testing.T) {
	b := NewBuilder()
	b.StartFunction("loop", nil, UnitType())
	i := b.NewLocal(IntType(), true)
	b.Push(&Assign{Place: Place{Local: i}, Rvalue: &Use{Operand: &Const{Constant: Constant{Type: IntType(), Value: IntValue(0)}}}})
	body := b.NewBlock()
	b.SetTerminator(&Goto{Target: body})
	b.SwitchTo(body)
	b.SetTerminator(&Return{})
	fn := b.FinishFunction()

	dump := fn.String()
	require.True(t, strings.Contains(dump, "fn loop()"))
	require.True(t, strings.Contains(dump, "bb0:"))
	require.True(t, strings.Contains(dump, "_0 = 0"))
	require.True(t, strings.Contains(dump, "goto bb1"))
}
