package mir

// Builder constructs functions block by block. It is the hand-off surface
// for the lowering stage and the test suites; the optimizer itself only
// consumes finished functions.
type Builder struct {
	fn      *Function
	current BlockID
	next    BlockID
}

// NewBuilder returns a builder with no function in progress.
func NewBuilder() *Builder { return &Builder{} }

// StartFunction begins a new function. Parameters are allocated as the
// first local slots, in order.
func (b *Builder) StartFunction(name string, params []Param, ret Type) {
	b.fn = &Function{
		Name:   name,
		Return: ret,
		Blocks: make(map[BlockID]*BasicBlock),
	}
	for i := range params {
		params[i].Local = LocalID(len(b.fn.Locals))
		b.fn.Locals = append(b.fn.Locals, LocalDecl{
			Name:    params[i].Name,
			Type:    params[i].Type,
			Mutable: false,
		})
	}
	b.fn.Params = params
	b.fn.Blocks[Entry] = &BasicBlock{}
	b.current = Entry
	b.next = Entry + 1
}

// NewLocal declares a local of the given type and returns its slot.
func (b *Builder) NewLocal(t Type, mutable bool) LocalID {
	id := LocalID(len(b.fn.Locals))
	b.fn.Locals = append(b.fn.Locals, LocalDecl{Type: t, Mutable: mutable})
	return id
}

// NewBlock allocates an empty block and returns its ID without switching
// to it.
func (b *Builder) NewBlock() BlockID {
	id := b.next
	b.next++
	b.fn.Blocks[id] = &BasicBlock{}
	return id
}

// SwitchTo makes the given block the insertion point.
func (b *Builder) SwitchTo(id BlockID) { b.current = id }

// Current returns the insertion-point block ID.
func (b *Builder) Current() BlockID { return b.current }

// Push appends a statement to the current block.
func (b *Builder) Push(s Statement) {
	blk := b.fn.Blocks[b.current]
	blk.Statements = append(blk.Statements, s)
}

// SetTerminator terminates the current block. A block already terminated
// keeps its first terminator; lowering emits dead code after breaks and
// returns and the first terminator wins.
func (b *Builder) SetTerminator(t Terminator) {
	blk := b.fn.Blocks[b.current]
	if blk.Terminator == nil {
		blk.Terminator = t
	}
}

// FinishFunction seals and returns the function under construction.
// Unterminated blocks become plain returns so the structural invariant
// holds even for bodies whose lowering fell off the end.
func (b *Builder) FinishFunction() *Function {
	fn := b.fn
	for _, blk := range fn.Blocks {
		if blk.Terminator == nil {
			blk.Terminator = &Return{}
		}
	}
	b.fn = nil
	return fn
}
