package vm

// ---------------------------------------------------------------------------
// Assembler: programmatic construction of code units
// ---------------------------------------------------------------------------

// Assembler builds CompiledCode units word by word. The compiler proper is
// an external collaborator; this is the embedder's and the tests' way of
// producing bytecode.
type Assembler struct {
	name     string
	words    []int64
	literals []Value
	children []*CompiledCode
	locals   int
}

// NewAssembler starts a code unit with the given name.
func NewAssembler(name string) *Assembler {
	return &Assembler{name: name}
}

// Locals sets the scope size (arguments first, then locals).
func (a *Assembler) Locals(n int) *Assembler {
	a.locals = n
	return a
}

// Op appends an instruction with its inline arguments.
// Panics if the argument count does not match the instruction width.
func (a *Assembler) Op(op Opcode, args ...int64) *Assembler {
	if len(args) != op.Width()-1 {
		panic("Assembler.Op: wrong argument count for " + op.String())
	}
	a.words = append(a.words, int64(op))
	a.words = append(a.words, args...)
	return a
}

// Literal interns v in the literal frame and returns its index.
func (a *Assembler) Literal(v Value) int64 {
	for i, lit := range a.literals {
		if lit == v {
			return int64(i)
		}
	}
	a.literals = append(a.literals, v)
	return int64(len(a.literals) - 1)
}

// PushLiteral appends a push_literal for v.
func (a *Assembler) PushLiteral(v Value) *Assembler {
	return a.Op(OpPushLiteral, a.Literal(v))
}

// Child attaches a block body and returns its index for create_block.
func (a *Assembler) Child(code *CompiledCode) int64 {
	a.children = append(a.children, code)
	return int64(len(a.children) - 1)
}

// IP returns the current write position, for jump targets.
func (a *Assembler) IP() int64 {
	return int64(len(a.words))
}

// Build finalizes the unit.
func (a *Assembler) Build() *CompiledCode {
	code := NewCompiledCode(a.name, a.words, a.literals, a.locals)
	code.Children = a.children
	return code
}
