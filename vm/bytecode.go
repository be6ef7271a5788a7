package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is one machine word of bytecode. The opcode word indexes the
// instruction table; inline arguments follow as whole words so the
// instruction pointer always lands on word boundaries.
type Opcode int64

// Stack operations
const (
	OpNoop Opcode = iota
	OpPop
	OpDup
)

// Push constants
const (
	OpPushNil Opcode = iota + 0x10
	OpPushTrue
	OpPushFalse
	OpPushSelf
	OpPushInt     // 1 arg: signed immediate
	OpPushLiteral // 1 arg: literal index
)

// Locals
const (
	OpPushLocal Opcode = iota + 0x20 // 1 arg: local index
	OpSetLocal                       // 1 arg: local index; value stays on stack
)

// Control flow
const (
	OpGoto        Opcode = iota + 0x30 // 1 arg: absolute target; back-edges checkpoint
	OpGotoIfFalse                      // 1 arg: absolute target; pops condition
	OpRet                              // return top of stack
)

// Lexical scope
const (
	OpAddScope  Opcode = iota + 0x40 // pop module, extend the lexical chain
	OpPushScope                      // push the frame's current lexical scope
)

// Non-local control
const (
	OpRaiseBreak Opcode = 0x50 // break out of a block to its home method
)

// Runtime helpers
const (
	OpObjectToS Opcode = 0x60 // 1 arg: literal index for the fallback string
)

// Blocks
const (
	OpCreateBlock  Opcode = iota + 0x70 // 1 arg: child code index
	OpInvokeBlock                       // 1 arg: argc; block under the args
	OpCreateLambda                      // 1 arg: child code index; break returns locally
)

// ---------------------------------------------------------------------------
// Instruction metadata
// ---------------------------------------------------------------------------

// InstructionData describes one instruction's static shape: its name, its
// width (opcode word plus inline argument words), and its net stack effect.
// The trampoline advances ip by Width on success.
type InstructionData struct {
	Name        string
	Width       int
	StackEffect int
}

var instructionData = map[Opcode]InstructionData{
	OpNoop:        {"noop", 1, 0},
	OpPop:         {"pop", 1, -1},
	OpDup:         {"dup", 1, 1},
	OpPushNil:     {"push_nil", 1, 1},
	OpPushTrue:    {"push_true", 1, 1},
	OpPushFalse:   {"push_false", 1, 1},
	OpPushSelf:    {"push_self", 1, 1},
	OpPushInt:     {"push_int", 2, 1},
	OpPushLiteral: {"push_literal", 2, 1},
	OpPushLocal:   {"push_local", 2, 1},
	OpSetLocal:    {"set_local", 2, 0},
	OpGoto:        {"goto", 2, 0},
	OpGotoIfFalse: {"goto_if_false", 2, -1},
	OpRet:         {"ret", 1, -1},
	OpAddScope:    {"add_scope", 1, -1},
	OpPushScope:   {"push_scope", 1, 1},
	OpRaiseBreak:  {"raise_break", 1, 0},
	OpObjectToS:   {"object_to_s", 2, 0},
	OpCreateBlock:  {"create_block", 2, 1},
	OpInvokeBlock:  {"invoke_block", 2, 0}, // -argc net, recorded as 0 (variable)
	OpCreateLambda: {"create_lambda", 2, 1},
}

// Data returns the instruction metadata for op.
// Panics on an unknown opcode; bytecode with unknown opcodes is malformed.
func (op Opcode) Data() InstructionData {
	d, ok := instructionData[op]
	if !ok {
		panic(fmt.Sprintf("Opcode.Data: unknown opcode %#x", int64(op)))
	}
	return d
}

// Width returns the instruction width in words.
func (op Opcode) Width() int { return op.Data().Width }

func (op Opcode) String() string {
	if d, ok := instructionData[op]; ok {
		return d.Name
	}
	return fmt.Sprintf("Opcode(%#x)", int64(op))
}

// ---------------------------------------------------------------------------
// CompiledCode
// ---------------------------------------------------------------------------

// CompiledCode is an executable code unit: a method body or a block body.
// Words is immutable after construction; frames index into it with ip.
type CompiledCode struct {
	Name     string
	Words    []int64 // opcode words and inline arguments
	Literals []Value
	Children []*CompiledCode // block bodies, indexed by create_block

	// NumLocals is the scope size: arguments first, then locals.
	NumLocals int

	// ExceptionIP is the unwind target for failed instructions. The
	// default, len(Words), terminates the frame with the pending condition
	// still set on thread state.
	ExceptionIP int
}

// NewCompiledCode creates a code unit with the default exception ip.
func NewCompiledCode(name string, words []int64, literals []Value, numLocals int) *CompiledCode {
	return &CompiledCode{
		Name:        name,
		Words:       words,
		Literals:    literals,
		NumLocals:   numLocals,
		ExceptionIP: len(words),
	}
}

// Validate checks that every opcode is known, every instruction ends on a
// word boundary within the unit, and every inline operand is in range:
// jump targets land on instruction boundaries (end-of-unit included),
// literal, local, and child indices index their tables, and argument
// counts are non-negative. Units from untrusted bytes run only after
// passing this.
func (c *CompiledCode) Validate() error {
	boundary := make(map[int]bool, len(c.Words))
	ip := 0
	for ip < len(c.Words) {
		boundary[ip] = true
		op := Opcode(c.Words[ip])
		d, ok := instructionData[op]
		if !ok {
			return fmt.Errorf("%s: unknown opcode %#x at %d", c.Name, c.Words[ip], ip)
		}
		if ip+d.Width > len(c.Words) {
			return fmt.Errorf("%s: truncated %s at %d", c.Name, d.Name, ip)
		}
		ip += d.Width
	}
	boundary[len(c.Words)] = true

	for ip = 0; ip < len(c.Words); {
		op := Opcode(c.Words[ip])
		d := instructionData[op]
		if d.Width > 1 {
			arg := c.Words[ip+1]
			switch op {
			case OpGoto, OpGotoIfFalse:
				if arg < 0 || arg > int64(len(c.Words)) || !boundary[int(arg)] {
					return fmt.Errorf("%s: %s target %d at %d is not an instruction boundary", c.Name, d.Name, arg, ip)
				}
			case OpPushLiteral, OpObjectToS:
				if arg < 0 || arg >= int64(len(c.Literals)) {
					return fmt.Errorf("%s: %s literal index %d at %d out of range", c.Name, d.Name, arg, ip)
				}
			case OpPushLocal, OpSetLocal:
				if arg < 0 || arg >= int64(c.NumLocals) {
					return fmt.Errorf("%s: %s local index %d at %d out of range", c.Name, d.Name, arg, ip)
				}
			case OpCreateBlock, OpCreateLambda:
				if arg < 0 || arg >= int64(len(c.Children)) {
					return fmt.Errorf("%s: %s child index %d at %d out of range", c.Name, d.Name, arg, ip)
				}
			case OpInvokeBlock:
				if arg < 0 {
					return fmt.Errorf("%s: %s argument count %d at %d is negative", c.Name, d.Name, arg, ip)
				}
			}
		}
		ip += d.Width
	}

	if c.ExceptionIP < 0 || c.ExceptionIP > len(c.Words) || !boundary[c.ExceptionIP] {
		return fmt.Errorf("%s: exception ip %d is not an instruction boundary", c.Name, c.ExceptionIP)
	}

	for _, child := range c.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}
