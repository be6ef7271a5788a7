// Package image defines the serialized form of compiled code units.
//
// Units travel as canonical CBOR so the same unit always produces the same
// bytes, which is what makes content addressing in the code store work.
// Heap references never appear on the wire: reference-valued literals are
// lowered to tagged encodings and rebuilt against a live machine at load
// time.
package image

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/jritten/rubinius/vm"
)

// cborEncMode uses canonical options for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Literal tags. Once assigned these never change; they are part of the
// wire format.
const (
	LitNil    byte = 0x0
	LitTrue   byte = 0x1
	LitFalse  byte = 0x2
	LitInt    byte = 0x3
	LitFloat  byte = 0x4
	LitString byte = 0x5
	LitModule byte = 0x6 // resolved by name against the loading machine
)

// Literal is one encoded literal-frame entry.
type Literal struct {
	Tag   byte    `cbor:"tag"`
	Int   int64   `cbor:"int,omitempty"`
	Float float64 `cbor:"float,omitempty"`
	Str   string  `cbor:"str,omitempty"`
}

// CodeUnit is the serialized form of a CompiledCode tree.
type CodeUnit struct {
	Name      string      `cbor:"name"`
	Words     []int64     `cbor:"words"`
	Literals  []Literal   `cbor:"literals"`
	Children  []*CodeUnit `cbor:"children,omitempty"`
	NumLocals int         `cbor:"locals"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode lowers a compiled code unit to its wire form. Reference-valued
// literals must be strings or modules; anything else has no stable
// identity across machines.
func Encode(m *vm.Machine, code *vm.CompiledCode) (*CodeUnit, error) {
	unit := &CodeUnit{
		Name:      code.Name,
		Words:     code.Words,
		NumLocals: code.NumLocals,
	}
	for i, lit := range code.Literals {
		enc, err := encodeLiteral(m, lit)
		if err != nil {
			return nil, fmt.Errorf("image: %s literal %d: %w", code.Name, i, err)
		}
		unit.Literals = append(unit.Literals, enc)
	}
	for _, child := range code.Children {
		encChild, err := Encode(m, child)
		if err != nil {
			return nil, err
		}
		unit.Children = append(unit.Children, encChild)
	}
	return unit, nil
}

func encodeLiteral(m *vm.Machine, v vm.Value) (Literal, error) {
	switch {
	case v == vm.Nil:
		return Literal{Tag: LitNil}, nil
	case v == vm.True:
		return Literal{Tag: LitTrue}, nil
	case v == vm.False:
		return Literal{Tag: LitFalse}, nil
	case v.IsSmallInt():
		return Literal{Tag: LitInt, Int: v.SmallInt()}, nil
	case v.IsReference():
		obj := m.Heap().Lookup(v.Address())
		if obj == nil {
			return Literal{}, fmt.Errorf("dangling reference %#x", v.Address())
		}
		switch obj.Kind {
		case vm.KindString:
			return Literal{Tag: LitString, Str: obj.Str}, nil
		case vm.KindModule:
			return Literal{Tag: LitModule, Str: obj.Str}, nil
		}
		return Literal{}, fmt.Errorf("unencodable literal kind %s", obj.Kind)
	case v.IsFloat():
		return Literal{Tag: LitFloat, Float: v.Float64()}, nil
	}
	return Literal{}, fmt.Errorf("unencodable value %#x", uint64(v))
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode rebuilds a compiled code unit against a live machine. String
// literals allocate fresh heap objects; module literals resolve by name
// through the machine's globals, allocating and rooting the module on
// first sight.
func Decode(m *vm.Machine, unit *CodeUnit) (*vm.CompiledCode, error) {
	literals := make([]vm.Value, 0, len(unit.Literals))
	for i, lit := range unit.Literals {
		v, err := decodeLiteral(m, lit)
		if err != nil {
			return nil, fmt.Errorf("image: %s literal %d: %w", unit.Name, i, err)
		}
		literals = append(literals, v)
	}

	code := vm.NewCompiledCode(unit.Name, unit.Words, literals, unit.NumLocals)
	for _, child := range unit.Children {
		decChild, err := Decode(m, child)
		if err != nil {
			return nil, err
		}
		code.Children = append(code.Children, decChild)
	}
	if err := code.Validate(); err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	return code, nil
}

func decodeLiteral(m *vm.Machine, lit Literal) (vm.Value, error) {
	switch lit.Tag {
	case LitNil:
		return vm.Nil, nil
	case LitTrue:
		return vm.True, nil
	case LitFalse:
		return vm.False, nil
	case LitInt:
		return vm.FromSmallInt(lit.Int), nil
	case LitFloat:
		return vm.FromFloat64(lit.Float), nil
	case LitString:
		return m.Heap().NewString(lit.Str).ToValue(), nil
	case LitModule:
		if existing := m.Global(lit.Str); existing.IsReference() {
			return existing, nil
		}
		mod := m.Heap().NewModule(lit.Str)
		m.DefineGlobal(lit.Str, mod.ToValue())
		return mod.ToValue(), nil
	}
	return vm.Nil, fmt.Errorf("unknown literal tag %#x", lit.Tag)
}

// ---------------------------------------------------------------------------
// Wire form
// ---------------------------------------------------------------------------

// Marshal serializes a CodeUnit to canonical CBOR bytes.
func Marshal(unit *CodeUnit) ([]byte, error) {
	return cborEncMode.Marshal(unit)
}

// Unmarshal deserializes a CodeUnit from CBOR bytes.
func Unmarshal(data []byte) (*CodeUnit, error) {
	var unit CodeUnit
	if err := cbor.Unmarshal(data, &unit); err != nil {
		return nil, fmt.Errorf("image: unmarshal code unit: %w", err)
	}
	return &unit, nil
}
