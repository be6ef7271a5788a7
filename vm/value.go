package vm

import "math"

// Value represents a runtime value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN space using the quiet NaN prefix and tag bits to
// distinguish types.
//
// Encoding scheme:
//   - Float: native IEEE 754 double (if not a tagged NaN, it's a float)
//   - SmallInt: quiet NaN + tagInt + 48-bit signed payload
//   - Reference: quiet NaN + tagReference + 48-bit heap address
//   - Special: quiet NaN + tagSpecial + special value ID (nil/true/false)
//
// Only references participate in garbage collection; everything else is an
// immediate and is ignored by the marker.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for address/int/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagReference uint64 = 0x0001000000000000 // heap address
	tagInt       uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial   uint64 = 0x0003000000000000 // nil, true, false

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000
)

// Special value payloads
const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// SmallInt range (48-bit signed)
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsReference reports whether v is a heap reference. This is the reference
// predicate the collector uses: immediates never reach the marker.
func (v Value) IsReference() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagReference)
}

// IsSmallInt reports whether v is a small integer.
func (v Value) IsSmallInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsSpecial reports whether v is nil, true, or false.
func (v Value) IsSpecial() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSpecial)
}

// IsNil reports whether v is the nil value.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsFloat reports whether v represents a float64. A value is a float when
// it is not one of our tagged NaNs: regular numbers, infinities, and
// untagged quiet NaNs all qualify.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}
	mantissa := bits & 0x000FFFFFFFFFFFFF
	if mantissa == 0 {
		// +Inf or -Inf
		return true
	}
	if (bits & nanBits) != nanBits {
		// Signaling NaN, treat as float
		return true
	}
	return bits&tagMask == 0
}

// IsTruthy reports whether v is considered true in conditionals. Only false
// and nil are falsy.
func (v Value) IsTruthy() bool {
	return v != False && v != Nil
}

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	payload := uint64(v) & payloadMask

	// Sign extend from 48 bits to 64 bits
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// ---------------------------------------------------------------------------
// Float operations
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// Reference operations
// ---------------------------------------------------------------------------

// Address returns the heap address encoded in v.
// Panics if v is not a reference.
func (v Value) Address() uint64 {
	if !v.IsReference() {
		panic("Value.Address: not a reference")
	}
	return uint64(v) & payloadMask
}

// FromAddress creates a reference Value from a heap address.
// The address must fit in 48 bits.
func FromAddress(addr uint64) Value {
	if addr&^payloadMask != 0 {
		panic("FromAddress: address out of range")
	}
	return Value(nanBits | tagReference | addr)
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}
