package wasm

import "fmt"

// Control opcodes.
const (
	OpUnreachable  = 0x00
	OpNop          = 0x01
	OpBlock        = 0x02
	OpLoop         = 0x03
	OpIf           = 0x04
	OpElse         = 0x05
	OpEnd          = 0x0B
	OpBr           = 0x0C
	OpBrIf         = 0x0D
	OpBrTable      = 0x0E
	OpReturn       = 0x0F
	OpCall         = 0x10
	OpCallIndirect = 0x11
)

// Parametric and variable opcodes.
const (
	OpDrop      = 0x1A
	OpSelect    = 0x1B
	OpSelectT   = 0x1C
	OpLocalGet  = 0x20
	OpLocalSet  = 0x21
	OpLocalTee  = 0x22
	OpGlobalGet = 0x23
	OpGlobalSet = 0x24
	OpTableGet  = 0x25
	OpTableSet  = 0x26
)

// Memory and constant opcodes.
const (
	OpI32Load    = 0x28
	OpI64Store32 = 0x3E
	OpMemorySize = 0x3F
	OpMemoryGrow = 0x40
	OpI32Const   = 0x41
	OpI64Const   = 0x42
	OpF32Const   = 0x43
	OpF64Const   = 0x44
)

// Numeric opcodes referenced by the cost table.
const (
	OpI32Eqz  = 0x45
	OpI32Add  = 0x6A
	OpI32Sub  = 0x6B
	OpI32Mul  = 0x6C
	OpI32DivS = 0x6D
	OpI32RemU = 0x70
	OpI64Add  = 0x7C
	OpI64Sub  = 0x7D
	OpI64Mul  = 0x7E
	OpI64DivS = 0x7F
	OpI64RemU = 0x82
)

// Reference type and prefixed opcodes.
const (
	OpRefNull      = 0xD0
	OpRefIsNull    = 0xD1
	OpRefFunc      = 0xD2
	OpPrefixMisc   = 0xFC
	OpPrefixSIMD   = 0xFD
	OpPrefixThread = 0xFE
)

// Value types.
const (
	ValueTypeI32       ValueType = 0x7F
	ValueTypeI64       ValueType = 0x7E
	ValueTypeF32       ValueType = 0x7D
	ValueTypeF64       ValueType = 0x7C
	ValueTypeV128      ValueType = 0x7B
	ValueTypeFuncref   ValueType = 0x70
	ValueTypeExternref ValueType = 0x6F
)

// blockTypeEmpty is the block type of a block that produces no values.
const blockTypeEmpty = 0x40

// ValueType is a single-byte value type encoding.
type ValueType byte

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeV128:
		return "v128"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	}
	return fmt.Sprintf("valtype(0x%02x)", byte(v))
}

func (v ValueType) known() bool {
	switch v {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64, ValueTypeV128, ValueTypeFuncref, ValueTypeExternref:
		return true
	}
	return false
}

// immediate describes the operand encoding that follows an opcode.
type immediate uint8

const (
	immInvalid immediate = iota
	immNone
	immBlockType
	immIndex
	immBrTable
	immCallIndirect
	immMemArg
	immMemIndex
	immI32
	immI64
	immF32
	immF64
	immSelectT
	immPrefixed
)

var immediates [256]immediate

func init() {
	set := func(lo, hi int, imm immediate) {
		for op := lo; op <= hi; op++ {
			immediates[op] = imm
		}
	}
	set(OpUnreachable, OpNop, immNone)
	set(OpBlock, OpIf, immBlockType)
	set(OpElse, OpElse, immNone)
	set(OpEnd, OpEnd, immNone)
	set(OpBr, OpBrIf, immIndex)
	set(OpBrTable, OpBrTable, immBrTable)
	set(OpReturn, OpReturn, immNone)
	set(OpCall, OpCall, immIndex)
	set(OpCallIndirect, OpCallIndirect, immCallIndirect)
	set(OpDrop, OpSelect, immNone)
	set(OpSelectT, OpSelectT, immSelectT)
	set(OpLocalGet, OpTableSet, immIndex)
	set(OpI32Load, OpI64Store32, immMemArg)
	set(OpMemorySize, OpMemoryGrow, immMemIndex)
	set(OpI32Const, OpI32Const, immI32)
	set(OpI64Const, OpI64Const, immI64)
	set(OpF32Const, OpF32Const, immF32)
	set(OpF64Const, OpF64Const, immF64)
	set(OpI32Eqz, 0xC4, immNone)
	set(OpRefNull, OpRefNull, immIndex)
	set(OpRefIsNull, OpRefIsNull, immNone)
	set(OpRefFunc, OpRefFunc, immIndex)
	set(OpPrefixMisc, OpPrefixThread, immPrefixed)
}

// Instruction is one decoded instruction, addressed by byte range in its
// function body.
type Instruction struct {
	Opcode byte
	Start  int
	End    int
}

// decodeInstruction decodes the instruction at r's position.
func decodeInstruction(r *reader) (Instruction, error) {
	start := r.pos
	op, err := r.byte()
	if err != nil {
		return Instruction{}, err
	}

	switch immediates[op] {
	case immNone:
	case immBlockType:
		b, err := r.peek()
		if err != nil {
			return Instruction{}, err
		}
		if b == blockTypeEmpty || ValueType(b).known() {
			r.pos++
		} else if _, err := r.signed(33); err != nil {
			return Instruction{}, err
		}
	case immIndex, immMemIndex:
		if _, err := r.u32(); err != nil {
			return Instruction{}, err
		}
	case immBrTable:
		n, err := r.u32()
		if err != nil {
			return Instruction{}, err
		}
		if n > MaxBrTableSize || int(n) > r.len() {
			return Instruction{}, fmt.Errorf("%w: br_table with %d targets", ErrMalformed, n)
		}
		for i := uint32(0); i <= n; i++ {
			if _, err := r.u32(); err != nil {
				return Instruction{}, err
			}
		}
	case immCallIndirect, immMemArg:
		if _, err := r.u32(); err != nil {
			return Instruction{}, err
		}
		if _, err := r.u32(); err != nil {
			return Instruction{}, err
		}
	case immI32:
		if _, err := r.s32(); err != nil {
			return Instruction{}, err
		}
	case immI64:
		if _, err := r.s64(); err != nil {
			return Instruction{}, err
		}
	case immF32:
		if err := r.skip(4); err != nil {
			return Instruction{}, err
		}
	case immF64:
		if err := r.skip(8); err != nil {
			return Instruction{}, err
		}
	case immSelectT:
		n, err := r.u32()
		if err != nil {
			return Instruction{}, err
		}
		if err := r.skip(int(n)); err != nil {
			return Instruction{}, err
		}
	case immPrefixed:
		// The sub-opcode is decoded so the error can name it; operands of
		// prefixed instructions are never accepted.
		sub, err := r.u32()
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{}, fmt.Errorf("%w: prefixed opcode 0x%02x 0x%x", prefixError(op), op, sub)
	default:
		return Instruction{}, fmt.Errorf("%w: 0x%02x at offset %d", ErrUnknownOpcode, op, start)
	}

	return Instruction{Opcode: op, Start: start, End: r.pos}, nil
}

func prefixError(op byte) error {
	switch op {
	case OpPrefixSIMD:
		return ErrSIMD
	case OpPrefixThread:
		return ErrThreads
	}
	return ErrBulkMemory
}

// IsFloat reports whether op reads, writes or computes a floating point
// value.
func IsFloat(op byte) bool {
	switch {
	case op == 0x2A || op == 0x2B: // f32.load, f64.load
		return true
	case op == 0x38 || op == 0x39: // f32.store, f64.store
		return true
	case op == OpF32Const || op == OpF64Const:
		return true
	case op >= 0x5B && op <= 0x66: // comparisons
		return true
	case op >= 0x8B && op <= 0xA6: // arithmetic
		return true
	case op >= 0xA8 && op <= 0xAB: // i32.trunc_f*
		return true
	case op >= 0xAE && op <= 0xBF: // i64.trunc_f*, converts, reinterprets
		return true
	}
	return false
}

// IsReferenceType reports whether op belongs to the reference types
// proposal.
func IsReferenceType(op byte) bool {
	switch op {
	case OpSelectT, OpTableGet, OpTableSet, OpRefNull, OpRefIsNull, OpRefFunc:
		return true
	}
	return false
}

// endsMeteredBlock reports whether op terminates a straight-line run of
// instructions. The charge for a run is emitted before its first
// instruction.
func endsMeteredBlock(op byte) bool {
	switch op {
	case OpBlock, OpLoop, OpIf, OpElse, OpEnd,
		OpBr, OpBrIf, OpBrTable, OpReturn,
		OpCall, OpCallIndirect, OpUnreachable:
		return true
	}
	return false
}
