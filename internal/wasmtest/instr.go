package wasmtest

import "github.com/fortiblox/wasmvm/pkg/vm/wasm"

// Opcodes used by the helpers that the wasm package does not name.
const (
	opI32Store = 0x36
	opI32Eq    = 0x46
	opI32Ne    = 0x47
	opI32LeU   = 0x4D
	opI32Shl   = 0x74
	opI32ShrU  = 0x76
	opI64ShrU  = 0x88
	opI32Wrap  = 0xA7
	opI32Load  = 0x28
)

// U32 appends an unsigned LEB128 value.
func U32(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
			continue
		}
		return append(dst, b)
	}
}

// S64 appends a signed LEB128 value.
func S64(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// Name appends a length-prefixed string.
func Name(dst []byte, s string) []byte {
	dst = U32(dst, uint32(len(s)))
	return append(dst, s...)
}

// Concat joins instruction fragments.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Op emits bare opcodes.
func Op(ops ...byte) []byte {
	return ops
}

func withIndex(op byte, idx uint32) []byte {
	return U32([]byte{op}, idx)
}

// I32Const emits i32.const.
func I32Const(v int32) []byte {
	return S64([]byte{wasm.OpI32Const}, int64(v))
}

// I64Const emits i64.const.
func I64Const(v int64) []byte {
	return S64([]byte{wasm.OpI64Const}, v)
}

// LocalGet emits local.get.
func LocalGet(idx uint32) []byte { return withIndex(wasm.OpLocalGet, idx) }

// LocalSet emits local.set.
func LocalSet(idx uint32) []byte { return withIndex(wasm.OpLocalSet, idx) }

// GlobalGet emits global.get.
func GlobalGet(idx uint32) []byte { return withIndex(wasm.OpGlobalGet, idx) }

// GlobalSet emits global.set.
func GlobalSet(idx uint32) []byte { return withIndex(wasm.OpGlobalSet, idx) }

// Call emits call.
func Call(idx uint32) []byte { return withIndex(wasm.OpCall, idx) }

// Br emits br.
func Br(depth uint32) []byte { return withIndex(wasm.OpBr, depth) }

// BrIf emits br_if.
func BrIf(depth uint32) []byte { return withIndex(wasm.OpBrIf, depth) }

// Block opens a block without results.
func Block() []byte { return []byte{wasm.OpBlock, 0x40} }

// Loop opens a loop without results.
func Loop() []byte { return []byte{wasm.OpLoop, 0x40} }

// If opens an if without results.
func If() []byte { return []byte{wasm.OpIf, 0x40} }

// End closes a block.
func End() []byte { return []byte{wasm.OpEnd} }

// I32Load emits i32.load with the given offset.
func I32Load(offset uint32) []byte {
	return U32([]byte{opI32Load, 0x02}, offset)
}

// I32Store emits i32.store with the given offset.
func I32Store(offset uint32) []byte {
	return U32([]byte{opI32Store, 0x02}, offset)
}

// I32Add emits i32.add.
func I32Add() []byte { return []byte{wasm.OpI32Add} }

// I32Eq emits i32.eq.
func I32Eq() []byte { return []byte{opI32Eq} }

// I32Ne emits i32.ne.
func I32Ne() []byte { return []byte{opI32Ne} }

// I32WrapI64 emits i32.wrap_i64.
func I32WrapI64() []byte { return []byte{opI32Wrap} }

// I64ShrU emits i64.shr_u.
func I64ShrU() []byte { return []byte{opI64ShrU} }

// Drop emits drop.
func Drop() []byte { return []byte{wasm.OpDrop} }

// Unreachable emits unreachable.
func Unreachable() []byte { return []byte{wasm.OpUnreachable} }

// Nop emits nop.
func Nop() []byte { return []byte{wasm.OpNop} }

// Sig builds an all-i32 signature.
func Sig(params, results int) wasm.FuncType {
	t := wasm.FuncType{Params: []wasm.ValueType{}, Results: []wasm.ValueType{}}
	for i := 0; i < params; i++ {
		t.Params = append(t.Params, wasm.ValueTypeI32)
	}
	for i := 0; i < results; i++ {
		t.Results = append(t.Results, wasm.ValueTypeI32)
	}
	return t
}
