package wasm

import (
	"fmt"
)

// Names of the globals added by instrumentation.
const (
	GasLeftExport      = "__gas_left"
	GasExhaustedExport = "__gas_exhausted"
)

// Instrument rewrites a parsed module so that it meters its own execution.
//
// Two mutable globals are appended and exported: an i64 holding the gas
// left and an i32 flag. Every straight-line run of instructions is
// preceded by a check that subtracts the run's cost; if the counter is
// too low the flag is set, the counter zeroed and the code traps. Appending
// globals leaves every existing function, type and global index intact.
func Instrument(m *Module, cost CostFunc) ([]byte, error) {
	if cost == nil {
		cost = DefaultCost
	}

	gasIdx := uint32(m.ImportedGlobalCount() + len(m.Globals))
	flagIdx := gasIdx + 1

	code, err := instrumentCode(m, cost, gasIdx, flagIdx)
	if err != nil {
		return nil, err
	}
	globals := appendGlobals(m)
	exports := appendExports(m, gasIdx, flagIdx)

	replaced := map[byte][]byte{
		SectionGlobal: globals,
		SectionExport: exports,
		SectionCode:   code,
	}

	out := make([]byte, 0, len(m.raw)+len(m.raw)/4)
	out = append(out, wasmMagic...)
	out = append(out, wasmVersion...)

	written := make(map[byte]bool)
	for _, s := range m.Sections {
		if s.ID != SectionCustom {
			// Emit replacement sections that the input lacks, keeping order.
			for _, id := range []byte{SectionGlobal, SectionExport, SectionCode} {
				if !written[id] && !m.hasSection(id) && sectionRank(id) < sectionRank(s.ID) {
					out = appendSection(out, id, replaced[id])
					written[id] = true
				}
			}
		}
		if payload, ok := replaced[s.ID]; ok {
			out = appendSection(out, s.ID, payload)
			written[s.ID] = true
			continue
		}
		out = appendSection(out, s.ID, m.raw[s.Start:s.End])
	}
	for _, id := range []byte{SectionGlobal, SectionExport, SectionCode} {
		if !written[id] {
			out = appendSection(out, id, replaced[id])
		}
	}
	return out, nil
}

func (m *Module) hasSection(id byte) bool {
	for _, s := range m.Sections {
		if s.ID == id {
			return true
		}
	}
	return false
}

func appendSection(dst []byte, id byte, payload []byte) []byte {
	dst = append(dst, id)
	dst = appendU32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// appendGlobals re-encodes the global section with the two metering
// globals at the end.
func appendGlobals(m *Module) []byte {
	var out []byte
	out = appendU32(out, uint32(len(m.Globals)+2))
	for _, g := range m.Globals {
		out = append(out, byte(g.Type.ValType))
		if g.Type.Mutable {
			out = append(out, 0x01)
		} else {
			out = append(out, 0x00)
		}
		out = append(out, g.Init...)
	}
	// (global (mut i64) (i64.const 0))
	out = append(out, byte(ValueTypeI64), 0x01, OpI64Const, 0x00, OpEnd)
	// (global (mut i32) (i32.const 0))
	out = append(out, byte(ValueTypeI32), 0x01, OpI32Const, 0x00, OpEnd)
	return out
}

func appendExports(m *Module, gasIdx, flagIdx uint32) []byte {
	var out []byte
	out = appendU32(out, uint32(len(m.Exports)+2))
	for _, e := range m.Exports {
		out = appendName(out, e.Name)
		out = append(out, byte(e.Kind))
		out = appendU32(out, e.Index)
	}
	out = appendName(out, GasLeftExport)
	out = append(out, byte(ExternalGlobal))
	out = appendU32(out, gasIdx)
	out = appendName(out, GasExhaustedExport)
	out = append(out, byte(ExternalGlobal))
	out = appendU32(out, flagIdx)
	return out
}

func instrumentCode(m *Module, cost CostFunc, gasIdx, flagIdx uint32) ([]byte, error) {
	var out []byte
	out = appendU32(out, uint32(len(m.Bodies)))
	for i := range m.Bodies {
		body, err := instrumentBody(&m.Bodies[i], cost, gasIdx, flagIdx)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", i, err)
		}
		out = appendU32(out, uint32(len(body)))
		out = append(out, body...)
	}
	return out, nil
}

func instrumentBody(f *FunctionBody, cost CostFunc, gasIdx, flagIdx uint32) ([]byte, error) {
	instrs, err := f.Instructions()
	if err != nil {
		return nil, err
	}

	src := f.Body
	out := make([]byte, 0, len(src)*2)
	out = append(out, src[:f.ExprOffset]...)

	runStart := f.ExprOffset
	var runCost uint64
	for _, ins := range instrs {
		c := cost(ins.Opcode)
		if runCost+c < runCost {
			return nil, fmt.Errorf("%w: metered block cost overflows", ErrMalformed)
		}
		runCost += c
		if !endsMeteredBlock(ins.Opcode) {
			continue
		}
		out = appendCharge(out, runCost, gasIdx, flagIdx)
		out = append(out, src[runStart:ins.End]...)
		runStart = ins.End
		runCost = 0
	}
	if runStart != len(src) {
		return nil, fmt.Errorf("%w: trailing instructions after final end", ErrMalformed)
	}
	return out, nil
}

// appendCharge emits the metering check for a run costing amount:
//
//	global.get $gas
//	i64.const amount
//	i64.lt_u
//	if
//	  i32.const 1
//	  global.set $flag
//	  i64.const 0
//	  global.set $gas
//	  unreachable
//	end
//	global.get $gas
//	i64.const amount
//	i64.sub
//	global.set $gas
func appendCharge(dst []byte, amount uint64, gasIdx, flagIdx uint32) []byte {
	if amount == 0 {
		return dst
	}
	const i64LtU = 0x54

	dst = append(dst, OpGlobalGet)
	dst = appendU32(dst, gasIdx)
	dst = append(dst, OpI64Const)
	dst = appendS64(dst, int64(amount))
	dst = append(dst, i64LtU, OpIf, blockTypeEmpty)
	dst = append(dst, OpI32Const, 0x01, OpGlobalSet)
	dst = appendU32(dst, flagIdx)
	dst = append(dst, OpI64Const, 0x00, OpGlobalSet)
	dst = appendU32(dst, gasIdx)
	dst = append(dst, OpUnreachable, OpEnd)

	dst = append(dst, OpGlobalGet)
	dst = appendU32(dst, gasIdx)
	dst = append(dst, OpI64Const)
	dst = appendS64(dst, int64(amount))
	dst = append(dst, OpI64Sub, OpGlobalSet)
	dst = appendU32(dst, gasIdx)
	return dst
}
