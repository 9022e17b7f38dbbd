// Package wasmtest assembles small WebAssembly modules for tests.
package wasmtest

import (
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

type importEntry struct {
	module, name string
	typeIdx      uint32
}

type funcEntry struct {
	typeIdx uint32
	locals  []wasm.LocalEntry
	code    []byte
}

type globalEntry struct {
	vt      wasm.ValueType
	mutable bool
	init    []byte
}

type exportEntry struct {
	name string
	kind wasm.ExternalKind
	idx  uint32
}

type memoryEntry struct {
	min, max uint32
	hasMax   bool
}

// Builder accumulates module contents. Imports must be added before any
// function so that function indices are stable.
type Builder struct {
	types   []wasm.FuncType
	imports []importEntry
	funcs   []funcEntry
	globals []globalEntry
	exports []exportEntry
	memory  *memoryEntry
	table   *memoryEntry
	customs []wasm.CustomSection
	raw     map[byte][]byte
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{raw: make(map[byte][]byte)}
}

func (b *Builder) typeIndex(t wasm.FuncType) uint32 {
	for i, existing := range b.types {
		if existing.Equal(t) {
			return uint32(i)
		}
	}
	b.types = append(b.types, t)
	return uint32(len(b.types) - 1)
}

// Import adds a function import and returns its function index.
func (b *Builder) Import(module, name string, t wasm.FuncType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	b.imports = append(b.imports, importEntry{module: module, name: name, typeIdx: b.typeIndex(t)})
	return uint32(len(b.imports) - 1)
}

// Func adds a function. The terminating end opcode is appended.
func (b *Builder) Func(t wasm.FuncType, locals []wasm.LocalEntry, code ...[]byte) uint32 {
	b.funcs = append(b.funcs, funcEntry{typeIdx: b.typeIndex(t), locals: locals, code: Concat(append(code, []byte{wasm.OpEnd})...)})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Global adds a global with a constant initializer and returns its index.
func (b *Builder) Global(vt wasm.ValueType, mutable bool, init []byte) uint32 {
	b.globals = append(b.globals, globalEntry{vt: vt, mutable: mutable, init: Concat(init, []byte{wasm.OpEnd})})
	return uint32(len(b.globals) - 1)
}

// Memory declares the single memory without a maximum.
func (b *Builder) Memory(minPages uint32) *Builder {
	b.memory = &memoryEntry{min: minPages}
	return b
}

// MemoryWithMax declares the single memory with a maximum.
func (b *Builder) MemoryWithMax(minPages, maxPages uint32) *Builder {
	b.memory = &memoryEntry{min: minPages, max: maxPages, hasMax: true}
	return b
}

// Table declares a funcref table.
func (b *Builder) Table(min, max uint32) *Builder {
	b.table = &memoryEntry{min: min, max: max, hasMax: true}
	return b
}

// Export exports an item.
func (b *Builder) Export(name string, kind wasm.ExternalKind, idx uint32) *Builder {
	b.exports = append(b.exports, exportEntry{name: name, kind: kind, idx: idx})
	return b
}

// ExportFunc exports a function.
func (b *Builder) ExportFunc(name string, idx uint32) *Builder {
	return b.Export(name, wasm.ExternalFunction, idx)
}

// Custom adds a custom section.
func (b *Builder) Custom(name string, data []byte) *Builder {
	b.customs = append(b.customs, wasm.CustomSection{Name: name, Data: data})
	return b
}

// RawSection replaces a section payload with arbitrary bytes.
func (b *Builder) RawSection(id byte, payload []byte) *Builder {
	b.raw[id] = payload
	return b
}

// Build encodes the module.
func (b *Builder) Build() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	section := func(id byte, payload []byte) {
		if raw, ok := b.raw[id]; ok {
			payload = raw
		}
		if payload == nil {
			return
		}
		out = append(out, id)
		out = U32(out, uint32(len(payload)))
		out = append(out, payload...)
	}

	if len(b.types) > 0 {
		var p []byte
		p = U32(p, uint32(len(b.types)))
		for _, t := range b.types {
			p = append(p, 0x60)
			p = U32(p, uint32(len(t.Params)))
			for _, vt := range t.Params {
				p = append(p, byte(vt))
			}
			p = U32(p, uint32(len(t.Results)))
			for _, vt := range t.Results {
				p = append(p, byte(vt))
			}
		}
		section(wasm.SectionType, p)
	}

	if len(b.imports) > 0 {
		var p []byte
		p = U32(p, uint32(len(b.imports)))
		for _, imp := range b.imports {
			p = Name(p, imp.module)
			p = Name(p, imp.name)
			p = append(p, byte(wasm.ExternalFunction))
			p = U32(p, imp.typeIdx)
		}
		section(wasm.SectionImport, p)
	}

	if len(b.funcs) > 0 {
		var p []byte
		p = U32(p, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			p = U32(p, f.typeIdx)
		}
		section(wasm.SectionFunction, p)
	}

	if b.table != nil {
		p := []byte{0x01, byte(wasm.ValueTypeFuncref), 0x01}
		p = U32(p, b.table.min)
		p = U32(p, b.table.max)
		section(wasm.SectionTable, p)
	}

	if b.memory != nil {
		p := []byte{0x01}
		if b.memory.hasMax {
			p = append(p, 0x01)
			p = U32(p, b.memory.min)
			p = U32(p, b.memory.max)
		} else {
			p = append(p, 0x00)
			p = U32(p, b.memory.min)
		}
		section(wasm.SectionMemory, p)
	}

	if len(b.globals) > 0 {
		var p []byte
		p = U32(p, uint32(len(b.globals)))
		for _, g := range b.globals {
			p = append(p, byte(g.vt))
			if g.mutable {
				p = append(p, 0x01)
			} else {
				p = append(p, 0x00)
			}
			p = append(p, g.init...)
		}
		section(wasm.SectionGlobal, p)
	}

	if len(b.exports) > 0 {
		var p []byte
		p = U32(p, uint32(len(b.exports)))
		for _, e := range b.exports {
			p = Name(p, e.name)
			p = append(p, byte(e.kind))
			p = U32(p, e.idx)
		}
		section(wasm.SectionExport, p)
	}

	if len(b.funcs) > 0 {
		var p []byte
		p = U32(p, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			var body []byte
			body = U32(body, uint32(len(f.locals)))
			for _, l := range f.locals {
				body = U32(body, l.Count)
				body = append(body, byte(l.Type))
			}
			body = append(body, f.code...)
			p = U32(p, uint32(len(body)))
			p = append(p, body...)
		}
		section(wasm.SectionCode, p)
	}

	for _, c := range b.customs {
		var p []byte
		p = Name(p, c.Name)
		p = append(p, c.Data...)
		section(wasm.SectionCustom, p)
	}
	return out
}
