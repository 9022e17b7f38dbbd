// Package wasm parses, validates and instruments WebAssembly contract
// modules.
//
// Modules are decoded directly from the binary format. The parser keeps the
// byte range of every section so that the instrumenter can re-encode a
// module while copying untouched sections verbatim. Type checking of
// function bodies is left to the engine that compiles the instrumented
// output; this package enforces the admission rules that are specific to
// contracts:
// - import and export whitelists
// - memory and table shape
// - deterministic instruction set (no floats, threads, SIMD)
// - structural limits that bound compile time
package wasm

import "bytes"

// Magic bytes and supported binary version.
var (
	wasmMagic   = []byte{0x00, 'a', 's', 'm'}
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}
)

// Section ids.
const (
	SectionCustom    = 0
	SectionType      = 1
	SectionImport    = 2
	SectionFunction  = 3
	SectionTable     = 4
	SectionMemory    = 5
	SectionGlobal    = 6
	SectionExport    = 7
	SectionStart     = 8
	SectionElement   = 9
	SectionCode      = 10
	SectionData      = 11
	SectionDataCount = 12
)

// ExternalKind identifies what an import or export refers to.
type ExternalKind byte

// External kinds.
const (
	ExternalFunction ExternalKind = 0x00
	ExternalTable    ExternalKind = 0x01
	ExternalMemory   ExternalKind = 0x02
	ExternalGlobal   ExternalKind = 0x03
)

func (k ExternalKind) String() string {
	switch k {
	case ExternalFunction:
		return "function"
	case ExternalTable:
		return "table"
	case ExternalMemory:
		return "memory"
	case ExternalGlobal:
		return "global"
	}
	return "unknown"
}

// Section is the location of one section payload inside the module bytes.
type Section struct {
	ID    byte
	Start int
	End   int
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValueType
	Results []ValueType
}

// ResizableLimits bound a memory or table.
type ResizableLimits struct {
	Min    uint32
	Max    uint32
	HasMax bool
	Shared bool
}

// TableType is the type of a table.
type TableType struct {
	ElemType ValueType
	Limits   ResizableLimits
}

// GlobalType is the type of a global.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Import is one entry of the import section.
type Import struct {
	Module    string
	Name      string
	Kind      ExternalKind
	TypeIndex uint32
	Table     TableType
	Memory    ResizableLimits
	Global    GlobalType
}

// Global is a module-defined global.
type Global struct {
	Type GlobalType
	Init []byte
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  ExternalKind
	Index uint32
}

// LocalEntry is a run of locals sharing a type.
type LocalEntry struct {
	Count uint32
	Type  ValueType
}

// FunctionBody is one entry of the code section.
type FunctionBody struct {
	Locals     []LocalEntry
	LocalCount uint64
	// Body is the complete entry: local declarations followed by the
	// instruction sequence starting at ExprOffset.
	Body       []byte
	ExprOffset int
}

// Expr returns the instruction bytes of the body.
func (f *FunctionBody) Expr() []byte {
	return f.Body[f.ExprOffset:]
}

// Instructions decodes the instruction sequence of the body.
func (f *FunctionBody) Instructions() ([]Instruction, error) {
	r := newReader(f.Body)
	r.pos = f.ExprOffset
	var out []Instruction
	for !r.eof() {
		ins, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

// CustomSection is a named custom section.
type CustomSection struct {
	Name string
	Data []byte
}

// Module is a decoded module.
type Module struct {
	Sections  []Section
	Types     []FuncType
	Imports   []Import
	Functions []uint32
	Tables    []TableType
	Memories  []ResizableLimits
	Globals   []Global
	Exports   []Export
	Start     *uint32
	Bodies    []FunctionBody
	Customs   []CustomSection

	raw []byte
}

// Raw returns the bytes the module was parsed from.
func (m *Module) Raw() []byte {
	return m.raw
}

// ImportedFunctionCount returns the number of imported functions.
func (m *Module) ImportedFunctionCount() int {
	return m.countImports(ExternalFunction)
}

// ImportedGlobalCount returns the number of imported globals.
func (m *Module) ImportedGlobalCount() int {
	return m.countImports(ExternalGlobal)
}

func (m *Module) countImports(kind ExternalKind) int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Kind == kind {
			n++
		}
	}
	return n
}

// ExportNames returns export names in declaration order.
func (m *Module) ExportNames() []string {
	names := make([]string, len(m.Exports))
	for i, e := range m.Exports {
		names[i] = e.Name
	}
	return names
}

// FindExport returns the export with the given name.
func (m *Module) FindExport(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// Custom returns the first custom section with the given name.
func (m *Module) Custom(name string) ([]byte, bool) {
	for _, c := range m.Customs {
		if c.Name == name {
			return c.Data, true
		}
	}
	return nil, false
}

// sectionPayload returns the payload of the first section with id.
func (m *Module) sectionPayload(id byte) ([]byte, bool) {
	for _, s := range m.Sections {
		if s.ID == id {
			return m.raw[s.Start:s.End], true
		}
	}
	return nil, false
}

// IsWasm reports whether b starts with the binary magic and version.
func IsWasm(b []byte) bool {
	return len(b) >= 8 && bytes.Equal(b[:4], wasmMagic) && bytes.Equal(b[4:8], wasmVersion)
}
