package wasmtest

import (
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

// HostImport names an env import and its signature.
type HostImport struct {
	Name string
	Type wasm.FuncType
}

// Contract builds a module that satisfies the contract ABI: one exported
// memory, a bump allocator behind allocate/deallocate and an interface
// version marker. Entry points are supplied as raw instruction bytes.
type Contract struct {
	b        *Builder
	imports  map[string]uint32
	heap     uint32
	allocate uint32
	version  string
}

// Heap layout of the canned allocator.
const (
	HeapStart = 1024
	pages     = 2
)

// NewContract declares the host imports and the allocator. Imports are
// numbered in the order given.
func NewContract(imports ...HostImport) *Contract {
	c := &Contract{
		b:       New(),
		imports: make(map[string]uint32, len(imports)),
		version: wasm.InterfaceVersionPrefix + "8",
	}
	for _, imp := range imports {
		c.imports[imp.Name] = c.b.Import(wasm.ImportModule, imp.Name, imp.Type)
	}
	c.b.Memory(pages)
	c.b.Export(wasm.ExportMemory, wasm.ExternalMemory, 0)
	c.heap = c.b.Global(wasm.ValueTypeI32, true, I32Const(HeapStart))

	const (
		size = 0
		ptr  = 1
		end  = 2
	)
	c.allocate = c.b.Func(Sig(1, 1), []wasm.LocalEntry{{Count: 2, Type: wasm.ValueTypeI32}},
		GlobalGet(c.heap), LocalSet(ptr),
		LocalGet(ptr), I32Const(12), I32Add(), LocalGet(size), I32Add(), LocalSet(end),
		Block(), Loop(),
		LocalGet(end), Op(wasm.OpMemorySize, 0x00), I32Const(16), Op(opI32Shl), Op(opI32LeU), BrIf(1),
		I32Const(1), Op(wasm.OpMemoryGrow, 0x00), I32Const(-1), I32Eq(), If(), Unreachable(), End(),
		Br(0),
		End(), End(),
		LocalGet(ptr), LocalGet(ptr), I32Const(12), I32Add(), I32Store(0),
		LocalGet(ptr), LocalGet(size), I32Store(4),
		LocalGet(ptr), I32Const(0), I32Store(8),
		LocalGet(end), GlobalSet(c.heap),
		LocalGet(ptr),
	)
	c.b.ExportFunc(wasm.ExportAllocate, c.allocate)
	c.b.ExportFunc(wasm.ExportDeallocate, c.b.Func(Sig(1, 0), nil))
	return c
}

// ImportIndex returns the function index of a declared import.
func (c *Contract) ImportIndex(name string) uint32 {
	idx, ok := c.imports[name]
	if !ok {
		panic("wasmtest: import not declared: " + name)
	}
	return idx
}

// AllocateIndex returns the function index of allocate.
func (c *Contract) AllocateIndex() uint32 {
	return c.allocate
}

// HeapGlobal returns the global index of the bump pointer.
func (c *Contract) HeapGlobal() uint32 {
	return c.heap
}

// InterfaceVersion overrides the interface version marker export name.
// An empty name omits the marker.
func (c *Contract) InterfaceVersion(name string) *Contract {
	c.version = name
	return c
}

// Requires adds a requires_<token> marker export.
func (c *Contract) Requires(tokens ...string) *Contract {
	for _, t := range tokens {
		c.b.ExportFunc(wasm.CapabilityExportPrefix+t, c.b.Func(Sig(0, 0), nil))
	}
	return c
}

// EntryPoint adds an exported entry point with the arity of name. The
// code must leave one i32 region pointer on the stack.
func (c *Contract) EntryPoint(name string, locals []wasm.LocalEntry, code ...[]byte) *Contract {
	arity, ok := wasm.EntryPointArity[name]
	if !ok {
		panic("wasmtest: unknown entry point " + name)
	}
	c.b.ExportFunc(name, c.b.Func(Sig(arity, 1), locals, code...))
	return c
}

// Func adds an exported helper function with an arbitrary signature.
func (c *Contract) Func(name string, t wasm.FuncType, locals []wasm.LocalEntry, code ...[]byte) uint32 {
	idx := c.b.Func(t, locals, code...)
	if name != "" {
		c.b.ExportFunc(name, idx)
	}
	return idx
}

// Global adds a global, optionally exported.
func (c *Contract) Global(name string, vt wasm.ValueType, init []byte) uint32 {
	idx := c.b.Global(vt, true, init)
	if name != "" {
		c.b.Export(name, wasm.ExternalGlobal, idx)
	}
	return idx
}

// Custom adds a custom section.
func (c *Contract) Custom(name string, data []byte) *Contract {
	c.b.Custom(name, data)
	return c
}

// Build encodes the contract.
func (c *Contract) Build() []byte {
	if c.version != "" {
		c.b.ExportFunc(c.version, c.b.Func(Sig(0, 0), nil))
	}
	return c.b.Build()
}

// EchoContract returns a contract whose entry points return their last
// argument unchanged.
func EchoContract(entryPoints ...string) []byte {
	c := NewContract()
	for _, name := range entryPoints {
		c.EntryPoint(name, nil, LocalGet(uint32(wasm.EntryPointArity[name]-1)))
	}
	return c.Build()
}
