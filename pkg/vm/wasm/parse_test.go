package wasm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/wasmvm/internal/wasmtest"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

var header = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

func section(id byte, payload []byte) []byte {
	out := wasmtest.U32([]byte{id}, uint32(len(payload)))
	return append(out, payload...)
}

func TestParseEmptyModule(t *testing.T) {
	m, err := wasm.Parse(header)
	require.NoError(t, err)
	assert.Empty(t, m.Sections)
	assert.True(t, wasm.IsWasm(header))
	assert.False(t, wasm.IsWasm([]byte("\x00asm")))
}

func TestParseContract(t *testing.T) {
	code := wasmtest.NewContract(wasmtest.HostImport{Name: "abort", Type: wasmtest.Sig(1, 0)}).
		EntryPoint(wasm.EntryExecute, nil, wasmtest.LocalGet(2)).
		Custom("producers", []byte("x")).
		Build()

	m, err := wasm.Parse(code)
	require.NoError(t, err)
	assert.Equal(t, code, m.Raw())
	assert.Equal(t, 1, m.ImportedFunctionCount())
	assert.Equal(t, 0, m.ImportedGlobalCount())
	require.Len(t, m.Memories, 1)
	assert.Equal(t, uint32(2), m.Memories[0].Min)
	assert.Contains(t, m.ExportNames(), wasm.EntryExecute)
	assert.Len(t, m.Bodies, len(m.Functions))

	data, ok := m.Custom("producers")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), data)

	exp, ok := m.FindExport(wasm.ExportAllocate)
	require.True(t, ok)
	assert.Equal(t, wasm.ExternalFunction, exp.Kind)
}

func TestParseTableAndMemoryLimits(t *testing.T) {
	code := wasmtest.Concat(header,
		section(4, []byte{0x01, 0x70, 0x01, 0x00, 0x04}),
		section(5, []byte{0x01, 0x01, 0x01, 0x03}),
	)

	m, err := wasm.Parse(code)
	require.NoError(t, err)
	require.Len(t, m.Tables, 1)
	assert.Equal(t, wasm.ResizableLimits{Min: 0, Max: 4, HasMax: true}, m.Tables[0].Limits)
	require.Len(t, m.Memories, 1)
	assert.Equal(t, wasm.ResizableLimits{Min: 1, Max: 3, HasMax: true}, m.Memories[0])

	// the admission limits are a distinct type with their own defaults
	limits := wasm.DefaultLimits()
	assert.Positive(t, limits.MaxModuleSize)
	assert.Positive(t, limits.InitialMemoryLimitPages)
}

func TestParseMalformed(t *testing.T) {
	oneType := wasmtest.Concat([]byte{0x01, 0x60, 0x00, 0x00})
	oneFunc := []byte{0x01, 0x00}

	tests := []struct {
		name string
		code []byte
	}{
		{"short", []byte{0x00, 'a', 's'}},
		{"bad magic", []byte{0x00, 'w', 'a', 's', 0x01, 0, 0, 0}},
		{"bad version", []byte{0x00, 'a', 's', 'm', 0x02, 0, 0, 0}},
		{"section overrun", wasmtest.Concat(header, []byte{0x01, 0x10, 0x00})},
		{"unknown section", wasmtest.Concat(header, section(0x20, nil))},
		{"out of order", wasmtest.Concat(header, section(wasm.SectionFunction, []byte{0x00}), section(wasm.SectionType, []byte{0x00}))},
		{"duplicate section", wasmtest.Concat(header, section(wasm.SectionType, []byte{0x00}), section(wasm.SectionType, []byte{0x00}))},
		{"trailing bytes", wasmtest.Concat(header, section(wasm.SectionType, []byte{0x00, 0x00}))},
		{"leb overflow", wasmtest.Concat(header, section(wasm.SectionType, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F}))},
		{"function without body", wasmtest.Concat(header, section(wasm.SectionType, oneType), section(wasm.SectionFunction, oneFunc))},
		{"unknown type index", wasmtest.Concat(header, section(wasm.SectionType, oneType), section(wasm.SectionFunction, []byte{0x01, 0x05}))},
		{"body without end", wasmtest.Concat(header,
			section(wasm.SectionType, oneType),
			section(wasm.SectionFunction, oneFunc),
			section(wasm.SectionCode, []byte{0x01, 0x02, 0x00, wasm.OpNop}))},
		{"duplicate export", wasmtest.Concat(header,
			section(wasm.SectionType, oneType),
			section(wasm.SectionFunction, oneFunc),
			section(wasm.SectionExport, wasmtest.Concat([]byte{0x02}, wasmtest.Name(nil, "a"), []byte{0x00, 0x00}, wasmtest.Name(nil, "a"), []byte{0x00, 0x00})),
			section(wasm.SectionCode, []byte{0x01, 0x02, 0x00, wasm.OpEnd}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wasm.Parse(tt.code)
			assert.ErrorIs(t, err, wasm.ErrMalformed)
		})
	}
}

func TestParseTooLarge(t *testing.T) {
	_, err := wasm.Parse(make([]byte, wasm.MaxModuleSize+1))
	assert.ErrorIs(t, err, wasm.ErrTooLarge)
}

func TestInstructionsUnknownOpcode(t *testing.T) {
	b := wasmtest.New()
	b.Func(wasmtest.Sig(0, 0), nil, []byte{0xC5})
	m, err := wasm.Parse(b.Build())
	require.NoError(t, err)

	_, err = m.Bodies[0].Instructions()
	assert.ErrorIs(t, err, wasm.ErrUnknownOpcode)
}
