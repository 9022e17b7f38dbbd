package wasm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/wasmvm/internal/wasmtest"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

func testConfig() wasm.Config {
	return wasm.Config{
		Limits: wasm.DefaultLimits(),
		Imports: map[string]wasm.FuncType{
			"db_read":  wasmtest.Sig(1, 1),
			"db_write": wasmtest.Sig(2, 0),
		},
		InterfaceVersions: []uint32{8},
	}
}

func TestValidateRejectsRepeatedCapabilityMarker(t *testing.T) {
	code := wasmtest.NewContract().
		Requires("iterator", "iterator").
		EntryPoint(wasm.EntryQuery, nil, wasmtest.LocalGet(1)).
		Build()

	_, _, err := wasm.Validate(code, testConfig())
	assert.ErrorIs(t, err, wasm.ErrMalformed)
}

func TestValidateAcceptsMinimalContract(t *testing.T) {
	code := wasmtest.NewContract(wasmtest.HostImport{Name: "db_read", Type: wasmtest.Sig(1, 1)}).
		Requires("staking", "iterator", "cosmwasm_1_1").
		EntryPoint(wasm.EntryInstantiate, nil, wasmtest.LocalGet(2)).
		EntryPoint(wasm.EntryQuery, nil, wasmtest.LocalGet(1)).
		Custom(wasm.MigrateVersionSection, []byte("42")).
		Build()

	m, rep, err := wasm.Validate(code, testConfig())
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, []string{wasm.EntryInstantiate, wasm.EntryQuery}, rep.EntryPoints)
	assert.Equal(t, []string{"cosmwasm_1_1", "iterator", "staking"}, rep.RequiredCapabilities)
	assert.Equal(t, uint32(8), rep.InterfaceVersion)
	assert.False(t, rep.HasIBCEntryPoints)
	require.NotNil(t, rep.MigrateVersion)
	assert.Equal(t, uint64(42), *rep.MigrateVersion)
	assert.True(t, rep.HasEntryPoint(wasm.EntryQuery))
	assert.False(t, rep.HasEntryPoint(wasm.EntryExecute))
}

func TestValidateIBCEntryPoints(t *testing.T) {
	c := wasmtest.NewContract()
	for _, name := range wasm.IBCEntryPoints {
		c.EntryPoint(name, nil, wasmtest.LocalGet(1))
	}
	_, rep, err := wasm.Validate(c.Build(), testConfig())
	require.NoError(t, err)
	assert.True(t, rep.HasIBCEntryPoints)
}

func TestValidateRejects(t *testing.T) {
	f32 := wasm.FuncType{Params: []wasm.ValueType{wasm.ValueTypeF32}}

	tests := []struct {
		name string
		code func() []byte
		rule string
		err  error
	}{
		{
			name: "not wasm",
			code: func() []byte { return []byte("hello world") },
			rule: "format",
			err:  wasm.ErrMalformed,
		},
		{
			name: "no memory",
			code: func() []byte {
				b := wasmtest.New()
				b.ExportFunc(wasm.ExportAllocate, b.Func(wasmtest.Sig(1, 1), nil, wasmtest.LocalGet(0)))
				return b.Build()
			},
			rule: "memory",
			err:  wasm.ErrMemory,
		},
		{
			name: "memory maximum",
			code: func() []byte {
				b := wasmtest.New().MemoryWithMax(1, 10)
				b.Export(wasm.ExportMemory, wasm.ExternalMemory, 0)
				return b.Build()
			},
			rule: "memory",
			err:  wasm.ErrMemory,
		},
		{
			name: "initial memory too large",
			code: func() []byte {
				b := wasmtest.New().Memory(513)
				b.Export(wasm.ExportMemory, wasm.ExternalMemory, 0)
				return b.Build()
			},
			rule: "memory",
			err:  wasm.ErrMemory,
		},
		{
			name: "memory not exported",
			code: func() []byte { return wasmtest.New().Memory(1).Build() },
			rule: "memory",
			err:  wasm.ErrMemory,
		},
		{
			name: "table too large",
			code: func() []byte {
				b := wasmtest.New().Memory(1).Table(1, 2501)
				b.Export(wasm.ExportMemory, wasm.ExternalMemory, 0)
				return b.Build()
			},
			rule: "table",
			err:  wasm.ErrTable,
		},
		{
			name: "unknown import",
			code: func() []byte {
				return wasmtest.NewContract(wasmtest.HostImport{Name: "launch_missiles", Type: wasmtest.Sig(0, 0)}).Build()
			},
			rule: "imports",
			err:  wasm.ErrUnsupportedImport,
		},
		{
			name: "import signature mismatch",
			code: func() []byte {
				return wasmtest.NewContract(wasmtest.HostImport{Name: "db_read", Type: wasmtest.Sig(2, 1)}).Build()
			},
			rule: "imports",
			err:  wasm.ErrUnsupportedImport,
		},
		{
			name: "missing interface version",
			code: func() []byte { return wasmtest.NewContract().InterfaceVersion("").Build() },
			rule: "exports",
			err:  wasm.ErrInterfaceVersion,
		},
		{
			name: "unsupported interface version",
			code: func() []byte {
				return wasmtest.NewContract().InterfaceVersion(wasm.InterfaceVersionPrefix + "7").Build()
			},
			rule: "exports",
			err:  wasm.ErrInterfaceVersion,
		},
		{
			name: "two interface versions",
			code: func() []byte {
				c := wasmtest.NewContract()
				c.Func(wasm.InterfaceVersionPrefix+"9", wasmtest.Sig(0, 0), nil)
				return c.Build()
			},
			rule: "exports",
			err:  wasm.ErrInterfaceVersion,
		},
		{
			name: "reserved export",
			code: func() []byte {
				c := wasmtest.NewContract()
				c.Global(wasm.GasLeftExport, wasm.ValueTypeI64, wasmtest.I64Const(0))
				return c.Build()
			},
			rule: "exports",
			err:  wasm.ErrReservedExport,
		},
		{
			name: "wrong entry point arity",
			code: func() []byte {
				c := wasmtest.NewContract()
				c.Func(wasm.EntryExecute, wasmtest.Sig(2, 1), nil, wasmtest.LocalGet(1))
				return c.Build()
			},
			rule: "exports",
			err:  wasm.ErrMissingExport,
		},
		{
			name: "float parameter",
			code: func() []byte {
				c := wasmtest.NewContract()
				c.Func("", f32, nil)
				return c.Build()
			},
			rule: "types",
			err:  wasm.ErrFloat,
		},
		{
			name: "float global",
			code: func() []byte {
				c := wasmtest.NewContract()
				c.Global("", wasm.ValueTypeF64, wasmtest.Concat([]byte{0x44}, make([]byte, 8)))
				return c.Build()
			},
			rule: "globals",
			err:  wasm.ErrFloat,
		},
		{
			name: "too many results",
			code: func() []byte {
				c := wasmtest.NewContract()
				c.Func("", wasmtest.Sig(0, 2), nil, wasmtest.I32Const(1), wasmtest.I32Const(2))
				return c.Build()
			},
			rule: "limits",
			err:  wasm.ErrTooManyResults,
		},
		{
			name: "float opcode",
			code: func() []byte {
				c := wasmtest.NewContract()
				// f32.const 0; drop
				c.Func("", wasmtest.Sig(0, 0), nil, []byte{0x43, 0, 0, 0, 0}, wasmtest.Drop())
				return c.Build()
			},
			rule: "code",
			err:  wasm.ErrFloat,
		},
		{
			name: "bulk memory opcode",
			code: func() []byte {
				c := wasmtest.NewContract()
				// memory.fill
				c.Func("", wasmtest.Sig(0, 0), nil,
					wasmtest.I32Const(0), wasmtest.I32Const(0), wasmtest.I32Const(0), []byte{0xFC, 0x0B, 0x00})
				return c.Build()
			},
			rule: "code",
			err:  wasm.ErrBulkMemory,
		},
		{
			name: "simd opcode",
			code: func() []byte {
				c := wasmtest.NewContract()
				c.Func("", wasmtest.Sig(0, 0), nil, []byte{0xFD, 0x0C})
				return c.Build()
			},
			rule: "code",
			err:  wasm.ErrSIMD,
		},
		{
			name: "bad migrate version",
			code: func() []byte {
				return wasmtest.NewContract().Custom(wasm.MigrateVersionSection, []byte("v1")).Build()
			},
			rule: "custom",
			err:  wasm.ErrInvalidMigrateVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := wasm.Validate(tt.code(), testConfig())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)

			var verr *wasm.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.rule, verr.Rule)
		})
	}
}

func TestValidateModuleSizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxModuleSize = 16
	_, _, err := wasm.Validate(wasmtest.EchoContract(wasm.EntryQuery), cfg)
	assert.ErrorIs(t, err, wasm.ErrTooLarge)
}

func TestValidateFunctionBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxFunctionBodySize = 8

	c := wasmtest.NewContract()
	c.Func("", wasmtest.Sig(0, 0), nil, wasmtest.Nop(), wasmtest.Nop(), wasmtest.Nop(), wasmtest.Nop(),
		wasmtest.Nop(), wasmtest.Nop(), wasmtest.Nop(), wasmtest.Nop())
	_, _, err := wasm.Validate(c.Build(), cfg)
	assert.ErrorIs(t, err, wasm.ErrFunctionBodyTooLarge)
}
