package wasm_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/wasmvm/internal/wasmtest"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

func unitCost(op byte) uint64 {
	switch op {
	case wasm.OpBlock, wasm.OpLoop, wasm.OpEnd:
		return 0
	}
	return 1
}

func TestInstrumentAddsMeteringGlobals(t *testing.T) {
	c := wasmtest.NewContract()
	c.EntryPoint(wasm.EntryQuery, nil, wasmtest.LocalGet(1))
	m, _, err := wasm.Validate(c.Build(), testConfig())
	require.NoError(t, err)

	out, err := wasm.Instrument(m, nil)
	require.NoError(t, err)

	im, err := wasm.Parse(out)
	require.NoError(t, err)

	require.Len(t, im.Globals, len(m.Globals)+2)
	gas := im.Globals[len(im.Globals)-2]
	flag := im.Globals[len(im.Globals)-1]
	assert.Equal(t, wasm.ValueTypeI64, gas.Type.ValType)
	assert.True(t, gas.Type.Mutable)
	assert.Equal(t, wasm.ValueTypeI32, flag.Type.ValType)
	assert.True(t, flag.Type.Mutable)

	exp, ok := im.FindExport(wasm.GasLeftExport)
	require.True(t, ok)
	assert.Equal(t, wasm.ExternalGlobal, exp.Kind)
	assert.Equal(t, uint32(len(im.Globals)-2), exp.Index)

	exp, ok = im.FindExport(wasm.GasExhaustedExport)
	require.True(t, ok)
	assert.Equal(t, uint32(len(im.Globals)-1), exp.Index)

	// Original exports and function indices are untouched.
	for _, e := range m.Exports {
		got, ok := im.FindExport(e.Name)
		require.True(t, ok, e.Name)
		assert.Equal(t, e, got)
	}
	assert.Equal(t, m.Functions, im.Functions)
}

func TestInstrumentModuleWithoutGlobals(t *testing.T) {
	b := wasmtest.New().Memory(1)
	b.Export(wasm.ExportMemory, wasm.ExternalMemory, 0)
	b.ExportFunc("f", b.Func(wasmtest.Sig(0, 1), nil, wasmtest.I32Const(7)))
	m, err := wasm.Parse(b.Build())
	require.NoError(t, err)
	require.Empty(t, m.Globals)

	out, err := wasm.Instrument(m, unitCost)
	require.NoError(t, err)
	im, err := wasm.Parse(out)
	require.NoError(t, err)
	assert.Len(t, im.Globals, 2)
}

func TestInstrumentChargesRunBeforeExecution(t *testing.T) {
	b := wasmtest.New().Memory(1)
	b.Export(wasm.ExportMemory, wasm.ExternalMemory, 0)
	b.Func(wasmtest.Sig(0, 0), nil, wasmtest.I32Const(1), wasmtest.Drop())
	m, err := wasm.Parse(b.Build())
	require.NoError(t, err)

	out, err := wasm.Instrument(m, unitCost)
	require.NoError(t, err)
	im, err := wasm.Parse(out)
	require.NoError(t, err)

	// i32.const and drop cost one each; the closing end is free.
	expr := im.Bodies[0].Expr()
	charge := wasmtest.Concat(wasmtest.GlobalGet(0), wasmtest.I64Const(2))
	assert.True(t, bytes.HasPrefix(expr, charge), "body %x", expr)
	assert.True(t, bytes.HasSuffix(expr, wasmtest.Concat(wasmtest.I32Const(1), wasmtest.Drop(), wasmtest.End())))
}

func TestInstrumentSkipsFreeRuns(t *testing.T) {
	b := wasmtest.New().Memory(1)
	b.Export(wasm.ExportMemory, wasm.ExternalMemory, 0)
	b.Func(wasmtest.Sig(0, 0), nil, wasmtest.Block(), wasmtest.End())
	m, err := wasm.Parse(b.Build())
	require.NoError(t, err)

	out, err := wasm.Instrument(m, unitCost)
	require.NoError(t, err)
	im, err := wasm.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, m.Bodies[0].Expr(), im.Bodies[0].Expr())
}

func TestInstrumentOverflow(t *testing.T) {
	b := wasmtest.New().Memory(1)
	b.Func(wasmtest.Sig(0, 0), nil, wasmtest.Nop(), wasmtest.Nop())
	m, err := wasm.Parse(b.Build())
	require.NoError(t, err)

	_, err = wasm.Instrument(m, func(byte) uint64 { return ^uint64(0) })
	assert.ErrorIs(t, err, wasm.ErrMalformed)
}

func TestDefaultCostClasses(t *testing.T) {
	tests := []struct {
		op   byte
		want uint64
	}{
		{wasm.OpBlock, wasm.CostStructural},
		{wasm.OpEnd, wasm.CostStructural},
		{wasm.OpI32Add, wasm.CostBase},
		{wasm.OpI64Mul, wasm.CostMul},
		{wasm.OpI32DivS, wasm.CostDiv},
		{wasm.OpI64RemU, wasm.CostDiv},
		{wasm.OpI32Load, wasm.CostLoad},
		{wasm.OpI64Store32, wasm.CostStore},
		{wasm.OpBrTable, wasm.CostBrTable},
		{wasm.OpCall, wasm.CostCall},
		{wasm.OpCallIndirect, wasm.CostCallIndirect},
		{wasm.OpMemoryGrow, wasm.CostMemoryGrow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wasm.DefaultCost(tt.op), "opcode 0x%02x", tt.op)
	}
}
