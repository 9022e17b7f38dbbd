package imports_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/wasmvm/internal/wasmtest"
	"github.com/fortiblox/wasmvm/pkg/address"
	"github.com/fortiblox/wasmvm/pkg/storage"
	"github.com/fortiblox/wasmvm/pkg/vm/backend"
	"github.com/fortiblox/wasmvm/pkg/vm/crypto"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/gas"
	"github.com/fortiblox/wasmvm/pkg/vm/imports"
	"github.com/fortiblox/wasmvm/pkg/vm/region"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

const testGasLimit = uint64(1) << 50

type harness struct {
	t     *testing.T
	ctx   context.Context
	inst  engine.Instance
	env   *imports.Environment
	store *storage.Store
}

// newHarness instantiates a contract that exports call_<name> for every
// host function, forwarding its arguments unchanged.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	reg := imports.NewRegistry()

	var hostImports []wasmtest.HostImport
	for _, f := range reg.Functions() {
		hostImports = append(hostImports, wasmtest.HostImport{Name: f.Name, Type: f.Type()})
	}
	c := wasmtest.NewContract(hostImports...)
	for _, f := range reg.Functions() {
		var code [][]byte
		for i := range f.Params {
			code = append(code, wasmtest.LocalGet(uint32(i)))
		}
		code = append(code, wasmtest.Call(c.ImportIndex(f.Name)))
		c.Func("call_"+f.Name, f.Type(), nil, code...)
	}
	m, err := wasm.Parse(c.Build())
	require.NoError(t, err)
	code, err := wasm.Instrument(m, nil)
	require.NoError(t, err)

	e, err := engine.NewWazero(ctx, engine.DefaultConfig(), reg.Functions(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(ctx) })
	mod, err := e.Compile(ctx, code)
	require.NoError(t, err)
	inst, err := mod.Instantiate(ctx)
	require.NoError(t, err)
	require.NoError(t, inst.SetGlobal(wasm.GasLeftExport, testGasLimit))

	db, err := storage.Open(storage.Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := db.Namespace([]byte("contract"))
	require.NoError(t, err)

	meter, err := gas.NewMeter(testGasLimit)
	require.NoError(t, err)
	env := &imports.Environment{
		Store:  store,
		API:    address.Codec{},
		Gas:    meter,
		Costs:  gas.DefaultConfig(),
		Limits: imports.DefaultLimits(),
	}
	t.Cleanup(func() { _ = env.Close() })
	return &harness{
		t:     t,
		ctx:   imports.WithEnvironment(ctx, env),
		inst:  inst,
		env:   env,
		store: store,
	}
}

// alloc allocates an empty region of the given capacity.
func (h *harness) alloc(capacity uint32) uint32 {
	h.t.Helper()
	res, err := h.inst.Call(h.ctx, wasm.ExportAllocate, uint64(capacity))
	require.NoError(h.t, err)
	return uint32(res[0])
}

func (h *harness) write(data []byte) uint32 {
	h.t.Helper()
	ptr := h.alloc(uint32(len(data)))
	require.NoError(h.t, region.Write(h.inst.Memory(), ptr, data))
	return ptr
}

func (h *harness) read(ptr uint64) []byte {
	h.t.Helper()
	require.NotZero(h.t, ptr)
	data, err := region.Read(h.inst.Memory(), uint32(ptr), 1<<20)
	require.NoError(h.t, err)
	return data
}

func (h *harness) call(name string, args ...uint32) (uint64, error) {
	params := make([]uint64, len(args))
	for i, a := range args {
		params[i] = uint64(a)
	}
	res, err := h.inst.Call(h.ctx, "call_"+name, params...)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0], nil
}

func (h *harness) mustCall(name string, args ...uint32) uint64 {
	h.t.Helper()
	v, err := h.call(name, args...)
	require.NoError(h.t, err)
	return v
}

func TestSignatures(t *testing.T) {
	sigs := imports.NewRegistry().Signatures()
	assert.True(t, sigs["db_read"].Equal(wasmtest.Sig(1, 1)))
	assert.True(t, sigs["db_write"].Equal(wasmtest.Sig(2, 0)))
	assert.True(t, sigs["db_scan"].Equal(wasmtest.Sig(3, 1)))
	assert.True(t, sigs["secp256k1_recover_pubkey"].Equal(wasm.FuncType{
		Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI32},
		Results: []wasm.ValueType{wasm.ValueTypeI64},
	}))
	assert.Len(t, sigs, 23)
}

func TestStorageReadWriteRemove(t *testing.T) {
	h := newHarness(t)

	assert.Zero(t, h.mustCall("db_read", h.write([]byte("k"))))

	h.mustCall("db_write", h.write([]byte("k")), h.write([]byte("value")))
	ptr := h.mustCall("db_read", h.write([]byte("k")))
	assert.Equal(t, []byte("value"), h.read(ptr))

	// An empty value exists and is distinct from a missing key.
	h.mustCall("db_write", h.write([]byte("empty")), h.write(nil))
	ptr = h.mustCall("db_read", h.write([]byte("empty")))
	assert.Empty(t, h.read(ptr))

	h.mustCall("db_remove", h.write([]byte("k")))
	assert.Zero(t, h.mustCall("db_read", h.write([]byte("k"))))

	assert.Greater(t, h.env.Gas.Used(), uint64(0))
}

func TestStorageReadOnly(t *testing.T) {
	h := newHarness(t)
	h.env.ReadOnly = true

	_, err := h.call("db_write", h.write([]byte("k")), h.write([]byte("v")))
	var he *engine.HostError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "db_write", he.Func)
	assert.ErrorIs(t, err, imports.ErrWriteAccessDenied)

	_, err = h.call("db_remove", h.write([]byte("k")))
	assert.ErrorIs(t, err, imports.ErrWriteAccessDenied)
}

func TestStorageKeyTooLong(t *testing.T) {
	h := newHarness(t)
	h.env.Limits.MaxKeyLength = 4
	_, err := h.call("db_read", h.write([]byte("too long")))
	assert.ErrorIs(t, err, region.ErrTooLong)
}

func TestScanAndNext(t *testing.T) {
	h := newHarness(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, h.store.Set([]byte(k), []byte("v"+k)))
	}

	id := h.mustCall("db_scan", h.write([]byte("b")), 0, uint32(backend.Ascending))
	assert.Equal(t, uint64(1), id)

	for _, k := range []string{"b", "c", "d"} {
		got := h.read(h.mustCall("db_next", uint32(id)))
		assert.Equal(t, imports.EncodeRecord(backend.Record{Key: []byte(k), Value: []byte("v" + k)}), got)
	}
	// Exhausted: empty key and value.
	assert.Equal(t, make([]byte, 8), h.read(h.mustCall("db_next", uint32(id))))

	id = h.mustCall("db_scan", h.write([]byte("a")), h.write([]byte("c")), uint32(backend.Descending))
	assert.Equal(t, uint64(2), id)
	assert.Equal(t, []byte("b"), h.read(h.mustCall("db_next_key", uint32(id))))
	assert.Equal(t, []byte("va"), h.read(h.mustCall("db_next_value", uint32(id))))
	assert.Zero(t, h.mustCall("db_next_key", uint32(id)))
	assert.Zero(t, h.mustCall("db_next_value", uint32(id)))

	_, err := h.call("db_scan", 0, 0, 3)
	assert.ErrorIs(t, err, imports.ErrInvalidOrder)

	_, err = h.call("db_next", 42)
	assert.ErrorIs(t, err, imports.ErrIteratorNotFound)
}

func TestTooManyIterators(t *testing.T) {
	h := newHarness(t)
	h.env.Limits.MaxIterators = 1
	h.mustCall("db_scan", 0, 0, uint32(backend.Ascending))
	_, err := h.call("db_scan", 0, 0, uint32(backend.Ascending))
	assert.ErrorIs(t, err, imports.ErrTooManyIterators)
}

func TestAddressFunctions(t *testing.T) {
	h := newHarness(t)
	canonical := []byte("0123456789abcdefghij")
	human, err := address.Codec{}.Humanize(canonical)
	require.NoError(t, err)

	assert.Zero(t, h.mustCall("addr_validate", h.write([]byte(human))))

	dest := h.alloc(64)
	assert.Zero(t, h.mustCall("addr_canonicalize", h.write([]byte(human)), dest))
	assert.Equal(t, canonical, h.read(uint64(dest)))

	dest = h.alloc(256)
	assert.Zero(t, h.mustCall("addr_humanize", h.write(canonical), dest))
	assert.Equal(t, human, string(h.read(uint64(dest))))

	msg := h.read(h.mustCall("addr_validate", h.write(nil)))
	assert.Equal(t, "Input is empty", string(msg))

	msg = h.read(h.mustCall("addr_validate", h.write([]byte{0xff, 0xfe})))
	assert.Equal(t, "Input is not valid UTF-8", string(msg))

	msg = h.read(h.mustCall("addr_canonicalize", h.write([]byte("not-base58-0OIl")), h.alloc(64)))
	assert.Contains(t, string(msg), "invalid address")

	// Destination too small is fatal.
	_, err = h.call("addr_canonicalize", h.write([]byte(human)), h.alloc(4))
	assert.ErrorIs(t, err, region.ErrInsufficientCapacity)
}

func TestCryptoFunctions(t *testing.T) {
	h := newHarness(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	msg := []byte("hello")
	sig := ed25519.Sign(priv, msg)

	assert.Equal(t, uint64(crypto.CodeOK), h.mustCall("ed25519_verify", h.write(msg), h.write(sig), h.write(pub)))
	assert.Equal(t, uint64(crypto.CodeInvalid), h.mustCall("ed25519_verify", h.write([]byte("other")), h.write(sig), h.write(pub)))
	assert.Equal(t, uint64(crypto.CodeInvalidSignatureFormat), h.mustCall("ed25519_verify", h.write(msg), h.write(sig[:10]), h.write(pub)))

	msgs := imports.EncodeSections([][]byte{msg, msg})
	sigs := imports.EncodeSections([][]byte{sig, sig})
	keys := imports.EncodeSections([][]byte{pub})
	assert.Equal(t, uint64(crypto.CodeOK), h.mustCall("ed25519_batch_verify", h.write(msgs), h.write(sigs), h.write(keys)))
	assert.Equal(t, uint64(crypto.CodeBatchMismatch),
		h.mustCall("ed25519_batch_verify", h.write(imports.EncodeSections([][]byte{msg, msg, msg})), h.write(sigs), h.write(keys)))

	hash := make([]byte, 32)
	sig64 := make([]byte, 64)
	sig64[31], sig64[63] = 1, 1
	res := h.mustCall("secp256k1_recover_pubkey", h.write(hash), h.write(sig64), 7)
	assert.Equal(t, uint64(crypto.CodeInvalidRecoveryParam), res>>32)
	assert.Zero(t, uint32(res))

	assert.Equal(t, uint64(crypto.CodeInvalidHashFormat), h.mustCall("secp256k1_verify", h.write(hash[:5]), h.write(sig64), h.write(make([]byte, 33))))
	assert.Equal(t, uint64(crypto.CodeInvalidPubkeyFormat), h.mustCall("secp256r1_verify", h.write(hash), h.write(sig64), h.write(make([]byte, 10))))

	// Oversized inputs are fatal, not codes.
	_, err = h.call("secp256k1_verify", h.write(make([]byte, 33)), h.write(sig64), h.write(make([]byte, 33)))
	assert.ErrorIs(t, err, region.ErrTooLong)
}

func TestMessageCostsScaleWithLength(t *testing.T) {
	h := newHarness(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig := make([]byte, 64)
	dst := []byte("QUUX-V01-CS02-with-BLS12381G1_XMD:SHA-256_SSWU_RO_")
	short, long := make([]byte, 10), make([]byte, 10_010)
	costs := gas.DefaultConfig()
	sigPtr, pubPtr, dstPtr := h.write(sig), h.write(pub), h.write(dst)
	g1, g2 := h.alloc(crypto.BLS12381G1Length), h.alloc(crypto.BLS12381G2Length)

	used := func(call func(msg uint32)) func(msg []byte) uint64 {
		return func(msg []byte) uint64 {
			ptr := h.write(msg)
			before, err := h.inst.Global(wasm.GasLeftExport)
			require.NoError(t, err)
			call(ptr)
			after, err := h.inst.Global(wasm.GasLeftExport)
			require.NoError(t, err)
			return before - after
		}
	}

	tests := []struct {
		name    string
		perByte uint64
		cost    func(msg []byte) uint64
	}{
		{"ed25519_verify", costs.Ed25519Verify.PerItem, used(func(msg uint32) {
			h.mustCall("ed25519_verify", msg, sigPtr, pubPtr)
		})},
		{"bls12_381_hash_to_g1", costs.BLS12381HashToG1.PerItem, used(func(msg uint32) {
			h.mustCall("bls12_381_hash_to_g1", uint32(crypto.HashSHA256), msg, dstPtr, g1)
		})},
		{"bls12_381_hash_to_g2", costs.BLS12381HashToG2.PerItem, used(func(msg uint32) {
			h.mustCall("bls12_381_hash_to_g2", uint32(crypto.HashSHA256), msg, dstPtr, g2)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotZero(t, tt.perByte)
			assert.Equal(t, tt.perByte*uint64(len(long)-len(short)), tt.cost(long)-tt.cost(short))
		})
	}
}

func TestBLSFunctions(t *testing.T) {
	h := newHarness(t)
	dst := []byte("QUUX-V01-CS02-with-BLS12381G1_XMD:SHA-256_SSWU_RO_")

	out := h.alloc(crypto.BLS12381G1Length)
	assert.Equal(t, uint64(crypto.CodeOK), h.mustCall("bls12_381_hash_to_g1", uint32(crypto.HashSHA256), h.write([]byte("abc")), h.write(dst), out))
	point := h.read(uint64(out))
	want, err := crypto.BLS12381HashToG1(crypto.HashSHA256, []byte("abc"), dst)
	require.NoError(t, err)
	assert.Equal(t, want, point)

	assert.Equal(t, uint64(crypto.CodeUnknownHashFunction), h.mustCall("bls12_381_hash_to_g1", 9, h.write([]byte("abc")), h.write(dst), h.alloc(crypto.BLS12381G1Length)))

	sum := h.alloc(crypto.BLS12381G1Length)
	assert.Equal(t, uint64(crypto.CodeOK), h.mustCall("bls12_381_aggregate_g1", h.write(point), sum))
	assert.Equal(t, point, h.read(uint64(sum)))

	assert.Equal(t, uint64(crypto.CodeInvalidPoint), h.mustCall("bls12_381_aggregate_g1", h.write(point[:20]), h.alloc(crypto.BLS12381G1Length)))
}

func TestQueryChain(t *testing.T) {
	h := newHarness(t)
	var gotLimit uint64
	h.env.Querier = backend.QuerierFunc(func(_ context.Context, req []byte, gasLimit uint64) ([]byte, uint64, error) {
		gotLimit = gasLimit
		switch string(req) {
		case "ok":
			return []byte("response"), 1000, nil
		case "fail":
			return nil, 10, fmt.Errorf("%w: no such contract", backend.ErrQuery)
		}
		return nil, 0, errors.New("querier broken")
	})

	var res imports.QueryResult
	require.NoError(t, json.Unmarshal(h.read(h.mustCall("query_chain", h.write([]byte("ok")))), &res))
	assert.Equal(t, []byte("response"), res.Ok)
	assert.Empty(t, res.Error)
	assert.NotZero(t, gotLimit)
	assert.LessOrEqual(t, gotLimit, testGasLimit)

	res = imports.QueryResult{}
	require.NoError(t, json.Unmarshal(h.read(h.mustCall("query_chain", h.write([]byte("fail")))), &res))
	assert.Contains(t, res.Error, "no such contract")

	assert.Equal(t, uint64(1010), h.env.Gas.Report().UsedExternally)

	_, err := h.call("query_chain", h.write([]byte("boom")))
	assert.ErrorContains(t, err, "querier broken")
}

func TestQueryChainWithoutQuerier(t *testing.T) {
	h := newHarness(t)
	_, err := h.call("query_chain", h.write([]byte("x")))
	assert.ErrorIs(t, err, imports.ErrNoQuerier)
}

func TestDebugAndAbort(t *testing.T) {
	h := newHarness(t)
	var got []string
	h.env.Debug = func(msg string, _ uint64) { got = append(got, msg) }

	h.mustCall("debug", h.write([]byte("hello")))
	assert.Equal(t, []string{"hello"}, got)

	_, err := h.call("abort", h.write([]byte("panicked at lib.rs:1")))
	assert.ErrorIs(t, err, imports.ErrAborted)
	var abort *imports.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, "panicked at lib.rs:1", abort.Message)
}

func TestHostCallExhaustsGas(t *testing.T) {
	h := newHarness(t)
	key := h.write([]byte("k"))
	require.NoError(t, h.inst.SetGlobal(wasm.GasLeftExport, 2_000))

	_, err := h.call("db_read", key)
	require.Error(t, err)

	flag, err := h.inst.Global(wasm.GasExhaustedExport)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), flag)
	left, err := h.inst.Global(wasm.GasLeftExport)
	require.NoError(t, err)
	assert.Zero(t, left)
	assert.True(t, h.env.Gas.IsExhausted())
}

func TestAllocateAtCallDepthCeiling(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Set([]byte("k"), []byte("v")))

	// A contract running at the ceiling still receives host results.
	ctx, err := backend.EnterCall(h.ctx, 1)
	require.NoError(t, err)
	_, err = backend.EnterCall(ctx, 1)
	require.ErrorIs(t, err, backend.ErrCallDepthExceeded)

	ptr, err := h.env.WriteRegion(ctx, h.inst, []byte("value"))
	require.NoError(t, err)
	got, err := region.Read(h.inst.Memory(), ptr, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	res, err := h.inst.Call(ctx, "call_db_read", uint64(h.write([]byte("k"))))
	require.NoError(t, err)
	got, err = region.Read(h.inst.Memory(), uint32(res[0]), 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestNoEnvironment(t *testing.T) {
	h := newHarness(t)
	key := h.write([]byte("k"))
	_, err := h.inst.Call(context.Background(), "call_db_read", uint64(key))
	assert.ErrorIs(t, err, imports.ErrNoEnvironment)
}

func TestSections(t *testing.T) {
	in := [][]byte{[]byte("one"), {}, []byte("three")}
	out, err := imports.DecodeSections(imports.EncodeSections(in), 10)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = imports.DecodeSections(nil, 10)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = imports.DecodeSections([]byte{1, 2}, 10)
	assert.ErrorIs(t, err, imports.ErrInvalidSections)

	_, err = imports.DecodeSections([]byte{0, 0, 0, 9}, 10)
	assert.ErrorIs(t, err, imports.ErrInvalidSections)

	_, err = imports.DecodeSections(imports.EncodeSections(in), 2)
	assert.ErrorIs(t, err, imports.ErrTooManyItems)
}
