package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/wasmvm/internal/types"
	"github.com/fortiblox/wasmvm/internal/wasmtest"
	"github.com/fortiblox/wasmvm/pkg/storage"
	"github.com/fortiblox/wasmvm/pkg/vm"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

type testServer struct {
	t   *testing.T
	srv *Server
	url string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	cfg := vm.DefaultConfig(t.TempDir())
	cfg.Cache.NoSync = true
	v, err := vm.New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close(ctx) })

	db, err := storage.Open(storage.Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	config := DefaultConfig()
	config.Version = "test"
	config.MaxGasLimit = 1 << 50
	s := New(config, v, db, nil)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return &testServer{t: t, srv: s, url: hs.URL}
}

func (ts *testServer) post(body string) *http.Response {
	ts.t.Helper()
	resp, err := http.Post(ts.url, "application/json", bytes.NewBufferString(body))
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// call performs one request and decodes the result into out.
func (ts *testServer) call(method string, params interface{}, out interface{}) *RPCError {
	ts.t.Helper()
	p, err := json.Marshal(params)
	require.NoError(ts.t, err)
	body, err := json.Marshal(Request{JSONRPC: JSONRPCVersion, ID: 1, Method: method, Params: p})
	require.NoError(ts.t, err)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	require.NoError(ts.t, json.NewDecoder(ts.post(string(body)).Body).Decode(&resp))
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		require.NoError(ts.t, json.Unmarshal(resp.Result, out))
	}
	return nil
}

func echoCode() []byte {
	return wasmtest.EchoContract(wasm.EntryInstantiate, wasm.EntryExecute, wasm.EntryQuery)
}

func TestStoreAndQuery(t *testing.T) {
	ts := newTestServer(t)
	code := echoCode()

	var stored StoreCodeResult
	require.Nil(t, ts.call("storeCode", []interface{}{base64.StdEncoding.EncodeToString(code)}, &stored))
	assert.Equal(t, types.ComputeChecksum(code), stored.Checksum)
	assert.True(t, stored.Report.HasEntryPoint(wasm.EntryQuery))

	var list []types.Checksum
	require.Nil(t, ts.call("listCodes", nil, &list))
	assert.Equal(t, []types.Checksum{stored.Checksum}, list)

	var res CallResult
	require.Nil(t, ts.call("query", []interface{}{stored.Checksum, json.RawMessage(`{"ok":{"n":1}}`)}, &res))
	assert.JSONEq(t, `{"n":1}`, string(res.Data))
	assert.Equal(t, ts.srv.config.DefaultGasLimit, res.GasReport.Limit)

	var encoded string
	require.Nil(t, ts.call("getCode", []interface{}{stored.Checksum, CodeConfig{Encoding: EncodingBase58}}, &encoded))
	decoded, err := DecodeData(encoded, EncodingBase58)
	require.NoError(t, err)
	assert.Equal(t, code, decoded)
}

func TestStoreCodeEncodings(t *testing.T) {
	ts := newTestServer(t)
	code := echoCode()
	checksum := types.ComputeChecksum(code)

	encoded, err := EncodeData(code, EncodingBase64Zstd)
	require.NoError(t, err)
	var stored StoreCodeResult
	require.Nil(t, ts.call("storeCode", []interface{}{encoded, StoreCodeConfig{Encoding: EncodingBase64Zstd, Checksum: &checksum}}, &stored))
	assert.Equal(t, checksum, stored.Checksum)

	wrong := types.ComputeChecksum([]byte("other"))
	rpcErr := ts.call("storeCode", []interface{}{encoded, StoreCodeConfig{Encoding: EncodingBase64Zstd, Checksum: &wrong}}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeRejected, rpcErr.Code)

	rpcErr = ts.call("storeCode", []interface{}{base64.StdEncoding.EncodeToString([]byte("junk"))}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeRejected, rpcErr.Code)
}

func TestCallErrors(t *testing.T) {
	ts := newTestServer(t)
	var stored StoreCodeResult
	require.Nil(t, ts.call("storeCode", []interface{}{base64.StdEncoding.EncodeToString(echoCode())}, &stored))

	rpcErr := ts.call("execute", []interface{}{stored.Checksum, json.RawMessage(`{"error":"denied"}`)}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, ContractFailed, rpcErr.Code)
	assert.Equal(t, "denied", rpcErr.Message)
	assert.NotNil(t, rpcErr.Data)

	rpcErr = ts.call("query", []interface{}{types.ComputeChecksum([]byte("missing")), json.RawMessage(`{}`)}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeNotFound, rpcErr.Code)

	rpcErr = ts.call("query", []interface{}{stored.Checksum, json.RawMessage(`{}`), CallConfig{GasLimit: 1 << 60}}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, InvalidParams, rpcErr.Code)

	rpcErr = ts.call("query", []interface{}{"zz"}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, InvalidParams, rpcErr.Code)
}

func TestCacheMethods(t *testing.T) {
	ts := newTestServer(t)
	var stored StoreCodeResult
	require.Nil(t, ts.call("storeCode", []interface{}{base64.StdEncoding.EncodeToString(echoCode())}, &stored))

	var ok bool
	require.Nil(t, ts.call("pinCode", []interface{}{stored.Checksum}, &ok))
	assert.True(t, ok)

	var stats map[string]interface{}
	require.Nil(t, ts.call("getCacheStats", nil, &stats))
	assert.EqualValues(t, 1, stats["pinned_count"])

	require.Nil(t, ts.call("unpinCode", []interface{}{stored.Checksum}, &ok))
	require.Nil(t, ts.call("removeCode", []interface{}{stored.Checksum}, &ok))

	rpcErr := ts.call("analyzeCode", []interface{}{stored.Checksum}, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeNotFound, rpcErr.Code)
}

func TestProtocolErrors(t *testing.T) {
	ts := newTestServer(t)

	var resp Response
	require.NoError(t, json.NewDecoder(ts.post(`{bad json`).Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ParseError, resp.Error.Code)

	resp = Response{}
	require.NoError(t, json.NewDecoder(ts.post(`{"jsonrpc":"1.0","id":1,"method":"getHealth"}`).Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)

	rpcErr := ts.call("noSuchMethod", nil, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, MethodNotFound, rpcErr.Code)

	httpResp, err := http.Get(ts.url)
	require.NoError(t, err)
	httpResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, httpResp.StatusCode)
}

func TestBatchRequest(t *testing.T) {
	ts := newTestServer(t)
	body := `[
		{"jsonrpc":"2.0","id":1,"method":"getHealth"},
		{"jsonrpc":"2.0","id":2,"method":"getVersion"},
		{"jsonrpc":"2.0","id":3,"method":"nope"}
	]`
	var responses []Response
	require.NoError(t, json.NewDecoder(ts.post(body).Body).Decode(&responses))
	require.Len(t, responses, 3)
	assert.Equal(t, "ok", responses[0].Result)
	assert.Equal(t, map[string]interface{}{"wasmvm-version": "test", "interface-version": float64(8)}, responses[1].Result)
	require.NotNil(t, responses[2].Error)
	assert.Equal(t, MethodNotFound, responses[2].Error.Code)
}

func TestEncodingRoundTrip(t *testing.T) {
	data := []byte("contract bytes")
	for _, enc := range []Encoding{EncodingBase58, EncodingBase64, EncodingBase64Zstd, ""} {
		encoded, err := EncodeData(data, enc)
		require.NoError(t, err, enc)
		decoded, err := DecodeData(encoded, enc)
		require.NoError(t, err, enc)
		assert.Equal(t, data, decoded, enc)
	}
	_, err := DecodeData("x", "hex")
	assert.Error(t, err)
}
