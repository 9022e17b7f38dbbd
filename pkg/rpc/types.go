// Package rpc provides JSON-RPC 2.0 types for the contract VM API.
package rpc

import (
	"encoding/json"

	"github.com/fortiblox/wasmvm/internal/types"
	"github.com/fortiblox/wasmvm/pkg/vm/gas"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding types for binary payloads.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// StoreCodeConfig is the optional config of storeCode.
type StoreCodeConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
	// Checksum, if set, must match the uploaded code.
	Checksum *types.Checksum `json:"checksum,omitempty"`
}

// StoreCodeResult is returned by storeCode.
type StoreCodeResult struct {
	Checksum types.Checksum `json:"checksum"`
	Report   *wasm.Report   `json:"report"`
}

// CodeConfig is the optional config of getCode.
type CodeConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// CallConfig is the optional config of query, execute and instantiate.
type CallConfig struct {
	GasLimit uint64          `json:"gasLimit,omitempty"`
	Env      json.RawMessage `json:"env,omitempty"`
	Info     json.RawMessage `json:"info,omitempty"`
}

// CallResult is returned by query, execute and instantiate.
type CallResult struct {
	Data      json.RawMessage `json:"data"`
	GasReport gas.Report      `json:"gasReport"`
}

// VersionResult is returned by getVersion.
type VersionResult struct {
	Version          string `json:"wasmvm-version"`
	InterfaceVersion uint32 `json:"interface-version"`
}
