package rpc

import (
	"errors"
	"fmt"

	"github.com/fortiblox/wasmvm/pkg/vm"
	"github.com/fortiblox/wasmvm/pkg/vm/gas"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// VM specific error codes.
const (
	// CodeNotFound indicates no code is stored under the checksum.
	CodeNotFound = -32001

	// CodeRejected indicates uploaded code failed validation or requires
	// capabilities the host does not offer.
	CodeRejected = -32002

	// ContractFailed indicates the contract returned an error result.
	ContractFailed = -32003

	// OutOfGas indicates the call ran out of gas.
	OutOfGas = -32004

	// ExecutionFailed indicates the call aborted at runtime.
	ExecutionFailed = -32005
)

// Common error messages.
var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams  = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError  = NewRPCError(InternalError, "Internal error")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// vmError maps a VM error to an RPC error.
func vmError(err error) *RPCError {
	var (
		verr *vm.ValidationError
		cerr *vm.CapabilityError
	)
	switch {
	case errors.Is(err, vm.ErrNotFound):
		return NewRPCError(CodeNotFound, err.Error())
	case errors.As(err, &verr), errors.As(err, &cerr), errors.Is(err, vm.ErrChecksumMismatch):
		return NewRPCError(CodeRejected, err.Error())
	}
	return InternalServerErrorf("%v", err)
}

// callError maps the failure of a contract call, attaching its gas report.
func callError(err error, report gas.Report) *RPCError {
	var (
		cerr *vm.ContractError
		rerr *vm.RuntimeError
	)
	switch {
	case errors.As(err, &cerr):
		return NewRPCErrorWithData(ContractFailed, cerr.Message, report)
	case errors.Is(err, vm.ErrGasExhausted):
		return NewRPCErrorWithData(OutOfGas, err.Error(), report)
	case errors.As(err, &rerr), errors.Is(err, vm.ErrCallDepthExceeded), errors.Is(err, vm.ErrInvalidResult):
		return NewRPCErrorWithData(ExecutionFailed, err.Error(), report)
	}
	return vmError(err)
}
