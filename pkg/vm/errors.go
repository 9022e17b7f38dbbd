package vm

import (
	"errors"
	"fmt"

	"github.com/fortiblox/wasmvm/pkg/vm/backend"
	"github.com/fortiblox/wasmvm/pkg/vm/cache"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/gas"
	"github.com/fortiblox/wasmvm/pkg/vm/imports"
	"github.com/fortiblox/wasmvm/pkg/vm/region"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

var (
	// ErrGasExhausted aborts a call that ran out of gas. State changes made
	// during the call must be discarded by the caller.
	ErrGasExhausted = gas.ErrExhausted

	// ErrCallDepthExceeded aborts a call nested deeper than MaxCallDepth.
	ErrCallDepthExceeded = backend.ErrCallDepthExceeded

	// ErrUnknownExport is returned for an entry point the contract does
	// not export.
	ErrUnknownExport = engine.ErrUnknownExport

	// ErrNotFound is returned for a checksum that is not stored.
	ErrNotFound = cache.ErrNotFound

	// ErrChecksumMismatch is returned when uploaded code does not hash to
	// the checksum it was submitted with.
	ErrChecksumMismatch = cache.ErrChecksumMismatch

	// ErrInvalidArity is returned when an entry point is called with the
	// wrong number of arguments.
	ErrInvalidArity = errors.New("invalid number of entry point arguments")

	// ErrIntegrity is returned when stored code no longer matches its
	// checksum.
	ErrIntegrity = errors.New("stored code failed integrity check")

	// ErrInvalidState is returned when an instance is used outside its
	// lifecycle, for example called twice.
	ErrInvalidState = errors.New("invalid instance state")

	// ErrInvalidResult is returned when an entry point result is neither
	// {"ok": ...} nor {"error": ...}.
	ErrInvalidResult = errors.New("invalid contract result")

	// ErrClosed is returned when operating on a closed VM.
	ErrClosed = errors.New("vm closed")
)

// ValidationError is returned by StoreCode for bytecode that fails static
// validation.
type ValidationError = wasm.ValidationError

// RegionError reports a malformed guest memory region.
type RegionError = region.Error

// ErrorKind classifies a RuntimeError.
type ErrorKind int

// Runtime error kinds.
const (
	// KindTrap is a fault raised by the engine: unreachable, out of
	// bounds access, stack overflow.
	KindTrap ErrorKind = iota + 1
	// KindHost is a host function failure other than a region error.
	KindHost
	// KindRegion is a malformed region passed across the boundary.
	KindRegion
	// KindAbort is a contract panic reported through the abort import.
	KindAbort
	// KindPanic is a host side panic recovered by the engine.
	KindPanic
	// KindUnknownExport is a call to an entry point that is not exported.
	KindUnknownExport
)

func (k ErrorKind) String() string {
	switch k {
	case KindTrap:
		return "trap"
	case KindHost:
		return "host"
	case KindRegion:
		return "region"
	case KindAbort:
		return "abort"
	case KindPanic:
		return "panic"
	case KindUnknownExport:
		return "unknown export"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RuntimeError is an engine level failure of a call: the module or the
// host environment is broken. It is distinct from a ContractError.
type RuntimeError struct {
	Kind  ErrorKind
	Entry string
	Err   error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Entry, e.Kind, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// ContractError is a failure the contract signalled itself by returning
// {"error": message}. It is an ordinary outcome of a call.
type ContractError struct {
	Message string
}

func (e *ContractError) Error() string {
	return "contract error: " + e.Message
}

// runtimeError classifies err raised while running entry.
func runtimeError(entry string, err error) *RuntimeError {
	kind := KindTrap
	var (
		hostErr   *engine.HostError
		regionErr *region.Error
	)
	switch {
	case errors.Is(err, engine.ErrUnknownExport):
		kind = KindUnknownExport
	case errors.Is(err, imports.ErrAborted):
		kind = KindAbort
	case errors.Is(err, engine.ErrHostPanic):
		kind = KindPanic
	case errors.As(err, &regionErr):
		kind = KindRegion
	case errors.As(err, &hostErr):
		kind = KindHost
	}
	return &RuntimeError{Kind: kind, Entry: entry, Err: err}
}
