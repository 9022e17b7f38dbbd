// Package engine isolates the bytecode engine behind a narrow interface:
// compile, instantiate, call exports and access linear memory and globals.
//
// Host functions are registered once per engine under the "env" module.
// They receive the calling instance and their i32/i64 arguments and
// return at most one value. A host function error aborts the guest call
// and is returned from Instance.Call as a *HostError.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortiblox/wasmvm/pkg/vm/region"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

// Engine errors.
var (
	ErrUnknownExport   = errors.New("unknown export")
	ErrImmutableGlobal = errors.New("global is not mutable")
	ErrNoMemory        = errors.New("module exports no memory")
	ErrClosed          = errors.New("engine closed")
	ErrHostPanic       = errors.New("host function panicked")
)

// HostFuncImpl implements a host function. The returned value is ignored
// when the function declares no result.
type HostFuncImpl func(ctx context.Context, inst Instance, args []uint64) (uint64, error)

// HostFunc describes one function of the env module.
type HostFunc struct {
	Name    string
	Params  []wasm.ValueType
	Results []wasm.ValueType
	Fn      HostFuncImpl
}

// Type returns the wasm signature of the function.
func (h HostFunc) Type() wasm.FuncType {
	return wasm.FuncType{Params: h.Params, Results: h.Results}
}

// Engine compiles modules. Implementations are safe for concurrent use.
type Engine interface {
	// Compile compiles instrumented bytecode.
	Compile(ctx context.Context, code []byte) (Module, error)

	// Fingerprint identifies the engine build and target. Compiled
	// artifacts are only reused under an identical fingerprint.
	Fingerprint() string

	Close(ctx context.Context) error
}

// Module is a compiled module. It can be instantiated any number of
// times, concurrently.
type Module interface {
	Instantiate(ctx context.Context) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is one instantiation of a module. It is not safe for
// concurrent use.
type Instance interface {
	// Call invokes an exported function.
	Call(ctx context.Context, name string, params ...uint64) ([]uint64, error)

	// HasFunction reports whether name is an exported function.
	HasFunction(name string) bool

	// Memory returns the exported linear memory.
	Memory() region.Memory

	// Global reads an exported global.
	Global(name string) (uint64, error)

	// SetGlobal writes an exported mutable global.
	SetGlobal(name string, v uint64) error

	Close(ctx context.Context) error
}

// HostError is a failure raised by a host function. It aborts the guest
// call it happened in.
type HostError struct {
	Func string
	Err  error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host function %s: %v", e.Func, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// TrapError is a guest trap: unreachable, out of bounds access, stack
// exhaustion and similar faults raised by the engine itself.
type TrapError struct {
	Err error
}

func (e *TrapError) Error() string {
	return "wasm trap: " + e.Err.Error()
}

func (e *TrapError) Unwrap() error {
	return e.Err
}
