// Package imports implements the env host functions offered to contracts.
//
// Host functions are registered once with the engine and find the state
// of the current call in the context (see WithEnvironment). Arguments are
// pointers to region descriptors in guest memory. Every function charges
// its cost before doing the work.
package imports

import (
	"context"
	"sort"

	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

// Handler implements one host function for the environment of a call.
type Handler func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error)

// Registry holds the host functions.
type Registry struct {
	funcs map[string]engine.HostFunc
}

// NewRegistry creates a registry with every standard host function.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]engine.HostFunc)}
	r.registerStorage()
	r.registerAddress()
	r.registerCrypto()
	r.registerMisc()
	return r
}

// Functions returns the host functions sorted by name.
func (r *Registry) Functions() []engine.HostFunc {
	out := make([]engine.HostFunc, 0, len(r.funcs))
	for _, f := range r.funcs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Signatures maps every host function name to its wasm signature, for
// import validation.
func (r *Registry) Signatures() map[string]wasm.FuncType {
	out := make(map[string]wasm.FuncType, len(r.funcs))
	for name, f := range r.funcs {
		out[name] = f.Type()
	}
	return out
}

// Get returns a host function by name.
func (r *Registry) Get(name string) (engine.HostFunc, bool) {
	f, ok := r.funcs[name]
	return f, ok
}

// register adds a host function taking params i32 arguments.
func (r *Registry) register(name string, params int, results []wasm.ValueType, h Handler) {
	ps := make([]wasm.ValueType, params)
	for i := range ps {
		ps[i] = wasm.ValueTypeI32
	}
	r.funcs[name] = engine.HostFunc{
		Name:    name,
		Params:  ps,
		Results: results,
		Fn: func(ctx context.Context, inst engine.Instance, args []uint64) (uint64, error) {
			env, err := FromContext(ctx)
			if err != nil {
				return 0, err
			}
			return h(ctx, env, inst, args)
		},
	}
}

var (
	none   []wasm.ValueType
	retI32 = []wasm.ValueType{wasm.ValueTypeI32}
	retI64 = []wasm.ValueType{wasm.ValueTypeI64}
)

func arg(args []uint64, i int) uint32 {
	return uint32(args[i])
}
