package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/wasmvm/internal/types"
	"github.com/fortiblox/wasmvm/pkg/vm/cache"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/gas"
	"github.com/fortiblox/wasmvm/pkg/vm/imports"
	"github.com/fortiblox/wasmvm/pkg/vm/region"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

// State is the lifecycle state of an Instance.
type State int

// Instance states. An instance runs at most one entry point.
const (
	StateCreated State = iota
	StateValidated
	StateRunning
	StateCompleted
	StateAbortedGas
	StateAbortedRuntime
	StateAbortedPanic
)

var stateNames = map[State]string{
	StateCreated:        "created",
	StateValidated:      "validated",
	StateRunning:        "running",
	StateCompleted:      "completed",
	StateAbortedGas:     "aborted_gas",
	StateAbortedRuntime: "aborted_runtime",
	StateAbortedPanic:   "aborted_panic",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Done reports whether s is terminal.
func (s State) Done() bool {
	return s >= StateCompleted
}

// contractResult is the envelope every entry point returns.
type contractResult struct {
	Ok    json.RawMessage `json:"ok,omitempty"`
	Error *string         `json:"error,omitempty"`
}

// Instance is one instantiation of a stored module bound to the
// collaborators of a single call. It is not safe for concurrent use.
type Instance struct {
	checksum  types.Checksum
	module    *cache.Module
	inst      engine.Instance
	env       *imports.Environment
	maxResult uint32
	logger    *zap.Logger

	state State
}

func newInstance(ctx context.Context, v *VM, mod *cache.Module, params CallParams) (*Instance, error) {
	rep := mod.Report()
	if err := CheckCapabilities(rep.RequiredCapabilities, v.cfg.Capabilities); err != nil {
		return nil, err
	}
	meter, err := gas.NewMeter(params.GasLimit)
	if err != nil {
		return nil, err
	}
	debug := params.Debug
	if debug == nil {
		debug = v.debugHandler(mod.Checksum())
	}
	i := &Instance{
		checksum: mod.Checksum(),
		module:   mod,
		env: &imports.Environment{
			Store:    params.Store,
			API:      params.API,
			Querier:  params.Querier,
			Gas:      meter,
			Costs:    v.cfg.Gas,
			Limits:   v.cfg.HostLimits,
			ReadOnly: params.ReadOnly,
			Debug:    debug,
		},
		maxResult: v.cfg.MaxResultLength,
		logger:    v.logger,
		state:     StateCreated,
	}
	inst, err := mod.Instantiate(ctx)
	if err != nil {
		return nil, err
	}
	i.inst = inst
	i.state = StateValidated
	return i, nil
}

// State returns the lifecycle state.
func (i *Instance) State() State {
	return i.state
}

// GasReport returns the gas consumed so far.
func (i *Instance) GasReport() gas.Report {
	return i.env.Gas.Report()
}

// CallEntryPoint runs the named entry point with JSON arguments and
// returns the data of an {"ok": ...} result. An {"error": ...} result is
// returned as a *ContractError.
func (i *Instance) CallEntryPoint(ctx context.Context, name string, args ...[]byte) ([]byte, error) {
	if i.state != StateValidated {
		return nil, fmt.Errorf("%w: call %s in state %s", ErrInvalidState, name, i.state)
	}
	arity, ok := wasm.EntryPointArity[name]
	if !ok || !i.inst.HasFunction(name) {
		i.state = StateAbortedRuntime
		return nil, runtimeError(name, fmt.Errorf("%w: %q", ErrUnknownExport, name))
	}
	if len(args) != arity {
		i.state = StateAbortedRuntime
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrInvalidArity, name, arity, len(args))
	}
	i.state = StateRunning

	if err := i.inst.SetGlobal(wasm.GasLeftExport, i.env.Gas.Remaining()); err != nil {
		return nil, i.abort(name, err)
	}
	if err := i.inst.SetGlobal(wasm.GasExhaustedExport, 0); err != nil {
		return nil, i.abort(name, err)
	}

	ctx = imports.WithEnvironment(ctx, i.env)
	params := make([]uint64, len(args))
	for n, arg := range args {
		ptr, err := i.env.WriteRegion(ctx, i.inst, arg)
		if err != nil {
			return nil, i.abort(name, err)
		}
		params[n] = uint64(ptr)
	}

	res, err := i.inst.Call(ctx, name, params...)
	if err != nil {
		return nil, i.abort(name, err)
	}
	if err := i.syncGas(); err != nil {
		return nil, i.abort(name, err)
	}
	if len(res) != 1 {
		return nil, i.abort(name, fmt.Errorf("%s returned %d values", name, len(res)))
	}
	out, err := region.Read(i.inst.Memory(), uint32(res[0]), i.maxResult)
	if err != nil {
		return nil, i.abort(name, err)
	}
	i.state = StateCompleted
	return decodeResult(out)
}

// syncGas copies the guest counter into the meter and reports exhaustion
// flagged by instrumented code.
func (i *Instance) syncGas() error {
	flag, err := i.inst.Global(wasm.GasExhaustedExport)
	if err != nil {
		return err
	}
	if flag != 0 {
		i.env.Gas.SetRemaining(0)
		return ErrGasExhausted
	}
	left, err := i.inst.Global(wasm.GasLeftExport)
	if err != nil {
		return err
	}
	i.env.Gas.SetRemaining(left)
	return nil
}

// abort moves the instance into its terminal failure state and returns
// the classified error.
func (i *Instance) abort(name string, err error) error {
	if gasErr := i.syncGas(); errors.Is(gasErr, ErrGasExhausted) || errors.Is(err, ErrGasExhausted) {
		i.env.Gas.SetRemaining(0)
		i.state = StateAbortedGas
		return fmt.Errorf("%s: %w", name, ErrGasExhausted)
	}
	if errors.Is(err, ErrCallDepthExceeded) {
		i.state = StateAbortedRuntime
		return runtimeError(name, err)
	}
	rerr := runtimeError(name, err)
	switch rerr.Kind {
	case KindAbort, KindPanic:
		i.state = StateAbortedPanic
	default:
		i.state = StateAbortedRuntime
	}
	i.logger.Debug("call aborted",
		zap.Stringer("checksum", i.checksum),
		zap.String("entry", name),
		zap.Stringer("kind", rerr.Kind),
		zap.Error(err),
	)
	return rerr
}

// Close releases the instance and its module handle.
func (i *Instance) Close(ctx context.Context) error {
	errs := []error{i.env.Close()}
	if i.inst != nil {
		errs = append(errs, i.inst.Close(ctx))
		i.inst = nil
	}
	i.module.Release()
	return errors.Join(errs...)
}

func decodeResult(out []byte) ([]byte, error) {
	var res contractResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	switch {
	case res.Error != nil:
		return nil, &ContractError{Message: *res.Error}
	case res.Ok != nil:
		return res.Ok, nil
	}
	return nil, fmt.Errorf("%w: neither ok nor error set", ErrInvalidResult)
}
