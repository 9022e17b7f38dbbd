package imports

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/fortiblox/wasmvm/pkg/vm/backend"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/gas"
	"github.com/fortiblox/wasmvm/pkg/vm/region"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

// Size units.
const (
	KiB = 1024
	MiB = 1024 * KiB
)

// Limits bound the data a contract may pass to host functions.
type Limits struct {
	MaxKeyLength              uint32 `yaml:"max_key_length"`
	MaxValueLength            uint32 `yaml:"max_value_length"`
	MaxCanonicalAddressLength uint32 `yaml:"max_canonical_address_length"`
	MaxHumanAddressLength     uint32 `yaml:"max_human_address_length"`
	MaxQueryRequestLength     uint32 `yaml:"max_query_request_length"`
	MaxDebugLength            uint32 `yaml:"max_debug_length"`
	MaxMessageLength          uint32 `yaml:"max_message_length"`
	MaxBatchSize              uint32 `yaml:"max_batch_size"`
	MaxCurvePoints            uint32 `yaml:"max_curve_points"`
	MaxIterators              uint32 `yaml:"max_iterators"`
}

// DefaultLimits returns the default host function limits.
func DefaultLimits() Limits {
	return Limits{
		MaxKeyLength:              64 * KiB,
		MaxValueLength:            128 * KiB,
		MaxCanonicalAddressLength: 64,
		MaxHumanAddressLength:     256,
		MaxQueryRequestLength:     64 * KiB,
		MaxDebugLength:            2 * MiB,
		MaxMessageLength:          128 * KiB,
		MaxBatchSize:              256,
		MaxCurvePoints:            1024,
		MaxIterators:              1024,
	}
}

// Host function errors. All of them abort the contract call.
var (
	ErrNoEnvironment     = errors.New("no host environment in context")
	ErrNoStorage         = errors.New("no storage available")
	ErrNoQuerier         = errors.New("no querier available")
	ErrNoAddressAPI      = errors.New("no address API available")
	ErrWriteAccessDenied = errors.New("write access denied")
	ErrInvalidOrder      = errors.New("invalid iteration order")
	ErrIteratorNotFound  = errors.New("iterator not found")
	ErrTooManyIterators  = errors.New("too many iterators")
	ErrTooManyItems      = errors.New("too many items")
	ErrAborted           = errors.New("contract aborted")
)

// AbortError carries the message a contract aborted with.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string {
	return "contract aborted: " + e.Message
}

func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

// DebugHandler receives debug output of a contract.
type DebugHandler func(msg string, gasRemaining uint64)

// Environment is the per-call state shared by the host functions. It is
// attached to the call context with WithEnvironment and must not be shared
// across concurrent calls.
type Environment struct {
	Store   backend.KVStore
	API     backend.AddressAPI
	Querier backend.Querier

	Gas    *gas.Meter
	Costs  gas.Config
	Limits Limits

	// ReadOnly rejects storage writes, as required for queries.
	ReadOnly bool

	// Debug receives debug output. Nil discards it.
	Debug DebugHandler

	iterators []backend.Iterator
}

type envKey struct{}

// WithEnvironment attaches env to ctx.
func WithEnvironment(ctx context.Context, env *Environment) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// FromContext returns the environment attached to ctx.
func FromContext(ctx context.Context) (*Environment, error) {
	env, ok := ctx.Value(envKey{}).(*Environment)
	if !ok || env == nil {
		return nil, ErrNoEnvironment
	}
	return env, nil
}

// Close releases the iterators opened during the call.
func (e *Environment) Close() error {
	var errs []error
	for _, it := range e.iterators {
		if it != nil {
			errs = append(errs, it.Close())
		}
	}
	e.iterators = nil
	return errors.Join(errs...)
}

// charge synchronises the meter with the guest counter, consumes amount
// and writes the counter back. On exhaustion the guest flag is raised.
func (e *Environment) charge(inst engine.Instance, amount uint64) error {
	return e.consume(inst, amount, e.Gas.Charge)
}

// chargeExternal is charge for gas reported by the querier.
func (e *Environment) chargeExternal(inst engine.Instance, amount uint64) error {
	return e.consume(inst, amount, e.Gas.ChargeExternal)
}

func (e *Environment) consume(inst engine.Instance, amount uint64, fn func(uint64) error) error {
	left, err := inst.Global(wasm.GasLeftExport)
	if err != nil {
		return err
	}
	e.Gas.SetRemaining(left)
	chargeErr := fn(amount)
	if err := inst.SetGlobal(wasm.GasLeftExport, e.Gas.Remaining()); err != nil {
		return err
	}
	if chargeErr != nil {
		if err := inst.SetGlobal(wasm.GasExhaustedExport, 1); err != nil {
			return err
		}
		return chargeErr
	}
	return nil
}

// remaining returns the gas left after synchronising with the guest.
func (e *Environment) remaining(inst engine.Instance) (uint64, error) {
	left, err := inst.Global(wasm.GasLeftExport)
	if err != nil {
		return 0, err
	}
	e.Gas.SetRemaining(left)
	return e.Gas.Remaining(), nil
}

// WriteRegion allocates a region in the guest, fills it with data and
// returns its pointer.
func (e *Environment) WriteRegion(ctx context.Context, inst engine.Instance, data []byte) (uint32, error) {
	if uint64(len(data)) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes", region.ErrTooLong, len(data))
	}
	res, err := inst.Call(ctx, wasm.ExportAllocate, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("allocate: %w", err)
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("allocate returned %d values", len(res))
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, region.ErrZeroPointer
	}
	if err := region.Write(inst.Memory(), ptr, data); err != nil {
		return 0, err
	}
	return ptr, nil
}

func (e *Environment) addIterator(it backend.Iterator) (uint32, error) {
	if uint32(len(e.iterators)) >= e.Limits.MaxIterators {
		_ = it.Close()
		return 0, fmt.Errorf("%w: limit %d", ErrTooManyIterators, e.Limits.MaxIterators)
	}
	e.iterators = append(e.iterators, it)
	return uint32(len(e.iterators)), nil
}

// iterator resolves a 1-based iterator id.
func (e *Environment) iterator(id uint32) (backend.Iterator, error) {
	if id == 0 || id > uint32(len(e.iterators)) {
		return nil, fmt.Errorf("%w: %d", ErrIteratorNotFound, id)
	}
	return e.iterators[id-1], nil
}
