// Package vm executes stored WASM contracts. It ties together static
// validation, gas instrumentation, the module cache and the host import
// surface behind a small API keyed by code checksum.
//
// Every call gets its own instance, gas meter and host environment.
// Nested calls made through the querier must pass on the context they
// receive so that the call depth ceiling applies across contracts.
package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fortiblox/wasmvm/internal/types"
	"github.com/fortiblox/wasmvm/pkg/vm/backend"
	"github.com/fortiblox/wasmvm/pkg/vm/cache"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/gas"
	"github.com/fortiblox/wasmvm/pkg/vm/imports"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

// Checksum identifies stored code: the SHA-256 of its raw bytecode.
type Checksum = types.Checksum

// ChecksumFromHex parses the hex form of a checksum.
func ChecksumFromHex(s string) (Checksum, error) {
	return types.ChecksumFromHex(s)
}

// CallParams are the collaborators of one call.
type CallParams struct {
	Store    backend.KVStore
	API      backend.AddressAPI
	Querier  backend.Querier
	GasLimit uint64

	// ReadOnly rejects storage writes. Query always sets it.
	ReadOnly bool

	// Debug receives debug output. Nil logs it at debug level.
	Debug imports.DebugHandler
}

// CallResult is the outcome of a call. GasReport is filled in on failure
// too.
type CallResult struct {
	Data      []byte
	GasReport gas.Report
}

// VM stores and runs contracts.
type VM struct {
	cfg      Config
	registry *imports.Registry
	engine   engine.Engine
	cache    *cache.Cache
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// New opens a VM with all state under cfg.Cache.BaseDir.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*VM, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("vm")
	if cfg.MaxCallDepth == 0 {
		return nil, errors.New("max call depth must be positive")
	}
	if cfg.Cost == nil {
		cfg.Cost = wasm.DefaultCost
	}

	registry := imports.NewRegistry()
	eng, err := engine.NewWazero(ctx, cfg.Engine, registry.Functions(), logger)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	capabilities := append([]string(nil), cfg.Capabilities...)
	adm := cache.Admission{
		Validation: wasm.Config{
			Limits:            cfg.Validation,
			Imports:           registry.Signatures(),
			InterfaceVersions: cfg.InterfaceVersions,
		},
		Cost: cfg.Cost,
		Check: func(rep *wasm.Report) error {
			return CheckCapabilities(rep.RequiredCapabilities, capabilities)
		},
	}
	c, err := cache.New(cfg.Cache, eng, adm, logger)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, err
	}

	logger.Info("vm opened",
		zap.String("home", cfg.Cache.BaseDir),
		zap.Strings("capabilities", capabilities),
		zap.Uint32("max_call_depth", cfg.MaxCallDepth),
		zap.String("engine", eng.Fingerprint()),
	)
	return &VM{
		cfg:      cfg,
		registry: registry,
		engine:   eng,
		cache:    c,
		logger:   logger,
	}, nil
}

func (v *VM) checkOpen() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return ErrClosed
	}
	return nil
}

// StoreCode validates, instruments and stores code. Storing the same code
// again is a no-op that returns the same checksum.
func (v *VM) StoreCode(ctx context.Context, code []byte) (types.Checksum, *wasm.Report, error) {
	if err := v.checkOpen(); err != nil {
		return types.Checksum{}, nil, err
	}
	return v.cache.Store(ctx, code)
}

// StoreCodeChecked is StoreCode for code that must hash to expected.
func (v *VM) StoreCodeChecked(ctx context.Context, expected types.Checksum, code []byte) (*wasm.Report, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	return v.cache.StoreChecked(ctx, expected, code)
}

// GetCode returns the original bytecode. Code that no longer hashes to
// its checksum fails with ErrIntegrity.
func (v *VM) GetCode(checksum types.Checksum) ([]byte, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	code, err := v.cache.Code(checksum)
	if errors.Is(err, cache.ErrChecksumMismatch) {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return code, err
}

// AnalyzeCode returns the report computed when the code was stored.
func (v *VM) AnalyzeCode(checksum types.Checksum) (*wasm.Report, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	return v.cache.Report(checksum)
}

// Checksums lists the stored code.
func (v *VM) Checksums() ([]types.Checksum, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	return v.cache.Checksums()
}

// Pin keeps the compiled module in memory until Unpin.
func (v *VM) Pin(ctx context.Context, checksum types.Checksum) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	return v.cache.Pin(ctx, checksum)
}

// Unpin releases a pinned module. Unpinning twice is a no-op.
func (v *VM) Unpin(ctx context.Context, checksum types.Checksum) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	return v.cache.Unpin(ctx, checksum)
}

// RemoveCode deletes stored code and its compiled artifacts.
func (v *VM) RemoveCode(ctx context.Context, checksum types.Checksum) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	return v.cache.Remove(ctx, checksum)
}

// Stats returns module cache statistics.
func (v *VM) Stats() cache.Stats {
	return v.cache.Stats()
}

// Collector exports module cache statistics to prometheus.
func (v *VM) Collector(namespace string) *cache.Collector {
	return cache.NewCollector(v.cache, namespace)
}

// Close closes the module cache and the engine.
func (v *VM) Close(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()
	return errors.Join(v.cache.Close(ctx), v.engine.Close(ctx))
}

// CallEntryPoint runs one entry point of the stored code in a fresh
// instance.
func (v *VM) CallEntryPoint(ctx context.Context, checksum types.Checksum, name string, params CallParams, args ...[]byte) (CallResult, error) {
	res := CallResult{GasReport: gas.Report{Limit: params.GasLimit, Remaining: params.GasLimit}}
	if err := v.checkOpen(); err != nil {
		return res, err
	}
	ctx, err := backend.EnterCall(ctx, v.cfg.MaxCallDepth)
	if err != nil {
		return res, err
	}
	mod, err := v.cache.Get(ctx, checksum)
	if err != nil {
		return res, err
	}
	inst, err := newInstance(ctx, v, mod, params)
	if err != nil {
		mod.Release()
		return res, err
	}
	defer func() {
		if err := inst.Close(ctx); err != nil {
			v.logger.Warn("close instance", zap.Stringer("checksum", checksum), zap.Error(err))
		}
	}()

	res.Data, err = inst.CallEntryPoint(ctx, name, args...)
	res.GasReport = inst.GasReport()
	return res, err
}

// Instantiate runs the instantiate entry point.
func (v *VM) Instantiate(ctx context.Context, checksum types.Checksum, env, info, msg []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntryInstantiate, params, env, info, msg)
}

// Execute runs the execute entry point.
func (v *VM) Execute(ctx context.Context, checksum types.Checksum, env, info, msg []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntryExecute, params, env, info, msg)
}

// Query runs the query entry point with storage writes disabled.
func (v *VM) Query(ctx context.Context, checksum types.Checksum, env, msg []byte, params CallParams) (CallResult, error) {
	params.ReadOnly = true
	return v.CallEntryPoint(ctx, checksum, wasm.EntryQuery, params, env, msg)
}

// Migrate runs the migrate entry point.
func (v *VM) Migrate(ctx context.Context, checksum types.Checksum, env, msg []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntryMigrate, params, env, msg)
}

// Sudo runs the sudo entry point.
func (v *VM) Sudo(ctx context.Context, checksum types.Checksum, env, msg []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntrySudo, params, env, msg)
}

// Reply runs the reply entry point.
func (v *VM) Reply(ctx context.Context, checksum types.Checksum, env, reply []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntryReply, params, env, reply)
}

// IBCChannelOpen runs the ibc_channel_open entry point.
func (v *VM) IBCChannelOpen(ctx context.Context, checksum types.Checksum, env, msg []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntryIBCChannelOpen, params, env, msg)
}

// IBCChannelConnect runs the ibc_channel_connect entry point.
func (v *VM) IBCChannelConnect(ctx context.Context, checksum types.Checksum, env, msg []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntryIBCChannelConnect, params, env, msg)
}

// IBCChannelClose runs the ibc_channel_close entry point.
func (v *VM) IBCChannelClose(ctx context.Context, checksum types.Checksum, env, msg []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntryIBCChannelClose, params, env, msg)
}

// IBCPacketReceive runs the ibc_packet_receive entry point.
func (v *VM) IBCPacketReceive(ctx context.Context, checksum types.Checksum, env, msg []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntryIBCPacketReceive, params, env, msg)
}

// IBCPacketAck runs the ibc_packet_ack entry point.
func (v *VM) IBCPacketAck(ctx context.Context, checksum types.Checksum, env, msg []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntryIBCPacketAck, params, env, msg)
}

// IBCPacketTimeout runs the ibc_packet_timeout entry point.
func (v *VM) IBCPacketTimeout(ctx context.Context, checksum types.Checksum, env, msg []byte, params CallParams) (CallResult, error) {
	return v.CallEntryPoint(ctx, checksum, wasm.EntryIBCPacketTimeout, params, env, msg)
}

// debugHandler logs contract debug output.
func (v *VM) debugHandler(checksum types.Checksum) imports.DebugHandler {
	return func(msg string, gasRemaining uint64) {
		v.logger.Debug("contract debug",
			zap.Stringer("checksum", checksum),
			zap.String("message", msg),
			zap.Uint64("gas_remaining", gasRemaining),
		)
	}
}
