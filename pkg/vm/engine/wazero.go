package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/fortiblox/wasmvm/pkg/vm/region"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

const wazeroModulePath = "github.com/tetratelabs/wazero"

// Config configures the wazero engine.
type Config struct {
	// MemoryLimitPages caps the linear memory of every instance, in 64 KiB
	// pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`

	// CompilationCacheDir holds wazero's native code cache. Empty keeps
	// native code in memory only.
	CompilationCacheDir string `yaml:"compilation_cache_dir"`
}

// DefaultConfig returns a 32 MiB memory limit and no native code cache.
func DefaultConfig() Config {
	return Config{MemoryLimitPages: 512}
}

// Wazero is the Engine backed by github.com/tetratelabs/wazero.
type Wazero struct {
	rt          wazero.Runtime
	cache       wazero.CompilationCache
	fingerprint string
	closed      atomic.Bool
	logger      *zap.Logger
}

var _ Engine = (*Wazero)(nil)

// NewWazero creates a runtime and instantiates the env host module from
// hosts.
func NewWazero(ctx context.Context, cfg Config, hosts []HostFunc, logger *zap.Logger) (*Wazero, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCustomSections(false)
	if cfg.MemoryLimitPages > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	var cache wazero.CompilationCache
	if cfg.CompilationCacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CompilationCacheDir)
		if err != nil {
			return nil, fmt.Errorf("compilation cache: %w", err)
		}
		cache = c
		rtCfg = rtCfg.WithCompilationCache(c)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	builder := rt.NewHostModuleBuilder(wasm.ImportModule)
	for _, h := range hosts {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(hostFunction(h), valueTypes(h.Params), valueTypes(h.Results)).
			WithName(h.Name).
			Export(h.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = rt.Close(ctx)
		if cache != nil {
			_ = cache.Close(ctx)
		}
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	w := &Wazero{
		rt:          rt,
		cache:       cache,
		fingerprint: wazeroFingerprint(),
		logger:      logger.Named("engine"),
	}
	w.logger.Debug("engine ready",
		zap.String("fingerprint", w.fingerprint),
		zap.Int("host_functions", len(hosts)),
	)
	return w, nil
}

// Compile implements Engine.
func (w *Wazero) Compile(ctx context.Context, code []byte) (Module, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	compiled, err := w.rt.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return &wazeroModule{rt: w.rt, compiled: compiled}, nil
}

// Fingerprint implements Engine.
func (w *Wazero) Fingerprint() string {
	return w.fingerprint
}

// Close closes the runtime and every module and instance created by it.
func (w *Wazero) Close(ctx context.Context) error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := w.rt.Close(ctx)
	if w.cache != nil {
		err = errors.Join(err, w.cache.Close(ctx))
	}
	return err
}

type wazeroModule struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
}

// Instantiate creates an anonymous instance so that one compiled module
// may be instantiated many times at once. Start functions other than the
// wasm start section are not run.
func (m *wazeroModule) Instantiate(ctx context.Context) (Instance, error) {
	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := m.rt.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", classify(ctx, err))
	}
	// Memory() returns a typed nil for modules without memory.
	mem := mod.ExportedMemory(wasm.ExportMemory)
	if mem == nil {
		_ = mod.Close(ctx)
		return nil, ErrNoMemory
	}
	return &wazeroInstance{mod: mod, mem: mem}, nil
}

func (m *wazeroModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

type wazeroInstance struct {
	mod api.Module
	mem api.Memory
}

func (i *wazeroInstance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("%w: function %q", ErrUnknownExport, name)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return results, nil
}

func (i *wazeroInstance) HasFunction(name string) bool {
	return i.mod.ExportedFunction(name) != nil
}

func (i *wazeroInstance) Memory() region.Memory {
	return i.mem
}

func (i *wazeroInstance) Global(name string) (uint64, error) {
	g := i.mod.ExportedGlobal(name)
	if g == nil {
		return 0, fmt.Errorf("%w: global %q", ErrUnknownExport, name)
	}
	return g.Get(), nil
}

func (i *wazeroInstance) SetGlobal(name string, v uint64) error {
	g := i.mod.ExportedGlobal(name)
	if g == nil {
		return fmt.Errorf("%w: global %q", ErrUnknownExport, name)
	}
	mg, ok := g.(api.MutableGlobal)
	if !ok {
		return fmt.Errorf("%w: %q", ErrImmutableGlobal, name)
	}
	mg.Set(v)
	return nil
}

func (i *wazeroInstance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

// hostFunction adapts h to wazero's stack based calling convention.
// Errors are raised by panicking; wazero unwinds the guest and returns
// the panic value wrapped from the outermost Call.
func hostFunction(h HostFunc) api.GoModuleFunc {
	nparams := len(h.Params)
	hasResult := len(h.Results) > 0
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		v, err := invokeHost(ctx, h, &wazeroInstance{mod: mod}, stack[:nparams])
		if err != nil {
			panic(&HostError{Func: h.Name, Err: err})
		}
		if hasResult {
			stack[0] = v
		}
	}
}

func invokeHost(ctx context.Context, h HostFunc, inst Instance, args []uint64) (v uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHostPanic, r)
		}
	}()
	return h.Fn(ctx, inst, args)
}

// classify turns an error from wazero into a *HostError, a context error
// or a *TrapError.
func classify(ctx context.Context, err error) error {
	var he *HostError
	if errors.As(err, &he) {
		return he
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
		}
	}
	return &TrapError{Err: err}
}

func valueTypes(vs []wasm.ValueType) []api.ValueType {
	out := make([]api.ValueType, len(vs))
	for i, v := range vs {
		out[i] = api.ValueType(v)
	}
	return out
}

// wazeroFingerprint names the engine version, the target and the cost
// table, in a form usable as a directory name.
func wazeroFingerprint() string {
	version := "devel"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path != wazeroModulePath {
				continue
			}
			version = dep.Version
			if dep.Replace != nil && dep.Replace.Version != "" {
				version = dep.Replace.Version
			}
		}
	}
	fp := fmt.Sprintf("wazero-%s-%s-%s-cost%d", version, runtime.GOOS, runtime.GOARCH, wasm.CostTableVersion)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, fp)
}
