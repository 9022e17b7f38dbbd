// Package cache turns a checksum into a ready compiled module.
//
// Modules are looked up in three tiers: a pinned set that is never
// evicted, a memory LRU bounded in bytes and a file system store of
// compiled artifacts keyed by checksum and engine fingerprint. When every
// tier misses, the module is recompiled from the raw bytecode kept in the
// code store. Raw bytecode is validated exactly once, on Store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fortiblox/wasmvm/internal/types"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

var (
	// ErrNotFound is returned for a checksum that is not stored.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted is returned for an artifact that fails verification.
	ErrCorrupted = errors.New("corrupted artifact")

	// ErrChecksumMismatch is returned when code does not hash to the
	// checksum it was submitted with.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrClosed is returned when operating on a closed cache.
	ErrClosed = errors.New("cache closed")
)

// Config holds cache configuration.
type Config struct {
	// BaseDir holds the code store and the artifact directories.
	BaseDir string `yaml:"base_dir"`

	// MemoryCacheSize is the byte budget of the memory LRU tier. Zero
	// disables the tier.
	MemoryCacheSize uint64 `yaml:"memory_cache_size"`

	// NoSync disables fsync of the code store and artifacts.
	NoSync bool `yaml:"no_sync"`
}

// DefaultConfig returns the default cache configuration under baseDir.
func DefaultConfig(baseDir string) Config {
	return Config{
		BaseDir:         baseDir,
		MemoryCacheSize: 256 * types.MiB,
	}
}

// Admission prepares uploaded bytecode for compilation.
type Admission struct {
	// Validation configures the static validator.
	Validation wasm.Config

	// Cost prices instructions for gas instrumentation.
	Cost wasm.CostFunc

	// Check accepts or rejects a validated module, for example on its
	// required capabilities. Nil accepts everything.
	Check func(*wasm.Report) error
}

// Stats reports cache activity since construction.
type Stats struct {
	HitsPinned  uint64 `json:"hits_pinned"`
	HitsMemory  uint64 `json:"hits_memory"`
	HitsLive    uint64 `json:"hits_live"`
	HitsFS      uint64 `json:"hits_fs"`
	Misses      uint64 `json:"misses"`
	Corruptions uint64 `json:"corruptions"`

	PinnedCount int    `json:"pinned_count"`
	PinnedSize  uint64 `json:"pinned_size"`
	MemoryCount int    `json:"memory_count"`
	MemorySize  uint64 `json:"memory_size"`
	LiveModules int    `json:"live_modules"`

	CodeStoreSize int64 `json:"code_store_size"`
}

// entry is the single live compiled module of a checksum. refs counts the
// tiers and handles holding it; the module is closed when it drops to 0.
type entry struct {
	checksum types.Checksum
	module   engine.Module
	report   *wasm.Report
	size     uint64
	refs     int
}

// Cache is safe for concurrent use. Compilation and disk access happen
// outside the lock; only map updates are made under it.
type Cache struct {
	config Config
	eng    engine.Engine
	adm    Admission
	codes  *CodeStore
	fs     *fsTier
	logger *zap.Logger

	mu       sync.Mutex
	live     map[types.Checksum]*entry
	pinned   map[types.Checksum]*entry
	memory   *memoryTier
	released []*entry
	closed   bool

	loads singleflight.Group

	hitsPinned  atomic.Uint64
	hitsMemory  atomic.Uint64
	hitsLive    atomic.Uint64
	hitsFS      atomic.Uint64
	misses      atomic.Uint64
	corruptions atomic.Uint64
}

// New opens the code store and artifact directory under config.BaseDir.
func New(config Config, eng engine.Engine, adm Admission, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BaseDir == "" {
		return nil, errors.New("cache: base directory required")
	}

	codes, err := OpenCodeStore(filepath.Join(config.BaseDir, "code.db"), config.NoSync)
	if err != nil {
		return nil, err
	}
	fs, err := newFSTier(filepath.Join(config.BaseDir, "modules"), eng.Fingerprint(), config.NoSync)
	if err != nil {
		codes.Close()
		return nil, err
	}

	c := &Cache{
		config: config,
		eng:    eng,
		adm:    adm,
		codes:  codes,
		fs:     fs,
		logger: logger.Named("cache"),
		live:   make(map[types.Checksum]*entry),
		pinned: make(map[types.Checksum]*entry),
	}
	c.memory = newMemoryTier(config.MemoryCacheSize, c.releaseLocked)

	c.logger.Info("module cache opened",
		zap.String("dir", config.BaseDir),
		zap.String("fingerprint", eng.Fingerprint()),
		zap.Uint64("memory_budget", config.MemoryCacheSize),
	)
	return c, nil
}

// Store validates code, compiles it and persists the bytecode, its report
// and the compiled artifact. It does not populate the memory tiers.
func (c *Cache) Store(ctx context.Context, code []byte) (types.Checksum, *wasm.Report, error) {
	checksum := types.ComputeChecksum(code)
	report, err := c.store(ctx, checksum, code)
	return checksum, report, err
}

// StoreChecked is Store for code submitted together with its checksum.
// The checksum is recomputed and must match.
func (c *Cache) StoreChecked(ctx context.Context, expected types.Checksum, code []byte) (*wasm.Report, error) {
	if actual := types.ComputeChecksum(code); actual != expected {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return c.store(ctx, expected, code)
}

func (c *Cache) store(ctx context.Context, checksum types.Checksum, code []byte) (*wasm.Report, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()

	m, report, err := wasm.Validate(code, c.adm.Validation)
	if err != nil {
		return nil, err
	}
	if c.adm.Check != nil {
		if err := c.adm.Check(report); err != nil {
			return nil, err
		}
	}
	instrumented, err := wasm.Instrument(m, c.adm.Cost)
	if err != nil {
		return nil, fmt.Errorf("instrument: %w", err)
	}

	// Compiling proves the module is loadable and warms the engine's
	// native code cache.
	compiled, err := c.eng.Compile(ctx, instrumented)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	compiled.Close(ctx)

	if err := c.fs.store(checksum, instrumented); err != nil {
		return nil, err
	}
	if err := c.codes.Put(checksum, code, report); err != nil {
		return nil, fmt.Errorf("store code: %w", err)
	}

	c.logger.Info("module stored",
		zap.Stringer("checksum", checksum),
		zap.Int("size", len(code)),
		zap.Strings("capabilities", report.RequiredCapabilities),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// Code returns the raw bytecode of checksum, verified against it.
func (c *Cache) Code(checksum types.Checksum) ([]byte, error) {
	code, err := c.codes.Code(checksum)
	if err != nil {
		return nil, err
	}
	if actual := types.ComputeChecksum(code); actual != checksum {
		return nil, fmt.Errorf("%w: stored code of %s hashes to %s", ErrChecksumMismatch, checksum, actual)
	}
	return code, nil
}

// Report returns the analysis report stored for checksum.
func (c *Cache) Report(checksum types.Checksum) (*wasm.Report, error) {
	return c.codes.Report(checksum)
}

// Checksums lists every stored module.
func (c *Cache) Checksums() ([]types.Checksum, error) {
	return c.codes.Checksums()
}

// Get returns a handle to the compiled module of checksum. The handle
// must be released.
func (c *Cache) Get(ctx context.Context, checksum types.Checksum) (*Module, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := c.pinned[checksum]; ok {
			h := c.handleLocked(e)
			c.mu.Unlock()
			c.hitsPinned.Add(1)
			return h, nil
		}
		if e, ok := c.memory.get(checksum); ok {
			h := c.handleLocked(e)
			c.mu.Unlock()
			c.hitsMemory.Add(1)
			return h, nil
		}
		c.mu.Unlock()

		e, err := c.load(ctx, checksum)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		// The entry may have been evicted and released between the load
		// and this point; look it up again in that case.
		if c.live[checksum] == e {
			h := c.handleLocked(e)
			c.mu.Unlock()
			return h, nil
		}
		c.mu.Unlock()
	}
}

// load brings checksum into the live set and the memory tier. Concurrent
// loads of one checksum share a single compilation.
func (c *Cache) load(ctx context.Context, checksum types.Checksum) (*entry, error) {
	v, err, _ := c.loads.Do(checksum.String(), func() (any, error) {
		c.mu.Lock()
		// Held only by outstanding handles, not by a tier.
		if e, ok := c.live[checksum]; ok {
			c.memory.add(e)
			c.mu.Unlock()
			c.hitsLive.Add(1)
			return e, nil
		}
		c.mu.Unlock()

		e, err := c.compile(ctx, checksum)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			e.module.Close(ctx)
			return nil, ErrClosed
		}
		// Remove deletes the code before evicting, so a module compiled
		// concurrently with it is dropped here.
		if !c.codes.Has(checksum) {
			e.module.Close(ctx)
			_ = c.fs.remove(checksum)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, checksum)
		}
		// An entry too large for the memory tier stays live with no
		// reference until the caller takes its handle.
		c.live[checksum] = e
		c.memory.add(e)
		return e, nil
	})
	c.closeReleased(ctx)
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// compile builds a module from its artifact, falling back to the stored
// bytecode when the artifact is missing or corrupted.
func (c *Cache) compile(ctx context.Context, checksum types.Checksum) (*entry, error) {
	report, err := c.codes.Report(checksum)
	if err != nil {
		return nil, err
	}

	code, err := c.fs.load(checksum)
	if err == nil {
		module, cerr := c.eng.Compile(ctx, code)
		if cerr == nil {
			c.hitsFS.Add(1)
			return &entry{checksum: checksum, module: module, report: report, size: uint64(len(code))}, nil
		}
		err = fmt.Errorf("%w: %v", ErrCorrupted, cerr)
	}
	switch {
	case errors.Is(err, ErrCorrupted):
		c.corruptions.Add(1)
		c.logger.Warn("corrupted artifact, recompiling",
			zap.Stringer("checksum", checksum), zap.Error(err))
	case errors.Is(err, ErrNotFound):
		c.logger.Debug("artifact missing, recompiling",
			zap.Stringer("checksum", checksum), zap.Error(err))
	default:
		return nil, err
	}

	c.misses.Add(1)
	return c.recompile(ctx, checksum, report)
}

// recompile rebuilds the artifact from the raw bytecode and rewrites it.
// The bytecode passed validation on store, so only instrumentation and
// compilation are repeated.
func (c *Cache) recompile(ctx context.Context, checksum types.Checksum, report *wasm.Report) (*entry, error) {
	raw, err := c.Code(checksum)
	if err != nil {
		return nil, err
	}
	m, err := wasm.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse stored code: %w", err)
	}
	code, err := wasm.Instrument(m, c.adm.Cost)
	if err != nil {
		return nil, fmt.Errorf("instrument: %w", err)
	}
	module, err := c.eng.Compile(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	if err := c.fs.store(checksum, code); err != nil {
		c.logger.Warn("rewrite artifact failed", zap.Stringer("checksum", checksum), zap.Error(err))
	}
	return &entry{checksum: checksum, module: module, report: report, size: uint64(len(code))}, nil
}

// Pin keeps the module of checksum in memory until Unpin. Pinning a pinned
// module does nothing.
func (c *Cache) Pin(ctx context.Context, checksum types.Checksum) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.pinned[checksum]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	h, err := c.Get(ctx, checksum)
	if err != nil {
		return err
	}
	defer h.Release()

	c.mu.Lock()
	if !c.codes.Has(checksum) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, checksum)
	}
	if _, ok := c.pinned[checksum]; !ok {
		e := h.e
		e.refs++
		c.pinned[checksum] = e
		// Pinned modules are not part of the memory budget.
		c.memory.remove(checksum)
	}
	c.mu.Unlock()
	c.closeReleased(ctx)

	c.logger.Info("module pinned", zap.Stringer("checksum", checksum))
	return nil
}

// Unpin releases a pinned module. It does not move the module to the
// memory tier. Unpinning a module that is not pinned does nothing.
func (c *Cache) Unpin(ctx context.Context, checksum types.Checksum) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	e, ok := c.pinned[checksum]
	if ok {
		delete(c.pinned, checksum)
		c.releaseLocked(e)
	}
	c.mu.Unlock()
	c.closeReleased(ctx)

	if ok {
		c.logger.Info("module unpinned", zap.Stringer("checksum", checksum))
	}
	return nil
}

// IsPinned reports whether checksum is pinned.
func (c *Cache) IsPinned(checksum types.Checksum) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pinned[checksum]
	return ok
}

// Remove deletes the bytecode and artifact of checksum and evicts it from
// every tier. Handles in use stay valid until released.
func (c *Cache) Remove(ctx context.Context, checksum types.Checksum) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !c.codes.Has(checksum) {
		return fmt.Errorf("%w: %s", ErrNotFound, checksum)
	}

	if err := c.codes.Delete(checksum); err != nil {
		return fmt.Errorf("remove code: %w", err)
	}
	if err := c.fs.remove(checksum); err != nil {
		return fmt.Errorf("remove artifact: %w", err)
	}

	c.mu.Lock()
	if e, ok := c.pinned[checksum]; ok {
		delete(c.pinned, checksum)
		c.releaseLocked(e)
	}
	c.memory.remove(checksum)
	delete(c.live, checksum)
	c.mu.Unlock()
	c.closeReleased(ctx)

	c.logger.Info("module removed", zap.Stringer("checksum", checksum))
	return nil
}

// Stats returns a snapshot of cache activity and occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		PinnedCount: len(c.pinned),
		MemoryCount: c.memory.len(),
		MemorySize:  c.memory.size,
		LiveModules: len(c.live),
	}
	for _, e := range c.pinned {
		s.PinnedSize += e.size
	}
	c.mu.Unlock()

	s.HitsPinned = c.hitsPinned.Load()
	s.HitsMemory = c.hitsMemory.Load()
	s.HitsLive = c.hitsLive.Load()
	s.HitsFS = c.hitsFS.Load()
	s.Misses = c.misses.Load()
	s.Corruptions = c.corruptions.Load()
	s.CodeStoreSize = c.codes.Size()
	return s
}

// Close drops every tier and closes the code store. Handles still in use
// keep their module until released.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for cs, e := range c.pinned {
		delete(c.pinned, cs)
		c.releaseLocked(e)
	}
	c.memory.purge()
	c.mu.Unlock()
	c.closeReleased(ctx)

	c.fs.close()
	return c.codes.Close()
}

func (c *Cache) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Cache) handleLocked(e *entry) *Module {
	e.refs++
	return &Module{c: c, e: e}
}

// releaseLocked drops one reference to e. The module is queued for
// closing once no tier or handle holds it.
func (c *Cache) releaseLocked(e *entry) {
	e.refs--
	if e.refs > 0 {
		return
	}
	if c.live[e.checksum] == e {
		delete(c.live, e.checksum)
	}
	c.released = append(c.released, e)
}

// closeReleased closes modules queued by releaseLocked, outside the lock.
func (c *Cache) closeReleased(ctx context.Context) {
	c.mu.Lock()
	var done []*entry
	for _, e := range c.released {
		if e.refs == 0 {
			done = append(done, e)
		}
	}
	c.released = c.released[:0]
	c.mu.Unlock()

	for _, e := range done {
		if err := e.module.Close(ctx); err != nil {
			c.logger.Debug("close module", zap.Stringer("checksum", e.checksum), zap.Error(err))
		}
	}
}

// Module is a handle to a compiled module. It is valid until Release.
type Module struct {
	c    *Cache
	e    *entry
	once sync.Once
}

// Checksum returns the checksum of the module.
func (m *Module) Checksum() types.Checksum {
	return m.e.checksum
}

// Report returns the analysis report of the module.
func (m *Module) Report() *wasm.Report {
	return m.e.report
}

// Instantiate creates a new instance of the module.
func (m *Module) Instantiate(ctx context.Context) (engine.Instance, error) {
	return m.e.module.Instantiate(ctx)
}

// Release gives the handle back. Further calls do nothing.
func (m *Module) Release() {
	m.once.Do(func() {
		m.c.mu.Lock()
		m.c.releaseLocked(m.e)
		m.c.mu.Unlock()
		m.c.closeReleased(context.Background())
	})
}
