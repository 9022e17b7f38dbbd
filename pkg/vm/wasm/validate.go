package wasm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Exports every contract must provide.
const (
	ExportMemory     = "memory"
	ExportAllocate   = "allocate"
	ExportDeallocate = "deallocate"
)

// ReservedExportPrefix marks exports added by instrumentation.
const ReservedExportPrefix = "__gas"

// ImportModule is the only module name contracts may import from.
const ImportModule = "env"

// Limits bound the shape of admitted modules.
type Limits struct {
	MaxModuleSize           int    `yaml:"max_module_size"`
	InitialMemoryLimitPages uint32 `yaml:"initial_memory_limit_pages"`
	TableSizeLimitElements  uint32 `yaml:"table_size_limit_elements"`
	MaxImports              int    `yaml:"max_imports"`
	MaxExports              int    `yaml:"max_exports"`
	MaxFunctions            int    `yaml:"max_functions"`
	MaxFunctionParams       int    `yaml:"max_function_params"`
	MaxTotalFunctionParams  int    `yaml:"max_total_function_params"`
	MaxFunctionResults      int    `yaml:"max_function_results"`
	MaxFunctionBodySize     int    `yaml:"max_function_body_size"`
	MaxLocals               uint64 `yaml:"max_locals"`
}

// DefaultLimits returns the default admission limits.
func DefaultLimits() Limits {
	return Limits{
		MaxModuleSize:           3 << 20, // 3 MB
		InitialMemoryLimitPages: 512,     // 32 MB
		TableSizeLimitElements:  2500,
		MaxImports:              100,
		MaxExports:              1000,
		MaxFunctions:            20_000,
		MaxFunctionParams:       100,
		MaxTotalFunctionParams:  10_000,
		MaxFunctionResults:      1,
		MaxFunctionBodySize:     256 << 10, // 256 KB
		MaxLocals:               50_000,
	}
}

// Config controls static validation.
type Config struct {
	Limits Limits

	// Imports maps a supported env import name to its required signature.
	Imports map[string]FuncType

	// InterfaceVersions lists the accepted interface_version_<n> markers.
	InterfaceVersions []uint32
}

// Validate parses code and applies every admission rule. On success it
// returns the parsed module and its report.
func Validate(code []byte, cfg Config) (*Module, *Report, error) {
	if cfg.Limits.MaxModuleSize > 0 && len(code) > cfg.Limits.MaxModuleSize {
		return nil, nil, invalid("size", fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(code), cfg.Limits.MaxModuleSize))
	}
	m, err := Parse(code)
	if err != nil {
		return nil, nil, invalid("format", err)
	}

	checks := []struct {
		rule string
		fn   func(*Module, Config) error
	}{
		{"memory", checkMemory},
		{"table", checkTables},
		{"imports", checkImports},
		{"exports", checkExports},
		{"types", checkTypes},
		{"globals", checkGlobals},
		{"limits", checkLimits},
		{"code", checkCode},
	}
	for _, c := range checks {
		if err := c.fn(m, cfg); err != nil {
			return nil, nil, invalid(c.rule, err)
		}
	}

	rep, err := Analyze(m)
	if err != nil {
		return nil, nil, invalid("custom", err)
	}
	return m, rep, nil
}

func checkMemory(m *Module, cfg Config) error {
	for _, imp := range m.Imports {
		if imp.Kind == ExternalMemory {
			return fmt.Errorf("%w: memory must not be imported", ErrMemory)
		}
	}
	switch len(m.Memories) {
	case 0:
		return fmt.Errorf("%w: module has no memory section", ErrMemory)
	case 1:
	default:
		return fmt.Errorf("%w: module defines %d memories, expected exactly one", ErrMemory, len(m.Memories))
	}
	mem := m.Memories[0]
	if mem.Shared {
		return fmt.Errorf("%w: shared memory", ErrThreads)
	}
	if mem.HasMax {
		return fmt.Errorf("%w: memory maximum must not be set", ErrMemory)
	}
	if mem.Min > cfg.Limits.InitialMemoryLimitPages {
		return fmt.Errorf("%w: initial memory %d pages exceeds limit %d", ErrMemory, mem.Min, cfg.Limits.InitialMemoryLimitPages)
	}
	exp, ok := m.FindExport(ExportMemory)
	if !ok || exp.Kind != ExternalMemory {
		return fmt.Errorf("%w: memory is not exported as %q", ErrMemory, ExportMemory)
	}
	return nil
}

func checkTables(m *Module, cfg Config) error {
	if len(m.Tables) > 1 {
		return fmt.Errorf("%w: %d tables, at most one allowed", ErrTable, len(m.Tables))
	}
	for _, t := range m.Tables {
		if t.ElemType != ValueTypeFuncref {
			return fmt.Errorf("%w: table element type %s", ErrReferenceTypes, t.ElemType)
		}
		if !t.Limits.HasMax {
			return fmt.Errorf("%w: table maximum must be set", ErrTable)
		}
		if t.Limits.Max > cfg.Limits.TableSizeLimitElements {
			return fmt.Errorf("%w: table maximum %d exceeds limit %d", ErrTable, t.Limits.Max, cfg.Limits.TableSizeLimitElements)
		}
	}
	return nil
}

func checkImports(m *Module, cfg Config) error {
	if len(m.Imports) > cfg.Limits.MaxImports {
		return fmt.Errorf("%w: %d imports exceeds limit %d", ErrTooManyImports, len(m.Imports), cfg.Limits.MaxImports)
	}
	var unsupported []string
	for _, imp := range m.Imports {
		full := imp.Module + "." + imp.Name
		if imp.Kind != ExternalFunction {
			return fmt.Errorf("%w: %s is a %s import, only functions are allowed", ErrUnsupportedImport, full, imp.Kind)
		}
		want, ok := cfg.Imports[imp.Name]
		if imp.Module != ImportModule || !ok {
			unsupported = append(unsupported, full)
			continue
		}
		if int(imp.TypeIndex) >= len(m.Types) {
			return fmt.Errorf("%w: import %s references type %d", ErrMalformed, full, imp.TypeIndex)
		}
		if !m.Types[imp.TypeIndex].Equal(want) {
			return fmt.Errorf("%w: %s has signature %s, expected %s", ErrUnsupportedImport, full, m.Types[imp.TypeIndex], want)
		}
	}
	if len(unsupported) > 0 {
		sort.Strings(unsupported)
		return fmt.Errorf("%w: %s", ErrUnsupportedImport, strings.Join(unsupported, ", "))
	}
	return nil
}

func checkExports(m *Module, cfg Config) error {
	if len(m.Exports) > cfg.Limits.MaxExports {
		return fmt.Errorf("%w: %d exports exceeds limit %d", ErrTooManyExports, len(m.Exports), cfg.Limits.MaxExports)
	}

	funcs := make(map[string]uint32)
	var versions []string
	for _, e := range m.Exports {
		if strings.HasPrefix(e.Name, ReservedExportPrefix) {
			return fmt.Errorf("%w: %q", ErrReservedExport, e.Name)
		}
		if e.Kind != ExternalFunction {
			continue
		}
		funcs[e.Name] = e.Index
		if strings.HasPrefix(e.Name, InterfaceVersionPrefix) {
			versions = append(versions, e.Name)
		}
	}

	for _, name := range []string{ExportAllocate, ExportDeallocate} {
		if _, ok := funcs[name]; !ok {
			return fmt.Errorf("%w: %q", ErrMissingExport, name)
		}
	}

	switch len(versions) {
	case 0:
		return fmt.Errorf("%w: missing %s* export", ErrInterfaceVersion, InterfaceVersionPrefix)
	case 1:
	default:
		sort.Strings(versions)
		return fmt.Errorf("%w: multiple markers %s", ErrInterfaceVersion, strings.Join(versions, ", "))
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(versions[0], InterfaceVersionPrefix), 10, 32)
	if err != nil || !containsVersion(cfg.InterfaceVersions, uint32(v)) {
		return fmt.Errorf("%w: unsupported marker %q", ErrInterfaceVersion, versions[0])
	}

	i32 := []ValueType{ValueTypeI32}
	signatures := map[string]FuncType{
		ExportAllocate:   {Params: i32, Results: i32},
		ExportDeallocate: {Params: i32},
	}
	for name, arity := range EntryPointArity {
		params := make([]ValueType, arity)
		for i := range params {
			params[i] = ValueTypeI32
		}
		signatures[name] = FuncType{Params: params, Results: i32}
	}
	for name, want := range signatures {
		idx, ok := funcs[name]
		if !ok {
			continue
		}
		got, err := m.functionType(idx)
		if err != nil {
			return err
		}
		if !got.Equal(want) {
			return fmt.Errorf("%w: export %q has signature %s, expected %s", ErrMissingExport, name, got, want)
		}
	}
	return nil
}

func containsVersion(versions []uint32, v uint32) bool {
	for _, x := range versions {
		if x == v {
			return true
		}
	}
	return false
}

func checkTypes(m *Module, _ Config) error {
	for i, t := range m.Types {
		for _, vt := range append(append([]ValueType{}, t.Params...), t.Results...) {
			if err := checkValueType(vt); err != nil {
				return fmt.Errorf("type %d: %w", i, err)
			}
		}
	}
	return nil
}

func checkValueType(vt ValueType) error {
	switch vt {
	case ValueTypeI32, ValueTypeI64:
		return nil
	case ValueTypeF32, ValueTypeF64:
		return fmt.Errorf("%w: value type %s", ErrFloat, vt)
	case ValueTypeV128:
		return fmt.Errorf("%w: value type %s", ErrSIMD, vt)
	}
	return fmt.Errorf("%w: value type %s", ErrReferenceTypes, vt)
}

func checkGlobals(m *Module, _ Config) error {
	for i, g := range m.Globals {
		if err := checkValueType(g.Type.ValType); err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
	}
	return nil
}

func checkLimits(m *Module, cfg Config) error {
	l := cfg.Limits
	if len(m.Functions) > l.MaxFunctions {
		return fmt.Errorf("%w: %d functions exceeds limit %d", ErrTooManyFunctions, len(m.Functions), l.MaxFunctions)
	}
	total := 0
	for _, typeIdx := range m.Functions {
		t := m.Types[typeIdx]
		if len(t.Params) > l.MaxFunctionParams {
			return fmt.Errorf("%w: %d parameters exceeds limit %d", ErrTooManyParams, len(t.Params), l.MaxFunctionParams)
		}
		total += len(t.Params)
	}
	if total > l.MaxTotalFunctionParams {
		return fmt.Errorf("%w: %d parameters exceeds limit %d", ErrTooManyTotalParams, total, l.MaxTotalFunctionParams)
	}
	for i, t := range m.Types {
		if len(t.Results) > l.MaxFunctionResults {
			return fmt.Errorf("%w: type %d has %d results, limit %d", ErrTooManyResults, i, len(t.Results), l.MaxFunctionResults)
		}
	}
	return nil
}

func checkCode(m *Module, cfg Config) error {
	for i := range m.Bodies {
		body := &m.Bodies[i]
		if len(body.Body) > cfg.Limits.MaxFunctionBodySize {
			return fmt.Errorf("%w: function %d is %d bytes, limit %d", ErrFunctionBodyTooLarge, i, len(body.Body), cfg.Limits.MaxFunctionBodySize)
		}
		if body.LocalCount > cfg.Limits.MaxLocals {
			return fmt.Errorf("%w: function %d declares %d locals, limit %d", ErrTooManyLocals, i, body.LocalCount, cfg.Limits.MaxLocals)
		}
		for _, local := range body.Locals {
			if err := checkValueType(local.Type); err != nil {
				return fmt.Errorf("function %d local: %w", i, err)
			}
		}
		instrs, err := body.Instructions()
		if err != nil {
			return fmt.Errorf("function %d: %w", i, err)
		}
		for _, ins := range instrs {
			switch {
			case IsFloat(ins.Opcode):
				return fmt.Errorf("%w: function %d opcode 0x%02x", ErrFloat, i, ins.Opcode)
			case IsReferenceType(ins.Opcode):
				return fmt.Errorf("%w: function %d opcode 0x%02x", ErrReferenceTypes, i, ins.Opcode)
			}
		}
	}
	return nil
}

// functionType resolves the signature of a function index, counting
// imported functions first.
func (m *Module) functionType(idx uint32) (FuncType, error) {
	imported := uint32(0)
	for _, imp := range m.Imports {
		if imp.Kind != ExternalFunction {
			continue
		}
		if imported == idx {
			return m.Types[imp.TypeIndex], nil
		}
		imported++
	}
	local := idx - imported
	if int(local) >= len(m.Functions) {
		return FuncType{}, fmt.Errorf("%w: function index %d out of range", ErrMalformed, idx)
	}
	return m.Types[m.Functions[local]], nil
}

// Equal reports whether two signatures are identical.
func (t FuncType) Equal(o FuncType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i := range t.Params {
		if t.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range t.Results {
		if t.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

func (t FuncType) String() string {
	var b strings.Builder
	b.WriteString("(")
	for i, p := range t.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") -> (")
	for i, r := range t.Results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	b.WriteString(")")
	return b.String()
}
