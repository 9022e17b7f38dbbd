package wasm

import (
	"bytes"
	"fmt"
)

// Maximum sizes accepted by the parser regardless of configured limits.
const (
	MaxModuleSize   = 16 << 20 // 16 MB hard cap on any binary
	MaxSectionItems = 1 << 20  // Max entries in any vector
	MaxBrTableSize  = 1 << 16  // Max targets of one br_table
)

// sectionRank orders non-custom sections. Data count precedes code.
func sectionRank(id byte) int {
	switch id {
	case SectionType, SectionImport, SectionFunction, SectionTable, SectionMemory:
		return int(id)
	case SectionGlobal, SectionExport, SectionStart, SectionElement:
		return int(id) + 1
	case SectionDataCount:
		return 11
	case SectionCode:
		return 12
	case SectionData:
		return 13
	}
	return -1
}

// Parse decodes a module. Only the sections that matter for admission and
// instrumentation are decoded; the others are located and left as raw
// bytes.
func Parse(code []byte) (*Module, error) {
	if len(code) > MaxModuleSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(code))
	}
	if len(code) < 8 || !bytes.Equal(code[:4], wasmMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if !bytes.Equal(code[4:8], wasmVersion) {
		return nil, fmt.Errorf("%w: unsupported version %x", ErrMalformed, code[4:8])
	}

	m := &Module{raw: code}
	r := newReader(code)
	r.pos = 8
	lastRank := 0

	for !r.eof() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		start := r.pos
		payload, err := r.bytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("%w: section %d overruns module", ErrMalformed, id)
		}

		if id != SectionCustom {
			rank := sectionRank(id)
			if rank < 0 {
				return nil, fmt.Errorf("%w: unknown section id %d", ErrMalformed, id)
			}
			if rank <= lastRank {
				return nil, fmt.Errorf("%w: section %d out of order", ErrMalformed, id)
			}
			lastRank = rank
		}
		m.Sections = append(m.Sections, Section{ID: id, Start: start, End: start + int(size)})

		if err := m.parseSection(id, payload); err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
	}

	if len(m.Functions) != len(m.Bodies) {
		return nil, fmt.Errorf("%w: %d function declarations but %d bodies", ErrMalformed, len(m.Functions), len(m.Bodies))
	}
	return m, nil
}

func (m *Module) parseSection(id byte, payload []byte) error {
	r := newReader(payload)
	var err error
	switch id {
	case SectionCustom:
		err = m.parseCustom(r)
	case SectionType:
		err = m.parseTypes(r)
	case SectionImport:
		err = m.parseImports(r)
	case SectionFunction:
		err = m.parseFunctions(r)
	case SectionTable:
		err = m.parseTables(r)
	case SectionMemory:
		err = m.parseMemories(r)
	case SectionGlobal:
		err = m.parseGlobals(r)
	case SectionExport:
		err = m.parseExports(r)
	case SectionStart:
		var idx uint32
		idx, err = r.u32()
		m.Start = &idx
	case SectionCode:
		err = m.parseCode(r)
	default:
		// Element, data and data count sections are carried verbatim.
		return nil
	}
	if err != nil {
		return err
	}
	if !r.eof() {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.len())
	}
	return nil
}

// vecLen reads a vector length and bounds it against the remaining input.
func vecLen(r *reader) (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if n > MaxSectionItems || int(n) > r.len() {
		return 0, fmt.Errorf("%w: vector of %d entries", ErrMalformed, n)
	}
	return int(n), nil
}

func (m *Module) parseCustom(r *reader) error {
	name, err := r.name()
	if err != nil {
		return err
	}
	m.Customs = append(m.Customs, CustomSection{Name: name, Data: r.buf[r.pos:]})
	r.pos = len(r.buf)
	return nil
}

func readValueTypes(r *reader) ([]ValueType, error) {
	n, err := vecLen(r)
	if err != nil {
		return nil, err
	}
	out := make([]ValueType, n)
	for i := range out {
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		vt := ValueType(b)
		if !vt.known() {
			return nil, fmt.Errorf("%w: unknown value type 0x%02x", ErrMalformed, b)
		}
		out[i] = vt
	}
	return out, nil
}

func (m *Module) parseTypes(r *reader) error {
	n, err := vecLen(r)
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, n)
	for i := 0; i < n; i++ {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("%w: type %d has form 0x%02x", ErrMalformed, i, form)
		}
		params, err := readValueTypes(r)
		if err != nil {
			return err
		}
		results, err := readValueTypes(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readLimits(r *reader) (ResizableLimits, error) {
	flags, err := r.byte()
	if err != nil {
		return ResizableLimits{}, err
	}
	if flags > 0x03 {
		return ResizableLimits{}, fmt.Errorf("%w: limits flags 0x%02x", ErrMemory, flags)
	}
	var l ResizableLimits
	if l.Min, err = r.u32(); err != nil {
		return ResizableLimits{}, err
	}
	if flags&0x01 != 0 {
		if l.Max, err = r.u32(); err != nil {
			return ResizableLimits{}, err
		}
		l.HasMax = true
		if l.Max < l.Min {
			return ResizableLimits{}, fmt.Errorf("%w: maximum %d below minimum %d", ErrMalformed, l.Max, l.Min)
		}
	}
	l.Shared = flags&0x02 != 0
	return l, nil
}

func readTableType(r *reader) (TableType, error) {
	elem, err := r.byte()
	if err != nil {
		return TableType{}, err
	}
	limits, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: ValueType(elem), Limits: limits}, nil
}

func readGlobalType(r *reader) (GlobalType, error) {
	vt, err := r.byte()
	if err != nil {
		return GlobalType{}, err
	}
	if !ValueType(vt).known() {
		return GlobalType{}, fmt.Errorf("%w: unknown global type 0x%02x", ErrMalformed, vt)
	}
	mut, err := r.byte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("%w: global mutability 0x%02x", ErrMalformed, mut)
	}
	return GlobalType{ValType: ValueType(vt), Mutable: mut == 1}, nil
}

func (m *Module) parseImports(r *reader) error {
	n, err := vecLen(r)
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, n)
	for i := 0; i < n; i++ {
		var imp Import
		if imp.Module, err = r.name(); err != nil {
			return err
		}
		if imp.Name, err = r.name(); err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		imp.Kind = ExternalKind(kind)
		switch imp.Kind {
		case ExternalFunction:
			imp.TypeIndex, err = r.u32()
		case ExternalTable:
			imp.Table, err = readTableType(r)
		case ExternalMemory:
			imp.Memory, err = readLimits(r)
		case ExternalGlobal:
			imp.Global, err = readGlobalType(r)
		default:
			err = fmt.Errorf("%w: import kind 0x%02x", ErrMalformed, kind)
		}
		if err != nil {
			return err
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func (m *Module) parseFunctions(r *reader) error {
	n, err := vecLen(r)
	if err != nil {
		return err
	}
	m.Functions = make([]uint32, n)
	for i := range m.Functions {
		if m.Functions[i], err = r.u32(); err != nil {
			return err
		}
		if int(m.Functions[i]) >= len(m.Types) {
			return fmt.Errorf("%w: function %d references type %d", ErrMalformed, i, m.Functions[i])
		}
	}
	return nil
}

func (m *Module) parseTables(r *reader) error {
	n, err := vecLen(r)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		t, err := readTableType(r)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, t)
	}
	return nil
}

func (m *Module) parseMemories(r *reader) error {
	n, err := vecLen(r)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		l, err := readLimits(r)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, l)
	}
	return nil
}

// readConstExpr consumes an initializer expression up to its end opcode.
func readConstExpr(r *reader) ([]byte, error) {
	start := r.pos
	for {
		ins, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		if ins.Opcode == OpEnd {
			return r.buf[start:r.pos], nil
		}
	}
}

func (m *Module) parseGlobals(r *reader) error {
	n, err := vecLen(r)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readConstExpr(r)
		if err != nil {
			return err
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

func (m *Module) parseExports(r *reader) error {
	n, err := vecLen(r)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate export %q", ErrMalformed, name)
		}
		seen[name] = struct{}{}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		if kind > byte(ExternalGlobal) {
			return fmt.Errorf("%w: export kind 0x%02x", ErrMalformed, kind)
		}
		idx, err := r.u32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: ExternalKind(kind), Index: idx})
	}
	return nil
}

func (m *Module) parseCode(r *reader) error {
	n, err := vecLen(r)
	if err != nil {
		return err
	}
	m.Bodies = make([]FunctionBody, 0, n)
	for i := 0; i < n; i++ {
		size, err := r.u32()
		if err != nil {
			return err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return err
		}
		fb, err := parseBody(body)
		if err != nil {
			return fmt.Errorf("function body %d: %w", i, err)
		}
		m.Bodies = append(m.Bodies, fb)
	}
	return nil
}

func parseBody(body []byte) (FunctionBody, error) {
	br := newReader(body)
	groups, err := vecLen(br)
	if err != nil {
		return FunctionBody{}, err
	}
	fb := FunctionBody{Body: body, Locals: make([]LocalEntry, 0, groups)}
	for j := 0; j < groups; j++ {
		count, err := br.u32()
		if err != nil {
			return FunctionBody{}, err
		}
		vt, err := br.byte()
		if err != nil {
			return FunctionBody{}, err
		}
		if !ValueType(vt).known() {
			return FunctionBody{}, fmt.Errorf("%w: unknown local type 0x%02x", ErrMalformed, vt)
		}
		fb.Locals = append(fb.Locals, LocalEntry{Count: count, Type: ValueType(vt)})
		fb.LocalCount += uint64(count)
	}
	fb.ExprOffset = br.pos
	if len(body) == fb.ExprOffset || body[len(body)-1] != OpEnd {
		return FunctionBody{}, fmt.Errorf("%w: body does not end with end opcode", ErrMalformed)
	}
	return fb, nil
}
