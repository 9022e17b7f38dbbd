package wasm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Entry point names a contract may export.
const (
	EntryInstantiate       = "instantiate"
	EntryExecute           = "execute"
	EntryQuery             = "query"
	EntryMigrate           = "migrate"
	EntrySudo              = "sudo"
	EntryReply             = "reply"
	EntryIBCChannelOpen    = "ibc_channel_open"
	EntryIBCChannelConnect = "ibc_channel_connect"
	EntryIBCChannelClose   = "ibc_channel_close"
	EntryIBCPacketReceive  = "ibc_packet_receive"
	EntryIBCPacketAck      = "ibc_packet_ack"
	EntryIBCPacketTimeout  = "ibc_packet_timeout"
)

// EntryPointArity is the number of region pointer arguments each entry
// point takes. Entry points return one region pointer.
var EntryPointArity = map[string]int{
	EntryInstantiate:       3,
	EntryExecute:           3,
	EntryQuery:             2,
	EntryMigrate:           2,
	EntrySudo:              2,
	EntryReply:             2,
	EntryIBCChannelOpen:    2,
	EntryIBCChannelConnect: 2,
	EntryIBCChannelClose:   2,
	EntryIBCPacketReceive:  2,
	EntryIBCPacketAck:      2,
	EntryIBCPacketTimeout:  2,
}

// IBCEntryPoints must all be present for a contract to be IBC enabled.
var IBCEntryPoints = []string{
	EntryIBCChannelOpen,
	EntryIBCChannelConnect,
	EntryIBCChannelClose,
	EntryIBCPacketReceive,
	EntryIBCPacketAck,
	EntryIBCPacketTimeout,
}

// Marker export conventions.
const (
	CapabilityExportPrefix = "requires_"
	InterfaceVersionPrefix = "interface_version_"
	MigrateVersionSection  = "contract_migrate_version"
)

// Report is the analysis derived from a module once at upload.
type Report struct {
	// EntryPoints lists the known entry points the module exports, sorted.
	EntryPoints []string `json:"entry_points"`

	// HasIBCEntryPoints is true if every IBC entry point is exported.
	HasIBCEntryPoints bool `json:"has_ibc_entry_points"`

	// RequiredCapabilities are the tokens of requires_<token> exports, sorted.
	RequiredCapabilities []string `json:"required_capabilities"`

	// InterfaceVersion is the n of the interface_version_<n> marker.
	InterfaceVersion uint32 `json:"interface_version"`

	// MigrateVersion is the optional version from the migrate version
	// custom section.
	MigrateVersion *uint64 `json:"migrate_version,omitempty"`
}

// HasEntryPoint reports whether name is one of the module's entry points.
func (r *Report) HasEntryPoint(name string) bool {
	i := sort.SearchStrings(r.EntryPoints, name)
	return i < len(r.EntryPoints) && r.EntryPoints[i] == name
}

// Analyze derives the report of a parsed module without applying any
// admission rule.
func Analyze(m *Module) (*Report, error) {
	rep := &Report{
		EntryPoints:          []string{},
		RequiredCapabilities: RequiredCapabilities(m),
	}

	for _, e := range m.Exports {
		if e.Kind != ExternalFunction {
			continue
		}
		if _, ok := EntryPointArity[e.Name]; ok {
			rep.EntryPoints = append(rep.EntryPoints, e.Name)
		}
		if v, ok := strings.CutPrefix(e.Name, InterfaceVersionPrefix); ok {
			n, err := strconv.ParseUint(v, 10, 32)
			if err == nil {
				rep.InterfaceVersion = uint32(n)
			}
		}
	}
	sort.Strings(rep.EntryPoints)

	rep.HasIBCEntryPoints = true
	for _, name := range IBCEntryPoints {
		if !rep.HasEntryPoint(name) {
			rep.HasIBCEntryPoints = false
			break
		}
	}

	if data, ok := m.Custom(MigrateVersionSection); ok {
		v, err := strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMigrateVersion, data)
		}
		rep.MigrateVersion = &v
	}
	return rep, nil
}

// RequiredCapabilities returns the sorted, de-duplicated capability tokens
// declared by requires_<token> function exports. The exports are markers
// only and are never called.
func RequiredCapabilities(m *Module) []string {
	set := make(map[string]struct{})
	for _, e := range m.Exports {
		if e.Kind != ExternalFunction {
			continue
		}
		if token, ok := strings.CutPrefix(e.Name, CapabilityExportPrefix); ok && token != "" {
			set[token] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for token := range set {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}
