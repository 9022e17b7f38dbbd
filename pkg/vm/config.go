package vm

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fortiblox/wasmvm/internal/types"
	"github.com/fortiblox/wasmvm/pkg/vm/cache"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/gas"
	"github.com/fortiblox/wasmvm/pkg/vm/imports"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

// InterfaceVersion is the contract ABI version this VM implements.
const InterfaceVersion = 8

// Config holds VM configuration.
type Config struct {
	// Capabilities are the capability tokens the host offers.
	Capabilities []string `yaml:"capabilities"`

	// InterfaceVersions are the accepted interface_version_<n> markers.
	InterfaceVersions []uint32 `yaml:"interface_versions"`

	// MaxCallDepth bounds nested contract calls. The outermost call is
	// depth 1 and every contract entered through query_chain adds one.
	MaxCallDepth uint32 `yaml:"max_call_depth"`

	// MaxResultLength bounds the region an entry point may return.
	MaxResultLength uint32 `yaml:"max_result_length"`

	Cache      cache.Config   `yaml:"cache"`
	Engine     engine.Config  `yaml:"engine"`
	Validation wasm.Limits    `yaml:"validation"`
	Gas        gas.Config     `yaml:"gas"`
	HostLimits imports.Limits `yaml:"host_limits"`

	// Cost prices instructions. Nil uses wasm.DefaultCost. Changing it
	// requires a new wasm.CostTableVersion.
	Cost wasm.CostFunc `yaml:"-"`
}

// DefaultConfig returns the default configuration with all state under
// home.
func DefaultConfig(home string) Config {
	eng := engine.DefaultConfig()
	eng.CompilationCacheDir = filepath.Join(home, "native")
	return Config{
		InterfaceVersions: []uint32{InterfaceVersion},
		MaxCallDepth:      8,
		MaxResultLength:   64 * types.MiB,
		Cache:             cache.DefaultConfig(home),
		Engine:            eng,
		Validation:        wasm.DefaultLimits(),
		Gas:               gas.DefaultConfig(),
		HostLimits:        imports.DefaultLimits(),
	}
}

// LoadConfig reads a YAML file onto DefaultConfig(home). Keys missing from
// the file keep their defaults.
func LoadConfig(path, home string) (Config, error) {
	cfg := DefaultConfig(home)
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
