// Package config loads the firmware memory map -- ROM/RAM/MMIO regions,
// virtual serial port addresses, and the model file path -- that binds a
// trained model set to one firmware image for training or replay.
//
// Grounded on the teacher's vm.New(opts ...OptionFn) functional-options
// constructor (internal/vm/vm.go): Load parses a JSON document into a
// MemoryMap, and the MemoryMap's own With* methods return OptionFn values
// that configure a gateway.Gateway the same way the teacher configures an
// LC3 machine, rather than exposing its fields for ad-hoc mutation.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-pretender/pretender/internal/gateway"
)

// Region describes one base/size address range of the firmware's memory
// map: ROM (backed by an image file), RAM, or the MMIO window the
// peripheral engine owns.
type Region struct {
	Base uint32 `json:"base"`
	Size uint32 `json:"size"`
}

// Contains reports whether addr falls within the region.
func (r Region) Contains(addr uint32) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

// SerialPort names one virtual UART's status/data register pair, the
// span the MMIO Gateway delegates to internal/serial instead of the
// peripheral engine (§4.7).
type SerialPort struct {
	Name       string `json:"name"`
	StatusAddr uint32 `json:"status_addr"`
	DataAddr   uint32 `json:"data_addr"`
	Device     string `json:"device"` // real tty device path, or "" for a synthetic console
}

// MemoryMap is the per-firmware configuration loaded by Load: the memory
// regions the emulator exposes and the serial ports and model file this
// system layers on top of them.
type MemoryMap struct {
	ROM struct {
		Region
		File string `json:"file"`
	} `json:"rom"`
	RAM    Region       `json:"ram"`
	MMIO   Region       `json:"mmio"`
	Serial []SerialPort `json:"serial"`

	// ModelFile is the trained model set this memory map's gateway is
	// built from: the replay subcommand loads it when given --config. The
	// train subcommand does not read a memory map.
	ModelFile string `json:"model_file"`

	// TracePath is the trace log this memory map's firmware was recorded
	// to. It is parsed but no subcommand reads it; train takes its trace
	// from --trace.
	TracePath string `json:"trace_path"`
}

// Load reads and parses a memory map from a JSON file at path. No
// third-party config library appears anywhere in the example corpus (the
// upstream Python tool uses PyYAML, but no Go example repo imports a
// YAML/TOML library), so this one component is encoding/json -- see
// DESIGN.md.
func Load(path string) (*MemoryMap, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	var m MemoryMap
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	return &m, nil
}

func (m *MemoryMap) validate() error {
	if m.MMIO.Size == 0 {
		return fmt.Errorf("config: mmio region must have nonzero size")
	}

	for _, s := range m.Serial {
		if !m.MMIO.Contains(s.StatusAddr) || !m.MMIO.Contains(s.DataAddr) {
			return fmt.Errorf("config: serial port %q: status/data addresses outside mmio region", s.Name)
		}
	}

	return nil
}

// OptionFn configures a gateway.Gateway during construction, following
// the teacher's vm.OptionFn pattern: a function applied by the caller
// building the Gateway rather than a struct of knobs threaded through
// every constructor.
type OptionFn func(*gateway.Gateway)

// WithSerialPorts returns an OptionFn that registers every configured
// virtual serial port on the Gateway, delegating its status/data register
// span to adapter.
func (m *MemoryMap) WithSerialPorts(adapters map[string]gateway.SerialPort) OptionFn {
	return func(g *gateway.Gateway) {
		for _, sp := range m.Serial {
			adapter, ok := adapters[sp.Name]
			if !ok {
				continue
			}

			g.RegisterSerialPort(sp.StatusAddr, 4, adapter)
			g.RegisterSerialPort(sp.DataAddr, 4, adapter)
		}
	}
}

// Apply runs every opt over g in order, the same sequencing the teacher's
// vm.New gives its own OptionFn slice.
func Apply(g *gateway.Gateway, opts ...OptionFn) {
	for _, opt := range opts {
		opt(g)
	}
}
