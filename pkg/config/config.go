// Package config decodes the embedding host's lattice.toml (SPEC_FULL §A.3):
// VM resource limits, the module search path, and phase-runtime toggles that
// spec.md itself leaves to the host to decide. Grounded on the teacher's
// pack-mate `cmd/gprobe/config.go` (ProbeChain), which decodes its node
// config the same way: a `toml.Decoder` over a buffered file reader, with
// struct tags pinning each field to its documented snake_case TOML key.
package config

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/naoina/toml"

	"github.com/ajokela/lattice-sub001/pkg/modules"
	"github.com/ajokela/lattice-sub001/pkg/phase"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// VMConfig is the `[vm]` table (SPEC_FULL §A.3).
type VMConfig struct {
	MaxFrames    int `toml:"max_frames"`
	MaxRegisters int `toml:"max_registers"`
}

// ModulesConfig is the `[modules]` table.
type ModulesConfig struct {
	PackageRoot string `toml:"package_root"`
	CacheTTL    string `toml:"cache_ttl"` // parsed via time.ParseDuration; "" means no expiry
}

// PhaseConfig is the `[phase]` table.
type PhaseConfig struct {
	HistoryEnabled bool `toml:"history_enabled"`
}

// Config is the full decoded lattice.toml. Any table/field the host
// omits keeps Default()'s value.
type Config struct {
	VM      VMConfig
	Modules ModulesConfig
	Phase   PhaseConfig
}

// Default returns the documented defaults (vm.RegsMax/vm.FramesMax, no
// module root, history tracking on — matching the teacher's own "history
// is always on" behavior since Lattice has no flag to disable it).
func Default() Config {
	return Config{
		VM: VMConfig{
			MaxFrames:    vm.FramesMax,
			MaxRegisters: vm.RegsMax,
		},
		Phase: PhaseConfig{HistoryEnabled: true},
	}
}

// Load decodes path as a lattice.toml over Default()'s values, so a config
// file only needs to mention the fields it overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := toml.NewDecoder(bufio.NewReader(f)).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// NewVMFromConfig builds a VM and applies cfg's resource-limit overrides.
// MaxRegisters is validated rather than applied: the register stack's
// per-frame window width is a compile-time constant of the encoding
// itself (spec §4.1's 8-bit register indices), so a host asking for more
// than vm.RegsMax is a configuration error, and asking for fewer would
// silently break any chunk using a register at or above the requested
// ceiling — neither is a safe runtime knob, unlike the call-depth cap.
func NewVMFromConfig(cfg Config) (*vm.VM, error) {
	if cfg.VM.MaxRegisters > vm.RegsMax {
		return nil, fmt.Errorf("config: max_registers %d exceeds the compiled register width %d", cfg.VM.MaxRegisters, vm.RegsMax)
	}
	v := vm.NewVM()
	v.SetMaxFrames(cfg.VM.MaxFrames)
	return v, nil
}

// NewLoaderFromConfig wires a pkg/modules.Loader rooted at cfg.Modules's
// package root (or cwd, if unset), with an optional cache TTL eviction
// goroutine layered on top of the Loader's own change-driven invalidation.
func NewLoaderFromConfig(cfg Config, compile modules.CompileFunc) (*modules.Loader, error) {
	root := cfg.Modules.PackageRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	l := modules.NewLoader(compile, root)
	if cfg.Modules.CacheTTL == "" {
		return l, nil
	}
	ttl, err := time.ParseDuration(cfg.Modules.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("config: modules.cache_ttl: %w", err)
	}
	l.SetCacheTTL(ttl)
	return l, nil
}

// ApplyPhaseConfig toggles history tracking on registry per cfg (spec
// §4.4's history mechanism, SPEC_FULL §A.3's `[phase] history_enabled`).
func ApplyPhaseConfig(registry *phase.Registry, cfg Config) {
	registry.HistoryEnabled = cfg.Phase.HistoryEnabled
}
