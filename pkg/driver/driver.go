// Package driver is the embedding-host reference driver (spec §6,
// SPEC_FULL §D: "cmd/lattice exists only as the embedding-host reference
// driver required by §6, not as a product CLI"). It wires together a
// host-supplied parser/compiler pipeline, a persistent VM, and a module
// loader into the same kind of long-lived session the teacher's own
// `pkg/driver.Paserati` provides, generalized to Lattice's external-parser
// contract (pkg/ast is the AST the compiler consumes; no lexer/parser
// lives in this repo, so the host must hand the driver one).
package driver

import (
	"fmt"
	"os"

	"github.com/ajokela/lattice-sub001/pkg/config"
	"github.com/ajokela/lattice-sub001/pkg/modules"
	"github.com/ajokela/lattice-sub001/pkg/source"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// CompileFunc turns source text into a runnable Chunk; it is the
// embedding host's lexer+parser+compiler.Compile pipeline, matching
// pkg/modules.CompileFunc so a Driver and its module Loader always agree
// on how source becomes bytecode.
type CompileFunc = modules.CompileFunc

// Session is a persistent Lattice session (spec §6): one VM and one
// module Loader shared across repeated RunSource calls, the same shape
// as the teacher's Paserati struct, so variables and functions defined in
// one evaluation (a REPL line) stay visible to the next.
type Session struct {
	VM      *vm.VM
	Loader  *modules.Loader
	Compile CompileFunc
	Config  config.Config
}

// NewSession builds a Session from cfg (SPEC_FULL §A.3), applying its
// VM resource limits and wiring compile into both the VM-facing module
// loader and the session's own RunSource/RunFile path.
func NewSession(cfg config.Config, compile CompileFunc) (*Session, error) {
	vmInstance, err := config.NewVMFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	loader, err := config.NewLoaderFromConfig(cfg, compile)
	if err != nil {
		return nil, err
	}
	config.ApplyPhaseConfig(vmInstance.Phase, cfg)
	vmInstance.Loader = loader

	return &Session{
		VM:      vmInstance,
		Loader:  loader,
		Compile: compile,
		Config:  cfg,
	}, nil
}

// RunSource compiles and executes sourceCode in this session's persistent
// VM, mirroring the teacher's Paserati.RunString.
func (s *Session) RunSource(name, sourceCode string) (vm.Value, error) {
	src := source.NewSourceFile(name, "", sourceCode)
	chunk, err := s.Compile(src)
	if err != nil {
		return vm.Nil, err
	}
	return s.VM.Run(chunk)
}

// RunFile reads, compiles, and executes a file in this session's
// persistent VM, mirroring the teacher's Paserati.RunFile.
func (s *Session) RunFile(path string) (vm.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return vm.Nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return s.RunSource(path, string(data))
}

// Disassemble compiles sourceCode without executing it and renders its
// bytecode to out via Chunk.Disassemble (SPEC_FULL §A.4's `disasm`
// subcommand).
func (s *Session) Disassemble(name, sourceCode string, out *os.File) error {
	src := source.NewSourceFile(name, "", sourceCode)
	chunk, err := s.Compile(src)
	if err != nil {
		return err
	}
	chunk.Disassemble(out)
	return nil
}

// CacheStats returns the session VM's inline-cache hit/miss counters
// (SPEC_FULL §C's "structured VM stats", carried from the teacher's
// cache.go for the observable PIC behavior spec §4.3.5 implies).
func (s *Session) CacheStats() vm.ICacheStats {
	return s.VM.GetCacheStats()
}

// Close releases the session's module-loader filesystem watch.
func (s *Session) Close() {
	if s.Loader != nil {
		s.Loader.Close()
	}
}
