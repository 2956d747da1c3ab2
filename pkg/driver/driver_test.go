package driver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajokela/lattice-sub001/pkg/config"
	"github.com/ajokela/lattice-sub001/pkg/source"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// intLiteralCompile ignores src.Content and compiles a chunk that just
// returns the constant 42, enough to exercise Session's compile/run/
// disassemble plumbing without a real lexer/parser in this package.
func intLiteralCompile(src *source.SourceFile) (*vm.Chunk, error) {
	chunk := vm.NewChunk(src.Name)
	reg := uint8(0)
	idx := chunk.AddConstant(vm.Int(42))
	chunk.Emit(vm.EncodeABx(vm.OpLoadK, reg, idx), 1)
	chunk.Emit(vm.EncodeABC(vm.OpReturn, reg, 0, 0), 1)
	chunk.MaxReg = 1
	return chunk, nil
}

func TestSessionRunSource(t *testing.T) {
	s, err := NewSession(config.Default(), intLiteralCompile)
	require.NoError(t, err)
	defer s.Close()

	result, err := s.RunSource("<test>", "42")
	require.NoError(t, err)
	require.Equal(t, int64(42), result.AsInt())
}

func TestSessionRunFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.lat")
	require.NoError(t, os.WriteFile(path, []byte("42"), 0o644))

	s, err := NewSession(config.Default(), intLiteralCompile)
	require.NoError(t, err)
	defer s.Close()

	result, err := s.RunFile(path)
	require.NoError(t, err)
	require.Equal(t, int64(42), result.AsInt())
}

func TestSessionDisassemble(t *testing.T) {
	s, err := NewSession(config.Default(), intLiteralCompile)
	require.NoError(t, err)
	defer s.Close()

	out, err := os.CreateTemp(t.TempDir(), "disasm")
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, s.Disassemble("<test>", "42", out))
}

func TestSessionAppliesMaxFrames(t *testing.T) {
	cfg := config.Default()
	cfg.VM.MaxFrames = 8
	s, err := NewSession(cfg, intLiteralCompile)
	require.NoError(t, err)
	defer s.Close()
	require.NotNil(t, s.VM)
}
