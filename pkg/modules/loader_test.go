package modules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajokela/lattice-sub001/pkg/source"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// constExportCompile ignores src.Content and compiles a chunk that returns
// a one-entry map {path: src.Path}, just enough to exercise Loader's
// resolve/run/cache plumbing without a real lexer/parser in this package.
func constExportCompile(calls *int) CompileFunc {
	return func(src *source.SourceFile) (*vm.Chunk, error) {
		*calls++
		chunk := vm.NewChunk(src.Name)
		mapReg, pathReg, keyReg := uint8(0), uint8(1), uint8(2)
		chunk.Emit(vm.EncodeABC(vm.OpNewMap, mapReg, 0, 0), 1)
		pathIdx := chunk.AddConstant(vm.NewString(src.Path))
		chunk.Emit(vm.EncodeABx(vm.OpLoadK, pathReg, pathIdx), 1)
		keyIdx := chunk.AddConstant(vm.NewString("path"))
		chunk.Emit(vm.EncodeABx(vm.OpLoadK, keyReg, keyIdx), 1)
		chunk.Emit(vm.EncodeABC(vm.OpSetIndex, mapReg, keyReg, pathReg), 1)
		chunk.Emit(vm.EncodeABC(vm.OpReturn, mapReg, 0, 0), 1)
		chunk.MaxReg = 3
		return chunk, nil
	}
}

func writeModule(t *testing.T, dir, name, content string) string {
	t.Helper()
	full := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}

func TestLoaderImportCachesByResolvedPath(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "utils.lat", "export fn id(x) { x }")

	var calls int
	l := NewLoader(constExportCompile(&calls), dir)
	defer l.Close()

	v1, err := l.Import("utils")
	require.NoError(t, err)
	v2, err := l.Import("utils.lat")
	require.NoError(t, err)

	require.Equal(t, 1, calls, "second import of the same resolved file must hit the cache")
	m1, ok := v1.AsMap().Get(vm.NewString("path"))
	require.True(t, ok)
	m2, ok := v2.AsMap().Get(vm.NewString("path"))
	require.True(t, ok)
	require.Equal(t, m1.AsString(), m2.AsString())
}

func TestLoaderRequireDoesNotCache(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "script.lat", "1 + 1")

	var calls int
	l := NewLoader(constExportCompile(&calls), dir)
	defer l.Close()

	_, err := l.Require("script")
	require.NoError(t, err)
	_, err = l.Require("script")
	require.NoError(t, err)
	require.Equal(t, 2, calls, "require must re-run the module every call")
}

func TestLoaderImportMissingModule(t *testing.T) {
	dir := t.TempDir()
	var calls int
	l := NewLoader(constExportCompile(&calls), dir)
	defer l.Close()

	_, err := l.Import("does-not-exist")
	require.Error(t, err)
}
