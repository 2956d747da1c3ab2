package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajokela/lattice-sub001/pkg/vm"
)

func TestLoadOverridesOnlyMentionedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lattice.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[vm]
max_frames = 64

[modules]
package_root = "./scripts"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.VM.MaxFrames)
	require.Equal(t, "./scripts", cfg.Modules.PackageRoot)
	require.Equal(t, vm.RegsMax, cfg.VM.MaxRegisters, "unspecified field keeps its default")
	require.True(t, cfg.Phase.HistoryEnabled, "unspecified field keeps its default")
}

func TestNewVMFromConfigRejectsOversizedRegisters(t *testing.T) {
	cfg := Default()
	cfg.VM.MaxRegisters = vm.RegsMax + 1
	_, err := NewVMFromConfig(cfg)
	require.Error(t, err)
}

func TestNewVMFromConfigAppliesMaxFrames(t *testing.T) {
	cfg := Default()
	cfg.VM.MaxFrames = 4
	v, err := NewVMFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, v)
}
