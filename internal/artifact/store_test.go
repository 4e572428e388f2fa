package artifact

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathResolution(t *testing.T) {
	s := NewFSStore("/srv/aipha", ".yaml")

	rel, err := s.Rel("trading_manager.building_blocks.labelers.potential_capture_engine")
	require.NoError(t, err)
	assert.Equal(t, "trading_manager/building_blocks/labelers/potential_capture_engine.yaml", rel)

	p, err := s.Path("a.b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/aipha", "a", "b.yaml"), p)

	for _, bad := range []string{"", "a..b", "../etc.passwd", "a./b", "a b"} {
		_, err := s.Rel(bad)
		assert.Error(t, err, bad)
	}
}

func TestWriteReadKeepsMode(t *testing.T) {
	root := t.TempDir()
	s := NewFSStore(root, ".yaml")

	_, err := s.Read("pkg.engine")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, s.Write("pkg.engine", []byte("sl_factor: 1\n")))
	path, _ := s.Path("pkg.engine")
	require.NoError(t, os.Chmod(path, 0600))

	require.NoError(t, s.Write("pkg.engine", []byte("sl_factor: 0.9\n")))
	got, err := s.Read("pkg.engine")
	require.NoError(t, err)
	assert.Equal(t, "sl_factor: 0.9\n", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0600), info.Mode().Perm())

	leftovers, _ := filepath.Glob(filepath.Join(root, "pkg", ".aipha-tmp-*"))
	assert.Empty(t, leftovers)
}
