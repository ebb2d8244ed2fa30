package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFileSystem_ReadDirSkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.las"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.laz"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.las"), 0755))

	names, err := OSFileSystem{}.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.laz", "b.las"}, names)
}

func TestOSFileSystem_Exists(t *testing.T) {
	fs := OSFileSystem{}

	if !fs.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}
	if fs.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestMemoryFileSystem_CreateRequiresParent(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_, err := mfs.Create("/missing/out.asc")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, mfs.MkdirAll("/missing", 0755))
	w, err := mfs.Create("/missing/out.asc")
	require.NoError(t, err)
	_, err = w.Write([]byte("ncols 1"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := mfs.ReadFile("/missing/out.asc")
	require.NoError(t, err)
	assert.Equal(t, "ncols 1", string(data))
}

func TestMemoryFileSystem_OpenReadsContent(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile("/tile.las", []byte("LASF"), 0644))

	f, err := mfs.Open("/tile.las")
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "LASF", string(data))
}

func TestMemoryFileSystem_ReadDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/data/nested", 0755))
	require.NoError(t, mfs.WriteFile("/data/b.las", nil, 0644))
	require.NoError(t, mfs.WriteFile("/data/a.las", nil, 0644))
	require.NoError(t, mfs.WriteFile("/data/nested/c.las", nil, 0644))

	names, err := mfs.ReadDir("/data")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.las", "b.las"}, names)

	_, err = mfs.ReadDir("/nope")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestMemoryFileSystem_RemoveNonEmptyDirFails(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/work/t1", 0755))
	require.NoError(t, mfs.WriteFile("/work/t1/count.las", nil, 0644))

	assert.Error(t, mfs.Remove("/work/t1"))
	require.NoError(t, mfs.Remove("/work/t1/count.las"))
	require.NoError(t, mfs.Remove("/work/t1"))
	assert.False(t, mfs.Exists("/work/t1"))

	err := mfs.Remove("/work/t1")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestMemoryFileSystem_RemoveAll(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/work/t1", 0755))
	require.NoError(t, mfs.WriteFile("/work/t1/a.asc", nil, 0644))
	require.NoError(t, mfs.WriteFile("/work/t10.asc", nil, 0644))

	require.NoError(t, mfs.RemoveAll("/work/t1"))
	assert.Equal(t, []string{"/work/t10.asc"}, mfs.Files())
}
