package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileInfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))

	info, err := NewFileInfo(path)
	require.NoError(t, err)
	assert.Equal(t, "report.txt", info.Name)
	assert.Equal(t, path, info.Path)
	assert.Equal(t, int64(8), info.Size)
	assert.NotZero(t, info.ModifiedTime)
	assert.Contains(t, info.MimeType, "text/plain")
	assert.False(t, info.IsDirectory)
	assert.Zero(t, info.Hash)
}

func TestNewFileInfoDirectory(t *testing.T) {
	info, err := NewFileInfo(t.TempDir())
	require.NoError(t, err)
	assert.True(t, info.IsDirectory)
}

func TestNewFileInfoMissing(t *testing.T) {
	_, err := NewFileInfo(filepath.Join(t.TempDir(), "absent.bin"))
	require.Error(t, err)
	assert.Equal(t, ErrFileNotFound, KindOf(err))
}
