package replica

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictMarkerRotation(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "notes.txt")

	require.NoError(t, os.WriteFile(orig, []byte("v1"), 0o644))
	marked, err := SetConflictMarker(orig)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "notes.conflict.txt"), marked)
	assert.NoFileExists(t, orig)
	assert.True(t, IsMarkedPath(marked))
	assert.Equal(t, orig, UnmarkedPath(marked))

	require.NoError(t, os.WriteFile(orig, []byte("v2"), 0o644))
	_, err = SetConflictMarker(orig)
	require.NoError(t, err)

	files := MarkedFiles(orig)
	require.Len(t, files, 2)
	assert.Equal(t, marked, files[0])
	assert.Equal(t, orig, UnmarkedPath(files[1]))

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestSetConflictMarkerMissingFile(t *testing.T) {
	_, err := SetConflictMarker(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestMarkedPathDetection(t *testing.T) {
	assert.False(t, IsMarkedPath("a/b.txt"))
	assert.True(t, IsMarkedPath("a/b.conflict.txt"))
	assert.True(t, IsMarkedPath("a/b.conflict.20260101120000.txt"))
	assert.Equal(t, "a/b.txt", UnmarkedPath("a/b.conflict.20260101120000.txt"))
}
