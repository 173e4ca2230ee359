package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	fixed := func(fsType string) func(string) (string, error) {
		return func(string) (string, error) { return fsType, nil }
	}

	require.NoError(t, checkLocalFilesystem(filepath.Join(dir, "a", "b", "state.db"), fixed("ext4")))

	err := checkLocalFilesystem(filepath.Join(dir, "state.db"), fixed("NFS"))
	var nfsErr *NetworkFilesystemError
	require.ErrorAs(t, err, &nfsErr)
	assert.Equal(t, "NFS", nfsErr.FSType)
	assert.Contains(t, err.Error(), "local disk")

	boom := errors.New("statfs failed")
	err = checkLocalFilesystem(dir, func(string) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)

	assert.Error(t, checkLocalFilesystem("", fixed("ext4")))
}

func TestNearestExisting(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	got, err := nearestExisting(filepath.Join(dir, "missing", "deeper", "state.db"))
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}
