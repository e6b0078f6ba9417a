package persist

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileSystemStore {
	t.Helper()

	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err, "Failed to create FileSystemStore")
	return store
}

func testRecord() *DerivationRecord {
	return &DerivationRecord{
		Salt:     bytes.Repeat([]byte{0x42}, 32),
		Verifier: bytes.Repeat([]byte{0x07}, 16),
		Params: DerivationParams{
			Time:    4,
			Memory:  128 * 1024,
			Threads: 4,
			KeyLen:  32,
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestSaveLoadDerivation(t *testing.T) {
	store := newTestStore(t)

	record := testRecord()
	require.NoError(t, store.SaveDerivation("inst-1", record))

	loaded, err := store.LoadDerivation("inst-1")
	require.NoError(t, err)
	assert.Equal(t, record.Salt, loaded.Salt)
	assert.Equal(t, record.Verifier, loaded.Verifier)
	assert.Equal(t, record.Params, loaded.Params)
}

func TestLoadMissingDerivation(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadDerivation("inst-missing")
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err), "missing record should report os.IsNotExist")
}

func TestDerivationExists(t *testing.T) {
	store := newTestStore(t)

	exists, err := store.DerivationExists("inst-1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.SaveDerivation("inst-1", testRecord()))

	exists, err = store.DerivationExists("inst-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeleteDerivation(t *testing.T) {
	store := newTestStore(t)

	// Deleting a record that was never written is not an error
	require.NoError(t, store.DeleteDerivation("inst-1"))

	require.NoError(t, store.SaveDerivation("inst-1", testRecord()))
	require.NoError(t, store.DeleteDerivation("inst-1"))

	exists, err := store.DerivationExists("inst-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSaveOverwrites(t *testing.T) {
	store := newTestStore(t)

	first := testRecord()
	require.NoError(t, store.SaveDerivation("inst-1", first))

	second := testRecord()
	second.Salt = bytes.Repeat([]byte{0x99}, 32)
	require.NoError(t, store.SaveDerivation("inst-1", second))

	loaded, err := store.LoadDerivation("inst-1")
	require.NoError(t, err)
	assert.Equal(t, second.Salt, loaded.Salt)
}

func TestListInstances(t *testing.T) {
	store := newTestStore(t)

	instances, err := store.ListInstances()
	require.NoError(t, err)
	assert.Empty(t, instances)

	require.NoError(t, store.SaveDerivation("inst-b", testRecord()))
	require.NoError(t, store.SaveDerivation("inst-a", testRecord()))

	instances, err = store.ListInstances()
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a", "inst-b"}, instances)

	// Deleted instances drop out of the listing
	require.NoError(t, store.DeleteDerivation("inst-b"))
	instances, err = store.ListInstances()
	require.NoError(t, err)
	assert.Equal(t, []string{"inst-a"}, instances)
}

func TestInstanceIsolation(t *testing.T) {
	store := newTestStore(t)

	recordA := testRecord()
	recordA.Salt = bytes.Repeat([]byte{0xAA}, 32)
	recordB := testRecord()
	recordB.Salt = bytes.Repeat([]byte{0xBB}, 32)

	require.NoError(t, store.SaveDerivation("inst-a", recordA))
	require.NoError(t, store.SaveDerivation("inst-b", recordB))

	loadedA, err := store.LoadDerivation("inst-a")
	require.NoError(t, err)
	loadedB, err := store.LoadDerivation("inst-b")
	require.NoError(t, err)

	assert.NotEqual(t, loadedA.Salt, loadedB.Salt)
	assert.Equal(t, recordA.Salt, loadedA.Salt)
	assert.Equal(t, recordB.Salt, loadedB.Salt)
}

func TestInvalidInstanceIDs(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"", "../escape", "a/b", "a\\b", "has space"} {
		err := store.SaveDerivation(id, testRecord())
		assert.Error(t, err, "instance ID %q should be rejected", id)
	}
}

func TestFilePermissions(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveDerivation("inst-1", testRecord()))

	info, err := os.Stat(store.instancePath("inst-1") + "/" + derivationFile)
	require.NoError(t, err)
	assert.Equal(t, FilePermissions, info.Mode().Perm())
}
