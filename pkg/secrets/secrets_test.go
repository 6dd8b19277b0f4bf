package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()

	_, err := store.GetString(DefaultService, PairingTokenAccount)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetString(DefaultService, PairingTokenAccount, "tok-1"))
	got, err := store.GetString(DefaultService, PairingTokenAccount)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)

	blob := []byte{0x00, 0xff, 0x10}
	require.NoError(t, store.SetData(DefaultService, "blob", blob))
	data, err := store.GetData(DefaultService, "blob")
	require.NoError(t, err)
	assert.Equal(t, blob, data)

	data[0] = 0x42
	again, err := store.GetData(DefaultService, "blob")
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), again[0], "returned slices are copies")

	require.NoError(t, store.Delete(DefaultService, PairingTokenAccount))
	require.NoError(t, store.Delete(DefaultService, PairingTokenAccount))
	_, err = store.GetString(DefaultService, PairingTokenAccount)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenFileStore(filepath.Join(dir, "secrets.age"), filepath.Join(dir, "identity.age"))
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestFileStore_PersistsEncrypted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.age")
	keyPath := filepath.Join(dir, "identity.age")

	store, err := OpenFileStore(path, keyPath)
	require.NoError(t, err)
	require.NoError(t, store.SetString(DefaultService, PairingTokenAccount, "very-secret-token"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very-secret-token")

	for _, p := range []string{path, keyPath} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), p)
	}

	reopened, err := OpenFileStore(path, keyPath)
	require.NoError(t, err)
	got, err := reopened.GetString(DefaultService, PairingTokenAccount)
	require.NoError(t, err)
	assert.Equal(t, "very-secret-token", got)
}

func TestFileStore_WrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.age")

	store, err := OpenFileStore(path, filepath.Join(dir, "a.age"))
	require.NoError(t, err)
	require.NoError(t, store.SetString("svc", "acct", "v"))

	_, err = OpenFileStore(path, filepath.Join(dir, "b.age"))
	assert.Error(t, err)
}

func TestTokenSlot(t *testing.T) {
	slot := PairingTokenSlot(NewMemoryStore())

	token, err := slot.LoadToken()
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, slot.SaveToken("tok"))
	token, err = slot.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, "tok", token)

	require.NoError(t, slot.ClearToken())
	token, err = slot.LoadToken()
	require.NoError(t, err)
	assert.Empty(t, token)
}
