package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDeviceIdentity_CreatesOnce(t *testing.T) {
	store := newTestStore(t)

	_, err := store.DeviceIdentity()
	require.ErrorIs(t, err, ErrNoIdentity)

	first, err := store.EnsureDeviceIdentity("kitchen-tablet")
	require.NoError(t, err)
	require.NotEmpty(t, first.NodeID)
	assert.Equal(t, "kitchen-tablet", first.DisplayName)
	assert.False(t, first.IsPaired())

	second, err := store.EnsureDeviceIdentity("")
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, second.NodeID, "node id is stable")
	assert.Equal(t, "kitchen-tablet", second.DisplayName)

	renamed, err := store.EnsureDeviceIdentity("hallway-tablet")
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, renamed.NodeID)
	assert.Equal(t, "hallway-tablet", renamed.DisplayName)
}

func TestPairingFieldsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	_, err := store.EnsureDeviceIdentity("node")
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SavePairing("tok-123", at))

	id, err := store.DeviceIdentity()
	require.NoError(t, err)
	assert.True(t, id.IsPaired())
	assert.Equal(t, "tok-123", id.PairingToken)
	require.NotNil(t, id.PairedAt)
	assert.True(t, at.Equal(*id.PairedAt))

	require.NoError(t, store.ClearPairing())
	id, err = store.DeviceIdentity()
	require.NoError(t, err)
	assert.False(t, id.IsPaired())
	assert.Nil(t, id.PairedAt)
	assert.NotEmpty(t, id.NodeID)
}

func TestIdentitySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.db")
	store, err := New(path)
	require.NoError(t, err)
	created, err := store.EnsureDeviceIdentity("node")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	version, err := reopened.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	loaded, err := reopened.DeviceIdentity()
	require.NoError(t, err)
	assert.Equal(t, created.NodeID, loaded.NodeID)
}
