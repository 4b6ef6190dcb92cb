package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
	apppb "go.viam.com/api/app/v1"
)

func TestFileStoreCredentialsRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.False(t, store.HasCredentials())
	_, err = store.GetCredentials()
	require.ErrorIs(t, err, ErrNotFound)

	creds := Credentials{ID: "an-id-test", Secret: "a-secret-test"}
	require.NoError(t, store.StoreCredentials(creds))
	require.True(t, store.HasCredentials())

	got, err := store.GetCredentials()
	require.NoError(t, err)
	require.Equal(t, creds, got)

	require.NoError(t, store.ResetCredentials())
	require.False(t, store.HasCredentials())
	// resetting an already-absent blob is not an error
	require.NoError(t, store.ResetCredentials())
}

func TestFileStoreConfigRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.False(t, store.HasConfig())

	cfg := &apppb.RobotConfig{
		Cloud: &apppb.CloudConfig{
			Fqdn:      "test-bot.xxds65ui.viam.cloud",
			LocalFqdn: "test-bot.xxds65ui.viam.local.cloud",
		},
	}
	require.NoError(t, store.StoreConfig(cfg))
	require.True(t, store.HasConfig())

	got, err := store.GetConfig()
	require.NoError(t, err)
	require.Equal(t, cfg.Cloud.Fqdn, got.Cloud.Fqdn)
	require.Equal(t, cfg.Cloud.LocalFqdn, got.Cloud.LocalFqdn)

	require.NoError(t, store.ResetConfig())
	require.False(t, store.HasConfig())
}

func TestMemStoreIsolation(t *testing.T) {
	store := NewMemStore()
	cfg := &apppb.RobotConfig{Cloud: &apppb.CloudConfig{Fqdn: "a.b.c"}}
	require.NoError(t, store.StoreConfig(cfg))

	// mutating the caller's copy must not affect the stored blob
	cfg.Cloud.Fqdn = "changed"
	got, err := store.GetConfig()
	require.NoError(t, err)
	require.Equal(t, "a.b.c", got.Cloud.Fqdn)
}
