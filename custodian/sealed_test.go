package custodian

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ruteri/tee-biometric-signer/cryptoutils"
	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/ruteri/tee-biometric-signer/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealedCustodian(t *testing.T) {
	for _, scheme := range []interfaces.Scheme{interfaces.SchemeECDSAP256SHA256, interfaces.SchemeSecp256k1Keccak256} {
		t.Run(string(scheme), func(t *testing.T) {
			c, err := NewSealedFileCustodian(t.TempDir(), []byte("correct horse"), testLogger())
			require.NoError(t, err)
			exerciseCustodian(t, c, scheme)
		})
	}
}

func TestSealedCustodian_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewSealedFileCustodian(dir, []byte("pw"), testLogger())
	require.NoError(t, err)
	handle, err := first.Generate(ctx, "login-key", interfaces.KeyGenOptions{RequireAuthPerUse: true})
	require.NoError(t, err)

	second, err := NewSealedFileCustodian(dir, []byte("pw"), testLogger())
	require.NoError(t, err)

	loaded, err := second.Load(ctx, "login-key")
	require.NoError(t, err)
	want, err := cryptoutils.EncodePublicKey(handle.Public)
	require.NoError(t, err)
	got, err := cryptoutils.EncodePublicKey(loaded.Public)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = second.Sign(ctx, "login-key", []byte("hello"))
	assert.ErrorIs(t, err, interfaces.ErrAuthorizationStale)

	second.Authorize("login-key")
	_, err = second.Sign(ctx, "login-key", []byte("hello"))
	assert.NoError(t, err)
}

func TestSealedCustodian_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := NewSealedFileCustodian(dir, []byte("pw"), testLogger())
	require.NoError(t, err)
	_, err = c.Generate(ctx, "k", interfaces.KeyGenOptions{RequireAuthPerUse: true})
	require.NoError(t, err)

	other, err := NewSealedFileCustodian(dir, []byte("not pw"), testLogger())
	require.NoError(t, err)
	other.Authorize("k")
	_, err = other.Sign(ctx, "k", []byte("hello"))
	assert.Error(t, err)
}

func TestSealedCustodian_KeyFilePermissions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := NewSealedFileCustodian(dir, []byte("pw"), testLogger())
	require.NoError(t, err)
	_, err = c.Generate(ctx, "k", interfaces.KeyGenOptions{})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSealedCustodian_ExistsUnknown(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}

	dir := t.TempDir()
	c, err := NewSealedFileCustodian(filepath.Join(dir, "keys"), []byte("pw"), testLogger())
	require.NoError(t, err)

	require.NoError(t, os.Chmod(filepath.Join(dir, "keys"), 0))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(dir, "keys"), 0700) })

	existence, err := c.Exists(context.Background(), "k")
	assert.Equal(t, interfaces.ExistenceUnknown, existence)
	assert.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
}

func TestSealedCustodian_RejectsEditedRecord(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		edit func(r *sealedKeyRecord)
	}{
		{
			name: "policy switched off",
			edit: func(r *sealedKeyRecord) { r.RequireAuthPerUse = false },
		},
		{
			name: "scheme swapped",
			edit: func(r *sealedKeyRecord) { r.Scheme = interfaces.SchemeSecp256k1Keccak256 },
		},
		{
			name: "public key replaced",
			edit: func(r *sealedKeyRecord) { r.PublicKey = "AAAA" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := storage.NewFileStore(t.TempDir(), testLogger())
			require.NoError(t, err)
			c, err := NewSealedCustodian(store, []byte("pw"), testLogger())
			require.NoError(t, err)

			_, err = c.Generate(ctx, "login-key", interfaces.KeyGenOptions{RequireAuthPerUse: true})
			require.NoError(t, err)

			data, err := store.Get(ctx, recordName("login-key"))
			require.NoError(t, err)
			var record sealedKeyRecord
			require.NoError(t, json.Unmarshal(data, &record))
			tt.edit(&record)
			data, err = json.Marshal(&record)
			require.NoError(t, err)
			require.NoError(t, store.Put(ctx, recordName("login-key"), data))

			// A fresh custodian has no cached policy to fall back on.
			restarted, err := NewSealedCustodian(store, []byte("pw"), testLogger())
			require.NoError(t, err)
			_, err = restarted.Sign(ctx, "login-key", []byte("hello"))
			assert.Error(t, err)

			restarted.Authorize("login-key")
			_, err = restarted.Sign(ctx, "login-key", []byte("hello"))
			assert.Error(t, err)
		})
	}
}

func TestNewSealedCustodian_RequiresPassphrase(t *testing.T) {
	_, err := NewSealedFileCustodian(t.TempDir(), nil, testLogger())
	assert.Error(t, err)
}

func TestSealedCustodian_MirroredStores(t *testing.T) {
	ctx := context.Background()

	primary, err := storage.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	replica, err := storage.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	mirrored, err := NewSealedCustodian(storage.NewMultiStore([]interfaces.RecordStore{primary, replica}, testLogger()), []byte("pw"), testLogger())
	require.NoError(t, err)
	handle, err := mirrored.Generate(ctx, "login-key", interfaces.KeyGenOptions{RequireAuthPerUse: true})
	require.NoError(t, err)

	fromReplica, err := NewSealedCustodian(replica, []byte("pw"), testLogger())
	require.NoError(t, err)
	fromReplica.Authorize("login-key")
	sig, err := fromReplica.Sign(ctx, "login-key", []byte("hello"))
	require.NoError(t, err)

	pub, err := cryptoutils.EncodePublicKey(handle.Public)
	require.NoError(t, err)
	assert.True(t, fromReplica.Verify(pub, []byte("hello"), sig))

	deleted, err := mirrored.Delete(ctx, "login-key")
	require.NoError(t, err)
	assert.True(t, deleted)

	existence, err := fromReplica.Exists(ctx, "login-key")
	require.NoError(t, err)
	assert.Equal(t, interfaces.ExistenceAbsent, existence)
}
