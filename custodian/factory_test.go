package custodian

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruteri/tee-biometric-signer/escrow"
	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromURI(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_SEAL_PASSPHRASE", "pw")
	t.Setenv("TEST_VAULT_TOKEN", "root")

	tests := []struct {
		name    string
		uri     string
		want    interface{}
		wantErr bool
	}{
		{name: "memory", uri: "memory://", want: &SoftwareCustodian{}},
		{name: "file", uri: "file://" + dir + "?passphrase-env=TEST_SEAL_PASSPHRASE", want: &SealedCustodian{}},
		{name: "file without passphrase", uri: "file://" + dir + "?passphrase-env=TEST_UNSET_PASSPHRASE", wantErr: true},
		{name: "s3", uri: "s3://bucket/keys?region=eu-west-1&endpoint=http://localhost:9000&passphrase-env=TEST_SEAL_PASSPHRASE", want: &SealedCustodian{}},
		{name: "mirrored", uri: "file://" + dir + "?passphrase-env=TEST_SEAL_PASSPHRASE,s3://bucket/keys", want: &SealedCustodian{}},
		{name: "mirrored with kms", uri: "file://" + dir + "?passphrase-env=TEST_SEAL_PASSPHRASE,awskms://eu-west-1", wantErr: true},
		{name: "missing shares file", uri: "file://" + dir + "?shares-file=" + filepath.Join(dir, "absent"), wantErr: true},
		{name: "awskms", uri: "awskms://eu-west-1?endpoint=http://localhost:4566", want: &AWSKMSCustodian{}},
		{name: "vault", uri: "vault://127.0.0.1:8200/transit?token-env=TEST_VAULT_TOKEN&tls=false", want: &VaultTransitCustodian{}},
		{name: "vault bad retries", uri: "vault://127.0.0.1:8200/transit?retries=x", wantErr: true},
		{name: "unknown scheme", uri: "ipfs://localhost:5001", wantErr: true},
		{name: "unparseable", uri: "://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewFromURI(tt.uri, testLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, c)
		})
	}
}

func TestNewFromURI_EscrowedPassphrase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	keys := filepath.Join(dir, "keys")

	t.Setenv("TEST_SEAL_PASSPHRASE", "escrowed pw")
	direct, err := NewFromURI("file://"+keys+"?passphrase-env=TEST_SEAL_PASSPHRASE", testLogger())
	require.NoError(t, err)
	_, err = direct.Generate(ctx, "login-key", interfaces.KeyGenOptions{RequireAuthPerUse: true})
	require.NoError(t, err)

	shares, err := escrow.Split([]byte("escrowed pw"), 3, 2)
	require.NoError(t, err)
	sharesFile := filepath.Join(dir, "shares.txt")
	require.NoError(t, os.WriteFile(sharesFile, []byte(shares[0].String()+"\n"+shares[2].String()+"\n"), 0600))

	recovered, err := NewFromURI("file://"+keys+"?shares-file="+sharesFile, testLogger())
	require.NoError(t, err)
	recovered.Authorize("login-key")
	_, err = recovered.Sign(ctx, "login-key", []byte("hello"))
	assert.NoError(t, err)

	require.NoError(t, os.WriteFile(sharesFile, []byte(shares[1].String()+"\n"), 0600))
	_, err = NewFromURI("file://"+keys+"?shares-file="+sharesFile, testLogger())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "passphrase"))
}
