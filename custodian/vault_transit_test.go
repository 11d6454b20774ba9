package custodian

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransit serves the subset of the Vault transit API the custodian uses.
type fakeTransit struct {
	mu              sync.Mutex
	keys            map[string]*ecdsa.PrivateKey
	deletionAllowed map[string]bool
	token           string
}

func newFakeTransit(token string) *fakeTransit {
	return &fakeTransit{
		keys:            make(map[string]*ecdsa.PrivateKey),
		deletionAllowed: make(map[string]bool),
		token:           token,
	}
}

func writeVaultData(w http.ResponseWriter, data map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func writeVaultError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errs := []string{}
	if msg != "" {
		errs = append(errs, msg)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"errors": errs})
}

func (f *fakeTransit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Vault-Token") != f.token {
		writeVaultError(w, http.StatusForbidden, "permission denied")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/transit/")
	switch {
	case strings.HasPrefix(path, "keys/") && strings.HasSuffix(path, "/config"):
		name := strings.TrimSuffix(strings.TrimPrefix(path, "keys/"), "/config")
		f.deletionAllowed[name] = true
		w.WriteHeader(http.StatusNoContent)

	case strings.HasPrefix(path, "keys/"):
		name := strings.TrimPrefix(path, "keys/")
		switch r.Method {
		case http.MethodGet:
			priv, ok := f.keys[name]
			if !ok {
				writeVaultError(w, http.StatusNotFound, "")
				return
			}
			der, _ := x509.MarshalPKIXPublicKey(&priv.PublicKey)
			writeVaultData(w, map[string]interface{}{
				"type":           "ecdsa-p256",
				"latest_version": 1,
				"keys": map[string]interface{}{
					"1": map[string]interface{}{
						"public_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
						"creation_time": time.Now().UTC().Format(time.RFC3339Nano),
					},
				},
			})
		case http.MethodPut, http.MethodPost:
			priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			f.keys[name] = priv
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			if !f.deletionAllowed[name] {
				writeVaultError(w, http.StatusBadRequest, "deletion is not allowed for this key")
				return
			}
			delete(f.keys, name)
			delete(f.deletionAllowed, name)
			w.WriteHeader(http.StatusNoContent)
		}

	case strings.HasPrefix(path, "sign/"):
		name := strings.TrimSuffix(strings.TrimPrefix(path, "sign/"), "/sha2-256")
		priv, ok := f.keys[name]
		if !ok {
			writeVaultError(w, http.StatusBadRequest, "signing key not found")
			return
		}
		var body struct {
			Input string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		input, _ := base64.StdEncoding.DecodeString(body.Input)
		digest := sha256.Sum256(input)
		sig, _ := ecdsa.SignASN1(rand.Reader, priv, digest[:])
		writeVaultData(w, map[string]interface{}{
			"signature": "vault:v1:" + base64.StdEncoding.EncodeToString(sig),
		})

	default:
		writeVaultError(w, http.StatusNotFound, "")
	}
}

func newTestVaultCustodian(t *testing.T, handler http.Handler, token string) *VaultTransitCustodian {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewVaultTransitCustodian(VaultTransitConfig{
		Address:   srv.URL,
		MountPath: "transit",
		Token:     token,
	}, testLogger())
	require.NoError(t, err)
	return c
}

func TestVaultTransitCustodian(t *testing.T) {
	c := newTestVaultCustodian(t, newFakeTransit("root"), "root")
	exerciseCustodian(t, c, interfaces.SchemeECDSAP256SHA256)
}

func TestVaultTransitCustodian_ExistsUnknownWhenDenied(t *testing.T) {
	c := newTestVaultCustodian(t, newFakeTransit("root"), "wrong")

	existence, err := c.Exists(context.Background(), "k")
	assert.Equal(t, interfaces.ExistenceUnknown, existence)
	assert.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
}

func TestVaultTransitCustodian_RejectsSecp256k1(t *testing.T) {
	c := newTestVaultCustodian(t, newFakeTransit("root"), "root")
	_, err := c.Generate(context.Background(), "k", interfaces.KeyGenOptions{Scheme: interfaces.SchemeSecp256k1Keccak256})
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedScheme)
}

func TestParseTransitSignature(t *testing.T) {
	sig, err := parseTransitSignature("vault:v3:" + base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, sig)

	for _, bad := range []string{"", "vault:v1", "other:v1:AQID", "vault:1:AQID", "vault:v1:***"} {
		_, err := parseTransitSignature(bad)
		assert.Error(t, err, bad)
	}
}
