package custodian

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-biometric-signer/cryptoutils"
	"github.com/ruteri/tee-biometric-signer/interfaces"
)

// SoftwareCustodian keeps key pairs in process memory. It enforces the same
// authorization rules as the hardware-backed custodians and is suitable for
// development and testing.
type SoftwareCustodian struct {
	*AuthLedger

	mu   sync.RWMutex
	keys map[interfaces.KeyAlias]*softwareKey
	log  *slog.Logger
	now  func() time.Time
}

type softwareKey struct {
	priv      *ecdsa.PrivateKey
	scheme    interfaces.Scheme
	createdAt time.Time
}

// NewSoftwareCustodian creates an empty in-memory custodian.
func NewSoftwareCustodian(log *slog.Logger) *SoftwareCustodian {
	return &SoftwareCustodian{
		AuthLedger: NewAuthLedger(DefaultAuthValidity),
		keys:       make(map[interfaces.KeyAlias]*softwareKey),
		log:        log,
		now:        time.Now,
	}
}

// WithAuthLedger replaces the authorization ledger, for instance to change
// the validity window or the clock.
func (c *SoftwareCustodian) WithAuthLedger(ledger *AuthLedger) *SoftwareCustodian {
	c.AuthLedger = ledger
	return c
}

// Generate creates a key pair, replacing any existing entry for alias.
func (c *SoftwareCustodian) Generate(ctx context.Context, alias interfaces.KeyAlias, opts interfaces.KeyGenOptions) (*interfaces.KeyPairHandle, error) {
	scheme := opts.SchemeOrDefault()
	priv, err := cryptoutils.GenerateKey(scheme)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsupportedScheme, err)
	}

	key := &softwareKey{priv: priv, scheme: scheme, createdAt: c.now()}

	c.mu.Lock()
	c.keys[alias] = key
	c.mu.Unlock()

	c.Forget(alias)
	c.SetPolicy(alias, opts.RequireAuthPerUse)

	c.log.Debug("Generated software key pair", "alias", alias, "scheme", scheme)
	return key.handle(alias), nil
}

// Delete removes the key pair for alias.
func (c *SoftwareCustodian) Delete(ctx context.Context, alias interfaces.KeyAlias) (bool, error) {
	c.mu.Lock()
	_, ok := c.keys[alias]
	delete(c.keys, alias)
	c.mu.Unlock()

	c.Forget(alias)
	return ok, nil
}

// Exists never reports ExistenceUnknown since memory is always readable.
func (c *SoftwareCustodian) Exists(ctx context.Context, alias interfaces.KeyAlias) (interfaces.Existence, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.keys[alias]; ok {
		return interfaces.ExistencePresent, nil
	}
	return interfaces.ExistenceAbsent, nil
}

// Load returns the handle of an existing key pair.
func (c *SoftwareCustodian) Load(ctx context.Context, alias interfaces.KeyAlias) (*interfaces.KeyPairHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[alias]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return key.handle(alias), nil
}

// Sign signs payload if a fresh authorization exists for alias.
func (c *SoftwareCustodian) Sign(ctx context.Context, alias interfaces.KeyAlias, payload []byte) ([]byte, error) {
	c.mu.RLock()
	key, ok := c.keys[alias]
	c.mu.RUnlock()
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}

	if err := c.Consume(alias); err != nil {
		return nil, err
	}

	return cryptoutils.Sign(key.scheme, key.priv, payload)
}

// Verify checks a signature against an encoded public key.
func (c *SoftwareCustodian) Verify(publicKey interfaces.PublicKeyEncoding, payload, signature []byte) bool {
	return cryptoutils.Verify(publicKey, payload, signature)
}

func (k *softwareKey) handle(alias interfaces.KeyAlias) *interfaces.KeyPairHandle {
	return &interfaces.KeyPairHandle{
		Alias:     alias,
		Scheme:    k.scheme,
		Public:    &k.priv.PublicKey,
		CreatedAt: k.createdAt,
	}
}
