package custodian

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/tee-biometric-signer/cryptoutils"
	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/ruteri/tee-biometric-signer/storage"
)

// SealedCustodian persists key pairs in a record store. Private keys are
// sealed with a passphrase-derived AES-GCM key and only opened in memory for
// the duration of a sign call.
type SealedCustodian struct {
	*AuthLedger

	store      interfaces.RecordStore
	passphrase []byte
	log        *slog.Logger
	now        func() time.Time
}

type sealedKeyRecord struct {
	Alias             interfaces.KeyAlias          `json:"alias"`
	Scheme            interfaces.Scheme            `json:"scheme"`
	PublicKey         interfaces.PublicKeyEncoding `json:"public_key"`
	RequireAuthPerUse bool                         `json:"require_auth_per_use"`
	CreatedAt         time.Time                    `json:"created_at"`
	SealedPrivateKey  []byte                       `json:"sealed_private_key"`
}

// binding is the additional data the private key is sealed under. Editing
// any of these fields in the store makes the record fail to open.
func (r *sealedKeyRecord) binding() []byte {
	return []byte(strings.Join([]string{
		r.Alias.String(),
		string(r.Scheme),
		string(r.PublicKey),
		strconv.FormatBool(r.RequireAuthPerUse),
	}, "\x00"))
}

// NewSealedCustodian creates a custodian keeping sealed records in store.
func NewSealedCustodian(store interfaces.RecordStore, passphrase []byte, log *slog.Logger) (*SealedCustodian, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("sealed custodian requires a passphrase")
	}

	return &SealedCustodian{
		AuthLedger: NewAuthLedger(DefaultAuthValidity),
		store:      store,
		passphrase: append([]byte(nil), passphrase...),
		log:        log,
		now:        time.Now,
	}, nil
}

// NewSealedFileCustodian creates a sealed custodian over a file store rooted
// at baseDir.
func NewSealedFileCustodian(baseDir string, passphrase []byte, log *slog.Logger) (*SealedCustodian, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("sealed custodian requires a passphrase")
	}
	store, err := storage.NewFileStore(baseDir, log)
	if err != nil {
		return nil, err
	}
	return NewSealedCustodian(store, passphrase, log)
}

// Generate creates and seals a key pair, replacing any existing entry.
func (c *SealedCustodian) Generate(ctx context.Context, alias interfaces.KeyAlias, opts interfaces.KeyGenOptions) (*interfaces.KeyPairHandle, error) {
	scheme := opts.SchemeOrDefault()
	priv, err := cryptoutils.GenerateKey(scheme)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsupportedScheme, err)
	}

	rawPriv, err := cryptoutils.MarshalPrivateKey(scheme, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	pubEnc, err := cryptoutils.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	record := sealedKeyRecord{
		Alias:             alias,
		Scheme:            scheme,
		PublicKey:         pubEnc,
		RequireAuthPerUse: opts.RequireAuthPerUse,
		CreatedAt:         c.now().UTC(),
	}

	record.SealedPrivateKey, err = cryptoutils.SealWithPassphrase(c.passphrase, rawPriv, record.binding())
	clear(rawPriv)
	if err != nil {
		return nil, fmt.Errorf("failed to seal private key: %w", err)
	}

	if err := c.writeRecord(ctx, alias, &record); err != nil {
		return nil, err
	}

	c.Forget(alias)
	c.SetPolicy(alias, opts.RequireAuthPerUse)

	c.log.Debug("Stored sealed key pair",
		slog.String("alias", alias.String()),
		slog.String("store", c.store.Name()))

	return &interfaces.KeyPairHandle{
		Alias:     alias,
		Scheme:    scheme,
		Public:    &priv.PublicKey,
		CreatedAt: record.CreatedAt,
	}, nil
}

// Delete removes the sealed record for alias.
func (c *SealedCustodian) Delete(ctx context.Context, alias interfaces.KeyAlias) (bool, error) {
	deleted, err := c.store.Delete(ctx, recordName(alias))
	if err != nil {
		return deleted, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if deleted {
		c.Forget(alias)
	}
	return deleted, nil
}

// Exists reports ExistenceUnknown when the store cannot tell whether the
// record is there.
func (c *SealedCustodian) Exists(ctx context.Context, alias interfaces.KeyAlias) (interfaces.Existence, error) {
	ok, err := c.store.Exists(ctx, recordName(alias))
	switch {
	case err != nil:
		return interfaces.ExistenceUnknown, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	case ok:
		return interfaces.ExistencePresent, nil
	default:
		return interfaces.ExistenceAbsent, nil
	}
}

// Load returns the handle of an existing key pair without opening the
// sealed private key.
func (c *SealedCustodian) Load(ctx context.Context, alias interfaces.KeyAlias) (*interfaces.KeyPairHandle, error) {
	record, err := c.readRecord(ctx, alias)
	if err != nil {
		return nil, err
	}

	pub, scheme, err := cryptoutils.DecodePublicKey(record.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("corrupt key record for %s: %w", alias, err)
	}

	return &interfaces.KeyPairHandle{
		Alias:     alias,
		Scheme:    scheme,
		Public:    pub,
		CreatedAt: record.CreatedAt,
	}, nil
}

// Sign opens the sealed private key and signs payload if a fresh
// authorization exists for alias.
func (c *SealedCustodian) Sign(ctx context.Context, alias interfaces.KeyAlias, payload []byte) ([]byte, error) {
	record, err := c.readRecord(ctx, alias)
	if err != nil {
		return nil, err
	}

	// The policy is only trusted once the seal has authenticated it.
	rawPriv, err := cryptoutils.OpenWithPassphrase(c.passphrase, record.SealedPrivateKey, record.binding())
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed key: %w", err)
	}

	c.SetPolicy(alias, record.RequireAuthPerUse)
	if err := c.Consume(alias); err != nil {
		clear(rawPriv)
		return nil, err
	}

	priv, err := cryptoutils.UnmarshalPrivateKey(record.Scheme, rawPriv)
	clear(rawPriv)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return cryptoutils.Sign(record.Scheme, priv, payload)
}

// Verify checks a signature against an encoded public key.
func (c *SealedCustodian) Verify(publicKey interfaces.PublicKeyEncoding, payload, signature []byte) bool {
	return cryptoutils.Verify(publicKey, payload, signature)
}

func (c *SealedCustodian) readRecord(ctx context.Context, alias interfaces.KeyAlias) (*sealedKeyRecord, error) {
	data, err := c.store.Get(ctx, recordName(alias))
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	var record sealedKeyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt key record for %s: %w", alias, err)
	}
	if record.Alias != alias {
		return nil, fmt.Errorf("key record alias mismatch: %s != %s", record.Alias, alias)
	}
	return &record, nil
}

func (c *SealedCustodian) writeRecord(ctx context.Context, alias interfaces.KeyAlias, record *sealedKeyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode key record: %w", err)
	}
	if err := c.store.Put(ctx, recordName(alias), data); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// recordName maps an alias to a record name that is safe in any store.
func recordName(alias interfaces.KeyAlias) string {
	sum := sha256.Sum256([]byte(alias))
	return hex.EncodeToString(sum[:]) + ".key.json"
}
