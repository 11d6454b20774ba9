package interfaces

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ruteri/tee-biometric-signer/cryptoutils"
)

type Scheme = cryptoutils.Scheme
type PublicKeyEncoding = cryptoutils.PublicKeyEncoding

const (
	SchemeECDSAP256SHA256    = cryptoutils.SchemeECDSAP256SHA256
	SchemeSecp256k1Keccak256 = cryptoutils.SchemeSecp256k1Keccak256
)

// KeyAlias names one key-pair slot in a custodian.
type KeyAlias string

// NewKeyAlias validates a caller-supplied alias.
func NewKeyAlias(alias string) (KeyAlias, error) {
	if strings.TrimSpace(alias) == "" {
		return "", errors.New("key alias must not be empty")
	}
	if strings.ContainsAny(alias, "/\\\x00") {
		return "", errors.New("key alias must not contain path separators or NUL")
	}
	return KeyAlias(alias), nil
}

// String returns the alias as a string.
func (a KeyAlias) String() string {
	return string(a)
}

// KeyGenOptions controls custodian key generation.
type KeyGenOptions struct {
	// RequireAuthPerUse makes every Sign consume a fresh authorization.
	RequireAuthPerUse bool
	// Scheme selects the signature scheme. Empty means SchemeECDSAP256SHA256.
	Scheme Scheme
}

// SchemeOrDefault returns the requested scheme or the P-256 default.
func (o KeyGenOptions) SchemeOrDefault() Scheme {
	if o.Scheme == "" {
		return SchemeECDSAP256SHA256
	}
	return o.Scheme
}

// KeyPairHandle references a custodian-owned key pair. It carries public
// material only.
type KeyPairHandle struct {
	Alias     KeyAlias
	Scheme    Scheme
	Public    crypto.PublicKey
	CreatedAt time.Time
}

// Existence is the tri-state answer of KeyCustodian.Exists.
type Existence int

const (
	// ExistenceUnknown means the store could not be consulted.
	ExistenceUnknown Existence = iota
	ExistencePresent
	ExistenceAbsent
)

// String returns the state name.
func (e Existence) String() string {
	switch e {
	case ExistencePresent:
		return "present"
	case ExistenceAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// Known reports whether the state is definite, and if so whether the key exists.
func (e Existence) Known() (present bool, known bool) {
	switch e {
	case ExistencePresent:
		return true, true
	case ExistenceAbsent:
		return false, true
	default:
		return false, false
	}
}

// PromptContext is the presentation context handed to the biometric gate.
type PromptContext struct {
	Title       string
	Subtitle    string
	Description string
}

// SignedResult pairs a payload with the signature produced for it after one
// authenticated request. It is immutable: accessors return copies.
type SignedResult struct {
	alias     KeyAlias
	scheme    Scheme
	token     uint64
	payload   []byte
	signature []byte
	signedAt  time.Time
}

// NewSignedResult copies payload and signature into a new result.
func NewSignedResult(alias KeyAlias, scheme Scheme, token uint64, payload, signature []byte, signedAt time.Time) *SignedResult {
	return &SignedResult{
		alias:     alias,
		scheme:    scheme,
		token:     token,
		payload:   append([]byte(nil), payload...),
		signature: append([]byte(nil), signature...),
		signedAt:  signedAt,
	}
}

func (r *SignedResult) Alias() KeyAlias     { return r.alias }
func (r *SignedResult) Scheme() Scheme      { return r.scheme }
func (r *SignedResult) Token() uint64       { return r.token }
func (r *SignedResult) SignedAt() time.Time { return r.signedAt }

// Payload returns a copy of the signed payload.
func (r *SignedResult) Payload() []byte {
	return append([]byte(nil), r.payload...)
}

// Signature returns a copy of the raw signature bytes.
func (r *SignedResult) Signature() []byte {
	return append([]byte(nil), r.signature...)
}

// EncodedSignature returns the signature as standard base64 text.
func (r *SignedResult) EncodedSignature() string {
	return base64.StdEncoding.EncodeToString(r.signature)
}

type signedResultJSON struct {
	Alias     KeyAlias  `json:"alias"`
	Scheme    Scheme    `json:"scheme"`
	Token     uint64    `json:"token"`
	Payload   string    `json:"payload"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// MarshalJSON encodes the payload as text and the signature as base64.
func (r *SignedResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(signedResultJSON{
		Alias:     r.alias,
		Scheme:    r.scheme,
		Token:     r.token,
		Payload:   string(r.payload),
		Signature: r.EncodedSignature(),
		SignedAt:  r.signedAt,
	})
}
