package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Scheme names a signature scheme.
type Scheme string

const (
	SchemeECDSAP256SHA256    Scheme = "ecdsa-p256-sha256"
	SchemeSecp256k1Keccak256 Scheme = "secp256k1-keccak256"
)

// Validate checks that the scheme is known.
func (s Scheme) Validate() error {
	switch s {
	case SchemeECDSAP256SHA256, SchemeSecp256k1Keccak256:
		return nil
	default:
		return fmt.Errorf("unknown signature scheme %q", string(s))
	}
}

// PublicKeyEncoding is the transport-safe text form of a public key.
type PublicKeyEncoding string

// String returns the encoding as a string.
func (e PublicKeyEncoding) String() string {
	return string(e)
}

// GenerateKey creates a private key for the scheme.
func GenerateKey(scheme Scheme) (*ecdsa.PrivateKey, error) {
	switch scheme {
	case SchemeECDSAP256SHA256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case SchemeSecp256k1Keccak256:
		return ethcrypto.GenerateKey()
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", string(scheme))
	}
}

// SchemeOf returns the scheme a public key belongs to.
func SchemeOf(pub crypto.PublicKey) (Scheme, error) {
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecPub == nil || ecPub.Curve == nil {
		return "", fmt.Errorf("unsupported public key type: %T", pub)
	}
	if ecPub.Curve == elliptic.P256() {
		return SchemeECDSAP256SHA256, nil
	}
	params := ecPub.Curve.Params()
	if params != nil && params.P.Cmp(ethcrypto.S256().Params().P) == 0 {
		return SchemeSecp256k1Keccak256, nil
	}
	return "", errors.New("unsupported elliptic curve")
}

// EncodePublicKey derives the PublicKeyEncoding of a public key.
func EncodePublicKey(pub crypto.PublicKey) (PublicKeyEncoding, error) {
	scheme, err := SchemeOf(pub)
	if err != nil {
		return "", err
	}

	var raw []byte
	switch scheme {
	case SchemeECDSAP256SHA256:
		raw, err = x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return "", fmt.Errorf("failed to marshal public key: %w", err)
		}
	case SchemeSecp256k1Keccak256:
		raw = ethcrypto.FromECDSAPub(pub.(*ecdsa.PublicKey))
	}
	return PublicKeyEncoding(base64.StdEncoding.EncodeToString(raw)), nil
}

// DecodePublicKey parses a PublicKeyEncoding and reports its scheme.
func DecodePublicKey(enc PublicKeyEncoding) (*ecdsa.PublicKey, Scheme, error) {
	raw, err := base64.StdEncoding.DecodeString(string(enc))
	if err != nil {
		return nil, "", fmt.Errorf("invalid public key encoding: %w", err)
	}

	if parsed, err := x509.ParsePKIXPublicKey(raw); err == nil {
		ecPub, ok := parsed.(*ecdsa.PublicKey)
		if !ok || ecPub.Curve != elliptic.P256() {
			return nil, "", fmt.Errorf("unsupported PKIX public key: %T", parsed)
		}
		return ecPub, SchemeECDSAP256SHA256, nil
	}

	if len(raw) == 65 && raw[0] == 0x04 {
		ecPub, err := ethcrypto.UnmarshalPubkey(raw)
		if err != nil {
			return nil, "", fmt.Errorf("invalid secp256k1 public key: %w", err)
		}
		return ecPub, SchemeSecp256k1Keccak256, nil
	}

	return nil, "", errors.New("unrecognized public key encoding")
}

// PublicKeyFromDER parses a PKIX DER public key, as returned by cloud key
// services, and checks it is a P-256 key.
func PublicKeyFromDER(der []byte) (*ecdsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	ecPub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || ecPub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported public key: %T", parsed)
	}
	return ecPub, nil
}

// MarshalPrivateKey serializes a private key for sealed storage: SEC1 DER
// for P-256, the raw 32-byte scalar for secp256k1.
func MarshalPrivateKey(scheme Scheme, priv *ecdsa.PrivateKey) ([]byte, error) {
	switch scheme {
	case SchemeECDSAP256SHA256:
		return x509.MarshalECPrivateKey(priv)
	case SchemeSecp256k1Keccak256:
		return ethcrypto.FromECDSA(priv), nil
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", string(scheme))
	}
}

// UnmarshalPrivateKey reverses MarshalPrivateKey.
func UnmarshalPrivateKey(scheme Scheme, raw []byte) (*ecdsa.PrivateKey, error) {
	switch scheme {
	case SchemeECDSAP256SHA256:
		return x509.ParseECPrivateKey(raw)
	case SchemeSecp256k1Keccak256:
		return ethcrypto.ToECDSA(raw)
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", string(scheme))
	}
}
