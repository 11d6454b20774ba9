package cryptoutils

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Digest hashes payload the way the scheme signs it.
func Digest(scheme Scheme, payload []byte) ([]byte, error) {
	switch scheme {
	case SchemeECDSAP256SHA256:
		sum := sha256.Sum256(payload)
		return sum[:], nil
	case SchemeSecp256k1Keccak256:
		return ethcrypto.Keccak256(payload), nil
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", string(scheme))
	}
}

// Sign signs payload with priv under scheme.
func Sign(scheme Scheme, priv *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	digest, err := Digest(scheme, payload)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case SchemeECDSAP256SHA256:
		return ecdsa.SignASN1(rand.Reader, priv, digest)
	default:
		return ethcrypto.Sign(digest, priv)
	}
}

// VerifyWithKey checks signature over payload against a parsed public key.
func VerifyWithKey(pub *ecdsa.PublicKey, payload, signature []byte) bool {
	scheme, err := SchemeOf(pub)
	if err != nil {
		return false
	}
	digest, err := Digest(scheme, payload)
	if err != nil {
		return false
	}

	switch scheme {
	case SchemeECDSAP256SHA256:
		return ecdsa.VerifyASN1(pub, digest, signature)
	default:
		// Only the [R || S || V] form Sign emits is accepted, and V must
		// recover this very key.
		if len(signature) != ethcrypto.SignatureLength || signature[ethcrypto.RecoveryIDOffset] > 1 {
			return false
		}
		expected := ethcrypto.FromECDSAPub(pub)
		if !ethcrypto.VerifySignature(expected, digest, signature[:ethcrypto.RecoveryIDOffset]) {
			return false
		}
		recovered, err := ethcrypto.Ecrecover(digest, signature)
		return err == nil && bytes.Equal(recovered, expected)
	}
}

// Verify checks signature over payload against an encoded public key. It is
// stateless and returns false for any malformed input.
func Verify(publicKey PublicKeyEncoding, payload, signature []byte) bool {
	pub, _, err := DecodePublicKey(publicKey)
	if err != nil {
		return false
	}
	return VerifyWithKey(pub, payload, signature)
}
