package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	sealVersion  = 1
	sealSaltSize = 16
	gcmNonceSize = 12
)

// DeriveKey stretches a passphrase into a 32-byte key with Argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// SealWithPassphrase encrypts plaintext under a passphrase-derived key.
// additionalData is authenticated but not encrypted.
func SealWithPassphrase(passphrase, plaintext, additionalData []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aesGCM, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	ciphertext := aesGCM.Seal(nil, nonce, plaintext, additionalData)

	result := make([]byte, 0, 1+len(salt)+len(nonce)+len(ciphertext))
	result = append(result, sealVersion)
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// OpenWithPassphrase reverses SealWithPassphrase.
func OpenWithPassphrase(passphrase, sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < 1+sealSaltSize+gcmNonceSize {
		return nil, errors.New("sealed data too short")
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("unsupported sealed data version %d", sealed[0])
	}

	salt := sealed[1 : 1+sealSaltSize]
	nonce := sealed[1+sealSaltSize : 1+sealSaltSize+gcmNonceSize]
	ciphertext := sealed[1+sealSaltSize+gcmNonceSize:]

	aesGCM, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
