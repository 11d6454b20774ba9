// Package cryptoutils provides the signature schemes, the public key text
// encoding and the at-rest sealing used by the custodians.
//
// # Signature schemes
//
//   - ecdsa-p256-sha256: ECDSA over NIST P-256, SHA-256 digest, ASN.1 DER
//     signatures. This is the default and matches what platform key stores
//     produce for "SHA256withECDSA".
//   - secp256k1-keccak256: ECDSA over secp256k1, Keccak-256 digest, 65-byte
//     [R || S || V] signatures as produced by go-ethereum, V being 0 or 1.
//     No other length or recovery byte verifies.
//
// # Public key encoding
//
// A PublicKeyEncoding is standard base64 (with padding) of:
//
//   - the PKIX (SubjectPublicKeyInfo) DER for P-256 keys
//   - the 65-byte uncompressed point for secp256k1 keys
//
// The scheme is recovered from the encoding itself, so Verify needs nothing
// but the encoded key, the payload and the signature. A server holding only
// those three values reaches the same answer as the signing device.
//
// # Payloads
//
// Payloads are opaque bytes. Text payloads are signed as their UTF-8 bytes.
//
// # Sealing
//
// SealWithPassphrase encrypts small secrets with AES-256-GCM under a key
// derived by Argon2id. The sealed format is:
//
//	[version (1 byte)][salt (16 bytes)][nonce (12 bytes)][ciphertext]
package cryptoutils
