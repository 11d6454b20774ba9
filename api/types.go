package api

import (
	"github.com/ruteri/tee-biometric-signer/interfaces"
)

// VerifyRequest asks whether Signature is a valid signature of Payload
// under PublicKey.
type VerifyRequest struct {
	// PublicKey is the text encoding produced by EncodePublicKey.
	PublicKey interfaces.PublicKeyEncoding `json:"public_key"`

	// Payload is the signed text. Its UTF-8 bytes are what was signed.
	Payload string `json:"payload"`

	// Signature is the standard base64 encoding of the signature.
	Signature string `json:"signature"`
}

// VerifyResponse carries the verification outcome.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// ErrorResponse is returned with non-2xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}
