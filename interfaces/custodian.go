package interfaces

import "context"

// KeyCustodian owns hardware-backed key pairs and performs the raw sign and
// verify primitives. Private material never leaves it.
type KeyCustodian interface {
	// Generate creates a key pair under alias. It fails rather than degrading
	// when hardware-backed generation is unsupported.
	Generate(ctx context.Context, alias KeyAlias, opts KeyGenOptions) (*KeyPairHandle, error)

	// Delete removes the key pair. It reports false with a nil error when
	// there was nothing to remove.
	Delete(ctx context.Context, alias KeyAlias) (bool, error)

	// Exists reports whether the key pair is present. ExistenceUnknown is
	// returned together with an error wrapping ErrStoreUnavailable.
	Exists(ctx context.Context, alias KeyAlias) (Existence, error)

	// Load returns the handle of an existing key pair, or ErrKeyNotFound.
	Load(ctx context.Context, alias KeyAlias) (*KeyPairHandle, error)

	// Sign signs payload. It only succeeds while the store considers the most
	// recent authentication for alias valid.
	Sign(ctx context.Context, alias KeyAlias, payload []byte) ([]byte, error)

	// Verify is stateless and usable without a live key pair or ceremony.
	Verify(publicKey PublicKeyEncoding, payload, signature []byte) bool
}

// AuthorizationSink receives successful authentications from a gate so the
// store can enforce freshness on Sign.
type AuthorizationSink interface {
	Authorize(alias KeyAlias)
}
