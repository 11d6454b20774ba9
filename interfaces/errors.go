package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityUnavailable is returned when strong biometric authentication
	// is absent or not enrolled on the device.
	ErrCapabilityUnavailable = errors.New("strong biometric authentication unavailable")

	// ErrKeyGenerationFailed is returned when the custodian could not produce a
	// hardware-backed key pair.
	ErrKeyGenerationFailed = errors.New("key generation failed")

	// ErrKeyNotFound is returned when the alias has no key pair.
	ErrKeyNotFound = errors.New("key pair not found")

	// ErrStoreUnavailable is returned when the key store cannot be consulted.
	ErrStoreUnavailable = errors.New("key store unavailable")

	// ErrAuthenticationAborted is the terminal failure of a ceremony.
	ErrAuthenticationAborted = errors.New("authentication aborted")

	// ErrCeremonySuperseded resolves a request replaced by a newer one.
	ErrCeremonySuperseded = fmt.Errorf("%w: superseded by a newer request", ErrAuthenticationAborted)

	// ErrCeremonyCancelled resolves a request cancelled by its caller.
	ErrCeremonyCancelled = fmt.Errorf("%w: cancelled", ErrAuthenticationAborted)

	// ErrSigningFailed is returned when the custodian rejected the sign call.
	ErrSigningFailed = errors.New("signing failed")

	// ErrAuthorizationStale is returned by custodians when no fresh
	// authentication backs a sign call.
	ErrAuthorizationStale = errors.New("no fresh authorization for key")

	// ErrUnsupportedScheme is returned for signature schemes a custodian cannot host.
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")
)
