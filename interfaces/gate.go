package interfaces

import "context"

// CeremonyHandle identifies one ceremony started by a BiometricGate.
type CeremonyHandle string

// CeremonyRequest describes the ceremony the orchestrator wants run.
type CeremonyRequest struct {
	Alias  KeyAlias
	Token  uint64
	Prompt PromptContext
}

// CeremonyCallbacks receive ceremony events. OnFailedAttempt may fire many
// times; OnSuccess and OnError fire at most once and are terminal.
type CeremonyCallbacks struct {
	OnSuccess       func()
	OnFailedAttempt func()
	OnError         func(err error)
}

// BiometricGate owns the sensor interaction.
type BiometricGate interface {
	// IsStrongAuthAvailable is a one-shot probe; a later ceremony may still fail.
	IsStrongAuthAvailable(ctx context.Context, prompt PromptContext) bool

	// StartCeremony begins interactive authentication.
	StartCeremony(ctx context.Context, req CeremonyRequest, callbacks CeremonyCallbacks) (CeremonyHandle, error)

	// Cancel forcibly ends a ceremony. It is idempotent.
	Cancel(handle CeremonyHandle)
}
