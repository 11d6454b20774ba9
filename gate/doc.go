// Package gate provides biometric gates that authorize custodian signing.
//
// A gate runs a ceremony for one request at a time per caller. Each
// ceremony reports through interfaces.CeremonyCallbacks: OnFailedAttempt for
// every rejected sample, then exactly one of OnSuccess or OnError unless it
// is cancelled first. On success the gate records an authorization with its
// interfaces.AuthorizationSink before calling OnSuccess, so the custodian
// accepts the signature that follows.
//
// PromptGate compares line-delimited samples with an Enrollment, a salted
// argon2id template stored on disk.
package gate
