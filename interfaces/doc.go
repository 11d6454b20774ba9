// Package interfaces defines the data model and the contracts between the
// signing orchestrator and its collaborators, without implementation details.
//
// # Contracts
//
//   - KeyCustodian: owns one or more named key pairs and performs the raw
//     sign and verify primitives. Implementations live in package custodian.
//   - BiometricGate: runs authentication ceremonies and reports success,
//     individual failed attempts and terminal errors. Implementations live in
//     package gate.
//   - AuthorizationSink: the channel through which a gate tells a custodian
//     that a fresh authentication happened for an alias.
//   - RecordStore: named opaque records, where sealed key material is kept.
//     Implementations live in package storage.
//
// # Types
//
//   - KeyAlias: caller-supplied name of one key-pair slot
//   - KeyPairHandle: public view of a custodian-owned key pair
//   - Existence: present / absent / unknown
//   - SignedResult: immutable payload and signature pair
//   - PublicKeyEncoding: base64 text form of a public key (see cryptoutils)
//
// # Errors
//
// Expected outcomes are reported with the sentinel errors in errors.go and
// should be matched with errors.Is:
//
//	if errors.Is(err, interfaces.ErrAuthenticationAborted) {
//	    // no signature was produced
//	}
package interfaces
