// Package custodian provides key stores whose private keys never leave the
// store boundary.
//
// Every custodian implements interfaces.KeyCustodian and
// interfaces.AuthorizationSink:
//
//   - SoftwareCustodian keeps keys in memory, for development and tests
//   - SealedCustodian persists keys sealed under a passphrase-derived key in
//     a record store (local files, S3, or a mirror of several)
//   - AWSKMSCustodian keeps keys in AWS KMS HSMs
//   - VaultTransitCustodian keeps keys in a HashiCorp Vault transit engine
//
// # Custodian URI Format
//
// Custodians are selected with NewFromURI:
//
//	memory://
//	file:///var/lib/biosign/keys?passphrase-env=BIOSIGN_PASSPHRASE
//	s3://bucket/keys?region=eu-west-1&shares-file=/etc/biosign/shares
//	file:///var/lib/biosign/keys,s3://bucket/keys
//	awskms://eu-west-1?endpoint=http://localhost:4566
//	vault://vault.internal:8200/transit?token-env=VAULT_TOKEN
//
// # Authorization Freshness
//
// Each custodian embeds an AuthLedger. A biometric gate calls Authorize after
// a successful ceremony and Sign consumes that authorization. Keys generated
// with RequireAuthPerUse need one authorization per signature; an
// authorization older than the ledger's validity window is rejected with
// interfaces.ErrAuthorizationStale.
package custodian
