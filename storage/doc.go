// Package storage provides the record stores behind the sealed key custodian.
//
// A record store keeps opaque named blobs. The sealed custodian writes one
// record per key alias holding the public key and the passphrase-sealed
// private key, so the stores never see private key material in the clear.
//
// # Store URI Format
//
//	file:///var/lib/biosign/keys
//	s3://bucket-name/prefix?region=us-west-2&endpoint=http://localhost:9000
//
// Credentials for S3 can be embedded as userinfo; otherwise the default AWS
// credential chain applies.
//
// # Mirroring
//
// MultiStore writes every record to all of its stores and reads from the
// first store that has it. A record counts as absent only when every store
// answered and none had it; a store that could not be reached turns the
// answer into an error instead.
package storage
