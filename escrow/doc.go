// Package escrow splits the sealing passphrase of the sealed key custodian
// into Shamir shares so that it can be recovered by a quorum of holders
// instead of living in a single environment variable.
//
// Shares are text lines of the form
//
//	biosign-share-<threshold>-<hex>
//
// and a custodian URI can name a file of shares with shares-file=PATH, in
// which case the passphrase is reconstructed at startup and kept only in
// memory.
package escrow
