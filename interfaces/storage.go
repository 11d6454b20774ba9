package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrRecordNotFound is returned when a named record is absent from a
	// record store.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidLocationURI is returned when a store location cannot be parsed.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// RecordStore holds opaque named records, such as sealed key material.
// Implementations return ErrRecordNotFound for absent records and wrap every
// other failure so that callers can tell "absent" from "could not check".
type RecordStore interface {
	// Get returns the record stored under name.
	Get(ctx context.Context, name string) ([]byte, error)

	// Put creates or replaces the record under name.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes the record, reporting whether one existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Exists reports whether a record is stored under name.
	Exists(ctx context.Context, name string) (bool, error)

	// Name identifies the store in logs.
	Name() string

	// LocationURI is the URI the store was created from, credentials redacted.
	LocationURI() string
}
