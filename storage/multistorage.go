package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tee-biometric-signer/interfaces"
)

// MultiStore mirrors records across several stores. Writes go to every
// store and succeed when at least one does; reads are served by the first
// store that has the record.
type MultiStore struct {
	stores []interfaces.RecordStore
	log    *slog.Logger
}

func NewMultiStore(stores []interfaces.RecordStore, logger *slog.Logger) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStore{
		stores: stores,
		log:    logger,
	}
}

func (m *MultiStore) Get(ctx context.Context, name string) ([]byte, error) {
	var errs []error
	for _, store := range m.stores {
		data, err := store.Get(ctx, name)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		m.log.Debug("Failed to read from store",
			slog.String("store", store.Name()),
			slog.String("record", name),
			"err", err)
	}

	// Absent everywhere only counts as absent if every store could answer.
	if len(errs) == 0 {
		return nil, interfaces.ErrRecordNotFound
	}
	return nil, fmt.Errorf("all stores failed to read %s: %w", name, errors.Join(errs...))
}

func (m *MultiStore) Put(ctx context.Context, name string, data []byte) error {
	var errs []error
	for _, store := range m.stores {
		if err := store.Put(ctx, name, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Warn("Failed to write to store",
				slog.String("store", store.Name()),
				slog.String("record", name),
				"err", err)
		}
	}

	if len(errs) == len(m.stores) {
		return fmt.Errorf("all stores failed to write %s: %w", name, errors.Join(errs...))
	}
	return nil
}

// Delete removes the record from every store. Any store failure is
// reported so that a mirror never silently keeps a deleted key.
func (m *MultiStore) Delete(ctx context.Context, name string) (bool, error) {
	var deleted bool
	var errs []error
	for _, store := range m.stores {
		ok, err := store.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			continue
		}
		deleted = deleted || ok
	}
	return deleted, errors.Join(errs...)
}

func (m *MultiStore) Exists(ctx context.Context, name string) (bool, error) {
	var errs []error
	for _, store := range m.stores {
		ok, err := store.Exists(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

func (m *MultiStore) Name() string {
	return "multi-store"
}

func (m *MultiStore) LocationURI() string {
	var locations []string
	for _, store := range m.stores {
		locations = append(locations, store.LocationURI())
	}
	return strings.Join(locations, ",")
}
