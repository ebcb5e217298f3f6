package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

// MirroredPassStore implements interfaces.PassStore over several stores.
// Writes go to every available store, reads come from the first available
// one.
type MirroredPassStore struct {
	stores []interfaces.PassStore
	log    *slog.Logger
}

// NewMirroredPassStore creates a mirrored pass store.
func NewMirroredPassStore(stores []interfaces.PassStore, logger *slog.Logger) *MirroredPassStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &MirroredPassStore{
		stores: stores,
		log:    logger,
	}
}

// Put writes the pass to all available stores. It fails only if no store accepted it.
func (m *MirroredPassStore) Put(ctx context.Context, pass interfaces.ProvisionedPass) error {
	start := time.Now()
	var success bool
	var errs []error

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Pass store unavailable", slog.String("store", store.Name()))
			continue
		}

		if err := store.Put(ctx, pass); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Debug("Failed to store pass",
				slog.String("store", store.Name()),
				"err", err)
			continue
		}
		success = true
	}

	if !success {
		m.log.Error("All pass stores failed to store pass",
			slog.String("serialNumber", pass.SerialNumber),
			slog.Int("failed_stores", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("%w: all pass stores failed: %v", interfaces.ErrBackendUnavailable, errs)
	}
	return nil
}

// List returns the passes of the first available store that answers.
func (m *MirroredPassStore) List(ctx context.Context) ([]interfaces.ProvisionedPass, error) {
	var errs []error

	for _, store := range m.stores {
		if !store.Available(ctx) {
			continue
		}

		passes, err := store.List(ctx)
		if err == nil {
			return passes, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		m.log.Debug("Failed to list passes",
			slog.String("store", store.Name()),
			"err", err)
	}

	return nil, fmt.Errorf("%w: all pass stores failed to list: %v", interfaces.ErrBackendUnavailable, errs)
}

// Delete removes the pass from every available store. It returns
// ErrPassNotFound only when no store held the pass.
func (m *MirroredPassStore) Delete(ctx context.Context, serialNumber string) error {
	var removed bool
	var errs []error

	for _, store := range m.stores {
		if !store.Available(ctx) {
			continue
		}

		err := store.Delete(ctx, serialNumber)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, interfaces.ErrPassNotFound):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		}
	}

	if removed {
		if len(errs) > 0 {
			m.log.Warn("Pass removed from some stores only",
				slog.String("serialNumber", serialNumber),
				slog.Any("errors", errs))
		}
		return nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, errs)
	}
	return interfaces.ErrPassNotFound
}

// Available checks if any store is available.
func (m *MirroredPassStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MirroredPassStore) Name() string {
	return "mirrored"
}

// LocationURI combines the locations of all stores.
func (m *MirroredPassStore) LocationURI() string {
	locations := make([]string, 0, len(m.stores))
	for _, store := range m.stores {
		locations = append(locations, store.LocationURI())
	}
	return "mirror:[" + strings.Join(locations, ",") + "]"
}
