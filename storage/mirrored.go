package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/supersign/interfaces"
)

// MirroredStorage implements interfaces.KeyValueStorage on top of several backends.
// Reads fall back through the backends in order, writes go to every backend.
type MirroredStorage struct {
	backends []interfaces.KeyValueStorage
	log      *slog.Logger
}

// NewMirroredStorage creates a new mirrored store with fallback
func NewMirroredStorage(backends []interfaces.KeyValueStorage, logger *slog.Logger) *MirroredStorage {
	if logger == nil {
		logger = slog.Default()
	}

	return &MirroredStorage{
		backends: backends,
		log:      logger,
	}
}

// Data returns the value from the first backend that has it. ErrNotFound is returned
// only when every reachable backend reports the key missing.
func (m *MirroredStorage) Data(ctx context.Context, key string) ([]byte, error) {
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		data, err := backend.Data(ctx, key)
		if err == nil {
			return data, nil
		}

		if errors.Is(err, interfaces.ErrNotFound) {
			notFound++
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to read from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("key", key),
			"err", err)
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrNotFound
	}

	m.log.Error("All backends failed to read value",
		slog.String("key", key),
		slog.Int("failed_backends", len(errs)),
		slog.Int("missing", notFound))

	return nil, fmt.Errorf("all backends failed to read %s: %w", key, errors.Join(errs...))
}

// SetData writes value to every backend. It fails only if no backend accepted the write.
func (m *MirroredStorage) SetData(ctx context.Context, key string, value []byte) error {
	var errs []error
	success := false

	for _, backend := range m.backends {
		if err := backend.SetData(ctx, key, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to write to backend",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key),
				"err", err)
			continue
		}
		success = true
	}

	if !success {
		return fmt.Errorf("all backends failed to write %s: %w", key, errors.Join(errs...))
	}

	return nil
}

// Name returns the name of this backend
func (m *MirroredStorage) Name() string {
	return "mirrored-storage"
}
