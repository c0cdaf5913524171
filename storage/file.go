package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/ruteri/supersign/interfaces"
)

// FileStorage implements a key-value store using the local file system.
// Every key is one file in the base directory.
type FileStorage struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStorage creates a file store, creating the base directory if it doesn't exist.
func NewFileStorage(baseDir string, log *slog.Logger) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStorage{
		baseDir: baseDir,
		log:     log,
	}, nil
}

// Data reads the value stored under key.
// Returns ErrNotFound if the file doesn't exist.
func (s *FileStorage) Data(ctx context.Context, key string) ([]byte, error) {
	filePath := s.filePath(key)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	s.log.Debug("Read value from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// SetData writes value under key, replacing the file atomically. A nil value removes the file.
func (s *FileStorage) SetData(ctx context.Context, key string, value []byte) error {
	filePath := s.filePath(key)

	if value == nil {
		if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove file: %w", err)
		}
		s.log.Debug("Removed value from file", slog.String("path", filePath))
		return nil
	}

	tmp, err := os.CreateTemp(s.baseDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}

	s.log.Debug("Stored value in file",
		slog.String("path", filePath),
		slog.Int("size", len(value)))

	return nil
}

// Name returns a unique identifier for this storage backend.
func (s *FileStorage) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

func (s *FileStorage) filePath(key string) string {
	return filepath.Join(s.baseDir, url.PathEscape(key))
}
