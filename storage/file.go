package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/tee-biometric-signer/interfaces"
)

// FileStore keeps records as files in a single directory. Files are written
// with owner-only permissions and replaced atomically.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a store rooted at baseDir, creating the directory if
// it doesn't exist.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (s *FileStore) Get(ctx context.Context, name string) ([]byte, error) {
	filePath, err := s.getFilePath(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	s.log.Debug("Read record from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

func (s *FileStore) Put(ctx context.Context, name string, data []byte) error {
	filePath, err := s.getFilePath(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.baseDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	s.log.Debug("Stored record in file", slog.String("path", filePath))
	return nil
}

func (s *FileStore) Delete(ctx context.Context, name string) (bool, error) {
	filePath, err := s.getFilePath(name)
	if err != nil {
		return false, err
	}

	err = os.Remove(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove file: %w", err)
	}
	return true, nil
}

// Exists fails, rather than reporting false, when the file cannot be
// stat'ed for a reason other than absence.
func (s *FileStore) Exists(ctx context.Context, name string) (bool, error) {
	filePath, err := s.getFilePath(name)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filePath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
}

func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

func (s *FileStore) LocationURI() string {
	return s.locationURI
}

// getFilePath rejects names that would escape the base directory.
func (s *FileStore) getFilePath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid record name %q", name)
	}
	return filepath.Join(s.baseDir, name), nil
}
