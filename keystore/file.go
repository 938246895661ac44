package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// FileStore persists sealed key blobs in a local directory, one file per
// label.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a file-backed store rooted at baseDir, creating the
// directory if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the sealed blob stored under label.
// Returns ErrBlobNotFound if no blob exists.
func (s *FileStore) Fetch(ctx context.Context, label string) ([]byte, error) {
	path := s.blobPath(label)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key blob: %w", err)
	}

	s.log.Debug("Fetched key blob from file",
		slog.String("path", path),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes the sealed blob under label, replacing any previous blob.
func (s *FileStore) Store(ctx context.Context, label string, blob []byte) error {
	path := s.blobPath(label)

	if err := os.WriteFile(path, blob, 0600); err != nil {
		return fmt.Errorf("failed to write key blob: %w", err)
	}

	s.log.Debug("Stored key blob in file",
		slog.String("path", path),
		slog.Int("size", len(blob)))

	return nil
}

// Available checks that the base directory still exists.
func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(s.baseDir)
	if err != nil {
		s.log.Debug("File key store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// LocationURI returns the URI that identifies this store.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

// blobPath maps a label to its file, escaping separators so labels cannot
// climb out of the base directory.
func (s *FileStore) blobPath(label string) string {
	return filepath.Join(s.baseDir, sanitizeLabel(label)+".blob")
}
