package keystore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// IPFSStore persists sealed key blobs in an IPFS node's mutable file system,
// which gives label-keyed lookup on top of content addressing. Blobs are
// sealed before they reach the node, so pinning them publicly leaks nothing.
type IPFSStore struct {
	shell       *shell.Shell
	host        string
	port        string
	basePath    string
	log         *slog.Logger
	locationURI string
}

// NewIPFSStore creates a store connected to the IPFS node at host:port.
func NewIPFSStore(host, port string, log *slog.Logger) (*IPFSStore, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	return &IPFSStore{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		basePath:    "/key-blobs",
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s", apiURL),
	}, nil
}

// Fetch retrieves the sealed blob stored under label.
func (s *IPFSStore) Fetch(ctx context.Context, label string) ([]byte, error) {
	start := time.Now()
	path := s.blobPath(label)

	if !s.shell.IsUp() {
		s.log.Warn("IPFS node unavailable",
			slog.String("host", s.host),
			slog.String("port", s.port))
		return nil, interfaces.ErrStoreUnavailable
	}

	reader, err := s.shell.FilesRead(ctx, path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "file does not exist") {
			return nil, interfaces.ErrBlobNotFound
		}
		s.log.Error("Failed to read key blob from IPFS",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("failed to read key blob from IPFS: %w", err)
	}
	defer reader.Close()

	blob, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read key blob body: %w", err)
	}

	s.log.Debug("Fetched key blob from IPFS",
		slog.String("path", path),
		slog.Int("size", len(blob)),
		slog.Duration("duration", time.Since(start)))

	return blob, nil
}

// Store persists the sealed blob under label.
func (s *IPFSStore) Store(ctx context.Context, label string, blob []byte) error {
	if !s.shell.IsUp() {
		return interfaces.ErrStoreUnavailable
	}

	path := s.blobPath(label)
	err := s.shell.FilesWrite(ctx, path, bytes.NewReader(blob),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return fmt.Errorf("failed to write key blob to IPFS: %w", err)
	}

	s.log.Debug("Stored key blob in IPFS",
		slog.String("path", path),
		slog.Int("size", len(blob)))

	return nil
}

// Available checks if the IPFS node is accessible.
func (s *IPFSStore) Available(ctx context.Context) bool {
	return s.shell.IsUp()
}

// Name returns a unique identifier for this store.
func (s *IPFSStore) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", s.host, s.port)
}

// LocationURI returns the URI that identifies this store.
func (s *IPFSStore) LocationURI() string {
	return s.locationURI
}

// blobPath maps a label to its MFS path.
func (s *IPFSStore) blobPath(label string) string {
	return fmt.Sprintf("%s/%s.blob", s.basePath, sanitizeLabel(label))
}
