package keystore

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// Factory creates key blob stores from location URIs.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a store factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// StoreFor creates a key blob store from a parsed location.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - local filesystem
//   - vault:// - HashiCorp Vault KV v2
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - an IPFS node's mutable file system
func (f *Factory) StoreFor(location interfaces.StoreLocation) (interfaces.KeyBlobStore, error) {
	switch strings.ToLower(location.Scheme) {
	case "file":
		return f.createFileStore(location)
	case "vault":
		return f.createVaultStore(location)
	case "s3":
		return f.createS3Store(location)
	case "ipfs":
		return f.createIPFSStore(location)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidStoreURI, location.Scheme)
	}
}

// createFileStore creates a filesystem store.
// URI format: file:///absolute/path or file://./relative/path
func (f *Factory) createFileStore(location interfaces.StoreLocation) (interfaces.KeyBlobStore, error) {
	f.log.Debug("Creating file key store", slog.String("uri", location.String()))

	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %q", interfaces.ErrInvalidStoreURI, location.String())
	}

	return NewFileStore(path, f.log)
}

// createVaultStore creates a Vault store.
// URI format: vault://host:port/mount/data/path?token=...&tls=true
func (f *Factory) createVaultStore(location interfaces.StoreLocation) (interfaces.KeyBlobStore, error) {
	f.log.Debug("Creating Vault key store", slog.String("uri", location.String()))

	scheme := "https"
	if location.GetParam("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, location.Host)

	parts := strings.SplitN(strings.Trim(location.Path, "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return nil, fmt.Errorf("%w: vault URI needs a mount path", interfaces.ErrInvalidStoreURI)
	}
	mountPath := parts[0]
	dataPath := "key-blobs"
	if len(parts) == 2 && parts[1] != "" {
		dataPath = parts[1]
	}

	return NewVaultStore(address, mountPath, dataPath, location.GetParam("token"), f.log)
}

// createS3Store creates an S3 store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket/path?region=us-west-2&endpoint=custom.s3.com
func (f *Factory) createS3Store(location interfaces.StoreLocation) (interfaces.KeyBlobStore, error) {
	f.log.Debug("Creating S3 key store", slog.String("uri", location.String()))

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if location.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(location.Auth, ":")
	}

	return NewS3Store(
		location.Host,
		strings.TrimPrefix(location.Path, "/"),
		region,
		location.GetParam("endpoint"),
		accessKey,
		secretKey,
		f.log,
	)
}

// createIPFSStore creates an IPFS store.
// URI format: ipfs://host:port
func (f *Factory) createIPFSStore(location interfaces.StoreLocation) (interfaces.KeyBlobStore, error) {
	f.log.Debug("Creating IPFS key store", slog.String("uri", location.String()))

	host, port, found := strings.Cut(location.Host, ":")
	if !found || port == "" {
		port = "5001"
	}

	return NewIPFSStore(host, port, f.log)
}

// sanitizeLabel makes a key label safe for use as a path segment.
func sanitizeLabel(label string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	return replacer.Replace(label)
}
