package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrBlobNotFound is returned when no key blob exists under the requested label.
	ErrBlobNotFound = errors.New("key blob not found")

	// ErrStoreUnavailable is returned when a key blob store is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrStoreUnavailable = errors.New("key blob store unavailable")

	// ErrInvalidStoreURI is returned when a key store location URI is malformed
	// or uses an unsupported scheme.
	ErrInvalidStoreURI = errors.New("invalid key store location URI")
)

// KeyBlobStore persists sealed key blobs by label. Blobs are opaque to the
// store: sealing and unsealing happen on the device side of the boundary, so
// a store never sees plaintext key material.
type KeyBlobStore interface {
	// Fetch retrieves the sealed blob stored under label.
	// Returns ErrBlobNotFound if no blob exists.
	Fetch(ctx context.Context, label string) ([]byte, error)

	// Store persists a sealed blob under label, replacing any previous blob.
	Store(ctx context.Context, label string, blob []byte) error

	// Available checks if the store is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this store.
	LocationURI() string
}

// KeyBlobStoreFactory creates key blob stores from location URIs.
type KeyBlobStoreFactory interface {
	// StoreFor creates a store from a URI.
	// Supports file://, vault://, s3:// and ipfs://.
	StoreFor(location StoreLocation) (KeyBlobStore, error)
}

// StoreLocation is a parsed key store URI.
type StoreLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	Auth   string
}

// NewStoreLocation parses and validates a key store URI string.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidStoreURI, err)
	}

	switch parsed.Scheme {
	case "file", "vault", "s3", "ipfs":
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidStoreURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}
