package keystore

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// VaultStore persists sealed key blobs in HashiCorp Vault's KV v2 engine.
// Blobs arrive already sealed by the device, so Vault only ever holds
// ciphertext; Vault's own encryption is a second layer.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a Vault-backed store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "envelope-signer/keys")
//   - token: Vault token for authentication
//   - log: structured logger
func NewVaultStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Fetch retrieves the sealed blob stored under label.
func (s *VaultStore) Fetch(ctx context.Context, label string) ([]byte, error) {
	start := time.Now()
	path := s.secretPath(label)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrBlobNotFound
	}

	// KV v2 wraps the payload in a "data" map
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	blobStr, ok := data["blob"].(string)
	if !ok {
		return nil, fmt.Errorf("blob key not found in Vault data")
	}

	blob, err := base64.StdEncoding.DecodeString(blobStr)
	if err != nil {
		return nil, fmt.Errorf("invalid blob encoding in Vault data: %w", err)
	}

	s.log.Debug("Fetched key blob from Vault",
		slog.String("label", label),
		slog.Duration("duration", time.Since(start)))

	return blob, nil
}

// Store persists the sealed blob under label.
func (s *VaultStore) Store(ctx context.Context, label string, blob []byte) error {
	start := time.Now()
	path := s.secretPath(label)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"blob": base64.StdEncoding.EncodeToString(blob),
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		s.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored key blob in Vault",
		slog.String("label", label),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Available checks that Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

// LocationURI returns the URI that identifies this store.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

// secretPath builds the KV v2 data path for a label.
func (s *VaultStore) secretPath(label string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.dataPath, sanitizeLabel(label))
}
