package main

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-envelope-signer/agent"
	"github.com/ruteri/tee-envelope-signer/attest"
	"github.com/ruteri/tee-envelope-signer/backend"
	"github.com/ruteri/tee-envelope-signer/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign_SimBackendReusesSealedKey(t *testing.T) {
	dir := t.TempDir()
	contentPath := filepath.Join(dir, "content.bin")
	require.NoError(t, os.WriteFile(contentPath, bytes.Repeat([]byte{0xa5}, 4096), 0644))

	seed := hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	storeURI := "file://" + filepath.Join(dir, "blobs")

	sign := func(header, footer, cert string) {
		t.Helper()
		require.NoError(t, newApp().Run([]string{
			"envsign", "sign",
			"--in", contentPath,
			"--backend", "sim",
			"--device-seed", seed,
			"--key-store", storeURI,
			"--header", filepath.Join(dir, header),
			"--footer", filepath.Join(dir, footer),
			"--cert-out", filepath.Join(dir, cert),
		}))
	}

	sign("h1", "f1", "c1")

	// The first run seals the freshly provisioned key into the store
	entries, err := os.ReadDir(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	require.NotEmpty(t, entries, "Signing must persist a sealed key blob")

	sign("h2", "f2", "c2")

	// The second run restores the sealed key instead of generating a new one
	cert1 := parseCertFile(t, filepath.Join(dir, "c1"))
	cert2 := parseCertFile(t, filepath.Join(dir, "c2"))
	pub1, ok := cert1.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	require.True(t, ok)
	assert.True(t, pub1.Equal(cert2.PublicKey), "Signing key must be stable across runs")

	// So the second envelope verifies pinned to the first run's certificate
	require.NoError(t, newApp().Run([]string{
		"envsign", "verify",
		"--in", contentPath,
		"--header", filepath.Join(dir, "h2"),
		"--footer", filepath.Join(dir, "f2"),
		"--pin-cert", filepath.Join(dir, "c1"),
	}))
}

func TestIdentity_VerifiesAgentAttestation(t *testing.T) {
	ctx := context.Background()

	device, err := backend.NewSimDevice([]byte("identity command seed"))
	require.NoError(t, err)

	hw := backend.NewHardwareBackend(device, slog.Default())
	var certDER []byte
	err = backend.WithLoadedKey(ctx, hw,
		interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "agent-identity"},
		nil, nil,
		func(handle *interfaces.KeyHandle) error {
			certDER, err = backend.SelfSignedCertificate(ctx, hw, handle, "agent.test", 24*time.Hour)
			return err
		})
	require.NoError(t, err)

	handler := agent.NewHandler(device, certDER, attest.DummyProvider{}, slog.Default())
	mux := chi.NewRouter()
	mux.Get(agent.IdentityEndpointPath, handler.HandleIdentity)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	certOut := filepath.Join(t.TempDir(), "agent.der")
	require.NoError(t, newApp().Run([]string{
		"envsign", "identity",
		"--agent-url", srv.URL,
		"--cert-out", certOut,
	}))

	written, err := os.ReadFile(certOut)
	require.NoError(t, err)
	assert.Equal(t, certDER, written, "The verified agent certificate is written for pinning")
}

func parseCertFile(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	der, err := os.ReadFile(path)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
