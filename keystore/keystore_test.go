package keystore

import (
	"context"
	"crypto/rand"
	"log/slog"
	"testing"

	"github.com/ruteri/tee-envelope-signer/backend"
	"github.com/ruteri/tee-envelope-signer/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	assert.True(t, store.Available(ctx))

	_, err = store.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrBlobNotFound)

	blob := []byte("sealed key material stand-in")
	require.NoError(t, store.Store(ctx, "signing-key", blob))

	got, err := store.Fetch(ctx, "signing-key")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	// Replacing a blob under the same label
	blob2 := []byte("rotated blob")
	require.NoError(t, store.Store(ctx, "signing-key", blob2))
	got, err = store.Fetch(ctx, "signing-key")
	require.NoError(t, err)
	assert.Equal(t, blob2, got)
}

func TestFileStore_LabelSanitized(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	// A hostile label must not escape the base directory
	require.NoError(t, store.Store(ctx, "../../etc/passwd", []byte("blob")))
	got, err := store.Fetch(ctx, "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)
}

func TestFactory_StoreFor(t *testing.T) {
	factory := NewFactory(testLogger())

	loc, err := interfaces.NewStoreLocation("file://" + t.TempDir())
	require.NoError(t, err)
	store, err := factory.StoreFor(loc)
	require.NoError(t, err)
	assert.Contains(t, store.Name(), "file-")

	loc, err = interfaces.NewStoreLocation("s3://bucket/keys?region=us-west-2")
	require.NoError(t, err)
	store, err = factory.StoreFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "s3-bucket", store.Name())

	loc, err = interfaces.NewStoreLocation("vault://vault.local:8200/secret/signer?token=dev")
	require.NoError(t, err)
	store, err = factory.StoreFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-signer", store.Name())

	loc, err = interfaces.NewStoreLocation("ipfs://127.0.0.1:5001")
	require.NoError(t, err)
	store, err = factory.StoreFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "ipfs-127.0.0.1-5001", store.Name())

	_, err = interfaces.NewStoreLocation("ftp://nope")
	assert.ErrorIs(t, err, interfaces.ErrInvalidStoreURI)
}

func TestSealedBlobThroughStore(t *testing.T) {
	ctx := context.Background()
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	device, err := backend.NewSimDevice(seed)
	require.NoError(t, err)
	hw := backend.NewHardwareBackend(device, testLogger())

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "stored-key"}
	handle, err := hw.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	pub, err := hw.PublicKey(ctx, handle)
	require.NoError(t, err)
	require.NoError(t, hw.UnloadKey(ctx, handle))

	// Seal, persist, and recover on a fresh device from the same seed
	blob, err := device.ExportSealedKey("stored-key")
	require.NoError(t, err)

	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, "stored-key", blob))

	recovered, err := store.Fetch(ctx, "stored-key")
	require.NoError(t, err)

	device2, err := backend.NewSimDevice(seed)
	require.NoError(t, err)
	require.NoError(t, device2.ImportSealedKey("stored-key", recovered))

	hw2 := backend.NewHardwareBackend(device2, testLogger())
	handle2, err := hw2.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	defer hw2.UnloadKey(ctx, handle2)

	pub2, err := hw2.PublicKey(ctx, handle2)
	require.NoError(t, err)
	assert.Equal(t, pub, pub2)
}

func TestSeedGuard(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	shares, err := SplitSeed(seed, 5, 3)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	guard, err := NewSeedGuard(3)
	require.NoError(t, err)
	assert.False(t, guard.IsUnlocked())

	_, err = guard.Seed()
	assert.Error(t, err, "A locked guard must not expose the seed")

	require.NoError(t, guard.SubmitShare(0, shares[0]))
	require.NoError(t, guard.SubmitShare(2, shares[2]))
	assert.False(t, guard.IsUnlocked(), "Two of three shares must not unlock")

	require.NoError(t, guard.SubmitShare(4, shares[4]))
	require.True(t, guard.IsUnlocked())

	got, err := guard.Seed()
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	assert.Error(t, guard.SubmitShare(1, shares[1]), "Shares after unlock must be rejected")
}

func TestSplitSeed_Validation(t *testing.T) {
	seed := make([]byte, 32)

	_, err := SplitSeed(seed[:16], 5, 3)
	assert.Error(t, err, "Short seeds must be rejected")

	_, err = SplitSeed(seed, 5, 1)
	assert.Error(t, err, "Threshold below two must be rejected")

	_, err = SplitSeed(seed, 2, 3)
	assert.Error(t, err, "Fewer shares than threshold must be rejected")
}
