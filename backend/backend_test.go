package backend

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/ruteri/tee-envelope-signer/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDigest(t *testing.T, data []byte) interfaces.ContentDigest {
	t.Helper()
	sum := sha256.Sum256(data)
	d, err := interfaces.NewContentDigest(interfaces.DigestSHA256, sum[:])
	require.NoError(t, err)
	return d
}

func TestSoftwareBackend_SignAndVerify(t *testing.T) {
	ctx := context.Background()
	b := NewSoftwareBackend(nil)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyRSA2048, Usage: interfaces.UsageSign, Label: "signing-key"}
	handle, err := b.LoadKey(ctx, template, nil, []byte("secret"))
	require.NoError(t, err)
	defer b.UnloadKey(ctx, handle)

	digest := testDigest(t, []byte("hello"))
	sig, err := b.Sign(ctx, &interfaces.SigningContext{
		Backend: b,
		Key:     handle,
		Digest:  interfaces.DigestSHA256,
		Scheme:  interfaces.SchemeRSAPKCS1v15,
	}, digest)
	require.NoError(t, err)

	pub, err := b.PublicKey(ctx, handle)
	require.NoError(t, err)
	rsaPub, ok := pub.(*rsa.PublicKey)
	require.True(t, ok)
	assert.NoError(t, rsa.VerifyPKCS1v15(rsaPub, digest.Algorithm.Hash(), digest.Value, sig))
}

func TestSoftwareBackend_LabelReuse(t *testing.T) {
	ctx := context.Background()
	b := NewSoftwareBackend(nil)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "shared"}
	h1, err := b.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	h2, err := b.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)

	pub1, err := b.PublicKey(ctx, h1)
	require.NoError(t, err)
	pub2, err := b.PublicKey(ctx, h2)
	require.NoError(t, err)
	assert.True(t, pub1.(*ecdsa.PublicKey).Equal(pub2), "Loads under the same label must reference the same key")

	// Wrong authorization on a reload must be rejected
	_, err = b.LoadKey(ctx, template, nil, []byte("wrong"))
	assert.ErrorIs(t, err, interfaces.ErrAuthorizationFailure)

	require.NoError(t, b.UnloadKey(ctx, h1))
	require.NoError(t, b.UnloadKey(ctx, h2))
}

func TestSoftwareBackend_HandleDiscipline(t *testing.T) {
	ctx := context.Background()
	b := NewSoftwareBackend(nil)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyRSA2048, Usage: interfaces.UsageSign, Label: "discipline"}
	handle, err := b.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)

	require.NoError(t, b.UnloadKey(ctx, handle))

	// Sign after unload must fail deterministically
	_, err = b.Sign(ctx, &interfaces.SigningContext{
		Backend: b,
		Key:     handle,
		Digest:  interfaces.DigestSHA256,
		Scheme:  interfaces.SchemeRSAPKCS1v15,
	}, testDigest(t, []byte("data")))
	assert.ErrorIs(t, err, interfaces.ErrKeyUnavailable)

	// Second unload of the same handle must fail, not double-release
	err = b.UnloadKey(ctx, handle)
	assert.ErrorIs(t, err, interfaces.ErrKeyUnavailable)
}

func TestSoftwareBackend_SchemeMismatch(t *testing.T) {
	ctx := context.Background()
	b := NewSoftwareBackend(nil)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "ec"}
	handle, err := b.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	defer b.UnloadKey(ctx, handle)

	_, err = b.Sign(ctx, &interfaces.SigningContext{
		Backend: b,
		Key:     handle,
		Digest:  interfaces.DigestSHA256,
		Scheme:  interfaces.SchemeRSAPKCS1v15,
	}, testDigest(t, []byte("data")))
	assert.ErrorIs(t, err, interfaces.ErrAlgorithmMismatch, "An EC key must not serve RSA signing")
}

func TestSoftwareBackend_Decrypt(t *testing.T) {
	ctx := context.Background()
	b := NewSoftwareBackend(nil)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyRSA2048, Usage: interfaces.UsageDecrypt, Label: "decrypting"}
	handle, err := b.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	defer b.UnloadKey(ctx, handle)

	pub, err := b.PublicKey(ctx, handle)
	require.NoError(t, err)

	plaintext := []byte("wrapped secret")
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub.(*rsa.PublicKey), plaintext, nil)
	require.NoError(t, err)

	got, err := b.Decrypt(ctx, handle, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSoftwareBackend_UsageEnforced(t *testing.T) {
	ctx := context.Background()
	b := NewSoftwareBackend(nil)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyRSA2048, Usage: interfaces.UsageSign, Label: "sign-only"}
	handle, err := b.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	defer b.UnloadKey(ctx, handle)

	_, err = b.Decrypt(ctx, handle, []byte("anything"))
	assert.ErrorIs(t, err, interfaces.ErrFeatureUnsupported, "A sign-only key must not decrypt")
}

func TestHardwareBackend_SignThroughSimDevice(t *testing.T) {
	ctx := context.Background()
	device, err := NewSimDevice([]byte("test seed"))
	require.NoError(t, err)
	b := NewHardwareBackend(device, nil)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyRSA2048, Usage: interfaces.UsageSign, Label: "hw-key"}
	handle, err := b.LoadKey(ctx, template, device.RootHandle(), []byte("auth"))
	require.NoError(t, err)

	digest := testDigest(t, []byte("streamed content"))
	sig, err := b.Sign(ctx, &interfaces.SigningContext{
		Backend: b,
		Key:     handle,
		Digest:  interfaces.DigestSHA256,
		Scheme:  interfaces.SchemeRSAPKCS1v15,
	}, digest)
	require.NoError(t, err)

	pub, err := b.PublicKey(ctx, handle)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(pub.(*rsa.PublicKey), digest.Algorithm.Hash(), digest.Value, sig))

	require.NoError(t, b.UnloadKey(ctx, handle))
	assert.ErrorIs(t, b.UnloadKey(ctx, handle), interfaces.ErrKeyUnavailable)
}

func TestHardwareBackend_AuthorizationFailure(t *testing.T) {
	ctx := context.Background()
	device, err := NewSimDevice([]byte("test seed"))
	require.NoError(t, err)
	b := NewHardwareBackend(device, nil)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "guarded"}
	handle, err := b.LoadKey(ctx, template, nil, []byte("right"))
	require.NoError(t, err)
	defer b.UnloadKey(ctx, handle)

	_, err = b.LoadKey(ctx, template, nil, []byte("wrong"))
	assert.ErrorIs(t, err, interfaces.ErrAuthorizationFailure)
}

func TestHardwareBackend_SlotExhaustion(t *testing.T) {
	ctx := context.Background()
	device, err := NewSimDevice([]byte("test seed"))
	require.NoError(t, err)
	device = device.WithKeySlots(1)
	b := NewHardwareBackend(device, nil).WithRetries(2)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "slot"}
	handle, err := b.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)

	// The only slot is taken; further loads exhaust the retry budget
	_, err = b.LoadKey(ctx, interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "second"}, nil, []byte("auth"))
	assert.ErrorIs(t, err, interfaces.ErrBackendCommunication)

	// Unloading frees the slot
	require.NoError(t, b.UnloadKey(ctx, handle))
	h2, err := b.LoadKey(ctx, interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "second"}, nil, []byte("auth"))
	require.NoError(t, err)
	require.NoError(t, b.UnloadKey(ctx, h2))
}

// flakyChannel fails a fixed number of submissions before delegating.
type flakyChannel struct {
	inner    DeviceChannel
	failures int
}

func (c *flakyChannel) Submit(req *DeviceRequest) (*DeviceResponse, error) {
	if c.failures > 0 {
		c.failures--
		return nil, errors.New("transport glitch")
	}
	return c.inner.Submit(req)
}

func TestHardwareBackend_RetriesTransportFailures(t *testing.T) {
	ctx := context.Background()
	device, err := NewSimDevice([]byte("test seed"))
	require.NoError(t, err)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyRSA2048, Usage: interfaces.UsageSign, Label: "retry"}

	// Two glitches fit within the default budget of three attempts
	b := NewHardwareBackend(&flakyChannel{inner: device, failures: 2}, nil)
	handle, err := b.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	require.NoError(t, b.UnloadKey(ctx, handle))

	// Three glitches exceed a budget of two attempts
	b = NewHardwareBackend(&flakyChannel{inner: device, failures: 3}, nil).WithRetries(2)
	_, err = b.LoadKey(ctx, template, nil, []byte("auth"))
	assert.ErrorIs(t, err, interfaces.ErrBackendCommunication)
}

func TestWithLoadedKey_UnloadsOnAllPaths(t *testing.T) {
	ctx := context.Background()
	b := NewSoftwareBackend(nil)
	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "scoped"}

	var captured *interfaces.KeyHandle
	err := WithLoadedKey(ctx, b, template, nil, []byte("auth"), func(handle *interfaces.KeyHandle) error {
		captured = handle
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyStateUnloaded, captured.State(), "Handle must be unloaded after the scope exits")

	// The scope's error propagates and the handle is still unloaded
	sentinel := errors.New("inner failure")
	err = WithLoadedKey(ctx, b, template, nil, []byte("auth"), func(handle *interfaces.KeyHandle) error {
		captured = handle
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, interfaces.KeyStateUnloaded, captured.State())
}

func TestSimDevice_SealedKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	seed := []byte("shared device seed")

	deviceA, err := NewSimDevice(seed)
	require.NoError(t, err)
	backendA := NewHardwareBackend(deviceA, nil)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyRSA2048, Usage: interfaces.UsageSign, Label: "portable"}
	handleA, err := backendA.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	pubA, err := backendA.PublicKey(ctx, handleA)
	require.NoError(t, err)
	require.NoError(t, backendA.UnloadKey(ctx, handleA))

	blob, err := deviceA.ExportSealedKey("portable")
	require.NoError(t, err)

	// A device from the same seed opens the blob and serves the same key
	deviceB, err := NewSimDevice(seed)
	require.NoError(t, err)
	require.NoError(t, deviceB.ImportSealedKey("portable", blob))

	backendB := NewHardwareBackend(deviceB, nil)
	handleB, err := backendB.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	defer backendB.UnloadKey(ctx, handleB)

	pubB, err := backendB.PublicKey(ctx, handleB)
	require.NoError(t, err)
	assert.True(t, pubA.(*rsa.PublicKey).Equal(pubB))

	// A device from a different seed must reject the blob
	deviceC, err := NewSimDevice([]byte("other seed"))
	require.NoError(t, err)
	assert.ErrorIs(t, deviceC.ImportSealedKey("portable", blob), interfaces.ErrAuthorizationFailure)
}

func TestSelfSignedCertificate(t *testing.T) {
	ctx := context.Background()
	b := NewSoftwareBackend(nil)

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "cert-key"}
	err := WithLoadedKey(ctx, b, template, nil, []byte("auth"), func(handle *interfaces.KeyHandle) error {
		certDER, err := SelfSignedCertificate(ctx, b, handle, "signer.test", 24*time.Hour)
		require.NoError(t, err)

		cert, err := x509.ParseCertificate(certDER)
		require.NoError(t, err)
		assert.Equal(t, "signer.test", cert.Subject.CommonName)

		pub, err := b.PublicKey(ctx, handle)
		require.NoError(t, err)
		assert.True(t, pub.(*ecdsa.PublicKey).Equal(cert.PublicKey))
		return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature)
	})
	require.NoError(t, err)
}
