package agent

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-envelope-signer/attest"
	"github.com/ruteri/tee-envelope-signer/backend"
	"github.com/ruteri/tee-envelope-signer/content"
	"github.com/ruteri/tee-envelope-signer/envelope"
	"github.com/ruteri/tee-envelope-signer/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAgent wires a sim device behind the HTTP handler and returns the
// test server plus the device for direct assertions.
func newTestAgent(t *testing.T) (*httptest.Server, *backend.SimDevice) {
	t.Helper()
	ctx := context.Background()

	device, err := backend.NewSimDevice([]byte("agent test seed"))
	require.NoError(t, err)

	// The agent's own identity certificate, issued through the device
	hw := backend.NewHardwareBackend(device, slog.Default())
	var certDER []byte
	err = backend.WithLoadedKey(ctx, hw,
		interfaces.KeyTemplate{Algorithm: interfaces.KeyECP256, Usage: interfaces.UsageSign, Label: "agent-identity"},
		nil, []byte("identity auth"),
		func(handle *interfaces.KeyHandle) error {
			certDER, err = backend.SelfSignedCertificate(ctx, hw, handle, "agent.test", 24*time.Hour)
			return err
		})
	require.NoError(t, err)

	handler := NewHandler(device, certDER, attest.DummyProvider{}, slog.Default())

	mux := chi.NewRouter()
	mux.Post(backend.DeviceEndpointPath, handler.HandleDevice)
	mux.Get(IdentityEndpointPath, handler.HandleIdentity)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, device
}

func TestAgent_RemoteChannelRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestAgent(t)

	channel := backend.NewRemoteChannel(srv.URL).WithHTTPClient(srv.Client())
	hw := backend.NewHardwareBackend(channel, slog.Default())

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyRSA2048, Usage: interfaces.UsageSign, Label: "remote-key"}
	handle, err := hw.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)

	// Full envelope build through the remote boundary
	certDER, err := backend.SelfSignedCertificate(ctx, hw, handle, "remote.test", 24*time.Hour)
	require.NoError(t, err)

	src := content.NewPatternSource(3000)
	headerBuf := make([]byte, envelope.DefaultBufferSize)
	footerBuf := make([]byte, envelope.DefaultBufferSize)
	headerLen, footerLen, err := envelope.NewBuilder(slog.Default()).Build(ctx, src, src.Size(), &interfaces.SigningContext{
		Backend:        hw,
		Key:            handle,
		Digest:         interfaces.DigestSHA256,
		Scheme:         interfaces.SchemeRSAPKCS1v15,
		CertificateDER: certDER,
	}, headerBuf, footerBuf)
	require.NoError(t, err)

	require.NoError(t, envelope.NewVerifier(slog.Default()).Verify(ctx, src, src.Size(), headerBuf[:headerLen], footerBuf[:footerLen], nil))

	require.NoError(t, hw.UnloadKey(ctx, handle))
	assert.ErrorIs(t, hw.UnloadKey(ctx, handle), interfaces.ErrKeyUnavailable)
}

func TestAgent_DeviceEndpointRejectsGarbage(t *testing.T) {
	srv, _ := newTestAgent(t)

	resp, err := srv.Client().Post(srv.URL+backend.DeviceEndpointPath, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgent_IdentityEndpoint(t *testing.T) {
	srv, _ := newTestAgent(t)

	resp, err := srv.Client().Get(srv.URL + IdentityEndpointPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var identity Identity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&identity))
	assert.Equal(t, attest.DummyAttestation.StringID, identity.AttestationType)
	assert.NotEmpty(t, identity.CertificateDER)
	assert.NotEmpty(t, identity.Attestation)

	// Report data in the attestation is bound to the returned certificate
	reportData := attest.CertificateReportData(identity.CertificateDER)
	assert.Contains(t, string(identity.Attestation), fmt.Sprintf("%x", reportData))
}

func TestAgent_ClientIdentityVerify(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestAgent(t)

	client := NewClient(srv.URL).WithHTTPClient(srv.Client())
	identity, err := client.Identity(ctx)
	require.NoError(t, err)

	measurements, err := identity.Verify()
	require.NoError(t, err, "A freshly served identity must verify")
	assert.Empty(t, measurements, "Dummy attestations carry no measurements")

	// An attestation bound to a different certificate must not verify
	swapped := *identity
	swapped.CertificateDER = append([]byte{}, identity.CertificateDER...)
	swapped.CertificateDER[len(swapped.CertificateDER)-1] ^= 0x01
	_, err = swapped.Verify()
	assert.Error(t, err)

	_, err = (&Identity{AttestationType: "sgx"}).Verify()
	assert.Error(t, err)
}

func TestAgent_PublicKeyThroughRemote(t *testing.T) {
	ctx := context.Background()
	srv, device := newTestAgent(t)

	channel := backend.NewRemoteChannel(srv.URL).WithHTTPClient(srv.Client())
	hw := backend.NewHardwareBackend(channel, slog.Default())

	template := interfaces.KeyTemplate{Algorithm: interfaces.KeyRSA2048, Usage: interfaces.UsageSign, Label: "pk-key"}
	handle, err := hw.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	defer hw.UnloadKey(ctx, handle)

	pub, err := hw.PublicKey(ctx, handle)
	require.NoError(t, err)
	_, ok := pub.(*rsa.PublicKey)
	assert.True(t, ok)

	// The same key is reachable directly on the device under its label
	local := backend.NewHardwareBackend(device, slog.Default())
	localHandle, err := local.LoadKey(ctx, template, nil, []byte("auth"))
	require.NoError(t, err)
	defer local.UnloadKey(ctx, localHandle)

	localPub, err := local.PublicKey(ctx, localHandle)
	require.NoError(t, err)
	assert.True(t, pub.(*rsa.PublicKey).Equal(localPub))
}
