package attest

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttestationTypeFromString(t *testing.T) {
	at, err := AttestationTypeFromString("qemu-tdx")
	require.NoError(t, err)
	assert.Equal(t, DCAPAttestation.OID, at.OID)

	at, err = AttestationTypeFromString("dummy")
	require.NoError(t, err)
	assert.Equal(t, DummyAttestation.OID, at.OID)

	_, err = AttestationTypeFromString("sgx")
	assert.Error(t, err)
}

func TestDummyProvider(t *testing.T) {
	provider, err := ProviderFromString("dummy")
	require.NoError(t, err)
	assert.Equal(t, DummyAttestation.StringID, provider.AttestationType().StringID)

	reportData := CertificateReportData([]byte("certificate bytes"))
	quote, err := provider.Attest(reportData)
	require.NoError(t, err)
	assert.NotEmpty(t, quote)

	// Same certificate, same report data
	again := CertificateReportData([]byte("certificate bytes"))
	assert.Equal(t, reportData, again)
	assert.NotEqual(t, reportData, CertificateReportData([]byte("other bytes")))
}

func TestRemoteProvider(t *testing.T) {
	reportData := CertificateReportData([]byte("remote certificate"))
	rawQuote := []byte("raw quote bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attest/"+hex.EncodeToString(reportData[:]), r.URL.Path)
		w.Write(rawQuote)
	}))
	defer srv.Close()

	provider := &RemoteProvider{Address: srv.URL}
	assert.Equal(t, DCAPAttestation.StringID, provider.AttestationType().StringID)

	quote, err := provider.Attest(reportData)
	require.NoError(t, err)
	assert.Equal(t, rawQuote, quote)
}

func TestRemoteProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no quote device", http.StatusInternalServerError)
	}))
	defer srv.Close()

	provider := &RemoteProvider{Address: srv.URL}
	_, err := provider.Attest(CertificateReportData([]byte("cert")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestVerifyDCAPAttestationRejectsGarbage(t *testing.T) {
	reportData := CertificateReportData([]byte("cert"))

	_, err := VerifyDCAPAttestation(reportData, []byte("not a quote"))
	require.Error(t, err)

	_, err = VerifyDCAPAttestation(reportData, nil)
	require.Error(t, err)
}
