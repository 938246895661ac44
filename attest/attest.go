// Package attest produces and verifies TEE attestations binding a signer
// agent's identity to the execution environment that holds its keys. The
// report data is the digest of the agent's signing certificate, so a verified
// quote proves the certificate was issued inside the attested environment.
package attest

import (
	"bytes"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

var (
	// DCAPAttestation identifies Intel TDX quotes obtained via DCAP.
	DCAPAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 1},
		StringID: "qemu-tdx",
	}

	// DummyAttestation identifies the stand-in used outside TEEs.
	DummyAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 404},
		StringID: "dummy",
	}
)

// AttestationType pairs an attestation format's OID with its string name.
type AttestationType struct {
	OID      asn1.ObjectIdentifier
	StringID string
}

// AttestationTypeFromString resolves a type by its string name.
func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case DummyAttestation.StringID:
		return DummyAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

// Provider produces attestations over 64 bytes of report data.
type Provider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// ProviderFromString creates a provider by type name.
func ProviderFromString(str string) (Provider, error) {
	switch str {
	case DCAPAttestation.StringID:
		return &DCAPProvider{}, nil
	case DummyAttestation.StringID:
		return DummyProvider{}, nil
	default:
		return nil, errors.ErrUnsupported
	}
}

// CertificateReportData derives the report data binding an agent certificate
// into a quote.
func CertificateReportData(certDER []byte) [64]byte {
	var reportData [64]byte
	sum := sha256.Sum256(certDER)
	copy(reportData[:32], sum[:])
	return reportData
}

// RemoteProvider fetches quotes from a quote provider service, for setups
// where the agent has no direct access to the TDX device.
type RemoteProvider struct {
	Address string
}

// AttestationType returns the DCAP type; remote providers proxy real quotes.
func (*RemoteProvider) AttestationType() AttestationType { return DCAPAttestation }

// Attest fetches a raw quote over the report data from the remote provider.
func (p *RemoteProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	resp, err := http.DefaultClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DCAPProvider obtains TDX quotes from the local guest device.
type DCAPProvider struct{}

// AttestationType returns the DCAP type.
func (DCAPProvider) AttestationType() AttestationType { return DCAPAttestation }

// Attest obtains a raw quote over the report data, preferring the configfs
// interface and falling back to the legacy device.
func (DCAPProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DummyProvider emits a transparent stand-in attestation. It proves nothing
// and exists so the agent runs unchanged outside TEEs.
type DummyProvider struct{}

// AttestationType returns the dummy type.
func (DummyProvider) AttestationType() AttestationType {
	return DummyAttestation
}

// Attest returns a readable stand-in quoting the report data.
func (DummyProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("Attestation for report data %x", reportData)), nil
}

// VerifyDCAPAttestation verifies a raw TDX quote against the expected report
// data and returns the environment's measurement registers by index.
func VerifyDCAPAttestation(reportData [64]byte, quote []byte) (map[int]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	measurements := map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
		5: hex.EncodeToString(v4Quote.TdQuoteBody.MrConfigId),
		6: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwner),
		7: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwnerConfig),
	}

	return measurements, nil
}
