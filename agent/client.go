package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ruteri/tee-envelope-signer/attest"
)

// IdentityEndpointPath is where the agent serves its identity document.
const IdentityEndpointPath = "/api/v1/identity"

// Client fetches a signer agent's public identity. Device commands go through
// backend.RemoteChannel; the client covers what a caller checks before
// trusting an agent with signing requests.
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient creates a client for the agent at the given base URL.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(client *http.Client) *Client {
	c.client = client
	return c
}

// Identity fetches the agent's certificate and the attestation binding it to
// the agent's execution environment.
func (c *Client) Identity(ctx context.Context) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+IdentityEndpointPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent identity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(body))
	}

	var identity Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&identity); err != nil {
		return nil, fmt.Errorf("failed to decode agent identity: %w", err)
	}
	return &identity, nil
}

// Verify checks that the identity's attestation covers its certificate's
// report data. DCAP quotes are verified against the platform root of trust
// and the measurement registers are returned by index. Dummy attestations
// prove nothing beyond covering the certificate and yield no measurements.
func (id *Identity) Verify() (map[int]string, error) {
	reportData := attest.CertificateReportData(id.CertificateDER)

	switch id.AttestationType {
	case attest.DCAPAttestation.StringID:
		return attest.VerifyDCAPAttestation(reportData, id.Attestation)
	case attest.DummyAttestation.StringID:
		expected, err := attest.DummyProvider{}.Attest(reportData)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(id.Attestation, expected) {
			return nil, fmt.Errorf("dummy attestation does not cover the certificate")
		}
		return map[int]string{}, nil
	default:
		return nil, fmt.Errorf("unsupported attestation type %q", id.AttestationType)
	}
}
