package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DeviceEndpointPath is the agent route a remote channel submits commands to.
const DeviceEndpointPath = "/api/v1/device"

// RemoteChannel is a device channel backed by a signer agent reachable over
// HTTP. Every Submit is one POST carrying the command as JSON. Transport
// errors and non-OK HTTP statuses are returned as errors so HardwareBackend
// retries them; boundary rejections arrive as device codes in the body.
type RemoteChannel struct {
	endpoint string
	client   *http.Client
}

// NewRemoteChannel creates a channel to the agent at endpoint
// (scheme://host:port, no path).
func NewRemoteChannel(endpoint string) *RemoteChannel {
	return &RemoteChannel{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests and by
// callers needing custom TLS configuration.
func (c *RemoteChannel) WithHTTPClient(client *http.Client) *RemoteChannel {
	return &RemoteChannel{endpoint: c.endpoint, client: client}
}

// Submit performs one command round trip to the agent.
func (c *RemoteChannel) Submit(req *DeviceRequest) (*DeviceResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device request: %w", err)
	}

	httpResp, err := c.client.Post(c.endpoint+DeviceEndpointPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("device round trip failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read device response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device endpoint returned %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp DeviceResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device response: %w", err)
	}
	return &resp, nil
}
