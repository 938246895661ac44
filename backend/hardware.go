package backend

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// DefaultSubmitRetries is how many times a command is submitted before the
// channel is declared unreachable.
const DefaultSubmitRetries = 3

// HardwareBackend executes every operation as a blocking round trip over a
// device channel to a signing boundary that holds the private keys. Key
// material never crosses the channel; only digests, authorization secrets and
// results do.
//
// All submissions are serialized with a mutex. The boundary processes one
// command at a time, so interleaving submissions buys nothing and risks
// confusing stateful transports.
type HardwareBackend struct {
	mu      sync.Mutex
	channel DeviceChannel
	retries int

	log *slog.Logger
}

// NewHardwareBackend creates a backend over the given device channel with the
// default retry budget.
func NewHardwareBackend(channel DeviceChannel, log *slog.Logger) *HardwareBackend {
	return &HardwareBackend{channel: channel, retries: DefaultSubmitRetries, log: log}
}

// WithRetries returns a backend with the given submission retry budget.
// A budget below 1 is treated as 1.
func (b *HardwareBackend) WithRetries(retries int) *HardwareBackend {
	if retries < 1 {
		retries = 1
	}
	return &HardwareBackend{channel: b.channel, retries: retries, log: b.log}
}

// submit performs one serialized round trip, retrying transport failures and
// transient boundary responses up to the retry budget. Definitive boundary
// rejections are never retried.
func (b *HardwareBackend) submit(ctx context.Context, req *DeviceRequest) (*DeviceResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= b.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := b.channel.Submit(req)
		if err == nil && resp.Code != CodeTransient {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("device busy: %s", resp.Detail)
		}
		if b.log != nil {
			b.log.Warn("Device round trip failed",
				slog.String("op", string(req.Op)),
				slog.Int("attempt", attempt),
				slog.String("err", lastErr.Error()))
		}
		if attempt < b.retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
	}
	return nil, fmt.Errorf("%w: %s failed after %d attempts: %v", interfaces.ErrBackendCommunication, req.Op, b.retries, lastErr)
}

// LoadKey provisions or reuses the key behind the boundary and returns an
// active local reference to it.
func (b *HardwareBackend) LoadKey(ctx context.Context, template interfaces.KeyTemplate, parent *interfaces.KeyHandle, auth interfaces.KeyAuth) (*interfaces.KeyHandle, error) {
	req := &DeviceRequest{
		Op:        OpLoadKey,
		Label:     template.Label,
		Algorithm: template.Algorithm.String(),
		Usage:     int(template.Usage),
		Auth:      auth,
	}
	if parent != nil {
		req.ParentID = parent.ID().String()
	}

	resp, err := b.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := codeToError(resp); err != nil {
		return nil, err
	}

	keyID, err := uuid.Parse(resp.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: device returned malformed key id %q", interfaces.ErrBackendCommunication, resp.KeyID)
	}
	return interfaces.NewKeyHandle(interfaces.KeyID(keyID), auth, template), nil
}

// UnloadKey closes the boundary's reference and invalidates the local handle.
// The handle is marked unloaded even if the round trip fails: the reference
// must never be reused once release was attempted.
func (b *HardwareBackend) UnloadKey(ctx context.Context, handle *interfaces.KeyHandle) error {
	if err := handle.Release(); err != nil {
		return err
	}

	resp, err := b.submit(ctx, &DeviceRequest{
		Op:    OpUnloadKey,
		KeyID: handle.ID().String(),
		Auth:  handle.Auth(),
	})
	if err != nil {
		return err
	}
	return codeToError(resp)
}

// Sign submits the precomputed digest for signing inside the boundary.
func (b *HardwareBackend) Sign(ctx context.Context, sctx *interfaces.SigningContext, digest interfaces.ContentDigest) (interfaces.Signature, error) {
	if err := sctx.Validate(); err != nil {
		return nil, err
	}
	if digest.Algorithm != sctx.Digest {
		return nil, fmt.Errorf("%w: digest is %s, context wants %s", interfaces.ErrAlgorithmMismatch, digest.Algorithm, sctx.Digest)
	}

	handle := sctx.Key
	if err := handle.BeginUse(); err != nil {
		return nil, err
	}
	defer handle.EndUse()

	resp, err := b.submit(ctx, &DeviceRequest{
		Op:              OpSign,
		KeyID:           handle.ID().String(),
		Auth:            handle.Auth(),
		Digest:          digest.Value,
		DigestAlgorithm: digest.Algorithm.String(),
		Scheme:          sctx.Scheme.String(),
	})
	if err != nil {
		return nil, err
	}
	if err := codeToError(resp); err != nil {
		return nil, err
	}
	return resp.Signature, nil
}

// Decrypt unwraps ciphertext inside the boundary.
func (b *HardwareBackend) Decrypt(ctx context.Context, handle *interfaces.KeyHandle, ciphertext []byte) ([]byte, error) {
	if err := handle.BeginUse(); err != nil {
		return nil, err
	}
	defer handle.EndUse()

	resp, err := b.submit(ctx, &DeviceRequest{
		Op:         OpDecrypt,
		KeyID:      handle.ID().String(),
		Auth:       handle.Auth(),
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, err
	}
	if err := codeToError(resp); err != nil {
		return nil, err
	}
	return resp.Plaintext, nil
}

// PublicKey fetches the public half of the referenced key from the boundary.
func (b *HardwareBackend) PublicKey(ctx context.Context, handle *interfaces.KeyHandle) (crypto.PublicKey, error) {
	if err := handle.BeginUse(); err != nil {
		return nil, err
	}
	defer handle.EndUse()

	resp, err := b.submit(ctx, &DeviceRequest{
		Op:    OpPublicKey,
		KeyID: handle.ID().String(),
		Auth:  handle.Auth(),
	})
	if err != nil {
		return nil, err
	}
	if err := codeToError(resp); err != nil {
		return nil, err
	}

	pub, err := x509.ParsePKIXPublicKey(resp.PublicKeyDER)
	if err != nil {
		return nil, fmt.Errorf("%w: device returned malformed public key: %v", interfaces.ErrBackendCommunication, err)
	}
	return pub, nil
}
