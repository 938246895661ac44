package interfaces

import (
	"context"
	"crypto"
)

// SigningBackend produces signatures over precomputed content digests and
// performs the companion decrypt/unwrap operation used by key-establishment
// flows. Implementations are either hardware-bound (operations are blocking
// round trips to an isolated execution boundary that holds the private key)
// or software-bound (in-process computation). Callers get identical envelope
// semantics from either, and a signature produced by one verifies under the
// other given the same digest and compatible key material.
type SigningBackend interface {
	// Sign produces a signature over the supplied digest using the key
	// referenced by the context's handle. The full content is never accepted;
	// the digest-only interface enforces the streaming design.
	//
	// Fails with ErrKeyUnavailable if the handle is unloaded or invalid,
	// ErrAlgorithmMismatch if the context's scheme is incompatible with the
	// key, ErrAuthorizationFailure if the handle's secret does not match, and
	// ErrBackendCommunication for exhausted hardware round-trip retries.
	Sign(ctx context.Context, sctx *SigningContext, digest ContentDigest) (Signature, error)

	// Decrypt unwraps ciphertext with the key referenced by the handle.
	// Same error taxonomy as Sign.
	Decrypt(ctx context.Context, handle *KeyHandle, ciphertext []byte) ([]byte, error)

	// LoadKey makes the key described by the template available for
	// operations and returns an active reference. Existing persisted keys
	// with the same label are reused rather than recreated. The parent handle
	// scopes hierarchical backends (a hardware storage root); software
	// backends accept nil.
	LoadKey(ctx context.Context, template KeyTemplate, parent *KeyHandle, auth KeyAuth) (*KeyHandle, error)

	// UnloadKey releases the reference. It must be invoked exactly once per
	// loaded handle on every exit path; failing to unload leaks the slot in
	// the boundary executing the key, not merely local memory.
	UnloadKey(ctx context.Context, handle *KeyHandle) error

	// PublicKey returns the public half of the referenced key.
	PublicKey(ctx context.Context, handle *KeyHandle) (crypto.PublicKey, error)
}
