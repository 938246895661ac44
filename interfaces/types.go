package interfaces

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// DigestAlgorithm identifies the hash algorithm used to digest streamed content.
type DigestAlgorithm int

const (
	// DigestSHA256 is SHA-256 (32-byte digest).
	DigestSHA256 DigestAlgorithm = iota
	// DigestSHA384 is SHA-384 (48-byte digest).
	DigestSHA384
	// DigestSHA512 is SHA-512 (64-byte digest).
	DigestSHA512
)

// NewDigestAlgorithmFromString parses a digest algorithm name.
func NewDigestAlgorithmFromString(str string) (DigestAlgorithm, error) {
	switch str {
	case "sha256":
		return DigestSHA256, nil
	case "sha384":
		return DigestSHA384, nil
	case "sha512":
		return DigestSHA512, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, str)
	}
}

// String returns the algorithm name.
func (a DigestAlgorithm) String() string {
	switch a {
	case DigestSHA256:
		return "sha256"
	case DigestSHA384:
		return "sha384"
	case DigestSHA512:
		return "sha512"
	default:
		return "unknown"
	}
}

// Size returns the digest length in bytes, or 0 for an unknown algorithm.
func (a DigestAlgorithm) Size() int {
	switch a {
	case DigestSHA256:
		return 32
	case DigestSHA384:
		return 48
	case DigestSHA512:
		return 64
	default:
		return 0
	}
}

// Hash returns the corresponding stdlib crypto.Hash.
func (a DigestAlgorithm) Hash() crypto.Hash {
	switch a {
	case DigestSHA256:
		return crypto.SHA256
	case DigestSHA384:
		return crypto.SHA384
	case DigestSHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

// ContentDigest is the algorithm-tagged hash of the exact content bytes that
// were streamed. It is always derived from a chunk stream, never recomputed
// from itself.
type ContentDigest struct {
	Algorithm DigestAlgorithm
	Value     []byte
}

// NewContentDigest creates a content digest, validating that the value length
// matches the algorithm's defined digest size.
func NewContentDigest(alg DigestAlgorithm, value []byte) (ContentDigest, error) {
	if len(value) != alg.Size() {
		return ContentDigest{}, fmt.Errorf("invalid digest length %d for %s: expected %d", len(value), alg, alg.Size())
	}
	return ContentDigest{Algorithm: alg, Value: value}, nil
}

// SignatureScheme selects the padding/signature scheme used by a backend.
type SignatureScheme int

const (
	// SchemeRSAPKCS1v15 is RSASSA-PKCS1-v1_5 over the content digest.
	SchemeRSAPKCS1v15 SignatureScheme = iota
	// SchemeECDSA is ECDSA (ASN.1 encoded) over the content digest.
	SchemeECDSA
)

// NewSignatureSchemeFromString parses a signature scheme name.
func NewSignatureSchemeFromString(str string) (SignatureScheme, error) {
	switch str {
	case "rsa-pkcs1v15":
		return SchemeRSAPKCS1v15, nil
	case "ecdsa":
		return SchemeECDSA, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, str)
	}
}

// String returns the scheme name.
func (s SignatureScheme) String() string {
	switch s {
	case SchemeRSAPKCS1v15:
		return "rsa-pkcs1v15"
	case SchemeECDSA:
		return "ecdsa"
	default:
		return "unknown"
	}
}

// Signature is a raw signature value as produced by a signing backend.
type Signature []byte

// KeyAlgorithm identifies the key type a backend provisions or loads.
type KeyAlgorithm int

const (
	// KeyRSA2048 is a 2048-bit RSA key.
	KeyRSA2048 KeyAlgorithm = iota
	// KeyECP256 is an ECDSA key on the P-256 curve.
	KeyECP256
)

// String returns the key algorithm name.
func (a KeyAlgorithm) String() string {
	switch a {
	case KeyRSA2048:
		return "rsa2048"
	case KeyECP256:
		return "ecp256"
	default:
		return "unknown"
	}
}

// CompatibleWith reports whether a signature scheme can be served by keys of
// this algorithm.
func (a KeyAlgorithm) CompatibleWith(scheme SignatureScheme) bool {
	switch a {
	case KeyRSA2048:
		return scheme == SchemeRSAPKCS1v15
	case KeyECP256:
		return scheme == SchemeECDSA
	default:
		return false
	}
}

// KeyUsage is a bitmask of operations a key is provisioned for.
type KeyUsage int

const (
	// UsageSign allows signature operations.
	UsageSign KeyUsage = 1 << iota
	// UsageDecrypt allows decrypt/unwrap operations.
	UsageDecrypt
)

// KeyTemplate describes the key a backend should provision or look up.
type KeyTemplate struct {
	Algorithm KeyAlgorithm
	Usage     KeyUsage
	// Label identifies the key within the backend's (or keystore's) namespace.
	// Keys provisioned under the same label are reused across runs.
	Label string
}

// KeyID uniquely identifies a loaded key reference within a backend.
type KeyID [16]byte

// NewKeyID generates a random key identifier.
func NewKeyID() KeyID {
	return KeyID(uuid.New())
}

// String returns the canonical UUID form.
func (id KeyID) String() string {
	return uuid.UUID(id).String()
}

// KeyAuth is the opaque authorization secret bound to a key. It never
// contains private key material.
type KeyAuth []byte

// KeyState tracks the lifecycle of a key reference.
type KeyState int32

const (
	// KeyStateCreated means the key object exists (possibly persisted) but no
	// active reference is held.
	KeyStateCreated KeyState = iota
	// KeyStateLoaded means the handle is active and usable for operations.
	KeyStateLoaded
	// KeyStateInUse means one or more operations are in flight.
	KeyStateInUse
	// KeyStateUnloaded means the reference was released; further use is an error.
	KeyStateUnloaded
)

// String returns the state name.
func (s KeyState) String() string {
	switch s {
	case KeyStateCreated:
		return "created"
	case KeyStateLoaded:
		return "loaded"
	case KeyStateInUse:
		return "in-use"
	case KeyStateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// KeyHandle is an opaque reference to a signing key held by a backend,
// together with its authorization secret. The handle owns no key material;
// when backed by a hardware boundary the private key never leaves it.
//
// A loaded handle may be reused across many Sign operations. It must be
// unloaded exactly once regardless of success or failure path; release is
// the caller's responsibility.
type KeyHandle struct {
	id       KeyID
	auth     KeyAuth
	template KeyTemplate

	state atomic.Int32
	uses  atomic.Int32
}

// NewKeyHandle creates a handle in the Loaded state. Intended for backend
// implementations returning a fresh reference from LoadKey.
func NewKeyHandle(id KeyID, auth KeyAuth, template KeyTemplate) *KeyHandle {
	h := &KeyHandle{id: id, auth: auth, template: template}
	h.state.Store(int32(KeyStateLoaded))
	return h
}

// ID returns the backend-assigned key identifier.
func (h *KeyHandle) ID() KeyID { return h.id }

// Auth returns the authorization secret supplied when the key was loaded.
func (h *KeyHandle) Auth() KeyAuth { return h.auth }

// Template returns the template the key was loaded with.
func (h *KeyHandle) Template() KeyTemplate { return h.template }

// State returns the current lifecycle state.
func (h *KeyHandle) State() KeyState {
	return KeyState(h.state.Load())
}

// BeginUse marks an operation in flight. It fails with ErrKeyUnavailable if
// the handle has been unloaded.
func (h *KeyHandle) BeginUse() error {
	for {
		s := KeyState(h.state.Load())
		if s == KeyStateUnloaded || s == KeyStateCreated {
			return fmt.Errorf("%w: key %s is %s", ErrKeyUnavailable, h.id, s)
		}
		if h.state.CompareAndSwap(int32(s), int32(KeyStateInUse)) {
			h.uses.Inc()
			return nil
		}
	}
}

// EndUse marks an operation complete, returning the handle to Loaded once no
// operations remain in flight.
func (h *KeyHandle) EndUse() {
	if h.uses.Dec() <= 0 {
		h.state.CompareAndSwap(int32(KeyStateInUse), int32(KeyStateLoaded))
	}
}

// Release transitions the handle to Unloaded. It succeeds exactly once;
// releasing an already-unloaded handle returns ErrKeyUnavailable.
func (h *KeyHandle) Release() error {
	for {
		s := KeyState(h.state.Load())
		if s == KeyStateUnloaded {
			return fmt.Errorf("%w: key %s already unloaded", ErrKeyUnavailable, h.id)
		}
		if h.state.CompareAndSwap(int32(s), int32(KeyStateUnloaded)) {
			return nil
		}
	}
}

// SigningContext binds a key handle, digest algorithm, signature scheme and
// backend instance for the duration of one build or verify call. The context
// borrows the handle; it never releases it.
type SigningContext struct {
	Backend SigningBackend
	Key     *KeyHandle
	Digest  DigestAlgorithm
	Scheme  SignatureScheme

	// CertificateDER is the signer's certificate, embedded in the envelope so
	// verifiers can recover the public key and issuer/serial metadata.
	CertificateDER []byte
}

// Validate checks the context is complete and internally consistent.
func (c *SigningContext) Validate() error {
	if c.Backend == nil {
		return errors.New("signing context has no backend")
	}
	if c.Key == nil {
		return errors.New("signing context has no key handle")
	}
	if c.Digest.Size() == 0 {
		return fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, c.Digest)
	}
	if !c.Key.Template().Algorithm.CompatibleWith(c.Scheme) {
		return fmt.Errorf("%w: key %s does not serve %s", ErrAlgorithmMismatch, c.Key.Template().Algorithm, c.Scheme)
	}
	return nil
}

// VerificationContext carries optional constraints for envelope verification.
type VerificationContext struct {
	// ExpectedPublicKey, when set, must match the public key of the
	// certificate embedded in the envelope. Mismatch is a verification failure.
	ExpectedPublicKey crypto.PublicKey
}
