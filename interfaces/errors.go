package interfaces

import "errors"

var (
	// ErrUnsupportedAlgorithm is returned when a digest algorithm, signature
	// scheme or key algorithm is not available in this build or on the device.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrNotActive is returned when an incremental digest is updated or
	// finalized out of order.
	ErrNotActive = errors.New("digest not active")

	// ErrKeyUnavailable is returned when a key handle is unloaded, released or
	// otherwise not usable for the requested operation.
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrAlgorithmMismatch is returned when the requested signature scheme is
	// incompatible with the key's configured capabilities.
	ErrAlgorithmMismatch = errors.New("algorithm mismatch")

	// ErrAuthorizationFailure is returned when the supplied key authorization
	// secret does not match.
	ErrAuthorizationFailure = errors.New("key authorization failure")

	// ErrBackendCommunication is returned for hardware round-trip failures.
	// It is considered potentially transient; the backend adapter retries a
	// bounded number of times before propagating it.
	ErrBackendCommunication = errors.New("backend communication error")

	// ErrFeatureUnsupported is returned when the backend's device does not
	// implement the requested operation. It is distinct from general operation
	// failure so callers can fail safely on limited hardware.
	ErrFeatureUnsupported = errors.New("feature unsupported by backend")

	// ErrBufferTooSmall is returned when a caller-supplied output buffer's
	// capacity is insufficient. It is fatal to the call; the buffer contents
	// are undefined and must not be reused as valid output.
	ErrBufferTooSmall = errors.New("output buffer too small")

	// ErrVerificationFailure is returned when the recomputed content digest or
	// the signature does not verify. It is never silently treated as success.
	ErrVerificationFailure = errors.New("envelope verification failure")

	// ErrContentLengthMismatch is returned when the supplied content length
	// does not match what the envelope header declares.
	ErrContentLengthMismatch = errors.New("content length mismatch")

	// ErrMalformedEnvelope is returned when header or footer bytes are
	// truncated or not well-formed.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)
