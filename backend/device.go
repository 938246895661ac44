package backend

import (
	"fmt"

	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// DeviceOp names a command executed inside the signing boundary.
type DeviceOp string

const (
	// OpLoadKey provisions or reuses a key behind the boundary and opens a
	// reference to it.
	OpLoadKey DeviceOp = "load-key"
	// OpUnloadKey closes a reference, freeing the boundary's slot.
	OpUnloadKey DeviceOp = "unload-key"
	// OpSign signs a content digest with a referenced key.
	OpSign DeviceOp = "sign"
	// OpDecrypt unwraps ciphertext with a referenced key.
	OpDecrypt DeviceOp = "decrypt"
	// OpPublicKey returns the public half of a referenced key.
	OpPublicKey DeviceOp = "public-key"
)

// DeviceCode is the boundary's result code for a command that reached it.
type DeviceCode int

const (
	// CodeOK means the command succeeded.
	CodeOK DeviceCode = iota
	// CodeKeyUnavailable means the referenced key is not loaded.
	CodeKeyUnavailable
	// CodeAuthFailure means the authorization secret did not match.
	CodeAuthFailure
	// CodeAlgorithmMismatch means the requested operation is incompatible
	// with the key's algorithm.
	CodeAlgorithmMismatch
	// CodeUnsupported means the boundary does not implement the requested
	// feature at all.
	CodeUnsupported
	// CodeTransient means the boundary was busy; the command may be retried.
	CodeTransient
)

// DeviceRequest is one command submitted to the signing boundary. All fields
// are plain data so the request can cross a transport unchanged.
type DeviceRequest struct {
	Op DeviceOp `json:"op"`

	// KeyID references a previously loaded key for sign, decrypt, public-key
	// and unload commands.
	KeyID string `json:"key_id,omitempty"`
	// Auth is the authorization secret for the referenced or provisioned key.
	Auth []byte `json:"auth,omitempty"`

	// Label, Algorithm and Usage describe the key for load-key commands.
	Label     string `json:"label,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	Usage     int    `json:"usage,omitempty"`
	// ParentID scopes load-key to a storage hierarchy, empty for the default.
	ParentID string `json:"parent_id,omitempty"`

	// Digest and DigestAlgorithm carry the precomputed content digest for
	// sign commands. Content never crosses this boundary.
	Digest          []byte `json:"digest,omitempty"`
	DigestAlgorithm string `json:"digest_algorithm,omitempty"`
	Scheme          string `json:"scheme,omitempty"`

	// Ciphertext is the blob to unwrap for decrypt commands.
	Ciphertext []byte `json:"ciphertext,omitempty"`
}

// DeviceResponse is the boundary's reply to one command.
type DeviceResponse struct {
	Code   DeviceCode `json:"code"`
	Detail string     `json:"detail,omitempty"`

	KeyID        string `json:"key_id,omitempty"`
	Signature    []byte `json:"signature,omitempty"`
	Plaintext    []byte `json:"plaintext,omitempty"`
	PublicKeyDER []byte `json:"public_key_der,omitempty"`
}

// DeviceChannel is the transport to a signing boundary. Submit performs one
// blocking round trip. A returned error means the command may not have
// reached the boundary and can be retried; a response with a non-OK code
// means the boundary rejected the command and retrying is pointless.
//
// Implementations need not be safe for concurrent use; HardwareBackend
// serializes all submissions.
type DeviceChannel interface {
	Submit(req *DeviceRequest) (*DeviceResponse, error)
}

// codeToError maps a boundary result code to the sentinel error callers
// branch on.
func codeToError(resp *DeviceResponse) error {
	switch resp.Code {
	case CodeOK:
		return nil
	case CodeKeyUnavailable:
		return fmt.Errorf("%w: %s", interfaces.ErrKeyUnavailable, resp.Detail)
	case CodeAuthFailure:
		return fmt.Errorf("%w: %s", interfaces.ErrAuthorizationFailure, resp.Detail)
	case CodeAlgorithmMismatch:
		return fmt.Errorf("%w: %s", interfaces.ErrAlgorithmMismatch, resp.Detail)
	case CodeUnsupported:
		return fmt.Errorf("%w: %s", interfaces.ErrFeatureUnsupported, resp.Detail)
	default:
		return fmt.Errorf("%w: unexpected device code %d: %s", interfaces.ErrBackendCommunication, resp.Code, resp.Detail)
	}
}
