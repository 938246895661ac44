// Package interfaces defines the shared types and contracts of the
// tee-envelope-signer system.
//
// The core abstraction is the SigningBackend: a capability interface for
// producing signatures over precomputed content digests and for unwrapping
// data, implemented both by an in-process software backend and by a
// hardware-bound backend that round-trips every operation to an isolated
// execution boundary. Envelope construction and verification consume the
// backend through a SigningContext, never touching key material directly.
//
// Content flows through the ChunkSource interface, which provides bounded,
// restartable positional reads so arbitrarily large content can be digested
// without ever residing in memory at once.
//
// Key references are modeled by KeyHandle with an explicit lifecycle
// (Created, Loaded, InUse, Unloaded). Handles must be released exactly once
// on every exit path; the backend package provides scoped acquisition
// helpers that guarantee this.
//
// All error kinds surfaced by the system are defined here as sentinel errors
// so callers can match them with errors.Is across package boundaries.
package interfaces
