// Package backend provides the signing backends behind envelope construction.
//
// Two implementations of interfaces.SigningBackend are offered:
//
//   - SoftwareBackend computes signatures in process. Key material lives in
//     this process's memory. Suitable for development, testing, and callers
//     without access to signing hardware.
//
//   - HardwareBackend executes every operation as a blocking round trip over
//     a DeviceChannel to an isolated boundary that holds the private keys.
//     Round trips are serialized and retried within a bounded budget; key
//     material never crosses the channel.
//
// Both produce identical envelope semantics: a signature produced by one
// verifies under the other given the same digest and key material.
//
// Two channels are provided for the hardware backend: SimDevice, an in-memory
// boundary simulator with slot limits and sealed key export, and
// RemoteChannel, an HTTP client for a signer agent process.
package backend
