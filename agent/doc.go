// Package agent implements the signer agent service: an HTTP facade over a
// signing boundary's device channel. Remote callers submit device commands to
// POST /api/v1/device and fetch the agent's attested identity from
// GET /api/v1/identity; backend.RemoteChannel is the matching client.
//
// The agent itself never sees private key material. It forwards commands to
// the device it fronts, which in deployment is either real signing hardware
// or a SimDevice inside a TEE whose identity the attestation endpoint proves.
package agent
