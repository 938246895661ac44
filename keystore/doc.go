// Package keystore persists sealed key blobs by label across several storage
// backends: local files, HashiCorp Vault, Amazon S3, and IPFS.
//
// Blobs are sealed by the signing device before they reach a store (see
// backend.SimDevice.ExportSealedKey), so stores only ever hold ciphertext
// bound to the device seed. The seed itself is protected by SeedGuard, which
// splits it into administrator shares with Shamir's Secret Sharing and
// reconstructs it in memory when a threshold of shares is submitted.
//
// Stores are created from location URIs via Factory, e.g.
// file:///var/lib/signer/keys, vault://vault:8200/secret/signer-keys,
// s3://KEY:SECRET@bucket/keys?region=us-west-2, ipfs://127.0.0.1:5001.
package keystore
