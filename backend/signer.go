package backend

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// BackendSigner adapts a backend key reference to crypto.Signer, so stdlib
// consumers like x509.CreateCertificate can sign through the boundary without
// ever seeing the private key.
type BackendSigner struct {
	ctx     context.Context
	backend interfaces.SigningBackend
	handle  *interfaces.KeyHandle
	pub     crypto.PublicKey
}

// NewBackendSigner creates a signer over an already loaded handle. The handle
// stays owned by the caller; the signer never unloads it.
func NewBackendSigner(ctx context.Context, b interfaces.SigningBackend, handle *interfaces.KeyHandle) (*BackendSigner, error) {
	pub, err := b.PublicKey(ctx, handle)
	if err != nil {
		return nil, err
	}
	return &BackendSigner{ctx: ctx, backend: b, handle: handle, pub: pub}, nil
}

// Public returns the key's public half.
func (s *BackendSigner) Public() crypto.PublicKey {
	return s.pub
}

// Sign signs the precomputed digest through the backend. The opts hash must
// be one of the supported digest algorithms.
func (s *BackendSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var alg interfaces.DigestAlgorithm
	switch opts.HashFunc() {
	case crypto.SHA256:
		alg = interfaces.DigestSHA256
	case crypto.SHA384:
		alg = interfaces.DigestSHA384
	case crypto.SHA512:
		alg = interfaces.DigestSHA512
	default:
		return nil, fmt.Errorf("%w: hash %v", interfaces.ErrUnsupportedAlgorithm, opts.HashFunc())
	}

	contentDigest, err := interfaces.NewContentDigest(alg, digest)
	if err != nil {
		return nil, err
	}

	var scheme interfaces.SignatureScheme
	switch s.handle.Template().Algorithm {
	case interfaces.KeyRSA2048:
		scheme = interfaces.SchemeRSAPKCS1v15
	case interfaces.KeyECP256:
		scheme = interfaces.SchemeECDSA
	default:
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsupportedAlgorithm, s.handle.Template().Algorithm)
	}

	return s.backend.Sign(s.ctx, &interfaces.SigningContext{
		Backend: s.backend,
		Key:     s.handle,
		Digest:  alg,
		Scheme:  scheme,
	}, contentDigest)
}

// SelfSignedCertificate issues a self-signed certificate for the handle's
// key, signed through the backend. The certificate carries the public key and
// issuer/serial metadata that envelopes embed for verifiers.
func SelfSignedCertificate(ctx context.Context, b interfaces.SigningBackend, handle *interfaces.KeyHandle, commonName string, validity time.Duration) ([]byte, error) {
	signer, err := NewBackendSigner(ctx, b, handle)
	if err != nil {
		return nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"tee-envelope-signer"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return certDER, nil
}
