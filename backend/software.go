package backend

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// softKey is key material held in process, keyed by template label so repeat
// loads under the same label reuse the key instead of recreating it.
type softKey struct {
	signer   crypto.Signer
	auth     interfaces.KeyAuth
	template interfaces.KeyTemplate
}

// SoftwareBackend computes signatures in process. Key material lives in this
// process's memory; there is no execution boundary. Envelopes it produces are
// indistinguishable from hardware-produced ones given the same digest and key.
type SoftwareBackend struct {
	mu     sync.RWMutex
	byLbl  map[string]*softKey
	active map[interfaces.KeyID]*softKey

	log *slog.Logger
}

// NewSoftwareBackend creates an empty in-process backend.
func NewSoftwareBackend(log *slog.Logger) *SoftwareBackend {
	return &SoftwareBackend{
		byLbl:  make(map[string]*softKey),
		active: make(map[interfaces.KeyID]*softKey),
		log:    log,
	}
}

// ImportSigner registers existing key material under a label, so LoadKey
// returns a reference to it instead of generating a fresh key. Used to load
// keys recovered from a key blob store.
func (b *SoftwareBackend) ImportSigner(label string, signer crypto.Signer, template interfaces.KeyTemplate, auth interfaces.KeyAuth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	template.Label = label
	b.byLbl[label] = &softKey{signer: signer, auth: auth, template: template}
}

// LoadKey returns an active reference to the key described by the template,
// generating it on first use of the label. The parent handle is ignored;
// software keys have no hierarchy.
func (b *SoftwareBackend) LoadKey(ctx context.Context, template interfaces.KeyTemplate, parent *interfaces.KeyHandle, auth interfaces.KeyAuth) (*interfaces.KeyHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, ok := b.byLbl[template.Label]
	if !ok {
		signer, err := generateSigner(template.Algorithm)
		if err != nil {
			return nil, err
		}
		key = &softKey{signer: signer, auth: auth, template: template}
		b.byLbl[template.Label] = key
		if b.log != nil {
			b.log.Debug("Generated software key", slog.String("label", template.Label), slog.String("algorithm", template.Algorithm.String()))
		}
	}

	if subtle.ConstantTimeCompare(key.auth, auth) != 1 {
		return nil, fmt.Errorf("%w: wrong authorization for key %q", interfaces.ErrAuthorizationFailure, template.Label)
	}
	if key.template.Algorithm != template.Algorithm {
		return nil, fmt.Errorf("%w: key %q is %s, requested %s", interfaces.ErrAlgorithmMismatch, template.Label, key.template.Algorithm, template.Algorithm)
	}

	handle := interfaces.NewKeyHandle(interfaces.NewKeyID(), auth, key.template)
	b.active[handle.ID()] = key
	return handle, nil
}

// UnloadKey releases the reference. The second unload of the same handle
// fails with ErrKeyUnavailable; the key material itself stays available for
// future LoadKey calls under its label.
func (b *SoftwareBackend) UnloadKey(ctx context.Context, handle *interfaces.KeyHandle) error {
	if err := handle.Release(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.active, handle.ID())
	b.mu.Unlock()
	return nil
}

// Sign produces a signature over the digest with the context's key.
func (b *SoftwareBackend) Sign(ctx context.Context, sctx *interfaces.SigningContext, digest interfaces.ContentDigest) (interfaces.Signature, error) {
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

	key, err := b.checkout(handle, interfaces.UsageSign)
	if err != nil {
		return nil, err
	}

	switch sctx.Scheme {
	case interfaces.SchemeRSAPKCS1v15:
		rsaKey, ok := key.signer.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key %s is not RSA", interfaces.ErrAlgorithmMismatch, handle.ID())
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, rsaKey, digest.Algorithm.Hash(), digest.Value)
		if err != nil {
			return nil, fmt.Errorf("rsa signing failed: %w", err)
		}
		return sig, nil
	case interfaces.SchemeECDSA:
		ecKey, ok := key.signer.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key %s is not ECDSA", interfaces.ErrAlgorithmMismatch, handle.ID())
		}
		sig, err := ecdsa.SignASN1(rand.Reader, ecKey, digest.Value)
		if err != nil {
			return nil, fmt.Errorf("ecdsa signing failed: %w", err)
		}
		return sig, nil
	default:
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsupportedAlgorithm, sctx.Scheme)
	}
}

// Decrypt unwraps RSA-OAEP ciphertext with the referenced key. ECDSA keys do
// not serve decryption.
func (b *SoftwareBackend) Decrypt(ctx context.Context, handle *interfaces.KeyHandle, ciphertext []byte) ([]byte, error) {
	if err := handle.BeginUse(); err != nil {
		return nil, err
	}
	defer handle.EndUse()

	key, err := b.checkout(handle, interfaces.UsageDecrypt)
	if err != nil {
		return nil, err
	}

	rsaKey, ok := key.signer.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: decryption with %s keys", interfaces.ErrFeatureUnsupported, key.template.Algorithm)
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, rsaKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthorizationFailure, err)
	}
	return plaintext, nil
}

// PublicKey returns the public half of the referenced key.
func (b *SoftwareBackend) PublicKey(ctx context.Context, handle *interfaces.KeyHandle) (crypto.PublicKey, error) {
	if err := handle.BeginUse(); err != nil {
		return nil, err
	}
	defer handle.EndUse()

	key, err := b.checkout(handle, 0)
	if err != nil {
		return nil, err
	}
	return key.signer.Public(), nil
}

// checkout resolves the handle to its key material and enforces authorization
// and usage. A zero usage skips the usage check.
func (b *SoftwareBackend) checkout(handle *interfaces.KeyHandle, usage interfaces.KeyUsage) (*softKey, error) {
	b.mu.RLock()
	key, ok := b.active[handle.ID()]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: key %s is not loaded", interfaces.ErrKeyUnavailable, handle.ID())
	}
	if subtle.ConstantTimeCompare(key.auth, handle.Auth()) != 1 {
		return nil, fmt.Errorf("%w: wrong authorization for key %s", interfaces.ErrAuthorizationFailure, handle.ID())
	}
	if usage != 0 && key.template.Usage&usage == 0 {
		return nil, fmt.Errorf("%w: key %s is not provisioned for this operation", interfaces.ErrFeatureUnsupported, handle.ID())
	}
	return key, nil
}

// generateSigner creates fresh key material for a template algorithm.
func generateSigner(alg interfaces.KeyAlgorithm) (crypto.Signer, error) {
	switch alg {
	case interfaces.KeyRSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case interfaces.KeyECP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsupportedAlgorithm, alg)
	}
}
