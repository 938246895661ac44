package backend

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/tee-envelope-signer/interfaces"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// DefaultKeySlots is how many key references a simulated device holds open at
// once, mirroring the small transient-object capacity of real signing
// hardware.
const DefaultKeySlots = 8

// simStoredKey is key material persisted inside the simulated boundary,
// reused across load commands under the same label.
type simStoredKey struct {
	signer   crypto.Signer
	auth     interfaces.KeyAuth
	template interfaces.KeyTemplate
}

// SimDevice simulates a signing boundary in memory. It speaks the device
// channel protocol, enforces authorization and slot limits, and can seal key
// material to an encrypted blob for external storage. Private keys never
// appear in a response.
//
// SimDevice is safe for concurrent use: every command and sealed-blob
// operation runs under the device mutex, so the agent can serve it from
// concurrent requests without going through HardwareBackend.
type SimDevice struct {
	mu sync.Mutex

	sealingKey []byte
	rootID     string
	rootAuth   interfaces.KeyAuth

	stored map[string]*simStoredKey
	loaded map[string]*simStoredKey
	slots  int
}

// NewSimDevice creates a simulated boundary. The sealing key and the storage
// root authorization are derived from the seed, so two devices created from
// the same seed can open each other's sealed blobs.
func NewSimDevice(seed []byte) (*SimDevice, error) {
	kdf := hkdf.New(sha256.New, seed, nil, []byte("sim-device-sealing"))
	sealingKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, sealingKey); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}

	rootKdf := hkdf.New(sha256.New, seed, nil, []byte("sim-device-root-auth"))
	rootAuth := make([]byte, 32)
	if _, err := io.ReadFull(rootKdf, rootAuth); err != nil {
		return nil, fmt.Errorf("failed to derive root authorization: %w", err)
	}

	return &SimDevice{
		sealingKey: sealingKey,
		rootID:     uuid.New().String(),
		rootAuth:   rootAuth,
		stored:     make(map[string]*simStoredKey),
		loaded:     make(map[string]*simStoredKey),
		slots:      DefaultKeySlots,
	}, nil
}

// WithKeySlots sets the transient reference capacity.
func (d *SimDevice) WithKeySlots(slots int) *SimDevice {
	d.slots = slots
	return d
}

// RootHandle returns a handle for the device's storage root, usable as the
// parent in load-key commands.
func (d *SimDevice) RootHandle() *interfaces.KeyHandle {
	rootID, _ := uuid.Parse(d.rootID)
	return interfaces.NewKeyHandle(interfaces.KeyID(rootID), d.rootAuth, interfaces.KeyTemplate{Label: "storage-root"})
}

// Submit executes one command inside the simulated boundary.
func (d *SimDevice) Submit(req *DeviceRequest) (*DeviceResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Op {
	case OpLoadKey:
		return d.loadKey(req)
	case OpUnloadKey:
		return d.unloadKey(req)
	case OpSign:
		return d.sign(req)
	case OpDecrypt:
		return d.decrypt(req)
	case OpPublicKey:
		return d.publicKey(req)
	default:
		return &DeviceResponse{Code: CodeUnsupported, Detail: fmt.Sprintf("unknown op %q", req.Op)}, nil
	}
}

func (d *SimDevice) loadKey(req *DeviceRequest) (*DeviceResponse, error) {
	if req.ParentID != "" && req.ParentID != d.rootID {
		return &DeviceResponse{Code: CodeKeyUnavailable, Detail: "unknown parent"}, nil
	}
	if len(d.loaded) >= d.slots {
		return &DeviceResponse{Code: CodeTransient, Detail: "no free key slots"}, nil
	}

	alg, err := keyAlgorithmFromString(req.Algorithm)
	if err != nil {
		return &DeviceResponse{Code: CodeUnsupported, Detail: err.Error()}, nil
	}

	key, ok := d.stored[req.Label]
	if !ok {
		signer, err := generateSigner(alg)
		if err != nil {
			return &DeviceResponse{Code: CodeUnsupported, Detail: err.Error()}, nil
		}
		key = &simStoredKey{
			signer: signer,
			auth:   req.Auth,
			template: interfaces.KeyTemplate{
				Algorithm: alg,
				Usage:     interfaces.KeyUsage(req.Usage),
				Label:     req.Label,
			},
		}
		d.stored[req.Label] = key
	}

	if subtle.ConstantTimeCompare(key.auth, req.Auth) != 1 {
		return &DeviceResponse{Code: CodeAuthFailure, Detail: "wrong key authorization"}, nil
	}
	if key.template.Algorithm != alg {
		return &DeviceResponse{Code: CodeAlgorithmMismatch, Detail: fmt.Sprintf("key %q is %s", req.Label, key.template.Algorithm)}, nil
	}

	keyID := uuid.New().String()
	d.loaded[keyID] = key
	return &DeviceResponse{Code: CodeOK, KeyID: keyID}, nil
}

func (d *SimDevice) unloadKey(req *DeviceRequest) (*DeviceResponse, error) {
	if _, ok := d.loaded[req.KeyID]; !ok {
		return &DeviceResponse{Code: CodeKeyUnavailable, Detail: "reference is not open"}, nil
	}
	delete(d.loaded, req.KeyID)
	return &DeviceResponse{Code: CodeOK}, nil
}

// checkout resolves a loaded reference and enforces authorization and usage.
func (d *SimDevice) checkout(req *DeviceRequest, usage interfaces.KeyUsage) (*simStoredKey, *DeviceResponse) {
	key, ok := d.loaded[req.KeyID]
	if !ok {
		return nil, &DeviceResponse{Code: CodeKeyUnavailable, Detail: "reference is not open"}
	}
	if subtle.ConstantTimeCompare(key.auth, req.Auth) != 1 {
		return nil, &DeviceResponse{Code: CodeAuthFailure, Detail: "wrong key authorization"}
	}
	if usage != 0 && key.template.Usage&usage == 0 {
		return nil, &DeviceResponse{Code: CodeUnsupported, Detail: "key is not provisioned for this operation"}
	}
	return key, nil
}

func (d *SimDevice) sign(req *DeviceRequest) (*DeviceResponse, error) {
	key, rejection := d.checkout(req, interfaces.UsageSign)
	if rejection != nil {
		return rejection, nil
	}

	alg, err := interfaces.NewDigestAlgorithmFromString(req.DigestAlgorithm)
	if err != nil {
		return &DeviceResponse{Code: CodeUnsupported, Detail: err.Error()}, nil
	}
	if len(req.Digest) != alg.Size() {
		return &DeviceResponse{Code: CodeAlgorithmMismatch, Detail: "digest length does not match algorithm"}, nil
	}
	scheme, err := interfaces.NewSignatureSchemeFromString(req.Scheme)
	if err != nil {
		return &DeviceResponse{Code: CodeUnsupported, Detail: err.Error()}, nil
	}
	if !key.template.Algorithm.CompatibleWith(scheme) {
		return &DeviceResponse{Code: CodeAlgorithmMismatch, Detail: fmt.Sprintf("%s key cannot serve %s", key.template.Algorithm, scheme)}, nil
	}

	switch scheme {
	case interfaces.SchemeRSAPKCS1v15:
		sig, err := rsa.SignPKCS1v15(rand.Reader, key.signer.(*rsa.PrivateKey), alg.Hash(), req.Digest)
		if err != nil {
			return &DeviceResponse{Code: CodeAlgorithmMismatch, Detail: err.Error()}, nil
		}
		return &DeviceResponse{Code: CodeOK, Signature: sig}, nil
	case interfaces.SchemeECDSA:
		sig, err := ecdsa.SignASN1(rand.Reader, key.signer.(*ecdsa.PrivateKey), req.Digest)
		if err != nil {
			return &DeviceResponse{Code: CodeAlgorithmMismatch, Detail: err.Error()}, nil
		}
		return &DeviceResponse{Code: CodeOK, Signature: sig}, nil
	default:
		return &DeviceResponse{Code: CodeUnsupported, Detail: fmt.Sprintf("scheme %s", scheme)}, nil
	}
}

func (d *SimDevice) decrypt(req *DeviceRequest) (*DeviceResponse, error) {
	key, rejection := d.checkout(req, interfaces.UsageDecrypt)
	if rejection != nil {
		return rejection, nil
	}

	rsaKey, ok := key.signer.(*rsa.PrivateKey)
	if !ok {
		return &DeviceResponse{Code: CodeUnsupported, Detail: "decryption requires an RSA key"}, nil
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, rsaKey, req.Ciphertext, nil)
	if err != nil {
		return &DeviceResponse{Code: CodeAuthFailure, Detail: "decryption failed"}, nil
	}
	return &DeviceResponse{Code: CodeOK, Plaintext: plaintext}, nil
}

func (d *SimDevice) publicKey(req *DeviceRequest) (*DeviceResponse, error) {
	key, rejection := d.checkout(req, 0)
	if rejection != nil {
		return rejection, nil
	}

	der, err := x509.MarshalPKIXPublicKey(key.signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return &DeviceResponse{Code: CodeOK, PublicKeyDER: der}, nil
}

// sealedKey is the cleartext layout of an exported key blob.
type sealedKey struct {
	Label     string `json:"label"`
	Algorithm string `json:"algorithm"`
	Usage     int    `json:"usage"`
	Auth      []byte `json:"auth"`
	KeyPKCS8  []byte `json:"key_pkcs8"`
}

// ExportSealedKey seals the persisted key under the label into a blob
// encrypted with the device's sealing key. The blob is opaque to everything
// but a device derived from the same seed, so it can live in any blob store.
func (d *SimDevice) ExportSealedKey(label string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key, ok := d.stored[label]
	if !ok {
		return nil, fmt.Errorf("%w: no key under label %q", interfaces.ErrKeyUnavailable, label)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key material: %w", err)
	}
	cleartext, err := json.Marshal(sealedKey{
		Label:     key.template.Label,
		Algorithm: key.template.Algorithm.String(),
		Usage:     int(key.template.Usage),
		Auth:      key.auth,
		KeyPKCS8:  pkcs8,
	})
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(d.sealingKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, cleartext, []byte(label))...), nil
}

// ImportSealedKey unseals a blob produced by ExportSealedKey (on this device
// or one derived from the same seed) and persists the key under its label.
func (d *SimDevice) ImportSealedKey(label string, blob []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	aead, err := chacha20poly1305.NewX(d.sealingKey)
	if err != nil {
		return err
	}
	if len(blob) < aead.NonceSize() {
		return fmt.Errorf("%w: sealed blob too short", interfaces.ErrAuthorizationFailure)
	}
	cleartext, err := aead.Open(nil, blob[:aead.NonceSize()], blob[aead.NonceSize():], []byte(label))
	if err != nil {
		return fmt.Errorf("%w: sealed blob does not open under this device", interfaces.ErrAuthorizationFailure)
	}

	var sealed sealedKey
	if err := json.Unmarshal(cleartext, &sealed); err != nil {
		return fmt.Errorf("bad sealed blob layout: %w", err)
	}
	alg, err := keyAlgorithmFromString(sealed.Algorithm)
	if err != nil {
		return err
	}
	priv, err := x509.ParsePKCS8PrivateKey(sealed.KeyPKCS8)
	if err != nil {
		return fmt.Errorf("bad sealed key material: %w", err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return fmt.Errorf("%w: sealed key is not a signer", interfaces.ErrFeatureUnsupported)
	}

	d.stored[sealed.Label] = &simStoredKey{
		signer: signer,
		auth:   sealed.Auth,
		template: interfaces.KeyTemplate{
			Algorithm: alg,
			Usage:     interfaces.KeyUsage(sealed.Usage),
			Label:     sealed.Label,
		},
	}
	return nil
}

func keyAlgorithmFromString(str string) (interfaces.KeyAlgorithm, error) {
	switch str {
	case "rsa2048":
		return interfaces.KeyRSA2048, nil
	case "ecp256":
		return interfaces.KeyECP256, nil
	default:
		return 0, fmt.Errorf("%w: key algorithm %q", interfaces.ErrUnsupportedAlgorithm, str)
	}
}
