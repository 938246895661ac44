package envelope

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ruteri/tee-envelope-signer/digest"
	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// Verifier validates signed-data envelopes against an independently supplied
// content stream. The content digest is always re-derived from the stream,
// never trusted from the envelope, and the signature is checked with the
// public key of the certificate embedded in the footer. Verification is
// backend-independent: envelopes built via the hardware or the software
// backend validate identically.
type Verifier struct {
	chunkSize int
	log       *slog.Logger
}

// NewVerifier creates a verifier with the default chunk size.
func NewVerifier(log *slog.Logger) *Verifier {
	return &Verifier{chunkSize: DefaultChunkSize, log: log}
}

// WithChunkSize returns a verifier using the given internal chunk size.
func (v *Verifier) WithChunkSize(size int) *Verifier {
	return &Verifier{chunkSize: size, log: v.log}
}

// headerFields holds what the envelope preamble declares.
type headerFields struct {
	digestAlgorithm interfaces.DigestAlgorithm
	contentLength   int64
}

type issuerAndSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type signerInfo struct {
	Version            int
	IssuerAndSerial    issuerAndSerial
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignatureAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest    []byte
}

// Verify recomputes the content digest from the chunk source and validates
// the envelope's signature over it. It fails deterministically with
// ErrContentLengthMismatch if totalLength disagrees with the header,
// ErrMalformedEnvelope if header or footer are truncated or ill-formed, and
// ErrVerificationFailure if the digest or signature does not check out.
func (v *Verifier) Verify(ctx context.Context, src interfaces.ChunkSource, totalLength int64, header, footer []byte, vctx *interfaces.VerificationContext) error {
	fields, err := parseHeader(header, totalLength, int64(len(footer)))
	if err != nil {
		return err
	}
	if fields.contentLength != totalLength {
		return fmt.Errorf("%w: header declares %d bytes, caller supplied %d", interfaces.ErrContentLengthMismatch, fields.contentLength, totalLength)
	}
	if got := src.Size(); got != totalLength {
		return fmt.Errorf("%w: source holds %d bytes, caller declared %d", interfaces.ErrContentLengthMismatch, got, totalLength)
	}

	cert, si, err := parseFooter(footer)
	if err != nil {
		return err
	}
	if si.Version != 1 {
		return fmt.Errorf("%w: unsupported signer info version %d", interfaces.ErrMalformedEnvelope, si.Version)
	}
	if cert.SerialNumber.Cmp(si.IssuerAndSerial.SerialNumber) != 0 {
		return fmt.Errorf("%w: signer info serial does not match embedded certificate", interfaces.ErrVerificationFailure)
	}

	signerDigestAlg, err := digestAlgorithmFromOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	if signerDigestAlg != fields.digestAlgorithm {
		return fmt.Errorf("%w: signer digest algorithm disagrees with envelope preamble", interfaces.ErrMalformedEnvelope)
	}
	scheme, err := schemeFromOID(si.SignatureAlgorithm.Algorithm)
	if err != nil {
		return err
	}

	if vctx != nil && vctx.ExpectedPublicKey != nil {
		pinned, ok := vctx.ExpectedPublicKey.(interface{ Equal(crypto.PublicKey) bool })
		if !ok || !pinned.Equal(cert.PublicKey) {
			return fmt.Errorf("%w: embedded certificate does not carry the expected public key", interfaces.ErrVerificationFailure)
		}
	}

	contentDigest, err := digest.DigestChunkSource(src, fields.digestAlgorithm, v.chunkSize)
	if err != nil {
		return err
	}

	if err := verifySignature(cert.PublicKey, scheme, contentDigest, si.EncryptedDigest); err != nil {
		return err
	}

	if v.log != nil {
		v.log.Debug("Verified signed-data envelope",
			slog.Int64("contentLength", totalLength),
			slog.String("digest", fields.digestAlgorithm.String()),
			slog.String("scheme", scheme.String()))
	}
	return nil
}

// parseHeader walks the preamble up to the detached content OCTET STRING,
// checking every enclosing definite length for consistency with the supplied
// content and footer sizes.
func parseHeader(header []byte, contentLen, footerLen int64) (headerFields, error) {
	var fields headerFields
	off := 0

	tag, outerLen, hdr, err := readTagLen(header)
	if err != nil {
		return fields, err
	}
	if tag != tagSequence {
		return fields, fmt.Errorf("%w: envelope does not start with a SEQUENCE", interfaces.ErrMalformedEnvelope)
	}
	off += hdr
	if outerLen != int64(len(header)-off)+contentLen+footerLen {
		return fields, fmt.Errorf("%w: outer length does not cover header, content and footer", interfaces.ErrMalformedEnvelope)
	}

	var contentType asn1.ObjectIdentifier
	rest, err := asn1.Unmarshal(header[off:], &contentType)
	if err != nil {
		return fields, fmt.Errorf("%w: bad content type: %v", interfaces.ErrMalformedEnvelope, err)
	}
	if !contentType.Equal(oidSignedData) {
		return fields, fmt.Errorf("%w: content type %v is not signed-data", interfaces.ErrMalformedEnvelope, contentType)
	}
	off = len(header) - len(rest)

	tag, explicitLen, hdr, err := readTagLen(header[off:])
	if err != nil {
		return fields, err
	}
	if tag != tagContext0 {
		return fields, fmt.Errorf("%w: missing explicit content wrapper", interfaces.ErrMalformedEnvelope)
	}
	off += hdr
	if explicitLen != int64(len(header)-off)+contentLen+footerLen {
		return fields, fmt.Errorf("%w: inconsistent signed-data wrapper length", interfaces.ErrMalformedEnvelope)
	}

	tag, signedDataLen, hdr, err := readTagLen(header[off:])
	if err != nil {
		return fields, err
	}
	if tag != tagSequence {
		return fields, fmt.Errorf("%w: missing signed-data sequence", interfaces.ErrMalformedEnvelope)
	}
	off += hdr
	if signedDataLen != int64(len(header)-off)+contentLen+footerLen {
		return fields, fmt.Errorf("%w: inconsistent signed-data length", interfaces.ErrMalformedEnvelope)
	}

	var version int
	rest, err = asn1.Unmarshal(header[off:], &version)
	if err != nil {
		return fields, fmt.Errorf("%w: bad version: %v", interfaces.ErrMalformedEnvelope, err)
	}
	if version != 1 {
		return fields, fmt.Errorf("%w: unsupported signed-data version %d", interfaces.ErrMalformedEnvelope, version)
	}
	off = len(header) - len(rest)

	var digestAlgs []pkix.AlgorithmIdentifier
	rest, err = asn1.UnmarshalWithParams(header[off:], &digestAlgs, "set")
	if err != nil {
		return fields, fmt.Errorf("%w: bad digest algorithm set: %v", interfaces.ErrMalformedEnvelope, err)
	}
	if len(digestAlgs) != 1 {
		return fields, fmt.Errorf("%w: expected exactly one digest algorithm, got %d", interfaces.ErrMalformedEnvelope, len(digestAlgs))
	}
	fields.digestAlgorithm, err = digestAlgorithmFromOID(digestAlgs[0].Algorithm)
	if err != nil {
		return fields, err
	}
	off = len(header) - len(rest)

	tag, encapLen, hdr, err := readTagLen(header[off:])
	if err != nil {
		return fields, err
	}
	if tag != tagSequence {
		return fields, fmt.Errorf("%w: missing encapsulated content info", interfaces.ErrMalformedEnvelope)
	}
	off += hdr
	if encapLen != int64(len(header)-off)+contentLen {
		return fields, fmt.Errorf("%w: inconsistent content info length", interfaces.ErrMalformedEnvelope)
	}

	var encapType asn1.ObjectIdentifier
	rest, err = asn1.Unmarshal(header[off:], &encapType)
	if err != nil {
		return fields, fmt.Errorf("%w: bad encapsulated content type: %v", interfaces.ErrMalformedEnvelope, err)
	}
	if !encapType.Equal(oidData) {
		return fields, fmt.Errorf("%w: encapsulated content type %v is not data", interfaces.ErrMalformedEnvelope, encapType)
	}
	off = len(header) - len(rest)

	tag, _, hdr, err = readTagLen(header[off:])
	if err != nil {
		return fields, err
	}
	if tag != tagContext0 {
		return fields, fmt.Errorf("%w: missing explicit content octets wrapper", interfaces.ErrMalformedEnvelope)
	}
	off += hdr

	tag, declaredLen, hdr, err := readTagLen(header[off:])
	if err != nil {
		return fields, err
	}
	if tag != tagOctetString {
		return fields, fmt.Errorf("%w: detached content is not an OCTET STRING", interfaces.ErrMalformedEnvelope)
	}
	off += hdr
	if off != len(header) {
		return fields, fmt.Errorf("%w: %d trailing bytes after content split point", interfaces.ErrMalformedEnvelope, len(header)-off)
	}
	fields.contentLength = declaredLen

	return fields, nil
}

// parseFooter extracts the signer certificate and signer info from the
// envelope footer.
func parseFooter(footer []byte) (*x509.Certificate, *signerInfo, error) {
	certsDER, consumed, err := readElement(footer, tagContext0)
	if err != nil {
		return nil, nil, err
	}

	cert, err := x509.ParseCertificate(certsDER)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad embedded certificate: %v", interfaces.ErrMalformedEnvelope, err)
	}

	siSet, setConsumed, err := readElement(footer[consumed:], tagSet)
	if err != nil {
		return nil, nil, err
	}
	if consumed+setConsumed != len(footer) {
		return nil, nil, fmt.Errorf("%w: trailing bytes after signer infos", interfaces.ErrMalformedEnvelope)
	}

	var si signerInfo
	rest, err := asn1.Unmarshal(siSet, &si)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad signer info: %v", interfaces.ErrMalformedEnvelope, err)
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("%w: multiple signer infos are not supported", interfaces.ErrMalformedEnvelope)
	}

	return cert, &si, nil
}

// verifySignature checks the raw signature over the recomputed digest with
// the public key recovered from the envelope.
func verifySignature(pub crypto.PublicKey, scheme interfaces.SignatureScheme, contentDigest interfaces.ContentDigest, sig []byte) error {
	switch scheme {
	case interfaces.SchemeRSAPKCS1v15:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: certificate key is not RSA", interfaces.ErrVerificationFailure)
		}
		if err := rsa.VerifyPKCS1v15(rsaPub, contentDigest.Algorithm.Hash(), contentDigest.Value, sig); err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrVerificationFailure, err)
		}
	case interfaces.SchemeECDSA:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: certificate key is not ECDSA", interfaces.ErrVerificationFailure)
		}
		if !ecdsa.VerifyASN1(ecPub, contentDigest.Value, sig) {
			return fmt.Errorf("%w: signature does not verify", interfaces.ErrVerificationFailure)
		}
	default:
		return fmt.Errorf("%w: %v", interfaces.ErrUnsupportedAlgorithm, scheme)
	}
	return nil
}

// equalDigests compares digests in constant time.
func equalDigests(a, b interfaces.ContentDigest) bool {
	return a.Algorithm == b.Algorithm && subtle.ConstantTimeCompare(a.Value, b.Value) == 1
}
