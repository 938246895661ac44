package envelope

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-envelope-signer/digest"
	"github.com/ruteri/tee-envelope-signer/interfaces"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const (
	// DefaultChunkSize is the internal chunk size used to stream content
	// through the digest. It is independent of the total content length.
	DefaultChunkSize = 2048

	// DefaultBufferSize is a reasonable capacity for header and footer
	// buffers covering RSA-2048 signatures with a single embedded certificate.
	DefaultBufferSize = 4096
)

// Builder constructs signed-data envelopes. The content is streamed through
// an incremental digest, the digest is signed by the context's backend, and
// the DER signed-data structure is emitted as a header/footer pair split
// exactly where the content octets would be inlined in a non-streaming
// encoding. Memory use is bounded by the chunk size and the caller's
// header/footer buffers regardless of content length.
type Builder struct {
	chunkSize int
	log       *slog.Logger
}

// NewBuilder creates a builder with the default chunk size.
func NewBuilder(log *slog.Logger) *Builder {
	return &Builder{chunkSize: DefaultChunkSize, log: log}
}

// WithChunkSize returns a builder using the given internal chunk size.
func (b *Builder) WithChunkSize(size int) *Builder {
	return &Builder{chunkSize: size, log: b.log}
}

// Build digests the chunk source, signs the digest through the context's
// backend, and writes the envelope header and footer into the caller-owned
// buffers. The buffers are borrowed, never resized; their lengths are the
// capacity ceiling. Returns the number of bytes written to each.
//
// Fails with ErrBufferTooSmall if either buffer cannot hold its half (no
// partial output is written past capacity in that case), with
// ErrContentLengthMismatch if totalLength disagrees with the source, and
// with whatever the backend's Sign fails with, propagated unchanged.
func (b *Builder) Build(ctx context.Context, src interfaces.ChunkSource, totalLength int64, sctx *interfaces.SigningContext, headerBuf, footerBuf []byte) (headerLen, footerLen int, err error) {
	if err := sctx.Validate(); err != nil {
		return 0, 0, err
	}
	if got := src.Size(); got != totalLength {
		return 0, 0, fmt.Errorf("%w: source holds %d bytes, caller declared %d", interfaces.ErrContentLengthMismatch, got, totalLength)
	}

	cert, err := x509.ParseCertificate(sctx.CertificateDER)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse signer certificate: %w", err)
	}

	contentDigest, err := digest.DigestChunkSource(src, sctx.Digest, b.chunkSize)
	if err != nil {
		return 0, 0, err
	}

	signature, err := sctx.Backend.Sign(ctx, sctx, contentDigest)
	if err != nil {
		return 0, 0, err
	}

	footer, err := buildFooter(cert, sctx, signature)
	if err != nil {
		return 0, 0, err
	}
	if len(footer) > len(footerBuf) {
		return 0, 0, fmt.Errorf("%w: footer needs %d bytes, capacity is %d", interfaces.ErrBufferTooSmall, len(footer), len(footerBuf))
	}

	header, err := buildHeader(sctx.Digest, totalLength, int64(len(footer)))
	if err != nil {
		return 0, 0, err
	}
	if len(header) > len(headerBuf) {
		return 0, 0, fmt.Errorf("%w: header needs %d bytes, capacity is %d", interfaces.ErrBufferTooSmall, len(header), len(headerBuf))
	}

	copy(headerBuf, header)
	copy(footerBuf, footer)

	if b.log != nil {
		b.log.Debug("Built signed-data envelope",
			slog.Int64("contentLength", totalLength),
			slog.Int("headerLen", len(header)),
			slog.Int("footerLen", len(footer)),
			slog.String("digest", sctx.Digest.String()),
			slog.String("scheme", sctx.Scheme.String()))
	}

	return len(header), len(footer), nil
}

// buildFooter serializes everything that follows the detached content octets:
// the certificates [0] field carrying the signer certificate, then the
// signerInfos SET. Definite-length DER needs no trailer beyond these.
func buildFooter(cert *x509.Certificate, sctx *interfaces.SigningContext, signature interfaces.Signature) ([]byte, error) {
	digOID, err := digestOID(sctx.Digest)
	if err != nil {
		return nil, err
	}
	sigOID, err := signatureOID(sctx.Scheme, sctx.Digest)
	if err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
		b.AddBytes(cert.Raw)
	})
	b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1Int64(1) // SignerInfo version
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddBytes(cert.RawIssuer)
				b.AddASN1BigInt(cert.SerialNumber)
			})
			addAlgorithmIdentifier(b, digOID, true)
			addAlgorithmIdentifier(b, sigOID, sctx.Scheme == interfaces.SchemeRSAPKCS1v15)
			b.AddASN1OctetString(signature)
		})
	})
	return b.Bytes()
}

// buildHeader serializes the signed-data preamble up to and including the
// tag and length of the detached content OCTET STRING. All enclosing
// definite lengths account for the content and footer bytes that follow.
func buildHeader(alg interfaces.DigestAlgorithm, contentLen, footerLen int64) ([]byte, error) {
	digestAlgsDER, err := derDigestAlgorithmSet(alg)
	if err != nil {
		return nil, err
	}
	oidDataDER, err := asn1.Marshal(oidData)
	if err != nil {
		return nil, err
	}
	oidSignedDataDER, err := asn1.Marshal(oidSignedData)
	if err != nil {
		return nil, err
	}

	versionDER := []byte{0x02, 0x01, 0x01}

	// Sizes from the innermost element out. Every enclosing length includes
	// the detached content octets even though they are never buffered here.
	explicitContentLen := tagLenSize(contentLen) + contentLen
	encapLen := int64(len(oidDataDER)) + tagLenSize(explicitContentLen) + explicitContentLen
	signedDataLen := int64(len(versionDER)+len(digestAlgsDER)) + tagLenSize(encapLen) + encapLen + footerLen
	explicitOuterLen := tagLenSize(signedDataLen) + signedDataLen
	outerLen := int64(len(oidSignedDataDER)) + tagLenSize(explicitOuterLen) + explicitOuterLen

	hdr := appendTagLen(nil, tagSequence, outerLen)
	hdr = append(hdr, oidSignedDataDER...)
	hdr = appendTagLen(hdr, tagContext0, explicitOuterLen)
	hdr = appendTagLen(hdr, tagSequence, signedDataLen)
	hdr = append(hdr, versionDER...)
	hdr = append(hdr, digestAlgsDER...)
	hdr = appendTagLen(hdr, tagSequence, encapLen)
	hdr = append(hdr, oidDataDER...)
	hdr = appendTagLen(hdr, tagContext0, explicitContentLen)
	hdr = appendTagLen(hdr, tagOctetString, contentLen)

	return hdr, nil
}
