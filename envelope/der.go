package envelope

import (
	"encoding/asn1"
	"fmt"

	"github.com/ruteri/tee-envelope-signer/interfaces"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// PKCS#7 / CMS object identifiers (RFC 2315, RFC 3279, RFC 5758).
var (
	oidData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	oidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// Raw DER tag bytes used where elements are emitted around the detached
// content and definite lengths must be computed by hand.
const (
	tagSequence    = 0x30
	tagSet         = 0x31
	tagOctetString = 0x04
	tagContext0    = 0xa0
)

func digestOID(alg interfaces.DigestAlgorithm) (asn1.ObjectIdentifier, error) {
	switch alg {
	case interfaces.DigestSHA256:
		return oidSHA256, nil
	case interfaces.DigestSHA384:
		return oidSHA384, nil
	case interfaces.DigestSHA512:
		return oidSHA512, nil
	default:
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsupportedAlgorithm, alg)
	}
}

func digestAlgorithmFromOID(oid asn1.ObjectIdentifier) (interfaces.DigestAlgorithm, error) {
	switch {
	case oid.Equal(oidSHA256):
		return interfaces.DigestSHA256, nil
	case oid.Equal(oidSHA384):
		return interfaces.DigestSHA384, nil
	case oid.Equal(oidSHA512):
		return interfaces.DigestSHA512, nil
	default:
		return 0, fmt.Errorf("%w: digest algorithm %v", interfaces.ErrUnsupportedAlgorithm, oid)
	}
}

func signatureOID(scheme interfaces.SignatureScheme, alg interfaces.DigestAlgorithm) (asn1.ObjectIdentifier, error) {
	switch scheme {
	case interfaces.SchemeRSAPKCS1v15:
		return oidRSAEncryption, nil
	case interfaces.SchemeECDSA:
		switch alg {
		case interfaces.DigestSHA256:
			return oidECDSAWithSHA256, nil
		case interfaces.DigestSHA384:
			return oidECDSAWithSHA384, nil
		case interfaces.DigestSHA512:
			return oidECDSAWithSHA512, nil
		}
	}
	return nil, fmt.Errorf("%w: %v with %v", interfaces.ErrUnsupportedAlgorithm, scheme, alg)
}

func schemeFromOID(oid asn1.ObjectIdentifier) (interfaces.SignatureScheme, error) {
	switch {
	case oid.Equal(oidRSAEncryption):
		return interfaces.SchemeRSAPKCS1v15, nil
	case oid.Equal(oidECDSAWithSHA256), oid.Equal(oidECDSAWithSHA384), oid.Equal(oidECDSAWithSHA512):
		return interfaces.SchemeECDSA, nil
	default:
		return 0, fmt.Errorf("%w: signature algorithm %v", interfaces.ErrUnsupportedAlgorithm, oid)
	}
}

// appendTagLen appends a tag byte and a definite-length encoding of n.
func appendTagLen(dst []byte, tag byte, n int64) []byte {
	dst = append(dst, tag)
	if n < 0x80 {
		return append(dst, byte(n))
	}

	var lenBytes []byte
	for v := n; v > 0; v >>= 8 {
		lenBytes = append([]byte{byte(v)}, lenBytes...)
	}
	dst = append(dst, 0x80|byte(len(lenBytes)))
	return append(dst, lenBytes...)
}

// tagLenSize returns the encoded size of a tag plus definite length for n
// content bytes.
func tagLenSize(n int64) int64 {
	size := int64(2)
	if n < 0x80 {
		return size
	}
	for v := n; v > 0; v >>= 8 {
		size++
	}
	return size
}

// readTagLen parses a tag byte and definite length from the start of b.
// The declared length may exceed len(b): header and footer fragments declare
// lengths that span the detached content.
func readTagLen(b []byte) (tag byte, length int64, hdrLen int, err error) {
	if len(b) < 2 {
		return 0, 0, 0, fmt.Errorf("%w: truncated tag", interfaces.ErrMalformedEnvelope)
	}
	tag = b[0]

	l := b[1]
	if l < 0x80 {
		return tag, int64(l), 2, nil
	}

	n := int(l & 0x7f)
	if n == 0 || n > 8 || len(b) < 2+n {
		return 0, 0, 0, fmt.Errorf("%w: invalid length encoding", interfaces.ErrMalformedEnvelope)
	}
	for i := 0; i < n; i++ {
		if length >= 1<<55 {
			return 0, 0, 0, fmt.Errorf("%w: length out of range", interfaces.ErrMalformedEnvelope)
		}
		length = length<<8 | int64(b[2+i])
	}
	return tag, length, 2 + n, nil
}

// readElement parses a complete DER element (header and contents fully
// present in b) and returns its total encoded size.
func readElement(b []byte, wantTag byte) (contents []byte, total int, err error) {
	tag, length, hdrLen, err := readTagLen(b)
	if err != nil {
		return nil, 0, err
	}
	if tag != wantTag {
		return nil, 0, fmt.Errorf("%w: unexpected tag 0x%02x, want 0x%02x", interfaces.ErrMalformedEnvelope, tag, wantTag)
	}
	end := int64(hdrLen) + length
	if end > int64(len(b)) {
		return nil, 0, fmt.Errorf("%w: element overruns buffer", interfaces.ErrMalformedEnvelope)
	}
	return b[hdrLen:end], int(end), nil
}

// addAlgorithmIdentifier emits an AlgorithmIdentifier SEQUENCE. RSA and the
// digest algorithms carry explicit NULL parameters; ECDSA omits them.
func addAlgorithmIdentifier(b *cryptobyte.Builder, oid asn1.ObjectIdentifier, nullParams bool) {
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid)
		if nullParams {
			b.AddASN1NULL()
		}
	})
}

// derDigestAlgorithmSet builds the SignedData digestAlgorithms SET with the
// single algorithm used by this envelope.
func derDigestAlgorithmSet(alg interfaces.DigestAlgorithm) ([]byte, error) {
	oid, err := digestOID(alg)
	if err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) {
		addAlgorithmIdentifier(b, oid, true)
	})
	return b.Bytes()
}
