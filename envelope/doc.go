// Package envelope builds and verifies detached signed-data envelopes
// (PKCS#7/CMS SignedData, RFC 2315) over content streamed in bounded memory.
//
// The envelope is emitted as a header/footer pair split exactly where the
// content octets would sit in a non-streaming encoding. Concatenating
// header, the raw content bytes, and footer yields one well-formed
// definite-length DER SignedData; the content itself is never buffered.
// Memory use is bounded by the chunk size and the caller's header and footer
// buffers regardless of content length.
//
// Building streams the content through an incremental digest, signs the
// digest through a pluggable backend, and computes every enclosing DER length
// arithmetically from the declared content length. Verification re-derives
// the digest from an independently supplied content stream and checks the
// signature with the public key of the certificate embedded in the footer,
// independent of which backend produced the envelope.
package envelope
