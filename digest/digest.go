// Package digest implements the incremental content digest used by envelope
// construction and verification. A digest accumulates a hash over any number
// of chunks of any size and yields the same value as a single pass over the
// concatenated content.
package digest

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/ruteri/tee-envelope-signer/interfaces"
)

type state int

const (
	stateUninitialized state = iota
	stateActive
	stateFinalized
)

// Incremental accumulates a cryptographic hash over a sequence of chunks.
// The zero value is unusable; create instances with New.
type Incremental struct {
	algorithm interfaces.DigestAlgorithm
	hash      hash.Hash
	state     state
}

// New creates an active incremental digest for the given algorithm.
// Fails with ErrUnsupportedAlgorithm if the algorithm is not available.
func New(algorithm interfaces.DigestAlgorithm) (*Incremental, error) {
	var h hash.Hash
	switch algorithm {
	case interfaces.DigestSHA256:
		h = sha256.New()
	case interfaces.DigestSHA384:
		h = sha512.New384()
	case interfaces.DigestSHA512:
		h = sha512.New()
	default:
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsupportedAlgorithm, algorithm)
	}

	return &Incremental{
		algorithm: algorithm,
		hash:      h,
		state:     stateActive,
	}, nil
}

// Algorithm returns the digest algorithm this instance was created with.
func (d *Incremental) Algorithm() interfaces.DigestAlgorithm {
	return d.algorithm
}

// Update processes an arbitrary-length chunk. Valid only while the digest is
// active; fails with ErrNotActive otherwise.
func (d *Incremental) Update(chunk []byte) error {
	if d.state != stateActive {
		return fmt.Errorf("%w: update after finalize", interfaces.ErrNotActive)
	}
	d.hash.Write(chunk)
	return nil
}

// Finish finalizes the digest and returns the stable, deterministic content
// digest. Fails with ErrNotActive if called out of order; a finalized digest
// cannot be updated or finished again.
func (d *Incremental) Finish() (interfaces.ContentDigest, error) {
	if d.state != stateActive {
		return interfaces.ContentDigest{}, fmt.Errorf("%w: finalize out of order", interfaces.ErrNotActive)
	}
	d.state = stateFinalized
	return interfaces.NewContentDigest(d.algorithm, d.hash.Sum(nil))
}

// DigestChunkSource streams src through a fresh incremental digest using the
// given chunk buffer size and returns the resulting content digest. The chunk
// size is independent of the content length; content is never materialized.
func DigestChunkSource(src interfaces.ChunkSource, algorithm interfaces.DigestAlgorithm, chunkSize int) (interfaces.ContentDigest, error) {
	d, err := New(algorithm)
	if err != nil {
		return interfaces.ContentDigest{}, err
	}

	buf := make([]byte, chunkSize)
	var offset int64
	for {
		n, err := src.ReadChunkAt(buf, offset)
		if err != nil {
			return interfaces.ContentDigest{}, fmt.Errorf("reading content chunk at %d: %w", offset, err)
		}
		if n == 0 {
			break
		}
		if err := d.Update(buf[:n]); err != nil {
			return interfaces.ContentDigest{}, err
		}
		offset += int64(n)
	}

	return d.Finish()
}
