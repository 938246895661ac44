package digest

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"testing"

	"github.com/ruteri/tee-envelope-signer/content"
	"github.com/ruteri/tee-envelope-signer/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncremental_ChunkingIndependence(t *testing.T) {
	data := make([]byte, 100*1024+17)
	_, err := rand.Read(data)
	require.NoError(t, err, "Failed to generate test content")

	// Reference: single update over the whole content
	ref, err := New(interfaces.DigestSHA256)
	require.NoError(t, err)
	require.NoError(t, ref.Update(data))
	refDigest, err := ref.Finish()
	require.NoError(t, err)

	expected := sha256.Sum256(data)
	assert.Equal(t, expected[:], refDigest.Value, "Single-pass digest should match crypto/sha256")

	// Several partitionings, including degenerate chunk sizes
	for _, chunkSize := range []int{1, 7, 64, 2047, 2048, 2049, len(data)} {
		d, err := New(interfaces.DigestSHA256)
		require.NoError(t, err)

		for off := 0; off < len(data); off += chunkSize {
			end := off + chunkSize
			if end > len(data) {
				end = len(data)
			}
			require.NoError(t, d.Update(data[off:end]))
		}

		got, err := d.Finish()
		require.NoError(t, err)
		assert.Equal(t, refDigest.Value, got.Value, "Digest must be independent of chunk size %d", chunkSize)
	}
}

func TestIncremental_Algorithms(t *testing.T) {
	data := []byte("streaming signed-data envelope")

	d384, err := New(interfaces.DigestSHA384)
	require.NoError(t, err)
	require.NoError(t, d384.Update(data))
	got384, err := d384.Finish()
	require.NoError(t, err)
	expected384 := sha512.Sum384(data)
	assert.Equal(t, expected384[:], got384.Value)
	assert.Equal(t, 48, len(got384.Value), "SHA-384 digest must be exactly 48 bytes")

	d512, err := New(interfaces.DigestSHA512)
	require.NoError(t, err)
	require.NoError(t, d512.Update(data))
	got512, err := d512.Finish()
	require.NoError(t, err)
	expected512 := sha512.Sum512(data)
	assert.Equal(t, expected512[:], got512.Value)

	_, err = New(interfaces.DigestAlgorithm(42))
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedAlgorithm, "Unknown algorithm must be rejected")
}

func TestIncremental_StateMachine(t *testing.T) {
	d, err := New(interfaces.DigestSHA256)
	require.NoError(t, err)

	require.NoError(t, d.Update([]byte("abc")))
	_, err = d.Finish()
	require.NoError(t, err)

	// Finalized digests reject further use
	err = d.Update([]byte("more"))
	assert.ErrorIs(t, err, interfaces.ErrNotActive, "Update after Finish must fail")

	_, err = d.Finish()
	assert.ErrorIs(t, err, interfaces.ErrNotActive, "Double Finish must fail")
}

func TestDigestChunkSource(t *testing.T) {
	data := make([]byte, 10*1024+3)
	_, err := rand.Read(data)
	require.NoError(t, err)

	src := content.NewBytesSource(data)

	expected := sha256.Sum256(data)
	for _, chunkSize := range []int{1, 100, 2048, len(data) + 1} {
		got, err := DigestChunkSource(src, interfaces.DigestSHA256, chunkSize)
		require.NoError(t, err, "DigestChunkSource with chunk size %d", chunkSize)
		assert.Equal(t, expected[:], got.Value)
	}

	// Empty content digests to the empty-input hash
	empty, err := DigestChunkSource(content.NewBytesSource(nil), interfaces.DigestSHA256, 2048)
	require.NoError(t, err)
	expectedEmpty := sha256.Sum256(nil)
	assert.Equal(t, expectedEmpty[:], empty.Value)
}
