package content

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesSource_PositionalReads(t *testing.T) {
	data := []byte("0123456789")
	src := NewBytesSource(data)

	assert.Equal(t, int64(10), src.Size())

	buf := make([]byte, 4)
	n, err := src.ReadChunkAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("0123"), buf[:n])

	// Restart by offset must return identical bytes
	n2, err := src.ReadChunkAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), buf[:n2], "Reads at the same offset must be identical")

	// Clamped to remaining length
	n, err = src.ReadChunkAt(buf, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("89"), buf[:n])

	// End of content
	n, err = src.ReadChunkAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "Read at end of content must return 0")
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")

	data := make([]byte, 4096+5)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))

	src, err := NewFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, int64(len(data)), src.Size())

	buf := make([]byte, 1000)
	n, err := src.ReadChunkAt(buf, 4000)
	require.NoError(t, err)
	assert.Equal(t, 101, n, "Read must clamp to remaining content")
	assert.Equal(t, data[4000:], buf[:n])

	n, err = src.ReadChunkAt(buf, src.Size())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPatternSource(t *testing.T) {
	src := NewPatternSource(520)

	buf := make([]byte, 16)
	n, err := src.ReadChunkAt(buf, 250)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, byte((250+i)&0xff), buf[i])
	}

	// Wraps every 256 bytes and clamps at the end
	n, err = src.ReadChunkAt(buf, 512)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, byte(0), buf[0])

	n, err = src.ReadChunkAt(buf, 520)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
