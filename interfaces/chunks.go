package interfaces

// ChunkSource produces a finite, restartable sequence of byte chunks
// representing content to be signed or verified. Implementations are purely
// positional: two reads with the same offset and buffer size return identical
// bytes, so a pipeline can be restarted from any offset.
type ChunkSource interface {
	// ReadChunkAt fills p with content bytes starting at offset, clamped to
	// the remaining content length, and returns the count. It returns 0 with
	// a nil error once offset is at or past the end of content.
	ReadChunkAt(p []byte, offset int64) (int, error)

	// Size returns the total content length in bytes without materializing
	// the content.
	Size() int64
}
