// Package content provides ChunkSource implementations for the common places
// signed content lives: byte slices, files, and a deterministic generated
// pattern used by benchmarks and tests.
package content

import (
	"fmt"
	"os"
)

// BytesSource serves content from an in-memory byte slice.
type BytesSource struct {
	data []byte
}

// NewBytesSource creates a chunk source over data. The slice is not copied;
// callers must not mutate it while a build or verify is in progress.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

// ReadChunkAt copies content bytes starting at offset into p and returns the
// count. Returns 0 once offset is at or past the end of content.
func (s *BytesSource) ReadChunkAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	if offset >= int64(len(s.data)) {
		return 0, nil
	}
	return copy(p, s.data[offset:]), nil
}

// Size returns the content length.
func (s *BytesSource) Size() int64 {
	return int64(len(s.data))
}

// FileSource serves content from a file using positional reads, so the file
// is never held in memory and the source is restartable by offset.
type FileSource struct {
	f    *os.File
	size int64
}

// NewFileSource opens path for reading and captures its current size.
// The caller owns closing the source.
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open content file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat content file: %w", err)
	}

	return &FileSource{f: f, size: info.Size()}, nil
}

// ReadChunkAt reads content bytes at offset via pread, clamped to the size
// captured at open. Returns 0 once offset is at or past the end.
func (s *FileSource) ReadChunkAt(p []byte, offset int64) (int, error) {
	if offset >= s.size {
		return 0, nil
	}
	if remaining := s.size - offset; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := s.f.ReadAt(p, offset)
	if err != nil {
		return 0, fmt.Errorf("failed to read content file at %d: %w", offset, err)
	}
	return n, nil
}

// Size returns the file size captured when the source was opened.
func (s *FileSource) Size() int64 {
	return s.size
}

// Close releases the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}

// PatternSource generates deterministic content of a fixed total length
// without allocating it: byte i of the content is (i & 0xff). Used by the
// benchmark harness and large-content tests.
type PatternSource struct {
	total int64
}

// NewPatternSource creates a generated source of the given total length.
func NewPatternSource(total int64) *PatternSource {
	return &PatternSource{total: total}
}

// ReadChunkAt fills p with the pattern bytes at offset, clamped to the
// remaining length. Returns 0 at the end of content.
func (s *PatternSource) ReadChunkAt(p []byte, offset int64) (int, error) {
	if offset >= s.total {
		return 0, nil
	}
	if remaining := s.total - offset; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	for i := range p {
		p[i] = byte((offset + int64(i)) & 0xff)
	}
	return len(p), nil
}

// Size returns the configured total length.
func (s *PatternSource) Size() int64 {
	return s.total
}
