package file

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const (
	// DefaultChunkSize is the default size of each chunk in bytes (1MB)
	DefaultChunkSize = 1024 * 1024
	// MaxChunkSize keeps a chunk and its header inside one frame
	MaxChunkSize = MaxFramePayload - chunkHeaderSize
)

// ChunkMetadata describes how a file splits into fixed-size chunks
type ChunkMetadata struct {
	FileName    string   `json:"file_name"`
	FilePath    string   `json:"file_path"`
	FileSize    int64    `json:"file_size"`
	ChunkSize   int      `json:"chunk_size"`
	TotalChunks int      `json:"total_chunks"`
	ChunkHashes []uint64 `json:"chunk_hashes,omitempty"`
	FileHash    uint64   `json:"file_hash,omitempty"`
}

// TotalChunks returns ceil(size/chunkSize)
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Chunker splits files into chunks for streaming
type Chunker struct {
	logger    *zap.Logger
	chunkSize int
}

// NewChunker creates a new Chunker
func NewChunker(logger *zap.Logger, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	return &Chunker{
		logger:    logger,
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the configured chunk size
func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

// Plan stats path and returns its chunk layout without reading it
func (c *Chunker) Plan(path string) (*ChunkMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path %s is a directory", path)
	}
	return &ChunkMetadata{
		FileName:    filepath.Base(path),
		FilePath:    path,
		FileSize:    info.Size(),
		ChunkSize:   c.chunkSize,
		TotalChunks: TotalChunks(info.Size(), c.chunkSize),
	}, nil
}

// Fingerprint reads the whole file and fills in per-chunk and whole-file checksums
func (c *Chunker) Fingerprint(path string) (*ChunkMetadata, error) {
	reader, err := c.Open(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	meta := reader.Metadata()
	meta.ChunkHashes = make([]uint64, 0, meta.TotalChunks)
	for {
		_, sum, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		meta.ChunkHashes = append(meta.ChunkHashes, sum)
	}
	meta.FileHash = reader.Sum()

	c.logger.Debug("File fingerprinted",
		zap.String("file_name", meta.FileName),
		zap.Int64("file_size", meta.FileSize),
		zap.Int("total_chunks", meta.TotalChunks))

	return meta, nil
}

// Open returns a sequential reader over path's chunks
func (c *Chunker) Open(path string) (*ChunkReader, error) {
	meta, err := c.Plan(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return &ChunkReader{
		file:   f,
		meta:   meta,
		buf:    make([]byte, c.chunkSize),
		digest: xxhash.New(),
	}, nil
}

// ChunkReader yields a file's chunks in order
type ChunkReader struct {
	file   *os.File
	meta   *ChunkMetadata
	buf    []byte
	index  int
	offset int64
	digest *xxhash.Digest
}

// Metadata returns the layout the reader was opened with
func (r *ChunkReader) Metadata() *ChunkMetadata {
	return r.meta
}

// Index returns the index of the next chunk
func (r *ChunkReader) Index() int {
	return r.index
}

// Next returns the next chunk and its checksum, or io.EOF after the last one.
// The returned slice is reused by the following call.
func (r *ChunkReader) Next() ([]byte, uint64, error) {
	if r.offset >= r.meta.FileSize {
		return nil, 0, io.EOF
	}
	size := int64(len(r.buf))
	if r.offset+size > r.meta.FileSize {
		size = r.meta.FileSize - r.offset
	}
	data := r.buf[:size]
	n, err := r.file.ReadAt(data, r.offset)
	if err != nil && !(err == io.EOF && int64(n) == size) {
		if err == io.EOF {
			return nil, 0, fmt.Errorf("file truncated while reading chunk %d", r.index)
		}
		return nil, 0, fmt.Errorf("failed to read chunk %d: %w", r.index, err)
	}
	r.digest.Write(data)
	r.offset += size
	r.index++
	return data, xxhash.Sum64(data), nil
}

// Sum returns the checksum of every byte read so far
func (r *ChunkReader) Sum() uint64 {
	return r.digest.Sum64()
}

// Close closes the underlying file
func (r *ChunkReader) Close() error {
	return r.file.Close()
}

// ChunkWriter reassembles a file from in-order chunks, verifying each one
type ChunkWriter struct {
	path    string
	file    *os.File
	digest  *xxhash.Digest
	next    uint32
	written int64
}

// NewChunkWriter creates path, replacing any existing file
func NewChunkWriter(path string) (*ChunkWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return &ChunkWriter{path: path, file: f, digest: xxhash.New()}, nil
}

// Write appends a chunk after checking its index and checksum
func (w *ChunkWriter) Write(index uint32, data []byte, checksum uint64) error {
	if index != w.next {
		return fmt.Errorf("chunk %d out of order, expected %d", index, w.next)
	}
	if xxhash.Sum64(data) != checksum {
		return fmt.Errorf("chunk %d hash mismatch", index)
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", index, err)
	}
	w.digest.Write(data)
	w.next++
	w.written += int64(len(data))
	return nil
}

// Written returns the number of bytes written
func (w *ChunkWriter) Written() int64 {
	return w.written
}

// Path returns the output path
func (w *ChunkWriter) Path() string {
	return w.path
}

// Finish closes the file and verifies the whole-file checksum and size
func (w *ChunkWriter) Finish(size int64, checksum uint64) error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if w.written != size {
		return fmt.Errorf("size mismatch: got %d bytes, want %d", w.written, size)
	}
	if w.digest.Sum64() != checksum {
		return fmt.Errorf("reassembled file hash mismatch")
	}
	return nil
}

// Abort closes and removes the partial file
func (w *ChunkWriter) Abort() {
	w.file.Close()
	os.Remove(w.path)
}
