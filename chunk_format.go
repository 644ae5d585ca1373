package vaultbox

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Chunked stream layout
//
// ┌─────────────────────────────────────┐
// │ Stream Header (24 random bytes)     │ <- HKDF salt for subkey and nonce prefix
// ├─────────────────────────────────────┤
// │ Chunk 0: ciphertext + 16-byte tag   │ <- exactly ChunkSize plaintext bytes
// ├─────────────────────────────────────┤
// │ ...                                 │
// ├─────────────────────────────────────┤
// │ Final chunk: ciphertext + tag       │ <- 0..ChunkSize-1 plaintext bytes
// └─────────────────────────────────────┘
//
// Chunk i is sealed with XChaCha20-Poly1305 under the nonce
// prefix(16) || BE56(i) || finalFlag(1), so a continuation chunk can never be
// accepted as final and chunks cannot be reordered. Chunk size is not stored
// in the stream; it is part of the format contract.

const (
	// DefaultChunkSize is the default chunk size (64 KB)
	DefaultChunkSize = 64 * 1024

	// MinChunkSize is the minimum allowed chunk size (64 bytes, for testing)
	MinChunkSize = 64

	// MaxChunkSize is the maximum allowed chunk size (16 MB)
	MaxChunkSize = 16 * 1024 * 1024

	// StreamHeaderSize is the size of the random stream preamble
	StreamHeaderSize = 24

	// TagSize is the per-chunk authentication overhead
	TagSize = chacha20poly1305.Overhead

	noncePrefixSize = chacha20poly1305.NonceSizeX - 8
	maxChunkIndex   = 1<<56 - 1
	streamInfo      = "vaultbox stream v1"
)

// StreamHeader is the preamble of a chunked stream
type StreamHeader struct {
	Seed [StreamHeaderSize]byte
}

// NewStreamHeader creates a header with a fresh random seed
func NewStreamHeader() (*StreamHeader, error) {
	h := &StreamHeader{}
	if _, err := rand.Read(h.Seed[:]); err != nil {
		return nil, fmt.Errorf("failed to generate stream header: %w", err)
	}
	return h, nil
}

// WriteTo writes the stream header to a writer
func (h *StreamHeader) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.Seed[:])
	return int64(n), err
}

// ReadFrom reads the stream header from a reader
func (h *StreamHeader) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.ReadFull(r, h.Seed[:])
	if err != nil {
		return int64(n), truncated("stream header", err)
	}
	return int64(n), nil
}

// streamKeys derives the chunk subkey and nonce prefix for one stream
func (h *StreamHeader) streamKeys(reg *SecretRegistry, key []byte) (*SecretBuffer, []byte, error) {
	kdf := hkdf.New(sha256.New, key, h.Seed[:], []byte(streamInfo))

	subkey := reg.NewBuffer(chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, subkey.Bytes()); err != nil {
		subkey.Destroy()
		return nil, nil, fmt.Errorf("failed to derive stream key: %w", err)
	}

	prefix := make([]byte, noncePrefixSize)
	if _, err := io.ReadFull(kdf, prefix); err != nil {
		subkey.Destroy()
		return nil, nil, fmt.Errorf("failed to derive nonce prefix: %w", err)
	}

	return subkey, prefix, nil
}

// chunkNonce builds the nonce for chunk idx into dst
func chunkNonce(dst, prefix []byte, idx uint64, final bool) {
	copy(dst, prefix)
	for i := 0; i < 7; i++ {
		dst[noncePrefixSize+i] = byte(idx >> (8 * (6 - i)))
	}
	if final {
		dst[chacha20poly1305.NonceSizeX-1] = 1
	} else {
		dst[chacha20poly1305.NonceSizeX-1] = 0
	}
}

// ValidateChunkSize validates that a chunk size is within acceptable bounds
func ValidateChunkSize(size uint32) error {
	if size < MinChunkSize {
		return fmt.Errorf("chunk size %d below minimum %d", size, MinChunkSize)
	}
	if size > MaxChunkSize {
		return fmt.Errorf("chunk size %d above maximum %d", size, MaxChunkSize)
	}
	return nil
}

// CalculateChunkCount returns how many chunks a payload produces, including
// the final chunk, which always holds fewer than chunkSize bytes and may be
// empty.
func CalculateChunkCount(dataSize int64, chunkSize uint32) uint64 {
	return uint64(dataSize/int64(chunkSize)) + 1
}

// CalculateStreamSize returns the encoded size of a chunked stream,
// stream header included.
func CalculateStreamSize(dataSize int64, chunkSize uint32) int64 {
	chunks := CalculateChunkCount(dataSize, chunkSize)
	return StreamHeaderSize + dataSize + int64(chunks)*TagSize
}
