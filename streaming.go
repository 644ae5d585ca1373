package vaultbox

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChunkWriter encrypts a stream in fixed-size authenticated chunks while
// holding at most one chunk of plaintext in memory.
type ChunkWriter struct {
	w         io.Writer
	aead      cipher.AEAD
	prefix    []byte
	ad        []byte
	chunkSize int

	buf   *SecretBuffer // Current chunk plaintext
	n     int           // Bytes buffered in buf
	out   []byte        // Ciphertext scratch, chunkSize + TagSize
	nonce [chacha20poly1305.NonceSizeX]byte
	idx   uint64

	finished bool
	closed   bool
	err      error // Sticky write error
}

// NewChunkWriter writes the stream header to w and returns a writer that
// encrypts everything written to it. ad is bound into every chunk tag.
// The caller keeps ownership of key; the derived subkey is wiped as soon as
// the cipher is initialized.
func NewChunkWriter(w io.Writer, key, ad []byte, chunkSize int, reg *SecretRegistry) (*ChunkWriter, error) {
	if err := ValidateChunkSize(uint32(chunkSize)); err != nil {
		return nil, NewValidationError("chunk_size", chunkSize, err.Error())
	}
	if err := ValidateKey(key, KeySize); err != nil {
		return nil, err
	}

	header, err := NewStreamHeader()
	if err != nil {
		return nil, err
	}

	subkey, prefix, err := header.streamKeys(reg, key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(subkey.Bytes())
	subkey.Destroy()
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}

	if _, err := header.WriteTo(w); err != nil {
		return nil, fmt.Errorf("failed to write stream header: %w", err)
	}

	return &ChunkWriter{
		w:         w,
		aead:      aead,
		prefix:    prefix,
		ad:        ad,
		chunkSize: chunkSize,
		buf:       reg.NewBuffer(chunkSize),
		out:       make([]byte, 0, chunkSize+TagSize),
	}, nil
}

// Write buffers p and emits every chunk that fills up
func (cw *ChunkWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	if cw.finished {
		return 0, ErrFinished
	}

	written := 0
	for len(p) > 0 {
		buf := cw.buf.Bytes()
		if buf == nil {
			cw.err = ErrClosed
			return written, cw.err
		}
		c := copy(buf[cw.n:], p)
		cw.n += c
		written += c
		p = p[c:]

		if cw.n == cw.chunkSize {
			if err := cw.sealChunk(false); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Finish seals the buffered tail as the final chunk. It must be called
// exactly once; Close calls it if the caller did not.
func (cw *ChunkWriter) Finish() error {
	if cw.err != nil {
		return cw.err
	}
	if cw.finished {
		return ErrFinished
	}
	if cw.closed {
		return ErrClosed
	}
	if err := cw.sealChunk(true); err != nil {
		return err
	}
	cw.finished = true
	return nil
}

// Close finishes the stream if needed, wipes the chunk buffer and closes
// the underlying writer when it is an io.Closer.
func (cw *ChunkWriter) Close() error {
	if cw.closed {
		return nil
	}

	var err error
	if !cw.finished {
		err = cw.Finish()
	}
	cw.closed = true
	cw.buf.Destroy()

	if c, ok := cw.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Abort wipes the chunk buffer without sealing a final chunk. The output is
// left truncated, so a reader rejects it with ErrTruncatedStream.
func (cw *ChunkWriter) Abort() {
	if cw.closed {
		return
	}
	cw.closed = true
	cw.n = 0
	cw.buf.Destroy()
}

// Chunks returns the number of chunks emitted so far
func (cw *ChunkWriter) Chunks() uint64 {
	return cw.idx
}

func (cw *ChunkWriter) sealChunk(final bool) error {
	if cw.idx > maxChunkIndex {
		cw.err = NewValidationError("chunk_index", cw.idx, "stream too long")
		return cw.err
	}

	buf := cw.buf.Bytes()
	if buf == nil {
		// Wiped out from under us.
		cw.err = ErrClosed
		return cw.err
	}

	chunkNonce(cw.nonce[:], cw.prefix, cw.idx, final)
	cw.out = cw.aead.Seal(cw.out[:0], cw.nonce[:], buf[:cw.n], cw.ad)

	if _, err := cw.w.Write(cw.out); err != nil {
		cw.err = fmt.Errorf("failed to write chunk %d: %w", cw.idx, err)
		return cw.err
	}

	Zero(buf[:cw.n])
	cw.n = 0
	cw.idx++
	return nil
}

// ChunkReader decrypts a stream produced by ChunkWriter. Every chunk is
// authenticated before any of its plaintext is returned.
type ChunkReader struct {
	r         io.Reader
	ad        []byte
	chunkSize int
	reg       *SecretRegistry

	key    *SecretBuffer // Held only until the stream header is read
	aead   cipher.AEAD
	prefix []byte

	in    []byte        // Ciphertext buffer, chunkSize + TagSize
	plain *SecretBuffer // Current chunk plaintext
	pos   int
	end   int
	nonce [chacha20poly1305.NonceSizeX]byte
	idx   uint64

	started bool
	done    bool
	closed  bool
	err     error // Sticky read error
}

// NewChunkReader returns a reader decrypting r. The stream header is read
// lazily on the first Read, so construction does not fail on bad input.
func NewChunkReader(r io.Reader, key, ad []byte, chunkSize int, reg *SecretRegistry) *ChunkReader {
	cr := &ChunkReader{
		r:         r,
		ad:        ad,
		chunkSize: chunkSize,
		reg:       reg,
	}
	if err := ValidateChunkSize(uint32(chunkSize)); err != nil {
		cr.err = NewValidationError("chunk_size", chunkSize, err.Error())
		return cr
	}
	if err := ValidateKey(key, KeySize); err != nil {
		cr.err = err
		return cr
	}
	cr.key = reg.NewBuffer(len(key))
	copy(cr.key.Bytes(), key)
	return cr
}

// Read decrypts into p. It returns io.EOF only after a final chunk has been
// authenticated.
func (cr *ChunkReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.closed {
		return 0, ErrClosed
	}
	if !cr.started {
		if err := cr.start(); err != nil {
			cr.err = err
			return 0, err
		}
	}

	for cr.pos == cr.end {
		if cr.done {
			return 0, io.EOF
		}
		if err := cr.nextChunk(); err != nil {
			cr.err = err
			return 0, err
		}
	}

	plain := cr.plain.Bytes()
	if plain == nil {
		cr.err = ErrClosed
		return 0, cr.err
	}
	n := copy(p, plain[cr.pos:cr.end])
	cr.pos += n
	return n, nil
}

// Close wipes key material and buffered plaintext and closes the underlying
// reader when it is an io.Closer.
func (cr *ChunkReader) Close() error {
	if cr.closed {
		return nil
	}
	cr.closed = true
	cr.key.Destroy()
	cr.plain.Destroy()
	if c, ok := cr.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Chunks returns the number of chunks authenticated so far
func (cr *ChunkReader) Chunks() uint64 {
	return cr.idx
}

func (cr *ChunkReader) start() error {
	cr.started = true
	defer func() {
		cr.key.Destroy()
		cr.key = nil
	}()

	var header StreamHeader
	if _, err := header.ReadFrom(cr.r); err != nil {
		if errors.Is(err, ErrTruncatedInput) {
			return fmt.Errorf("%w: missing stream header", ErrTruncatedStream)
		}
		return err
	}

	key := cr.key.Bytes()
	if key == nil {
		return ErrClosed
	}
	subkey, prefix, err := header.streamKeys(cr.reg, key)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(subkey.Bytes())
	subkey.Destroy()
	if err != nil {
		return fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}

	cr.aead = aead
	cr.prefix = prefix
	cr.in = make([]byte, cr.chunkSize+TagSize)
	cr.plain = cr.reg.NewBuffer(cr.chunkSize)
	return nil
}

func (cr *ChunkReader) nextChunk() error {
	n, err := io.ReadFull(cr.r, cr.in)
	final := false
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Only the final chunk is shorter than a full chunk.
		final = true
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w after %d chunks", ErrTruncatedStream, cr.idx)
	default:
		return fmt.Errorf("failed to read chunk %d: %w", cr.idx, err)
	}

	if n < TagSize {
		return &CorruptionError{ChunkIdx: cr.idx, Message: "chunk shorter than its tag", Err: ErrTruncatedStream}
	}

	buf := cr.plain.Bytes()
	if buf == nil {
		return ErrClosed
	}

	chunkNonce(cr.nonce[:], cr.prefix, cr.idx, final)
	plain, openErr := cr.aead.Open(buf[:0], cr.nonce[:], cr.in[:n], cr.ad)
	if openErr != nil {
		Zero(buf)
		return NewAuthenticationError(cr.idx, ErrAuthFailed)
	}

	cr.pos = 0
	cr.end = len(plain)
	cr.idx++
	cr.done = final
	return nil
}
