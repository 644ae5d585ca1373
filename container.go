package vaultbox

import (
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// maxAEADBodySize bounds the plaintext sealed in one AEAD call when a caller
// forces whole-buffer mode for a large payload, and the ciphertext an open
// will buffer.
var maxAEADBodySize int64 = 1 << 30

// Engine creates and opens containers. It holds no per-container state and
// is safe for concurrent use; each Create or Open owns its own key material.
type Engine struct {
	settings  Settings
	chunkSize int
	log       logrus.FieldLogger
	reg       *SecretRegistry
}

// NewEngine creates an engine from the given configuration
func NewEngine(config *Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg := config.withDefaults()

	return &Engine{
		settings:  cfg.Settings,
		chunkSize: cfg.ChunkSize,
		log:       cfg.Logger,
		reg:       cfg.Registry,
	}, nil
}

// Registry returns the registry tracking this engine's secret buffers
func (e *Engine) Registry() *SecretRegistry {
	return e.reg
}

// Settings returns the settings new containers are written with
func (e *Engine) Settings() Settings {
	return e.settings
}

// CreateRequest describes the content of a new container
type CreateRequest struct {
	File     io.Reader // File content, exactly FileSize bytes
	FileSize int64

	Thumbnail     io.Reader // Optional; nil means no thumbnail section
	ThumbnailSize int64

	Note []byte // Optional; nil means no note section

	OriginalName string
	FileType     int

	Password []byte
	Mode     ModePreference
}

func (r *CreateRequest) validate() error {
	if r.File == nil {
		return NewValidationError("file", nil, "file reader cannot be nil")
	}
	if err := ValidateSectionLength(r.FileSize, "file_size"); err != nil {
		return err
	}
	if r.Thumbnail != nil {
		if err := ValidateSectionLength(r.ThumbnailSize, "thumbnail_size"); err != nil {
			return err
		}
	} else if r.ThumbnailSize != 0 {
		return NewValidationError("thumbnail_size", r.ThumbnailSize, "size given without a thumbnail reader")
	}
	if err := ValidateSectionLength(int64(len(r.Note)), "note"); err != nil {
		return err
	}
	if r.Password == nil {
		return NewValidationError("password", nil, "password cannot be nil")
	}
	return nil
}

// TotalSize returns the payload size used for mode selection
func (r *CreateRequest) TotalSize() int64 {
	total := r.FileSize + int64(len(r.Note))
	if r.Thumbnail != nil {
		total += r.ThumbnailSize
	}
	return total
}

func (r *CreateRequest) metadata() *Metadata {
	return &Metadata{
		OriginalName: r.OriginalName,
		FileType:     r.FileType,
		Sections: SectionPresence{
			File:      true,
			Thumbnail: r.Thumbnail != nil,
			Note:      r.Note != nil,
		},
	}
}

// ContainerInfo describes a container that was written
type ContainerInfo struct {
	Header *Header
	Mode   Mode
	KDF    KDF
	Size   int64  // Total bytes written, header included
	Chunks uint64 // Chunks emitted in streaming mode
}

// selectMode picks the body mode for a new container
func (e *Engine) selectMode(req *CreateRequest) (Mode, error) {
	switch req.Mode {
	case PreferLegacy:
		return nil, ErrLegacyWrite
	case PreferAEAD:
		return AEADMode{}, nil
	case PreferStreaming:
		return StreamingMode{}, nil
	case PreferAuto:
		if req.TotalSize() <= e.settings.SizeThreshold() {
			return AEADMode{}, nil
		}
		return StreamingMode{}, nil
	default:
		return nil, NewValidationError("mode", req.Mode, "unknown mode preference")
	}
}

// Create writes a new container to w. Once the request has been accepted, w
// is closed when it implements io.Closer, whether or not the write succeeds.
// On failure the output is incomplete and must be discarded by the caller.
func (e *Engine) Create(w io.Writer, req *CreateRequest) (info *ContainerInfo, err error) {
	if req == nil {
		return nil, NewValidationError("request", nil, "request cannot be nil")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	mode, err := e.selectMode(req)
	if err != nil {
		return nil, err
	}

	cw := &containerWriter{
		e:    e,
		dst:  w,
		w:    &countingWriter{w: w},
		req:  req,
		mode: mode,
	}
	defer func() {
		if ferr := cw.finalize(); ferr != nil && err == nil {
			info, err = nil, ferr
		}
	}()

	log := e.log.WithFields(logrus.Fields{
		"mode": mode.String(),
		"size": req.TotalSize(),
	})
	log.Debug("creating container")

	if err := cw.writeHeader(); err != nil {
		return nil, err
	}
	if err := cw.writeBody(); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"kdf":    cw.header.KDF().String(),
		"bytes":  cw.w.n,
		"chunks": cw.chunks,
	}).Debug("container created")

	return &ContainerInfo{
		Header: cw.header,
		Mode:   mode,
		KDF:    cw.header.KDF(),
		Size:   cw.w.n,
		Chunks: cw.chunks,
	}, nil
}

type writeState uint8

const (
	writeNew writeState = iota
	writeHeaderWritten
	writeBodyWritten
	writeFinalized
)

// containerWriter carries one encryption through
// New → HeaderWritten → BodyWritten → Finalized.
type containerWriter struct {
	e      *Engine
	dst    io.Writer
	w      *countingWriter
	req    *CreateRequest
	mode   Mode
	header *Header
	key    *SecretBuffer
	chunks uint64
	state  writeState
}

func (cw *containerWriter) writeHeader() error {
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return err
	}
	nonce, err := randomBytes(NonceSize)
	if err != nil {
		return err
	}

	flags := cw.mode.flags()
	if cw.e.settings.Argon2idEnabled() {
		flags |= FlagArgon2id
	}
	header, err := NewHeader(salt, nonce, uint32(cw.e.settings.Iterations()), flags)
	if err != nil {
		return err
	}

	key, err := deriveSecret(cw.e.reg, DeriverFor(flags), cw.req.Password, salt, header.Iterations())
	if err != nil {
		return err
	}
	cw.key = key
	cw.header = header

	if _, err := header.WriteTo(cw.w); err != nil {
		return NewIOError("write", "", err)
	}
	cw.state = writeHeaderWritten
	return nil
}

func (cw *containerWriter) writeBody() error {
	if cw.state != writeHeaderWritten {
		return fmt.Errorf("body written in state %d", cw.state)
	}

	preamble, err := cw.req.metadata().encodePreamble()
	if err != nil {
		return err
	}
	defer Zero(preamble)

	switch cw.mode.(type) {
	case AEADMode:
		err = cw.writeAEADBody(preamble)
	case StreamingMode:
		err = cw.writeStreamingBody(preamble)
	default:
		err = ErrLegacyWrite
	}
	if err != nil {
		return err
	}
	cw.state = writeBodyWritten
	return nil
}

// writePlaintext emits the body plaintext: preamble, sections, END
func (cw *containerWriter) writePlaintext(dst io.Writer, preamble []byte) error {
	if _, err := dst.Write(preamble); err != nil {
		return err
	}

	sw := NewSectionWriter(dst)
	if err := sw.WriteSection(SectionFile, cw.req.File, cw.req.FileSize); err != nil {
		return err
	}
	if cw.req.Thumbnail != nil {
		if err := sw.WriteSection(SectionThumbnail, cw.req.Thumbnail, cw.req.ThumbnailSize); err != nil {
			return err
		}
	}
	if cw.req.Note != nil {
		if err := sw.WriteSectionBytes(SectionNote, cw.req.Note); err != nil {
			return err
		}
	}
	return sw.WriteEnd()
}

// bodySize returns the exact plaintext size of a whole-buffer body
func (cw *containerWriter) bodySize(preamble []byte) int64 {
	size := int64(len(preamble)) + sectionHeaderSize + cw.req.FileSize
	if cw.req.Thumbnail != nil {
		size += sectionHeaderSize + cw.req.ThumbnailSize
	}
	if cw.req.Note != nil {
		size += sectionHeaderSize + int64(len(cw.req.Note))
	}
	return size + 1
}

func (cw *containerWriter) writeAEADBody(preamble []byte) error {
	size := cw.bodySize(preamble)
	if size > maxAEADBodySize {
		return NewValidationError("size", size, fmt.Sprintf("payload too large for whole-buffer mode (max %d bytes)", maxAEADBodySize))
	}

	plain := cw.e.reg.NewBuffer(int(size))
	defer plain.Destroy()

	sink := &sliceWriter{buf: plain.Bytes()}
	if err := cw.writePlaintext(sink, preamble); err != nil {
		return err
	}
	if sink.off != len(sink.buf) {
		return fmt.Errorf("body plaintext is %d bytes, expected %d: %w", sink.off, len(sink.buf), ErrLengthMismatch)
	}

	engine, err := NewCipherEngine(bodyCipher, cw.key.Bytes())
	cw.key.Destroy()
	if err != nil {
		return NewEncryptionError("encrypt", cw.mode.String(), err)
	}

	ciphertext, err := engine.Encrypt(cw.header.Nonce[:], plain.Bytes(), cw.header.AssociatedData())
	if err != nil {
		return NewEncryptionError("encrypt", cw.mode.String(), err)
	}
	if _, err := cw.w.Write(ciphertext); err != nil {
		return NewIOError("write", "", err)
	}
	return nil
}

func (cw *containerWriter) writeStreamingBody(preamble []byte) error {
	// The chunk writer must not close dst; finalize does that once.
	chunks, err := NewChunkWriter(writerOnly{cw.w}, cw.key.Bytes(), cw.header.AssociatedData(), cw.e.chunkSize, cw.e.reg)
	cw.key.Destroy()
	if err != nil {
		return NewEncryptionError("encrypt", cw.mode.String(), err)
	}

	if err := cw.writePlaintext(chunks, preamble); err != nil {
		chunks.Abort()
		return err
	}
	if err := chunks.Close(); err != nil {
		return err
	}
	cw.chunks = chunks.Chunks()
	return nil
}

// finalize wipes key material and closes the destination
func (cw *containerWriter) finalize() error {
	if cw.state == writeFinalized {
		return nil
	}
	cw.state = writeFinalized
	cw.key.Destroy()

	if c, ok := cw.dst.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return NewIOError("close", "", err)
		}
	}
	return nil
}

// Open reads the header from r, derives the key and returns a view over the
// decrypted sections. The view owns r from then on and closes it on Close;
// when Open fails, r is left open for the caller.
// A wrong password fails with an error for which IsWrongPassword is true.
func (e *Engine) Open(r io.Reader, password []byte) (*Composite, error) {
	c := &Composite{
		src:   r,
		reg:   e.reg,
		log:   e.log,
		state: readNew,
	}

	if _, err := c.header.ReadFrom(r); err != nil {
		return nil, err
	}
	c.state = readHeaderRead

	if err := c.header.Validate(); err != nil {
		return nil, err
	}
	c.mode = c.header.Mode()
	c.state = readModeDetected

	log := e.log.WithFields(logrus.Fields{
		"mode":    c.mode.String(),
		"kdf":     c.header.KDF().String(),
		"version": c.header.Version,
	})
	if _, ok := c.mode.(LegacyMode); ok {
		log.Warn("opening unauthenticated legacy container")
	}

	body, err := e.openBody(c, password)
	if err != nil {
		c.release()
		return nil, NewEncryptionError("decrypt", c.mode.String(), err)
	}

	meta, err := readPreamble(body)
	if err != nil {
		c.release()
		return nil, NewEncryptionError("decrypt", c.mode.String(), err)
	}
	c.meta = *meta
	c.sections = NewSectionReader(body)

	log.Debug("container opened")
	return c, nil
}

// openBody derives the key and returns a reader over the body plaintext
func (e *Engine) openBody(c *Composite, password []byte) (io.Reader, error) {
	h := &c.header
	key, err := deriveSecret(e.reg, DeriverFor(h.Flags()), password, h.Salt[:], h.Iterations())
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	switch m := c.mode.(type) {
	case StreamingMode:
		c.chunks = NewChunkReader(readerOnly{c.src}, key.Bytes(), h.AssociatedData(), e.chunkSize, e.reg)
		return c.chunks, nil

	case AEADMode:
		limit := maxAEADBodySize + TagSize
		ciphertext, err := io.ReadAll(io.LimitReader(c.src, limit+1))
		if err != nil {
			return nil, NewIOError("read", "", err)
		}
		if int64(len(ciphertext)) > limit {
			Zero(ciphertext)
			return nil, NewCorruptionError("whole-buffer body exceeds size limit", ErrInvalidSize)
		}
		engine, err := NewCipherEngine(bodyCipher, key.Bytes())
		if err != nil {
			return nil, err
		}
		key.Destroy()

		plaintext, err := engine.Decrypt(h.Nonce[:], ciphertext, h.AssociatedData())
		if err != nil {
			return nil, NewAuthenticationError(0, ErrAuthFailed)
		}
		c.plain = e.reg.Adopt(plaintext)
		return secretSource(c.plain), nil

	case LegacyMode:
		stream, err := newLegacyStream(key.Bytes(), h.Nonce[:])
		if err != nil {
			return nil, err
		}
		key.Destroy()

		body := &cipher.StreamReader{S: stream, R: c.src}
		var check [CheckSize]byte
		if _, err := io.ReadFull(body, check[:]); err != nil {
			return nil, truncated("check bytes", err)
		}
		ok := subtle.ConstantTimeCompare(check[:], m.Check) == 1
		Zero(check[:])
		if !ok {
			return nil, ErrInvalidPassword
		}
		return body, nil

	default:
		return nil, fmt.Errorf("unknown mode %T", m)
	}
}

// OriginalName decrypts only as much of the container as is needed to read
// the metadata preamble and returns the stored file name. When r implements
// io.Closer it is closed exactly once before OriginalName returns, whether
// or not it succeeds.
func (e *Engine) OriginalName(r io.Reader, password []byte) (string, error) {
	c, err := e.Open(r, password)
	if err != nil {
		if closer, ok := r.(io.Closer); ok {
			closer.Close()
		}
		return "", err
	}
	name := c.Metadata().OriginalName
	if err := c.Close(); err != nil {
		return "", err
	}
	return name, nil
}

// EncryptName encrypts a folder display name into a directory-safe token
func (e *Engine) EncryptName(name string, password []byte) (string, error) {
	return encryptName(e.reg, name, password)
}

// DecryptName reverses EncryptName. Any failure yields ("", false).
func (e *Engine) DecryptName(token string, password []byte) (string, bool) {
	return decryptName(e.reg, token, password)
}

// sliceWriter writes into a fixed, pre-sized buffer
type sliceWriter struct {
	buf []byte
	off int
}

func (s *sliceWriter) Write(p []byte) (int, error) {
	n := copy(s.buf[s.off:], p)
	s.off += n
	if n < len(p) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// countingWriter counts bytes passed to the underlying writer
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writerOnly hides io.Closer and io.ReaderFrom from the wrapped writer
type writerOnly struct {
	io.Writer
}

// readerOnly hides io.Closer from the wrapped reader
type readerOnly struct {
	io.Reader
}
