package vaultbox

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// FileMode selects how Composite.FileStream delivers the file section
type FileMode uint8

const (
	// FileStreaming decrypts the file as it is read. The stream can be
	// obtained once.
	FileStreaming FileMode = iota
	// FileBuffered reads the whole file section into memory, so the stream
	// can be obtained any number of times until Close.
	FileBuffered
)

type readState uint8

const (
	readNew readState = iota
	readHeaderRead
	readModeDetected
	readBodyConsumed
	readFinalized
)

// sectionState tracks one section of an open container
type sectionState uint8

const (
	sectionUnseen sectionState = iota
	sectionHeaderRead
	sectionConsumed
	sectionAbsent
)

// Composite is a lazily evaluated view over an open container's sections.
// The body is forward-only: asking for a later section skips earlier ones.
// THUMBNAIL and NOTE are cached when passed over, FILE only in FileBuffered
// mode. A Composite must not be used from multiple goroutines.
type Composite struct {
	header Header
	mode   Mode
	meta   Metadata
	state  readState

	src      io.Reader
	chunks   *ChunkReader  // Streaming mode body
	plain    *SecretBuffer // AEAD mode body
	sections *SectionReader

	status [SectionNote + 1]sectionState
	length [SectionNote + 1]int64
	cache  [SectionNote + 1]*SecretBuffer

	reg *SecretRegistry
	log logrus.FieldLogger
}

// Header returns the container header
func (c *Composite) Header() Header {
	return c.header
}

// Mode returns the body mode the container was written in
func (c *Composite) Mode() Mode {
	return c.mode
}

// KDF returns the key derivation function the container uses
func (c *Composite) KDF() KDF {
	return c.header.KDF()
}

// Metadata returns the decrypted metadata preamble
func (c *Composite) Metadata() Metadata {
	return c.meta
}

// advanceTo moves the section reader until t's header has been read or t is
// known to be absent. Passed-over THUMBNAIL and NOTE content is cached;
// passed-over FILE content is skipped.
func (c *Composite) advanceTo(t SectionType) error {
	if c.state == readFinalized {
		return ErrClosed
	}

	for c.status[t] == sectionUnseen {
		cur := c.sections.Current().Type
		if cur.valid() && c.status[cur] == sectionHeaderRead {
			if cur != SectionFile {
				if err := c.load(cur); err != nil {
					return err
				}
			}
			c.status[cur] = sectionConsumed
		}

		h, ok, err := c.sections.Next()
		if err != nil {
			return err
		}
		if !ok {
			for s := SectionFile; s <= SectionNote; s++ {
				if c.status[s] == sectionUnseen {
					c.status[s] = sectionAbsent
				}
			}
			c.state = readBodyConsumed
			break
		}

		for s := SectionFile; s < h.Type; s++ {
			if c.status[s] == sectionUnseen {
				c.status[s] = sectionAbsent
			}
		}
		c.status[h.Type] = sectionHeaderRead
		c.length[h.Type] = h.Length
	}
	return nil
}

// load reads the rest of the current section into the cache
func (c *Composite) load(t SectionType) error {
	data, err := c.sections.ReadContent(c.sections.Remaining())
	if err != nil {
		return err
	}
	c.cache[t] = c.reg.Adopt(data)
	c.status[t] = sectionConsumed
	return nil
}

// has reports whether section t exists, reading headers as needed
func (c *Composite) has(t SectionType) (bool, error) {
	if err := c.advanceTo(t); err != nil {
		return false, err
	}
	return c.status[t] != sectionAbsent, nil
}

// cached returns the content of a small section, loading it on first use
func (c *Composite) cached(t SectionType) ([]byte, bool, error) {
	ok, err := c.has(t)
	if err != nil || !ok {
		return nil, false, err
	}
	if c.status[t] == sectionHeaderRead {
		if err := c.load(t); err != nil {
			return nil, false, err
		}
	}
	if c.cache[t] == nil {
		return nil, false, fmt.Errorf("%s: %w", t, ErrSectionConsumed)
	}
	data := c.cache[t].Bytes()
	if data == nil && c.cache[t].Destroyed() {
		// Wiped by the registry.
		return nil, false, ErrClosed
	}
	return data, true, nil
}

// FileSize returns the length of the file section
func (c *Composite) FileSize() (int64, error) {
	ok, err := c.has(SectionFile)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, NewCorruptionError("container has no file section", nil)
	}
	return c.length[SectionFile], nil
}

// FileStream returns a reader over the file content. In FileStreaming mode
// the reader is valid until another section is requested or the container is
// closed, and can be obtained only once.
func (c *Composite) FileStream(mode FileMode) (io.Reader, error) {
	ok, err := c.has(SectionFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewCorruptionError("container has no file section", nil)
	}

	if buf := c.cache[SectionFile]; buf != nil {
		return secretSource(buf), nil
	}
	if c.status[SectionFile] != sectionHeaderRead || c.sections.Remaining() != c.length[SectionFile] {
		return nil, fmt.Errorf("%s: %w", SectionFile, ErrSectionConsumed)
	}

	switch mode {
	case FileBuffered:
		if err := c.load(SectionFile); err != nil {
			return nil, err
		}
		return secretSource(c.cache[SectionFile]), nil
	case FileStreaming:
		return &fileStream{c: c, r: c.sections.ContentReader()}, nil
	default:
		return nil, NewValidationError("file_mode", mode, "unknown file mode")
	}
}

// HasThumbnail reports whether the container carries a thumbnail
func (c *Composite) HasThumbnail() (bool, error) {
	return c.has(SectionThumbnail)
}

// Thumbnail returns the thumbnail bytes. The slice is wiped by Close.
func (c *Composite) Thumbnail() ([]byte, bool, error) {
	return c.cached(SectionThumbnail)
}

// HasNote reports whether the container carries a note
func (c *Composite) HasNote() (bool, error) {
	return c.has(SectionNote)
}

// Note returns the note text
func (c *Composite) Note() (string, bool, error) {
	data, ok, err := c.cached(SectionNote)
	if err != nil || !ok {
		return "", ok, err
	}
	if !utf8.Valid(data) {
		return "", false, NewCorruptionError("note is not valid UTF-8", nil)
	}
	return string(data), true, nil
}

// verifyEnd consumes every remaining section and checks that the body ends
// right after the END marker. In streaming mode this authenticates the
// final chunk.
func (c *Composite) verifyEnd() error {
	if _, _, err := c.cached(SectionThumbnail); err != nil {
		return err
	}
	if _, _, err := c.cached(SectionNote); err != nil {
		return err
	}
	if _, ok, err := c.sections.Next(); err != nil {
		return err
	} else if ok {
		return NewCorruptionError("section after note", ErrInvalidSectionType)
	}

	var probe [1]byte
	n, err := io.ReadFull(c.sections.r, probe[:])
	Zero(probe[:])
	switch {
	case n > 0:
		return NewCorruptionError("data after end marker", nil)
	case err == io.EOF:
		return nil
	default:
		return err
	}
}

// Close wipes every cached section and buffered plaintext and closes the
// container source when it implements io.Closer.
func (c *Composite) Close() error {
	if c.state == readFinalized {
		return nil
	}
	c.release()

	if closer, ok := c.src.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return NewIOError("close", "", err)
		}
	}
	return nil
}

// release wipes secrets without touching the source
func (c *Composite) release() {
	c.state = readFinalized
	for i, buf := range c.cache {
		buf.Destroy()
		c.cache[i] = nil
	}
	c.plain.Destroy()
	if c.chunks != nil {
		_ = c.chunks.Close()
	}
}

// fileStream is the FileStreaming reader. It stops working once the section
// reader has moved past the file section.
type fileStream struct {
	c *Composite
	r io.Reader
}

func (f *fileStream) Read(p []byte) (int, error) {
	if f.c.state == readFinalized {
		return 0, ErrClosed
	}
	if f.c.sections.Current().Type != SectionFile {
		return 0, fmt.Errorf("%s: %w", SectionFile, ErrSectionConsumed)
	}
	n, err := f.r.Read(p)
	if err == io.EOF {
		f.c.status[SectionFile] = sectionConsumed
	}
	return n, err
}
