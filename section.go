package vaultbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Section stream layout:
//
//	type(1) length(4, big-endian) content(length)   -- repeated, canonical order
//	END(1)                                          -- type 0, no length
const sectionHeaderSize = 5

// SectionHeader describes one section of the body
type SectionHeader struct {
	Type   SectionType
	Length int64
}

// SectionWriter serializes typed, length-prefixed sections
type SectionWriter struct {
	w     io.Writer
	last  SectionType
	ended bool
}

// NewSectionWriter creates a writer emitting sections to w
func NewSectionWriter(w io.Writer) *SectionWriter {
	return &SectionWriter{w: w}
}

// WriteSection writes a section header followed by exactly length bytes
// from src. A source that yields fewer or more bytes fails with
// ErrLengthMismatch.
func (sw *SectionWriter) WriteSection(t SectionType, src io.Reader, length int64) error {
	if sw.ended {
		return fmt.Errorf("section %s after end marker: %w", t, ErrInvalidSectionType)
	}
	if !t.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSectionType, t)
	}
	if t <= sw.last {
		return fmt.Errorf("section %s out of order after %s: %w", t, sw.last, ErrInvalidSectionType)
	}
	if err := ValidateSectionLength(length, t.String()); err != nil {
		return err
	}

	var hdr [sectionHeaderSize]byte
	hdr[0] = byte(t)
	binary.BigEndian.PutUint32(hdr[1:], uint32(length))
	if _, err := sw.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write %s header: %w", t, err)
	}
	sw.last = t

	n, err := copySecret(sw.w, src, length)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s source yielded %d of %d bytes: %w", t, n, length, ErrLengthMismatch)
		}
		return fmt.Errorf("failed to write %s content: %w", t, err)
	}

	var probe [1]byte
	if m, _ := io.ReadFull(src, probe[:]); m > 0 {
		Zero(probe[:])
		return fmt.Errorf("%s source is longer than %d bytes: %w", t, length, ErrLengthMismatch)
	}
	return nil
}

// WriteSectionBytes writes an in-memory section
func (sw *SectionWriter) WriteSectionBytes(t SectionType, data []byte) error {
	return sw.WriteSection(t, &byteSource{data: data}, int64(len(data)))
}

// WriteEnd writes the END marker
func (sw *SectionWriter) WriteEnd() error {
	if sw.ended {
		return nil
	}
	if _, err := sw.w.Write([]byte{byte(SectionEnd)}); err != nil {
		return fmt.Errorf("failed to write end marker: %w", err)
	}
	sw.ended = true
	return nil
}

// SectionReader parses a section stream. The stream is forward-only: a
// section's content must be read or skipped before the next header, and
// Next does the skipping itself when the caller did not.
type SectionReader struct {
	r         io.Reader
	cur       SectionHeader
	remaining int64 // Undisposed content bytes of cur
	last      SectionType
	ended     bool
}

// NewSectionReader creates a reader over a decrypted section stream
func NewSectionReader(r io.Reader) *SectionReader {
	return &SectionReader{r: r}
}

// Next skips any unconsumed content of the current section and reads the
// next header. It returns false once the END marker has been consumed.
func (sr *SectionReader) Next() (SectionHeader, bool, error) {
	if sr.ended {
		return SectionHeader{}, false, nil
	}
	if sr.remaining > 0 {
		if err := sr.SkipContent(sr.remaining); err != nil {
			return SectionHeader{}, false, err
		}
	}

	var t [1]byte
	if _, err := io.ReadFull(sr.r, t[:]); err != nil {
		return SectionHeader{}, false, eofError("section type", err)
	}

	st := SectionType(t[0])
	if st == SectionEnd {
		sr.ended = true
		sr.cur = SectionHeader{}
		return SectionHeader{}, false, nil
	}
	if !st.valid() {
		return SectionHeader{}, false, NewCorruptionError(fmt.Sprintf("section type byte 0x%02x", t[0]), ErrInvalidSectionType)
	}
	if st <= sr.last {
		return SectionHeader{}, false, NewCorruptionError(fmt.Sprintf("section %s out of order after %s", st, sr.last), ErrInvalidSectionType)
	}

	var l [4]byte
	if _, err := io.ReadFull(sr.r, l[:]); err != nil {
		return SectionHeader{}, false, eofError("section length", err)
	}

	sr.last = st
	sr.cur = SectionHeader{Type: st, Length: int64(binary.BigEndian.Uint32(l[:]))}
	sr.remaining = sr.cur.Length
	return sr.cur, true, nil
}

// Current returns the most recently read header
func (sr *SectionReader) Current() SectionHeader {
	return sr.cur
}

// Remaining returns the undisposed content bytes of the current section
func (sr *SectionReader) Remaining() int64 {
	return sr.remaining
}

// ReadContent reads exactly length bytes of the current section
func (sr *SectionReader) ReadContent(length int64) ([]byte, error) {
	if length < 0 || length > sr.remaining {
		return nil, fmt.Errorf("read of %d bytes exceeds %d remaining in %s: %w", length, sr.remaining, sr.cur.Type, ErrInvalidSize)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(sr.r, buf)
	sr.remaining -= int64(n)
	if err != nil {
		Zero(buf)
		return nil, eofError(sr.cur.Type.String()+" content", err)
	}
	return buf, nil
}

// SkipContent discards exactly length bytes of the current section by
// reading them. The decrypting source cannot seek.
func (sr *SectionReader) SkipContent(length int64) error {
	if length < 0 || length > sr.remaining {
		return fmt.Errorf("skip of %d bytes exceeds %d remaining in %s: %w", length, sr.remaining, sr.cur.Type, ErrInvalidSize)
	}
	n, err := copySecret(discard{}, sr.r, length)
	sr.remaining -= n
	if err != nil {
		return eofError(sr.cur.Type.String()+" content", err)
	}
	return nil
}

// ContentReader returns a reader bounded to the rest of the current section
func (sr *SectionReader) ContentReader() io.Reader {
	return &sectionContent{sr: sr}
}

type sectionContent struct {
	sr *SectionReader
}

func (c *sectionContent) Read(p []byte) (int, error) {
	if c.sr.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > c.sr.remaining {
		p = p[:c.sr.remaining]
	}
	n, err := c.sr.r.Read(p)
	c.sr.remaining -= int64(n)
	if err == io.EOF && c.sr.remaining > 0 {
		return n, eofError(c.sr.cur.Type.String()+" content", io.ErrUnexpectedEOF)
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// eofError maps a short read inside the section stream to ErrUnexpectedEOF
func eofError(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("failed to read %s: %w", what, ErrUnexpectedEOF)
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}

// copySecret copies exactly n bytes through a scratch buffer that is wiped
// afterwards. io.Copy would route plaintext through pooled buffers that are
// never cleared. A short source returns io.EOF.
func copySecret(dst io.Writer, src io.Reader, n int64) (int64, error) {
	var scratch [32 * 1024]byte
	defer Zero(scratch[:])

	var copied int64
	for copied < n {
		want := int64(len(scratch))
		if rest := n - copied; rest < want {
			want = rest
		}
		m, err := src.Read(scratch[:want])
		if m > 0 {
			if _, werr := dst.Write(scratch[:m]); werr != nil {
				return copied, werr
			}
			copied += int64(m)
		}
		if err != nil {
			if err == io.EOF && copied == n {
				break
			}
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return copied, io.EOF
			}
			return copied, err
		}
	}
	return copied, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// byteSource is a bytes.Reader that does not implement WriterTo, so copies
// go through copySecret's scratch buffer. When backed by a SecretBuffer it
// fails with ErrClosed once that buffer has been wiped.
type byteSource struct {
	data   []byte
	secret *SecretBuffer
	off    int
}

func secretSource(sb *SecretBuffer) *byteSource {
	return &byteSource{secret: sb}
}

func (b *byteSource) Read(p []byte) (int, error) {
	data := b.data
	if b.secret != nil {
		if data = b.secret.Bytes(); data == nil && b.secret.Destroyed() {
			return 0, ErrClosed
		}
	}
	if b.off >= len(data) {
		return 0, io.EOF
	}
	n := copy(p, data[b.off:])
	b.off += n
	return n, nil
}
