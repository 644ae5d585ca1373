package vaultbox

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSectionWriter_Layout(t *testing.T) {
	var buf bytes.Buffer
	sw := NewSectionWriter(&buf)
	if err := sw.WriteSectionBytes(SectionFile, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := sw.WriteSectionBytes(SectionNote, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if err := sw.WriteEnd(); err != nil {
		t.Fatal(err)
	}

	want := []byte{
		1, 0, 0, 0, 3, 'a', 'b', 'c',
		3, 0, 0, 0, 2, 'h', 'i',
		0,
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("encoded = %v, want %v", buf.Bytes(), want)
	}
}

func TestSection_RoundTrip(t *testing.T) {
	file := randomData(t, 100*1024)
	thumb := []byte{}
	note := []byte("meeting notes ✓")

	var buf bytes.Buffer
	sw := NewSectionWriter(&buf)
	if err := sw.WriteSection(SectionFile, bytes.NewReader(file), int64(len(file))); err != nil {
		t.Fatal(err)
	}
	if err := sw.WriteSectionBytes(SectionThumbnail, thumb); err != nil {
		t.Fatal(err)
	}
	if err := sw.WriteSectionBytes(SectionNote, note); err != nil {
		t.Fatal(err)
	}
	if err := sw.WriteEnd(); err != nil {
		t.Fatal(err)
	}

	sr := NewSectionReader(&buf)
	want := []struct {
		typ  SectionType
		data []byte
	}{
		{SectionFile, file},
		{SectionThumbnail, thumb},
		{SectionNote, note},
	}
	for _, w := range want {
		h, ok, err := sr.Next()
		if err != nil || !ok {
			t.Fatalf("Next() = %v, %v, %v", h, ok, err)
		}
		if h.Type != w.typ || h.Length != int64(len(w.data)) {
			t.Errorf("header = %+v, want %s/%d", h, w.typ, len(w.data))
		}
		got, err := sr.ReadContent(h.Length)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, w.data) {
			t.Errorf("%s content mismatch", w.typ)
		}
	}

	if _, ok, err := sr.Next(); ok || err != nil {
		t.Errorf("Next() at END = %v, %v; want false, nil", ok, err)
	}
	// Stays at END.
	if _, ok, err := sr.Next(); ok || err != nil {
		t.Errorf("Next() after END = %v, %v; want false, nil", ok, err)
	}
}

func TestSectionWriter_LengthMismatch(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		length int64
	}{
		{"short source", "abc", 5},
		{"long source", "abcdef", 5},
		{"empty source", "", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := NewSectionWriter(&bytes.Buffer{})
			err := sw.WriteSection(SectionFile, strings.NewReader(tt.data), tt.length)
			if !errors.Is(err, ErrLengthMismatch) {
				t.Errorf("error = %v, want ErrLengthMismatch", err)
			}
		})
	}
}

func TestSectionWriter_Order(t *testing.T) {
	tests := []struct {
		name  string
		types []SectionType
	}{
		{"end type as section", []SectionType{SectionEnd}},
		{"unknown type", []SectionType{SectionType(4)}},
		{"out of order", []SectionType{SectionNote, SectionFile}},
		{"duplicate", []SectionType{SectionFile, SectionFile}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := NewSectionWriter(&bytes.Buffer{})
			var err error
			for _, typ := range tt.types {
				if err = sw.WriteSectionBytes(typ, []byte("x")); err != nil {
					break
				}
			}
			if !errors.Is(err, ErrInvalidSectionType) {
				t.Errorf("error = %v, want ErrInvalidSectionType", err)
			}
		})
	}

	sw := NewSectionWriter(&bytes.Buffer{})
	if err := sw.WriteEnd(); err != nil {
		t.Fatal(err)
	}
	if err := sw.WriteSectionBytes(SectionFile, nil); !errors.Is(err, ErrInvalidSectionType) {
		t.Errorf("section after END error = %v, want ErrInvalidSectionType", err)
	}
}

func TestSectionReader_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    error
		corrupt bool
	}{
		{"empty stream", nil, ErrUnexpectedEOF, false},
		{"unknown type", []byte{9, 0, 0, 0, 0}, ErrInvalidSectionType, true},
		{"truncated length", []byte{1, 0, 0}, ErrUnexpectedEOF, false},
		{"truncated content", []byte{1, 0, 0, 0, 4, 'a', 'b'}, ErrUnexpectedEOF, false},
		{"missing end", []byte{1, 0, 0, 0, 1, 'a'}, ErrUnexpectedEOF, false},
		{"out of order", []byte{2, 0, 0, 0, 0, 1, 0, 0, 0, 0}, ErrInvalidSectionType, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := NewSectionReader(bytes.NewReader(tt.input))
			var err error
			for err == nil {
				var ok bool
				if _, ok, err = sr.Next(); !ok && err == nil {
					t.Fatal("reached END without an error")
				}
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if IsCorruptionError(err) != tt.corrupt {
				t.Errorf("IsCorruptionError = %v, want %v", IsCorruptionError(err), tt.corrupt)
			}
		})
	}
}

func TestSectionReader_AutoSkip(t *testing.T) {
	var buf bytes.Buffer
	sw := NewSectionWriter(&buf)
	sw.WriteSectionBytes(SectionFile, bytes.Repeat([]byte{'f'}, 70000))
	sw.WriteSectionBytes(SectionThumbnail, []byte("thumb"))
	sw.WriteEnd()

	sr := NewSectionReader(&buf)
	h, _, err := sr.Next()
	if err != nil || h.Type != SectionFile {
		t.Fatalf("Next() = %+v, %v", h, err)
	}
	if _, err := sr.ReadContent(10); err != nil {
		t.Fatal(err)
	}
	if sr.Remaining() != 70000-10 {
		t.Errorf("Remaining() = %d, want %d", sr.Remaining(), 70000-10)
	}

	h, ok, err := sr.Next()
	if err != nil || !ok || h.Type != SectionThumbnail {
		t.Fatalf("Next() = %+v, %v, %v; want THUMBNAIL", h, ok, err)
	}
	got, err := io.ReadAll(sr.ContentReader())
	if err != nil || string(got) != "thumb" {
		t.Errorf("ContentReader() = %q, %v", got, err)
	}
	if _, ok, err := sr.Next(); ok || err != nil {
		t.Errorf("Next() = %v, %v; want END", ok, err)
	}
}

func TestSectionReader_ContentBounds(t *testing.T) {
	sr := NewSectionReader(bytes.NewReader([]byte{1, 0, 0, 0, 2, 'a', 'b', 0}))
	if _, _, err := sr.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := sr.ReadContent(3); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("ReadContent past section error = %v, want ErrInvalidSize", err)
	}
	if err := sr.SkipContent(-1); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("SkipContent(-1) error = %v, want ErrInvalidSize", err)
	}

	// The bounded reader never reads into the END marker.
	got, err := io.ReadAll(sr.ContentReader())
	if err != nil || string(got) != "ab" {
		t.Errorf("ContentReader() = %q, %v", got, err)
	}
	if _, ok, err := sr.Next(); ok || err != nil {
		t.Errorf("Next() = %v, %v; want END", ok, err)
	}
}

func TestCopySecret(t *testing.T) {
	var dst bytes.Buffer
	n, err := copySecret(&dst, strings.NewReader(strings.Repeat("x", 100000)), 70000)
	if err != nil || n != 70000 || dst.Len() != 70000 {
		t.Errorf("copySecret() = %d, %v; wrote %d", n, err, dst.Len())
	}

	n, err = copySecret(io.Discard, strings.NewReader("short"), 10)
	if err != io.EOF || n != 5 {
		t.Errorf("copySecret(short) = %d, %v; want 5, io.EOF", n, err)
	}
}

func TestMetadata_Preamble(t *testing.T) {
	m := &Metadata{
		OriginalName: "Résumé 2024.pdf",
		FileType:     3,
		Sections:     SectionPresence{File: true, Note: true},
	}
	preamble, err := m.encodePreamble()
	if err != nil {
		t.Fatal(err)
	}
	if preamble[0] != '\n' || preamble[len(preamble)-1] != '\n' {
		t.Errorf("preamble not newline-delimited: %q", preamble)
	}
	if !bytes.Contains(preamble, []byte(`"originalName":"Résumé 2024.pdf"`)) {
		t.Errorf("preamble missing originalName: %q", preamble)
	}
	if !bytes.Contains(preamble, []byte(`"sections":{"file":true,"thumbnail":false,"note":true}`)) {
		t.Errorf("preamble missing section flags: %q", preamble)
	}

	r := bytes.NewReader(append(preamble, 0xEE))
	got, err := readPreamble(r)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *m {
		t.Errorf("readPreamble() = %+v, want %+v", got, m)
	}
	if next, _ := r.ReadByte(); next != 0xEE {
		t.Error("readPreamble() consumed bytes past the metadata line")
	}
}

func TestMetadata_PreambleErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    error
		corrupt bool
	}{
		{"empty", "", ErrUnexpectedEOF, false},
		{"no leading newline", `{"originalName":"x"}` + "\n", nil, true},
		{"unterminated", "\n" + `{"originalName":"x"}`, ErrUnexpectedEOF, false},
		{"malformed json", "\n{not json}\n", nil, true},
		{"too long", "\n" + strings.Repeat("a", maxMetadataSize+1) + "\n", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readPreamble(strings.NewReader(tt.input))
			if err == nil {
				t.Fatal("readPreamble() succeeded")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if IsCorruptionError(err) != tt.corrupt {
				t.Errorf("IsCorruptionError = %v, want %v", IsCorruptionError(err), tt.corrupt)
			}
		})
	}
}
