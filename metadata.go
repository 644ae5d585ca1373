package vaultbox

import (
	"encoding/json"
	"fmt"
	"io"
)

// maxMetadataSize bounds the JSON line at the start of the body
const maxMetadataSize = 64 * 1024

// SectionPresence records which optional sections a container was written with
type SectionPresence struct {
	File      bool `json:"file"`
	Thumbnail bool `json:"thumbnail"`
	Note      bool `json:"note"`
}

// Metadata is the JSON preamble of a decrypted body
type Metadata struct {
	OriginalName string          `json:"originalName"`
	FileType     int             `json:"fileType,omitempty"`
	Sections     SectionPresence `json:"sections"`
}

// encodePreamble renders newline + JSON + newline. The caller wipes the
// returned slice once it has been copied into the body.
func (m *Metadata) encodePreamble() ([]byte, error) {
	js, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if len(js)+2 > maxMetadataSize {
		Zero(js)
		return nil, NewValidationError("metadata", len(js), fmt.Sprintf("metadata exceeds %d bytes", maxMetadataSize))
	}

	out := make([]byte, 0, len(js)+2)
	out = append(out, '\n')
	out = append(out, js...)
	out = append(out, '\n')
	Zero(js)
	return out, nil
}

// readPreamble parses the metadata line from the start of a decrypted body.
// It reads one byte at a time so nothing past the line is pulled out of r.
func readPreamble(r io.Reader) (*Metadata, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, eofError("metadata", err)
	}
	if b[0] != '\n' {
		return nil, NewCorruptionError("body does not start with a metadata line", nil)
	}

	line := make([]byte, 0, 256)
	defer func() { Zero(line[:cap(line)]) }()

	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, eofError("metadata", err)
		}
		if b[0] == '\n' {
			break
		}
		if len(line) >= maxMetadataSize {
			return nil, NewCorruptionError(fmt.Sprintf("metadata line longer than %d bytes", maxMetadataSize), nil)
		}
		if len(line) == cap(line) {
			grown := make([]byte, len(line), 2*cap(line))
			copy(grown, line)
			Zero(line)
			line = grown
		}
		line = append(line, b[0])
	}
	Zero(b[:])

	var m Metadata
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, NewCorruptionError("malformed metadata", err)
	}
	return &m, nil
}
