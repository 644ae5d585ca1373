package vaultbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Container layout (all integers big-endian):
//
//	offset  size  field
//	0       4     version
//	4       16    salt
//	20      12    nonce
//	32      4     packed iteration count + flags
//	36      12    check bytes (legacy mode only)
//	36|48   ...   body
const (
	// MinSupportedVersion is the oldest composite-format version the engine reads
	MinSupportedVersion = uint32(3)

	// CurrentVersion is the version written for new containers
	CurrentVersion = uint32(3)

	// SaltSize is the size of the per-container KDF salt
	SaltSize = 16

	// NonceSize is the size of the header nonce
	NonceSize = 12

	// CheckSize is the size of the legacy password check value
	CheckSize = 12

	// FixedHeaderSize covers version, salt, nonce and the packed word
	FixedHeaderSize = 4 + SaltSize + NonceSize + 4

	// LegacyHeaderSize adds the check bytes
	LegacyHeaderSize = FixedHeaderSize + CheckSize
)

// Flags are the mode bits stored in the three most significant bits of the
// packed iteration word.
type Flags uint32

const (
	// FlagAEAD marks a whole-buffer AEAD body
	FlagAEAD Flags = 1 << 31
	// FlagStreaming marks a chunked streaming body
	FlagStreaming Flags = 1 << 30
	// FlagArgon2id selects Argon2id instead of PBKDF2
	FlagArgon2id Flags = 1 << 29

	flagMask  = uint32(FlagAEAD | FlagStreaming | FlagArgon2id)
	countMask = uint32(MaxIterations)
)

// Has reports whether all bits of x are set
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

// PackCount combines an iteration count and mode flags into one header word
func PackCount(count uint32, flags Flags) uint32 {
	return count&countMask | uint32(flags)&flagMask
}

// Mode is the decoded body interpretation of a container. Exactly one of
// LegacyMode, AEADMode and StreamingMode.
type Mode interface {
	String() string
	flags() Flags
}

// LegacyMode is the unauthenticated stream-cipher body guarded by check bytes
type LegacyMode struct {
	Check []byte // Cleartext check value, compared with its decrypted copy
}

func (LegacyMode) String() string { return "legacy" }
func (LegacyMode) flags() Flags   { return 0 }

// AEADMode is a body sealed by a single AEAD call
type AEADMode struct{}

func (AEADMode) String() string { return "aead" }
func (AEADMode) flags() Flags   { return FlagAEAD }

// StreamingMode is a body encrypted by the chunked streaming cipher
type StreamingMode struct{}

func (StreamingMode) String() string { return "streaming" }
func (StreamingMode) flags() Flags   { return FlagStreaming }

// Header represents the plaintext prefix of a container
type Header struct {
	Version uint32          // Container format version
	Salt    [SaltSize]byte  // Salt for key derivation
	Nonce   [NonceSize]byte // Nonce/IV for the body cipher
	Packed  uint32          // Iteration count (low 29 bits) and flags (top 3 bits)
	Check   []byte          // Legacy check bytes, nil otherwise
}

// NewHeader creates a header for a new container
func NewHeader(salt, nonce []byte, iterations uint32, flags Flags) (*Header, error) {
	if err := ValidateBuffer(salt, "salt", SaltSize); err != nil {
		return nil, err
	}
	if err := ValidateBuffer(nonce, "nonce", NonceSize); err != nil {
		return nil, err
	}
	if iterations > MaxIterations {
		return nil, NewValidationError("iterations", iterations, "does not fit the 29-bit header field")
	}
	h := &Header{
		Version: CurrentVersion,
		Packed:  PackCount(iterations, flags),
	}
	copy(h.Salt[:], salt)
	copy(h.Nonce[:], nonce)
	return h, nil
}

// Iterations returns the iteration count with the flag bits masked out
func (h *Header) Iterations() uint32 {
	return h.Packed & countMask
}

// Flags returns the mode flags
func (h *Header) Flags() Flags {
	return Flags(h.Packed & flagMask)
}

// KDF returns the key derivation function selected by the flags
func (h *Header) KDF() KDF {
	if h.Flags().Has(FlagArgon2id) {
		return KDFArgon2id
	}
	return KDFPBKDF2
}

// isLegacy reports whether neither body flag is set
func (h *Header) isLegacy() bool {
	f := h.Flags()
	return !f.Has(FlagAEAD) && !f.Has(FlagStreaming)
}

// Mode decodes the flag bits into the body variant. The streaming flag takes
// precedence over the AEAD flag.
func (h *Header) Mode() Mode {
	f := h.Flags()
	switch {
	case f.Has(FlagStreaming):
		return StreamingMode{}
	case f.Has(FlagAEAD):
		return AEADMode{}
	default:
		return LegacyMode{Check: h.Check}
	}
}

// Size returns the encoded size of the header in bytes
func (h *Header) Size() int {
	if h.isLegacy() {
		return LegacyHeaderSize
	}
	return FixedHeaderSize
}

// AssociatedData returns the fixed header fields, which are bound into the
// authentication tag of AEAD and streaming bodies.
func (h *Header) AssociatedData() []byte {
	buf := make([]byte, 0, FixedHeaderSize)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.Salt[:]...)
	buf = append(buf, h.Nonce[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.Packed)
	return buf
}

// WriteTo writes the header to the given writer
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	buf := h.AssociatedData()
	if h.isLegacy() {
		if len(h.Check) != CheckSize {
			return 0, NewValidationError("check", len(h.Check), fmt.Sprintf("legacy header needs %d check bytes", CheckSize))
		}
		buf = append(buf, h.Check...)
	}

	n, err := w.Write(buf)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write header: %w", err)
	}
	return int64(n), nil
}

// ReadFrom reads the header from the given reader. Check bytes are read only
// when the flags select legacy mode.
func (h *Header) ReadFrom(r io.Reader) (int64, error) {
	var fixed [FixedHeaderSize]byte
	n, err := io.ReadFull(r, fixed[:])
	total := int64(n)
	if err != nil {
		return total, truncated("header", err)
	}

	h.Version = binary.BigEndian.Uint32(fixed[0:4])
	copy(h.Salt[:], fixed[4:4+SaltSize])
	copy(h.Nonce[:], fixed[4+SaltSize:4+SaltSize+NonceSize])
	h.Packed = binary.BigEndian.Uint32(fixed[FixedHeaderSize-4:])
	h.Check = nil

	if h.isLegacy() {
		h.Check = make([]byte, CheckSize)
		n, err = io.ReadFull(r, h.Check)
		total += int64(n)
		if err != nil {
			return total, truncated("check bytes", err)
		}
	}

	return total, nil
}

// Validate checks the version field
func (h *Header) Validate() error {
	if h.Version < MinSupportedVersion || h.Version > CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return nil
}

// truncated maps short reads of fixed-size fields to ErrTruncatedInput
func truncated(field string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("failed to read %s: %w", field, ErrTruncatedInput)
	}
	return fmt.Errorf("failed to read %s: %w", field, err)
}
