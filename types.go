package vaultbox

import (
	"github.com/sirupsen/logrus"
)

// CipherSuite represents an AEAD algorithm
type CipherSuite uint8

const (
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM CipherSuite = iota + 1
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// KDF identifies the password-based key derivation function of a container
type KDF uint8

const (
	// KDFPBKDF2 is PBKDF2-HMAC-SHA512 with the iteration count stored in the header
	KDFPBKDF2 KDF = iota
	// KDFArgon2id is Argon2id with fixed cost parameters
	KDFArgon2id
)

func (k KDF) String() string {
	switch k {
	case KDFPBKDF2:
		return "pbkdf2-sha512"
	case KDFArgon2id:
		return "argon2id"
	default:
		return "unknown"
	}
}

// ModePreference lets a caller override size-based mode selection
type ModePreference uint8

const (
	// PreferAuto selects AEAD or streaming mode from the total payload size
	PreferAuto ModePreference = iota
	// PreferAEAD forces whole-buffer AEAD mode
	PreferAEAD
	// PreferStreaming forces chunked streaming mode
	PreferStreaming
	// PreferLegacy requests the unauthenticated legacy mode, which is never written
	PreferLegacy
)

// SectionType tags a unit inside the decrypted body
type SectionType uint8

const (
	// SectionEnd terminates the section stream and carries no length
	SectionEnd SectionType = 0
	// SectionFile holds the file content
	SectionFile SectionType = 1
	// SectionThumbnail holds the optional thumbnail image
	SectionThumbnail SectionType = 2
	// SectionNote holds the optional UTF-8 note
	SectionNote SectionType = 3
)

// String returns the string representation of the section type
func (s SectionType) String() string {
	switch s {
	case SectionEnd:
		return "END"
	case SectionFile:
		return "FILE"
	case SectionThumbnail:
		return "THUMBNAIL"
	case SectionNote:
		return "NOTE"
	default:
		return "unknown"
	}
}

func (s SectionType) valid() bool {
	return s >= SectionFile && s <= SectionNote
}

// Settings is the application settings store as seen by the engine
type Settings interface {
	// Iterations returns the PBKDF2 iteration count for new containers
	Iterations() int

	// Argon2idEnabled reports whether new containers derive keys with Argon2id
	Argon2idEnabled() bool

	// DiskCache reports the disk-cache preference. The engine only passes it through.
	DiskCache() bool

	// SizeThreshold returns the largest total payload sealed in one AEAD call
	SizeThreshold() int64
}

const (
	// DefaultIterations is the PBKDF2 iteration count used when none is configured
	DefaultIterations = 100000

	// DefaultSizeThreshold is the largest payload encrypted in whole-buffer AEAD mode (50 MiB)
	DefaultSizeThreshold = 50 * 1024 * 1024
)

// StaticSettings is an in-memory Settings implementation
type StaticSettings struct {
	IterationCount int   // PBKDF2 iterations (default 100,000)
	UseArgon2id    bool  // Derive keys with Argon2id instead of PBKDF2
	UseDiskCache   bool  // Passed through to callers
	Threshold      int64 // AEAD vs streaming threshold in bytes (default 50 MiB)
}

// DefaultSettings returns the settings used when Config.Settings is nil
func DefaultSettings() *StaticSettings {
	return &StaticSettings{
		IterationCount: DefaultIterations,
		Threshold:      DefaultSizeThreshold,
	}
}

func (s *StaticSettings) Iterations() int {
	if s.IterationCount == 0 {
		return DefaultIterations
	}
	return s.IterationCount
}

func (s *StaticSettings) Argon2idEnabled() bool { return s.UseArgon2id }

func (s *StaticSettings) DiskCache() bool { return s.UseDiskCache }

func (s *StaticSettings) SizeThreshold() int64 {
	if s.Threshold == 0 {
		return DefaultSizeThreshold
	}
	return s.Threshold
}

// Config contains configuration for the container engine
type Config struct {
	// Settings supplies iteration count, KDF choice and size threshold
	Settings Settings

	// ChunkSize for streaming mode. It is part of the format contract and
	// must match between writer and reader (default 64 KiB).
	ChunkSize int

	// Logger receives structured diagnostics. Defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger

	// Registry tracks secret buffers so they can be wiped on demand
	Registry *SecretRegistry
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.ChunkSize < 0 {
		return NewValidationError("chunk_size", c.ChunkSize, "chunk size cannot be negative")
	}
	if c.ChunkSize != 0 {
		if err := ValidateChunkSize(uint32(c.ChunkSize)); err != nil {
			return NewValidationError("chunk_size", c.ChunkSize, err.Error())
		}
	}
	if c.Settings != nil {
		if err := ValidateIterations(c.Settings.Iterations()); err != nil {
			return err
		}
		if c.Settings.SizeThreshold() < 0 {
			return NewValidationError("size_threshold", c.Settings.SizeThreshold(), "threshold cannot be negative")
		}
	}
	return nil
}

// withDefaults returns a copy of the configuration with unset fields filled in
func (c *Config) withDefaults() Config {
	out := *c
	if out.Settings == nil {
		out.Settings = DefaultSettings()
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.Registry == nil {
		out.Registry = NewSecretRegistry()
	}
	return out
}
