package vaultbox

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents an encryption or decryption failure
type EncryptionError struct {
	Operation string // "encrypt" or "decrypt"
	Mode      string // Container mode, if known
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	if e.Mode != "" {
		return fmt.Sprintf("%s error (%s): %s", e.Operation, e.Mode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IOError represents a file system I/O error
type IOError struct {
	Operation string // "read", "write", "rename", "open", "close", etc.
	Path      string // File path
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents malformed container data
type CorruptionError struct {
	ChunkIdx uint64 // Chunk index, if applicable
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.ChunkIdx > 0 {
		return fmt.Sprintf("corruption error (chunk %d): %s", e.ChunkIdx, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents a failed tag or password check
type AuthenticationError struct {
	ChunkIdx uint64 // Chunk index for streaming containers
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *AuthenticationError) Error() string {
	if e.ChunkIdx > 0 {
		return fmt.Sprintf("authentication error (chunk %d): %s", e.ChunkIdx, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// KeyDerivationError represents a failure of the underlying KDF primitive
type KeyDerivationError struct {
	KDF     KDF
	Message string
	Err     error
}

func (e *KeyDerivationError) Error() string {
	return fmt.Sprintf("key derivation error (%s): %s", e.KDF, e.Message)
}

func (e *KeyDerivationError) Unwrap() error {
	return e.Err
}

// Sentinel errors
var (
	ErrTruncatedInput     = errors.New("truncated input")
	ErrUnexpectedEOF      = errors.New("unexpected end of section data")
	ErrTruncatedStream    = errors.New("stream ended without a final chunk")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrAuthFailed         = errors.New("authentication failed - wrong password or corrupted data")
	ErrUnsupportedVersion = errors.New("unsupported container format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrInvalidSectionType = errors.New("invalid section type")
	ErrLengthMismatch     = errors.New("section length mismatch")
	ErrKeyDerivation      = errors.New("key derivation failed")
	ErrNameTooLong        = errors.New("name too long")
	ErrLegacyWrite        = errors.New("legacy containers cannot be created")
	ErrSectionConsumed    = errors.New("section content already consumed")
	ErrClosed             = errors.New("use of closed container")
	ErrFinished           = errors.New("write after finish")
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrInvalidSize        = errors.New("invalid size parameter")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation, mode string, err error) error {
	return &EncryptionError{
		Operation: operation,
		Mode:      mode,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(message string, err error) error {
	return &CorruptionError{
		Message: message,
		Err:     err,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(chunkIdx uint64, err error) error {
	return &AuthenticationError{
		ChunkIdx: chunkIdx,
		Message:  err.Error(),
		Err:      err,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsWrongPassword reports whether err means "wrong password or corrupted file",
// the condition a UI answers by prompting for the password again.
func IsWrongPassword(err error) bool {
	return errors.Is(err, ErrInvalidPassword) || errors.Is(err, ErrAuthFailed)
}
