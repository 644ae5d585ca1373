package vaultbox

import (
	"fmt"
	"math"
)

// Input validation helpers for defensive programming

// ValidateBuffer checks if a buffer is valid (non-nil and has expected size)
func ValidateBuffer(buf []byte, name string, size int) error {
	if buf == nil {
		return &ValidationError{
			Field:   name,
			Message: "buffer cannot be nil",
		}
	}
	if size > 0 && len(buf) != size {
		return &ValidationError{
			Field:   name,
			Value:   len(buf),
			Message: fmt.Sprintf("invalid size: got %d bytes, need %d bytes", len(buf), size),
		}
	}
	return nil
}

// ValidateSize checks if a size parameter is valid
func ValidateSize(size int64, name string, maxSize int64) error {
	if size < 0 {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: "size cannot be negative",
			Err:     ErrInvalidSize,
		}
	}
	if maxSize > 0 && size > maxSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too large: got %d, maximum is %d", size, maxSize),
			Err:     ErrInvalidSize,
		}
	}
	return nil
}

// ValidateSectionLength checks that a section fits the 32-bit length field
func ValidateSectionLength(size int64, name string) error {
	return ValidateSize(size, name, math.MaxUint32)
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
		}
	}

	return nil
}

// ValidateIterations checks that an iteration count is usable and fits the header
func ValidateIterations(n int) error {
	if n < 1 || n > MaxIterations {
		return &ValidationError{
			Field:   "iterations",
			Value:   n,
			Message: fmt.Sprintf("iteration count must be between 1 and %d", MaxIterations),
		}
	}
	return nil
}
