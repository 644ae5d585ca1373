package vaultbox

import (
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of derived key material in bytes
	KeySize = 32

	// MaxIterations is the largest count the 29-bit header field can carry
	MaxIterations = 1<<29 - 1
)

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	KeySize     uint32 // Derived key size in bytes
}

// DefaultArgon2idParams returns the cost parameters every Argon2id container
// is written with. They are not stored in the header, so changing them
// breaks existing containers.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
		KeySize:     KeySize,
	}
}

// KeyDeriver turns a password and salt into raw key material
type KeyDeriver interface {
	// DeriveKey derives KeySize bytes. iterations is ignored by KDFs with fixed cost.
	DeriveKey(password, salt []byte, iterations uint32) ([]byte, error)

	// KDF identifies the algorithm
	KDF() KDF
}

// PBKDF2Deriver implements KeyDeriver using PBKDF2-HMAC-SHA512
type PBKDF2Deriver struct{}

// DeriveKey derives a key with the given iteration count
func (PBKDF2Deriver) DeriveKey(password, salt []byte, iterations uint32) (key []byte, err error) {
	if iterations == 0 || iterations > MaxIterations {
		return nil, &KeyDerivationError{
			KDF:     KDFPBKDF2,
			Message: fmt.Sprintf("iteration count %d out of range", iterations),
			Err:     ErrKeyDerivation,
		}
	}
	defer recoverKDF(KDFPBKDF2, &err)

	return pbkdf2.Key(password, salt, int(iterations), KeySize, sha512.New), nil
}

// KDF returns KDFPBKDF2
func (PBKDF2Deriver) KDF() KDF { return KDFPBKDF2 }

// Argon2idDeriver implements KeyDeriver using Argon2id
type Argon2idDeriver struct {
	Params Argon2idParams
}

// NewArgon2idDeriver creates a deriver with the container-format parameters
func NewArgon2idDeriver() *Argon2idDeriver {
	return &Argon2idDeriver{Params: DefaultArgon2idParams()}
}

// DeriveKey derives a key with the fixed cost parameters
func (a *Argon2idDeriver) DeriveKey(password, salt []byte, _ uint32) (key []byte, err error) {
	defer recoverKDF(KDFArgon2id, &err)

	key = argon2.IDKey(
		password,
		salt,
		a.Params.Iterations,
		a.Params.Memory,
		a.Params.Parallelism,
		a.Params.KeySize,
	)
	return key, nil
}

// KDF returns KDFArgon2id
func (a *Argon2idDeriver) KDF() KDF { return KDFArgon2id }

// DeriverFor returns the deriver a container's flags select
func DeriverFor(flags Flags) KeyDeriver {
	if flags.Has(FlagArgon2id) {
		return NewArgon2idDeriver()
	}
	return PBKDF2Deriver{}
}

// recoverKDF converts a panic inside a KDF primitive into a KeyDerivationError
func recoverKDF(kdf KDF, err *error) {
	if r := recover(); r != nil {
		*err = &KeyDerivationError{
			KDF:     kdf,
			Message: fmt.Sprintf("primitive failed: %v", r),
			Err:     ErrKeyDerivation,
		}
	}
}

// deriveSecret derives key material into a registered SecretBuffer. The
// password is copied into its own secret buffer, which is wiped as soon as
// the primitive returns.
func deriveSecret(reg *SecretRegistry, d KeyDeriver, password, salt []byte, iterations uint32) (*SecretBuffer, error) {
	pw := reg.NewBuffer(len(password))
	copy(pw.Bytes(), password)

	key, err := d.DeriveKey(pw.Bytes(), salt, iterations)
	pw.Destroy()
	if err != nil {
		return nil, err
	}
	return reg.Adopt(key), nil
}
