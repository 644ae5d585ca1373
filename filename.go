package vaultbox

import (
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// MaxNameLength is the longest folder name, in characters, EncryptName accepts
	MaxNameLength = 30

	// MinTokenLength is the encoded length of a token for an empty name
	MinTokenLength = (8*(SaltSize+NonceSize+chacha20poly1305.Overhead) + 5) / 6

	// MaxTokenLength is the encoded length of a token for the longest name
	MaxTokenLength = (8*(SaltSize+NonceSize+chacha20poly1305.Overhead+MaxNameLength*utf8.UTFMax) + 5) / 6

	nameTokenOverhead = SaltSize + NonceSize + chacha20poly1305.Overhead
)

// nameEncoding is URL-safe so tokens are valid directory names
var nameEncoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// EncryptName encrypts a folder display name into a token of the form
// base64url(salt || nonce || ciphertext || tag). The key is derived with
// Argon2id under a fresh salt, so the same name never yields the same token.
func EncryptName(name string, password []byte) (string, error) {
	return encryptName(nil, name, password)
}

// DecryptName reverses EncryptName. It is used speculatively against
// arbitrary directory names, so every failure yields ("", false).
func DecryptName(token string, password []byte) (string, bool) {
	return decryptName(nil, token, password)
}

// LooksLikeToken is a cheap structural check run before the expensive key
// derivation of DecryptName. It only checks length and alphabet.
func LooksLikeToken(name string) bool {
	if len(name) < MinTokenLength || len(name) > MaxTokenLength {
		return false
	}
	// Unpadded base64 never leaves a single trailing character.
	if len(name)%4 == 1 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func encryptName(reg *SecretRegistry, name string, password []byte) (string, error) {
	if n := utf8.RuneCountInString(name); n > MaxNameLength {
		return "", fmt.Errorf("%w: %d characters, maximum is %d", ErrNameTooLong, n, MaxNameLength)
	}
	if !utf8.ValidString(name) {
		return "", NewValidationError("name", nil, "name is not valid UTF-8")
	}

	salt, err := randomBytes(SaltSize)
	if err != nil {
		return "", err
	}
	nonce, err := randomBytes(NonceSize)
	if err != nil {
		return "", err
	}

	aead, err := nameCipher(reg, password, salt)
	if err != nil {
		return "", err
	}

	plain := reg.Adopt([]byte(name))
	defer plain.Destroy()

	out := make([]byte, 0, nameTokenOverhead+len(name))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain.Bytes(), nil)

	return nameEncoding.EncodeToString(out), nil
}

func decryptName(reg *SecretRegistry, token string, password []byte) (string, bool) {
	if !LooksLikeToken(token) {
		return "", false
	}
	raw, err := nameEncoding.DecodeString(token)
	if err != nil || len(raw) < nameTokenOverhead {
		return "", false
	}

	salt := raw[:SaltSize]
	nonce := raw[SaltSize : SaltSize+NonceSize]
	ciphertext := raw[SaltSize+NonceSize:]

	aead, err := nameCipher(reg, password, salt)
	if err != nil {
		return "", false
	}

	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", false
	}
	buf := reg.Adopt(plain)
	defer buf.Destroy()

	if !utf8.Valid(plain) || utf8.RuneCount(plain) > MaxNameLength {
		return "", false
	}
	return string(plain), true
}

// nameCipher derives the per-token key and returns the AEAD keyed with it.
// The raw key is wiped before returning.
func nameCipher(reg *SecretRegistry, password, salt []byte) (cipher.AEAD, error) {
	key, err := deriveSecret(reg, NewArgon2idDeriver(), password, salt, 0)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}
	return aead, nil
}
