// Package vaultbox turns a file, an optional thumbnail and an optional note
// into one password-protected container, and opens such containers again
// without ever holding a large file in memory.
//
// # Overview
//
// An Engine creates and opens containers over plain io.Writer and io.Reader
// values. A Store layers the engine on top of an absfs.FileSystem, writing
// containers atomically and keeping folder names encrypted.
//
//	engine, err := vaultbox.NewEngine(&vaultbox.Config{})
//	if err != nil {
//	    panic(err)
//	}
//
//	info, err := engine.Create(out, &vaultbox.CreateRequest{
//	    File:         f,
//	    FileSize:     size,
//	    OriginalName: "holiday.mp4",
//	    Password:     []byte("correct horse"),
//	})
//
//	c, err := engine.Open(in, []byte("correct horse"))
//	if vaultbox.IsWrongPassword(err) {
//	    // prompt again
//	}
//	defer c.Close()
//	file, err := c.FileStream(vaultbox.FileStreaming)
//
// # Container Format
//
// All integers are big-endian.
//   - Version (4 bytes): container format version, currently 3
//   - Salt (16 bytes): random salt for key derivation
//   - Nonce (12 bytes): random nonce for the body cipher
//   - Packed word (4 bytes): flags in the top 3 bits (AEAD, streaming,
//     Argon2id), PBKDF2 iteration count in the low 29 bits
//   - Check bytes (12 bytes): legacy containers only
//   - Body
//
// The body plaintext is a newline, a JSON metadata object, a newline, then
// a sequence of sections (FILE, optional THUMBNAIL, optional NOTE), each a
// type byte and a 4-byte length followed by its content, terminated by a
// single END byte.
//
// # Body Modes
//
// AEAD: the whole body is sealed with AES-256-GCM under the header nonce,
// with the 36 fixed header bytes as associated data. Used when the payload
// is at most Settings.SizeThreshold (50 MiB by default).
//
// Streaming: the body is a 24-byte stream header followed by
// XChaCha20-Poly1305 chunks of DefaultChunkSize plaintext bytes. Chunk keys
// come from HKDF-SHA256 over the container key and the stream header. Every
// chunk is authenticated before any of its plaintext is returned, and the
// last chunk is marked final so truncation is detected.
//
// Legacy: unauthenticated ChaCha20 with check bytes that catch a wrong
// password. These containers can be opened but are never written.
//
// # Key Derivation
//
// PBKDF2-HMAC-SHA512 with the iteration count stored in the header, or
// Argon2id (time 3, memory 64 MiB, parallelism 4) when enabled in Settings.
//
// # Memory Hygiene
//
// Keys, passwords fed to KDFs, and plaintext buffers live in SecretBuffers
// that are zeroed when released. All buffers of an engine are tracked by its
// SecretRegistry, whose WipeAll clears whatever is still resident.
package vaultbox
