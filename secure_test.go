package vaultbox

import (
	"sync"
	"testing"
)

func TestSecretBuffer_Destroy(t *testing.T) {
	reg := NewSecretRegistry()
	b := reg.NewBuffer(32)
	data := b.Bytes()
	for i := range data {
		data[i] = 0xAA
	}

	b.Destroy()
	for i, v := range data {
		if v != 0 {
			t.Fatalf("byte %d = %#x after Destroy, want 0", i, v)
		}
	}
	if b.Bytes() != nil || b.Len() != 0 || !b.Destroyed() {
		t.Error("destroyed buffer should expose no data")
	}
	if reg.Live() != 0 {
		t.Errorf("Live() = %d, want 0", reg.Live())
	}

	// Idempotent, and nil-safe.
	b.Destroy()
	var nilBuf *SecretBuffer
	nilBuf.Destroy()
}

func TestSecretRegistry_WipeAll(t *testing.T) {
	reg := NewSecretRegistry()

	var raw [][]byte
	for i := 0; i < 5; i++ {
		b := reg.NewBuffer(16)
		copy(b.Bytes(), "sensitive-bytes!")
		raw = append(raw, b.Bytes())
	}
	adopted := reg.Adopt([]byte("adopted secret"))
	raw = append(raw, adopted.Bytes())

	if reg.Live() != 6 {
		t.Fatalf("Live() = %d, want 6", reg.Live())
	}
	if n := reg.WipeAll(); n != 6 {
		t.Errorf("WipeAll() = %d, want 6", n)
	}
	if reg.Live() != 0 {
		t.Errorf("Live() = %d after WipeAll, want 0", reg.Live())
	}
	for i, b := range raw {
		for _, v := range b {
			if v != 0 {
				t.Fatalf("buffer %d not wiped", i)
			}
		}
	}
	if !adopted.Destroyed() {
		t.Error("adopted buffer should be marked destroyed")
	}

	// Destroy after WipeAll is a no-op.
	adopted.Destroy()
}

func TestSecretBuffer_Untracked(t *testing.T) {
	b := NewSecretBuffer(8)
	if b.Len() != 8 {
		t.Errorf("Len() = %d, want 8", b.Len())
	}
	b.Destroy()
	if !b.Destroyed() {
		t.Error("Destroyed() = false")
	}
}

func TestSecretRegistry_Concurrent(t *testing.T) {
	reg := NewSecretRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b := reg.NewBuffer(64)
				b.Destroy()
			}
		}()
	}
	wg.Wait()
	if reg.Live() != 0 {
		t.Errorf("Live() = %d, want 0", reg.Live())
	}
}

func TestZero(t *testing.T) {
	b := []byte("plaintext")
	Zero(b)
	for _, v := range b {
		if v != 0 {
			t.Fatal("Zero() left non-zero bytes")
		}
	}
	Zero(nil)
}
