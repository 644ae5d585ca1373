package vaultbox

import (
	"sync"
)

// maxLockedSize bounds the buffers we try to pin in RAM. Larger buffers
// would exceed RLIMIT_MEMLOCK on most systems anyway.
const maxLockedSize = 1 << 20

// Zero overwrites a byte slice with zeros.
func Zero(b []byte) {
	clear(b)
}

// SecretRegistry tracks every live SecretBuffer handed out by an engine so
// that a higher layer can force-clear them, e.g. when the application is
// sent to the background.
type SecretRegistry struct {
	mu   sync.Mutex
	live map[*SecretBuffer]struct{}
}

// NewSecretRegistry creates an empty registry
func NewSecretRegistry() *SecretRegistry {
	return &SecretRegistry{live: make(map[*SecretBuffer]struct{})}
}

// NewBuffer allocates a zeroed secret buffer of the given size
func (r *SecretRegistry) NewBuffer(size int) *SecretBuffer {
	return r.Adopt(make([]byte, size))
}

// Adopt takes ownership of b. The caller must not keep other references to it.
func (r *SecretRegistry) Adopt(b []byte) *SecretBuffer {
	sb := &SecretBuffer{data: b, reg: r}
	if len(b) > 0 && len(b) <= maxLockedSize {
		sb.locked = lockMemory(b) == nil
	}
	if r != nil {
		r.mu.Lock()
		r.live[sb] = struct{}{}
		r.mu.Unlock()
	}
	return sb
}

// Live returns the number of buffers that have not been destroyed
func (r *SecretRegistry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// WipeAll zeroes and releases every live buffer and returns how many were
// wiped. Operations still using those buffers will fail or produce garbage;
// callers use this only once they have abandoned in-flight work.
func (r *SecretRegistry) WipeAll() int {
	r.mu.Lock()
	bufs := make([]*SecretBuffer, 0, len(r.live))
	for sb := range r.live {
		bufs = append(bufs, sb)
	}
	r.live = make(map[*SecretBuffer]struct{})
	r.mu.Unlock()

	for _, sb := range bufs {
		sb.wipe()
	}
	return len(bufs)
}

func (r *SecretRegistry) forget(sb *SecretBuffer) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.live, sb)
	r.mu.Unlock()
}

// SecretBuffer owns a byte slice holding key material or plaintext and
// guarantees it is zeroed when Destroy is called. Destroy is idempotent,
// so it is safe to both defer it and call it early.
type SecretBuffer struct {
	mu        sync.Mutex
	data      []byte
	reg       *SecretRegistry
	locked    bool
	destroyed bool
}

// NewSecretBuffer allocates a buffer that is not tracked by any registry
func NewSecretBuffer(size int) *SecretBuffer {
	var r *SecretRegistry
	return r.Adopt(make([]byte, size))
}

// Bytes returns the underlying slice, or nil once destroyed
func (b *SecretBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil
	}
	return b.data
}

// Len returns the buffer length, or 0 once destroyed
func (b *SecretBuffer) Len() int {
	return len(b.Bytes())
}

// Destroyed reports whether the buffer has been wiped
func (b *SecretBuffer) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// Destroy zeroes the buffer and removes it from its registry
func (b *SecretBuffer) Destroy() {
	if b == nil {
		return
	}
	b.wipe()
	b.reg.forget(b)
}

func (b *SecretBuffer) wipe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	Zero(b.data)
	if b.locked {
		_ = unlockMemory(b.data)
		b.locked = false
	}
	b.data = nil
	b.destroyed = true
}
