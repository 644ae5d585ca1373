package vaultbox

import (
	"errors"
	"strings"
	"testing"
)

// TestParallelProbePanicRecovery tests that panics in name probe workers are recovered
func TestParallelProbePanicRecovery(t *testing.T) {
	// A store without an engine panics on the first probe.
	s := &Store{
		parallel: ParallelConfig{Enabled: true, MaxWorkers: 4, MinJobsForParallel: 2},
	}

	jobs := make([]nameJob, 8)
	for i := range jobs {
		jobs[i] = nameJob{index: i, token: strings.Repeat("A", MinTokenLength+1)}
	}

	err := s.probeNames(jobs, []byte("pw"))
	if err == nil {
		t.Fatal("Expected error from panic recovery, got nil")
	}
	if !strings.Contains(err.Error(), "panic in name probe worker") {
		t.Errorf("Expected panic error message, got: %v", err)
	}
}

// TestParallelProbeNoPanic tests that normal probing works without panics
func TestParallelProbeNoPanic(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	s := &Store{
		engine:   e,
		parallel: ParallelConfig{Enabled: true, MaxWorkers: 2, MinJobsForParallel: 2},
	}

	token, err := e.EncryptName("Inbox", []byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	jobs := []nameJob{
		{index: 0, token: token},
		{index: 1, token: strings.Repeat("A", MinTokenLength+1)},
		{index: 2, token: "not a token"},
	}

	if err := s.probeNames(jobs, []byte("pw")); err != nil {
		t.Fatalf("probeNames() error = %v", err)
	}
	if !jobs[0].ok || jobs[0].name != "Inbox" {
		t.Errorf("job 0 = %+v, want Inbox", jobs[0])
	}
	if jobs[1].ok || jobs[2].ok {
		t.Error("non-tokens must not decrypt")
	}
}

// TestKDFPanicRecovery tests that a panic inside a KDF primitive surfaces as an error
func TestKDFPanicRecovery(t *testing.T) {
	d := &Argon2idDeriver{Params: Argon2idParams{
		Memory:      8,
		Iterations:  0, // argon2 panics on zero rounds
		Parallelism: 1,
		KeySize:     KeySize,
	}}

	key, err := d.DeriveKey([]byte("pw"), make([]byte, SaltSize), 0)
	if err == nil {
		t.Fatal("Expected error from panic recovery, got nil")
	}
	if key != nil {
		t.Error("no key material should be returned")
	}

	var kde *KeyDerivationError
	if !errors.As(err, &kde) || kde.KDF != KDFArgon2id {
		t.Errorf("error = %v, want Argon2id KeyDerivationError", err)
	}
	if !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("error = %v, want ErrKeyDerivation", err)
	}

	reg := NewSecretRegistry()
	if _, err := deriveSecret(reg, d, []byte("pw"), make([]byte, SaltSize), 0); !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("deriveSecret() error = %v, want ErrKeyDerivation", err)
	}
	if reg.Live() != 0 {
		t.Errorf("password copy left live after failed derivation")
	}
}
