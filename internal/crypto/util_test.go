package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/awnumar/memguard"

	"tearleads.dev/keyhold/internal/misc"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	saltCopy := make([]byte, len(salt))
	copy(saltCopy, salt)

	enclave1 := memguard.NewEnclave(salt)
	enclave2 := memguard.NewEnclave(saltCopy)

	key1, err := DeriveKey([]byte("correct-horse"), enclave1)
	if err != nil {
		t.Fatalf("First derivation failed: %v", err)
	}
	defer key1.Destroy()

	key2, err := DeriveKey([]byte("correct-horse"), enclave2)
	if err != nil {
		t.Fatalf("Second derivation failed: %v", err)
	}
	defer key2.Destroy()

	if !bytes.Equal(key1.Bytes(), key2.Bytes()) {
		t.Error("Same password and salt produced different keys")
	}

	if len(key1.Bytes()) != int(misc.ArgonKeyLen) {
		t.Errorf("Derived key length = %d, want %d", len(key1.Bytes()), misc.ArgonKeyLen)
	}
}

func TestDeriveKeyPasswordSensitive(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}
	saltCopy := make([]byte, len(salt))
	copy(saltCopy, salt)

	key1, err := DeriveKey([]byte("password-one"), memguard.NewEnclave(salt))
	if err != nil {
		t.Fatalf("Derivation failed: %v", err)
	}
	defer key1.Destroy()

	key2, err := DeriveKey([]byte("password-two"), memguard.NewEnclave(saltCopy))
	if err != nil {
		t.Fatalf("Derivation failed: %v", err)
	}
	defer key2.Destroy()

	if bytes.Equal(key1.Bytes(), key2.Bytes()) {
		t.Error("Different passwords produced the same key")
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	wrappingKey, err := GenerateWrappingKey()
	if err != nil {
		t.Fatalf("Failed to generate wrapping key: %v", err)
	}

	dataKey := make([]byte, misc.DataKeySize)
	if _, err = rand.Read(dataKey); err != nil {
		t.Fatalf("Failed to generate data key: %v", err)
	}

	wrapped, err := WrapKey(wrappingKey, dataKey)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	if bytes.Contains(wrapped, dataKey) {
		t.Error("Wrapped blob contains the raw data key")
	}

	unwrapped, err := UnwrapKey(wrappingKey, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}

	if !bytes.Equal(unwrapped, dataKey) {
		t.Error("Unwrapped key does not match original")
	}
}

func TestUnwrapWithWrongKeyFails(t *testing.T) {
	wrappingKey, _ := GenerateWrappingKey()
	otherKey, _ := GenerateWrappingKey()

	dataKey := make([]byte, misc.DataKeySize)
	rand.Read(dataKey)

	wrapped, err := WrapKey(wrappingKey, dataKey)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	if _, err = UnwrapKey(otherKey, wrapped); err == nil {
		t.Error("Unwrap with wrong wrapping key succeeded")
	}
}

func TestUnwrapTamperedBlobFails(t *testing.T) {
	wrappingKey, _ := GenerateWrappingKey()
	dataKey := make([]byte, misc.DataKeySize)
	rand.Read(dataKey)

	wrapped, err := WrapKey(wrappingKey, dataKey)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	wrapped[len(wrapped)-1] ^= 0xFF

	if _, err = UnwrapKey(wrappingKey, wrapped); err == nil {
		t.Error("Unwrap of tampered blob succeeded")
	}
}

func TestUnwrapShortBlobFails(t *testing.T) {
	wrappingKey, _ := GenerateWrappingKey()

	if _, err := UnwrapKey(wrappingKey, []byte{0x01, 0x02}); err == nil {
		t.Error("Unwrap of truncated blob succeeded")
	}
}

func TestVerifier(t *testing.T) {
	key := make([]byte, misc.DataKeySize)
	rand.Read(key)

	verifier := ComputeVerifier(key)
	if len(verifier) != misc.VerifierSize {
		t.Errorf("Verifier length = %d, want %d", len(verifier), misc.VerifierSize)
	}

	if !VerifyKey(key, verifier) {
		t.Error("Correct key failed verification")
	}

	other := make([]byte, misc.DataKeySize)
	rand.Read(other)
	if VerifyKey(other, verifier) {
		t.Error("Wrong key passed verification")
	}

	// Truncated or oversized verifiers never match
	if VerifyKey(key, verifier[:misc.VerifierSize-1]) {
		t.Error("Truncated verifier passed verification")
	}
}

func TestVerifierDeterministic(t *testing.T) {
	key := make([]byte, misc.DataKeySize)
	rand.Read(key)

	if !bytes.Equal(ComputeVerifier(key), ComputeVerifier(key)) {
		t.Error("Verifier is not deterministic for the same key")
	}
}
