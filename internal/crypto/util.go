package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"tearleads.dev/keyhold/internal/misc"
)

// verifierLabel is the fixed message the key confirmation value is computed
// over. Changing it invalidates every stored verifier.
var verifierLabel = []byte("keyhold/kcv/v1")

// GenerateSalt produces a new random derivation salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateWrappingKey produces a new random key-encrypting-key for session
// persistence. The wrapping key is independent of the password.
func GenerateWrappingKey() ([]byte, error) {
	key := make([]byte, misc.WrappingKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate wrapping key: %w", err)
	}
	return key, nil
}

// DeriveKey derives the data key from a password and a protected salt using
// Argon2id with the current default parameters. The returned buffer is
// memguard-protected; callers destroy it.
func DeriveKey(password []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	return DeriveKeyWithParams(password, saltEnclave,
		misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
}

// DeriveKeyWithParams derives the data key with explicit Argon2id parameters.
// Derivation records pin the parameters in force at setup time, so unlocking
// must use the recorded values rather than the current defaults.
func DeriveKeyWithParams(password []byte, saltEnclave *memguard.Enclave, time, memory uint32, threads uint8, keyLen uint32) (*memguard.LockedBuffer, error) {
	// Open the salt enclave
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy() // Clean up salt buffer

	// Make a copy of salt bytes to avoid issues with concurrent access
	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	// Derive the key
	derivedKey := argon2.IDKey(
		password,
		saltBytes,
		time,
		memory,
		threads,
		keyLen,
	)

	// Protect the derived key immediately
	protectedKey := memguard.NewBufferFromBytes(derivedKey)

	// Wipe the unprotected derived key
	memguard.WipeBytes(derivedKey)

	return protectedKey, nil
}

// WrapKey encrypts the data key under the wrapping key with ChaCha20-Poly1305.
// Output layout: nonce || ciphertext+tag.
func WrapKey(wrappingKey, dataKey []byte) ([]byte, error) {
	// Create cipher
	aead, err := chacha20poly1305.New(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt the key
	ciphertext := aead.Seal(nil, nonce, dataKey, nil)

	// Combine nonce and ciphertext
	wrapped := make([]byte, len(nonce)+len(ciphertext))
	copy(wrapped[:len(nonce)], nonce)
	copy(wrapped[len(nonce):], ciphertext)

	return wrapped, nil
}

// UnwrapKey decrypts a wrapped data key. Authentication failure means the
// wrapping key is wrong or the stored bytes are corrupt.
func UnwrapKey(wrappingKey, wrapped []byte) ([]byte, error) {
	// Create the AEAD cipher using the key
	aead, err := chacha20poly1305.New(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Validate input
	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("wrapped key too short")
	}

	// Extract the nonce from the beginning of the wrapped data
	nonceSize := aead.NonceSize()
	nonce := wrapped[:nonceSize]
	ciphertext := wrapped[nonceSize:]

	// Decrypt the key
	dataKey, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return dataKey, nil
}

// ComputeVerifier derives the key confirmation value for a candidate key.
// The verifier is deterministic for a given key and reveals nothing useful
// about it: HMAC-SHA256 over a fixed label, truncated.
func ComputeVerifier(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(verifierLabel)
	sum := mac.Sum(nil)
	return sum[:misc.VerifierSize]
}

// VerifyKey reports whether the candidate key matches the stored verifier.
// Comparison is constant-time.
func VerifyKey(key, verifier []byte) bool {
	if len(verifier) != misc.VerifierSize {
		return false
	}
	return hmac.Equal(ComputeVerifier(key), verifier)
}
