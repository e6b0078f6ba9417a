// Package securestore persists session credentials (wrapping key and wrapped
// key bytes) in platform secure storage. Two variants exist behind one
// interface: a native OS keystore that can gate reads behind a biometric
// confirmation, and an embedded key-value store with no biometric concept.
// Callers never branch on which variant is active.
package securestore

import (
	"context"
	"fmt"
)

// CredentialPrefix namespaces every credential written by this library so
// that entries never collide with other applications sharing the device
// keystore.
const CredentialPrefix = "keyhold"

// Credential types stored per instance. The wrapping key is useless without
// the wrapped key, so it is never biometric-gated; the wrapped key's presence
// is what defines "a session exists".
const (
	CredentialWrappingKey = "wrapping_key"
	CredentialWrappedKey  = "wrapped_key"
)

// RetrieveOptions controls how the wrapped key credential is read.
type RetrieveOptions struct {
	// UseBiometric requests a biometric confirmation before the credential
	// is released. On stores without biometric support the read resolves
	// to nil so the caller falls back to password entry.
	UseBiometric bool

	// Reason is shown to the user in the platform confirmation prompt.
	Reason string
}

// Availability reports the result of a biometric capability probe.
type Availability struct {
	// Available is true when the platform can perform a biometric
	// confirmation right now.
	Available bool `json:"is_available"`

	// BiometryType names the mechanism when known ("fingerprint",
	// "face", ...). Empty when unavailable.
	BiometryType string `json:"biometry_type,omitempty"`

	// Transient is a hint that the probe itself failed (bridge not ready
	// at cold start) rather than the platform cleanly reporting no
	// support. Callers may retry; they must not treat Available=false as
	// permanent either way.
	Transient bool `json:"transient,omitempty"`
}

// Provider is the capability contract both storage variants implement.
//
// Retrieval methods return (nil, nil) for credentials that are absent and for
// biometric confirmations that are declined or unavailable; callers fall back
// to password entry in every such case, so no error taxonomy is useful there.
// Errors are reserved for unexpected storage faults.
type Provider interface {
	// StoreWrappingKey writes the wrapping key bytes for an instance,
	// overwriting any prior value.
	StoreWrappingKey(ctx context.Context, instanceID string, data []byte) error

	// StoreWrappedKey writes the wrapped data key bytes for an instance,
	// overwriting any prior value.
	StoreWrappedKey(ctx context.Context, instanceID string, data []byte) error

	// RetrieveWrappingKey reads the wrapping key bytes. It never requires
	// or attempts biometric confirmation.
	RetrieveWrappingKey(ctx context.Context, instanceID string) ([]byte, error)

	// RetrieveWrappedKey reads the wrapped data key bytes. When
	// opts.UseBiometric is set and the platform supports gating, the call
	// blocks on user confirmation; declined, cancelled, or unavailable
	// all resolve to (nil, nil).
	RetrieveWrappedKey(ctx context.Context, instanceID string, opts RetrieveOptions) ([]byte, error)

	// HasSession checks for the presence of the wrapped key credential
	// only. It must not trigger a biometric prompt as a side effect.
	HasSession(ctx context.Context, instanceID string) (bool, error)

	// ClearSession deletes both credentials for the instance. Missing
	// entries are tolerated without error.
	ClearSession(ctx context.Context, instanceID string) error

	// BiometricAvailability probes the platform. Probe failures are
	// reported as Available=false, never as an error.
	BiometricAvailability(ctx context.Context) Availability

	// Name identifies the variant for logging.
	Name() string

	// Close releases any resources held by the provider.
	Close() error
}

// credentialService builds the namespaced identifier for one credential type.
func credentialService(credentialType string) string {
	return fmt.Sprintf("%s.%s", CredentialPrefix, credentialType)
}
