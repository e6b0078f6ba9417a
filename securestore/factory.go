package securestore

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zalando/go-keyring"

	"tearleads.dev/keyhold/audit"
)

// ProviderType selects a storage variant.
type ProviderType string

const (
	// ProviderTypeAuto probes the platform once and picks the native
	// keystore when it is usable, the embedded store otherwise.
	ProviderTypeAuto     ProviderType = ""
	ProviderTypeNative   ProviderType = "native"
	ProviderTypeEmbedded ProviderType = "embedded"
)

// Config configures provider construction.
type Config struct {
	// Type selects the variant; ProviderTypeAuto probes at startup.
	Type ProviderType `json:"type"`

	// EmbeddedPath is the bbolt database path for the embedded variant
	// (and the auto fallback).
	EmbeddedPath string `json:"embedded_path"`

	// Bridge is the platform biometric surface for the native variant.
	Bridge BiometricBridge `json:"-"`

	// Audit receives provider-level events. May be nil.
	Audit audit.Logger `json:"-"`
}

// NewProvider creates the configured storage variant. The variant is decided
// here, once; business logic above never branches on platform.
func NewProvider(config Config) (Provider, error) {
	switch config.Type {
	case ProviderTypeNative:
		return NewNativeStore(config.Bridge, config.Audit), nil

	case ProviderTypeEmbedded:
		return NewEmbeddedStore(config.EmbeddedPath, config.Audit)

	case ProviderTypeAuto:
		if nativeKeystoreUsable() {
			return NewNativeStore(config.Bridge, config.Audit), nil
		}
		if config.EmbeddedPath == "" {
			return nil, fmt.Errorf("native keystore unavailable and no embedded store path configured")
		}
		return NewEmbeddedStore(config.EmbeddedPath, config.Audit)

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", config.Type)
	}
}

// nativeKeystoreUsable probes the OS keyring with a throwaway credential.
// Some platforms expose the keyring API but fail at runtime (no dbus session,
// locked login keychain), so a round trip is the only reliable probe.
func nativeKeystoreUsable() bool {
	service := credentialService("probe")
	account := uuid.NewString()

	if err := keyring.Set(service, account, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(service, account)
	return true
}
