package keyhold

import (
	"fmt"
	"path/filepath"

	"tearleads.dev/keyhold/audit"
	"tearleads.dev/keyhold/securestore"
)

// Options configures a ManagerSet and the Managers it hands out.
//
// Everything here is operational configuration; no secret material passes
// through Options. Passwords are supplied per call to the Manager operations
// that need them, and session key bytes are owned by the secure storage
// provider.
type Options struct {
	// BasePath is the root directory for per-instance derivation records
	// (salt, parameters, key confirmation value). Created on first use
	// with owner-only permissions.
	BasePath string `json:"base_path"`

	// SecureStoreType selects the session storage variant. Leave empty
	// to probe the platform once at startup and pick the native keystore
	// when it is usable, the embedded store otherwise.
	SecureStoreType securestore.ProviderType `json:"secure_store_type"`

	// EmbeddedStorePath is the database path for the embedded session
	// store. Defaults to a file under BasePath.
	EmbeddedStorePath string `json:"embedded_store_path"`

	// TrackerPath is the database path for the instance tracker.
	// Defaults to a file under BasePath.
	TrackerPath string `json:"tracker_path"`

	// Bridge is the platform biometric confirmation surface. May be nil;
	// biometric-gated session restores then resolve to no session and
	// callers fall back to password entry.
	Bridge securestore.BiometricBridge `json:"-"`

	// AuditConfig enables the audit trail. Nil or disabled means no-op
	// logging.
	AuditConfig *audit.Config `json:"audit,omitempty"`

	// EnableMemoryLock requests locking process memory so key material
	// cannot be swapped to disk. Best effort; the achieved protection
	// level is logged, not enforced.
	EnableMemoryLock bool `json:"enable_memory_lock"`
}

// DefaultOptions returns Options rooted at baseDir with the embedded store
// and tracker placed alongside the derivation records.
func DefaultOptions(baseDir string) Options {
	return Options{
		BasePath:          baseDir,
		SecureStoreType:   securestore.ProviderTypeAuto,
		EmbeddedStorePath: filepath.Join(baseDir, "sessions.db"),
		TrackerPath:       filepath.Join(baseDir, "tracker.db"),
		EnableMemoryLock:  true,
	}
}

// Validate checks the options for internal consistency and fills derivable
// defaults in place.
func (o *Options) Validate() error {
	if o.BasePath == "" {
		return fmt.Errorf("base path is required")
	}
	if o.EmbeddedStorePath == "" {
		o.EmbeddedStorePath = filepath.Join(o.BasePath, "sessions.db")
	}
	if o.TrackerPath == "" {
		o.TrackerPath = filepath.Join(o.BasePath, "tracker.db")
	}
	switch o.SecureStoreType {
	case securestore.ProviderTypeAuto, securestore.ProviderTypeNative, securestore.ProviderTypeEmbedded:
	default:
		return fmt.Errorf("unsupported secure store type: %s", o.SecureStoreType)
	}
	return nil
}
