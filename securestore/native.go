package securestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"tearleads.dev/keyhold/audit"
)

// NativeStore implements Provider on the operating system keystore, with
// wrapped-key reads optionally gated behind a biometric confirmation.
//
// Credentials are keyed by (service, account) in the OS keyring, where the
// service carries the application prefix plus credential type and the account
// is the instance ID. The keyring stores strings, so raw credential bytes are
// base64-encoded on the way in.
type NativeStore struct {
	bridge BiometricBridge
	audit  audit.Logger
}

// NewNativeStore creates a native keystore provider. bridge may be nil when
// the platform has no biometric surface; biometric-gated reads then resolve
// to nil. auditLogger may be nil.
func NewNativeStore(bridge BiometricBridge, auditLogger audit.Logger) *NativeStore {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &NativeStore{
		bridge: bridge,
		audit:  auditLogger,
	}
}

func (ns *NativeStore) Name() string {
	return "native"
}

func (ns *NativeStore) StoreWrappingKey(ctx context.Context, instanceID string, data []byte) error {
	return ns.store(ctx, CredentialWrappingKey, instanceID, data)
}

func (ns *NativeStore) StoreWrappedKey(ctx context.Context, instanceID string, data []byte) error {
	return ns.store(ctx, CredentialWrappedKey, instanceID, data)
}

func (ns *NativeStore) store(ctx context.Context, credentialType, instanceID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if instanceID == "" {
		return fmt.Errorf("instance ID is required")
	}
	if len(data) == 0 {
		return fmt.Errorf("credential data cannot be empty")
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	if err := keyring.Set(credentialService(credentialType), instanceID, encoded); err != nil {
		return fmt.Errorf("failed to store %s credential: %w", credentialType, err)
	}
	return nil
}

// RetrieveWrappingKey never attempts biometric confirmation: the wrapping key
// is useless without the wrapped key.
func (ns *NativeStore) RetrieveWrappingKey(ctx context.Context, instanceID string) ([]byte, error) {
	return ns.retrieve(ctx, CredentialWrappingKey, instanceID)
}

func (ns *NativeStore) RetrieveWrappedKey(ctx context.Context, instanceID string, opts RetrieveOptions) ([]byte, error) {
	if opts.UseBiometric {
		if ns.bridge == nil {
			ns.audit.Log("biometric_gate", false, map[string]interface{}{
				"instance_id": instanceID,
				"reason":      "no bridge configured",
			})
			return nil, nil
		}

		if err := ns.bridge.Confirm(ctx, opts.Reason); err != nil {
			// Declined, cancelled, and bridge failures all resolve
			// to "no credential" so the caller falls back to
			// password entry.
			ns.audit.Log("biometric_gate", false, map[string]interface{}{
				"instance_id": instanceID,
				"declined":    errors.Is(err, ErrConfirmationDeclined),
				"error":       err.Error(),
			})
			return nil, nil
		}
	}

	return ns.retrieve(ctx, CredentialWrappedKey, instanceID)
}

func (ns *NativeStore) retrieve(ctx context.Context, credentialType, instanceID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoded, err := keyring.Get(credentialService(credentialType), instanceID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to retrieve %s credential: %w", credentialType, err)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Corrupt entry: treat as absent rather than surfacing a
		// decode error the caller cannot act on.
		ns.audit.Log("credential_decode", false, map[string]interface{}{
			"instance_id": instanceID,
			"credential":  credentialType,
		})
		return nil, nil
	}

	return data, nil
}

// HasSession checks only the wrapped key credential and never prompts.
func (ns *NativeStore) HasSession(ctx context.Context, instanceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := keyring.Get(credentialService(CredentialWrappedKey), instanceID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return true, nil
}

func (ns *NativeStore) ClearSession(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var firstErr error
	for _, credentialType := range []string{CredentialWrappingKey, CredentialWrappedKey} {
		err := keyring.Delete(credentialService(credentialType), instanceID)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to delete %s credential: %w", credentialType, err)
			}
		}
	}
	return firstErr
}

// BiometricAvailability probes the bridge. The probe itself can fail
// transiently (bridge not yet initialized at cold start); such failures are
// reported as unavailable with the Transient hint set, never propagated.
func (ns *NativeStore) BiometricAvailability(ctx context.Context) Availability {
	if ns.bridge == nil {
		return Availability{Available: false}
	}

	availability, err := ns.bridge.Probe(ctx)
	if err != nil {
		ns.audit.Log("biometric_probe", false, map[string]interface{}{
			"error": err.Error(),
		})
		return Availability{Available: false, Transient: true}
	}
	return availability
}

func (ns *NativeStore) Close() error {
	return nil
}
