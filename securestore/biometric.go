package securestore

import (
	"context"
	"errors"
)

// BiometricBridge is the platform biometric-confirmation surface consumed by
// the native store. Implementations cross a process or IPC boundary and may
// fail transiently, particularly at cold start before the bridge is ready.
type BiometricBridge interface {
	// Probe reports whether a biometric confirmation can be performed
	// right now and, when known, which mechanism would be used.
	Probe(ctx context.Context) (Availability, error)

	// Confirm blocks on a platform confirmation prompt. It returns
	// ErrConfirmationDeclined when the user declines or cancels, and any
	// other error when the prompt could not be shown at all.
	Confirm(ctx context.Context, reason string) error
}

// ErrConfirmationDeclined reports that the user declined or cancelled the
// biometric prompt. The native store maps it to a nil credential so callers
// fall back to password entry.
var ErrConfirmationDeclined = errors.New("biometric confirmation declined")
