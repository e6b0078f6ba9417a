package keyhold

import "errors"

// Sentinel errors returned by Manager operations. Wrong password and
// call-order violations are expected, recoverable outcomes; callers match
// them with errors.Is and adjust, rather than treating them as faults.
var (
	// ErrAlreadySetUp is returned by SetupNewKey when derivation material
	// already exists for the instance.
	ErrAlreadySetUp = errors.New("instance already set up")

	// ErrNotSetUp is returned by UnlockWithPassword and ChangePassword
	// when no derivation material exists for the instance.
	ErrNotSetUp = errors.New("instance not set up")

	// ErrNotUnlocked is returned by PersistSession when no data key is
	// currently held in memory.
	ErrNotUnlocked = errors.New("no data key in memory")

	// ErrWrongPassword is returned when a candidate password derives a
	// key that fails confirmation. It is a validation outcome, not an
	// I/O failure; no state is mutated.
	ErrWrongPassword = errors.New("password verification failed")
)
