// Package keyhold protects a local, per-profile database encryption key.
//
// A Manager owns the in-memory data key for one profile ("instance"). It
// derives the key from a password using Argon2id, confirms candidate keys
// against a stored key confirmation value, and can persist a session (the
// data key wrapped under a fresh random wrapping key) in platform secure
// storage so the profile survives a process restart without a password
// re-entry. A ManagerSet hands out Managers per instance and supports
// cleanup of sessions whose instance no longer exists.
package keyhold

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"tearleads.dev/keyhold/audit"
	"tearleads.dev/keyhold/internal/crypto"
	"tearleads.dev/keyhold/internal/mem"
	"tearleads.dev/keyhold/internal/misc"
	"tearleads.dev/keyhold/persist"
	"tearleads.dev/keyhold/securestore"
	"tearleads.dev/keyhold/tracker"
)

// memoryLockOnce guards the process-wide memory lock attempt. The lock is
// process scope, so one attempt serves every Manager in the process.
var memoryLockOnce sync.Once

// RestoreOptions controls a session restore attempt.
type RestoreOptions struct {
	// UseBiometric gates the wrapped key retrieval behind a platform
	// biometric confirmation where supported. Declined or unavailable
	// confirmations make the restore resolve to no session.
	UseBiometric bool

	// Reason is shown to the user in the platform confirmation prompt.
	Reason string
}

// KeyChange is the result of a successful password change. Both keys are
// returned so the caller can re-encrypt keyed material at rest; the manager
// holds NewKey as the current data key.
type KeyChange struct {
	OldKey *memguard.Enclave
	NewKey *memguard.Enclave
}

// Manager drives the key lifecycle for one instance. Create it through a
// ManagerSet, which supplies the shared storage dependencies.
//
// The manager assumes single-writer usage per instance: one profile is
// controlled by one manager, and callers serialize setup, unlock, password
// change, and clear against it. Operations on distinct instances are fully
// independent.
type Manager struct {
	mu sync.RWMutex

	instanceID string
	store      persist.Store
	secure     securestore.Provider
	tracker    tracker.Tracker
	audit      audit.Logger

	lockMemory  bool
	initialized bool

	// keyEnclave holds the data key while unlocked, nil otherwise. The
	// raw key exists outside the enclave only transiently during wrap,
	// unwrap, and verification.
	keyEnclave *memguard.Enclave
}

// NewManager assembles a manager from explicit dependencies. Most callers
// want ManagerSet instead; this constructor exists for embedding the manager
// into an application that already owns its stores.
func NewManager(instanceID string, store persist.Store, secure securestore.Provider, tr tracker.Tracker, auditLogger audit.Logger) (*Manager, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance ID is required")
	}
	if store == nil {
		return nil, fmt.Errorf("derivation store is required")
	}
	if secure == nil {
		return nil, fmt.Errorf("secure storage provider is required")
	}
	if tr == nil {
		tr = tracker.NewNoOpTracker()
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	return &Manager{
		instanceID: instanceID,
		store:      store,
		secure:     secure,
		tracker:    tr,
		audit:      auditLogger,
		lockMemory: true,
	}, nil
}

// InstanceID returns the profile identifier this manager serves.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Initialize prepares the manager for use. Idempotent; safe to call more
// than once. It attempts the process-wide memory lock and verifies the
// derivation store is reachable.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	if m.lockMemory {
		memoryLockOnce.Do(func() {
			level, err := mem.Lock()
			metadata := map[string]interface{}{
				"protection_level": level.String(),
			}
			if err != nil {
				metadata["error"] = err.Error()
			}
			_ = m.audit.Log("memory_lock", err == nil, metadata)
		})
	}

	if err := m.store.Ping(); err != nil {
		return fmt.Errorf("derivation store unavailable: %w", err)
	}

	m.initialized = true
	return nil
}

// HasExistingKey reports whether derivation material and a key confirmation
// value exist for this instance.
func (m *Manager) HasExistingKey(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return m.store.DerivationExists(m.instanceID)
}

// SetupNewKey creates the data key for a fresh instance. It generates a
// random salt, derives the key from the password, persists the derivation
// record with a key confirmation value, holds the key in memory, and returns
// it. Fails with ErrAlreadySetUp when derivation material already exists.
func (m *Manager) SetupNewKey(ctx context.Context, password string) (*memguard.Enclave, error) {
	requestID := m.newRequestID()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.store.DerivationExists(m.instanceID)
	if err != nil {
		m.logAudit(requestID, "setup_new_key", err, nil)
		return nil, fmt.Errorf("failed to check existing derivation: %w", err)
	}
	if exists {
		m.logAudit(requestID, "setup_new_key", ErrAlreadySetUp, nil)
		return nil, ErrAlreadySetUp
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		m.logAudit(requestID, "setup_new_key", err, nil)
		return nil, err
	}

	keyEnclave, verifier, err := deriveAndConfirm(password, salt, defaultParams())
	if err != nil {
		m.logAudit(requestID, "setup_new_key", err, nil)
		return nil, err
	}

	now := time.Now().UTC()
	record := &persist.DerivationRecord{
		Salt:      salt,
		Verifier:  verifier,
		Params:    defaultParams(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err = m.store.SaveDerivation(m.instanceID, record); err != nil {
		m.logAudit(requestID, "setup_new_key", err, nil)
		return nil, fmt.Errorf("failed to save derivation record: %w", err)
	}

	m.keyEnclave = keyEnclave
	m.logAudit(requestID, "setup_new_key", nil, nil)
	return m.keyEnclave, nil
}

// UnlockWithPassword re-derives the data key from the stored salt and the
// candidate password, confirms it against the stored key confirmation value,
// and holds it on success. Fails with ErrNotSetUp when no derivation
// material exists and ErrWrongPassword when confirmation fails.
func (m *Manager) UnlockWithPassword(ctx context.Context, password string) (*memguard.Enclave, error) {
	requestID := m.newRequestID()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.loadDerivation(requestID, "unlock_with_password")
	if err != nil {
		return nil, err
	}

	keyEnclave, err := deriveAndVerify(password, record)
	if err != nil {
		m.logAudit(requestID, "unlock_with_password", err, nil)
		return nil, err
	}

	m.keyEnclave = keyEnclave
	m.logAudit(requestID, "unlock_with_password", nil, nil)
	return m.keyEnclave, nil
}

// ChangePassword verifies the old password exactly as UnlockWithPassword,
// then generates fresh derivation material for the new password and replaces
// the stored record. Any persisted session is re-wrapped under a freshly
// generated wrapping key; if the re-wrap cannot be stored the session is
// cleared instead, so material wrapped under the old password never remains
// valid. On wrong old password nothing is mutated and ErrWrongPassword is
// returned. Both keys come back so the caller can re-encrypt data at rest;
// the manager holds the new key as current.
func (m *Manager) ChangePassword(ctx context.Context, oldPassword, newPassword string) (*KeyChange, error) {
	requestID := m.newRequestID()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.loadDerivation(requestID, "change_password")
	if err != nil {
		return nil, err
	}

	oldEnclave, err := deriveAndVerify(oldPassword, record)
	if err != nil {
		m.logAudit(requestID, "change_password", err, nil)
		return nil, err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		m.logAudit(requestID, "change_password", err, nil)
		return nil, err
	}

	newEnclave, verifier, err := deriveAndConfirm(newPassword, salt, defaultParams())
	if err != nil {
		m.logAudit(requestID, "change_password", err, nil)
		return nil, err
	}

	now := time.Now().UTC()
	newRecord := &persist.DerivationRecord{
		Salt:      salt,
		Verifier:  verifier,
		Params:    defaultParams(),
		CreatedAt: record.CreatedAt,
		UpdatedAt: now,
	}
	if err = m.store.SaveDerivation(m.instanceID, newRecord); err != nil {
		m.logAudit(requestID, "change_password", err, nil)
		return nil, fmt.Errorf("failed to save derivation record: %w", err)
	}

	m.keyEnclave = newEnclave
	m.rewrapSession(ctx, requestID)

	m.logAudit(requestID, "change_password", nil, nil)
	return &KeyChange{OldKey: oldEnclave, NewKey: newEnclave}, nil
}

// CurrentKey returns the held data key, or nil while locked. Memory-only;
// no I/O.
func (m *Manager) CurrentKey() *memguard.Enclave {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyEnclave
}

// ClearKey drops the in-memory data key. Persisted sessions and derivation
// material are untouched; UnlockWithPassword or RestoreSession bring the key
// back.
func (m *Manager) ClearKey() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyEnclave = nil
}

// Reset forgets the instance entirely: in-memory key, derivation material,
// persisted session, and tracker registration. Used for "forget this
// profile".
func (m *Manager) Reset(ctx context.Context) error {
	requestID := m.newRequestID()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.keyEnclave = nil

	if err := m.store.DeleteDerivation(m.instanceID); err != nil {
		m.logAudit(requestID, "reset", err, nil)
		return fmt.Errorf("failed to delete derivation record: %w", err)
	}

	if err := m.secure.ClearSession(ctx, m.instanceID); err != nil {
		m.logAudit(requestID, "reset", err, map[string]interface{}{
			"stage": "clear_session",
		})
		return fmt.Errorf("failed to clear session: %w", err)
	}

	m.untrack(ctx, requestID)

	m.logAudit(requestID, "reset", nil, nil)
	return nil
}

// PersistSession wraps the held data key under a freshly generated wrapping
// key and stores both credentials for this instance, then registers the
// instance with the tracker. Requires an unlocked manager (ErrNotUnlocked
// otherwise). Storage failures degrade to false rather than an error;
// losing the convenience of a persisted session must never block unlock
// flows, and the caller's only remedy is to carry on without one.
func (m *Manager) PersistSession(ctx context.Context) (bool, error) {
	requestID := m.newRequestID()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keyEnclave == nil {
		return false, ErrNotUnlocked
	}

	ok := m.persistSessionLocked(ctx, requestID, "persist_session")
	return ok, nil
}

// HasPersistedSession reports whether a wrapped key credential is stored for
// this instance. It never triggers a biometric prompt.
func (m *Manager) HasPersistedSession(ctx context.Context) (bool, error) {
	return m.secure.HasSession(ctx, m.instanceID)
}

// RestoreSession reconstructs the data key from a persisted session. The
// wrapping key retrieval is never biometric-gated; the wrapped key retrieval
// is gated iff opts.UseBiometric is set. Any missing credential, declined or
// unavailable confirmation, storage fault, unwrap failure, or key
// confirmation mismatch resolves to (nil, nil): every such outcome means "no
// usable session" and the caller falls back to password entry. On success
// the key is held and returned.
func (m *Manager) RestoreSession(ctx context.Context, opts RestoreOptions) (*memguard.Enclave, error) {
	requestID := m.newRequestID()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wrappingKey, err := m.secure.RetrieveWrappingKey(ctx, m.instanceID)
	if err != nil {
		m.logAudit(requestID, "restore_session", err, map[string]interface{}{
			"stage": "retrieve_wrapping_key",
		})
		return nil, nil
	}
	if wrappingKey == nil {
		return nil, nil
	}
	defer memguard.WipeBytes(wrappingKey)

	wrapped, err := m.secure.RetrieveWrappedKey(ctx, m.instanceID, securestore.RetrieveOptions{
		UseBiometric: opts.UseBiometric,
		Reason:       opts.Reason,
	})
	if err != nil {
		m.logAudit(requestID, "restore_session", err, map[string]interface{}{
			"stage": "retrieve_wrapped_key",
		})
		return nil, nil
	}
	if wrapped == nil {
		return nil, nil
	}

	dataKey, err := crypto.UnwrapKey(wrappingKey, wrapped)
	if err != nil {
		// Corrupt or mismatched stored material is no usable session
		m.logAudit(requestID, "restore_session", err, map[string]interface{}{
			"stage": "unwrap",
		})
		return nil, nil
	}

	record, err := m.store.LoadDerivation(m.instanceID)
	if err != nil {
		memguard.WipeBytes(dataKey)
		m.logAudit(requestID, "restore_session", err, map[string]interface{}{
			"stage": "load_derivation",
		})
		return nil, nil
	}
	if !crypto.VerifyKey(dataKey, record.Verifier) {
		memguard.WipeBytes(dataKey)
		m.logAudit(requestID, "restore_session", fmt.Errorf("restored key failed confirmation"), nil)
		return nil, nil
	}

	m.keyEnclave = memguard.NewBufferFromBytes(dataKey).Seal()
	m.logAudit(requestID, "restore_session", nil, map[string]interface{}{
		"biometric": opts.UseBiometric,
	})
	return m.keyEnclave, nil
}

// ClearPersistedSession deletes both stored credentials for this instance
// and unregisters it from the tracker. Best effort: missing entries are
// tolerated and failures are logged rather than returned, since a session
// that cannot be cleared must not block the caller's flow.
func (m *Manager) ClearPersistedSession(ctx context.Context) error {
	requestID := m.newRequestID()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.secure.ClearSession(ctx, m.instanceID); err != nil {
		m.logAudit(requestID, "clear_session", err, nil)
		return nil
	}

	m.untrack(ctx, requestID)

	m.logAudit(requestID, "clear_session", nil, nil)
	return nil
}

// Close drops the in-memory key. Shared stores are owned by the ManagerSet
// and stay open.
func (m *Manager) Close() error {
	m.ClearKey()
	return nil
}

// persistSessionLocked does the wrap-and-store work under m.mu. Returns
// whether both credentials were stored.
func (m *Manager) persistSessionLocked(ctx context.Context, requestID, action string) bool {
	keyBuffer, err := m.keyEnclave.Open()
	if err != nil {
		m.logAudit(requestID, action, err, nil)
		return false
	}
	defer keyBuffer.Destroy()

	wrappingKey, err := crypto.GenerateWrappingKey()
	if err != nil {
		m.logAudit(requestID, action, err, nil)
		return false
	}
	defer memguard.WipeBytes(wrappingKey)

	wrapped, err := crypto.WrapKey(wrappingKey, keyBuffer.Bytes())
	if err != nil {
		m.logAudit(requestID, action, err, nil)
		return false
	}

	if err = m.secure.StoreWrappingKey(ctx, m.instanceID, wrappingKey); err != nil {
		m.logAudit(requestID, action, err, map[string]interface{}{
			"stage": "store_wrapping_key",
		})
		return false
	}
	if err = m.secure.StoreWrappedKey(ctx, m.instanceID, wrapped); err != nil {
		m.logAudit(requestID, action, err, map[string]interface{}{
			"stage": "store_wrapped_key",
		})
		// Half-written sessions would restore to garbage later
		_ = m.secure.ClearSession(ctx, m.instanceID)
		return false
	}

	if err = m.tracker.Track(ctx, m.instanceID); err != nil {
		// Tracking is an optimization; never fail the persist for it
		m.logAudit(requestID, action, err, map[string]interface{}{
			"stage": "track",
		})
	}

	m.logAudit(requestID, action, nil, nil)
	return true
}

// rewrapSession replaces a persisted session with one wrapping the current
// key under fresh material. When the replacement cannot be stored the stale
// session is cleared, so it can never restore a key that fails confirmation
// against the new derivation record.
func (m *Manager) rewrapSession(ctx context.Context, requestID string) {
	has, err := m.secure.HasSession(ctx, m.instanceID)
	if err != nil || !has {
		if err != nil {
			m.logAudit(requestID, "rewrap_session", err, nil)
		}
		return
	}

	if !m.persistSessionLocked(ctx, requestID, "rewrap_session") {
		if err = m.secure.ClearSession(ctx, m.instanceID); err != nil {
			m.logAudit(requestID, "rewrap_session", err, map[string]interface{}{
				"stage": "clear_stale",
			})
		}
		m.untrack(ctx, requestID)
	}
}

// loadDerivation maps a missing record to ErrNotSetUp.
func (m *Manager) loadDerivation(requestID, action string) (*persist.DerivationRecord, error) {
	record, err := m.store.LoadDerivation(m.instanceID)
	if err != nil {
		if os.IsNotExist(err) || misc.IsNotFoundError(err) {
			m.logAudit(requestID, action, ErrNotSetUp, nil)
			return nil, ErrNotSetUp
		}
		m.logAudit(requestID, action, err, nil)
		return nil, fmt.Errorf("failed to load derivation record: %w", err)
	}
	return record, nil
}

func (m *Manager) untrack(ctx context.Context, requestID string) {
	if err := m.tracker.Untrack(ctx, m.instanceID); err != nil {
		m.logAudit(requestID, "untrack", err, nil)
	}
}

func (m *Manager) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["request_id"] = requestID
	metadata["instance_id"] = m.instanceID
	if err != nil {
		metadata["error"] = err.Error()
	}
	_ = m.audit.Log(action, err == nil, metadata)
}

func (m *Manager) newRequestID() string {
	return uuid.New().String()
}

func defaultParams() persist.DerivationParams {
	return persist.DerivationParams{
		Time:    misc.ArgonTime,
		Memory:  misc.ArgonMemory,
		Threads: misc.ArgonThreads,
		KeyLen:  misc.ArgonKeyLen,
	}
}

// deriveAndConfirm derives a key from password and salt and computes its
// confirmation value. The salt slice is left intact for the caller.
func deriveAndConfirm(password string, salt []byte, params persist.DerivationParams) (*memguard.Enclave, []byte, error) {
	keyBuffer, err := derive(password, salt, params)
	if err != nil {
		return nil, nil, err
	}

	verifier := crypto.ComputeVerifier(keyBuffer.Bytes())
	return keyBuffer.Seal(), verifier, nil
}

// deriveAndVerify derives a candidate key from the record's salt and checks
// it against the record's confirmation value. ErrWrongPassword on mismatch.
func deriveAndVerify(password string, record *persist.DerivationRecord) (*memguard.Enclave, error) {
	keyBuffer, err := derive(password, record.Salt, record.Params)
	if err != nil {
		return nil, err
	}

	if !crypto.VerifyKey(keyBuffer.Bytes(), record.Verifier) {
		keyBuffer.Destroy()
		return nil, ErrWrongPassword
	}
	return keyBuffer.Seal(), nil
}

func derive(password string, salt []byte, params persist.DerivationParams) (*memguard.LockedBuffer, error) {
	// NewEnclave wipes its argument, so the salt goes in as a copy
	saltCopy := make([]byte, len(salt))
	copy(saltCopy, salt)
	saltEnclave := memguard.NewEnclave(saltCopy)

	passwordBytes := []byte(password)
	defer memguard.WipeBytes(passwordBytes)

	return crypto.DeriveKeyWithParams(passwordBytes, saltEnclave,
		params.Time, params.Memory, params.Threads, params.KeyLen)
}
