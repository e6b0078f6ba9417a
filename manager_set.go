package keyhold

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tearleads.dev/keyhold/audit"
	"tearleads.dev/keyhold/persist"
	"tearleads.dev/keyhold/securestore"
	"tearleads.dev/keyhold/tracker"
)

// ManagerSet owns the shared storage dependencies (derivation store, secure
// storage provider, instance tracker, audit logger) and hands out one
// Manager per instance. Managers for distinct instances operate fully
// independently; the set itself is safe for concurrent use.
type ManagerSet struct {
	mu       sync.RWMutex
	managers map[string]*Manager
	closed   bool

	options Options
	store   persist.Store
	secure  securestore.Provider
	tracker tracker.Tracker
	audit   audit.Logger
}

// NewManagerSet builds the shared dependencies from options and returns a
// set ready to hand out managers.
func NewManagerSet(options Options) (*ManagerSet, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	auditLogger, err := audit.NewLogger(options.AuditConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err := persist.NewStore(persist.StoreConfig{
		Type: persist.StoreTypeFileSystem,
		Config: map[string]interface{}{
			"base_path": options.BasePath,
		},
	})
	if err != nil {
		_ = auditLogger.Close()
		return nil, fmt.Errorf("failed to create derivation store: %w", err)
	}

	secure, err := securestore.NewProvider(securestore.Config{
		Type:         options.SecureStoreType,
		EmbeddedPath: options.EmbeddedStorePath,
		Bridge:       options.Bridge,
		Audit:        auditLogger,
	})
	if err != nil {
		_ = store.Close()
		_ = auditLogger.Close()
		return nil, fmt.Errorf("failed to create secure storage provider: %w", err)
	}

	tr, err := tracker.NewBoltTracker(options.TrackerPath, auditLogger)
	if err != nil {
		_ = secure.Close()
		_ = store.Close()
		_ = auditLogger.Close()
		return nil, fmt.Errorf("failed to create instance tracker: %w", err)
	}

	return &ManagerSet{
		managers: make(map[string]*Manager),
		options:  options,
		store:    store,
		secure:   secure,
		tracker:  tr,
		audit:    auditLogger,
	}, nil
}

// Manager returns the manager for an instance, creating and initializing it
// on first use. Repeated calls for the same instance return the same
// manager.
func (s *ManagerSet) Manager(ctx context.Context, instanceID string) (*Manager, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance ID is required")
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("manager set is closed")
	}
	if m, ok := s.managers[instanceID]; ok {
		s.mu.RUnlock()
		return m, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("manager set is closed")
	}
	if m, ok := s.managers[instanceID]; ok {
		return m, nil
	}

	m, err := NewManager(instanceID, s.store, s.secure, s.tracker, s.audit)
	if err != nil {
		return nil, err
	}
	m.lockMemory = s.options.EnableMemoryLock

	if err = m.Initialize(ctx); err != nil {
		return nil, err
	}

	s.managers[instanceID] = m
	return m, nil
}

// ListInstances returns the instance IDs that currently have derivation
// records, sorted.
func (s *ManagerSet) ListInstances() ([]string, error) {
	instances, err := s.store.ListInstances()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	sort.Strings(instances)
	return instances, nil
}

// ListTrackedSessions returns the instance IDs the tracker knows to have
// (or to have had) a persisted session. Degrades to empty on tracker
// failure.
func (s *ManagerSet) ListTrackedSessions(ctx context.Context) []string {
	return s.tracker.ListTrackedInstanceIDs(ctx)
}

// BiometricAvailability probes the active storage variant.
func (s *ManagerSet) BiometricAvailability(ctx context.Context) securestore.Availability {
	return s.secure.BiometricAvailability(ctx)
}

// CleanupOrphanedSessions finds tracked instances that no longer have a
// derivation record and clears their stored credentials. Neither storage
// variant can enumerate its own credentials, so the tracker is the only
// source of candidates. Returns the instance IDs cleaned. Per-instance
// failures are logged and skipped; a later run retries them.
func (s *ManagerSet) CleanupOrphanedSessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cleaned := []string{}
	for _, instanceID := range s.tracker.ListTrackedInstanceIDs(ctx) {
		exists, err := s.store.DerivationExists(instanceID)
		if err != nil {
			s.logAudit("cleanup_orphaned_sessions", instanceID, err)
			continue
		}
		if exists {
			continue
		}

		if err = s.secure.ClearSession(ctx, instanceID); err != nil {
			s.logAudit("cleanup_orphaned_sessions", instanceID, err)
			continue
		}
		if err = s.tracker.Untrack(ctx, instanceID); err != nil {
			s.logAudit("cleanup_orphaned_sessions", instanceID, err)
		}
		cleaned = append(cleaned, instanceID)
	}

	if len(cleaned) > 0 {
		s.logAudit("cleanup_orphaned_sessions", "", nil)
	}
	return cleaned, nil
}

// QueryAuditLogs runs a query against the shared audit trail.
func (s *ManagerSet) QueryAuditLogs(options audit.QueryOptions) (audit.QueryResult, error) {
	return s.audit.Query(options)
}

// CloseInstance drops the cached manager for an instance, clearing its
// in-memory key. Persisted state is untouched.
func (s *ManagerSet) CloseInstance(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.managers[instanceID]
	if !ok {
		return nil
	}
	delete(s.managers, instanceID)
	return m.Close()
}

// Close drops all managers and closes the shared stores. The set is
// unusable afterwards.
func (s *ManagerSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for id, m := range s.managers {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", id, err))
		}
	}
	s.managers = make(map[string]*Manager)

	if err := s.tracker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tracker: %w", err))
	}
	if err := s.secure.Close(); err != nil {
		errs = append(errs, fmt.Errorf("secure store: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("derivation store: %w", err))
	}
	if err := s.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing manager set: %v", errs)
	}
	return nil
}

func (s *ManagerSet) logAudit(action, instanceID string, err error) {
	metadata := map[string]interface{}{}
	if instanceID != "" {
		metadata["instance_id"] = instanceID
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	_ = s.audit.Log(action, err == nil, metadata)
}
