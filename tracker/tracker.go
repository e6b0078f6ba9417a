// Package tracker maintains a small persisted index of instance IDs that
// have (or had) a stored session. Neither secure-storage variant supports
// enumeration, so cleanup tooling needs this side index. Tracking is an
// optimization: every operation here degrades rather than failing callers.
package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"tearleads.dev/keyhold/audit"
)

var trackedBucket = []byte("tracked_instances")

// Tracker records which instances currently have stored credentials.
type Tracker interface {
	// Track registers an instance. Idempotent.
	Track(ctx context.Context, instanceID string) error

	// Untrack removes an instance. Idempotent; removing an unknown
	// instance is not an error.
	Untrack(ctx context.Context, instanceID string) error

	// ListTrackedInstanceIDs returns the current set. On any failure to
	// read the tracker's own storage it returns an empty list rather
	// than propagating an error.
	ListTrackedInstanceIDs(ctx context.Context) []string

	// Close releases the tracker's storage.
	Close() error
}

// BoltTracker implements Tracker on its own bbolt database, independent of
// the secure storage provider. Each instance is one key, so concurrent
// updates for different instance IDs never lose each other.
type BoltTracker struct {
	db    *bbolt.DB
	path  string
	audit audit.Logger
}

// NewBoltTracker opens (creating if necessary) the tracker database at path.
// auditLogger may be nil.
func NewBoltTracker(path string, auditLogger audit.Logger) (*BoltTracker, error) {
	if path == "" {
		return nil, fmt.Errorf("tracker database path is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create tracker directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(trackedBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tracker bucket: %w", err)
	}

	return &BoltTracker{
		db:    db,
		path:  path,
		audit: auditLogger,
	}, nil
}

func (bt *BoltTracker) Track(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if instanceID == "" {
		return fmt.Errorf("instance ID is required")
	}

	// Keyed upsert: writing one instance never rewrites the whole set
	return bt.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(trackedBucket)
		if b == nil {
			return fmt.Errorf("tracker bucket missing")
		}
		return b.Put([]byte(instanceID), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

func (bt *BoltTracker) Untrack(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if instanceID == "" {
		return fmt.Errorf("instance ID is required")
	}

	return bt.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(trackedBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(instanceID))
	})
}

func (bt *BoltTracker) ListTrackedInstanceIDs(ctx context.Context) []string {
	instances := []string{}
	if ctx.Err() != nil || bt.db == nil {
		return instances
	}

	err := bt.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(trackedBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			instances = append(instances, string(k))
			return nil
		})
	})
	if err != nil {
		// Tracking is never a blocking dependency; report nothing
		// rather than failing the caller
		bt.audit.Log("tracker_list", false, map[string]interface{}{
			"error": err.Error(),
		})
		return []string{}
	}

	sort.Strings(instances)
	return instances
}

// NoOpTracker satisfies Tracker without persisting anything. Useful for
// embedding callers that do their own instance bookkeeping.
type NoOpTracker struct{}

func NewNoOpTracker() *NoOpTracker { return &NoOpTracker{} }

func (NoOpTracker) Track(context.Context, string) error   { return nil }
func (NoOpTracker) Untrack(context.Context, string) error { return nil }
func (NoOpTracker) ListTrackedInstanceIDs(context.Context) []string {
	return []string{}
}
func (NoOpTracker) Close() error { return nil }

func (bt *BoltTracker) Close() error {
	if bt.db == nil {
		return nil
	}
	err := bt.db.Close()
	bt.db = nil
	return err
}
